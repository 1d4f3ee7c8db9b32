package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sweepYAML = `app:
  name: ordersaga
log:
  level: info
  format: json
saga:
  sweep_interval: 2s
  stall_timeout: 30s
`

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// startWatcher runs Watch until the test ends and waits for it to be active.
func startWatcher(t *testing.T, w *Watcher) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = w.Stop()
	})
	require.Eventually(t, w.IsRunning, time.Second, 10*time.Millisecond)
	// fsnotify.Add runs after running flips; give it a moment.
	time.Sleep(50 * time.Millisecond)
	return done
}

func TestNewWatcher(t *testing.T) {
	loader := NewLoader()

	t.Run("resolves absolute path", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "ordersaga.yaml")
		writeConfig(t, path, sweepYAML)

		w, err := NewWatcher(path, loader, WithDebounce(100*time.Millisecond))
		require.NoError(t, err)
		defer w.Stop()

		assert.Equal(t, path, w.ConfigPath())
		assert.Equal(t, 100*time.Millisecond, w.debounce)
		assert.False(t, w.IsRunning())
	})

	t.Run("empty path", func(t *testing.T) {
		if _, err := NewWatcher("", loader); err == nil {
			t.Fatal("expected error for empty config path")
		}
	})
}

func TestWatcher_ReloadsSweepSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ordersaga.yaml")
	writeConfig(t, path, sweepYAML)

	w, err := NewWatcher(path, NewLoader(), WithDebounce(50*time.Millisecond))
	require.NoError(t, err)

	reloads := make(chan *Config, 4)
	w.OnChange(func(cfg *Config) { reloads <- cfg })
	startWatcher(t, w)

	writeConfig(t, path, `saga:
  sweep_interval: 5s
  stall_timeout: 45s
log:
  level: debug
`)

	select {
	case cfg := <-reloads:
		assert.Equal(t, 5*time.Second, cfg.Saga.SweepInterval)
		assert.Equal(t, 45*time.Second, cfg.Saga.StallTimeout)
		assert.Equal(t, "debug", cfg.Log.Level)
	case <-time.After(2 * time.Second):
		t.Fatal("no reload after config write")
	}
}

func TestWatcher_DebouncesBurstOfWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ordersaga.yaml")
	writeConfig(t, path, sweepYAML)

	w, err := NewWatcher(path, NewLoader(), WithDebounce(200*time.Millisecond))
	require.NoError(t, err)

	var mu sync.Mutex
	var levels []string
	w.OnChange(func(cfg *Config) {
		mu.Lock()
		levels = append(levels, cfg.Log.Level)
		mu.Unlock()
	})
	startWatcher(t, w)

	for _, level := range []string{"warn", "error", "debug"} {
		writeConfig(t, path, "log:\n  level: "+level+"\n")
		time.Sleep(20 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(levels) > 0
	}, 2*time.Second, 20*time.Millisecond)
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(levels) != 1 || levels[0] != "debug" {
		t.Fatalf("reloads = %v, want a single reload at debug", levels)
	}
}

func TestWatcher_FollowsRenameOverSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ordersaga.yaml")
	writeConfig(t, path, sweepYAML)

	w, err := NewWatcher(path, NewLoader(), WithDebounce(50*time.Millisecond))
	require.NoError(t, err)

	reloads := make(chan *Config, 4)
	w.OnChange(func(cfg *Config) { reloads <- cfg })
	startWatcher(t, w)

	staged := filepath.Join(dir, ".ordersaga.yaml.tmp")
	writeConfig(t, staged, "saga:\n  stall_timeout: 90s\n")
	require.NoError(t, os.Rename(staged, path))

	select {
	case cfg := <-reloads:
		assert.Equal(t, 90*time.Second, cfg.Saga.StallTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("no reload after rename over the config file")
	}
}

func TestWatcher_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ordersaga.yaml")
	writeConfig(t, path, sweepYAML)

	w, err := NewWatcher(path, NewLoader(), WithDebounce(50*time.Millisecond))
	require.NoError(t, err)

	reloads := make(chan *Config, 4)
	w.OnChange(func(cfg *Config) { reloads <- cfg })
	startWatcher(t, w)

	writeConfig(t, filepath.Join(dir, "seed.yaml"), "products: []\n")

	select {
	case <-reloads:
		t.Fatal("reloaded on a write to another file")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_KeepsSettingsOnInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ordersaga.yaml")
	writeConfig(t, path, sweepYAML)

	w, err := NewWatcher(path, NewLoader(), WithDebounce(50*time.Millisecond))
	require.NoError(t, err)

	reloads := make(chan *Config, 4)
	w.OnChange(func(cfg *Config) { reloads <- cfg })
	startWatcher(t, w)

	writeConfig(t, path, "saga: [unterminated\n")
	select {
	case <-reloads:
		t.Fatal("callback ran for a config that does not parse")
	case <-time.After(300 * time.Millisecond):
	}

	writeConfig(t, path, "saga:\n  sweep_interval: 3s\n")
	select {
	case cfg := <-reloads:
		assert.Equal(t, 3*time.Second, cfg.Saga.SweepInterval)
	case <-time.After(2 * time.Second):
		t.Fatal("no reload after the file was fixed")
	}
}

func TestWatcher_CallbacksRunInOrderAndSurvivePanic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ordersaga.yaml")
	writeConfig(t, path, sweepYAML)

	w, err := NewWatcher(path, NewLoader())
	require.NoError(t, err)
	defer w.Stop()

	var calls []string
	w.OnChange(func(*Config) { calls = append(calls, "log level") })
	w.OnChange(func(*Config) { panic("sweeper gone") })
	w.OnChange(func(*Config) { calls = append(calls, "sweeper") })

	w.reload()

	assert.Equal(t, []string{"log level", "sweeper"}, calls)
}

func TestWatcher_Lifecycle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ordersaga.yaml")
	writeConfig(t, path, sweepYAML)

	t.Run("stop ends watch", func(t *testing.T) {
		w, err := NewWatcher(path, NewLoader())
		require.NoError(t, err)
		done := startWatcher(t, w)

		if err := w.Watch(context.Background()); err == nil {
			t.Fatal("expected error when starting a second watch")
		}

		require.NoError(t, w.Stop())
		require.NoError(t, w.Stop())
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("watch did not return after Stop")
		}
		assert.False(t, w.IsRunning())
	})

	t.Run("context cancel ends watch", func(t *testing.T) {
		w, err := NewWatcher(path, NewLoader())
		require.NoError(t, err)
		defer w.Stop()

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- w.Watch(ctx) }()
		require.Eventually(t, w.IsRunning, time.Second, 10*time.Millisecond)
		cancel()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("watch did not return after cancel")
		}
	})

	t.Run("missing directory", func(t *testing.T) {
		w, err := NewWatcher(filepath.Join(dir, "absent", "ordersaga.yaml"), NewLoader())
		require.NoError(t, err)
		defer w.Stop()

		if err := w.Watch(context.Background()); err == nil {
			t.Fatal("expected error watching a directory that does not exist")
		}
	})
}

func TestWatcher_RelevantEvents(t *testing.T) {
	w := &Watcher{path: "/etc/ordersaga/ordersaga.yaml"}

	cases := []struct {
		name  string
		event fsnotify.Event
		want  bool
	}{
		{"write to config", fsnotify.Event{Name: "/etc/ordersaga/ordersaga.yaml", Op: fsnotify.Write}, true},
		{"rename onto config", fsnotify.Event{Name: "/etc/ordersaga/ordersaga.yaml", Op: fsnotify.Create}, true},
		{"configmap swap", fsnotify.Event{Name: "/etc/ordersaga/..data", Op: fsnotify.Create}, true},
		{"chmod only", fsnotify.Event{Name: "/etc/ordersaga/ordersaga.yaml", Op: fsnotify.Chmod}, false},
		{"other file", fsnotify.Event{Name: "/etc/ordersaga/seed.yaml", Op: fsnotify.Write}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := w.relevant(tc.event); got != tc.want {
				t.Fatalf("relevant(%v) = %v, want %v", tc.event, got, tc.want)
			}
		})
	}
}

func TestHotReloadableConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "debug"
	cfg.Metrics.Port = 9999
	cfg.Saga.StallTimeout = 45 * time.Second
	cfg.Saga.PaymentTimeout = 20 * time.Minute

	base := ExtractHotReloadable(cfg)
	assert.Equal(t, "debug", base.LogLevel)
	assert.Equal(t, 9999, base.MetricsPort)
	assert.Equal(t, cfg.Saga.SweepInterval, base.SweepInterval)
	assert.Equal(t, 45*time.Second, base.StallTimeout)
	assert.Equal(t, 20*time.Minute, base.PaymentTimeout)

	cases := []struct {
		name    string
		mutate  func(*HotReloadableConfig)
		changed bool
		restart bool
	}{
		{"unchanged", func(*HotReloadableConfig) {}, false, false},
		{"log level", func(h *HotReloadableConfig) { h.LogLevel = "warn" }, true, false},
		{"sweep interval", func(h *HotReloadableConfig) { h.SweepInterval *= 2 }, true, false},
		{"stall timeout", func(h *HotReloadableConfig) { h.StallTimeout = time.Minute }, true, false},
		{"payment timeout", func(h *HotReloadableConfig) { h.PaymentTimeout = time.Hour }, true, false},
		{"log format", func(h *HotReloadableConfig) { h.LogFormat = "text" }, true, true},
		{"metrics disabled", func(h *HotReloadableConfig) { h.MetricsEnabled = !h.MetricsEnabled }, true, true},
		{"metrics path", func(h *HotReloadableConfig) { h.MetricsPath = "/scrape" }, true, true},
		{"metrics port", func(h *HotReloadableConfig) { h.MetricsPort++ }, true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			next := base
			tc.mutate(&next)
			if got := base.Changed(next); got != tc.changed {
				t.Fatalf("Changed() = %v, want %v", got, tc.changed)
			}
			assert.Equal(t, tc.restart, base.RequiresRestart(next))
		})
	}
}

func TestWatcher_ReappliesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ordersaga.yaml")
	writeConfig(t, path, "log:\n  level: warn\n")

	w, err := NewWatcher(path, NewLoader(), WithOverrides(map[string]interface{}{"log.level": "debug"}))
	require.NoError(t, err)
	defer w.Stop()

	var got *Config
	w.OnChange(func(cfg *Config) { got = cfg })
	w.reload()

	require.NotNil(t, got)
	assert.Equal(t, "debug", got.Log.Level)
}
