package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ordersaga/ordersaga/pkg/logger"
)

// kubeDataLink is the symlink a mounted ConfigMap swaps on update. The
// config file itself never sees a write event in that case.
const kubeDataLink = "..data"

// Watcher reloads the config file when it changes and hands each valid
// result to the registered callbacks. A file that fails to load or validate
// is logged and the node keeps its current settings.
type Watcher struct {
	fs        *fsnotify.Watcher
	loader    *Loader
	path      string
	debounce  time.Duration
	overrides map[string]interface{}

	mu        sync.Mutex
	callbacks []func(*Config)
	running   bool
	stopOnce  sync.Once
	stopCh    chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the file must stay quiet before a reload.
// Editors and ConfigMap swaps emit bursts of events for one change.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithOverrides reapplies command line overrides on every reload so they keep
// winning over the file.
func WithOverrides(overrides map[string]interface{}) WatcherOption {
	return func(w *Watcher) {
		w.overrides = overrides
	}
}

// NewWatcher prepares a watcher for configPath. Nothing is watched until
// Watch runs.
func NewWatcher(configPath string, loader *Loader, opts ...WatcherOption) (*Watcher, error) {
	if configPath == "" {
		return nil, errors.New("config path is required for watching")
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		fs:       fs,
		loader:   loader,
		path:     filepath.Clean(abs),
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Watch blocks until ctx is done or Stop is called. The directory holding
// the file is watched so that a rename-over save or a ConfigMap swap is seen.
// Callbacks run one at a time on this goroutine, in reload order.
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("watcher is already running")
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch config directory of %s: %w", w.path, err)
	}

	quiet := time.NewTimer(w.debounce)
	if !quiet.Stop() {
		<-quiet.C
	}
	defer quiet.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if w.relevant(event) {
				quiet.Reset(w.debounce)
			}
		case <-quiet.C:
			w.reload()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			logger.Global().Warn("config watcher error", "path", w.path, "error", err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	name := filepath.Clean(event.Name)
	return name == w.path || filepath.Base(name) == kubeDataLink
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.path, w.overrides)
	if err != nil {
		logger.Global().Error("config reload rejected, keeping current settings", "path", w.path, "error", err)
		return
	}
	logger.Global().Info("config reloaded", "path", w.path)

	w.mu.Lock()
	callbacks := append([]func(*Config){}, w.callbacks...)
	w.mu.Unlock()
	for _, cb := range callbacks {
		w.notify(cb, cfg)
	}
}

func (w *Watcher) notify(cb func(*Config), cfg *Config) {
	defer func() {
		if r := recover(); r != nil {
			logger.Global().Error("config callback panic", "path", w.path, "panic", r)
		}
	}()
	cb(cfg)
}

// OnChange registers a callback for every accepted reload.
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Stop ends Watch and releases the fsnotify handle. It is safe to call more
// than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.fs.Close()
	})
	return err
}

// IsRunning reports whether Watch is active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// ConfigPath returns the absolute path being watched.
func (w *Watcher) ConfigPath() string {
	return w.path
}

// HotReloadableConfig is the slice of Config a reload is compared on. The log
// level and the sweeper timings are applied in place. The other fields are
// only read at startup, so a change to them is reported as needing a restart.
type HotReloadableConfig struct {
	LogLevel       string
	LogFormat      string
	MetricsEnabled bool
	MetricsPath    string
	MetricsPort    int
	SweepInterval  time.Duration
	StallTimeout   time.Duration
	PaymentTimeout time.Duration
}

// ExtractHotReloadable picks the compared fields out of cfg.
func ExtractHotReloadable(cfg *Config) HotReloadableConfig {
	return HotReloadableConfig{
		LogLevel:       cfg.Log.Level,
		LogFormat:      cfg.Log.Format,
		MetricsEnabled: cfg.Metrics.Enabled,
		MetricsPath:    cfg.Metrics.Path,
		MetricsPort:    cfg.Metrics.Port,
		SweepInterval:  cfg.Saga.SweepInterval,
		StallTimeout:   cfg.Saga.StallTimeout,
		PaymentTimeout: cfg.Saga.PaymentTimeout,
	}
}

// Changed reports whether any compared field differs.
func (h HotReloadableConfig) Changed(other HotReloadableConfig) bool {
	return h.LogLevel != other.LogLevel ||
		h.LogFormat != other.LogFormat ||
		h.MetricsEnabled != other.MetricsEnabled ||
		h.MetricsPath != other.MetricsPath ||
		h.MetricsPort != other.MetricsPort ||
		h.SweepInterval != other.SweepInterval ||
		h.StallTimeout != other.StallTimeout ||
		h.PaymentTimeout != other.PaymentTimeout
}

// RequiresRestart reports whether the change touches values that are only
// read at startup.
func (h HotReloadableConfig) RequiresRestart(other HotReloadableConfig) bool {
	return h.LogFormat != other.LogFormat ||
		h.MetricsEnabled != other.MetricsEnabled ||
		h.MetricsPath != other.MetricsPath ||
		h.MetricsPort != other.MetricsPort
}
