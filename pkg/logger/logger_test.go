package logger

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", DebugLevel},
		{"info", InfoLevel},
		{"WARN", WarnLevel},
		{"warning", WarnLevel},
		{" error ", ErrorLevel},
		{"unknown", InfoLevel},
		{"", InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLevel_String(t *testing.T) {
	if got := Level(99).String(); got != "unknown" {
		t.Fatalf("Level(99).String() = %q", got)
	}
	if got := WarnLevel.String(); got != "warn" {
		t.Fatalf("WarnLevel.String() = %q", got)
	}
}

func TestSlogLogger_LevelIsSharedWithDerived(t *testing.T) {
	log := New(&Config{Level: InfoLevel, Format: "text", Output: "stdout"})
	derived := log.With("saga_id", "s-1")

	log.SetLevel(DebugLevel)
	if log.GetLevel() != DebugLevel {
		t.Fatalf("GetLevel() = %v, want debug", log.GetLevel())
	}
	if derived.GetLevel() != DebugLevel {
		t.Fatalf("derived GetLevel() = %v, want debug", derived.GetLevel())
	}
}

func TestFileOutputWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saga.log")
	log := New(&Config{Level: InfoLevel, Format: "json", Output: path})
	ForSaga(log, "saga-1", "order-9").Info("saga started", "step", "INVENTORY")
	if err := log.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	line := strings.TrimSpace(string(raw))
	var record map[string]any
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		t.Fatalf("log line is not json: %v (%s)", err, line)
	}
	if record["message"] != "saga started" {
		t.Fatalf("message = %v", record["message"])
	}
	if record["saga_id"] != "saga-1" || record["order_no"] != "order-9" {
		t.Fatalf("missing saga fields: %v", record)
	}
}

func TestFromContext(t *testing.T) {
	log := NewNop()
	ctx := log.WithContext(context.Background())
	if FromContext(ctx) != log {
		t.Fatal("FromContext() did not return the attached logger")
	}
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext() without logger should fall back to global")
	}
}

func TestSetGlobalReplaces(t *testing.T) {
	prev := Global()
	t.Cleanup(func() { SetGlobal(prev) })

	next := NewNop()
	SetGlobal(next)
	if Global() != next {
		t.Fatal("SetGlobal() did not replace the global logger")
	}
	SetGlobal(nil)
	if Global() != next {
		t.Fatal("SetGlobal(nil) must be ignored")
	}
}

func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var records []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			t.Fatalf("log line is not json: %v (%s)", err, line)
		}
		records = append(records, record)
	}
	return records
}

func TestContextLoggingAddsTraceFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saga.log")
	log := New(&Config{Level: InfoLevel, Format: "json", Output: path})

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x4b, 0xf9, 0x2f, 0x35, 0x77, 0xb3, 0x4d, 0xa6, 0xa3, 0xce, 0x92, 0x9d, 0x0e, 0x0e, 0x47, 0x36},
		SpanID:     trace.SpanID{0x00, 0xf0, 0x67, 0xaa, 0x0b, 0xa9, 0x02, 0xb7},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	sagaLog := ForSaga(log, "saga-2", "order-3")
	sagaLog.InfoContext(ctx, "saga compensating", "stage", "COUPON")
	sagaLog.Info("saga failed")
	if err := log.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	records := readRecords(t, path)
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0]["trace_id"] != "4bf92f3577b34da6a3ce929d0e0e4736" || records[0]["span_id"] != "00f067aa0ba902b7" {
		t.Fatalf("missing trace fields: %v", records[0])
	}
	if records[0]["saga_id"] != "saga-2" || records[0]["stage"] != "COUPON" {
		t.Fatalf("missing saga fields: %v", records[0])
	}
	if _, ok := records[1]["trace_id"]; ok {
		t.Fatalf("trace fields without a span: %v", records[1])
	}
}

func TestSetLevelFiltersRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saga.log")
	log := New(&Config{Level: WarnLevel, Format: "json", Output: path})

	log.Info("saga admitted")
	log.SetLevel(InfoLevel)
	log.Info("saga finished")
	if err := log.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	records := readRecords(t, path)
	if len(records) != 1 || records[0]["message"] != "saga finished" {
		t.Fatalf("records = %v, want only the message logged after SetLevel", records)
	}
	if got := log.GetLevel(); got != InfoLevel {
		t.Fatalf("GetLevel() = %v, want info", got)
	}
}

func TestNewNopDiscards(t *testing.T) {
	log := NewNop()
	log.Error("not written")
	if got := log.GetLevel(); got != ErrorLevel {
		t.Fatalf("GetLevel() = %v, want error", got)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
