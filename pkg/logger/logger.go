// Package logger provides structured logging for the saga engine and its participants.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"
)

// Level represents logging levels.
type Level int32

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel parses a level string. Unknown values map to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Config holds logger configuration.
type Config struct {
	Level  Level
	Format string // "json" or "text"
	Output string // "stdout", "stderr", or file path
}

// Logger is the interface for structured logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	DebugContext(ctx context.Context, msg string, args ...any)
	InfoContext(ctx context.Context, msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)

	With(args ...any) Logger
	WithContext(ctx context.Context) context.Context

	SetLevel(level Level)
	GetLevel() Level

	// Close releases the output file, if any.
	Close() error
}

// SlogLogger is a Logger implementation using log/slog.
type SlogLogger struct {
	logger *slog.Logger
	level  *slog.LevelVar
	closer io.Closer
}

var (
	globalMu sync.RWMutex
	global   Logger
)

func init() {
	global = New(&Config{Level: InfoLevel, Format: "text", Output: "stdout"})
}

// New creates a Logger. A nil cfg logs JSON at info to stdout. An output file
// that cannot be opened falls back to stdout.
func New(cfg *Config) Logger {
	if cfg == nil {
		cfg = &Config{Level: InfoLevel, Format: "json", Output: "stdout"}
	}

	level := &slog.LevelVar{}
	level.Set(slogLevel(cfg.Level))
	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   cfg.Level == DebugLevel,
		ReplaceAttr: renameMessage,
	}

	w, closer := openOutput(cfg.Output)
	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if cfg.Format == "text" {
		h = slog.NewTextHandler(w, opts)
	}
	return &SlogLogger{
		logger: slog.New(traceHandler{h}),
		level:  level,
		closer: closer,
	}
}

// NewNop returns a logger that discards everything.
func NewNop() Logger {
	level := &slog.LevelVar{}
	level.Set(slog.LevelError)
	return &SlogLogger{logger: slog.New(slog.DiscardHandler), level: level}
}

func openOutput(output string) (io.Writer, io.Closer) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return os.Stdout, nil
	}
	return f, f
}

var slogLevels = map[Level]slog.Level{
	DebugLevel: slog.LevelDebug,
	InfoLevel:  slog.LevelInfo,
	WarnLevel:  slog.LevelWarn,
	ErrorLevel: slog.LevelError,
}

func slogLevel(l Level) slog.Level {
	if sl, ok := slogLevels[l]; ok {
		return sl
	}
	return slog.LevelInfo
}

// renameMessage emits the message under "message", the key log shippers in
// front of the saga nodes index on.
func renameMessage(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.MessageKey {
		a.Key = "message"
	}
	return a
}

// traceHandler adds trace_id and span_id to records logged with a context
// that carries a span, so a saga's log lines join its trace.
type traceHandler struct {
	slog.Handler
}

func (h traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return traceHandler{h.Handler.WithAttrs(attrs)}
}

func (h traceHandler) WithGroup(name string) slog.Handler {
	return traceHandler{h.Handler.WithGroup(name)}
}

func (l *SlogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *SlogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *SlogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *SlogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

func (l *SlogLogger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.logger.DebugContext(ctx, msg, args...)
}

func (l *SlogLogger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.logger.InfoContext(ctx, msg, args...)
}

func (l *SlogLogger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.logger.WarnContext(ctx, msg, args...)
}

func (l *SlogLogger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.logger.ErrorContext(ctx, msg, args...)
}

// With returns a derived Logger. Derived loggers share the level but not the
// output file.
func (l *SlogLogger) With(args ...any) Logger {
	return &SlogLogger{logger: l.logger.With(args...), level: l.level}
}

// WithContext returns a context carrying the logger.
func (l *SlogLogger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerKey{}, Logger(l))
}

// SetLevel changes the level of this logger and every logger derived from it.
func (l *SlogLogger) SetLevel(level Level) {
	l.level.Set(slogLevel(level))
}

// GetLevel returns the current logging level.
func (l *SlogLogger) GetLevel() Level {
	current := l.level.Level()
	for level, sl := range slogLevels {
		if sl == current {
			return level
		}
	}
	return InfoLevel
}

// Close closes the output file when logging to one.
func (l *SlogLogger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

type loggerKey struct{}

// FromContext extracts a Logger from context, falling back to the global logger.
func FromContext(ctx context.Context) Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey{}).(Logger); ok {
			return l
		}
	}
	return Global()
}

// Global returns the global logger.
func Global() Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// SetGlobal replaces the global logger.
func SetGlobal(l Logger) {
	if l == nil {
		return
	}
	globalMu.Lock()
	global = l
	globalMu.Unlock()
}

// SetLevel sets the level of the global logger.
func SetLevel(level Level) {
	Global().SetLevel(level)
}

// ForSaga returns a logger annotated with saga identity fields.
func ForSaga(l Logger, sagaID, orderNo string) Logger {
	if l == nil {
		l = Global()
	}
	return l.With("saga_id", sagaID, "order_no", orderNo)
}

func Debug(msg string, args ...any) { Global().Debug(msg, args...) }
func Info(msg string, args ...any)  { Global().Info(msg, args...) }
func Warn(msg string, args ...any)  { Global().Warn(msg, args...) }
func Error(msg string, args ...any) { Global().Error(msg, args...) }

func DebugContext(ctx context.Context, msg string, args ...any) {
	Global().DebugContext(ctx, msg, args...)
}

func InfoContext(ctx context.Context, msg string, args ...any) {
	Global().InfoContext(ctx, msg, args...)
}

func WarnContext(ctx context.Context, msg string, args ...any) {
	Global().WarnContext(ctx, msg, args...)
}

func ErrorContext(ctx context.Context, msg string, args ...any) {
	Global().ErrorContext(ctx, msg, args...)
}
