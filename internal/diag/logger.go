// Package diag carries the structured logger and in-memory metrics used by
// the workspace service and the CLI.
package diag

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LogLevel represents the severity of a log entry.
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

var levelRank = map[LogLevel]int{
	LogLevelDebug: 0,
	LogLevelInfo:  1,
	LogLevelWarn:  2,
	LogLevelError: 3,
}

// ParseLevel maps a case-insensitive level name onto a LogLevel. "warning" is
// accepted for WARN.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "INFO":
		return LogLevelInfo, nil
	case "DEBUG":
		return LogLevelDebug, nil
	case "WARN", "WARNING":
		return LogLevelWarn, nil
	case "ERROR":
		return LogLevelError, nil
	}
	return "", fmt.Errorf("unknown log level %q", s)
}

// LogField represents a key-value pair in structured logging.
type LogField struct {
	Key   string
	Value any
}

// Field creates a LogField from a key-value pair.
func Field(key string, value any) LogField {
	return LogField{Key: key, Value: value}
}

// Logger provides structured logging capabilities with context support.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...LogField)
	Info(ctx context.Context, msg string, fields ...LogField)
	Warn(ctx context.Context, msg string, fields ...LogField)
	Error(ctx context.Context, msg string, err error, fields ...LogField)
	WithFields(fields ...LogField) Logger
}

// NoOpLogger is a logger that discards all log entries.
type NoOpLogger struct{}

func (n *NoOpLogger) Debug(_ context.Context, _ string, _ ...LogField)          {}
func (n *NoOpLogger) Info(_ context.Context, _ string, _ ...LogField)           {}
func (n *NoOpLogger) Warn(_ context.Context, _ string, _ ...LogField)           {}
func (n *NoOpLogger) Error(_ context.Context, _ string, _ error, _ ...LogField) {}
func (n *NoOpLogger) WithFields(_ ...LogField) Logger                           { return n }

// StdLogger writes one line per entry:
//
//	[2006-01-02T15:04:05Z07:00] [LEVEL] [error="..."] msg fields=[k=v ...]
//
// The trace ID from the context, when present, is appended as a field.
type StdLogger struct {
	fields   []LogField
	minLevel LogLevel
	logger   *log.Logger
	mu       *sync.Mutex
	now      func() time.Time
}

// NewStdLogger creates a logger with the given minimum level. A nil writer
// discards everything.
func NewStdLogger(minLevel LogLevel, writer io.Writer) *StdLogger {
	if writer == nil {
		writer = io.Discard
	}
	if _, ok := levelRank[minLevel]; !ok {
		minLevel = LogLevelInfo
	}
	return &StdLogger{
		minLevel: minLevel,
		logger:   log.New(writer, "", 0),
		mu:       &sync.Mutex{},
		now:      time.Now,
	}
}

func (s *StdLogger) log(ctx context.Context, level LogLevel, msg string, err error, fields ...LogField) {
	if levelRank[level] < levelRank[s.minLevel] {
		return
	}

	all := make([]LogField, 0, len(s.fields)+len(fields)+1)
	all = append(all, s.fields...)
	all = append(all, fields...)
	if traceID := TraceID(ctx); traceID != "" {
		all = append(all, Field("trace_id", traceID))
	}

	parts := []string{
		fmt.Sprintf("[%s]", s.now().Format(time.RFC3339)),
		fmt.Sprintf("[%s]", level),
	}
	if err != nil {
		parts = append(parts, fmt.Sprintf("[error=%q]", err.Error()))
	}
	parts = append(parts, msg)
	if len(all) > 0 {
		kv := make([]string, 0, len(all))
		for _, f := range all {
			kv = append(kv, fmt.Sprintf("%s=%v", f.Key, f.Value))
		}
		parts = append(parts, fmt.Sprintf("fields=[%s]", strings.Join(kv, " ")))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Println(strings.Join(parts, " "))
}

func (s *StdLogger) Debug(ctx context.Context, msg string, fields ...LogField) {
	s.log(ctx, LogLevelDebug, msg, nil, fields...)
}

func (s *StdLogger) Info(ctx context.Context, msg string, fields ...LogField) {
	s.log(ctx, LogLevelInfo, msg, nil, fields...)
}

func (s *StdLogger) Warn(ctx context.Context, msg string, fields ...LogField) {
	s.log(ctx, LogLevelWarn, msg, nil, fields...)
}

func (s *StdLogger) Error(ctx context.Context, msg string, err error, fields ...LogField) {
	s.log(ctx, LogLevelError, msg, err, fields...)
}

// WithFields returns a logger that prepends fields to every entry.
func (s *StdLogger) WithFields(fields ...LogField) Logger {
	merged := make([]LogField, 0, len(s.fields)+len(fields))
	merged = append(merged, s.fields...)
	merged = append(merged, fields...)
	return &StdLogger{
		fields:   merged,
		minLevel: s.minLevel,
		logger:   s.logger,
		mu:       s.mu,
		now:      s.now,
	}
}

type traceIDKey struct{}

// WithTraceID adds a trace ID to the context for request correlation.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// EnsureTraceID returns ctx unchanged when it already carries a trace ID and
// otherwise attaches a fresh one.
func EnsureTraceID(ctx context.Context) context.Context {
	if TraceID(ctx) != "" {
		return ctx
	}
	return WithTraceID(ctx, NewTraceID())
}

// TraceID extracts the trace ID from context, if present.
func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(traceIDKey{}).(string); ok {
		return id
	}
	return ""
}

// NewTraceID returns a random UUID.
func NewTraceID() string {
	return uuid.NewString()
}
