package diag

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestStdLoggerFormatsEntries(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewStdLogger(LogLevelDebug, &buf)
	logger.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	ctx := WithTraceID(context.Background(), "trace-1")
	logger.WithFields(Field("root", "/srv")).Error(ctx, "apply failed", errors.New("boom"), Field("files", 2))

	require.Equal(t, "[2024-01-02T03:04:05Z] [ERROR] [error=\"boom\"] apply failed fields=[root=/srv files=2 trace_id=trace-1]\n", buf.String())
}

func TestStdLoggerFiltersByLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewStdLogger(LogLevelWarn, &buf)
	logger.Debug(context.Background(), "hidden")
	logger.Info(context.Background(), "hidden")
	logger.Warn(context.Background(), "shown")

	require.Equal(t, 1, strings.Count(buf.String(), "\n"))
	require.Contains(t, buf.String(), "[WARN] shown")
}

func TestWithFieldsDoesNotLeakIntoParent(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	parent := NewStdLogger(LogLevelInfo, &buf)
	_ = parent.WithFields(Field("child", true))
	parent.Info(context.Background(), "plain")

	require.NotContains(t, buf.String(), "child")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]LogLevel{"": LogLevelInfo, "debug": LogLevelDebug, "Warning": LogLevelWarn, "ERROR": LogLevelError} {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestEnsureTraceID(t *testing.T) {
	t.Parallel()

	ctx := EnsureTraceID(context.Background())
	id := TraceID(ctx)
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	require.Equal(t, id, TraceID(EnsureTraceID(ctx)))
}

func TestInMemoryMetrics(t *testing.T) {
	t.Parallel()

	m := NewInMemoryMetrics()
	m.RecordApply(20*time.Millisecond, true, FileChanges{Created: 1, Modified: 2})
	m.RecordApply(5*time.Millisecond, false, FileChanges{})
	m.RecordRollback()
	m.RecordEnsure(time.Second, EnsureChanged)
	m.RecordEnsure(time.Second, EnsureUnchanged)
	m.RecordEnsure(time.Second, EnsureFailed)

	s := m.GetSnapshot()
	require.EqualValues(t, 2, s.Applies.Total)
	require.EqualValues(t, 1, s.Applies.Failed)
	require.Equal(t, 5*time.Millisecond, s.Applies.MinTime)
	require.Equal(t, 20*time.Millisecond, s.Applies.MaxTime)
	require.EqualValues(t, 1, s.FilesCreated)
	require.EqualValues(t, 2, s.FilesModified)
	require.EqualValues(t, 1, s.Rollbacks)
	require.EqualValues(t, 3, s.Ensures.Total)
	require.EqualValues(t, 1, s.Ensures.Failed)
	require.EqualValues(t, 1, s.EnsureResults[EnsureChanged])

	m.Reset()
	s = m.GetSnapshot()
	require.Zero(t, s.Applies.Total)
	require.Zero(t, s.Applies.MinTime)
	require.Empty(t, s.EnsureResults)
}
