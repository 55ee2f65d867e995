package diag

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects counters for patch applications and snapshot ensures.
type Metrics interface {
	// RecordApply records one patch application and the files it touched.
	RecordApply(duration time.Duration, success bool, changes FileChanges)
	// RecordRollback records a commit that failed and was undone.
	RecordRollback()
	// RecordEnsure records one snapshot ensure.
	RecordEnsure(duration time.Duration, outcome EnsureOutcome)
	// GetSnapshot returns the current metrics snapshot.
	GetSnapshot() MetricsSnapshot
	// Reset clears all metrics (useful for testing).
	Reset()
}

// FileChanges counts the files a patch touched.
type FileChanges struct {
	Created  int
	Modified int
	Deleted  int
}

// EnsureOutcome classifies a snapshot ensure.
type EnsureOutcome string

const (
	EnsureChanged   EnsureOutcome = "changed"
	EnsureUnchanged EnsureOutcome = "unchanged"
	EnsureFailed    EnsureOutcome = "failed"
)

// MetricsSnapshot contains a point-in-time view of collected metrics.
type MetricsSnapshot struct {
	Applies       TimingMetrics
	FilesCreated  int64
	FilesModified int64
	FilesDeleted  int64
	Rollbacks     int64
	Ensures       TimingMetrics
	EnsureResults map[EnsureOutcome]int64
	LastApplyTime time.Time
	LastEnsure    time.Time
}

// TimingMetrics tracks the count and duration of one kind of operation.
type TimingMetrics struct {
	Total     int64
	Success   int64
	Failed    int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
}

// NoOpMetrics is a metrics collector that discards all metrics.
type NoOpMetrics struct{}

func (n *NoOpMetrics) RecordApply(_ time.Duration, _ bool, _ FileChanges) {}
func (n *NoOpMetrics) RecordRollback()                                    {}
func (n *NoOpMetrics) RecordEnsure(_ time.Duration, _ EnsureOutcome)      {}
func (n *NoOpMetrics) GetSnapshot() MetricsSnapshot                       { return MetricsSnapshot{} }
func (n *NoOpMetrics) Reset()                                             {}

// timing accumulates durations; min/max use atomics so readers need no lock.
type timing struct {
	TimingMetrics
	minNanos atomic.Int64
	maxNanos atomic.Int64
}

func newTiming() *timing {
	t := &timing{}
	t.minNanos.Store(int64(time.Hour))
	return t
}

func (t *timing) record(duration time.Duration, success bool) {
	t.Total++
	if success {
		t.Success++
	} else {
		t.Failed++
	}
	t.TotalTime += duration

	nanos := int64(duration)
	for {
		old := t.minNanos.Load()
		if nanos >= old || t.minNanos.CompareAndSwap(old, nanos) {
			break
		}
	}
	for {
		old := t.maxNanos.Load()
		if nanos <= old || t.maxNanos.CompareAndSwap(old, nanos) {
			break
		}
	}
}

func (t *timing) snapshot() TimingMetrics {
	out := t.TimingMetrics
	if out.Total == 0 {
		return out
	}
	out.MinTime = time.Duration(t.minNanos.Load())
	out.MaxTime = time.Duration(t.maxNanos.Load())
	return out
}

// InMemoryMetrics is a thread-safe in-memory metrics collector.
type InMemoryMetrics struct {
	mu            sync.RWMutex
	applies       *timing
	ensures       *timing
	created       int64
	modified      int64
	deleted       int64
	ensureResults map[EnsureOutcome]int64
	lastApply     time.Time
	lastEnsure    time.Time

	rollbacks atomic.Int64
}

// NewInMemoryMetrics creates a new in-memory metrics collector.
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		applies:       newTiming(),
		ensures:       newTiming(),
		ensureResults: make(map[EnsureOutcome]int64),
	}
}

func (m *InMemoryMetrics) RecordApply(duration time.Duration, success bool, changes FileChanges) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.applies.record(duration, success)
	m.created += int64(changes.Created)
	m.modified += int64(changes.Modified)
	m.deleted += int64(changes.Deleted)
	m.lastApply = time.Now()
}

func (m *InMemoryMetrics) RecordRollback() {
	m.rollbacks.Add(1)
}

func (m *InMemoryMetrics) RecordEnsure(duration time.Duration, outcome EnsureOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ensures.record(duration, outcome != EnsureFailed)
	m.ensureResults[outcome]++
	m.lastEnsure = time.Now()
}

func (m *InMemoryMetrics) GetSnapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricsSnapshot{
		Applies:       m.applies.snapshot(),
		FilesCreated:  m.created,
		FilesModified: m.modified,
		FilesDeleted:  m.deleted,
		Rollbacks:     m.rollbacks.Load(),
		Ensures:       m.ensures.snapshot(),
		EnsureResults: make(map[EnsureOutcome]int64, len(m.ensureResults)),
		LastApplyTime: m.lastApply,
		LastEnsure:    m.lastEnsure,
	}
	for k, v := range m.ensureResults {
		snapshot.EnsureResults[k] = v
	}
	return snapshot
}

func (m *InMemoryMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.applies = newTiming()
	m.ensures = newTiming()
	m.created, m.modified, m.deleted = 0, 0, 0
	m.ensureResults = make(map[EnsureOutcome]int64)
	m.lastApply = time.Time{}
	m.lastEnsure = time.Time{}
	m.rollbacks.Store(0)
}
