// Package shieldmetrics is a sync/atomic-backed Collector implementing
// shield.Metrics, in the teacher's MetricsCollector style: a struct of
// int64 counters mutated with atomic ops, plus a labeled retries-by-reason
// map guarded by a mutex since its key set is open-ended (the reason is
// whatever string the caller of CommitRetried passes; shield's runner
// reports "conflict", "user-abort" and "validation-failed").
package shieldmetrics

import (
	"sync"
	"sync/atomic"
)

// Collector accumulates counts for one Shield runtime. Create one with
// NewCollector: the zero value has nil label maps, and CommitSucceeded and
// CommitRetried panic on it until Reset has been called.
type Collector struct {
	commitsSucceeded    int64
	preCommitVetoes     int64
	trimPasses          int64
	participantsTrimmed int64

	mu            sync.RWMutex
	retryReasons  map[string]int64
	attemptCounts map[int]int64
}

// NewCollector returns a ready-to-use Collector.
func NewCollector() *Collector {
	return &Collector{
		retryReasons:  make(map[string]int64),
		attemptCounts: make(map[int]int64),
	}
}

// CommitSucceeded implements shield.Metrics.
func (c *Collector) CommitSucceeded(attempt int) {
	atomic.AddInt64(&c.commitsSucceeded, 1)
	c.mu.Lock()
	c.attemptCounts[attempt]++
	c.mu.Unlock()
}

// CommitRetried implements shield.Metrics.
func (c *Collector) CommitRetried(reason string) {
	c.mu.Lock()
	c.retryReasons[reason]++
	c.mu.Unlock()
}

// PreCommitVetoed implements shield.Metrics.
func (c *Collector) PreCommitVetoed() {
	atomic.AddInt64(&c.preCommitVetoes, 1)
}

// TrimPass implements shield.Metrics.
func (c *Collector) TrimPass(participantsVisited int) {
	atomic.AddInt64(&c.trimPasses, 1)
	atomic.AddInt64(&c.participantsTrimmed, int64(participantsVisited))
}

// Snapshot is a point-in-time copy of a Collector's counters, safe to read
// without further synchronization.
type Snapshot struct {
	CommitsSucceeded    int64
	PreCommitVetoes     int64
	TrimPasses          int64
	ParticipantsTrimmed int64
	RetriesByReason     map[string]int64
	AttemptHistogram    map[int]int64
}

// Snapshot copies out c's current counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	reasons := make(map[string]int64, len(c.retryReasons))
	for k, v := range c.retryReasons {
		reasons[k] = v
	}
	attempts := make(map[int]int64, len(c.attemptCounts))
	for k, v := range c.attemptCounts {
		attempts[k] = v
	}
	return Snapshot{
		CommitsSucceeded:    atomic.LoadInt64(&c.commitsSucceeded),
		PreCommitVetoes:     atomic.LoadInt64(&c.preCommitVetoes),
		TrimPasses:          atomic.LoadInt64(&c.trimPasses),
		ParticipantsTrimmed: atomic.LoadInt64(&c.participantsTrimmed),
		RetriesByReason:     reasons,
		AttemptHistogram:    attempts,
	}
}

// Reset clears every counter.
func (c *Collector) Reset() {
	atomic.StoreInt64(&c.commitsSucceeded, 0)
	atomic.StoreInt64(&c.preCommitVetoes, 0)
	atomic.StoreInt64(&c.trimPasses, 0)
	atomic.StoreInt64(&c.participantsTrimmed, 0)

	c.mu.Lock()
	c.retryReasons = make(map[string]int64)
	c.attemptCounts = make(map[int]int64)
	c.mu.Unlock()
}
