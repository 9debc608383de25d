package shield

import (
	"log/slog"
	"time"
)

// Context is per-goroutine transaction state. It is created on entry to
// the outermost Atomically call, mutated only by its owning goroutine, and
// torn down on commit or final abort.
type Context struct {
	// ID is a monotonically assigned diagnostic transaction id, distinct
	// from the start stamp. It is used only for logging/metrics labels,
	// never for conflict detection.
	ID uint64

	// StartStamp is the version-clock value sampled at begin; no read
	// performed by this transaction may observe a version > StartStamp,
	// except its own committedStamp below.
	StartStamp uint64

	// committedStamp is the write stamp this attempt committed with, set
	// by the runner right after the commit loop, before side effects run.
	// Zero means this attempt has not (yet) committed. A participant whose
	// chain now carries a node at exactly this version was just published
	// by this transaction itself, so reads made later in the same attempt
	// (typically from a SyncSideEffect, after Commit has already dropped
	// the buffered local write) must still see it.
	committedStamp uint64

	// Attempt counts retries of the current logical transaction: 0 on
	// first entry, incremented on every rollback-and-retry. Diagnostic
	// only.
	Attempt int

	depth int // nesting depth; only depth==0 drives begin/commit

	enlisted    []Participant
	enlistedIdx map[Participant]int

	preCommits []preCommitHook
	commutes   []commuteOp

	sideEffects     []func()
	syncSideEffects []func()

	local map[Participant]any
}

func newContext(id, startStamp uint64, attempt int) *Context {
	return &Context{
		ID:          id,
		StartStamp:  startStamp,
		Attempt:     attempt,
		enlistedIdx: make(map[Participant]int),
		local:       make(map[Participant]any),
	}
}

// enlist registers a participant with this transaction, deduplicated, in
// first-touch order.
func (ctx *Context) enlist(p Participant) {
	if _, ok := ctx.enlistedIdx[p]; ok {
		return
	}
	ctx.enlistedIdx[p] = len(ctx.enlisted)
	ctx.enlisted = append(ctx.enlisted, p)
}

func (ctx *Context) queueCommute(op commuteOp) {
	ctx.commutes = append(ctx.commutes, op)
}

// getLocal and setLocal give participants a place to keep their read/write
// sets for this transaction without the context needing to know their
// concrete type.
func (ctx *Context) getLocal(p Participant) (any, bool) {
	v, ok := ctx.local[p]
	return v, ok
}

func (ctx *Context) setLocal(p Participant, v any) {
	ctx.local[p] = v
}

func (ctx *Context) dropLocal(p Participant) {
	delete(ctx.local, p)
}

// visible reports whether a version-chain node stamped v may be read by
// ctx: either it predates ctx's snapshot, or it is exactly the write stamp
// ctx itself just committed with (see committedStamp above).
func (ctx *Context) visible(v uint64) bool {
	return v <= ctx.StartStamp || (ctx.committedStamp != 0 && v == ctx.committedStamp)
}

// Participant is the contract every transactional object implements.
// CanCommit must be idempotent on repeated validation of the same Context
// and writeStamp (the runner itself calls it once per attempt, and every
// attempt gets a fresh Context), and must not have side effects beyond
// acquiring the per-object write-stamp lock it tags with writeStamp.
type Participant interface {
	HasChanges(ctx *Context) bool
	CanCommit(ctx *Context, writeStamp uint64) bool
	Commit(ctx *Context, writeStamp uint64) bool
	Rollback(ctx *Context, writeStamp uint64, hadStamp bool)
	TrimCopies(minOpen uint64)
}

type preCommitHook struct {
	predicate func(*Context) bool
	action    func(*Context) error
}

type commuteOp struct {
	participant Participant
	wasObserved func(ctx *Context) bool
	applyDegenerate func(ctx *Context)
	applyLatest     func(ctx *Context)
}

// Metrics lets callers observe the runner and trimmer without the core
// package depending on any particular metrics backend. See shieldmetrics
// for a concrete sync/atomic-based Collector.
type Metrics interface {
	CommitSucceeded(attempt int)
	CommitRetried(reason string)
	PreCommitVetoed()
	TrimPass(participantsVisited int)
}

// SpinPolicy controls the backoff CheckLockAndEnlist uses while waiting for
// a conflicting writer to publish or abort. See shieldconfig for a
// YAML/env-configurable implementation.
type SpinPolicy interface {
	// Backoff returns how long to sleep (0 for none) before the next spin
	// iteration, and whether the caller should additionally yield the
	// processor first.
	Backoff(iteration int) (sleep time.Duration, yield bool)
}

// HistorySink receives the encoded payload of every version-chain node the
// trimmer severs, before it becomes unreachable. See shieldhistory for a
// bounded, compressed, in-memory implementation.
type HistorySink interface {
	Archive(participant, key string, payload []byte)
}

var (
	activeMetrics     Metrics     = noopMetrics{}
	activeSpinPolicy  SpinPolicy  = defaultSpinPolicy{}
	activeHistorySink HistorySink = noopHistorySink{}
	activeLogger      *slog.Logger = slog.Default()
)

// SetLogger installs the *slog.Logger protocol violations and trimmer
// activity are reported through. Pass nil to restore slog.Default().
// shieldconfig.Options.Log returns a logger suitable for passing here; its
// Logger field is set in code only, not from YAML or the environment.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.Default()
	}
	activeLogger = l
}

// SetMetrics installs a package-wide Metrics sink. Pass nil to disable.
func SetMetrics(m Metrics) {
	if m == nil {
		m = noopMetrics{}
	}
	activeMetrics = m
}

// SetSpinPolicy installs a package-wide SpinPolicy. Pass nil to restore the
// built-in default.
func SetSpinPolicy(p SpinPolicy) {
	if p == nil {
		p = defaultSpinPolicy{}
	}
	activeSpinPolicy = p
}

// SetHistorySink installs a package-wide HistorySink. Pass nil to disable.
func SetHistorySink(h HistorySink) {
	if h == nil {
		h = noopHistorySink{}
	}
	activeHistorySink = h
}

type noopMetrics struct{}

func (noopMetrics) CommitSucceeded(int)  {}
func (noopMetrics) CommitRetried(string) {}
func (noopMetrics) PreCommitVetoed()     {}
func (noopMetrics) TrimPass(int)         {}

type noopHistorySink struct{}

func (noopHistorySink) Archive(string, string, []byte) {}

// defaultSpinPolicy yields every iteration and never sleeps; it is cheap
// and correct but not tuned for any particular contention profile. Install
// a shieldconfig.Options-backed policy for exponential backoff.
type defaultSpinPolicy struct{}

func (defaultSpinPolicy) Backoff(iteration int) (time.Duration, bool) {
	return 0, true
}
