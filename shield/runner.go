package shield

import (
	"sync"
	"sync/atomic"
)

// runtime is the transaction runner: it orchestrates the begin / validate /
// commit / rollback / retry loop and owns the version clock and the set of
// currently open transactions. A single package-level instance backs the
// exported Atomically function, since every Shielded cell and
// ShieldedDict shares one version space.
type runtime struct {
	clock    *clock
	open     *openSet
	nextTxID atomic.Uint64
	trimmer  *Trimmer

	// stampMu makes drawing a write stamp and validating against it one
	// step as seen by a transaction sampling its start stamp, so a start
	// stamp never covers a write stamp whose locks are not yet taken.
	stampMu sync.Mutex
}

var defaultRuntime = newRuntime()

func newRuntime() *runtime {
	rt := &runtime{clock: newClock(), open: newOpenSet()}
	rt.trimmer = newTrimmer(rt)
	return rt
}

// Atomically runs body atomically: either all of its effects on shielded
// participants become visible together, or none do. Conflicts with other
// concurrently committing transactions are detected and cause an automatic,
// unbounded retry; callers wanting a retry bound must supply their own
// guard around Atomically.
//
// Nested calls (an Atomically invoked from inside another transaction's
// body) join the outer transaction: body runs in-line against the same
// Context and does not independently drive validation or commit.
func Atomically(body func(ctx *Context) error) error {
	if ctx, ok := currentContext(); ok {
		ctx.depth++
		defer func() { ctx.depth-- }()
		return body(ctx)
	}
	_, err := defaultRuntime.run(body)
	return err
}

// AtomicallyWithResult runs body exactly like Atomically and additionally
// returns a Continuation describing the finished attempt. The Continuation
// is read-only and safe to inspect after Atomically returns; see
// Continuation for what happens if you try to build a new transaction from
// a stale one. A nested call joins the outer transaction just as Atomically
// does; its Continuation then carries no write stamp, since the outer call
// is the one that commits.
func AtomicallyWithResult(body func(ctx *Context) error) (*Continuation, error) {
	if ctx, ok := currentContext(); ok {
		ctx.depth++
		defer func() { ctx.depth-- }()
		err := body(ctx)
		return &Continuation{attempt: ctx.Attempt, participants: len(ctx.enlisted)}, err
	}
	return defaultRuntime.run(body)
}

func (rt *runtime) run(body func(ctx *Context) error) (*Continuation, error) {
	txID := rt.nextTxID.Add(1)
	for attempt := 0; ; attempt++ {
		cont, retry, err := rt.attempt(txID, attempt, body)
		if !retry {
			return cont, err
		}
		activeMetrics.CommitRetried(cont.retryReason)
	}
}

// attempt runs exactly one pass of the seven-step protocol described in
// the design notes. retry==true means the caller should loop again with a
// fresh start stamp; cont is only meaningful when retry==false.
func (rt *runtime) attempt(txID uint64, attemptNum int, body func(ctx *Context) error) (cont *Continuation, retry bool, err error) {
	rt.stampMu.Lock()
	startStamp := rt.clock.current()
	rt.stampMu.Unlock()
	ctx := newContext(txID, startStamp, attemptNum)

	rt.open.add(startStamp)
	glsSet(ctx)
	removed := false
	removeOpen := func() {
		if !removed {
			rt.open.remove(startStamp)
			removed = true
		}
	}
	defer glsClear()
	defer removeOpen()

	conflict := false
	var bodyErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(conflictSignal); ok {
					conflict = true
					return
				}
				rt.rollbackAll(ctx, 0, false)
				panic(r)
			}
		}()
		bodyErr = body(ctx)
	}()

	if conflict {
		rt.rollbackAll(ctx, 0, false)
		return &Continuation{retryReason: "conflict"}, true, nil
	}
	if bodyErr != nil {
		rt.rollbackAll(ctx, 0, false)
		if bodyErr == ErrRollback {
			return &Continuation{retryReason: "user-abort"}, true, nil
		}
		return nil, false, bodyErr
	}

	// Step 3: pre-commits.
	for _, hook := range ctx.preCommits {
		if !hook.predicate(ctx) {
			continue
		}
		if err := hook.action(ctx); err != nil {
			activeMetrics.PreCommitVetoed()
			rt.rollbackAll(ctx, 0, false)
			return nil, false, &PreCommitError{Cause: err}
		}
	}

	// Step 4: resolve commutes.
	for _, co := range ctx.commutes {
		if co.wasObserved(ctx) {
			co.applyDegenerate(ctx)
		} else {
			co.applyLatest(ctx)
		}
	}

	// Read-only optimization: skip the commit phase entirely. A read-only
	// transaction draws no write stamp of its own.
	if !rt.anyChanges(ctx) {
		rt.drainSyncSideEffects(ctx)
		removeOpen()
		rt.drainSideEffects(ctx)
		activeMetrics.CommitSucceeded(attemptNum)
		return &Continuation{writeStamp: 0, attempt: attemptNum, participants: len(ctx.enlisted)}, false, nil
	}

	// Step 5: validate.
	rt.stampMu.Lock()
	writeStamp := rt.clock.nextWriteStamp()
	ok := true
	for _, p := range ctx.enlisted {
		if !p.CanCommit(ctx, writeStamp) {
			ok = false
			break
		}
	}
	rt.stampMu.Unlock()
	if !ok {
		rt.rollbackAll(ctx, writeStamp, true)
		return &Continuation{retryReason: "validation-failed"}, true, nil
	}

	// Step 6: commit.
	for _, p := range ctx.enlisted {
		if p.Commit(ctx, writeStamp) {
			rt.trimmer.register(p)
		}
	}
	// Record our own write stamp as visible for the rest of this attempt:
	// Commit already dropped each participant's buffered write, so without
	// this a SyncSideEffect (or anything else re-reading after commit)
	// would fall back to the StartStamp-filtered chain walk and miss the
	// version it just published.
	ctx.committedStamp = writeStamp
	rt.drainSyncSideEffects(ctx)
	removeOpen()
	rt.drainSideEffects(ctx)
	rt.trimmer.triggerOpportunistic()

	activeMetrics.CommitSucceeded(attemptNum)
	return &Continuation{writeStamp: writeStamp, attempt: attemptNum, participants: len(ctx.enlisted)}, false, nil
}

func (rt *runtime) anyChanges(ctx *Context) bool {
	for _, p := range ctx.enlisted {
		if p.HasChanges(ctx) {
			return true
		}
	}
	return false
}

// rollbackAll unwinds every enlisted participant. hadStamp indicates
// whether writeStamp was actually issued this round (validation was
// attempted); participants whose Rollback is a no-op for writeStamp==0
// still need their local state cleared.
func (rt *runtime) rollbackAll(ctx *Context, writeStamp uint64, hadStamp bool) {
	for _, p := range ctx.enlisted {
		p.Rollback(ctx, writeStamp, hadStamp)
	}
}

func (rt *runtime) drainSideEffects(ctx *Context) {
	for _, fn := range ctx.sideEffects {
		fn()
	}
}

func (rt *runtime) drainSyncSideEffects(ctx *Context) {
	for _, fn := range ctx.syncSideEffects {
		fn()
	}
}
