package shield

// Enlist registers p with the current transaction. Cells and dictionaries
// call this themselves on first touch; it is exported for user-defined
// Participant implementations.
func Enlist(ctx *Context, p Participant) {
	ctx.enlist(p)
}

// PreCommit installs a (predicate, action) pair active for the current
// transaction attempt. Predicates are evaluated between body execution and
// validation; predicate may observe any participant, including the
// transaction's own buffered writes. If predicate returns true, action
// runs; a non-nil error from action vetoes the whole attempt (see
// PreCommitError) rather than being treated as a transient conflict.
func PreCommit(ctx *Context, predicate func(*Context) bool, action func(*Context) error) {
	ctx.preCommits = append(ctx.preCommits, preCommitHook{predicate: predicate, action: action})
}

// SideEffect enqueues fn to run after the transaction commits
// successfully. Side effects never run on rollback, and their relative
// order across concurrently committing goroutines is unspecified.
func SideEffect(ctx *Context, fn func()) {
	ctx.sideEffects = append(ctx.sideEffects, fn)
}

// SyncSideEffect enqueues fn to run immediately after commit, before the
// transaction is removed from the open set and before any ordinary side
// effect runs, so fn always observes this transaction's own just-published
// writes ahead of anything an ordinary SideEffect could. In a read-only
// transaction it runs exactly like an ordinary side effect.
func SyncSideEffect(ctx *Context, fn func()) {
	ctx.syncSideEffects = append(ctx.syncSideEffects, fn)
}

// Rollback returns ErrRollback. Returning that value from a transaction
// body (return shield.Rollback()) aborts the current attempt and causes
// Atomically to retry; calling Rollback without returning its result has
// no effect.
func Rollback() error {
	return ErrRollback
}

// IsInTransaction reports whether the calling goroutine currently holds a
// transaction context.
func IsInTransaction() bool {
	_, ok := currentContext()
	return ok
}

// CurrentStartStamp returns the current transaction's start stamp. It is
// only valid (ok == true) inside a transaction.
func CurrentStartStamp() (stamp uint64, ok bool) {
	ctx, ok := currentContext()
	if !ok {
		return 0, false
	}
	return ctx.StartStamp, true
}
