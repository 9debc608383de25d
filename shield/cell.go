package shield

import (
	"fmt"
	"sync/atomic"
	"time"
)

// cellNode is one entry in a Shielded cell's version chain. Versions
// strictly decrease along older.
type cellNode[T any] struct {
	version uint64
	value   T
	older   atomic.Pointer[cellNode[T]]
}

// cellLocal is a Shielded cell's per-transaction read/write record, kept
// in the owning Context's local state map.
type cellLocal[T any] struct {
	read     bool
	hasWrite bool
	value    T
}

// Shielded is a single-variable MVCC register: the cell primitive of the
// STM runtime.
type Shielded[T any] struct {
	head       atomic.Pointer[cellNode[T]]
	writeStamp atomic.Uint64 // 0 means unlocked; write stamps start at 1
	name       string
}

// CellOption configures a Shielded cell at construction.
type CellOption func(*cellOptions)

type cellOptions struct {
	name string
}

// Named labels a cell (or dictionary) with the participant name it is
// archived under by the HistorySink.
func Named(name string) CellOption {
	return func(o *cellOptions) { o.name = name }
}

// NewShielded creates a cell holding initial as its committed value.
func NewShielded[T any](initial T, opts ...CellOption) *Shielded[T] {
	var o cellOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.name == "" {
		o.name = fmt.Sprintf("cell@%p", &o)
	}
	c := &Shielded[T]{name: o.name}
	n := &cellNode[T]{version: 0, value: initial}
	c.head.Store(n)
	return c
}

// Read returns the cell's value: the transactional snapshot value if
// called inside a transaction (including any not-yet-committed write made
// earlier in the same transaction), or the latest committed value
// otherwise.
func (c *Shielded[T]) Read() T {
	if ctx, ok := currentContext(); ok {
		return c.readInTx(ctx)
	}
	return c.readCommitted()
}

// Value is an alias for Read.
func (c *Shielded[T]) Value() T { return c.Read() }

// Assign buffers a new value for this cell in the current transaction. It
// panics if called outside a transaction.
func (c *Shielded[T]) Assign(v T) {
	ctx := requireContext("Assign")
	c.assignInTx(ctx, v)
}

// Modify reads the cell's current transactional value, applies f, and
// assigns the result, as a single read-then-write.
func (c *Shielded[T]) Modify(f func(T) T) {
	ctx := requireContext("Modify")
	c.assignInTx(ctx, f(c.readInTx(ctx)))
}

// Commute queues a write whose result depends only on the cell's current
// value. The transaction body does not read the cell via Commute; f runs
// against the latest committed value immediately before validation,
// unless an earlier pre-commit (or the body itself) already read this
// cell, in which case the commute degenerates into an ordinary read+write
// evaluated against the transaction's own snapshot. The value f was given
// is validated like a read: if another transaction has committed to this
// cell since this one started, including another commute, the attempt
// is rolled back and retried.
func (c *Shielded[T]) Commute(f func(T) T) {
	ctx := requireContext("Commute")
	ctx.enlist(c)
	ctx.queueCommute(commuteOp{
		participant: c,
		wasObserved: func(ctx *Context) bool {
			loc, ok := ctx.getLocal(c)
			return ok && loc.(*cellLocal[T]).read
		},
		applyDegenerate: func(ctx *Context) {
			c.assignInTx(ctx, f(c.readInTx(ctx)))
		},
		applyLatest: func(ctx *Context) {
			c.assignInTx(ctx, f(c.readCommitted()))
			c.localFor(ctx).read = true
		},
	})
}

func requireContext(op string) *Context {
	ctx, ok := currentContext()
	if !ok {
		protocolViolation("%s called outside a transaction", op)
	}
	return ctx
}

func (c *Shielded[T]) readCommitted() T {
	n := c.head.Load()
	if n == nil {
		var zero T
		return zero
	}
	return n.value
}

func (c *Shielded[T]) localFor(ctx *Context) *cellLocal[T] {
	if v, ok := ctx.getLocal(c); ok {
		return v.(*cellLocal[T])
	}
	loc := &cellLocal[T]{}
	ctx.setLocal(c, loc)
	return loc
}

// checkLockAndEnlist spins while a conflicting writer's stamp is ordered
// before our start stamp, then enlists this cell with the transaction.
func (c *Shielded[T]) checkLockAndEnlist(ctx *Context) {
	for i := 0; ; i++ {
		ws := c.writeStamp.Load()
		if ws == 0 || ws > ctx.StartStamp {
			break
		}
		sleep, yield := activeSpinPolicy.Backoff(i)
		if yield {
			gosched()
		}
		if sleep > 0 {
			time.Sleep(sleep)
		}
	}
	ctx.enlist(c)
}

func (c *Shielded[T]) readInTx(ctx *Context) T {
	if loc, ok := ctx.getLocal(c); ok {
		if cl := loc.(*cellLocal[T]); cl.hasWrite {
			return cl.value
		}
	}
	c.checkLockAndEnlist(ctx)
	loc := c.localFor(ctx)
	if loc.hasWrite {
		return loc.value
	}
	loc.read = true
	n := c.head.Load()
	for n != nil && !ctx.visible(n.version) {
		n = n.older.Load()
	}
	if n == nil {
		var zero T
		return zero
	}
	return n.value
}

func (c *Shielded[T]) assignInTx(ctx *Context, v T) {
	c.checkLockAndEnlist(ctx)
	loc := c.localFor(ctx)
	loc.hasWrite = true
	loc.value = v
}

// HasChanges implements Participant.
func (c *Shielded[T]) HasChanges(ctx *Context) bool {
	loc, ok := ctx.getLocal(c)
	return ok && loc.(*cellLocal[T]).hasWrite
}

// CanCommit implements Participant. It is safe to call more than once for
// the same (ctx, writeStamp) pair.
func (c *Shielded[T]) CanCommit(ctx *Context, writeStamp uint64) bool {
	v, ok := ctx.getLocal(c)
	if !ok {
		return true
	}
	loc := v.(*cellLocal[T])
	// Take the write stamp before checking the read: while it is held no
	// other transaction can publish a newer head, so the check below
	// cannot be overtaken by a commit landing between check and lock.
	if loc.hasWrite && c.writeStamp.Load() != writeStamp && !c.writeStamp.CompareAndSwap(0, writeStamp) {
		return false
	}
	if loc.read {
		if h := c.head.Load(); h != nil && h.version > ctx.StartStamp {
			return false
		}
	}
	return true
}

// Commit implements Participant. Precondition: CanCommit returned true for
// this writeStamp.
func (c *Shielded[T]) Commit(ctx *Context, writeStamp uint64) bool {
	v, ok := ctx.getLocal(c)
	defer ctx.dropLocal(c)
	if !ok {
		return false
	}
	loc := v.(*cellLocal[T])
	if !loc.hasWrite {
		return false
	}
	n := &cellNode[T]{version: writeStamp, value: loc.value}
	n.older.Store(c.head.Load())
	c.head.Store(n)
	c.writeStamp.Store(0)
	return true
}

// Rollback implements Participant.
func (c *Shielded[T]) Rollback(ctx *Context, writeStamp uint64, hadStamp bool) {
	ctx.dropLocal(c)
	if hadStamp {
		c.writeStamp.CompareAndSwap(writeStamp, 0)
	}
}

// TrimCopies implements Participant: for this cell's version chain, drop
// all nodes older than the newest node whose version <= minOpen. Any
// sink installed with SetHistorySink receives the discarded payloads
// first.
func (c *Shielded[T]) TrimCopies(minOpen uint64) {
	n := c.head.Load()
	for n != nil {
		if n.version <= minOpen {
			discarded := n.older.Load()
			archiveCellChain(c.name, discarded)
			n.older.Store(nil)
			return
		}
		n = n.older.Load()
	}
}

func archiveCellChain[T any](name string, n *cellNode[T]) {
	for n != nil {
		activeHistorySink.Archive(name, "", []byte(fmt.Sprintf("%+v", n.value)))
		n = n.older.Load()
	}
}
