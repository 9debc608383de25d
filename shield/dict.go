package shield

import (
	"fmt"
	"sync"
	"time"
)

// dictNode is one entry in a ShieldedDict key's version chain.
type dictNode[V any] struct {
	version uint64
	value   V
	absent  bool
	older   *dictNode[V]
}

// dictKeyState is the shared, mutable per-key state of a ShieldedDict:
// its version chain head and its in-flight write-stamp lock.
type dictKeyState[V any] struct {
	mu         sync.Mutex
	head       *dictNode[V]
	writeStamp uint64 // 0 means unlocked
}

// dictLocal is a ShieldedDict's per-transaction read/write record.
type dictLocal[K comparable, V any] struct {
	reads   map[K]struct{}
	writes  map[K]V
	deletes map[K]struct{}
}

// ShieldedDict is a keyed MVCC map: the dictionary primitive of the STM
// runtime, with per-key write-stamp locks instead of a single lock for
// the whole structure.
type ShieldedDict[K comparable, V any] struct {
	states          sync.Map // K -> *dictKeyState[V]
	recentlyWritten sync.Map // K -> uint64 (write stamp)
	name            string
}

// NewShieldedDict creates an empty shielded dictionary.
func NewShieldedDict[K comparable, V any](opts ...CellOption) *ShieldedDict[K, V] {
	var o cellOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.name == "" {
		o.name = fmt.Sprintf("dict@%p", &o)
	}
	return &ShieldedDict[K, V]{name: o.name}
}

func (d *ShieldedDict[K, V]) stateFor(key K) *dictKeyState[V] {
	if v, ok := d.states.Load(key); ok {
		return v.(*dictKeyState[V])
	}
	v, _ := d.states.LoadOrStore(key, &dictKeyState[V]{})
	return v.(*dictKeyState[V])
}

// Get returns the value at key (the zero value and false if absent).
// Inside a transaction this observes the snapshot as of the transaction's
// start stamp, plus any not-yet-committed write made earlier in the same
// transaction.
func (d *ShieldedDict[K, V]) Get(key K) (V, bool) {
	if ctx, ok := currentContext(); ok {
		return d.getInTx(ctx, key)
	}
	return d.getCommitted(key)
}

// Set buffers a new value for key in the current transaction. It panics if
// called outside a transaction.
func (d *ShieldedDict[K, V]) Set(key K, v V) {
	ctx := requireContext("Set")
	d.setInTx(ctx, key, v)
}

// Delete buffers the removal of key in the current transaction.
func (d *ShieldedDict[K, V]) Delete(key K) {
	ctx := requireContext("Delete")
	d.deleteInTx(ctx, key)
}

// Commute queues a write at key whose result depends only on the key's
// current value, exactly like Shielded.Commute but scoped to one key.
func (d *ShieldedDict[K, V]) Commute(key K, f func(V, bool) V) {
	ctx := requireContext("Commute")
	ctx.enlist(d)
	ctx.queueCommute(commuteOp{
		participant: d,
		wasObserved: func(ctx *Context) bool {
			loc, ok := ctx.getLocal(d)
			if !ok {
				return false
			}
			_, wasRead := loc.(*dictLocal[K, V]).reads[key]
			return wasRead
		},
		applyDegenerate: func(ctx *Context) {
			cur, present := d.getInTx(ctx, key)
			d.setInTx(ctx, key, f(cur, present))
		},
		applyLatest: func(ctx *Context) {
			cur, present := d.getCommitted(key)
			d.setInTx(ctx, key, f(cur, present))
			d.localFor(ctx).reads[key] = struct{}{}
		},
	})
}

func (d *ShieldedDict[K, V]) getCommitted(key K) (V, bool) {
	st, ok := d.states.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	ks := st.(*dictKeyState[V])
	ks.mu.Lock()
	n := ks.head
	ks.mu.Unlock()
	if n == nil || n.absent {
		var zero V
		return zero, false
	}
	return n.value, true
}

func (d *ShieldedDict[K, V]) localFor(ctx *Context) *dictLocal[K, V] {
	if v, ok := ctx.getLocal(d); ok {
		return v.(*dictLocal[K, V])
	}
	loc := &dictLocal[K, V]{reads: make(map[K]struct{}), writes: make(map[K]V)}
	ctx.setLocal(d, loc)
	return loc
}

func (d *ShieldedDict[K, V]) checkKeyLockAndEnlist(ctx *Context, key K) {
	ks := d.stateFor(key)
	for i := 0; ; i++ {
		ks.mu.Lock()
		ws := ks.writeStamp
		ks.mu.Unlock()
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
	ctx.enlist(d)
}

func (d *ShieldedDict[K, V]) getInTx(ctx *Context, key K) (V, bool) {
	loc := d.localFor(ctx)
	if v, ok := loc.writes[key]; ok {
		// Writable-read collision: a key we buffered a write for must not
		// also have gained a newer committed version while we ran. This is
		// a transient conflict, not a program error: abort and retry.
		if ks, exists := d.states.Load(key); exists {
			st := ks.(*dictKeyState[V])
			st.mu.Lock()
			head := st.head
			st.mu.Unlock()
			if head != nil && head.version > ctx.StartStamp {
				abortForConflict("writable-read collision")
			}
		}
		return v, true
	}
	if _, deleted := loc.deletes[key]; deleted {
		var zero V
		return zero, false
	}

	d.checkKeyLockAndEnlist(ctx, key)
	loc.reads[key] = struct{}{}

	st, ok := d.states.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	ks := st.(*dictKeyState[V])
	ks.mu.Lock()
	n := ks.head
	ks.mu.Unlock()
	for n != nil && !ctx.visible(n.version) {
		n = n.older
	}
	if n == nil || n.absent {
		var zero V
		return zero, false
	}
	return n.value, true
}

func (d *ShieldedDict[K, V]) setInTx(ctx *Context, key K, v V) {
	d.checkKeyLockAndEnlist(ctx, key)
	loc := d.localFor(ctx)
	delete(loc.deletes, key)
	loc.writes[key] = v
}

func (d *ShieldedDict[K, V]) deleteInTx(ctx *Context, key K) {
	// Recorded in a parallel deletes set (and dropped from writes); Commit
	// publishes an absent (tombstone) node for every key in that set.
	d.checkKeyLockAndEnlist(ctx, key)
	loc := d.localFor(ctx)
	if loc.deletes == nil {
		loc.deletes = make(map[K]struct{})
	}
	delete(loc.writes, key)
	loc.deletes[key] = struct{}{}
}

// HasChanges implements Participant.
func (d *ShieldedDict[K, V]) HasChanges(ctx *Context) bool {
	loc, ok := ctx.getLocal(d)
	if !ok {
		return false
	}
	l := loc.(*dictLocal[K, V])
	return len(l.writes) > 0 || len(l.deletes) > 0
}

// CanCommit implements Participant. Safe to call more than once for the
// same (ctx, writeStamp) pair.
func (d *ShieldedDict[K, V]) CanCommit(ctx *Context, writeStamp uint64) bool {
	v, ok := ctx.getLocal(d)
	if !ok {
		return true
	}
	loc := v.(*dictLocal[K, V])

	for key := range loc.reads {
		if _, written := loc.writes[key]; written {
			continue
		}
		if _, deleted := loc.deletes[key]; deleted {
			continue
		}
		st, exists := d.states.Load(key)
		if !exists {
			continue
		}
		ks := st.(*dictKeyState[V])
		ks.mu.Lock()
		ws := ks.writeStamp
		head := ks.head
		ks.mu.Unlock()
		if ws != 0 && ws != writeStamp {
			return false
		}
		if head != nil && head.version > ctx.StartStamp {
			return false
		}
	}

	for key := range loc.writes {
		if !d.tryLockKey(key, writeStamp) {
			return false
		}
	}
	for key := range loc.deletes {
		if !d.tryLockKey(key, writeStamp) {
			return false
		}
	}
	// A key both read and written is checked only now, with its write-stamp
	// lock held, so no newer version can be published between check and lock.
	for key := range loc.reads {
		_, written := loc.writes[key]
		_, deleted := loc.deletes[key]
		if !written && !deleted {
			continue
		}
		ks := d.stateFor(key)
		ks.mu.Lock()
		head := ks.head
		ks.mu.Unlock()
		if head != nil && head.version > ctx.StartStamp {
			return false
		}
	}
	return true
}

func (d *ShieldedDict[K, V]) tryLockKey(key K, writeStamp uint64) bool {
	ks := d.stateFor(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.writeStamp == writeStamp {
		return true // already acquired, idempotent re-validation
	}
	if ks.writeStamp != 0 {
		return false
	}
	ks.writeStamp = writeStamp
	return true
}

// Commit implements Participant.
func (d *ShieldedDict[K, V]) Commit(ctx *Context, writeStamp uint64) bool {
	v, ok := ctx.getLocal(d)
	defer ctx.dropLocal(d)
	if !ok {
		return false
	}
	loc := v.(*dictLocal[K, V])
	wrote := false

	for key, val := range loc.writes {
		d.publish(key, writeStamp, val, false)
		wrote = true
	}
	for key := range loc.deletes {
		var zero V
		d.publish(key, writeStamp, zero, true)
		wrote = true
	}
	return wrote
}

func (d *ShieldedDict[K, V]) publish(key K, writeStamp uint64, val V, absent bool) {
	ks := d.stateFor(key)
	ks.mu.Lock()
	ks.head = &dictNode[V]{version: writeStamp, value: val, absent: absent, older: ks.head}
	ks.writeStamp = 0
	ks.mu.Unlock()
	d.recentlyWritten.Store(key, writeStamp)
}

// Rollback implements Participant.
func (d *ShieldedDict[K, V]) Rollback(ctx *Context, writeStamp uint64, hadStamp bool) {
	v, ok := ctx.getLocal(d)
	ctx.dropLocal(d)
	if !ok || !hadStamp {
		return
	}
	loc := v.(*dictLocal[K, V])
	for key := range loc.writes {
		d.unlockKey(key, writeStamp)
	}
	for key := range loc.deletes {
		d.unlockKey(key, writeStamp)
	}
}

func (d *ShieldedDict[K, V]) unlockKey(key K, writeStamp uint64) {
	ks := d.stateFor(key)
	ks.mu.Lock()
	if ks.writeStamp == writeStamp {
		ks.writeStamp = 0
	}
	ks.mu.Unlock()
}

// TrimCopies implements Participant. For every key tracked in
// recentlyWritten whose stamp is <= minOpen, cut its chain down to the
// newest node with version <= minOpen. The tracking entry is removed only
// if its stamp is still <= minOpen at that moment (a newer write racing in
// concurrently is left untouched, per spec: never drop a node any open
// transaction can still need).
func (d *ShieldedDict[K, V]) TrimCopies(minOpen uint64) {
	d.recentlyWritten.Range(func(k, v any) bool {
		key := k.(K)
		stamp := v.(uint64)
		if stamp > minOpen {
			return true
		}
		ks := d.stateFor(key)
		ks.mu.Lock()
		n := ks.head
		for n != nil {
			if n.version <= minOpen {
				archiveDictChain(d.name, fmt.Sprint(key), n.older)
				n.older = nil
				break
			}
			n = n.older
		}
		ks.mu.Unlock()

		if cur, ok := d.recentlyWritten.Load(key); ok && cur.(uint64) <= minOpen {
			d.recentlyWritten.Delete(key)
		}
		return true
	})
}

func archiveDictChain[V any](name, key string, n *dictNode[V]) {
	for n != nil {
		if !n.absent {
			activeHistorySink.Archive(name, key, []byte(fmt.Sprintf("%+v", n.value)))
		}
		n = n.older
	}
}
