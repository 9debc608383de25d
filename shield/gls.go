package shield

import (
	goruntime "runtime"
	"strconv"
	"sync"
)

// Go exposes no OS-thread-local storage to user code, and a transaction
// body always runs synchronously on the calling goroutine (Atomically never
// spawns one on the caller's behalf), so a goroutine-local slot keyed by
// the calling goroutine's id is the faithful rendition of "per-thread slot
// reached by every operation without threading a parameter through user
// code". The slot is set on entry to the outermost Atomically call and
// cleared on every exit path.
var glsSlots sync.Map // map[uint64]*Context

// goroutineID parses the numeric id out of the calling goroutine's stack
// trace header ("goroutine 123 [running]: ..."). It is only ever used to
// key the slot above, never for anything load-bearing to program
// correctness beyond that.
func goroutineID() uint64 {
	var buf [64]byte
	n := goruntime.Stack(buf[:], false)
	b := buf[:n]

	// Skip the "goroutine " prefix.
	const prefix = "goroutine "
	if len(b) < len(prefix) {
		protocolViolation("unable to parse goroutine id from stack header %q", string(b))
	}
	b = b[len(prefix):]

	end := 0
	for end < len(b) && b[end] != ' ' {
		end++
	}
	id, err := strconv.ParseUint(string(b[:end]), 10, 64)
	if err != nil {
		protocolViolation("unable to parse goroutine id: %v", err)
	}
	return id
}

func glsSet(ctx *Context) {
	glsSlots.Store(goroutineID(), ctx)
}

func glsGet() (*Context, bool) {
	v, ok := glsSlots.Load(goroutineID())
	if !ok {
		return nil, false
	}
	return v.(*Context), true
}

func glsClear() {
	glsSlots.Delete(goroutineID())
}

// currentContext returns the Context bound to the calling goroutine, if
// any. Cell and dictionary operations call this when they are invoked
// without an explicit *Context argument.
func currentContext() (*Context, bool) {
	return glsGet()
}

func gosched() {
	goruntime.Gosched()
}
