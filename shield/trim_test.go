package shield

import "testing"

// chainLen walks a cell's version chain, including the live head, and
// counts its nodes. Test-only; production code never needs the full depth.
func chainLen[T any](c *Shielded[T]) int {
	n := c.head.Load()
	count := 0
	for n != nil {
		count++
		n = n.older.Load()
	}
	return count
}

func TestTrimmerReclaimsUnreachableVersions(t *testing.T) {
	c := NewShielded(0)
	for i := 1; i <= 5; i++ {
		i := i
		if err := Atomically(func(ctx *Context) error {
			c.Assign(i)
			return nil
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	// Every commit already ran an opportunistic trim pass with no other
	// transaction open, so each one cut the chain back to its new head.
	if got := chainLen(c); got != 1 {
		t.Fatalf("expected the per-commit trim passes to leave only the live head, got %d chained versions", got)
	}

	// No transaction is open, so minOpen falls back to the clock's current
	// value: trimming should collapse the chain to just the live head.
	defaultRuntime.trimmer.triggerOpportunistic()
	if got := chainLen(c); got != 1 {
		t.Fatalf("expected trimming to collapse the chain to 1 node, got %d", got)
	}
	if v := c.Value(); v != 5 {
		t.Fatalf("expected trimming to preserve the live value, got %d", v)
	}
}

func TestTrimmerPreservesVersionsOpenTransactionsNeed(t *testing.T) {
	c := NewShielded(0)
	_ = Atomically(func(ctx *Context) error {
		c.Assign(1)
		return nil
	})

	started := make(chan uint64)
	release := make(chan struct{})
	go func() {
		_ = Atomically(func(ctx *Context) error {
			started <- ctx.StartStamp
			<-release
			_ = c.Read()
			return nil
		})
	}()
	readerStamp := <-started

	_ = Atomically(func(ctx *Context) error {
		c.Assign(2)
		return nil
	})
	defaultRuntime.trimmer.triggerOpportunistic()

	n := c.head.Load()
	foundVisibleToReader := false
	for n != nil {
		if n.version <= readerStamp {
			foundVisibleToReader = true
			break
		}
		n = n.older.Load()
	}
	if !foundVisibleToReader {
		t.Fatal("expected the trimmer to preserve a version visible to the still-open reader")
	}
	close(release)
}

func TestTrimmerStartStop(t *testing.T) {
	rt := newRuntime()
	rt.trimmer.Start(0) // 0 falls back to the default interval
	rt.trimmer.Start(0) // starting twice must be a harmless no-op
	rt.trimmer.Stop()
	rt.trimmer.Stop() // stopping twice must be a harmless no-op
}
