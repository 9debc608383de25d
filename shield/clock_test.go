package shield

import "testing"

func TestClockMonotonic(t *testing.T) {
	c := newClock()
	if c.current() != 0 {
		t.Fatalf("expected fresh clock to read 0, got %d", c.current())
	}
	a := c.nextWriteStamp()
	b := c.nextWriteStamp()
	if b <= a {
		t.Fatalf("expected strictly increasing write stamps, got %d then %d", a, b)
	}
	if c.current() != b {
		t.Fatalf("expected current() to reflect last issued stamp %d, got %d", b, c.current())
	}
}

func TestOpenSetMinFallback(t *testing.T) {
	s := newOpenSet()
	if m := s.min(42); m != 42 {
		t.Fatalf("expected fallback 42 on empty set, got %d", m)
	}
}

func TestOpenSetMinTracksRefcounts(t *testing.T) {
	s := newOpenSet()
	s.add(5)
	s.add(3)
	s.add(3)
	if m := s.min(0); m != 3 {
		t.Fatalf("expected min 3, got %d", m)
	}
	s.remove(3)
	if m := s.min(0); m != 3 {
		t.Fatalf("expected min still 3 after removing one of two refs, got %d", m)
	}
	s.remove(3)
	if m := s.min(0); m != 5 {
		t.Fatalf("expected min 5 after both refs to 3 removed, got %d", m)
	}
	s.remove(5)
	if m := s.min(99); m != 99 {
		t.Fatalf("expected fallback 99 once set drains, got %d", m)
	}
}
