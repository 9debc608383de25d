package shieldmetrics

import "testing"

func TestCollectorAccumulates(t *testing.T) {
	c := NewCollector()
	c.CommitSucceeded(0)
	c.CommitSucceeded(1)
	c.CommitSucceeded(0)
	c.CommitRetried("conflict")
	c.CommitRetried("conflict")
	c.CommitRetried("validation-failed")
	c.PreCommitVetoed()
	c.TrimPass(3)
	c.TrimPass(2)

	snap := c.Snapshot()
	if snap.CommitsSucceeded != 3 {
		t.Fatalf("expected 3 commits, got %d", snap.CommitsSucceeded)
	}
	if snap.PreCommitVetoes != 1 {
		t.Fatalf("expected 1 veto, got %d", snap.PreCommitVetoes)
	}
	if snap.TrimPasses != 2 {
		t.Fatalf("expected 2 trim passes, got %d", snap.TrimPasses)
	}
	if snap.ParticipantsTrimmed != 5 {
		t.Fatalf("expected 5 participants trimmed total, got %d", snap.ParticipantsTrimmed)
	}
	if snap.RetriesByReason["conflict"] != 2 {
		t.Fatalf("expected 2 conflict retries, got %d", snap.RetriesByReason["conflict"])
	}
	if snap.RetriesByReason["validation-failed"] != 1 {
		t.Fatalf("expected 1 validation-failed retry, got %d", snap.RetriesByReason["validation-failed"])
	}
	if snap.AttemptHistogram[0] != 2 || snap.AttemptHistogram[1] != 1 {
		t.Fatalf("unexpected attempt histogram: %+v", snap.AttemptHistogram)
	}
}

func TestCollectorReset(t *testing.T) {
	c := NewCollector()
	c.CommitSucceeded(0)
	c.CommitRetried("conflict")
	c.Reset()

	snap := c.Snapshot()
	if snap.CommitsSucceeded != 0 || len(snap.RetriesByReason) != 0 {
		t.Fatalf("expected a clean snapshot after Reset, got %+v", snap)
	}
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	c := NewCollector()
	c.CommitRetried("conflict")
	snap := c.Snapshot()
	snap.RetriesByReason["conflict"] = 999

	if got := c.Snapshot().RetriesByReason["conflict"]; got != 1 {
		t.Fatalf("expected mutating a returned Snapshot not to affect the Collector, got %d", got)
	}
}
