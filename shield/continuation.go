package shield

// Continuation is a read-only snapshot of a finished Atomically run,
// returned by AtomicallyWithResult. It supplements the distilled
// transaction-facade surface with the kind of after-the-fact inspection
// the teacher lineage's TransactionManager offered via GetTransaction.
//
// A Continuation taken from a successful commit may be inspected freely;
// calling Resume on one is always rejected, since Shield has no notion of
// suspending a transaction mid-flight (see ErrContinuationCompleted).
type Continuation struct {
	writeStamp   uint64
	attempt      int
	participants int
	retryReason  string
}

// WriteStamp returns the write stamp the transaction committed with, or 0
// for a read-only transaction that never drew one and for a nested call
// that joined an outer transaction.
func (c *Continuation) WriteStamp() uint64 { return c.writeStamp }

// Attempts returns how many prior attempts were retried before this one
// succeeded (0 if it committed on the first try).
func (c *Continuation) Attempts() int { return c.attempt }

// Participants returns the number of distinct participants enlisted by the
// committed attempt.
func (c *Continuation) Participants() int { return c.participants }

// Resume always fails: Shield transactions cannot be suspended and
// resumed, only retried from scratch by Atomically itself. This exists so
// the error kind named in the spec's error taxonomy
// (KindContinuationCompleted) has a concrete caller-visible trigger.
func (c *Continuation) Resume() error {
	return ErrContinuationCompleted
}
