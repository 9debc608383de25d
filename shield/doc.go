// Package shield implements an in-process Software Transactional Memory
// runtime: application code wraps reads and writes of shared state in
// Atomically and gets atomic, optimistically-concurrent, snapshot-isolated
// execution with automatic retry on conflict.
//
// The core pieces are a monotonic version clock, a goroutine-local
// transaction context, the Shielded cell and ShieldedDict map primitives
// (both multi-version concurrency control registers), and the transaction
// runner that drives the two-phase commit protocol, pre-commits, commutes,
// and side effects.
package shield
