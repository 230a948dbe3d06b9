// Package slotpool implements a bounded, lock-light pool of reusable values.
//
// The pool holds at most a fixed capacity of values at once. Slots are
// allocated lazily, the first time demand reaches a previously unused index,
// and are never moved or shrunk afterward: a slot's index is its identity
// for the lifetime of the pool. Acquiring and releasing a value never takes
// a mutex on the hot path; ownership of a slot transfers entirely through
// atomic compare-and-swap on the slot's own state (see internal/slot), with
// two MPMC queues — one for AVAILABLE hints, one for DISPOSED indices
// awaiting recycling — used only to wake up waiters and order reuse.
//
// Acquire optionally takes a *Worker, a small per-caller handle that caches
// the last slot it released. When the same Worker is reused across calls
// (for example, one per long-lived goroutine in a worker pool), a
// reacquire that finds its cached slot still AVAILABLE and still valid
// completes without touching either queue. Callers with no natural
// per-caller identity — most one-shot callers — can pass a nil Worker and
// forgo the optimization.
package slotpool
