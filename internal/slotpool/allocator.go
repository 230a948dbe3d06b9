package slotpool

// Allocator knows how to create and tear down values of type T. The pool
// calls Create at most once per slot per allocation cycle, and calls
// OnDispose exactly once for every value Create successfully returned,
// including values discarded on close.
//
// Create receives a release function tied to the slot it is about to
// populate. A value that can self-report completion (for example, a
// connection wrapper whose Close method should return it to the pool) may
// capture and invoke release exactly once; values whose lifecycle is driven
// externally, like this package's own adapters, are free to ignore it.
type Allocator[T any] interface {
	Create(release func()) (T, error)
	OnAcquire(value T)
	OnDispose(value T)
}

// ValidationStrategy decides whether a slot's value is still fit to hand
// out. idleMillis is the time since the slot's lastUsed timestamp was last
// updated, which happens when a value is allocated, on every release, and on
// an in-place touch; claiming a slot does not update it.
type ValidationStrategy[T any] interface {
	IsValid(value T, idleMillis int64) bool
}

// AlwaysValid is a ValidationStrategy that never rejects a value. It is the
// default used when NewPool is given a nil validator.
type AlwaysValid[T any] struct{}

// IsValid always returns true.
func (AlwaysValid[T]) IsValid(T, int64) bool { return true }
