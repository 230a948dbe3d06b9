package slotpool

import (
	"sync/atomic"

	"github.com/giantswarm/slotpool/internal/slot"
)

// Worker is a small per-caller handle that remembers the last slot its
// owner released, giving a reacquire a fast path that never touches the
// pool's shared queues. Go has no first-class thread-local storage, so
// Worker stands in for one: create a single Worker per long-lived goroutine
// that repeatedly acquires and releases, and reuse it on every call.
//
// A Worker must not be shared between goroutines that might call Acquire
// concurrently. Doing so is safe — the slot's own CAS still arbitrates the
// claim — but defeats the point, since only one of them can win the cached
// slot and the other falls through to the shared queues anyway.
type Worker[T any] struct {
	cached atomic.Pointer[slot.Slot[T]]
}

// NewWorker creates a Worker with no cached slot.
func NewWorker[T any]() *Worker[T] {
	return &Worker[T]{}
}
