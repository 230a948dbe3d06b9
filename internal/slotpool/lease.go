package slotpool

import (
	"sync/atomic"

	"github.com/giantswarm/slotpool/internal/slot"
)

// Lease represents one successful Acquire. It must be released or disposed
// exactly once; a second call to either method panics.
type Lease[T any] struct {
	pool     *Pool[T]
	slot     *slot.Slot[T]
	finished atomic.Bool
}

// Value returns the leased value. It remains valid until Release or Dispose
// is called.
func (l *Lease[T]) Value() T {
	return l.slot.Value
}

// Release runs the value back through validation and, if it still passes,
// returns it to the pool for reuse. A value that fails validation is
// disposed instead, exactly as if Dispose had been called.
func (l *Lease[T]) Release() {
	if !l.finished.CompareAndSwap(false, true) {
		invariant("lease released more than once")
	}
	l.pool.releaseSlot(l.slot)
}

// Dispose unconditionally tears the value down without consulting the
// ValidationStrategy. Callers that know a value is broken — a connection
// that just returned a fatal I/O error, for example — should call this
// instead of Release so a value already known to be bad is never handed
// back out.
func (l *Lease[T]) Dispose() {
	if !l.finished.CompareAndSwap(false, true) {
		invariant("lease released more than once")
	}
	l.pool.dispose(l.slot)
}
