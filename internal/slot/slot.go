package slot

import "sync/atomic"

// State is one of the three legal slot states.
type State int32

const (
	// Available means the slot holds a usable value and nobody has claimed it.
	Available State = iota
	// Claimed means exactly one caller currently owns the slot's value.
	Claimed
	// Disposed means the slot's value has been torn down and the index is
	// waiting to be re-allocated with a fresh value.
	Disposed
)

func (s State) String() string {
	switch s {
	case Available:
		return "available"
	case Claimed:
		return "claimed"
	case Disposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Clock abstracts time so pools can be driven deterministically in tests.
type Clock interface {
	Millis() int64
}

// Slot holds one reusable value of type T plus the bookkeeping a pool needs
// to decide whether it is safe to hand the value out again. The zero value
// is not usable; construct with New.
//
// Value is read and written only by whichever caller currently holds the
// slot CLAIMED — the state CAS that won the claim is the synchronization
// point that makes those reads/writes safe to a subsequent claimer.
type Slot[T any] struct {
	Index    int
	state    atomic.Int32
	lastUsed atomic.Int64
	Value    T
}

// New creates a slot at the given registry index, already CLAIMED by the
// caller that is about to populate Value. A freshly created slot has never
// been AVAILABLE, so there is nothing to race against.
func New[T any](index int) *Slot[T] {
	s := &Slot[T]{Index: index}
	s.state.Store(int32(Claimed))
	return s
}

// State returns the slot's current state.
func (s *Slot[T]) State() State {
	return State(s.state.Load())
}

// TryClaim attempts the AVAILABLE -> CLAIMED transition. It returns false if
// another caller already claimed or disposed the slot first, in which case
// the caller must treat the slot as a stale hint and move on.
func (s *Slot[T]) TryClaim() bool {
	return s.state.CompareAndSwap(int32(Available), int32(Claimed))
}

// TryRelease updates lastUsed to the clock's current reading and then
// attempts the CLAIMED -> AVAILABLE transition. The timestamp is updated
// before the CAS so that a concurrent reader that observes AVAILABLE never
// sees a stale lastUsed. Returns false if the slot was not CLAIMED, which
// indicates a double-release.
func (s *Slot[T]) TryRelease(clock Clock) bool {
	s.lastUsed.Store(clock.Millis())
	return s.state.CompareAndSwap(int32(Claimed), int32(Available))
}

// TryDispose attempts the CLAIMED -> DISPOSED transition. Returns false if
// the slot was not CLAIMED.
func (s *Slot[T]) TryDispose() bool {
	return s.state.CompareAndSwap(int32(Claimed), int32(Disposed))
}

// ClaimFromDisposed attempts the DISPOSED -> CLAIMED transition used when a
// slot index is being recycled with a fresh value. Returns false if the slot
// was not DISPOSED, which is a programmer error: only one caller should ever
// hold a dequeued disposed slot at a time.
func (s *Slot[T]) ClaimFromDisposed() bool {
	return s.state.CompareAndSwap(int32(Disposed), int32(Claimed))
}

// Touch updates lastUsed to the clock's current reading without changing
// state. Used while validating a slot in place, before a claim/release
// transition commits.
func (s *Slot[T]) Touch(clock Clock) {
	s.lastUsed.Store(clock.Millis())
}

// IdleMillis returns how long it has been, in milliseconds, since lastUsed
// was last updated.
func (s *Slot[T]) IdleMillis(clock Clock) int64 {
	return clock.Millis() - s.lastUsed.Load()
}

// Clear drops the slot's reference to its value, letting the garbage
// collector reclaim it while the slot sits DISPOSED awaiting recycling.
func (s *Slot[T]) Clear() (old T) {
	old, s.Value = s.Value, old
	return old
}
