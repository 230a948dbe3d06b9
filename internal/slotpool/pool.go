package slotpool

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/giantswarm/slotpool/internal/slot"
)

// pollInterval bounds how long a blocked Acquire waits on the live queue
// before re-checking the closed flag, the disposed queue, and its own
// deadline. It trades a small amount of wasted wakeups for bounded
// responsiveness to Close and to expiring timeouts.
const pollInterval = 10 * time.Millisecond

// Pool is a fixed-capacity, lock-light pool of reusable values of type T.
// The zero value is not usable; construct with NewPool.
type Pool[T any] struct {
	capacity  int
	registry  []atomic.Pointer[slot.Slot[T]]
	highWater atomic.Int64

	live     *slotQueue[T]
	disposed *slotQueue[T]

	allocator Allocator[T]
	validator ValidationStrategy[T]
	clock     Clock

	closed atomic.Bool
}

// NewPool creates a pool that will allocate at most capacity values at once.
// validator may be nil, in which case every value is always considered
// valid. clock may be nil, in which case time.Now drives idle-duration
// checks.
func NewPool[T any](capacity int, allocator Allocator[T], validator ValidationStrategy[T], clock Clock) *Pool[T] {
	if capacity <= 0 {
		panic("slotpool: capacity must be positive")
	}
	if allocator == nil {
		panic("slotpool: allocator must not be nil")
	}
	if validator == nil {
		validator = AlwaysValid[T]{}
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Pool[T]{
		capacity:  capacity,
		registry:  make([]atomic.Pointer[slot.Slot[T]], capacity),
		live:      newSlotQueue[T](capacity),
		disposed:  newSlotQueue[T](capacity),
		allocator: allocator,
		validator: validator,
		clock:     clock,
	}
}

// NewWorker creates a Worker bound to this pool's value type, for callers
// that want the thread-local-style fast path described in the package doc.
func (p *Pool[T]) NewWorker() *Worker[T] {
	return NewWorker[T]()
}

// Capacity returns the fixed maximum number of concurrently live values.
func (p *Pool[T]) Capacity() int {
	return p.capacity
}

// Stats is a point-in-time snapshot of pool occupancy, useful for metrics
// and tests. It is computed without locking and so may be momentarily
// inconsistent under concurrent activity.
type Stats struct {
	Capacity        int
	Allocated       int
	LiveQueued      int
	DisposedPending int
}

// Stats returns a snapshot of the pool's current occupancy.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Capacity:        p.capacity,
		Allocated:       int(p.highWater.Load()),
		LiveQueued:      p.live.len(),
		DisposedPending: p.disposed.len(),
	}
}

// Acquire returns a Lease on a value, blocking until one becomes available,
// ctx is canceled, or timeout elapses, whichever comes first. w may be nil;
// passing a Worker reused across calls enables the per-caller fast path.
func (p *Pool[T]) Acquire(ctx context.Context, timeout time.Duration, w *Worker[T]) (*Lease[T], error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deadlineMs := p.clock.Millis() + timeout.Milliseconds()

	if w != nil {
		if s := w.cached.Load(); s != nil && s.TryClaim() {
			if p.isValid(s) {
				return p.finishAcquire(s, w), nil
			}
			p.dispose(s)
		}
	}

	for {
		if p.closed.Load() {
			return nil, ErrPoolClosed
		}

		if s, ok := p.live.tryPop(); ok {
			if lease, ok := p.tryClaimAndFinish(s, w); ok {
				return lease, nil
			}
			continue
		}

		if s, ok := p.disposed.tryPop(); ok {
			if !s.ClaimFromDisposed() {
				invariant("slot popped from disposed queue was not DISPOSED")
			}
			return p.finishAllocate(s, w)
		}

		if idx, ok := p.grow(); ok {
			s := slot.New[T](idx)
			p.registry[idx].Store(s)
			return p.finishAllocate(s, w)
		}

		nowMs := p.clock.Millis()
		remaining := deadlineMs - nowMs
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		wait := pollInterval
		if rem := time.Duration(remaining) * time.Millisecond; rem < wait {
			wait = rem
		}

		s, err := p.live.waitPop(ctx, wait)
		if err != nil {
			return nil, err
		}
		if s == nil {
			continue
		}
		if lease, ok := p.tryClaimAndFinish(s, w); ok {
			return lease, nil
		}
	}
}

// tryClaimAndFinish attempts to claim a live-queue hint and, if the value
// still validates, completes the acquisition. The second return value is
// false for a stale hint (lost the claim race or failed validation), which
// tells the caller to keep looping.
func (p *Pool[T]) tryClaimAndFinish(s *slot.Slot[T], w *Worker[T]) (*Lease[T], bool) {
	if !s.TryClaim() {
		return nil, false
	}
	if !p.isValid(s) {
		p.dispose(s)
		return nil, false
	}
	return p.finishAcquire(s, w), true
}

func (p *Pool[T]) isValid(s *slot.Slot[T]) bool {
	return p.validator.IsValid(s.Value, s.IdleMillis(p.clock))
}

func (p *Pool[T]) grow() (int, bool) {
	for {
		cur := p.highWater.Load()
		if cur >= int64(p.capacity) {
			return 0, false
		}
		if p.highWater.CompareAndSwap(cur, cur+1) {
			return int(cur), true
		}
	}
}

// finishAcquire completes an acquisition of a slot whose value already
// exists and has just validated successfully.
func (p *Pool[T]) finishAcquire(s *slot.Slot[T], w *Worker[T]) *Lease[T] {
	if w != nil {
		w.cached.Store(s)
	}
	p.allocator.OnAcquire(s.Value)
	return &Lease[T]{pool: p, slot: s}
}

// finishAllocate completes an acquisition of a freshly claimed slot that
// still needs a value created for it, via the disposed-recycle or
// grow-new-index paths.
func (p *Pool[T]) finishAllocate(s *slot.Slot[T], w *Worker[T]) (*Lease[T], error) {
	value, err := p.allocator.Create(func() { p.releaseSlot(s) })
	if err != nil {
		s.Clear()
		if !s.TryDispose() {
			invariant("slot failed allocation but was not CLAIMED")
		}
		p.disposed.push(s)
		return nil, err
	}
	s.Value = value
	s.Touch(p.clock)
	if w != nil {
		w.cached.Store(s)
	}
	p.allocator.OnAcquire(s.Value)
	return &Lease[T]{pool: p, slot: s}, nil
}

// releaseSlot implements the release-callback contract: touch, validate,
// release, then re-check for a shutdown race with Close.
func (p *Pool[T]) releaseSlot(s *slot.Slot[T]) {
	s.Touch(p.clock)

	if !p.validator.IsValid(s.Value, s.IdleMillis(p.clock)) {
		p.dispose(s)
		return
	}

	if !s.TryRelease(p.clock) {
		invariant("release called on a slot that was not CLAIMED")
	}

	if !p.closed.Load() {
		p.live.push(s)
		return
	}

	// Close may have already swept the registry and missed this slot
	// because it was CLAIMED at the time. Reclaim and dispose it here so a
	// release racing a concurrent Close never leaves a value stranded.
	if s.TryClaim() {
		p.dispose(s)
	}
	// Else Close's own sweep already won the race and disposed it.
}

// dispose tears a claimed slot's value down. The slot is pushed onto the
// disposed queue before OnDispose runs, so a panic or long-running OnDispose
// call never blocks the slot's index from being recycled.
func (p *Pool[T]) dispose(s *slot.Slot[T]) {
	if !s.TryDispose() {
		invariant("dispose called on a slot that was not CLAIMED")
	}
	p.disposed.push(s)
	value := s.Clear()
	p.allocator.OnDispose(value)
}

// Close disables further acquisition and disposes every value the pool
// currently holds. It is idempotent. Values checked out at the time Close
// is called are disposed when their holder releases them, per the
// publish-then-recheck race handled in releaseSlot.
func (p *Pool[T]) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	hw := p.highWater.Load()
	for i := int64(0); i < hw; i++ {
		s := p.registry[i].Load()
		if s == nil {
			continue
		}
		if s.TryClaim() {
			p.dispose(s)
		}
		// Else the slot is currently held by a caller (who will dispose it
		// on release, see releaseSlot) or was already disposed.
	}
	return nil
}
