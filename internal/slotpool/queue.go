package slotpool

import (
	"context"
	"time"

	"github.com/giantswarm/slotpool/internal/slot"
)

// slotQueue is an MPMC queue of slot hints backed by a buffered channel.
// Capacity is fixed at the pool's capacity, so push can never block: at most
// one hint per slot is ever outstanding at a time (see invariant in
// internal/slot), which bounds the channel's occupancy by construction.
type slotQueue[T any] struct {
	ch chan *slot.Slot[T]
}

func newSlotQueue[T any](capacity int) *slotQueue[T] {
	return &slotQueue[T]{ch: make(chan *slot.Slot[T], capacity)}
}

func (q *slotQueue[T]) push(s *slot.Slot[T]) {
	select {
	case q.ch <- s:
	default:
		invariant("queue overflow: more hints outstanding than pool capacity")
	}
}

func (q *slotQueue[T]) tryPop() (*slot.Slot[T], bool) {
	select {
	case s := <-q.ch:
		return s, true
	default:
		return nil, false
	}
}

// waitPop blocks up to d for a hint, also watching ctx for cancellation. It
// returns (nil, nil) on a plain timeout so the caller can re-poll the other
// queues and re-check closed/deadline state before waiting again.
func (q *slotQueue[T]) waitPop(ctx context.Context, d time.Duration) (*slot.Slot[T], error) {
	if d <= 0 {
		s, ok := q.tryPop()
		if !ok {
			return nil, nil
		}
		return s, nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case s := <-q.ch:
		return s, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *slotQueue[T]) len() int {
	return len(q.ch)
}
