package slotpool

import "github.com/giantswarm/slotpool/internal/sentinel"

const (
	// ErrPoolClosed is returned by Acquire once Close has been called.
	ErrPoolClosed = sentinel.Error("slotpool: pool is closed")
	// ErrTimeout is returned by Acquire when no value became available
	// before the requested timeout elapsed.
	ErrTimeout = sentinel.Error("slotpool: acquire timed out")
)

// invariant panics to surface a CAS that should have succeeded under the
// documented preconditions and did not. These indicate a bug in this
// package or in a caller misusing a Lease, never an ordinary runtime
// condition, so they are not returned as errors.
func invariant(msg string) {
	panic("slotpool: invariant violation: " + msg)
}
