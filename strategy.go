package slotpool

import "github.com/giantswarm/slotpool/internal/core"

// ReleaseStrategy controls what happens when an Instance is released back to
// the pool. See the individual constant documentation for details on each
// strategy's behavior and trade-offs.
//
// ReleaseStrategy is a type alias (not a named type) so that the underlying
// [core.ReleaseStrategy] methods are part of the public API:
//
//   - IsValid reports whether the value is a recognized strategy.
//   - String returns the strategy name (implements [fmt.Stringer]).
//
// This is intentional: callers can validate and print strategy values without
// the public package needing to redeclare these methods.
//
// Audit: new methods added to core.ReleaseStrategy automatically become
// part of the public API through this alias.
type ReleaseStrategy = core.ReleaseStrategy

const (
	// ReleaseRestart closes the instance's database connection without
	// performing any row-level cleanup. The next Acquire starts a fresh
	// instance — the fixture database is recopied from the cached template,
	// restoring it to its pre-test state. This is the default strategy.
	ReleaseRestart = core.ReleaseRestart

	// ReleaseClean deletes all rows written since the instance's baseline but
	// keeps the database connection open. Faster than ReleaseRestart (no
	// close/reopen cycle) but relies on cleanup correctness for isolation.
	ReleaseClean = core.ReleaseClean

	// ReleaseNone performs no cleanup. The instance is returned to the pool
	// as-is. Use only when tests write to disjoint rows and never share state.
	ReleaseNone = core.ReleaseNone

	// ReleasePurge deletes rows written since the instance's baseline using a
	// dedicated, pre-prepared connection, giving lower per-release latency
	// than ReleaseClean's ad-hoc statement. The connection stays open; the
	// next Acquire reuses the same warm instance with zero startup delay.
	ReleasePurge = core.ReleasePurge
)
