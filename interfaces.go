package slotpool

import (
	"context"
	"database/sql"
)

// Manager coordinates a pool of SQLite-backed fixture database instances for
// parallel test isolation.
//
// Callers must follow this lifecycle ordering:
//
//	NewManager → Initialize → Acquire/Release (repeatable) → Shutdown
//
// Initialize must be called before Acquire. Shutdown is safe to call at any
// point, including before Initialize. See each method's documentation for
// detailed error conditions.
type Manager interface {
	// Initialize performs expensive initialization operations.
	// Must be called before Acquire. Returns error instead of panicking.
	// Safe to call multiple times: after a successful initialization,
	// subsequent calls return nil immediately. If initialization fails,
	// subsequent calls retry instead of returning a cached error permanently.
	Initialize(ctx context.Context) error

	// Acquire gets an instance from the pool, creating one on demand if none
	// are free. Implements lazy start: the instance's fixture database is
	// created on first acquisition.
	//
	// When a pool size limit is configured (WithPoolSize), Acquire blocks if
	// all instances are in use and unblocks when one is released.
	//
	// The acquireTimeout (configured via WithAcquireTimeout) covers both the
	// time spent waiting for a free instance and instance startup time.
	//
	// Returns ErrNotInitialized if Initialize has not been called.
	// Returns ErrShuttingDown if the manager is shutting down.
	Acquire(ctx context.Context) (Instance, error)

	// Shutdown stops all instances and cleans up.
	// Safe to call even if Initialize was never called.
	// Returns an error if any instance fails to stop.
	Shutdown() error
}

// Instance represents an acquired SQLite-backed fixture database. It exposes
// only the methods needed by test consumers. Lifecycle management (Start,
// Stop, state queries) is handled internally by the Manager and pool.
type Instance interface {
	// Config returns the *sql.DB connection to this instance's fixture
	// database. It must be called while the instance is acquired (between
	// Acquire and Release). Returns ErrInstanceReleased if called after
	// Release.
	//
	// Callers must not call Config concurrently with Release on the same
	// instance. If Config and Release race on the same instance, the
	// behavior is undefined: Config may return a valid *sql.DB,
	// ErrInstanceReleased, or a connection that is about to be closed.
	Config() (*sql.DB, error)

	// Release returns the instance to the pool. Before returning, it applies
	// the ReleaseStrategy configured on the Manager (see WithReleaseStrategy).
	// Every strategy except ReleaseNone removes rows written since the
	// instance's last clean state, so the next consumer starts from a known
	// baseline; ReleaseNone leaves them in place.
	//
	// Returns nil on success; using defer inst.Release() is safe. On error
	// the instance is already removed from the pool, so no corrective action
	// is needed.
	//
	// Returns ErrDoubleRelease if called more than once on the same
	// acquisition.
	Release() error

	// ID returns a unique identifier for this instance.
	ID() string
}
