package slotpool

import (
	"fmt"
	"time"
)

// requirePositive panics if v <= 0 with a descriptive message.
// It intentionally rejects zero; do not use for values where zero
// has special meaning (e.g., pool size, where 0 means unlimited).
func requirePositive[T int | time.Duration](name string, v T) {
	if v <= 0 {
		panic(fmt.Sprintf("slotpool: %s must be greater than 0, got %v", name, v))
	}
}

// requireNonEmpty panics if s is empty with a descriptive message.
func requireNonEmpty(name, s string) {
	if s == "" {
		panic(fmt.Sprintf("slotpool: %s must not be empty", name))
	}
}

// ManagerOption configures a Manager during construction via NewManager.
// Each With* function returns a ManagerOption that sets a specific field.
//
// Several With* functions panic on invalid input (zero-value sizes, empty paths,
// non-positive durations). These panics are intentional: option values are
// typically compile-time constants or package-level variables, so an invalid
// value indicates a programmer error rather than a runtime condition. The
// pattern mirrors [regexp.MustCompile] — fail fast during initialization
// instead of returning errors that would be universally fatal anyway.
type ManagerOption func(*managerConfig)

// WithPoolSize sets the maximum number of instances the pool will create.
// A positive value caps the pool; Acquire blocks when all instances are in use
// and unblocks when one is released. A value of 0 sets no configured limit:
// instances are created on demand up to an internal cap of 4096.
//
// Default: 4.
//
// The acquireTimeout (configured via WithAcquireTimeout) bounds how long
// Acquire can block waiting for a free instance, so set it high enough to
// account for both pool wait time and instance startup.
//
// Panics if size < 0.
func WithPoolSize(size int) ManagerOption {
	if size < 0 {
		panic(fmt.Sprintf("slotpool: pool size must not be negative, got %d", size))
	}
	return func(c *managerConfig) {
		c.PoolSize = size
	}
}

// WithAcquireTimeout sets the total timeout for Acquire(), covering instance
// startup time (copying the template database and opening the connection).
//
// Default: 30 seconds.
//
// Panics if d <= 0.
func WithAcquireTimeout(d time.Duration) ManagerOption {
	requirePositive("acquire timeout", d)
	return func(c *managerConfig) {
		c.AcquireTimeout = d
	}
}

// WithPrepopulateDB sets a SQLite database file used as the template that
// every instance's fixture database is copied from. Panics if dbPath is empty.
func WithPrepopulateDB(dbPath string) ManagerOption {
	requireNonEmpty("prepopulate DB path", dbPath)
	return func(c *managerConfig) {
		c.PrepopulateDBPath = dbPath
	}
}

// WithInstanceStartTimeout sets the maximum time allowed for an instance's
// fixture database to be created (copied from the template, if any) and opened.
//
// Default: 5 minutes.
//
// Panics if d <= 0.
func WithInstanceStartTimeout(d time.Duration) ManagerOption {
	requirePositive("instance start timeout", d)
	return func(c *managerConfig) {
		c.InstanceStartTimeout = d
	}
}

// WithInstanceStopTimeout sets the maximum time allowed for an instance's
// database connection to close during shutdown or a ReleaseRestart cycle.
//
// Default: 10 seconds.
//
// Panics if d <= 0.
func WithInstanceStopTimeout(d time.Duration) ManagerOption {
	requirePositive("instance stop timeout", d)
	return func(c *managerConfig) {
		c.InstanceStopTimeout = d
	}
}

// WithCleanupTimeout sets the maximum time allowed for a single
// ReleaseClean/ReleasePurge cleanup pass during release.
//
// This timeout has no effect with [ReleaseRestart] (which stops the instance
// instead of cleaning) or [ReleaseNone] (which skips cleanup entirely).
//
// Default: 30 seconds.
//
// Panics if d <= 0.
func WithCleanupTimeout(d time.Duration) ManagerOption {
	requirePositive("cleanup timeout", d)
	return func(c *managerConfig) {
		c.CleanupTimeout = d
	}
}

// WithReleaseStrategy sets the strategy used by Instance.Release().
// See ReleaseStrategy constants for available strategies.
//
// Default: ReleaseRestart.
//
// Panics if strategy is not a recognized ReleaseStrategy value.
func WithReleaseStrategy(strategy ReleaseStrategy) ManagerOption {
	if !strategy.IsValid() {
		panic(fmt.Sprintf("slotpool: invalid release strategy: %v", strategy))
	}
	return func(c *managerConfig) {
		c.ReleaseStrategy = strategy
	}
}

// WithShutdownDrainTimeout sets the maximum time Shutdown() waits for
// in-flight ReleaseToPool operations to complete before proceeding with
// instance teardown. If InstanceStopTimeout is configured larger than
// this value, an in-flight release performing ReleaseRestart could still
// be running when the drain fires — increase this timeout to at least
// match the longest expected release duration.
//
// Default: 30 seconds.
//
// Panics if d <= 0.
func WithShutdownDrainTimeout(d time.Duration) ManagerOption {
	requirePositive("shutdown drain timeout", d)
	return func(c *managerConfig) {
		c.ShutdownDrainTimeout = d
	}
}

// WithBaseDataDir sets the base directory for instance data.
// Useful in CI environments where multiple projects may use slotpool
// simultaneously and need isolated data directories to prevent conflicts.
// If not set, defaults to DefaultBaseDataDirName under os.TempDir().
// Panics if dir is empty.
func WithBaseDataDir(dir string) ManagerOption {
	requireNonEmpty("base data directory", dir)
	return func(c *managerConfig) {
		c.BaseDataDir = dir
	}
}
