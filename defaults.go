package slotpool

import "time"

// Default configuration values for NewManager.
// These constants are exported so callers can reference the defaults
// when building custom configurations relative to them (e.g.,
// 2 * DefaultAcquireTimeout).
const (
	// DefaultPoolSize is the maximum number of instances the pool will create.
	// Acquire blocks when all instances are in use and unblocks when one is
	// released. Set to 0 for no configured limit (on-demand creation up to an
	// internal cap of 4096).
	DefaultPoolSize = 4

	// DefaultAcquireTimeout is the total time allowed for pool acquisition
	// and instance startup. Under pool contention, increase this to account
	// for both wait time and startup.
	DefaultAcquireTimeout = 30 * time.Second

	// DefaultBaseDataDirName is the directory name under the system temp
	// directory where instance data is stored. The full path is computed
	// as filepath.Join(os.TempDir(), DefaultBaseDataDirName).
	DefaultBaseDataDirName = "slotpool"

	// DefaultInstanceStartTimeout is the maximum time allowed for an
	// instance's fixture database to be created and opened.
	DefaultInstanceStartTimeout = 5 * time.Minute

	// DefaultInstanceStopTimeout is the maximum time allowed for an
	// instance's database connection to close.
	DefaultInstanceStopTimeout = 10 * time.Second

	// DefaultCleanupTimeout is the maximum time allowed for a single
	// ReleaseClean/ReleasePurge cleanup pass during release. Although only
	// exercised when ReleaseStrategy is ReleaseClean or ReleasePurge, a
	// positive value is always required because config validation does not
	// vary by strategy.
	DefaultCleanupTimeout = 30 * time.Second

	// DefaultShutdownDrainTimeout is the maximum time Shutdown() waits
	// for in-flight ReleaseToPool operations to complete before proceeding.
	// If InstanceStopTimeout is configured larger than this value (e.g. for
	// slow CI), an in-flight release performing ReleaseRestart could exceed
	// the drain window, causing Shutdown() to proceed prematurely. Increase
	// this timeout to at least match the longest expected release duration.
	DefaultShutdownDrainTimeout = 30 * time.Second

	// DefaultReleaseStrategy is the strategy used by Instance.Release()
	// when no explicit strategy is configured via WithReleaseStrategy.
	// ReleaseRestart closes the instance's connection on release; the next
	// Acquire starts fresh with the database restored from the cached
	// template.
	DefaultReleaseStrategy = ReleaseRestart
)
