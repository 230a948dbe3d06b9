package slotpool

import (
	"reflect"
	"time"

	"github.com/giantswarm/slotpool/internal/core"
)

// ResetForTesting resets the singleton manager state so that the next
// call to NewManager creates a fresh instance. This is exported only
// for use in test packages (package slotpool_test).
func ResetForTesting() { resetForTesting() } //nolint:errcheck // test helper; tests invoke it for side effects only

// ConfigSnapshot is a plain-value copy of managerConfig's fields, exported
// only for tests. It exists because managerConfig itself is unexported (to
// keep core.ManagerConfig out of the public API), but option tests need to
// inspect the result of applying ManagerOptions.
//
// ConfigSnapshot must mirror every core.ManagerConfig field. See
// TestConfigSnapshotFieldCount in options_test.go.
type ConfigSnapshot struct {
	PoolSize             int
	ReleaseStrategy      ReleaseStrategy
	AcquireTimeout       time.Duration
	PrepopulateDBPath    string
	BaseDataDir          string
	InstanceStartTimeout time.Duration
	InstanceStopTimeout  time.Duration
	CleanupTimeout       time.Duration
	ShutdownDrainTimeout time.Duration
}

// snapshotOf converts a managerConfig to a ConfigSnapshot.
func snapshotOf(c managerConfig) ConfigSnapshot {
	return ConfigSnapshot{
		PoolSize:             c.PoolSize,
		ReleaseStrategy:      c.ReleaseStrategy,
		AcquireTimeout:       c.AcquireTimeout,
		PrepopulateDBPath:    c.PrepopulateDBPath,
		BaseDataDir:          c.BaseDataDir,
		InstanceStartTimeout: c.InstanceStartTimeout,
		InstanceStopTimeout:  c.InstanceStopTimeout,
		CleanupTimeout:       c.CleanupTimeout,
		ShutdownDrainTimeout: c.ShutdownDrainTimeout,
	}
}

// ApplyOptionsForTesting starts from defaultManagerConfig and applies opts in
// order, returning the resulting ConfigSnapshot. Exported only for use by
// option tests (package slotpool_test).
func ApplyOptionsForTesting(opts ...ManagerOption) ConfigSnapshot {
	cfg := defaultManagerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return snapshotOf(cfg)
}

// ConfigDiffsForTesting builds two managerConfig values by applying
// storedOpts and incomingOpts to separate defaultManagerConfig values, then
// returns the field-level diffs between them via configDiffs. Exported only
// for use by option tests (package slotpool_test).
func ConfigDiffsForTesting(storedOpts, incomingOpts []ManagerOption) []string {
	stored := defaultManagerConfig()
	for _, opt := range storedOpts {
		opt(&stored)
	}

	incoming := defaultManagerConfig()
	for _, opt := range incomingOpts {
		opt(&incoming)
	}

	return configDiffs(stored, incoming)
}

// ManagerConfigFieldCount returns the number of fields on core.ManagerConfig,
// letting TestConfigDiffsCoversAllFields derive its expected diff count via
// reflection instead of hardcoding it (and drifting out of sync).
func ManagerConfigFieldCount() int {
	return reflect.TypeFor[core.ManagerConfig]().NumField()
}
