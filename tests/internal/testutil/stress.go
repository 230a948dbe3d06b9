//go:build integration

package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"sync"
	"testing"

	"github.com/giantswarm/slotpool"
)

const (
	// StressMaxRows is the maximum number of rows written per stress subtest.
	StressMaxRows = 5

	// defaultStressSubtests is the default number of stress subtests to run.
	defaultStressSubtests = 100

	stressCanaryName = "stress-canary"
)

var (
	stressSubtestsOnce  sync.Once
	stressSubtestsCount int
)

// StressSubtestCount returns the number of stress subtests to run, reading
// SLOTPOOL_STRESS_SUBTESTS on first call. Panics if the env var is set but invalid.
func StressSubtestCount() int {
	stressSubtestsOnce.Do(func() {
		stressSubtestsCount = defaultStressSubtests
		if v := os.Getenv("SLOTPOOL_STRESS_SUBTESTS"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				panic(fmt.Sprintf("invalid SLOTPOOL_STRESS_SUBTESTS=%q: must be a positive integer", v))
			}

			stressSubtestsCount = n
		}
	})

	return stressSubtestsCount
}

// StressCreateRandomRows writes between 1 and StressMaxRows rows with random
// payloads into the kv table.
func StressCreateRandomRows(ctx context.Context, t *testing.T, db *sql.DB, prefix string, rng *rand.Rand) {
	t.Helper()

	n := rng.IntN(StressMaxRows) + 1
	for i := range n {
		name := UniqueName(prefix)
		value := fmt.Sprintf("value-%d-%d", i, rng.Int64())
		InsertRow(ctx, t, db, name, value)
	}
}

// StressVerifyCleanInstance asserts that the instance has only its baseline
// rows, confirming the previous release removed everything written after it.
func StressVerifyCleanInstance(ctx context.Context, t *testing.T, db *sql.DB, baseline int) {
	t.Helper()

	if got := RowCount(ctx, t, db); got != baseline {
		t.Fatalf("instance not clean on acquire: want %d rows (baseline), got %d", baseline, got)
	}
}

// StressVerifyNoCanary asserts that the canary row does not exist, confirming
// cleanup removed it.
func StressVerifyNoCanary(ctx context.Context, t *testing.T, db *sql.DB) {
	t.Helper()

	if RowExists(ctx, t, db, stressCanaryName) {
		t.Fatalf("canary row %q still exists", stressCanaryName)
	}
}

// StressCreateCanary writes a well-known canary row.
func StressCreateCanary(ctx context.Context, t *testing.T, db *sql.DB) {
	t.Helper()

	InsertRow(ctx, t, db, stressCanaryName, "canary")
}

// StressVerifyCanaryExists asserts that the canary row exists, confirming
// creation succeeded before the instance is released.
func StressVerifyCanaryExists(ctx context.Context, t *testing.T, db *sql.DB) {
	t.Helper()

	if !RowExists(ctx, t, db, stressCanaryName) {
		t.Fatalf("canary row %q not found", stressCanaryName)
	}
}

// StressWorker is the common body for stress test workers. It acquires an
// instance, verifies it is clean (only baseline rows), writes random rows,
// verifies a canary row's lifecycle, and releases.
func StressWorker(ctx context.Context, t *testing.T, mgr slotpool.Manager, workerID int, prefix string) {
	t.Helper()

	rng := rand.New(rand.NewPCG(uint64(workerID), 0)) //nolint:gosec // deterministic PRNG for reproducibility

	inst, db := AcquireWithDB(ctx, t, mgr)
	defer func() {
		if err := inst.Release(); err != nil {
			t.Logf("release error: %v", err)
		}
	}()

	baseline := RowCount(ctx, t, db)
	StressVerifyCleanInstance(ctx, t, db, baseline)
	StressVerifyNoCanary(ctx, t, db)

	StressCreateRandomRows(ctx, t, db, prefix, rng)

	StressCreateCanary(ctx, t, db)
	StressVerifyCanaryExists(ctx, t, db)
}
