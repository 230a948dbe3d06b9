//go:build integration

package testutil

import (
	"context"
	"database/sql"
	"testing"

	"github.com/giantswarm/slotpool"
)

// InsertRow inserts a row into the kv table and fails the test on error.
func InsertRow(ctx context.Context, t *testing.T, db *sql.DB, name, value string) {
	t.Helper()

	_, err := db.ExecContext(ctx,
		"INSERT INTO kv (name, value, created_at) VALUES (?, ?, unixepoch())", name, value)
	if err != nil {
		t.Fatalf("insert row %q: %v", name, err)
	}
}

// RowCount returns the number of rows currently in the kv table.
func RowCount(ctx context.Context, t *testing.T, db *sql.DB) int {
	t.Helper()

	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM kv").Scan(&count); err != nil {
		t.Fatalf("count rows: %v", err)
	}

	return count
}

// RowExists reports whether a row with the given name exists in the kv table.
func RowExists(ctx context.Context, t *testing.T, db *sql.DB, name string) bool {
	t.Helper()

	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM kv WHERE name = ?", name).Scan(&count); err != nil {
		t.Fatalf("check row %q: %v", name, err)
	}

	return count > 0
}

// ReleaseRemovesUserRows verifies that releasing an instance removes all rows
// written since the instance's baseline, so the next consumer sees only
// baseline (template-seeded) rows. The label parameter (e.g. "cleanup",
// "purge") is used for unique name prefixes and log messages.
func ReleaseRemovesUserRows(t *testing.T, ctx context.Context, mgr slotpool.Manager, label string) {
	t.Helper()

	_, db, release := AcquireWithGuardedRelease(ctx, t, mgr)

	baseline := RowCount(ctx, t, db)

	for _, suffix := range []string{"a", "b", "c"} {
		InsertRow(ctx, t, db, UniqueName(label+"-"+suffix), "data")
	}

	if got := RowCount(ctx, t, db); got < baseline+3 {
		t.Fatalf("expected at least %d rows before release, got %d", baseline+3, got)
	}

	// Release — strategy runs, instance returns to pool.
	release()

	// Re-acquire. We may get the same instance back or a different one
	// depending on pool scheduling; the assertion below is valid either way
	// because every instance should be back at its baseline row count after
	// release.
	inst2, db2 := AcquireWithDB(ctx, t, mgr)
	defer func() {
		if err := inst2.Release(); err != nil {
			t.Logf("release error: %v", err)
		}
	}()

	if got := RowCount(ctx, t, db2); got != baseline {
		t.Errorf("expected %d rows (baseline) after %s, got %d", baseline, label, got)
	}
}

// ReleasePreservesBaselineRows verifies that releasing an instance preserves
// rows that existed before the instance was ever written to (the template
// baseline), while removing rows written during the acquisition. The label is
// used for unique name prefixes.
func ReleasePreservesBaselineRows(t *testing.T, ctx context.Context, mgr slotpool.Manager, label string) {
	t.Helper()

	// Create a user row so the release strategy actually runs (not just the fast path).
	inst, db := AcquireWithDB(ctx, t, mgr)
	baseline := RowCount(ctx, t, db)
	InsertRow(ctx, t, db, UniqueName("preserve-"+label), "data")

	if err := inst.Release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	// Re-acquire and verify the row count matches the baseline captured
	// before any write on this acquisition.
	inst2, db2 := AcquireWithDB(ctx, t, mgr)
	defer func() {
		if err := inst2.Release(); err != nil {
			t.Logf("release error: %v", err)
		}
	}()

	if got := RowCount(ctx, t, db2); got != baseline {
		t.Errorf("baseline row count changed after %s: want %d, got %d", label, baseline, got)
	}
}

// ReleaseWithNoUserRows verifies that releasing an instance succeeds quickly
// when no rows were written during the acquisition (fast path).
func ReleaseWithNoUserRows(t *testing.T, ctx context.Context, mgr slotpool.Manager) {
	t.Helper()

	inst, err := mgr.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	// Release immediately without writing any rows.
	if err := inst.Release(); err != nil {
		t.Fatalf("release with no user rows should succeed: %v", err)
	}
}

// ReleaseRemovesRowsWithAwkwardNames verifies that releasing an instance
// removes rows whose names contain characters that could otherwise break a
// naively constructed DELETE statement (quotes, embedded null-adjacent bytes,
// unicode). The label is used for unique name prefixes.
func ReleaseRemovesRowsWithAwkwardNames(t *testing.T, ctx context.Context, mgr slotpool.Manager, label string) {
	t.Helper()

	_, db, release := AcquireWithGuardedRelease(ctx, t, mgr)

	baseline := RowCount(ctx, t, db)

	awkward := []string{
		UniqueName(label) + "-o'brien",
		UniqueName(label) + `-"quoted"`,
		UniqueName(label) + "-éèê",
	}
	for _, name := range awkward {
		InsertRow(ctx, t, db, name, "data")
	}

	release()

	inst2, db2 := AcquireWithDB(ctx, t, mgr)
	defer func() {
		if err := inst2.Release(); err != nil {
			t.Logf("release error: %v", err)
		}
	}()

	if got := RowCount(ctx, t, db2); got != baseline {
		t.Errorf("expected %d rows (baseline) after %s, got %d", baseline, label, got)
	}
}

// acquireTargetInstance acquires an instance from mgr and returns it (with its
// database) only if its ID matches targetID. If a non-matching instance is
// acquired it is released immediately. Returns (nil, nil) when the wrong
// instance is acquired.
//
//nolint:ireturn // Test helper returns Instance matching the public API.
func acquireTargetInstance(
	ctx context.Context,
	t *testing.T,
	mgr slotpool.Manager,
	targetID string,
	attempt int,
) (slotpool.Instance, *sql.DB) {
	t.Helper()

	candidate, err := mgr.Acquire(ctx)
	if err != nil {
		t.Fatalf("attempt %d: acquire failed: %v", attempt, err)
	}

	if candidate.ID() != targetID {
		t.Logf("attempt %d: got instance %s, want %s; releasing and retrying",
			attempt, candidate.ID(), targetID)

		if relErr := candidate.Release(); relErr != nil {
			t.Logf("release error during retry: %v", relErr)
		}

		return nil, nil
	}

	db, cfgErr := candidate.Config()
	if cfgErr != nil {
		if relErr := candidate.Release(); relErr != nil {
			t.Logf("release error: %v", relErr)
		}
		t.Fatalf("get config for target instance: %v", cfgErr)
	}

	t.Logf("re-acquired target instance on attempt %d", attempt)

	return candidate, db
}

// ReleasePreservesRowsOnTargetInstance verifies that when the exact instance
// is re-acquired after release, its row count is back at the baseline taken
// before the acquisition wrote its own row: the baseline rows survive and the
// written row is gone. The label is used for unique name prefixes.
//
// Known limitation: this test must re-acquire the exact same instance it
// released (each instance is a separate fixture database file). Under pool
// contention another goroutine may claim the instance first, causing the
// re-acquire loop to exhaust its attempts and skip. The skip is acceptable
// because the underlying purge/clean logic is exercised by other dedicated
// tests (e.g. ReleaseRemovesUserRows); this test adds coverage only for the
// complementary "baseline rows survive on the exact same instance" path,
// which shares the same code and is unlikely to regress independently.
func ReleasePreservesRowsOnTargetInstance(t *testing.T, ctx context.Context, mgr slotpool.Manager, label string) {
	t.Helper()

	inst, db, release := AcquireWithGuardedRelease(ctx, t, mgr)
	instID := inst.ID()
	baseline := RowCount(ctx, t, db)

	// Write a user row so the release strategy actually runs.
	InsertRow(ctx, t, db, UniqueName("trigger-"+label), "data")

	release()

	// Retry acquiring until we get the same instance back. Each instance is a
	// separate fixture database, so the baseline row count only applies to
	// the original. Under pool concurrency another test may grab our instance
	// first.
	const maxAttempts = 10

	var inst2 slotpool.Instance
	var db2 *sql.DB

	for attempt := range maxAttempts {
		inst2, db2 = acquireTargetInstance(ctx, t, mgr, instID, attempt+1)
		if inst2 != nil {
			break
		}
	}

	if inst2 == nil {
		// Pool contention prevented us from getting the same instance back.
		// Skip rather than fail: the purge/clean logic is verified by other
		// tests; this test only adds the "baseline rows survive" angle which
		// requires the original instance. See the function doc comment.
		t.Skipf("could not re-acquire instance %s after %d attempts", instID, maxAttempts)
	}

	t.Cleanup(func() {
		if err := inst2.Release(); err != nil {
			t.Logf("release error: %v", err)
		}
	})

	if got := RowCount(ctx, t, db2); got != baseline {
		t.Errorf("row count on target instance changed after %s: want %d, got %d", label, baseline, got)
	}
}
