//go:build integration

package slotpool_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/giantswarm/slotpool"
	"github.com/giantswarm/slotpool/tests/internal/testutil"
)

// uniqueName returns a kv row name that is unique across all parallel tests.
func uniqueName(prefix string) string {
	return testutil.UniqueName(prefix)
}

// testParallel returns the effective -test.parallel value for the current test binary.
func testParallel() int {
	return testutil.TestParallel()
}

// acquireWithDB acquires an instance and returns it along with its *sql.DB.
// The caller is responsible for releasing the instance.
//
//nolint:ireturn // Test helper returns Instance matching the public API.
func acquireWithDB(ctx context.Context, t *testing.T, mgr slotpool.Manager) (slotpool.Instance, *sql.DB) {
	t.Helper()

	return testutil.AcquireWithDB(ctx, t, mgr)
}
