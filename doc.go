// Package slotpool provides a pool of SQLite-backed fixture databases for
// parallel test isolation.
//
// slotpool manages "instances" — each one a SQLite database file copied from
// a shared template — with lazy creation, allowing parallel tests to share a
// pool of databases while maintaining isolation through row-level cleanup
// between acquisitions.
//
// # Basic Usage
//
//	import "github.com/giantswarm/slotpool"
//
//	ctx := context.Background()
//
//	mgr := slotpool.NewManager()
//	if err := mgr.Initialize(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Shutdown()
//
//	inst, err := mgr.Acquire(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Release() // Returns nil on success; safe to ignore in defer
//
//	db, err := inst.Config()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Use db as a normal *sql.DB.
//	row := db.QueryRowContext(ctx, "SELECT value FROM kv WHERE name = ?", "widget")
//
// # Parallel Testing
//
// Instances are created on demand. Use Go's -parallel flag to control concurrency:
//
//	mgr := slotpool.NewManager()
//	if err := mgr.Initialize(ctx); err != nil {
//	    t.Fatal(err)
//	}
//	defer mgr.Shutdown()
//
//	for i := 0; i < 10; i++ {
//	    t.Run(fmt.Sprintf("test-%d", i), func(t *testing.T) {
//	        t.Parallel()
//	        inst, err := mgr.Acquire(ctx)
//	        if err != nil {
//	            t.Fatal(err)
//	        }
//	        defer inst.Release() // Returns nil on success; safe to ignore
//	        // Use unique row names for isolation between subtests sharing an instance.
//	    })
//	}
//
// # Release Strategies
//
// WithReleaseStrategy controls what happens to an instance's rows when it is
// returned to the pool: ReleaseRestart recopies the template file,
// ReleaseClean and ReleasePurge delete rows written since the instance's
// baseline while keeping the connection open, and ReleaseNone performs no
// cleanup at all. See the ReleaseStrategy constants for details.
package slotpool
