package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/giantswarm/slotpool/internal/fixturedb"
	"github.com/giantswarm/slotpool/internal/sentinel"
)

// DefaultMaxStartRetries is the default number of startup retries for transient startup failures
// (template-copy lock contention, transient SQLite busy errors).
const DefaultMaxStartRetries = 5

// ErrInstanceReleased is returned by Config when called on an instance that has
// been released back to the pool. After Release, the instance may be re-acquired
// by another consumer or stopped, making any previously obtained configuration stale.
const ErrInstanceReleased = sentinel.Error("instance has been released")

// ErrNotStarted is returned by Config when called on an instance whose
// fixture database has not been created yet. This typically indicates a
// programming error where Config is called before the instance has been
// started by the pool.
const ErrNotStarted = sentinel.Error("instance not started")

// InstanceReleaser handles returning an instance to the pool or marking it
// as failed. It breaks the dependency from Instance back to Manager/Pool,
// allowing Instance to release itself without knowing the concrete types.
//
// Implementations must be safe for concurrent use. In particular, ReleaseToPool
// may be called concurrently with Shutdown, and the implementation must ensure
// that every instance is cleaned up exactly once regardless of call ordering.
type InstanceReleaser interface {
	// ReleaseToPool returns the instance to the pool for reuse.
	// The token is the generation value returned by markAcquired during
	// the corresponding Acquire. It is threaded through to the pool's
	// Release method, which uses it to detect stale (double) releases.
	// Returns true if the instance was returned to the pool, false if the
	// manager was shutting down and the instance was stopped instead.
	//
	// Safe for concurrent use with Shutdown. The implementation brackets
	// the state check and pool.Release with an inflight counter, preventing
	// Shutdown from proceeding while any release is in progress.
	ReleaseToPool(i *Instance, token uint64) bool

	// ReleaseFailed marks the instance as permanently failed and removes it
	// from the pool. The token is the generation value from markAcquired.
	// The instance is stopped and never handed out again.
	ReleaseFailed(i *Instance, token uint64)
}

// Instance represents a single pooled fixture database. It holds both
// consumer-facing methods (Config, Release, ID) exposed through the public
// slotpool.Instance interface, and lifecycle methods (Start, Stop, IsStarted,
// IsBusy, Err) used internally by Manager and Pool.
//
// Synchronization strategy:
//   - gen, started, lastErr use atomics for lock-free reads (the common path).
//   - db, purge, and baselineID are only mutated under startMu (in doStart and
//     Stop), so no additional lock is needed. started.Store(true) after
//     setting db/purge under startMu provides happens-before via the Go
//     memory model.
type Instance struct {
	cfg InstanceConfig

	id      string
	dataDir string
	dbPath  string

	// releaser is the Pool/Manager callback for release.
	// Set once at construction, read-only thereafter.
	releaser InstanceReleaser

	// gen is a monotonic generation counter: odd = acquired, even = free (0, 2, 4, ...).
	gen atomic.Uint64
	// started is set by doStart, cleared by Stop.
	started atomic.Bool
	// lastErr is set during start failure or failed cleanup.
	lastErr atomic.Pointer[error]
	// db is the open connection to the instance's fixture database.
	// Set by doStart, cleared by Stop.
	db atomic.Pointer[sql.DB]
	// purge is the dedicated connection + prepared statement backing
	// ReleasePurge. Set by doStart, cleared by Stop.
	purge atomic.Pointer[purgeHandle]
	// baselineID is MAX(id) captured immediately after the fixture database
	// is opened, before any consumer writes. Rows with id > baselineID are
	// what ReleaseClean and ReleasePurge remove.
	baselineID atomic.Int64

	// startMu serializes Start/Stop to prevent duplicate fixture creation.
	startMu sync.Mutex

	// log is the instance-scoped logger.
	log *slog.Logger
}

// IsStarted reports whether the instance's fixture database has been created.
func (i *Instance) IsStarted() bool {
	return i.started.Load()
}

// IsBusy reports whether the instance is currently acquired by a consumer.
// An odd generation value means acquired; even (including 0) means free.
func (i *Instance) IsBusy() bool {
	return i.gen.Load()%2 == 1
}

// markAcquired increments the generation counter and returns the new value
// as a release token. The counter is monotonically increasing: odd values
// (1, 3, 5, ...) indicate acquired, even values (0, 2, 4, ...) indicate free.
// The token must be passed to tryRelease to complete the release. This prevents
// ABA double-release races: each acquisition produces a unique odd token, so a
// stale token from a prior acquisition can never match the current generation.
func (i *Instance) markAcquired() uint64 {
	return i.gen.Add(1)
}

// tryRelease atomically advances the generation counter from the provided
// token (odd/acquired) to token+1 (even/free). Returns true if the release
// succeeded, false if the token is stale (the instance was re-acquired by
// another goroutine). Because the counter never resets to 0, each token is
// globally unique, eliminating the ABA race where a stale token from a prior
// acquisition could match the current generation.
func (i *Instance) tryRelease(token uint64) bool {
	return i.gen.CompareAndSwap(token, token+1)
}

// isCurrentToken reports whether the given token matches the current generation.
// This is a non-consuming check used to reject stale releases before performing
// irreversible side effects (e.g., row cleanup). The actual release is
// still performed via tryRelease (CAS) after side effects complete.
func (i *Instance) isCurrentToken(token uint64) bool {
	return i.gen.Load() == token
}

// Err returns the last error that occurred on this instance.
func (i *Instance) Err() error {
	if p := i.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// ID returns the instance's unique identifier.
func (i *Instance) ID() string {
	return i.id
}

// setErr records the last error on this instance.
func (i *Instance) setErr(e error) {
	i.lastErr.Store(&e)
}

// NewInstanceParams holds the parameters for creating a new Instance.
// All fields are required.
type NewInstanceParams struct {
	ID       string
	DataDir  string
	Releaser InstanceReleaser
	Config   InstanceConfig
}

// NewInstance creates a new Instance from the given parameters.
// Callers must fully populate params, including params.Config.
// Panics if ID or DataDir is empty, if Releaser is nil, or if Config fails
// validation (see InstanceConfig.Validate). These are programmer errors that
// should be caught at initialization time.
func NewInstance(params NewInstanceParams) *Instance {
	if params.ID == "" {
		panic("slotpool: instance id must not be empty")
	}
	if params.DataDir == "" {
		panic("slotpool: instance data dir must not be empty")
	}
	if params.Releaser == nil {
		panic("slotpool: instance releaser must not be nil")
	}
	if err := params.Config.Validate(); err != nil {
		panic(fmt.Sprintf("slotpool: invalid instance config: %v", err))
	}
	return &Instance{
		cfg:      params.Config,
		id:       params.ID,
		dataDir:  params.DataDir,
		dbPath:   filepath.Join(params.DataDir, "fixture.db"),
		releaser: params.Releaser,
		log:      Logger().With("id", params.ID),
	}
}

// Start creates the instance's fixture database from the configured template.
// Safe for concurrent calls: startMu serializes callers so only one actually
// creates the fixture; subsequent callers see started==true.
func (i *Instance) Start(ctx context.Context) error {
	i.startMu.Lock()
	defer i.startMu.Unlock()

	if i.IsStarted() {
		return nil // Already started
	}

	return i.doStart(ctx)
}

// doStart performs up to MaxStartRetries attempts to create and open the
// fixture database. On success it sets db/purge/baselineID under startMu,
// then publishes started=true via an atomic store. The atomic store provides
// a happens-before edge: any goroutine that observes started==true is
// guaranteed to see the db/purge/baselineID writes that preceded the store
// (Go memory model §sync/atomic).
func (i *Instance) doStart(ctx context.Context) error {
	startTime := time.Now()
	i.log.Debug("starting instance", "time", startTime.Format("15:04:05.000"))

	if err := os.MkdirAll(i.dataDir, 0o755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= i.cfg.MaxStartRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("start instance: %w", err)
		}

		db, err := fixturedb.Create(i.dbPath, i.cfg.CachedDBPath)
		if err != nil {
			lastErr = fmt.Errorf("create fixture database: %w", err)
			if attempt < i.cfg.MaxStartRetries {
				i.log.Warn("fixture create failed, retrying", "attempt", attempt, "error", err)
				continue
			}
			break
		}

		var baselineID int64
		if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) FROM kv").Scan(&baselineID); err != nil {
			db.Close() //nolint:errcheck,gosec // best-effort cleanup on failed attempt
			lastErr = fmt.Errorf("query baseline id: %w", err)
			if attempt < i.cfg.MaxStartRetries {
				i.log.Warn("baseline query failed, retrying", "attempt", attempt, "error", err)
				continue
			}
			break
		}

		purge, err := openPurgeHandle(i.dbPath, baselineID)
		if err != nil {
			db.Close() //nolint:errcheck,gosec // best-effort cleanup on failed attempt
			lastErr = fmt.Errorf("open purge handle: %w", err)
			if attempt < i.cfg.MaxStartRetries {
				i.log.Warn("purge handle open failed, retrying", "attempt", attempt, "error", err)
				continue
			}
			break
		}

		i.db.Store(db)
		i.purge.Store(purge)
		i.baselineID.Store(baselineID)
		i.started.Store(true)

		if attempt > 1 {
			i.log.Info("instance started after retry", "attempt", attempt)
		}
		i.log.Debug("instance started successfully", "total_elapsed", time.Since(startTime))
		return nil
	}

	return lastErr
}

// Config returns the *sql.DB connected to this instance's fixture database.
// It must be called while the instance is acquired (between Acquire and Release).
//
// Returns ErrInstanceReleased if the instance has been released back to the pool.
// Returns ErrNotStarted if the instance has not been started yet.
//
// TOCTOU note: there is a deliberate time-of-check-time-of-use window between
// the busy/started checks and the subsequent db lookup. Between those two
// steps, a concurrent goroutine could theoretically call Release or Stop,
// making the state snapshot stale. This is acceptable because the Instance
// contract requires callers to hold the instance via Acquire for the entire
// duration of use. A correctly written caller never races Config against
// Release on the same instance. The busy/started checks therefore serve as
// defensive guards against programmer error (e.g., calling Config after
// Release), not as concurrency-safe guarantees.
func (i *Instance) Config() (*sql.DB, error) {
	if i.gen.Load()%2 == 0 {
		return nil, ErrInstanceReleased
	}
	if !i.started.Load() {
		return nil, ErrNotStarted
	}
	db := i.db.Load()
	if db == nil {
		return nil, ErrNotStarted
	}
	return db, nil
}

// Stop closes the fixture database connection and its dedicated purge
// handle. The provided context allows callers to bound the stop duration or
// cancel it early.
//
// Safe for concurrent calls with Start: startMu serializes them so Stop
// cannot run while Start is creating the fixture (and vice versa).
func (i *Instance) Stop(ctx context.Context) error {
	// Fail fast if the caller has already canceled the context, to avoid
	// acquiring startMu and doing unnecessary work.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("stop instance: %w", err)
	}

	i.startMu.Lock()
	defer i.startMu.Unlock()

	db := i.db.Swap(nil)
	purge := i.purge.Swap(nil)
	i.baselineID.Store(0)
	i.started.Store(false)

	var errs []error
	if purge != nil {
		if err := purge.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close purge handle: %w", err))
		}
	}
	if db != nil {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close fixture db: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Release marks the Instance as free and returns it to the pool.
//
// The behavior depends on the ReleaseStrategy configured on the Manager:
//
//   - ReleaseRestart: closes and reopens the fixture database from the
//     template. The next Acquire sees a freshly copied template. No
//     row-level cleanup is needed.
//   - ReleaseClean: deletes every row inserted after the template baseline
//     via an ad hoc DELETE, then returns the still-open instance to the pool.
//     Faster than ReleaseRestart but relies on cleanup correctness.
//   - ReleasePurge: like ReleaseClean, but executes the dedicated purge
//     handle's prepared statement instead of building a query each time.
//   - ReleaseNone: returns the instance to the pool immediately with no
//     cleanup. Use only when callers write to disjoint keys.
//
// Error semantics:
//   - ReleaseNone always returns nil (no cleanup to fail).
//   - ReleaseClean/ReleasePurge return nil on success. If cleanup fails, the
//     instance is marked as permanently failed via ReleaseFailed and the
//     error is returned. Using defer inst.Release() is safe.
//   - ReleaseRestart returns nil on success. If Stop or removing the fixture
//     file fails, the instance
//     is marked as permanently failed via ReleaseFailed. The error is
//     informational: no corrective action is required.
//
// The shutdown check and pool release are performed atomically via
// the InstanceReleaser to prevent a TOCTOU race. If the manager is shutting
// down, the instance is stopped instead of being returned to the pool.
func (i *Instance) Release(token uint64) error {
	if i.releaser == nil {
		panic("slotpool: Release called on instance with nil releaser")
	}

	// Validate the token before performing any side effects. A stale token
	// means this release is from a prior acquisition — the instance has
	// already been released and re-acquired by another goroutine. Running
	// cleanup (row deletion) with a stale token would corrupt the current
	// holder's state. Panic immediately, matching the double-release panic
	// contract from Pool.Release/tryRelease.
	//
	// Token validity window: there is a gap between this isCurrentToken
	// check and the eventual ReleaseToPool/ReleaseFailed call below. During
	// this window the token remains valid (gen is still odd/acquired) because
	// only this goroutine holds the instance — the pool contract guarantees
	// at most one holder per acquisition. No other goroutine can call
	// markAcquired (which would advance gen) until tryRelease completes
	// inside ReleaseToPool or ReleaseFailed.
	if !i.isCurrentToken(token) {
		panic("slotpool: double-release of instance " + i.id)
	}

	switch i.cfg.ReleaseStrategy {
	case ReleaseNone:
		// Skip all cleanup — return to pool immediately.

	case ReleaseClean:
		if i.started.Load() {
			cleanCtx, cleanCancel := context.WithTimeout(context.Background(), i.cfg.CleanupTimeout)
			err := i.cleanRows(cleanCtx)
			cleanCancel()
			if err != nil {
				cleanupErr := fmt.Errorf("row cleanup during release: %w", err)
				i.setErr(cleanupErr)
				i.releaser.ReleaseFailed(i, token)
				return cleanupErr
			}
		}

	case ReleasePurge:
		if i.started.Load() {
			cleanCtx, cleanCancel := context.WithTimeout(context.Background(), i.cfg.CleanupTimeout)
			var err error
			if purge := i.purge.Load(); purge != nil {
				err = purge.purge(cleanCtx, i.log)
			}
			cleanCancel()
			if err != nil {
				cleanupErr := fmt.Errorf("purge during release: %w", err)
				i.setErr(cleanupErr)
				i.releaser.ReleaseFailed(i, token)
				return cleanupErr
			}
		}

	case ReleaseRestart:
		// Close the fixture database and remove its file. The next Acquire
		// will start fresh with the database copied again from the cached
		// template. No row-level cleanup is needed since the file is replaced.
		ctx, cancel := context.WithTimeout(context.Background(), i.cfg.StopTimeout)
		defer cancel()
		if err := i.Stop(ctx); err != nil {
			stopErr := fmt.Errorf("stop during release: %w", err)
			i.setErr(stopErr)
			i.releaser.ReleaseFailed(i, token)
			return stopErr
		}
		for _, p := range []string{i.dbPath, i.dbPath + "-wal", i.dbPath + "-shm"} {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				rmErr := fmt.Errorf("remove fixture during release: %w", err)
				i.setErr(rmErr)
				i.releaser.ReleaseFailed(i, token)
				return rmErr
			}
		}

	default:
		// All valid strategies are handled above. An unknown value here
		// indicates a programmer error — the strategy is validated at
		// construction time by InstanceConfig.Validate, so this branch
		// should be unreachable.
		panic(fmt.Sprintf("slotpool: unknown release strategy: %v", i.cfg.ReleaseStrategy))
	}

	// Atomically check shutdown state and release to pool. This eliminates
	// the TOCTOU race where Shutdown could start between checking
	// IsShuttingDown and calling pool.Release.
	i.releaser.ReleaseToPool(i, token)
	return nil
}
