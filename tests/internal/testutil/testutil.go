//go:build integration

// Package testutil provides shared helpers for integration test packages.
package testutil

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/giantswarm/slotpool"
)

// nameCounter is an atomic counter used by UniqueName to generate row names
// that are unique across parallel test goroutines.
var nameCounter atomic.Int64

// UniqueName returns a kv row name that is unique across all parallel tests.
// It combines the given prefix with a monotonically increasing counter value.
func UniqueName(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, nameCounter.Add(1))
}

// TestParallel returns the effective -test.parallel value for the current test
// binary. This mirrors Go's own default: if the flag is unset or unparseable,
// it falls back to GOMAXPROCS.
func TestParallel() int {
	f := flag.Lookup("test.parallel")
	if f == nil {
		n := runtime.GOMAXPROCS(0)
		slog.Info("test.parallel flag not found, falling back to GOMAXPROCS", "parallel", n)

		return n
	}

	n, err := strconv.Atoi(f.Value.String())
	if err != nil || n < 1 {
		fallback := runtime.GOMAXPROCS(0)
		slog.Warn("test.parallel flag unparseable, falling back to GOMAXPROCS",
			"raw", f.Value.String(), "error", err, "parallel", fallback)

		return fallback
	}

	slog.Info("using test.parallel flag value", "parallel", n)

	return n
}

// AcquireWithDB acquires an instance and returns it along with its *sql.DB.
// The caller is responsible for releasing the instance.
//
//nolint:ireturn // Test helper returns Instance matching the public API.
func AcquireWithDB(ctx context.Context, t *testing.T, mgr slotpool.Manager) (slotpool.Instance, *sql.DB) {
	t.Helper()

	inst, err := mgr.Acquire(ctx)
	if err != nil {
		t.Fatalf("Failed to acquire instance: %v", err)
	}

	db, err := inst.Config()
	if err != nil {
		if relErr := inst.Release(); relErr != nil {
			t.Logf("release error: %v", relErr)
		}
		t.Fatalf("Failed to get config: %v", err)
	}

	return inst, db
}

// AcquireWithGuardedRelease acquires an instance and its database, then
// registers a deferred safety-net release that only fires if the caller has
// not already released the instance explicitly. It returns the instance, the
// database, and a release function. Calling the release function performs the
// explicit release and disarms the safety net; subsequent calls to the
// release function are no-ops. The test fails immediately if the explicit
// release returns an error.
//
//nolint:ireturn // Test helper returns Instance matching the public API.
func AcquireWithGuardedRelease(
	ctx context.Context,
	t *testing.T,
	mgr slotpool.Manager,
) (slotpool.Instance, *sql.DB, func()) {
	t.Helper()

	inst, db := AcquireWithDB(ctx, t, mgr)

	released := false
	t.Cleanup(func() {
		if !released {
			inst.Release() //nolint:errcheck,gosec // safety net on test failure
		}
	})

	release := func() {
		t.Helper()

		if released {
			return
		}

		if err := inst.Release(); err != nil {
			t.Fatalf("Release() failed: %v", err)
		}

		released = true
	}

	return inst, db, release
}

// SetupTestLogging configures slog based on the SLOTPOOL_LOG_LEVEL environment
// variable. This only affects test runs - the library itself inherits the
// application's logging config.
func SetupTestLogging() {
	levelStr := os.Getenv("SLOTPOOL_LOG_LEVEL")
	if levelStr == "" {
		levelStr = "INFO"
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		level = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))

	slotpool.SetLogger(slog.Default().With("component", "slotpool"))
}

// RunTestMain sets up signal handling for graceful shutdown, runs all tests,
// then performs cleanup (shutdown + temp dir removal). Returns the exit code.
func RunTestMain(m *testing.M, mgr slotpool.Manager, tmpDir string) int {
	sigCh := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			signal.Stop(sigCh) // Restore default handler so a second signal force-kills
			fmt.Fprintf(os.Stderr, "\nReceived %s, shutting down...\n", sig)
			if err := mgr.Shutdown(); err != nil {
				fmt.Fprintf(os.Stderr, "Shutdown error: %v\n", err)
			}
			_ = os.RemoveAll(tmpDir)
			os.Exit(1)
		case <-done:
			return
		}
	}()

	code := m.Run()

	signal.Stop(sigCh)
	close(done)
	if err := mgr.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "Shutdown error: %v\n", err)
	}
	_ = os.RemoveAll(tmpDir)

	return code
}

// SetupAndRun handles the standard TestMain boilerplate: flag parsing, logging
// setup, temp dir creation, manager creation with WithBaseDataDir and
// WithAcquireTimeout prepended, initialization, test execution, and cleanup.
// The created manager is assigned to *mgr so tests can reference it. This
// function calls os.Exit and never returns.
//
//nolint:gocritic // ptrToRefParam: pointer-to-interface needed to assign the created manager back to the caller's variable.
func SetupAndRun(m *testing.M, mgr *slotpool.Manager, prefix string, opts ...slotpool.ManagerOption) {
	SetupAndRunWithHook(m, mgr, prefix, nil, opts...)
}

// SetupHook is called after temp dir creation, allowing custom setup that
// depends on the temp dir path. It returns additional manager options.
type SetupHook func(tmpDir string) ([]slotpool.ManagerOption, error)

// SetupAndRunWithHook is like SetupAndRun but calls hook after temp dir
// creation, prepending the returned options before opts.
//
//nolint:gocritic // ptrToRefParam: pointer-to-interface needed to assign the created manager back to the caller's variable.
func SetupAndRunWithHook(
	m *testing.M,
	mgr *slotpool.Manager,
	prefix string,
	hook SetupHook,
	opts ...slotpool.ManagerOption,
) {
	flag.Parse()
	SetupTestLogging()

	tmpDir, err := os.MkdirTemp("", prefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create temp dir: %v\n", err)
		os.Exit(1)
	}

	baseOpts := []slotpool.ManagerOption{
		slotpool.WithBaseDataDir(tmpDir),
		slotpool.WithAcquireTimeout(5 * time.Minute),
	}

	if hook != nil {
		extra, hookErr := hook(tmpDir)
		if hookErr != nil {
			fmt.Fprintf(os.Stderr, "setup hook failed: %v\n", hookErr)
			os.Exit(1)
		}

		baseOpts = append(baseOpts, extra...)
	}

	baseOpts = append(baseOpts, opts...)

	created := slotpool.NewManager(baseOpts...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	if initErr := created.Initialize(ctx); initErr != nil {
		cancel()
		fmt.Fprintf(os.Stderr, "Initialize failed: %v\n", initErr)
		os.Exit(1)
	}

	cancel()

	*mgr = created

	os.Exit(RunTestMain(m, created, tmpDir))
}
