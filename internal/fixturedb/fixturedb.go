// Package fixturedb manages the on-disk SQLite fixture databases backing
// each pooled Instance. A fixture database starts life as a byte-for-byte
// copy of a caller-supplied template file (typically pre-seeded with
// baseline rows) and is then opened for read/write access using the same
// connection tuning as the purge connection in internal/core: WAL journaling,
// a generous busy timeout, and relaxed synchronous durability, all
// appropriate for ephemeral test data.
package fixturedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	// Register the pure-Go SQLite driver (no CGO required).
	_ "modernc.org/sqlite"
)

// busyTimeoutMs is the SQLite busy_timeout pragma value in milliseconds.
// Matches the value used by the purge path so lock waits behave consistently
// across every connection opened against a fixture database.
const busyTimeoutMs = 5000

// fileLockRetryInterval is the interval between consecutive attempts to
// acquire the template-copy file lock.
const fileLockRetryInterval = 50 * time.Millisecond

// kvSchema creates the generic key/value table every fixture database
// exposes. Templates may pre-populate it with baseline rows; Create's
// caller is expected to capture MAX(id) as a purge baseline immediately
// after opening, before any consumer writes to the table.
const kvSchema = `CREATE TABLE IF NOT EXISTS kv (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	value      BLOB,
	created_at INTEGER NOT NULL
)`

// dsn builds the SQLite DSN shared by Create and Open.
func dsn(path string) string {
	return fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(OFF)",
		path, busyTimeoutMs,
	)
}

// Create copies templatePath to path (if path does not already exist) and
// opens the copy as a *sql.DB with the kv table ensured. templatePath may be
// empty, in which case an empty database is created in place. The copy is
// guarded by a file lock on path+".lock" so concurrent Create calls racing
// on the same path (unlikely in this pool's single-writer-per-instance
// model, but cheap to guard against) cannot interleave partial writes.
func Create(path, templatePath string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create fixture dir: %w", err)
	}

	fl := flock.New(path + ".lock")
	locked, err := fl.TryLockContext(context.Background(), fileLockRetryInterval)
	if err != nil {
		return nil, fmt.Errorf("lock fixture path %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("lock fixture path %s: not acquired", path)
	}
	defer func() {
		if closeErr := fl.Close(); closeErr != nil {
			slog.Debug("failed to release fixture lock", "path", fl.Path(), "error", closeErr)
		}
	}()

	if _, statErr := os.Stat(path); statErr != nil {
		if !errors.Is(statErr, os.ErrNotExist) {
			return nil, fmt.Errorf("stat fixture path %s: %w", path, statErr)
		}
		if templatePath != "" {
			if copyErr := copyFile(templatePath, path); copyErr != nil {
				return nil, fmt.Errorf("copy template %s: %w", templatePath, copyErr)
			}
		}
	}

	db, err := openAndEnsureSchema(path)
	if err != nil {
		return nil, err
	}

	return db, nil
}

// Open opens an existing fixture database at path without touching any
// template, ensuring the kv table exists.
func Open(path string) (*sql.DB, error) {
	return openAndEnsureSchema(path)
}

func openAndEnsureSchema(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// Single connection: each fixture database is exclusive to one Instance
	// at a time, so pooling connections only adds WAL-reader contention.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(kvSchema); err != nil {
		db.Close() //nolint:errcheck,gosec // best-effort cleanup on schema failure
		return nil, fmt.Errorf("ensure kv schema: %w", err)
	}

	return db, nil
}

// copyFile copies src to dst using a temp-file-then-rename sequence so a
// reader never observes a partially written destination file.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source %s: %w", src, err)
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp dest %s: %w", tmp, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close() //nolint:errcheck,gosec // already failing; best-effort cleanup
		os.Remove(tmp) //nolint:errcheck,gosec // best-effort cleanup
		return fmt.Errorf("copy %s to %s: %w", src, tmp, err)
	}

	if err := out.Close(); err != nil {
		os.Remove(tmp) //nolint:errcheck,gosec // best-effort cleanup
		return fmt.Errorf("close temp dest %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp) //nolint:errcheck,gosec // best-effort cleanup
		return fmt.Errorf("rename %s to %s: %w", tmp, dst, err)
	}

	return nil
}
