package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	// Register the pure-Go SQLite driver (no CGO required).
	_ "modernc.org/sqlite"
)

// purgeHandleBusyTimeoutMs is the SQLite busy_timeout pragma value in
// milliseconds for the dedicated purge connection. Matches fixturedb's
// connection tuning so lock waits behave consistently across every
// connection opened against a fixture database.
const purgeHandleBusyTimeoutMs = 5000

// purgeHandle holds a persistent SQLite connection and a prepared DELETE
// statement for ReleasePurge operations. It is created eagerly during instance
// startup, alongside the baseline ID capture, and kept open for the lifetime
// of the instance to amortize connection setup and query compilation across
// many release cycles.
type purgeHandle struct {
	db         *sql.DB
	deleteStmt *sql.Stmt
	baselineID int64
}

// openPurgeHandle opens a dedicated SQLite connection to sqlitePath and
// prepares the reusable DELETE statement anchored at baselineID. The caller
// is responsible for capturing baselineID (typically MAX(id) immediately
// after the fixture database is opened, before any consumer writes) and
// passing it in, so the handle itself performs no query beyond the prepare.
//
// The connection uses WAL mode (matching fixturedb), a generous busy timeout
// for concurrent access with the instance's own connection, and relaxed
// synchronous mode (OFF) since the database is ephemeral test data where
// crash durability is irrelevant.
func openPurgeHandle(sqlitePath string, baselineID int64) (*purgeHandle, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(OFF)",
		sqlitePath, purgeHandleBusyTimeoutMs,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", sqlitePath, err)
	}

	// Single connection — purge is serialized per-instance (only ever called
	// from Release, which holds exclusive access to the instance) so a pool
	// is unnecessary. This also keeps exactly one extra WAL reader active,
	// reducing contention with the instance's own connection.
	db.SetMaxOpenConns(1)

	deleteStmt, err := db.Prepare("DELETE FROM kv WHERE id > ?")
	if err != nil {
		db.Close() //nolint:errcheck,gosec // best-effort cleanup on prepare failure
		return nil, fmt.Errorf("prepare purge delete: %w", err)
	}

	return &purgeHandle{db: db, deleteStmt: deleteStmt, baselineID: baselineID}, nil
}

// Close releases the prepared statement and closes the database connection.
func (h *purgeHandle) Close() error {
	return errors.Join(h.deleteStmt.Close(), h.db.Close())
}

// purge deletes every row inserted after the baseline ID. A single SQL DELETE
// anchored on the primary key index is O(rows_to_delete) and needs no
// transaction: ReleasePurge only ever runs while the instance is held
// exclusively by the releasing goroutine, so there is no concurrent writer
// to race against.
func (h *purgeHandle) purge(ctx context.Context, log *slog.Logger) error {
	result, err := h.deleteStmt.ExecContext(ctx, h.baselineID)
	if err != nil {
		return fmt.Errorf("execute purge delete: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("purge rows affected: %w", err)
	}

	if rowsAffected == 0 {
		log.Debug("purge: no rows to delete")
	} else {
		log.Debug("purge: deleted rows", "rows_affected", rowsAffected)
	}

	return nil
}
