package core

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/giantswarm/slotpool/internal/fixturedb"
)

func TestOpenPurgeHandleDeletesOnlyRowsAboveBaseline(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fixture.db")
	db, err := fixturedb.Create(path, "")
	if err != nil {
		t.Fatalf("fixturedb.Create: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(
		"INSERT INTO kv (name, value, created_at) VALUES (?, ?, ?)", "seed", nil, time.Now().Unix(),
	); err != nil {
		t.Fatalf("insert seed row: %v", err)
	}

	var baselineID int64
	if err := db.QueryRow("SELECT COALESCE(MAX(id), 0) FROM kv").Scan(&baselineID); err != nil {
		t.Fatalf("query baseline: %v", err)
	}

	if _, err := db.Exec(
		"INSERT INTO kv (name, value, created_at) VALUES (?, ?, ?)", "consumer-row", nil, time.Now().Unix(),
	); err != nil {
		t.Fatalf("insert consumer row: %v", err)
	}

	handle, err := openPurgeHandle(path, baselineID)
	if err != nil {
		t.Fatalf("openPurgeHandle: %v", err)
	}
	defer handle.Close()

	if err := handle.purge(context.Background(), slog.Default()); err != nil {
		t.Fatalf("purge: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM kv").Scan(&count); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 1 {
		t.Errorf("row count after purge = %d, want 1 (only the seed row)", count)
	}
}

func TestOpenPurgeHandlePurgeIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fixture.db")
	db, err := fixturedb.Create(path, "")
	if err != nil {
		t.Fatalf("fixturedb.Create: %v", err)
	}
	defer db.Close()

	handle, err := openPurgeHandle(path, 0)
	if err != nil {
		t.Fatalf("openPurgeHandle: %v", err)
	}
	defer handle.Close()

	if err := handle.purge(context.Background(), slog.Default()); err != nil {
		t.Fatalf("first purge: %v", err)
	}
	if err := handle.purge(context.Background(), slog.Default()); err != nil {
		t.Fatalf("second purge (no rows to delete): %v", err)
	}
}

func TestPurgeHandleCloseReleasesStatementAndConnection(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fixture.db")
	db, err := fixturedb.Create(path, "")
	if err != nil {
		t.Fatalf("fixturedb.Create: %v", err)
	}
	defer db.Close()

	handle, err := openPurgeHandle(path, 0)
	if err != nil {
		t.Fatalf("openPurgeHandle: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
