package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func TestMigrateNewDB(t *testing.T) {
	db := openTestDB(t)

	version, err := schemaVersion(db.conn)
	if err != nil {
		t.Fatalf("schemaVersion: %v", err)
	}
	if version != latestVersion() {
		t.Errorf("expected version %d, got %d", latestVersion(), version)
	}
}

func TestMigrateLegacyDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "legacy.db")

	// Run tables created without setting user_version.
	raw, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	_, err = raw.Exec(`CREATE TABLE runs (
		id TEXT PRIMARY KEY,
		project TEXT NOT NULL,
		state TEXT NOT NULL
	)`)
	if err != nil {
		t.Fatalf("create legacy table: %v", err)
	}
	raw.Close()

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	version, err := schemaVersion(db.conn)
	if err != nil {
		t.Fatalf("schemaVersion: %v", err)
	}
	if version != latestVersion() {
		t.Errorf("expected version %d after legacy migration, got %d", latestVersion(), version)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "idem.db")

	db1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	db1.Close()

	db2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer db2.Close()

	version, err := schemaVersion(db2.conn)
	if err != nil {
		t.Fatalf("schemaVersion: %v", err)
	}
	if version != latestVersion() {
		t.Errorf("expected version %d, got %d", latestVersion(), version)
	}
}

func TestSchemaVersionNewDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "empty.db")
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	version, err := schemaVersion(conn)
	if err != nil {
		t.Fatalf("schemaVersion: %v", err)
	}
	if version != 0 {
		t.Errorf("expected version 0 on new db, got %d", version)
	}
}

func TestUnversionedSchemaFalseOnNew(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fresh.db")
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	found, err := hasUnversionedSchema(conn)
	if err != nil {
		t.Fatalf("hasUnversionedSchema: %v", err)
	}
	if found {
		t.Error("expected hasUnversionedSchema=false on empty database")
	}
}

func TestMigrateCreatesTables(t *testing.T) {
	db := openTestDB(t)

	for _, table := range []string{"runs", "stage_results", "deployments", "snapshots", "run_locks"} {
		var count int
		err := db.conn.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&count)
		if err != nil {
			t.Fatalf("checking %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("expected table %s to exist", table)
		}
	}
}

func TestMigrateAppliesOnlyMissingSteps(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "v2.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	mustCreateRun(t, db, testRun("r1", "p"))
	// Roll back to a v2 database that never saw the run lock table.
	if _, err := db.conn.Exec("DROP TABLE run_locks"); err != nil {
		t.Fatal(err)
	}
	if err := setSchemaVersion(db.conn, 2); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	version, err := schemaVersion(db.conn)
	if err != nil {
		t.Fatal(err)
	}
	if version != latestVersion() {
		t.Errorf("expected version %d, got %d", latestVersion(), version)
	}
	if _, err := db.GetRun(context.Background(), "r1"); err != nil {
		t.Errorf("existing run lost during migration: %v", err)
	}
	if _, err := db.AcquireRunLock(context.Background(), "p", "r1", t0, time.Minute); err != nil {
		t.Errorf("run lock table missing after migration: %v", err)
	}
}
