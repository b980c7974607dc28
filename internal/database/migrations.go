package database

import "database/sql"

// Migration is one schema change, identified by the user_version it sets.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations run in slice order; versions must increase by one.
var migrations = []Migration{
	{
		Version:     1,
		Description: "runs and run log",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    parent_run_id TEXT,
    project TEXT NOT NULL,
    request_json TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    state TEXT NOT NULL,
    start_stage TEXT NOT NULL,
    interrupted INTEGER DEFAULT 0,
    error TEXT,
    error_code TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS stage_results (
    run_id TEXT NOT NULL REFERENCES runs(id),
    seq INTEGER NOT NULL,
    stage TEXT NOT NULL,
    step TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    error TEXT,
    error_kind TEXT,
    error_code TEXT,
    output TEXT,
    started_at TEXT NOT NULL,
    finished_at TEXT NOT NULL,
    PRIMARY KEY (run_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project);
CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "deployments and snapshots",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS deployments (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES runs(id),
    project TEXT NOT NULL,
    dir TEXT NOT NULL,
    repository TEXT,
    commit_ref TEXT,
    host TEXT,
    build_ref TEXT,
    live_url TEXT,
    data_source TEXT NOT NULL,
    snapshot_fingerprint TEXT NOT NULL,
    status TEXT NOT NULL,
    verified INTEGER DEFAULT 0,
    error TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id),
    source TEXT NOT NULL,
    schema_fingerprint TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    fields_json TEXT NOT NULL,
    row_count INTEGER NOT NULL,
    reachable INTEGER DEFAULT 1,
    retrieved_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deployments_project ON deployments(project, created_at);
CREATE INDEX IF NOT EXISTS idx_deployments_run ON deployments(run_id);
CREATE INDEX IF NOT EXISTS idx_snapshots_source ON snapshots(source, id);
`)
			return err
		},
	},
	{
		Version:     3,
		Description: "run locks",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS run_locks (
    project TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    acquired_at TEXT NOT NULL,
    heartbeat TEXT NOT NULL
);
`)
			return err
		},
	},
}

// latestVersion is the version a fully migrated database reports.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
