package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const runColumns = `id, COALESCE(parent_run_id, ''), project, request_json, fingerprint,
	state, start_stage, interrupted, COALESCE(error, ''), COALESCE(error_code, ''),
	created_at, updated_at`

// CreateRun inserts a new run.
func (db *DB) CreateRun(ctx context.Context, r *Run) error {
	req, err := json.Marshal(r.Request)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO runs (id, parent_run_id, project, request_json, fingerprint, state,
			start_stage, interrupted, error, error_code, created_at, updated_at)
		 VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?)`,
		r.ID, r.ParentID, r.Project, string(req), r.Fingerprint, r.State,
		r.StartStage, boolInt(r.Interrupted), r.Error, r.ErrorCode,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", r.ID, err)
	}
	return nil
}

// UpdateRun stores the mutable fields of a run: its state, interruption
// flag and terminal error.
func (db *DB) UpdateRun(ctx context.Context, r *Run) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE runs SET state = ?, interrupted = ?, error = NULLIF(?, ''),
			error_code = NULLIF(?, ''), updated_at = ?
		 WHERE id = ?`,
		r.State, boolInt(r.Interrupted), r.Error, r.ErrorCode, formatTime(r.UpdatedAt), r.ID,
	)
	if err != nil {
		return fmt.Errorf("updating run %s: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating run %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

// GetRun returns a run by ID.
func (db *DB) GetRun(ctx context.Context, id string) (*Run, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading run %s: %w", id, err)
	}
	return r, nil
}

// ListRuns returns the most recent runs, newest first. A non-empty project
// restricts the list to that project.
func (db *DB) ListRuns(ctx context.Context, project string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	args := []any{}
	if project != "" {
		query += ` WHERE project = ?`
		args = append(args, project)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// InterruptedRuns returns runs that stopped without reaching a terminal
// state, oldest first.
func (db *DB) InterruptedRuns(ctx context.Context) ([]Run, error) {
	return db.queryRuns(ctx, "listing interrupted runs",
		`SELECT `+runColumns+` FROM runs WHERE interrupted = 1 ORDER BY created_at, rowid`)
}

// InterruptedChildren returns the interrupted runs started from parentID,
// newest first.
func (db *DB) InterruptedChildren(ctx context.Context, parentID string) ([]Run, error) {
	return db.queryRuns(ctx, "listing interrupted children of "+parentID,
		`SELECT `+runColumns+` FROM runs WHERE interrupted = 1 AND parent_run_id = ?
		 ORDER BY created_at DESC, rowid DESC`, parentID)
}

func (db *DB) queryRuns(ctx context.Context, what, query string, args ...any) ([]Run, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// GetStats returns aggregate counts across all tables.
func (db *DB) GetStats(ctx context.Context) (Stats, error) {
	var s Stats
	err := db.conn.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM runs),
			(SELECT COUNT(*) FROM runs WHERE state = 'completed'),
			(SELECT COUNT(*) FROM runs WHERE state = 'failed'),
			(SELECT COUNT(*) FROM deployments),
			(SELECT COUNT(DISTINCT project) FROM deployments),
			(SELECT COUNT(*) FROM snapshots)`,
	).Scan(&s.Runs, &s.CompletedRuns, &s.FailedRuns, &s.Deployments, &s.Projects, &s.Snapshots)
	if err != nil {
		return s, fmt.Errorf("reading stats: %w", err)
	}
	return s, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		r                    Run
		reqJSON              string
		interrupted          int
		createdAt, updatedAt string
	)
	err := row.Scan(&r.ID, &r.ParentID, &r.Project, &reqJSON, &r.Fingerprint,
		&r.State, &r.StartStage, &interrupted, &r.Error, &r.ErrorCode,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(reqJSON), &r.Request); err != nil {
		return nil, fmt.Errorf("decoding request of run %s: %w", r.ID, err)
	}
	r.Interrupted = interrupted != 0
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}
