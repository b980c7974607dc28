package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/TobiSchelling/SiteForge/internal/deploy"
)

const deploymentColumns = `id, run_id, project, dir, COALESCE(repository, ''), COALESCE(commit_ref, ''),
	COALESCE(host, ''), COALESCE(build_ref, ''), COALESCE(live_url, ''), data_source,
	snapshot_fingerprint, status, verified, COALESCE(error, ''), created_at, updated_at`

// SaveDeployment inserts or updates a deployment record. A live URL, once
// stored, is never replaced or cleared.
func (db *DB) SaveDeployment(ctx context.Context, rec *deploy.Record) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO deployments (id, run_id, project, dir, repository, commit_ref, host,
			build_ref, live_url, data_source, snapshot_fingerprint, status, verified, error,
			created_at, updated_at)
		 VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''),
			NULLIF(?, ''), ?, ?, ?, ?, NULLIF(?, ''), ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			repository = excluded.repository,
			commit_ref = excluded.commit_ref,
			host = excluded.host,
			build_ref = excluded.build_ref,
			live_url = COALESCE(deployments.live_url, excluded.live_url),
			status = excluded.status,
			verified = excluded.verified,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		rec.ID, rec.RunID, rec.Project, rec.Dir, rec.Repository, rec.Commit, rec.Host,
		rec.BuildRef, rec.LiveURL, rec.DataSource, rec.SnapshotFingerprint, string(rec.Status),
		boolInt(rec.Verified), rec.Error, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving deployment %s: %w", rec.ID, err)
	}
	return nil
}

// GetDeployment returns a deployment record by ID.
func (db *DB) GetDeployment(ctx context.Context, id string) (*deploy.Record, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id)
	rec, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading deployment %s: %w", id, err)
	}
	return rec, nil
}

// DeploymentForRun returns the record created by a run, if any.
func (db *DB) DeploymentForRun(ctx context.Context, runID string) (*deploy.Record, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE run_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`, runID)
	rec, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deployment for run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading deployment for run %s: %w", runID, err)
	}
	return rec, nil
}

// LatestDeployment returns the newest deployed record for a project. Older
// records are superseded by it.
func (db *DB) LatestDeployment(ctx context.Context, project string) (*deploy.Record, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE project = ? AND status = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`, project, string(deploy.StatusDeployed))
	rec, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deployment for project %s: %w", project, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading deployment for project %s: %w", project, err)
	}
	return rec, nil
}

// LatestDeployments returns the current deployed record of every project,
// ordered by project.
func (db *DB) LatestDeployments(ctx context.Context) ([]deploy.Record, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments d
		 WHERE status = ? AND rowid = (
			SELECT rowid FROM deployments
			WHERE project = d.project AND status = ?
			ORDER BY created_at DESC, rowid DESC LIMIT 1)
		 ORDER BY project`,
		string(deploy.StatusDeployed), string(deploy.StatusDeployed))
	if err != nil {
		return nil, fmt.Errorf("listing deployments: %w", err)
	}
	defer rows.Close()
	return collectDeployments(rows)
}

// DeploymentHistory returns every record for a project, newest first.
func (db *DB) DeploymentHistory(ctx context.Context, project string) ([]deploy.Record, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE project = ?
		 ORDER BY created_at DESC, rowid DESC`, project)
	if err != nil {
		return nil, fmt.Errorf("listing deployments for %s: %w", project, err)
	}
	defer rows.Close()
	return collectDeployments(rows)
}

func collectDeployments(rows *sql.Rows) ([]deploy.Record, error) {
	var out []deploy.Record
	for rows.Next() {
		rec, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning deployment: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanDeployment(row rowScanner) (*deploy.Record, error) {
	var (
		rec                  deploy.Record
		status               string
		verified             int
		createdAt, updatedAt string
	)
	err := row.Scan(&rec.ID, &rec.RunID, &rec.Project, &rec.Dir, &rec.Repository, &rec.Commit,
		&rec.Host, &rec.BuildRef, &rec.LiveURL, &rec.DataSource, &rec.SnapshotFingerprint,
		&status, &verified, &rec.Error, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = deploy.Status(status)
	rec.Verified = verified != 0
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}
