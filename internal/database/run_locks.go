package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrLockHeld is returned when another run holds a project's lock.
var ErrLockHeld = errors.New("lock held")

// AcquireRunLock claims project for runID. A lock whose heartbeat is older
// than staleAfter is treated as abandoned and taken over. When another run
// holds a live lock, its ID is returned with ErrLockHeld.
func (db *DB) AcquireRunLock(ctx context.Context, project, runID string, now time.Time, staleAfter time.Duration) (string, error) {
	ts := formatTime(now)
	if _, err := db.conn.ExecContext(ctx,
		`DELETE FROM run_locks WHERE project = ? AND heartbeat < ?`,
		project, formatTime(now.Add(-staleAfter)),
	); err != nil {
		return "", fmt.Errorf("expiring lock for %s: %w", project, err)
	}
	if _, err := db.conn.ExecContext(ctx,
		`INSERT INTO run_locks (project, run_id, acquired_at, heartbeat)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(project) DO NOTHING`,
		project, runID, ts, ts,
	); err != nil {
		return "", fmt.Errorf("acquiring lock for %s: %w", project, err)
	}

	var holder string
	err := db.conn.QueryRowContext(ctx,
		`SELECT run_id FROM run_locks WHERE project = ?`, project,
	).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		// Released between insert and read; the caller may retry.
		return "", fmt.Errorf("lock for %s: %w", project, ErrLockHeld)
	}
	if err != nil {
		return "", fmt.Errorf("reading lock for %s: %w", project, err)
	}
	if holder != runID {
		return holder, fmt.Errorf("lock for %s: %w", project, ErrLockHeld)
	}
	return holder, nil
}

// HeartbeatRunLock refreshes a held lock. It returns ErrNotFound when runID
// no longer holds project.
func (db *DB) HeartbeatRunLock(ctx context.Context, project, runID string, now time.Time) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE run_locks SET heartbeat = ? WHERE project = ? AND run_id = ?`,
		formatTime(now), project, runID,
	)
	if err != nil {
		return fmt.Errorf("refreshing lock for %s: %w", project, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("refreshing lock for %s: %w", project, err)
	}
	if n == 0 {
		return fmt.Errorf("lock for %s held by %s: %w", project, runID, ErrNotFound)
	}
	return nil
}

// ReleaseRunLock drops the lock if runID still holds it.
func (db *DB) ReleaseRunLock(ctx context.Context, project, runID string) error {
	if _, err := db.conn.ExecContext(ctx,
		`DELETE FROM run_locks WHERE project = ? AND run_id = ?`, project, runID,
	); err != nil {
		return fmt.Errorf("releasing lock for %s: %w", project, err)
	}
	return nil
}

// RunLockHolder returns the run holding a live lock on project.
func (db *DB) RunLockHolder(ctx context.Context, project string, now time.Time, staleAfter time.Duration) (string, error) {
	var holder string
	err := db.conn.QueryRowContext(ctx,
		`SELECT run_id FROM run_locks WHERE project = ? AND heartbeat >= ?`,
		project, formatTime(now.Add(-staleAfter)),
	).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("lock for %s: %w", project, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("reading lock for %s: %w", project, err)
	}
	return holder, nil
}
