package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/TobiSchelling/SiteForge/internal/source"
)

// SaveSnapshot stores the data source snapshot taken during a run.
func (db *DB) SaveSnapshot(ctx context.Context, runID string, snap source.Snapshot) error {
	fields, err := json.Marshal(snap.Fields)
	if err != nil {
		return fmt.Errorf("encoding snapshot fields: %w", err)
	}
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO snapshots (run_id, source, schema_fingerprint, fingerprint, fields_json,
			row_count, reachable, retrieved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, snap.Source, snap.SchemaFingerprint, snap.Fingerprint(), string(fields),
		snap.RowCount, boolInt(snap.Reachable), formatTime(snap.RetrievedAt),
	)
	if err != nil {
		return fmt.Errorf("saving snapshot for run %s: %w", runID, err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot of a data source.
func (db *DB) LatestSnapshot(ctx context.Context, src string) (source.Snapshot, error) {
	snap, err := db.querySnapshot(ctx, `WHERE source = ?`, src)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, fmt.Errorf("snapshot of %s: %w", src, ErrNotFound)
	}
	if err != nil {
		return snap, fmt.Errorf("reading snapshot of %s: %w", src, err)
	}
	return snap, nil
}

// SnapshotForRun returns the snapshot recorded by a run.
func (db *DB) SnapshotForRun(ctx context.Context, runID string) (source.Snapshot, error) {
	snap, err := db.querySnapshot(ctx, `WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, fmt.Errorf("snapshot for run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return snap, fmt.Errorf("reading snapshot for run %s: %w", runID, err)
	}
	return snap, nil
}

func (db *DB) querySnapshot(ctx context.Context, where string, arg any) (source.Snapshot, error) {
	var (
		snap      source.Snapshot
		fields    string
		reachable int
		retrieved string
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT source, schema_fingerprint, fields_json, row_count, reachable, retrieved_at
		 FROM snapshots `+where+` ORDER BY id DESC LIMIT 1`, arg,
	).Scan(&snap.Source, &snap.SchemaFingerprint, &fields, &snap.RowCount, &reachable, &retrieved)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal([]byte(fields), &snap.Fields); err != nil {
		return snap, fmt.Errorf("decoding snapshot fields: %w", err)
	}
	snap.Reachable = reachable != 0
	snap.RetrievedAt = parseTime(retrieved)
	return snap, nil
}
