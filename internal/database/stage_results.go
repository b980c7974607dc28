package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/TobiSchelling/SiteForge/internal/stage"
)

// AppendStageResult adds an entry to a run's log and assigns its sequence
// number. Entries are never updated once written.
func (db *DB) AppendStageResult(ctx context.Context, r *stage.Result) error {
	db.appendMu.Lock()
	defer db.appendMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var seq int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM stage_results WHERE run_id = ?`, r.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next sequence for run %s: %w", r.RunID, err)
	}

	var output sql.NullString
	if len(r.Output) > 0 {
		output = sql.NullString{String: string(r.Output), Valid: true}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO stage_results (run_id, seq, stage, step, status, attempt, error,
			error_kind, error_code, output, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?)`,
		r.RunID, seq, string(r.Stage), r.Step, string(r.Status), r.Attempt, r.Error,
		string(r.ErrorKind), string(r.ErrorCode), output,
		formatTime(r.StartedAt), formatTime(r.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("appending result for run %s: %w", r.RunID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	r.Seq = seq
	return nil
}

// StageResults returns a run's log in append order.
func (db *DB) StageResults(ctx context.Context, runID string) ([]stage.Result, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT run_id, seq, stage, step, status, attempt, COALESCE(error, ''),
			COALESCE(error_kind, ''), COALESCE(error_code, ''), output, started_at, finished_at
		 FROM stage_results WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("reading run log %s: %w", runID, err)
	}
	defer rows.Close()

	var out []stage.Result
	for rows.Next() {
		var (
			r                 stage.Result
			name, status      string
			kind, code        string
			output            sql.NullString
			started, finished string
		)
		if err := rows.Scan(&r.RunID, &r.Seq, &name, &r.Step, &status, &r.Attempt,
			&r.Error, &kind, &code, &output, &started, &finished); err != nil {
			return nil, fmt.Errorf("scanning run log entry: %w", err)
		}
		r.Stage = stage.Name(name)
		r.Status = stage.Status(status)
		r.ErrorKind = stage.Kind(kind)
		r.ErrorCode = stage.Code(code)
		if output.Valid {
			r.Output = []byte(output.String)
		}
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}
