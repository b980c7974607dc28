package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/TobiSchelling/SiteForge/internal/database"
	"github.com/TobiSchelling/SiteForge/internal/deploy"
	"github.com/TobiSchelling/SiteForge/internal/stage"
)

// RunLog is the exported form of a run: the run row, every log entry in
// append order and the deployment it produced.
type RunLog struct {
	Run        *database.Run  `json:"run"`
	Results    []stage.Result `json:"results"`
	Deployment *deploy.Record `json:"deployment,omitempty"`
}

func (p *Pipeline) runLogPath(runID string) string {
	if p.opts.RunLogDir == "" {
		return ""
	}
	return filepath.Join(p.opts.RunLogDir, runID+".json")
}

func (p *Pipeline) writeRunLog(run *database.Run, results []stage.Result, rec *deploy.Record) (string, error) {
	if p.opts.RunLogDir == "" {
		return "", nil
	}
	if results == nil {
		results = []stage.Result{}
	}
	data, err := json.MarshalIndent(RunLog{Run: run, Results: results, Deployment: rec}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding run log: %w", err)
	}
	fs := osfs.New(p.opts.RunLogDir)
	if err := util.WriteFile(fs, run.ID+".json", append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("writing run log: %w", err)
	}
	return p.runLogPath(run.ID), nil
}

// ExportRunLog rebuilds the run log file of runID from the database.
func (p *Pipeline) ExportRunLog(ctx context.Context, runID string) (string, error) {
	run, err := p.db.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	results, err := p.db.StageResults(ctx, runID)
	if err != nil {
		return "", err
	}
	rec, err := p.db.DeploymentForRun(ctx, runID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return "", err
	}
	if p.opts.RunLogDir == "" {
		return "", stage.Validation(stage.CodeInvalidConfig, fmt.Errorf("no run log directory configured"))
	}
	return p.writeRunLog(run, results, rec)
}
