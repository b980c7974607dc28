// Package scheduler keeps deployed sites in step with their data sources.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/TobiSchelling/SiteForge/internal/database"
	"github.com/TobiSchelling/SiteForge/internal/pipeline"
	"github.com/TobiSchelling/SiteForge/internal/research"
	"github.com/TobiSchelling/SiteForge/internal/source"
	"github.com/TobiSchelling/SiteForge/internal/stage"
)

// DefaultInterval is how often data sources are re-validated.
const DefaultInterval = 6 * time.Hour

// Check is the outcome of re-validating one deployed project.
type Check struct {
	Project     string
	RunID       string
	Previous    string
	Current     string
	Drifted     bool
	Regenerated string
	// Resumed is set when Regenerated is an earlier interrupted
	// regeneration that was continued rather than a new run.
	Resumed bool
	Err     error
}

// Scheduler periodically validates the data source bound to each project's
// current deployment and regenerates the site when it drifted.
type Scheduler struct {
	db         *database.DB
	pipeline   *pipeline.Pipeline
	validator  *source.Validator
	researcher *research.Coordinator
	interval   time.Duration
}

// New creates a scheduler. A non-positive interval uses DefaultInterval.
func New(db *database.DB, p *pipeline.Pipeline, v *source.Validator, r *research.Coordinator, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{db: db, pipeline: p, validator: v, researcher: r, interval: interval}
}

// Run checks immediately and then on every interval until ctx is done. It
// returns nil on shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Printf("Freshness scheduler started (every %s)", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.CheckOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("Freshness check failed: %v", err)
		}
		select {
		case <-ctx.Done():
			log.Println("Freshness scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// CheckOnce validates every current deployment once. A validation that has
// started is allowed to finish after ctx is cancelled, but no regeneration
// starts once ctx is done.
func (s *Scheduler) CheckOnce(ctx context.Context) ([]Check, error) {
	deployments, err := s.db.LatestDeployments(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing deployments: %w", err)
	}

	var checks []Check
	for _, rec := range deployments {
		if err := ctx.Err(); err != nil {
			return checks, err
		}
		c := Check{Project: rec.Project, RunID: rec.RunID, Previous: rec.SnapshotFingerprint}

		run, err := s.db.GetRun(ctx, rec.RunID)
		if err != nil {
			c.Err = err
			checks = append(checks, c)
			continue
		}

		snap, err := s.validator.Validate(context.WithoutCancel(ctx), nil, run.Request.Source)
		if err != nil {
			log.Printf("Freshness: %s data source check failed: %v", rec.Project, err)
			c.Err = err
			checks = append(checks, c)
			continue
		}
		c.Current = snap.Fingerprint()
		if c.Current == c.Previous {
			checks = append(checks, c)
			continue
		}
		c.Drifted = true
		log.Printf("Freshness: %s data source changed (%d rows)", rec.Project, snap.RowCount)

		if err := ctx.Err(); err != nil {
			checks = append(checks, c)
			return checks, err
		}

		pending, err := s.pendingRegeneration(ctx, run.ID, c.Current)
		if err != nil {
			c.Err = err
			checks = append(checks, c)
			continue
		}
		var res *pipeline.Result
		if pending != "" {
			log.Printf("Freshness: resuming interrupted regeneration %s of %s", pending, rec.Project)
			c.Resumed = true
			res, err = s.pipeline.Resume(ctx, pending)
		} else {
			if n := s.researcher.InvalidateNiche(run.Request.Niche); n > 0 {
				log.Printf("Freshness: dropped %d cached research results for %s", n, run.Request.Niche)
			}
			res, err = s.pipeline.Regenerate(ctx, run.ID, snap)
		}
		if res != nil {
			c.Regenerated = res.Run.ID
		}
		if err != nil {
			if errors.Is(err, pipeline.ErrRunActive) {
				log.Printf("Freshness: %s has an active run, will retry next interval", rec.Project)
			}
			c.Err = err
		}
		checks = append(checks, c)
	}
	return checks, nil
}

// pendingRegeneration returns the newest interrupted regeneration of parentID
// that is bound to the snapshot fingerprint current. Interrupted
// regenerations bound to an older snapshot are abandoned.
func (s *Scheduler) pendingRegeneration(ctx context.Context, parentID, current string) (string, error) {
	children, err := s.db.InterruptedChildren(ctx, parentID)
	if err != nil {
		return "", err
	}
	found := ""
	for _, child := range children {
		snap, err := s.db.SnapshotForRun(ctx, child.ID)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return "", err
		}
		if err == nil && found == "" && snap.Fingerprint() == current {
			found = child.ID
			continue
		}
		cause := stage.Fatal(stage.CodeSuperseded,
			fmt.Errorf("%w: data source changed since run %s started", pipeline.ErrSuperseded, child.ID))
		if err := s.pipeline.Abandon(ctx, child.ID, cause); err != nil {
			log.Printf("Freshness: could not abandon run %s: %v", child.ID, err)
		}
	}
	return found, nil
}
