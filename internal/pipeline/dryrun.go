package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/TobiSchelling/SiteForge/internal/database"
	"github.com/TobiSchelling/SiteForge/internal/generate"
	"github.com/TobiSchelling/SiteForge/internal/research"
	"github.com/TobiSchelling/SiteForge/internal/site"
	"github.com/TobiSchelling/SiteForge/internal/stage"
)

// PlanStep is what one stage would do for a request.
type PlanStep struct {
	Stage   stage.Name
	Summary string
}

// DryRun describes what each stage would do for req without calling any
// external service or writing anything.
func (p *Pipeline) DryRun(ctx context.Context, req site.Request) ([]PlanStep, error) {
	profile, err := p.c.Profiles.Get(req.Niche)
	if err != nil {
		return nil, err
	}
	queries := research.QueriesFor(req, profile, p.opts.MaxSources, p.opts.RecencyDays)
	cached := 0
	for _, q := range queries {
		if p.c.Researcher.Cached(q) {
			cached++
		}
	}
	maxSources := p.opts.MaxSources
	if maxSources <= 0 {
		maxSources = research.DefaultMaxSources
	}

	steps := []PlanStep{
		{
			Stage: stage.Researching,
			Summary: fmt.Sprintf("[dry-run] %d research queries for %s (%d cached), up to %d sources each",
				len(queries), req.Niche, cached, maxSources),
		},
		{
			Stage: stage.Validating,
			Summary: fmt.Sprintf("[dry-run] Would validate %s for fields: %s",
				req.Source, strings.Join(p.c.Validator.Required(), ", ")),
		},
		{
			Stage:   stage.Generating,
			Summary: fmt.Sprintf("[dry-run] Would write %d files to %s", len(generate.PlannedFiles()), generate.Dir(req)),
		},
	}

	deploySummary := fmt.Sprintf("[dry-run] Would deploy %s via %s", req.Project(), p.c.Deployer.Describe())
	current, err := p.db.LatestDeployment(ctx, req.Project())
	switch {
	case err == nil:
		deploySummary += fmt.Sprintf(", superseding %s", current.LiveURL)
	case !errors.Is(err, database.ErrNotFound):
		return nil, err
	}
	if holder, ok := p.locks.Holder(req.Project()); ok {
		deploySummary += fmt.Sprintf(" (run %s is active)", holder)
	}
	steps = append(steps, PlanStep{Stage: stage.Deploying, Summary: deploySummary})
	return steps, nil
}
