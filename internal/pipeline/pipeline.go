// Package pipeline sequences research, data-source validation, site
// generation and deployment into resumable runs.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/SiteForge/internal/database"
	"github.com/TobiSchelling/SiteForge/internal/deploy"
	"github.com/TobiSchelling/SiteForge/internal/generate"
	"github.com/TobiSchelling/SiteForge/internal/research"
	"github.com/TobiSchelling/SiteForge/internal/site"
	"github.com/TobiSchelling/SiteForge/internal/source"
	"github.com/TobiSchelling/SiteForge/internal/stage"
)

// State is the lifecycle state of a run.
type State string

const (
	StateCreated     State = "created"
	StateResearching State = "researching"
	StateValidating  State = "validating"
	StateGenerating  State = "generating"
	StateDeploying   State = "deploying"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
)

func stateFor(n stage.Name) State {
	return State(strings.ToLower(string(n)))
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Components are the stage implementations a pipeline drives.
type Components struct {
	Profiles   *site.Profiles
	Researcher *research.Coordinator
	Validator  *source.Validator
	Generator  *generate.Generator
	Deployer   *deploy.Driver
}

// Options tune a pipeline.
type Options struct {
	MaxSources  int
	RecencyDays int
	// RunLogDir receives a JSON copy of every run's log when set.
	RunLogDir string
	// LockTTL bounds how long a crashed process blocks its project.
	// Zero means DefaultLockTTL.
	LockTTL time.Duration
}

// Result describes a run after the pipeline stopped working on it.
type Result struct {
	Run        *database.Run
	Steps      []stage.Result
	Output     generate.Output
	Deployment *deploy.Record
	LogPath    string
}

// Failure returns the entry that explains why the run stopped: the last
// failed attempt of the failing stage, falling back to its stage-level entry.
func (r *Result) Failure() (stage.Result, bool) {
	var stageLevel stage.Result
	found := false
	for _, s := range r.Steps {
		if s.Status == stage.StatusFailed && s.IsStageLevel() {
			stageLevel = s
			found = true
		}
	}
	if !found {
		return stage.Result{}, false
	}
	for i := len(r.Steps) - 1; i >= 0; i-- {
		s := r.Steps[i]
		if s.Seq < stageLevel.Seq && s.Stage == stageLevel.Stage && !s.IsStageLevel() && s.Status == stage.StatusFailed {
			return s, true
		}
	}
	return stageLevel, true
}

// Pipeline orchestrates runs. Run locks live in the database, so pipelines
// in different processes sharing it exclude each other.
type Pipeline struct {
	db    *database.DB
	c     Components
	opts  Options
	locks *RunLocks
	now   func() time.Time
}

// New creates a pipeline.
func New(db *database.DB, c Components, opts Options) *Pipeline {
	return &Pipeline{
		db:    db,
		c:     c,
		opts:  opts,
		locks: NewStoredRunLocks(db, opts.LockTTL),
		now:   time.Now,
	}
}

// execution carries stage outputs between stages of one run.
type execution struct {
	run  *database.Run
	x    *stage.Executor
	agg  research.Aggregate
	snap source.Snapshot
	out  generate.Output
	rec  *deploy.Record
}

// Run executes every stage for req. The returned error is nil only when the
// run reached Completed; the Result is returned whenever a run was created.
func (p *Pipeline) Run(ctx context.Context, req site.Request) (*Result, error) {
	run := p.newRun(req, "", stage.Researching)
	release, err := p.locks.Acquire(ctx, run.Project, run.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := p.db.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	log.Printf("Run %s started for %s (niche %s)", run.ID, run.Project, req.Niche)

	e := &execution{run: run, x: stage.NewExecutor(run.ID, p.db)}
	return p.execute(ctx, e, 0)
}

// Resume continues a run at its first stage that has not succeeded. Outputs
// of succeeded stages are restored from the run log. A completed run is
// returned as is; a failed run cannot be resumed. A run that a later run has
// already deployed over fails with ErrSuperseded.
func (p *Pipeline) Resume(ctx context.Context, runID string) (*Result, error) {
	run, err := p.db.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	switch State(run.State) {
	case StateCompleted:
		log.Printf("Run %s already completed", run.ID)
		return p.Inspect(ctx, run.ID)
	case StateFailed:
		return nil, stage.Validation(stage.CodeInvalidInput,
			fmt.Errorf("run %s failed and cannot be resumed: %s", run.ID, run.Error))
	}

	release, err := p.locks.Acquire(ctx, run.Project, run.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	results, err := p.db.StageResults(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	e := &execution{run: run, x: stage.NewExecutor(run.ID, p.db)}
	start, err := p.restore(ctx, e, results)
	if err != nil {
		return nil, err
	}
	if start < len(stage.Order) {
		if err := p.checkSuperseded(ctx, run); errors.Is(err, ErrSuperseded) {
			return p.finish(ctx, e, err)
		} else if err != nil {
			return nil, err
		}
		log.Printf("Resuming run %s at %s", run.ID, stage.Order[start])
	}
	return p.execute(ctx, e, start)
}

// checkSuperseded fails a resume when a run created after run has already
// deployed the project. Finishing the older run would replace the newer site.
func (p *Pipeline) checkSuperseded(ctx context.Context, run *database.Run) error {
	latest, err := p.db.LatestDeployment(ctx, run.Project)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if latest.RunID == run.ID {
		return nil
	}
	owner, err := p.db.GetRun(ctx, latest.RunID)
	if err != nil {
		return err
	}
	if !owner.CreatedAt.After(run.CreatedAt) {
		return nil
	}
	return stage.Fatal(stage.CodeSuperseded,
		fmt.Errorf("%w: run %s deployed %s at %s", ErrSuperseded, owner.ID, run.Project, latest.LiveURL))
}

// Regenerate starts a new run for the same request as parentRunID that
// begins at Generating. It reuses the research output recorded by the parent
// chain and binds the site to snap.
func (p *Pipeline) Regenerate(ctx context.Context, parentRunID string, snap source.Snapshot) (*Result, error) {
	parent, err := p.db.GetRun(ctx, parentRunID)
	if err != nil {
		return nil, err
	}
	agg, err := p.researchOutput(ctx, parent.ID)
	if err != nil {
		return nil, err
	}

	run := p.newRun(parent.Request, parent.ID, stage.Generating)
	release, err := p.locks.Acquire(ctx, run.Project, run.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.db.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	if err := p.db.SaveSnapshot(ctx, run.ID, snap); err != nil {
		return nil, err
	}
	log.Printf("Run %s regenerates %s from run %s", run.ID, run.Project, parent.ID)

	e := &execution{run: run, x: stage.NewExecutor(run.ID, p.db), agg: agg, snap: snap}
	return p.execute(ctx, e, stage.Index(stage.Generating))
}

// Abandon fails an interrupted run that will not be resumed. cause is
// recorded as the run's error.
func (p *Pipeline) Abandon(ctx context.Context, runID string, cause error) error {
	run, err := p.db.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if State(run.State).Terminal() {
		return nil
	}
	release, err := p.locks.Acquire(ctx, run.Project, run.ID)
	if err != nil {
		return err
	}
	defer release()

	run.State = string(StateFailed)
	run.Interrupted = false
	run.Error, run.ErrorCode = cause.Error(), string(stage.CodeOf(cause))
	run.UpdatedAt = p.now().UTC()
	if err := p.db.UpdateRun(ctx, run); err != nil {
		return err
	}
	log.Printf("Run %s abandoned: %v", run.ID, cause)
	return nil
}

// Inspect returns the recorded state of a run without executing anything.
func (p *Pipeline) Inspect(ctx context.Context, runID string) (*Result, error) {
	run, err := p.db.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := p.db.StageResults(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	res := &Result{Run: run, Steps: steps, LogPath: p.runLogPath(run.ID)}
	if last, ok := stage.LastStageStatus(steps, stage.Generating); ok && last.Status == stage.StatusSucceeded {
		_ = json.Unmarshal(last.Output, &res.Output)
	}
	rec, err := p.db.DeploymentForRun(ctx, run.ID)
	if err == nil {
		res.Deployment = rec
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}
	return res, nil
}

// Active returns the run currently holding project, if any.
func (p *Pipeline) Active(project string) (string, bool) {
	return p.locks.Holder(project)
}

func (p *Pipeline) newRun(req site.Request, parentID string, start stage.Name) *database.Run {
	now := p.now().UTC()
	return &database.Run{
		ID:          uuid.NewString(),
		ParentID:    parentID,
		Project:     req.Project(),
		Request:     req,
		Fingerprint: req.Fingerprint(),
		State:       string(StateCreated),
		StartStage:  string(start),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// execute runs stage.Order[start:] in order. Cancellation is checked only
// between stages; a stage that has begun runs to its own conclusion.
func (p *Pipeline) execute(ctx context.Context, e *execution, start int) (*Result, error) {
	var runErr error
	for i := start; i < len(stage.Order); i++ {
		name := stage.Order[i]
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		log.Printf("Stage %d/%d: %s...", i+1, len(stage.Order), describe(name))
		e.run.State = string(stateFor(name))
		e.run.Interrupted = false
		e.run.UpdatedAt = p.now().UTC()
		if err := p.db.UpdateRun(context.WithoutCancel(ctx), e.run); err != nil {
			runErr = err
			break
		}
		if err := e.x.Mark(ctx, name, stage.StatusRunning); err != nil {
			runErr = err
			break
		}

		if _, err := e.x.Run(ctx, name, "", stage.Once, func(opCtx context.Context, _ int) (any, error) {
			return p.runStage(opCtx, name, e)
		}); err != nil {
			runErr = err
			break
		}
	}
	return p.finish(ctx, e, runErr)
}

func describe(n stage.Name) string {
	switch n {
	case stage.Researching:
		return "Researching market insights"
	case stage.Validating:
		return "Validating data source"
	case stage.Generating:
		return "Generating site"
	case stage.Deploying:
		return "Deploying site"
	}
	return string(n)
}

func (p *Pipeline) runStage(ctx context.Context, name stage.Name, e *execution) (any, error) {
	req := e.run.Request
	switch name {
	case stage.Researching:
		profile, err := p.c.Profiles.Get(req.Niche)
		if err != nil {
			return nil, err
		}
		queries := research.QueriesFor(req, profile, p.opts.MaxSources, p.opts.RecencyDays)
		agg, err := p.c.Researcher.ResearchAll(ctx, e.x, req.Niche, queries)
		if err != nil {
			return nil, err
		}
		e.agg = agg
		return agg, nil

	case stage.Validating:
		snap, err := p.c.Validator.Validate(ctx, e.x, req.Source)
		if err != nil {
			return nil, err
		}
		if err := p.db.SaveSnapshot(ctx, e.run.ID, snap); err != nil {
			return nil, err
		}
		e.snap = snap
		return snap, nil

	case stage.Generating:
		out, err := p.c.Generator.Generate(req, e.agg, e.snap)
		if err != nil {
			return nil, err
		}
		e.out = out
		return out, nil

	case stage.Deploying:
		rec, err := p.deploymentRecord(ctx, e)
		if err != nil {
			return nil, err
		}
		rec, err = p.c.Deployer.Deploy(ctx, e.x, rec, site.FormatBrand(req.BrandName).Display)
		e.rec = rec
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
	return nil, stage.Fatal(stage.CodeInternal, fmt.Errorf("unknown stage %q", name))
}

// deploymentRecord returns the run's unfinished record, or a new pending one.
func (p *Pipeline) deploymentRecord(ctx context.Context, e *execution) (*deploy.Record, error) {
	if e.rec != nil && e.rec.Status != deploy.StatusFailed {
		return e.rec, nil
	}
	rec, err := p.db.DeploymentForRun(ctx, e.run.ID)
	switch {
	case err == nil && rec.Status != deploy.StatusFailed:
		return rec, nil
	case err != nil && !errors.Is(err, database.ErrNotFound):
		return nil, err
	}

	dir := e.out.Dir
	if dir == "" {
		dir = generate.Dir(e.run.Request)
	}
	rec = deploy.NewRecord(e.run.ID, e.run.Project, dir, e.run.Request.Source.String(), e.snap.Fingerprint(), p.now().UTC())
	if err := p.db.SaveDeployment(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// finish settles the run state. Transient failures and cancellation leave
// the run interrupted in its current state so it can be resumed; anything
// else fails it.
func (p *Pipeline) finish(ctx context.Context, e *execution, runErr error) (*Result, error) {
	dbCtx := context.WithoutCancel(ctx)
	run := e.run
	run.UpdatedAt = p.now().UTC()

	switch {
	case runErr == nil:
		run.State = string(StateCompleted)
		run.Interrupted = false
		run.Error, run.ErrorCode = "", ""
	case interrupted(ctx, runErr):
		run.Interrupted = true
		run.Error, run.ErrorCode = runErr.Error(), string(stage.CodeOf(runErr))
	default:
		run.State = string(StateFailed)
		run.Interrupted = false
		run.Error, run.ErrorCode = runErr.Error(), string(stage.CodeOf(runErr))
	}
	if err := p.db.UpdateRun(dbCtx, run); err != nil {
		log.Printf("Failed to update run %s: %v", run.ID, err)
	}

	res := &Result{Run: run, Output: e.out, Deployment: e.rec}
	steps, err := p.db.StageResults(dbCtx, run.ID)
	if err != nil {
		log.Printf("Failed to read run log %s: %v", run.ID, err)
	}
	res.Steps = steps
	if path, err := p.writeRunLog(run, steps, e.rec); err != nil {
		log.Printf("Failed to export run log %s: %v", run.ID, err)
	} else {
		res.LogPath = path
	}

	switch {
	case runErr == nil:
		url := ""
		if e.rec != nil {
			url = e.rec.LiveURL
		}
		log.Printf("Run %s completed: %s", run.ID, url)
	case run.Interrupted:
		log.Printf("Run %s interrupted in %s: %v", run.ID, run.State, runErr)
	default:
		log.Printf("Run %s failed in %s: %v", run.ID, run.State, runErr)
	}
	return res, runErr
}

func interrupted(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return stage.KindOf(err) == stage.KindTransient
}

// restore loads outputs of the stages that already succeeded and returns the
// index of the first stage left to run.
func (p *Pipeline) restore(ctx context.Context, e *execution, results []stage.Result) (int, error) {
	start := stage.Index(stage.Name(e.run.StartStage))
	if start < 0 {
		start = 0
	}
	if start > stage.Index(stage.Researching) {
		agg, err := p.researchOutput(ctx, e.run.ParentID)
		if err != nil {
			return 0, err
		}
		e.agg = agg
	}
	if start > stage.Index(stage.Validating) {
		snap, err := p.db.SnapshotForRun(ctx, e.run.ID)
		if err != nil {
			return 0, err
		}
		e.snap = snap
	}

	for i := start; i < len(stage.Order); i++ {
		name := stage.Order[i]
		last, ok := stage.LastStageStatus(results, name)
		if !ok || last.Status != stage.StatusSucceeded {
			return i, nil
		}
		if err := e.restoreOutput(name, last.Output); err != nil {
			return 0, stage.Fatal(stage.CodeInternal, fmt.Errorf("restoring %s output of run %s: %w", name, e.run.ID, err))
		}
	}
	return len(stage.Order), nil
}

func (e *execution) restoreOutput(name stage.Name, data json.RawMessage) error {
	switch name {
	case stage.Researching:
		return json.Unmarshal(data, &e.agg)
	case stage.Validating:
		return json.Unmarshal(data, &e.snap)
	case stage.Generating:
		return json.Unmarshal(data, &e.out)
	case stage.Deploying:
		e.rec = &deploy.Record{}
		return json.Unmarshal(data, e.rec)
	}
	return nil
}

// researchOutput finds the research output for runID, following parent
// runs that skipped the research stage.
func (p *Pipeline) researchOutput(ctx context.Context, runID string) (research.Aggregate, error) {
	for id := runID; id != ""; {
		results, err := p.db.StageResults(ctx, id)
		if err != nil {
			return research.Aggregate{}, err
		}
		if last, ok := stage.LastStageStatus(results, stage.Researching); ok && last.Status == stage.StatusSucceeded {
			var agg research.Aggregate
			if err := json.Unmarshal(last.Output, &agg); err != nil {
				return agg, stage.Fatal(stage.CodeInternal, fmt.Errorf("decoding research output of run %s: %w", id, err))
			}
			return agg, nil
		}
		run, err := p.db.GetRun(ctx, id)
		if err != nil {
			return research.Aggregate{}, err
		}
		id = run.ParentID
	}
	return research.Aggregate{}, stage.Validation(stage.CodeInvalidInput,
		fmt.Errorf("no completed research found for run %s", runID))
}
