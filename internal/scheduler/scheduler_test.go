package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/SiteForge/internal/cache"
	"github.com/TobiSchelling/SiteForge/internal/database"
	"github.com/TobiSchelling/SiteForge/internal/deploy"
	"github.com/TobiSchelling/SiteForge/internal/generate"
	"github.com/TobiSchelling/SiteForge/internal/pipeline"
	"github.com/TobiSchelling/SiteForge/internal/ratelimit"
	"github.com/TobiSchelling/SiteForge/internal/research"
	"github.com/TobiSchelling/SiteForge/internal/site"
	"github.com/TobiSchelling/SiteForge/internal/source"
	"github.com/TobiSchelling/SiteForge/internal/stage"
)

var fastPolicy = stage.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

type countingProvider struct {
	calls atomic.Int32
}

func (p *countingProvider) Name() string { return "counting" }

func (p *countingProvider) Gather(_ context.Context, q research.Query, source int) ([]research.Insight, error) {
	p.calls.Add(1)
	return []research.Insight{{Title: fmt.Sprintf("%s %d", q.Topic, source), Summary: "summary"}}, nil
}

type numberedHost struct {
	calls atomic.Int32
	// failures is the number of upcoming deploys that fail transiently.
	failures atomic.Int32
}

func (h *numberedHost) Name() string { return "numbered" }

func (h *numberedHost) Deploy(_ context.Context, project, _ string) (deploy.HostResult, error) {
	n := h.calls.Add(1)
	if h.failures.Add(-1) >= 0 {
		return deploy.HostResult{}, stage.Transient(stage.CodeUnavailable, errors.New("build queue full"))
	}
	h.failures.Store(0)
	return deploy.HostResult{BuildRef: fmt.Sprint(n), URL: fmt.Sprintf("https://%s-%d.example.app", project, n)}, nil
}

type fixture struct {
	db       *database.DB
	p        *pipeline.Pipeline
	s        *Scheduler
	cache    *cache.Cache[research.InsightSet]
	provider *countingProvider
	host     *numberedHost
	rows     atomic.Int32
	columns  atomic.Value
	onFetch  atomic.Value
	req      site.Request
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{provider: &countingProvider{}, host: &numberedHost{}}
	f.rows.Store(5)
	f.columns.Store("Product Name,Price,Image URL,Affiliate Link,Category,Stock Status")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hook, ok := f.onFetch.Load().(func()); ok && hook != nil {
			hook()
		}
		header := f.columns.Load().(string)
		w.Header().Set("Content-Type", "text/csv")
		var b strings.Builder
		b.WriteString(header + "\n")
		cols := strings.Count(header, ",") + 1
		for i := 1; i <= int(f.rows.Load()); i++ {
			vals := []string{fmt.Sprintf("Gadget %d", i), "19.99", "https://img/x.jpg", fmt.Sprintf("https://aff/%d", i), "audio", "in_stock", "4.5"}
			b.WriteString(strings.Join(vals[:cols], ",") + "\n")
		}
		fmt.Fprint(w, b.String())
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	db, err := database.Open(filepath.Join(dir, "siteforge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	f.db = db

	profiles, err := site.LoadProfiles("")
	require.NoError(t, err)

	limiter := ratelimit.New(0, nil)
	f.cache = cache.New[research.InsightSet](time.Hour)
	coord := research.NewCoordinator(f.provider, f.cache, limiter, fastPolicy, 0)

	sheet := source.NewSheetReader("", time.Second)
	sheet.ExportBase = srv.URL
	validator := source.NewValidator(source.NewAPIReader(time.Second), sheet, nil, limiter, fastPolicy)

	gen, err := generate.New(profiles, nil)
	require.NoError(t, err)
	driver := deploy.NewDriver(nil, f.host, nil, db, "", limiter, fastPolicy)

	f.p = pipeline.New(db, pipeline.Components{
		Profiles:   profiles,
		Researcher: coord,
		Validator:  validator,
		Generator:  gen,
		Deployer:   driver,
	}, pipeline.Options{MaxSources: 1})
	f.s = New(db, f.p, validator, coord, time.Hour)

	f.req, err = site.NewRequest(profiles, "TechDeals Pro", "tech", "", "sheet:sheet123", filepath.Join(dir, "sites"))
	require.NoError(t, err)
	return f
}

func TestCheckOnceWithoutDriftDoesNothing(t *testing.T) {
	f := newFixture(t)
	_, err := f.p.Run(context.Background(), f.req)
	require.NoError(t, err)

	checks, err := f.s.CheckOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.False(t, checks[0].Drifted)
	assert.Empty(t, checks[0].Regenerated)
	assert.Equal(t, checks[0].Previous, checks[0].Current)
	assert.Equal(t, int32(1), f.host.calls.Load())
}

func TestRowAddedTriggersRegenerationFromGenerating(t *testing.T) {
	f := newFixture(t)
	first, err := f.p.Run(context.Background(), f.req)
	require.NoError(t, err)
	researchCalls := f.provider.calls.Load()
	require.NotZero(t, f.cache.Len())

	f.rows.Store(6)
	checks, err := f.s.CheckOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, checks, 1)
	c := checks[0]
	require.NoError(t, c.Err)
	assert.True(t, c.Drifted)
	require.NotEmpty(t, c.Regenerated)

	assert.Equal(t, researchCalls, f.provider.calls.Load(), "regeneration must not research again")
	assert.Zero(t, f.cache.Len(), "cached insights for the niche are invalidated")

	regen, err := f.p.Inspect(context.Background(), c.Regenerated)
	require.NoError(t, err)
	assert.Equal(t, string(pipeline.StateCompleted), regen.Run.State)
	assert.Equal(t, first.Run.ID, regen.Run.ParentID)
	starts := []stage.Name{}
	for _, s := range stage.StageSequence(regen.Steps) {
		if s.Status == stage.StatusRunning {
			starts = append(starts, s.Stage)
		}
	}
	assert.Equal(t, []stage.Name{stage.Generating, stage.Deploying}, starts)

	latest, err := f.db.LatestDeployment(context.Background(), "techdeals-pro")
	require.NoError(t, err)
	assert.Equal(t, c.Regenerated, latest.RunID)
	assert.NotEqual(t, first.Deployment.LiveURL, latest.LiveURL)
	assert.Equal(t, c.Current, latest.SnapshotFingerprint)

	old, err := f.db.GetDeployment(context.Background(), first.Deployment.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Deployment.LiveURL, old.LiveURL, "superseded record keeps its URL")

	// The new deployment is now the baseline.
	checks, err = f.s.CheckOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, checks[0].Drifted)
}

func TestSchemaChangeIsDrift(t *testing.T) {
	f := newFixture(t)
	_, err := f.p.Run(context.Background(), f.req)
	require.NoError(t, err)

	f.columns.Store("Product Name,Price,Image URL,Affiliate Link,Category,Stock Status,Rating")
	checks, err := f.s.CheckOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, checks[0].Drifted)
	assert.NotEmpty(t, checks[0].Regenerated)
}

func TestCancelDuringValidationFinishesCheckWithoutRegenerating(t *testing.T) {
	f := newFixture(t)
	_, err := f.p.Run(context.Background(), f.req)
	require.NoError(t, err)

	f.rows.Store(7)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.onFetch.Store(func() { cancel() })

	checks, err := f.s.CheckOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, checks, 1)
	assert.True(t, checks[0].Drifted, "in-flight validation completes")
	assert.Empty(t, checks[0].Regenerated)

	runs, err := f.db.ListRuns(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
	assert.Equal(t, int32(1), f.host.calls.Load())
}

func TestInterruptedRegenerationIsResumedNotRepeated(t *testing.T) {
	f := newFixture(t)
	first, err := f.p.Run(context.Background(), f.req)
	require.NoError(t, err)

	f.rows.Store(6)
	f.host.failures.Store(int32(fastPolicy.MaxAttempts))
	checks, err := f.s.CheckOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, checks, 1)
	c := checks[0]
	require.Error(t, c.Err)
	assert.Equal(t, stage.KindTransient, stage.KindOf(c.Err))
	assert.False(t, c.Resumed)
	child := c.Regenerated
	require.NotEmpty(t, child)

	// The next two checks see the same drift. The first finishes the
	// interrupted regeneration; the second finds the new baseline.
	checks, err = f.s.CheckOnce(context.Background())
	require.NoError(t, err)
	c = checks[0]
	require.NoError(t, c.Err)
	assert.True(t, c.Resumed)
	assert.Equal(t, child, c.Regenerated)

	checks, err = f.s.CheckOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, checks[0].Drifted)

	runs, err := f.db.ListRuns(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	latest, err := f.db.LatestDeployment(context.Background(), "techdeals-pro")
	require.NoError(t, err)
	assert.Equal(t, child, latest.RunID)
	assert.NotEqual(t, first.Deployment.LiveURL, latest.LiveURL)

	interrupted, err := f.db.InterruptedRuns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, interrupted)
}

func TestInterruptedRegenerationForOlderDataIsAbandoned(t *testing.T) {
	f := newFixture(t)
	_, err := f.p.Run(context.Background(), f.req)
	require.NoError(t, err)

	f.rows.Store(6)
	f.host.failures.Store(int32(fastPolicy.MaxAttempts))
	checks, err := f.s.CheckOnce(context.Background())
	require.NoError(t, err)
	stale := checks[0].Regenerated
	require.NotEmpty(t, stale)

	f.rows.Store(7)
	checks, err = f.s.CheckOnce(context.Background())
	require.NoError(t, err)
	c := checks[0]
	require.NoError(t, c.Err)
	assert.False(t, c.Resumed)
	assert.NotEqual(t, stale, c.Regenerated)

	old, err := f.db.GetRun(context.Background(), stale)
	require.NoError(t, err)
	assert.Equal(t, string(pipeline.StateFailed), old.State)
	assert.False(t, old.Interrupted)
	assert.Equal(t, string(stage.CodeSuperseded), old.ErrorCode)

	latest, err := f.db.LatestDeployment(context.Background(), "techdeals-pro")
	require.NoError(t, err)
	assert.Equal(t, c.Regenerated, latest.RunID)

	interrupted, err := f.db.InterruptedRuns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, interrupted)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.s.interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
