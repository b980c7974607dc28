package research

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/SiteForge/internal/cache"
	"github.com/TobiSchelling/SiteForge/internal/ratelimit"
	"github.com/TobiSchelling/SiteForge/internal/stage"
)

type fakeProvider struct {
	mu    sync.Mutex
	calls int
	fn    func(q Query, source, call int) ([]Insight, error)
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Gather(_ context.Context, q Query, source int) ([]Insight, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(q, source, call)
	}
	return []Insight{{Title: fmt.Sprintf("%s insight %d", q.Topic, source)}}, nil
}

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var fastPolicy = stage.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func newCoordinator(p Provider, interval time.Duration) (*Coordinator, *cache.Cache[InsightSet]) {
	c := cache.New[InsightSet](time.Hour)
	l := ratelimit.New(interval, nil)
	return NewCoordinator(p, c, l, fastPolicy, 0), c
}

func techQuery() Query {
	return Query{Topic: "Laptop Deals", FocusAreas: []string{"Pricing", "reviews"}, Niche: "tech", MaxSources: 2, RecencyDays: 14}
}

func TestResearchSecondIdenticalQueryHitsCache(t *testing.T) {
	p := &fakeProvider{}
	coord, _ := newCoordinator(p, 0)
	x := stage.NewExecutor("run-1", stage.NewLog())

	first, err := coord.Research(context.Background(), x, techQuery())
	require.NoError(t, err)
	require.Len(t, first.Insights, 2)
	assert.Equal(t, 2, p.Calls())

	// Same query with different casing, spacing and focus order.
	again := Query{Topic: "  laptop   DEALS ", FocusAreas: []string{"reviews", "pricing", "Pricing"}, Niche: "TECH", MaxSources: 2, RecencyDays: 14}
	second, err := coord.Research(context.Background(), x, again)
	require.NoError(t, err)

	assert.Equal(t, 2, p.Calls(), "cache hit must not call the provider")
	assert.Equal(t, first, second)
}

func TestResearchCacheHitSkipsRateLimiter(t *testing.T) {
	p := &fakeProvider{}
	// One grant per hour: a second acquisition would block.
	coord, _ := newCoordinator(p, time.Hour)
	x := stage.NewExecutor("run-1", stage.NewLog())
	q := techQuery()
	q.MaxSources = 1

	_, err := coord.Research(context.Background(), x, q)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := coord.Research(context.Background(), x, q)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("cache hit blocked on the rate limiter")
	}
	assert.Equal(t, 1, p.Calls())
}

func TestResearchExpiredEntryCallsProviderAgain(t *testing.T) {
	p := &fakeProvider{}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := cache.New[InsightSet](time.Hour).WithClock(func() time.Time { return now })
	coord := NewCoordinator(p, c, ratelimit.New(0, nil), fastPolicy, 0)
	x := stage.NewExecutor("run-1", stage.NewLog())

	_, err := coord.Research(context.Background(), x, techQuery())
	require.NoError(t, err)

	now = now.Add(time.Hour + time.Second)
	_, err = coord.Research(context.Background(), x, techQuery())
	require.NoError(t, err)
	assert.Equal(t, 4, p.Calls())
}

func TestResearchRetriesTransientFailures(t *testing.T) {
	p := &fakeProvider{fn: func(q Query, source, call int) ([]Insight, error) {
		if call == 1 {
			return nil, &stage.HTTPStatusError{StatusCode: 503}
		}
		return []Insight{{Title: "ok"}}, nil
	}}
	coord, _ := newCoordinator(p, 0)
	rl := stage.NewLog()
	x := stage.NewExecutor("run-1", rl)
	q := techQuery()
	q.MaxSources = 1

	set, err := coord.Research(context.Background(), x, q)
	require.NoError(t, err)
	assert.False(t, set.Partial)
	assert.Len(t, set.Insights, 1)

	results := rl.Results()
	require.Len(t, results, 2)
	assert.Equal(t, stage.StatusRetried, results[0].Status)
	assert.Equal(t, stage.StatusSucceeded, results[1].Status)
	assert.NotEmpty(t, results[0].Step)
}

func TestResearchPartialResultsAreFlaggedAndNotCached(t *testing.T) {
	p := &fakeProvider{fn: func(q Query, source, call int) ([]Insight, error) {
		if source == 1 {
			return nil, stage.Validation(stage.CodeInvalidInput, errors.New("bad angle"))
		}
		return []Insight{{Title: "only one"}}, nil
	}}
	coord, c := newCoordinator(p, 0)
	x := stage.NewExecutor("run-1", stage.NewLog())

	set, err := coord.Research(context.Background(), x, techQuery())
	require.NoError(t, err)
	assert.True(t, set.Partial)
	assert.Equal(t, 1, set.Failed)
	assert.Len(t, set.Insights, 1)
	assert.Equal(t, 0, c.Len())
}

func TestResearchZeroResultsIsHardFailure(t *testing.T) {
	p := &fakeProvider{fn: func(q Query, source, call int) ([]Insight, error) {
		return nil, &stage.HTTPStatusError{StatusCode: 500}
	}}
	coord, _ := newCoordinator(p, 0)
	x := stage.NewExecutor("run-1", stage.NewLog())

	_, err := coord.Research(context.Background(), x, techQuery())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoInsights)
	assert.Equal(t, stage.KindFatal, stage.KindOf(err))
	assert.Equal(t, 6, p.Calls(), "two sources, three attempts each")
}

func TestResearchRejectsInvalidQuery(t *testing.T) {
	p := &fakeProvider{}
	coord, _ := newCoordinator(p, 0)
	x := stage.NewExecutor("run-1", stage.NewLog())

	_, err := coord.Research(context.Background(), x, Query{Niche: "tech"})
	require.Error(t, err)
	assert.Equal(t, stage.KindValidation, stage.KindOf(err))
	assert.Equal(t, 0, p.Calls())
}

func TestResearchConcurrentSourcesShareLimiter(t *testing.T) {
	var inFlight, maxInFlight int32
	p := &fakeProvider{fn: func(q Query, source, call int) ([]Insight, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return []Insight{{Title: fmt.Sprintf("s%d", source)}}, nil
	}}
	coord, _ := newCoordinator(p, 20*time.Millisecond)
	x := stage.NewExecutor("run-1", stage.NewLog())
	q := techQuery()
	q.MaxSources = 3

	start := time.Now()
	set, err := coord.Research(context.Background(), x, q)
	require.NoError(t, err)
	assert.Len(t, set.Insights, 3)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

func TestResearchAllAggregatesAndDegrades(t *testing.T) {
	p := &fakeProvider{fn: func(q Query, source, call int) ([]Insight, error) {
		if q.Topic == "broken topic" {
			return nil, stage.Fatal(stage.CodeInternal, errors.New("boom"))
		}
		return []Insight{{Title: q.Topic, Tags: []string{"Deals", "laptops"}}}, nil
	}}
	coord, _ := newCoordinator(p, 0)
	x := stage.NewExecutor("run-1", stage.NewLog())

	queries := []Query{
		{Topic: "laptops", Niche: "tech", MaxSources: 1},
		{Topic: "broken topic", Niche: "tech", MaxSources: 1},
	}
	agg, err := coord.ResearchAll(context.Background(), x, "tech", queries)
	require.NoError(t, err)
	assert.True(t, agg.Partial)
	assert.Len(t, agg.Sets, 1)
	assert.Len(t, agg.Failures, 1)
	assert.Equal(t, []string{"deals", "laptops"}, agg.Keywords())
	assert.Contains(t, agg.Markdown(), "## Laptops")
}

func TestResearchAllFailsWhenNothingSucceeds(t *testing.T) {
	p := &fakeProvider{fn: func(q Query, source, call int) ([]Insight, error) {
		return nil, nil
	}}
	coord, _ := newCoordinator(p, 0)
	x := stage.NewExecutor("run-1", stage.NewLog())

	_, err := coord.ResearchAll(context.Background(), x, "tech", []Query{{Topic: "laptops", Niche: "tech", MaxSources: 1}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoInsights)
}
