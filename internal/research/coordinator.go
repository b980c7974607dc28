package research

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/SiteForge/internal/cache"
	"github.com/TobiSchelling/SiteForge/internal/ratelimit"
	"github.com/TobiSchelling/SiteForge/internal/stage"
)

// Provider answers one source's share of a research query. The source index
// lets a provider spread a query over distinct angles or feeds.
type Provider interface {
	Name() string
	Gather(ctx context.Context, q Query, source int) ([]Insight, error)
}

// Coordinator runs research queries through the cache, the rate limiter and
// the stage executor.
type Coordinator struct {
	provider Provider
	cache    *cache.Cache[InsightSet]
	limiter  *ratelimit.Limiter
	policy   stage.Policy
	ttl      time.Duration
}

// NewCoordinator creates a coordinator. A zero ttl uses the cache default.
func NewCoordinator(provider Provider, c *cache.Cache[InsightSet], limiter *ratelimit.Limiter, policy stage.Policy, ttl time.Duration) *Coordinator {
	return &Coordinator{
		provider: provider,
		cache:    c,
		limiter:  limiter,
		policy:   policy,
		ttl:      ttl,
	}
}

// Cached reports whether q has an unexpired cached result.
func (c *Coordinator) Cached(q Query) bool {
	_, ok := c.cache.Get(q.Normalize().Fingerprint())
	return ok
}

// InvalidateNiche drops every cached result gathered for niche and returns
// how many entries were removed.
func (c *Coordinator) InvalidateNiche(niche string) int {
	return c.cache.InvalidateTag(niche)
}

// Research answers a single query. A cached, unexpired result is returned
// without touching the rate limiter or the provider. On a miss, up to
// MaxSources provider calls run concurrently; each is rate limited and
// retried by x. Partial results are returned with Partial set and are not
// cached. When no source yields anything the error wraps ErrNoInsights.
func (c *Coordinator) Research(ctx context.Context, x *stage.Executor, q Query) (InsightSet, error) {
	if err := q.Validate(); err != nil {
		return InsightSet{}, err
	}
	q = q.Normalize()
	fp := q.Fingerprint()

	if set, ok := c.cache.Get(fp); ok {
		log.Printf("Research cache hit for %q (%s)", q.Topic, fp[:12])
		return set, nil
	}

	type outcome struct {
		insights []Insight
		err      error
	}
	outcomes := make([]outcome, q.MaxSources)

	var g errgroup.Group
	for i := 0; i < q.MaxSources; i++ {
		g.Go(func() error {
			var got []Insight
			step := fmt.Sprintf("research/%s#%d", fp[:8], i+1)
			_, err := x.Run(ctx, stage.Researching, step, c.policy, func(opCtx context.Context, attempt int) (any, error) {
				if err := c.limiter.Acquire(opCtx, ratelimit.ChannelResearch); err != nil {
					return nil, err
				}
				res, err := c.provider.Gather(opCtx, q, i)
				if err != nil {
					return nil, err
				}
				got = res
				return map[string]int{"insights": len(res)}, nil
			})
			outcomes[i] = outcome{insights: got, err: err}
			return nil
		})
	}
	_ = g.Wait()

	set := InsightSet{Query: q, Fingerprint: fp, Sources: q.MaxSources}
	var firstErr error
	for _, o := range outcomes {
		if o.err != nil {
			set.Failed++
			if firstErr == nil {
				firstErr = o.err
			}
			continue
		}
		set.Insights = append(set.Insights, o.insights...)
	}
	sortInsights(set.Insights)
	set.Insights = dedupeInsights(set.Insights)

	if len(set.Insights) == 0 {
		if firstErr == nil {
			firstErr = errors.New("sources returned nothing")
		}
		return set, stage.Fatal(stage.CodeNoInsights, fmt.Errorf("%w for %q: %v", ErrNoInsights, q.Topic, firstErr))
	}

	if set.Failed > 0 {
		set.Partial = true
		log.Printf("Research for %q is partial: %d/%d sources failed", q.Topic, set.Failed, set.Sources)
		return set, nil
	}

	c.cache.Put(fp, set, c.ttl, q.Niche)
	return set, nil
}

// ResearchAll runs every query concurrently and aggregates the results. A
// query that fails outright makes the aggregate partial; the call fails only
// when no query produced any insight.
func (c *Coordinator) ResearchAll(ctx context.Context, x *stage.Executor, niche string, queries []Query) (Aggregate, error) {
	if len(queries) == 0 {
		return Aggregate{}, stage.Validation(stage.CodeInvalidConfig, fmt.Errorf("no research queries for niche %q", niche))
	}

	sets := make([]InsightSet, len(queries))
	errs := make([]error, len(queries))

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	for i, q := range queries {
		g.Go(func() error {
			set, err := c.Research(ctx, x, q)
			mu.Lock()
			sets[i], errs[i] = set, err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	agg := Aggregate{Niche: niche}
	var firstErr error
	for i, set := range sets {
		if errs[i] != nil {
			if stage.KindOf(errs[i]) == stage.KindValidation {
				return Aggregate{}, errs[i]
			}
			agg.Partial = true
			agg.Failures = append(agg.Failures, fmt.Sprintf("%s: %v", queries[i].Topic, errs[i]))
			if firstErr == nil {
				firstErr = errs[i]
			}
			continue
		}
		if set.Partial {
			agg.Partial = true
		}
		agg.Sets = append(agg.Sets, set)
	}

	if agg.Count() == 0 {
		return agg, firstErr
	}
	log.Printf("Research complete: %d insights from %d queries (partial=%v)", agg.Count(), len(agg.Sets), agg.Partial)
	return agg, nil
}
