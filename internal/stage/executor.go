// Package stage runs named pipeline stages with bounded retries and records
// every attempt to a run log.
package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds the attempts of one stage or sub-step.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the randomization factor applied to each delay (0..1).
	Jitter float64
}

// Once runs an operation a single time.
var Once = Policy{MaxAttempts: 1}

// DefaultPolicy is used when a caller passes a zero Policy.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	MaxDelay:    30 * time.Second,
	Jitter:      0.5,
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		return DefaultPolicy
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = DefaultPolicy.Jitter
	}
	return p
}

func (p Policy) backoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = p.Jitter
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Operation is one attempt of a stage. The returned value is JSON-encoded into
// the run log when the attempt succeeds.
type Operation func(ctx context.Context, attempt int) (any, error)

// Executor runs operations for a single run and appends every attempt to the
// run's log before returning.
type Executor struct {
	runID    string
	recorder Recorder
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor that records to recorder under runID.
func NewExecutor(runID string, recorder Recorder) *Executor {
	return &Executor{
		runID:    runID,
		recorder: recorder,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// RunID returns the run this executor records for.
func (x *Executor) RunID() string {
	return x.runID
}

// Mark appends a stage-level status entry without running anything.
func (x *Executor) Mark(ctx context.Context, name Name, status Status) error {
	now := x.now()
	r := &Result{
		RunID:      x.runID,
		Stage:      name,
		Status:     status,
		StartedAt:  now,
		FinishedAt: now,
	}
	return x.recorder.AppendStageResult(context.WithoutCancel(ctx), r)
}

// Run executes op under policy. Transient failures are retried with
// exponential backoff; validation and fatal failures return immediately.
// The returned Result is the last entry appended for this call.
//
// The operation and the run log append receive a context that is not
// cancelled with ctx so an in-flight remote call can finish and be recorded.
// Cancellation is honored between attempts.
func (x *Executor) Run(ctx context.Context, name Name, step string, policy Policy, op Operation) (Result, error) {
	policy = policy.normalized()
	b := policy.backoff()
	opCtx := context.WithoutCancel(ctx)

	var last Result
	for attempt := 1; ; attempt++ {
		started := x.now()
		out, err := op(opCtx, attempt)
		r := Result{
			RunID:      x.runID,
			Stage:      name,
			Step:       step,
			Attempt:    attempt,
			StartedAt:  started,
			FinishedAt: x.now(),
		}

		if err == nil {
			r.Status = StatusSucceeded
			if out != nil {
				data, mErr := json.Marshal(out)
				if mErr != nil {
					err = Fatal(CodeInternal, fmt.Errorf("encoding %s output: %w", name, mErr))
				} else {
					r.Output = data
				}
			}
		}

		if err != nil {
			kind := KindOf(err)
			r.Error = err.Error()
			r.ErrorKind = kind
			r.ErrorCode = CodeOf(err)
			retry := kind == KindTransient && attempt < policy.MaxAttempts
			if retry {
				r.Status = StatusRetried
			} else {
				r.Status = StatusFailed
			}
			if appendErr := x.recorder.AppendStageResult(opCtx, &r); appendErr != nil {
				return r, fmt.Errorf("recording %s attempt %d: %w", name, attempt, appendErr)
			}
			last = r
			if !retry {
				return last, err
			}

			delay := b.NextBackOff()
			if delay > policy.MaxDelay {
				delay = policy.MaxDelay
			}
			log.Printf("%s%s attempt %d/%d failed (%v), retrying in %s", name, stepSuffix(step), attempt, policy.MaxAttempts, err, delay)
			if sErr := x.sleep(ctx, delay); sErr != nil {
				return last, fmt.Errorf("%s cancelled during retry: %w", name, sErr)
			}
			continue
		}

		if appendErr := x.recorder.AppendStageResult(opCtx, &r); appendErr != nil {
			return r, fmt.Errorf("recording %s attempt %d: %w", name, attempt, appendErr)
		}
		return r, nil
	}
}

func stepSuffix(step string) string {
	if step == "" {
		return ""
	}
	return " [" + step + "]"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
