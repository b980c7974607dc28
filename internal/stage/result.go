package stage

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Name identifies a pipeline stage.
type Name string

const (
	Researching Name = "Researching"
	Validating  Name = "Validating"
	Generating  Name = "Generating"
	Deploying   Name = "Deploying"
)

// Order is the fixed execution order of pipeline stages.
var Order = []Name{Researching, Validating, Generating, Deploying}

// Index returns the position of n in Order, or -1.
func Index(n Name) int {
	for i, s := range Order {
		if s == n {
			return i
		}
	}
	return -1
}

// Status is the outcome recorded for a stage or a single attempt.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRetried   Status = "retried"
)

// Result is one entry of a run log. Entries with an empty Step describe the
// stage as a whole; entries with a Step describe one attempt of a sub-step
// (a research source call, a publish, a hosting trigger).
type Result struct {
	RunID      string          `json:"run_id"`
	Seq        int             `json:"seq"`
	Stage      Name            `json:"stage"`
	Step       string          `json:"step,omitempty"`
	Status     Status          `json:"status"`
	Attempt    int             `json:"attempt"`
	Error      string          `json:"error,omitempty"`
	ErrorKind  Kind            `json:"error_kind,omitempty"`
	ErrorCode  Code            `json:"error_code,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// IsStageLevel reports whether r summarizes a whole stage.
func (r Result) IsStageLevel() bool {
	return r.Step == ""
}

// Recorder appends results to a run log. Implementations must assign Seq in
// append order and never modify an appended entry.
type Recorder interface {
	AppendStageResult(ctx context.Context, r *Result) error
}

// Log is an in-memory Recorder.
type Log struct {
	mu      sync.Mutex
	results []Result
}

// NewLog creates an empty in-memory run log.
func NewLog() *Log {
	return &Log{}
}

// AppendStageResult implements Recorder.
func (l *Log) AppendStageResult(_ context.Context, r *Result) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r.Seq = len(l.results) + 1
	l.results = append(l.results, *r)
	return nil
}

// Results returns a copy of the log entries in append order.
func (l *Log) Results() []Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Result, len(l.results))
	copy(out, l.results)
	return out
}

// StageSequence returns the stage-level entries of results in order.
func StageSequence(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if r.IsStageLevel() {
			out = append(out, r)
		}
	}
	return out
}

// LastStageStatus returns the most recent stage-level status recorded for n.
func LastStageStatus(results []Result, n Name) (Result, bool) {
	var last Result
	found := false
	for _, r := range results {
		if r.Stage == n && r.IsStageLevel() {
			last = r
			found = true
		}
	}
	return last, found
}
