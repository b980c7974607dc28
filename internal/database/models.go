package database

import (
	"time"

	"github.com/TobiSchelling/SiteForge/internal/site"
)

// Run is one execution of the generation pipeline for a request.
type Run struct {
	ID          string       `json:"id"`
	ParentID    string       `json:"parent_run_id,omitempty"`
	Project     string       `json:"project"`
	Request     site.Request `json:"request"`
	Fingerprint string       `json:"fingerprint"`
	State       string       `json:"state"`
	StartStage  string       `json:"start_stage"`
	Interrupted bool         `json:"interrupted"`
	Error       string       `json:"error,omitempty"`
	ErrorCode   string       `json:"error_code,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Stats contains aggregate database statistics.
type Stats struct {
	Runs          int
	CompletedRuns int
	FailedRuns    int
	Deployments   int
	Projects      int
	Snapshots     int
}
