// Package deploy publishes generated sites to version control and a hosting
// platform, and records the resulting deployment.
package deploy

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrLiveURLSet is returned when a record's live URL would be overwritten.
var ErrLiveURLSet = errors.New("deployment live URL already set")

// Status is the lifecycle state of a deployment record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusPartial  Status = "partial"
	StatusDeployed Status = "deployed"
	StatusFailed   Status = "failed"
)

// Record describes one deployment of a generated site. A record is
// superseded by a newer one for the same project, never rewritten to point
// somewhere else.
type Record struct {
	ID                  string    `json:"id"`
	RunID               string    `json:"run_id"`
	Project             string    `json:"project"`
	Dir                 string    `json:"dir"`
	Repository          string    `json:"repository,omitempty"`
	Commit              string    `json:"commit,omitempty"`
	Host                string    `json:"host,omitempty"`
	BuildRef            string    `json:"build_ref,omitempty"`
	LiveURL             string    `json:"live_url,omitempty"`
	DataSource          string    `json:"data_source"`
	SnapshotFingerprint string    `json:"snapshot_fingerprint"`
	Status              Status    `json:"status"`
	Verified            bool      `json:"verified"`
	Error               string    `json:"error,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// NewRecord creates a pending record for a run.
func NewRecord(runID, project, dir, dataSource, snapshotFingerprint string, now time.Time) *Record {
	return &Record{
		ID:                  uuid.NewString(),
		RunID:               runID,
		Project:             project,
		Dir:                 dir,
		DataSource:          dataSource,
		SnapshotFingerprint: snapshotFingerprint,
		Status:              StatusPending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// SetLiveURL records where the site is served. It may be called once.
func (r *Record) SetLiveURL(url string) error {
	if r.LiveURL != "" {
		return ErrLiveURLSet
	}
	r.LiveURL = url
	return nil
}

// Published reports whether the version-control step has completed.
func (r *Record) Published() bool {
	return r.Commit != ""
}
