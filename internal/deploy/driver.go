package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/TobiSchelling/SiteForge/internal/ratelimit"
	"github.com/TobiSchelling/SiteForge/internal/stage"
)

// PublishResult is the outcome of a version-control publish.
type PublishResult struct {
	Repository string
	Commit     string
}

// Publisher pushes a site directory to version control.
type Publisher interface {
	Publish(ctx context.Context, dir, message string) (PublishResult, error)
}

// HostResult is the outcome of a hosting build.
type HostResult struct {
	BuildRef string
	URL      string
}

// Host serves a site directory and reports its live URL.
type Host interface {
	Name() string
	Deploy(ctx context.Context, project, dir string) (HostResult, error)
}

// RecordStore persists deployment records.
type RecordStore interface {
	SaveDeployment(ctx context.Context, r *Record) error
}

// Driver runs the publish and hosting sub-steps of a deployment.
type Driver struct {
	publisher Publisher
	host      Host
	verifier  *Verifier
	store     RecordStore
	recordDir string
	limiter   *ratelimit.Limiter
	policy    stage.Policy
	now       func() time.Time
}

// NewDriver creates a driver. publisher may be nil to skip version control.
// recordDir, when set, receives a JSON copy of every finished record.
func NewDriver(publisher Publisher, host Host, verifier *Verifier, store RecordStore, recordDir string, limiter *ratelimit.Limiter, policy stage.Policy) *Driver {
	if host == nil {
		host = LocalHost{}
	}
	return &Driver{
		publisher: publisher,
		host:      host,
		verifier:  verifier,
		store:     store,
		recordDir: recordDir,
		limiter:   limiter,
		policy:    policy,
		now:       time.Now,
	}
}

// Deploy publishes rec.Dir and triggers the hosting build, each as its own
// retryable step. A record whose publish already succeeded skips straight to
// hosting. If hosting fails after a publish, the record is saved as partial so
// a resumed run only retries the hosting step.
func (d *Driver) Deploy(ctx context.Context, x *stage.Executor, rec *Record, brand string) (*Record, error) {
	if rec.Status == StatusDeployed {
		return rec, nil
	}

	if d.publisher != nil && !rec.Published() {
		var res PublishResult
		_, err := x.Run(ctx, stage.Deploying, "deploy/publish", d.policy, func(opCtx context.Context, attempt int) (any, error) {
			if err := d.limiter.Acquire(opCtx, ratelimit.ChannelDeployment); err != nil {
				return nil, err
			}
			r, err := d.publisher.Publish(opCtx, rec.Dir, fmt.Sprintf("Generate %s (run %s)", rec.Project, rec.RunID))
			if err != nil {
				return nil, err
			}
			res = r
			return r, nil
		})
		if err != nil {
			return rec, d.fail(ctx, rec, StatusPending, stage.CodePublishFailed, err)
		}
		rec.Repository = res.Repository
		rec.Commit = res.Commit
		rec.Status = StatusPartial
		rec.UpdatedAt = d.now()
		if err := d.store.SaveDeployment(ctx, rec); err != nil {
			return rec, fmt.Errorf("saving published deployment: %w", err)
		}
		log.Printf("Published %s at %s", rec.Project, shortRef(rec.Commit))
	}

	var hosted HostResult
	_, err := x.Run(ctx, stage.Deploying, "deploy/host", d.policy, func(opCtx context.Context, attempt int) (any, error) {
		if err := d.limiter.Acquire(opCtx, ratelimit.ChannelDeployment); err != nil {
			return nil, err
		}
		r, err := d.host.Deploy(opCtx, rec.Project, rec.Dir)
		if err != nil {
			return nil, err
		}
		hosted = r
		return r, nil
	})
	if err != nil {
		keep := StatusPending
		if rec.Published() {
			keep = StatusPartial
		}
		return rec, d.fail(ctx, rec, keep, stage.CodeHostingFailed, err)
	}

	if err := rec.SetLiveURL(hosted.URL); err != nil {
		return rec, stage.Fatal(stage.CodeInternal, fmt.Errorf("deployment %s: %w", rec.ID, err))
	}
	rec.Host = d.host.Name()
	rec.BuildRef = hosted.BuildRef
	rec.Status = StatusDeployed
	rec.Error = ""
	if d.verifier != nil {
		rec.Verified = d.verifier.Verify(ctx, rec.LiveURL, brand)
	}
	rec.UpdatedAt = d.now()

	if err := d.store.SaveDeployment(ctx, rec); err != nil {
		return rec, fmt.Errorf("saving deployment: %w", err)
	}
	d.writeRecordFile(rec)
	log.Printf("Deployed %s to %s", rec.Project, rec.LiveURL)
	return rec, nil
}

// fail saves rec with status and returns err tagged with code, keeping its
// kind. Transient failures keep the record resumable; anything else marks
// it failed.
func (d *Driver) fail(ctx context.Context, rec *Record, status Status, code stage.Code, err error) error {
	kind := stage.KindOf(err)
	if kind != stage.KindTransient {
		status = StatusFailed
	}
	rec.Status = status
	rec.Error = err.Error()
	rec.UpdatedAt = d.now()
	if saveErr := d.store.SaveDeployment(ctx, rec); saveErr != nil {
		log.Printf("Failed to save deployment %s: %v", rec.ID, saveErr)
	}
	return &stage.Error{Kind: kind, Code: code, Err: err}
}

func (d *Driver) writeRecordFile(rec *Record) {
	if d.recordDir == "" {
		return
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		log.Printf("Encoding deployment record: %v", err)
		return
	}
	fs := osfs.New(d.recordDir)
	if err := util.WriteFile(fs, rec.Project+"-deployment.json", data, 0o644); err != nil {
		log.Printf("Writing deployment record file: %v", err)
	}
}

func shortRef(ref string) string {
	if len(ref) > 12 {
		return ref[:12]
	}
	return ref
}

// Describe summarizes where Deploy sends a site.
func (d *Driver) Describe() string {
	if d.publisher == nil {
		return "host " + d.host.Name()
	}
	return "git, then host " + d.host.Name()
}
