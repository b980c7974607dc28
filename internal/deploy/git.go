package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/TobiSchelling/SiteForge/internal/stage"
)

const remoteName = "origin"

// GitConfig configures the version-control publisher.
type GitConfig struct {
	RemoteURL   string
	Branch      string
	AuthorName  string
	AuthorEmail string
	Token       string
	// Force overwrites remote history. Off unless explicitly configured.
	Force bool
}

// GitPublisher commits a site directory and pushes it to a remote.
type GitPublisher struct {
	cfg GitConfig
	now func() time.Time
}

// NewGitPublisher creates a publisher. Without a remote URL, commits stay local.
func NewGitPublisher(cfg GitConfig) *GitPublisher {
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.AuthorName == "" {
		cfg.AuthorName = "SiteForge"
	}
	if cfg.AuthorEmail == "" {
		cfg.AuthorEmail = "siteforge@localhost"
	}
	return &GitPublisher{cfg: cfg, now: time.Now}
}

// Publish implements Publisher. Publishing an unchanged tree reuses the
// current HEAD commit.
func (p *GitPublisher) Publish(ctx context.Context, dir, message string) (PublishResult, error) {
	branch := plumbing.NewBranchReferenceName(p.cfg.Branch)

	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInitWithOptions(dir, &git.PlainInitOptions{
			InitOptions: git.InitOptions{DefaultBranch: branch},
		})
	}
	if err != nil {
		return PublishResult{}, stage.Fatal(stage.CodePublishFailed, fmt.Errorf("opening repository %s: %w", dir, err))
	}

	wt, err := repo.Worktree()
	if err != nil {
		return PublishResult{}, stage.Fatal(stage.CodePublishFailed, fmt.Errorf("worktree: %w", err))
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return PublishResult{}, stage.Fatal(stage.CodePublishFailed, fmt.Errorf("staging files: %w", err))
	}

	sig := &object.Signature{Name: p.cfg.AuthorName, Email: p.cfg.AuthorEmail, When: p.now()}
	hash, err := wt.Commit(message, &git.CommitOptions{Author: sig, Committer: sig})
	if errors.Is(err, git.ErrEmptyCommit) {
		head, headErr := repo.Head()
		if headErr != nil {
			return PublishResult{}, stage.Fatal(stage.CodePublishFailed, fmt.Errorf("resolving HEAD: %w", headErr))
		}
		hash = head.Hash()
		err = nil
	}
	if err != nil {
		return PublishResult{}, stage.Fatal(stage.CodePublishFailed, fmt.Errorf("committing: %w", err))
	}

	res := PublishResult{Repository: dir, Commit: hash.String()}
	if p.cfg.RemoteURL == "" {
		return res, nil
	}
	res.Repository = p.cfg.RemoteURL

	if err := ensureRemote(repo, p.cfg.RemoteURL); err != nil {
		return PublishResult{}, err
	}

	opts := &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{config.RefSpec(branch + ":" + branch)},
		Force:      p.cfg.Force,
	}
	if p.cfg.Token != "" {
		opts.Auth = &githttp.BasicAuth{Username: "token", Password: p.cfg.Token}
	}

	err = repo.PushContext(ctx, opts)
	switch {
	case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
		return res, nil
	case errors.Is(err, git.ErrNonFastForwardUpdate):
		return PublishResult{}, stage.Validation(stage.CodePublishFailed, fmt.Errorf("remote %s has diverged; refusing to overwrite", p.cfg.RemoteURL))
	case errors.Is(err, transport.ErrAuthenticationRequired), errors.Is(err, transport.ErrAuthorizationFailed), errors.Is(err, transport.ErrRepositoryNotFound):
		return PublishResult{}, stage.Validation(stage.CodePublishFailed, fmt.Errorf("pushing to %s: %w", p.cfg.RemoteURL, err))
	default:
		return PublishResult{}, stage.Transient(stage.CodeNetwork, fmt.Errorf("pushing to %s: %w", p.cfg.RemoteURL, err))
	}
}

func ensureRemote(repo *git.Repository, url string) error {
	remote, err := repo.Remote(remoteName)
	if errors.Is(err, git.ErrRemoteNotFound) {
		_, err = repo.CreateRemote(&config.RemoteConfig{Name: remoteName, URLs: []string{url}})
		if err != nil {
			return stage.Fatal(stage.CodePublishFailed, fmt.Errorf("adding remote: %w", err))
		}
		return nil
	}
	if err != nil {
		return stage.Fatal(stage.CodePublishFailed, fmt.Errorf("reading remote: %w", err))
	}
	if urls := remote.Config().URLs; len(urls) == 0 || urls[0] != url {
		if err := repo.DeleteRemote(remoteName); err != nil {
			return stage.Fatal(stage.CodePublishFailed, fmt.Errorf("replacing remote: %w", err))
		}
		if _, err := repo.CreateRemote(&config.RemoteConfig{Name: remoteName, URLs: []string{url}}); err != nil {
			return stage.Fatal(stage.CodePublishFailed, fmt.Errorf("replacing remote: %w", err))
		}
	}
	return nil
}
