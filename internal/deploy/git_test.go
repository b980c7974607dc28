package deploy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGitPublisherCommitsAndPushes(t *testing.T) {
	remoteDir := t.TempDir()
	remote, err := git.PlainInit(remoteDir, true)
	require.NoError(t, err)

	siteDir := writeSite(t)
	p := NewGitPublisher(GitConfig{RemoteURL: remoteDir, Branch: "main"})

	res, err := p.Publish(context.Background(), siteDir, "Generate techdeals-pro")
	require.NoError(t, err)
	assert.Equal(t, remoteDir, res.Repository)
	assert.Len(t, res.Commit, 40)

	ref, err := remote.Reference(plumbing.NewBranchReferenceName("main"), true)
	require.NoError(t, err)
	assert.Equal(t, res.Commit, ref.Hash().String())

	// Publishing an unchanged tree is a no-op that reports the same commit.
	again, err := p.Publish(context.Background(), siteDir, "Generate techdeals-pro")
	require.NoError(t, err)
	assert.Equal(t, res.Commit, again.Commit)

	// A changed tree produces a new commit on top.
	require.NoError(t, os.WriteFile(filepath.Join(siteDir, "package.json"), []byte(`{"name": "v2"}`), 0o644))
	next, err := p.Publish(context.Background(), siteDir, "Regenerate")
	require.NoError(t, err)
	assert.NotEqual(t, res.Commit, next.Commit)

	ref, err = remote.Reference(plumbing.NewBranchReferenceName("main"), true)
	require.NoError(t, err)
	assert.Equal(t, next.Commit, ref.Hash().String())
}

func TestGitPublisherLocalOnly(t *testing.T) {
	siteDir := writeSite(t)
	res, err := NewGitPublisher(GitConfig{}).Publish(context.Background(), siteDir, "Generate")
	require.NoError(t, err)
	assert.Equal(t, siteDir, res.Repository)

	repo, err := git.PlainOpen(siteDir)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	assert.Equal(t, res.Commit, head.Hash().String())
	assert.Equal(t, "refs/heads/main", head.Name().String())
}
