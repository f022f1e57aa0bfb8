/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package pipeline_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"

	"chainguard.dev/treesync/aggregate"
	"chainguard.dev/treesync/config"
	"chainguard.dev/treesync/fetch"
	"chainguard.dev/treesync/gitexec"
	"chainguard.dev/treesync/pipeline"
)

func setupRepo(t *testing.T, files map[string]string) (string, *git.Repository) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err, "failed to init repository")
	err = repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main")))
	require.NoError(t, err, "failed to point HEAD at main")

	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.AddWithOptions(&git.AddWithOptions{All: true}))
	_, err = wt.Commit("initial state", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err, "failed to commit fixture")
	return dir, repo
}

// TestDryRunThenCommit drives the exported surface the way an operator
// would: a dry run that must leave the aggregate untouched, then the same
// jobs for real.
func TestDryRunThenCommit(t *testing.T) {
	if err := gitexec.Check(); err != nil {
		t.Skipf("skipping: %v", err)
	}
	if _, err := exec.LookPath("git-upload-pack"); err != nil {
		t.Skip("git-upload-pack not found in PATH")
	}
	ctx := context.Background()

	src, _ := setupRepo(t, map[string]string{
		"docs/guide.md": "guide\n",
		"docs/api.md":   "api\n",
		"main.go":       "package main\n",
	})
	agg, aggRepo := setupRepo(t, map[string]string{"README.md": "aggregate\n"})
	head, err := aggRepo.Head()
	require.NoError(t, err)
	before := head.Hash()

	jobs := []config.Job{{
		Source:         src,
		Branch:         "main",
		PathFilters:    []string{"docs/**"},
		TruncatePrefix: "docs",
		Destination:    "synced/docs",
	}}
	newRunner := func(dryRun bool) *pipeline.Runner {
		return pipeline.New(agg, jobs,
			pipeline.WithWorkDir(t.TempDir()),
			pipeline.WithFetcher(fetch.New(fetch.WithDepth(0), fetch.WithWorkDir(t.TempDir()))),
			pipeline.WithAggregator(aggregate.New(agg, aggregate.WithDryRun(dryRun))),
		)
	}

	// Dry run: the patches must prove they apply, then vanish.
	result, err := newRunner(true).Run(ctx)
	require.NoError(t, err, "dry run failed")
	require.NotNil(t, result.Outcome)
	require.Equal(t, aggregate.StateDryRun, result.Outcome.State)
	require.Equal(t, []string{"synced/docs"}, result.Outcome.Applied)

	head, err = aggRepo.Head()
	require.NoError(t, err)
	require.Equal(t, before, head.Hash(), "dry run moved HEAD")
	lines, err := gitexec.Status(ctx, agg)
	require.NoError(t, err)
	require.Empty(t, lines, "dry run left the worktree dirty")
	require.NoDirExists(t, filepath.Join(agg, "synced"))

	// The real run commits what the dry run previewed.
	result, err = newRunner(false).Run(ctx)
	require.NoError(t, err, "run failed")
	require.Equal(t, aggregate.StateCommitted, result.Outcome.State)
	require.FileExists(t, filepath.Join(agg, "synced", "docs", "guide.md"))
	require.FileExists(t, filepath.Join(agg, "synced", "docs", "api.md"))
	require.NoFileExists(t, filepath.Join(agg, "synced", "docs", "main.go"))

	head, err = aggRepo.Head()
	require.NoError(t, err)
	require.NotEqual(t, before, head.Hash(), "run did not commit")
	lines, err = gitexec.Status(ctx, agg)
	require.NoError(t, err)
	require.Empty(t, lines, "committed run left the worktree dirty")
}
