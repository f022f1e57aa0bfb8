/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package fetch produces plain filesystem snapshots of remote source trees.
//
// A fetch shallow-clones the requested branch without checking it out, then
// materializes only the blobs selected by the job's path filters into a
// scratch directory. The clone itself is discarded once the snapshot exists,
// so downstream transform commands only ever see a plain tree with no git
// metadata to corrupt.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/chainguard-dev/clog"
	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
	"golang.org/x/oauth2"

	"chainguard.dev/treesync/config"
)

// ErrNoBranches indicates the source repository advertises no branch refs at
// all, so there is nothing to mirror and no default branch to resolve.
var ErrNoBranches = errors.New("source repository has no branches")

// Tree is a materialized snapshot of a source subtree.
type Tree struct {
	// Root is the absolute path of the snapshot directory. Transform
	// commands run with this as their working directory.
	Root string

	// Branch is the branch the snapshot was taken from, after default
	// branch resolution.
	Branch string

	// Commit is the hash of the source commit the snapshot reflects.
	Commit string

	// Files counts the regular files, executables, and symlinks that
	// survived path filtering.
	Files int
}

// Close removes the snapshot from disk. Safe to call regardless of how far
// the owning job got.
func (t *Tree) Close() error {
	return os.RemoveAll(filepath.Dir(t.Root))
}

// Fetcher snapshots source repositories.
type Fetcher struct {
	workdir string
	depth   int
	tokens  oauth2.TokenSource
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithWorkDir sets the directory under which per-fetch scratch space is
// allocated. Defaults to the system temp directory.
func WithWorkDir(dir string) Option {
	return func(f *Fetcher) { f.workdir = dir }
}

// WithDepth sets the clone depth. Zero clones full history, which some
// transports require. Defaults to 1 since only the tip tree is read.
func WithDepth(depth int) Option {
	return func(f *Fetcher) { f.depth = depth }
}

// WithTokenSource supplies OAuth tokens for authenticating to sources that
// need them. Tokens are fetched fresh for each remote operation so that
// long runs survive token expiry.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(f *Fetcher) { f.tokens = ts }
}

// New constructs a Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{depth: 1}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch snapshots the subtree of the job's source repository selected by its
// path filters. The returned Tree lives under the fetcher's work directory;
// the caller owns its lifecycle.
func (f *Fetcher) Fetch(ctx context.Context, job config.Job) (*Tree, error) {
	log := clog.FromContext(ctx)

	filter, err := NewFilter(job.PathFilters)
	if err != nil {
		return nil, err
	}

	branch := job.Branch
	if branch == "" {
		branch, err = f.DefaultBranch(ctx, job.Source)
		if err != nil {
			return nil, fmt.Errorf("resolving default branch of %s: %w", job.Source, err)
		}
		log.Infof("resolved default branch of %s to %q", job.Source, branch)
	}

	auth, err := f.auth()
	if err != nil {
		return nil, err
	}

	scratch, err := os.MkdirTemp(f.workdir, "treesync-fetch-*")
	if err != nil {
		return nil, fmt.Errorf("allocating scratch space: %w", err)
	}
	cloneDir := filepath.Join(scratch, "clone")
	repo, err := git.PlainCloneContext(ctx, cloneDir, false, &git.CloneOptions{
		URL:           job.Source,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		NoCheckout:    true,
		Depth:         f.depth,
		Tags:          git.NoTags,
		Auth:          auth,
	})
	if err != nil {
		os.RemoveAll(scratch)
		return nil, fmt.Errorf("cloning %s@%s: %w", job.Source, branch, err)
	}

	head, err := repo.Head()
	if err != nil {
		os.RemoveAll(scratch)
		return nil, fmt.Errorf("reading HEAD of %s: %w", job.Source, err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		os.RemoveAll(scratch)
		return nil, fmt.Errorf("reading commit %s: %w", head.Hash(), err)
	}

	root := filepath.Join(scratch, "tree")
	files, err := snapshot(commit, filter, root)
	if err != nil {
		os.RemoveAll(scratch)
		return nil, fmt.Errorf("materializing %s@%s: %w", job.Source, head.Hash(), err)
	}
	// The snapshot is complete, so the clone is dead weight.
	if err := os.RemoveAll(cloneDir); err != nil {
		log.Warnf("discarding clone of %s: %v", job.Source, err)
	}

	log.Infof("fetched %s@%s at %s (%d files)", job.Source, branch, head.Hash(), files)
	return &Tree{
		Root:   root,
		Branch: branch,
		Commit: head.Hash().String(),
		Files:  files,
	}, nil
}

// DefaultBranch resolves the branch a source repository's HEAD points at,
// without cloning. When the remote does not advertise a symbolic HEAD it
// falls back to the branch whose tip matches the HEAD hash, preferring
// conventional default branch names on ties.
func (f *Fetcher) DefaultBranch(ctx context.Context, url string) (string, error) {
	auth, err := f.auth()
	if err != nil {
		return "", err
	}
	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{url},
	})
	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: auth})
	if err != nil {
		return "", fmt.Errorf("listing refs: %w", err)
	}

	var headHash plumbing.Hash
	var branches []*plumbing.Reference
	for _, ref := range refs {
		switch {
		case ref.Name() == plumbing.HEAD && ref.Type() == plumbing.SymbolicReference:
			if target := ref.Target(); target.IsBranch() {
				return target.Short(), nil
			}
		case ref.Name() == plumbing.HEAD:
			headHash = ref.Hash()
		case ref.Name().IsBranch():
			branches = append(branches, ref)
		}
	}
	if len(branches) == 0 {
		return "", ErrNoBranches
	}

	sort.Slice(branches, func(i, j int) bool {
		return branchRank(branches[i].Name().Short()) < branchRank(branches[j].Name().Short())
	})
	if !headHash.IsZero() {
		for _, ref := range branches {
			if ref.Hash() == headHash {
				return ref.Name().Short(), nil
			}
		}
	}
	return branches[0].Name().Short(), nil
}

func branchRank(name string) string {
	switch name {
	case "main":
		return "0" + name
	case "master":
		return "1" + name
	default:
		return "2" + name
	}
}

func (f *Fetcher) auth() (transport.AuthMethod, error) {
	if f.tokens == nil {
		return nil, nil
	}
	token, err := f.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("fetching auth token: %w", err)
	}
	return &githttp.BasicAuth{
		Username: "unused-when-using-access-tokens",
		Password: token.AccessToken,
	}, nil
}

// snapshot writes the filter-matched files of a commit's tree below root and
// returns how many it wrote. Submodule entries are skipped: a mirror carries
// file content, not gitlinks.
func snapshot(commit *object.Commit, filter Filter, root string) (int, error) {
	tree, err := commit.Tree()
	if err != nil {
		return 0, fmt.Errorf("reading tree: %w", err)
	}
	// The root must exist even when nothing matches, so downstream stages
	// can tell an empty snapshot from a missing one.
	if err := os.MkdirAll(root, 0o755); err != nil {
		return 0, err
	}
	count := 0
	err = tree.Files().ForEach(func(file *object.File) error {
		switch file.Mode {
		case filemode.Regular, filemode.Executable, filemode.Symlink:
		default:
			// Submodules and other exotic modes have no file content.
			return nil
		}
		if !filter.Match(file.Name) {
			return nil
		}
		if err := writeFile(file, root); err != nil {
			return fmt.Errorf("writing %s: %w", file.Name, err)
		}
		count++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func writeFile(file *object.File, root string) error {
	target := filepath.Join(root, filepath.FromSlash(file.Name))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	if file.Mode == filemode.Symlink {
		linkTarget, err := file.Contents()
		if err != nil {
			return err
		}
		return os.Symlink(linkTarget, target)
	}

	perm := os.FileMode(0o644)
	if file.Mode == filemode.Executable {
		perm = 0o755
	}
	r, err := file.Reader()
	if err != nil {
		return err
	}
	defer r.Close()
	w, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
