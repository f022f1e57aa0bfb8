/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package aggregate converges the patch artifacts of one run into at most
// one commit on the aggregate repository.
//
// The aggregator is the only writer the aggregate working copy ever sees.
// Job pipelines hand it disjoint artifacts (destination uniqueness is
// enforced at config time and re-checked here), it applies them in sequence
// with three-way merge fallback, and it either commits the combined result
// as exactly one commit or rolls every touched destination back to its
// prior HEAD state. Local edits outside the destinations are tolerated and
// survive both success and rollback.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"chainguard.dev/treesync/gitexec"
	"chainguard.dev/treesync/patch"
)

// State names a stage of the aggregation lifecycle. Collecting and Applying
// are transitional; the rest are terminal and reported in the Outcome.
type State string

const (
	StateCollecting State = "Collecting"
	StateApplying   State = "Applying"
	StateCommitted  State = "Committed"
	StateNoOpClean  State = "NoOpClean"
	StateDryRun     State = "DryRun"
	StateFailed     State = "Failed"
)

// ErrDirty indicates foreign changes sitting where the run is about to
// write: either staged index entries (which a commit would sweep in) or
// local modifications under an artifact's destination.
var ErrDirty = errors.New("aggregate repository has local changes in the way")

// ApplyError is a hard conflict: an artifact did not apply to the working
// copy, three-way fallback included.
type ApplyError struct {
	Destination string
	Err         error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("applying artifact for %s: %v", e.Destination, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// Outcome is the terminal result of one aggregation.
type Outcome struct {
	State State

	// Commit is the hash of the aggregate commit, set when Committed.
	Commit string

	// Applied lists the destinations whose artifacts were applied (or, for
	// a dry run, would have been committed), in application order.
	Applied []string
}

// Aggregator applies artifacts to one aggregate repository working copy.
type Aggregator struct {
	dir     string
	message string
	author  string
	email   string
	dryRun  bool
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithCommitMessage overrides the deterministic commit message.
func WithCommitMessage(message string) Option {
	return func(a *Aggregator) { a.message = message }
}

// WithAuthor sets the commit author identity.
func WithAuthor(name, email string) Option {
	return func(a *Aggregator) { a.author, a.email = name, email }
}

// WithDryRun makes the aggregator apply and report, then roll back instead
// of committing.
func WithDryRun(dryRun bool) Option {
	return func(a *Aggregator) { a.dryRun = dryRun }
}

// New constructs an Aggregator for the repository working copy at dir.
func New(dir string, opts ...Option) *Aggregator {
	a := &Aggregator{
		dir:     dir,
		message: "sync external sources",
		author:  "treesync",
		email:   "treesync@localhost",
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Preflight verifies the repository is in a state the run can safely write
// to: it opens as a git repository, its index holds nothing staged, and the
// given destinations have no local changes. Wrapped ErrDirty on violation.
// The pipeline calls this before any fetch work so a doomed run fails fast.
func (a *Aggregator) Preflight(ctx context.Context, destinations ...string) error {
	if _, err := git.PlainOpen(a.dir); err != nil {
		return fmt.Errorf("opening aggregate repository %s: %w", a.dir, err)
	}
	staged, err := gitexec.StagedDiff(ctx, a.dir)
	if err != nil {
		return err
	}
	if len(staged) > 0 {
		return fmt.Errorf("%w: index has staged changes; commit or unstage them first", ErrDirty)
	}
	if len(destinations) == 0 {
		return nil
	}
	lines, err := gitexec.Status(ctx, a.dir, destinations...)
	if err != nil {
		return err
	}
	if len(lines) > 0 {
		return fmt.Errorf("%w: %s", ErrDirty, strings.Join(preview(lines, 5), ", "))
	}
	return nil
}

// Run drives the aggregation state machine over one run's artifacts. The
// returned Outcome always carries a terminal state, Failed when err is
// non-nil. Run never cancels mid-apply; callers that want a superseding
// shutdown to let the writer finish pass a context detached from
// cancellation.
func (a *Aggregator) Run(ctx context.Context, artifacts []*patch.Artifact) (*Outcome, error) {
	log := clog.FromContext(ctx)

	log.Debugf("aggregation state: %s", StateCollecting)
	var pending []*patch.Artifact
	seen := map[string]bool{}
	for _, artifact := range artifacts {
		if artifact == nil || artifact.Empty() {
			continue
		}
		if seen[artifact.Destination] {
			return &Outcome{State: StateFailed},
				fmt.Errorf("artifacts collide on destination %q", artifact.Destination)
		}
		seen[artifact.Destination] = true
		pending = append(pending, artifact)
	}
	if len(pending) == 0 {
		log.Infof("no artifacts to apply; aggregate is already converged")
		return &Outcome{State: StateNoOpClean}, nil
	}

	destinations := make([]string, 0, len(pending))
	for _, artifact := range pending {
		destinations = append(destinations, artifact.Destination)
	}
	if err := a.Preflight(ctx, destinations...); err != nil {
		// Nothing was applied, so nothing is rolled back: the foreign
		// changes stay exactly as found.
		return &Outcome{State: StateFailed}, err
	}

	log.Debugf("aggregation state: %s", StateApplying)
	for _, artifact := range pending {
		files, adds, dels := artifact.Stats()
		log.Infof("applying %s: %d file(s), +%d -%d", artifact.Destination, files, adds, dels)
		if err := gitexec.ApplyPatch(ctx, a.dir, artifact.Data); err != nil {
			applyErr := &ApplyError{Destination: artifact.Destination, Err: err}
			if rbErr := a.rollback(ctx, destinations); rbErr != nil {
				return &Outcome{State: StateFailed},
					fmt.Errorf("%w (rollback also failed: %v)", applyErr, rbErr)
			}
			log.Errorf("aggregation failed, destinations rolled back: %v", applyErr)
			return &Outcome{State: StateFailed}, applyErr
		}
	}

	if a.dryRun {
		log.Infof("dry run: rolling back %d applied artifact(s) without committing", len(pending))
		if err := a.rollback(ctx, destinations); err != nil {
			return &Outcome{State: StateFailed}, fmt.Errorf("rolling back dry run: %w", err)
		}
		return &Outcome{State: StateDryRun, Applied: destinations}, nil
	}

	hash, err := a.commit()
	if errors.Is(err, git.ErrEmptyCommit) {
		return &Outcome{State: StateNoOpClean, Applied: destinations}, nil
	}
	if err != nil {
		if rbErr := a.rollback(ctx, destinations); rbErr != nil {
			return &Outcome{State: StateFailed},
				fmt.Errorf("committing: %w (rollback also failed: %v)", err, rbErr)
		}
		return &Outcome{State: StateFailed}, fmt.Errorf("committing: %w", err)
	}
	log.Infof("committed %s (%d destination(s))", hash, len(pending))
	return &Outcome{State: StateCommitted, Commit: hash, Applied: destinations}, nil
}

// commit produces the single aggregate commit from the index, which the
// applied artifacts already populated.
func (a *Aggregator) commit() (string, error) {
	repo, err := git.PlainOpen(a.dir)
	if err != nil {
		return "", err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", err
	}
	hash, err := wt.Commit(a.message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  a.author,
			Email: a.email,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

// rollback restores every given destination to its prior HEAD state and
// removes untracked leftovers beneath them. Paths outside the destinations
// are never touched. On a repository with no commits yet there is no HEAD
// to restore from, so rollback reduces to unstaging and cleaning.
func (a *Aggregator) rollback(ctx context.Context, destinations []string) error {
	repo, err := git.PlainOpen(a.dir)
	if err != nil {
		return err
	}
	unborn := false
	if _, err := repo.Head(); err != nil {
		if !errors.Is(err, plumbing.ErrReferenceNotFound) {
			return err
		}
		unborn = true
	}

	for _, dest := range destinations {
		lines, err := gitexec.Status(ctx, a.dir, dest)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			continue
		}
		tracked := false
		for _, line := range lines {
			if !strings.HasPrefix(line, "??") {
				tracked = true
				break
			}
		}
		if tracked {
			if unborn {
				err = gitexec.Unstage(ctx, a.dir, dest)
			} else {
				err = gitexec.Restore(ctx, a.dir, dest)
			}
			if err != nil {
				return err
			}
		}
		if err := gitexec.Clean(ctx, a.dir, dest); err != nil {
			return err
		}
	}
	return nil
}

func preview(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return append(lines[:n:n], fmt.Sprintf("and %d more", len(lines)-n))
}
