/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package pipeline fans a job list out into parallel fetch/transform/
// materialize/extract workers and fans their patch artifacts back into the
// single-writer aggregation stage.
//
// Jobs are fully isolated from one another: each works against its own
// fetched tree and its own scratch clone of the aggregate repository, and a
// job failing (or timing out) at any stage only removes that job's artifact
// from the run. The aggregate working copy is written exactly once, after
// every job has reached a terminal state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"golang.org/x/sync/errgroup"

	"chainguard.dev/treesync/aggregate"
	"chainguard.dev/treesync/config"
	"chainguard.dev/treesync/fetch"
	"chainguard.dev/treesync/gitexec"
	"chainguard.dev/treesync/materialize"
	"chainguard.dev/treesync/patch"
	"chainguard.dev/treesync/transform"
)

// Stage names identify where a job failed.
const (
	StageFetch       = "fetch"
	StageTransform   = "transform"
	StageMaterialize = "materialize"
	StageExtract     = "extract"
)

// JobResult is the terminal record of one job.
type JobResult struct {
	Job config.Job

	// Stage and Err name the failing stage and cause; both zero on success.
	Stage string
	Err   error

	// Branch and Commit identify what was fetched, when fetching succeeded.
	Branch string
	Commit string

	// Changes is what materialization did to the job's scratch destination.
	Changes *materialize.Result

	// Artifact carries the job's delta; nil when the job failed or was a
	// steady-state no-op.
	Artifact *patch.Artifact

	Elapsed time.Duration
}

// Failed reports whether the job reached a failure state.
func (r JobResult) Failed() bool { return r.Err != nil }

// Changed reports whether the job produced an artifact for aggregation.
func (r JobResult) Changed() bool { return r.Artifact != nil && !r.Artifact.Empty() }

func (r JobResult) fail(stage string, err error) JobResult {
	r.Stage, r.Err = stage, err
	return r
}

// RunResult is the terminal record of one pipeline invocation.
type RunResult struct {
	// Jobs holds one result per configured job, in configuration order.
	Jobs []JobResult

	// Outcome is the aggregation result; nil when the run never reached
	// aggregation (cancellation, lock or preflight failure).
	Outcome *aggregate.Outcome

	Elapsed time.Duration
}

// FailedJobs counts jobs that reached a failure state.
func (r *RunResult) FailedJobs() int {
	n := 0
	for _, job := range r.Jobs {
		if job.Failed() {
			n++
		}
	}
	return n
}

// Runner executes one pipeline invocation over a fixed job list.
type Runner struct {
	repo        string
	jobs        []config.Job
	fetcher     *fetch.Fetcher
	transformer *transform.Runner
	aggregator  *aggregate.Aggregator
	concurrency int
	jobTimeout  time.Duration
	artifactDir string
	workdir     string
	noWait      bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithConcurrency bounds how many jobs run at once. Zero or negative means
// one worker per CPU, never more than there are jobs.
func WithConcurrency(n int) Option {
	return func(r *Runner) { r.concurrency = n }
}

// WithJobTimeout bounds each job's wall time, hung transform hooks
// included. Zero disables the bound.
func WithJobTimeout(d time.Duration) Option {
	return func(r *Runner) { r.jobTimeout = d }
}

// WithArtifactDir retains every produced patch artifact in dir.
func WithArtifactDir(dir string) Option {
	return func(r *Runner) { r.artifactDir = dir }
}

// WithWorkDir sets where run scratch space (per-job clones) is allocated.
// Defaults to the system temp directory.
func WithWorkDir(dir string) Option {
	return func(r *Runner) { r.workdir = dir }
}

// WithNoWait makes Run fail with ErrLockBusy instead of queueing when
// another invocation holds the run lock.
func WithNoWait(noWait bool) Option {
	return func(r *Runner) { r.noWait = noWait }
}

// WithFetcher substitutes the fetcher.
func WithFetcher(f *fetch.Fetcher) Option {
	return func(r *Runner) { r.fetcher = f }
}

// WithTransformer substitutes the transform runner.
func WithTransformer(t *transform.Runner) Option {
	return func(r *Runner) { r.transformer = t }
}

// WithAggregator substitutes the aggregator.
func WithAggregator(a *aggregate.Aggregator) Option {
	return func(r *Runner) { r.aggregator = a }
}

// New constructs a Runner for one aggregate repository and job list. The
// job list is assumed validated (config.Load does so).
func New(repo string, jobs []config.Job, opts ...Option) *Runner {
	r := &Runner{
		repo:       repo,
		jobs:       jobs,
		jobTimeout: 10 * time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.fetcher == nil {
		r.fetcher = fetch.New()
	}
	if r.transformer == nil {
		r.transformer = transform.New()
	}
	if r.aggregator == nil {
		r.aggregator = aggregate.New(repo)
	}
	return r
}

// Run executes the whole invocation: lock, preflight, parallel jobs,
// barrier, aggregation. A job failure does not make Run fail while any
// sibling survives; it is recorded in the RunResult and excluded from
// aggregation. The returned error covers run-level failures: lock,
// preflight, cancellation, every job failing, or aggregation.
func (r *Runner) Run(ctx context.Context) (*RunResult, error) {
	log := clog.FromContext(ctx)
	start := time.Now()

	if len(r.jobs) == 0 {
		return nil, fmt.Errorf("no jobs configured")
	}
	if err := gitexec.Check(); err != nil {
		return nil, err
	}

	lock, err := acquireRunLock(ctx, r.repo, !r.noWait)
	if err != nil {
		return nil, err
	}
	defer lock.release(ctx)

	destinations := make([]string, len(r.jobs))
	for i, job := range r.jobs {
		destinations[i] = job.Destination
	}
	if err := r.aggregator.Preflight(ctx, destinations...); err != nil {
		return nil, err
	}

	scratch, err := os.MkdirTemp(r.workdir, "treesync-run-*")
	if err != nil {
		return nil, fmt.Errorf("allocating run scratch space: %w", err)
	}
	defer os.RemoveAll(scratch)

	log.Infof("running %d job(s), %d at a time", len(r.jobs), r.parallelism())
	results := make([]JobResult, len(r.jobs))
	var g errgroup.Group
	g.SetLimit(r.parallelism())
	for i, job := range r.jobs {
		g.Go(func() error {
			// Workers never return errors: a failed job is recorded and
			// must not cancel its siblings.
			results[i] = r.runJob(ctx, scratch, job)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		// A superseded run must not commit partial results, so the run
		// stops at the barrier; destinations were never written.
		return &RunResult{Jobs: results, Elapsed: time.Since(start)}, err
	}

	artifacts := make([]*patch.Artifact, 0, len(results))
	succeeded := 0
	for _, res := range results {
		if res.Failed() {
			continue
		}
		succeeded++
		if res.Artifact != nil {
			artifacts = append(artifacts, res.Artifact)
		}
	}
	if succeeded == 0 {
		// Nothing survived the barrier; this is a total failure, not a
		// partial one, so there is nothing to aggregate.
		return &RunResult{Jobs: results, Elapsed: time.Since(start)},
			fmt.Errorf("all %d job(s) failed", len(results))
	}

	// Once the single writer starts, a superseding cancellation must let
	// it finish; two interleaved writers would be worse than a late one.
	outcome, aggErr := r.aggregator.Run(context.WithoutCancel(ctx), artifacts)
	result := &RunResult{Jobs: results, Outcome: outcome, Elapsed: time.Since(start)}
	if aggErr != nil {
		return result, aggErr
	}
	log.Infof("run finished in %s: %s, %d/%d job(s) succeeded",
		result.Elapsed.Round(time.Millisecond), outcome.State, len(r.jobs)-result.FailedJobs(), len(r.jobs))
	return result, nil
}

func (r *Runner) parallelism() int {
	n := r.concurrency
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n > len(r.jobs) {
		n = len(r.jobs)
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (r *Runner) runJob(ctx context.Context, scratch string, job config.Job) JobResult {
	start := time.Now()
	log := clog.FromContext(ctx).With("job", job.Destination)
	ctx = clog.WithLogger(ctx, log)
	if r.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.jobTimeout)
		defer cancel()
	}

	res := r.executeJob(ctx, scratch, job)
	res.Elapsed = time.Since(start)
	if res.Failed() {
		log.Errorf("job failed at %s after %s: %v", res.Stage, res.Elapsed.Round(time.Millisecond), res.Err)
	}
	return res
}

func (r *Runner) executeJob(ctx context.Context, scratch string, job config.Job) JobResult {
	log := clog.FromContext(ctx)
	res := JobResult{Job: job}

	tree, err := r.fetcher.Fetch(ctx, job)
	if err != nil {
		return res.fail(StageFetch, err)
	}
	defer func() {
		if err := tree.Close(); err != nil {
			log.Warnf("discarding fetched tree: %v", err)
		}
	}()
	res.Branch, res.Commit = tree.Branch, tree.Commit

	if err := r.transformer.Run(ctx, job, tree); err != nil {
		return res.fail(StageTransform, err)
	}

	src, err := materialize.SourceRoot(tree, job)
	if err != nil {
		return res.fail(StageMaterialize, err)
	}
	clone, err := r.scratchClone(ctx, scratch, job)
	if err != nil {
		return res.fail(StageMaterialize, err)
	}
	changes, err := materialize.Mirror(ctx, src, filepath.Join(clone, filepath.FromSlash(job.Destination)))
	if err != nil {
		return res.fail(StageMaterialize, err)
	}
	res.Changes = changes
	if !changes.Changed() {
		log.Infof("steady state, nothing to sync")
		return res
	}

	artifact, err := patch.Extract(ctx, clone, job.Destination)
	if err != nil {
		return res.fail(StageExtract, err)
	}
	if artifact.Empty() {
		log.Infof("materialized changes are invisible to git, nothing to sync")
		return res
	}
	res.Artifact = artifact
	if r.artifactDir != "" {
		path, err := artifact.Save(r.artifactDir)
		if err != nil {
			return res.fail(StageExtract, err)
		}
		log.Infof("artifact retained at %s", path)
	}
	log.Infof("synced %s@%s: %s", job.Source, tree.Commit, changes)
	return res
}

// scratchClone gives the job a private working copy of the aggregate
// repository to materialize into. An aggregate with no commits yet cannot
// be cloned, so bootstrap runs work against a fresh empty repository; the
// resulting patches are pure additions and apply to the real aggregate all
// the same.
func (r *Runner) scratchClone(ctx context.Context, scratch string, job config.Job) (string, error) {
	dir := filepath.Join(scratch, "clone-"+strings.ReplaceAll(job.Destination, "/", "__"))
	_, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{URL: r.repo})
	if errors.Is(err, transport.ErrEmptyRemoteRepository) {
		// The failed clone may leave a partial directory behind.
		if err := os.RemoveAll(dir); err != nil {
			return "", fmt.Errorf("resetting scratch directory: %w", err)
		}
		if _, err := git.PlainInit(dir, false); err != nil {
			return "", fmt.Errorf("initializing scratch repository: %w", err)
		}
		return dir, nil
	}
	if err != nil {
		return "", fmt.Errorf("cloning aggregate repository: %w", err)
	}
	return dir, nil
}
