/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package main implements treesync, which mirrors selected subtrees of
// external git repositories into directories of one aggregate repository
// and records each run as at most one commit.
//
// Exit codes: 0 when the run converged (commit or nothing to do), 2 when
// some jobs failed and the rest converged, 1 when the run as a whole
// failed and nothing was committed.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/sethvargo/go-envconfig"
	"golang.org/x/oauth2"

	"chainguard.dev/treesync/aggregate"
	syncconfig "chainguard.dev/treesync/config"
	"chainguard.dev/treesync/fetch"
	"chainguard.dev/treesync/pipeline"
)

type config struct {
	ConfigPath    string        `env:"TREESYNC_CONFIG,default=treesync.yaml"`
	Repo          string        `env:"TREESYNC_REPO,default=."`
	Concurrency   int           `env:"TREESYNC_CONCURRENCY,default=0"`
	JobTimeout    time.Duration `env:"TREESYNC_JOB_TIMEOUT,default=10m"`
	CommitMessage string        `env:"TREESYNC_COMMIT_MESSAGE,default=sync external sources"`
	AuthorName    string        `env:"TREESYNC_AUTHOR_NAME,default=treesync"`
	AuthorEmail   string        `env:"TREESYNC_AUTHOR_EMAIL,default=treesync@localhost"`
	GitToken      string        `env:"TREESYNC_GIT_TOKEN"`
	DryRun        bool          `env:"TREESYNC_DRY_RUN,default=false"`
	ArtifactDir   string        `env:"TREESYNC_ARTIFACT_DIR"`
	NoWait        bool          `env:"TREESYNC_NO_WAIT,default=false"`
}

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		clog.FatalContextf(ctx, "processing environment: %v", err)
	}
	switch {
	case len(os.Args) == 2:
		cfg.ConfigPath = os.Args[1]
	case len(os.Args) > 2:
		clog.FatalContextf(ctx, "usage: %s [config-file]", os.Args[0])
	}

	jobs, err := syncconfig.LoadFile(cfg.ConfigPath)
	if err != nil {
		clog.FatalContextf(ctx, "loading %s: %v", cfg.ConfigPath, err)
	}

	var fetchOpts []fetch.Option
	if cfg.GitToken != "" {
		fetchOpts = append(fetchOpts, fetch.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.GitToken})))
	}
	runner := pipeline.New(cfg.Repo, jobs,
		pipeline.WithConcurrency(cfg.Concurrency),
		pipeline.WithJobTimeout(cfg.JobTimeout),
		pipeline.WithArtifactDir(cfg.ArtifactDir),
		pipeline.WithNoWait(cfg.NoWait),
		pipeline.WithFetcher(fetch.New(fetchOpts...)),
		pipeline.WithAggregator(aggregate.New(cfg.Repo,
			aggregate.WithCommitMessage(cfg.CommitMessage),
			aggregate.WithAuthor(cfg.AuthorName, cfg.AuthorEmail),
			aggregate.WithDryRun(cfg.DryRun),
		)),
	)

	result, err := runner.Run(ctx)
	if result != nil {
		pipeline.Report(os.Stdout, result)
	}
	switch {
	case err != nil:
		clog.ErrorContextf(ctx, "run failed: %v", err)
		return 1
	case result.FailedJobs() > 0:
		return 2
	default:
		return 0
	}
}
