/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package transform runs a job's transform commands against a fetched tree.
// Commands are operator-supplied shell snippets and are trusted: they run
// with the caller's environment and privileges, constrained only by their
// working directory defaulting to the tree root.
package transform

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/chainguard-dev/clog"

	"chainguard.dev/treesync/config"
	"chainguard.dev/treesync/fetch"
)

// outputTail bounds how much command output is carried into an error.
const outputTail = 1 << 10

// Runner executes transform commands.
type Runner struct {
	shell string
}

// Option configures a Runner.
type Option func(*Runner)

// WithShell overrides the shell used to interpret commands. Defaults to sh.
func WithShell(shell string) Option {
	return func(r *Runner) { r.shell = shell }
}

// New constructs a Runner.
func New(opts ...Option) *Runner {
	r := &Runner{shell: "sh"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the job's transform commands in order, each from the tree
// root. The first nonzero exit stops the sequence and fails the job; later
// stages never see a half-transformed tree because the job dies with it.
func (r *Runner) Run(ctx context.Context, job config.Job, tree *fetch.Tree) error {
	if len(job.TransformCommands) == 0 {
		return nil
	}
	log := clog.FromContext(ctx)

	env := append(os.Environ(),
		"TREESYNC_TREE="+tree.Root,
		"TREESYNC_SOURCE="+job.Source,
		"TREESYNC_BRANCH="+tree.Branch,
		"TREESYNC_COMMIT="+tree.Commit,
		"TREESYNC_DESTINATION="+job.Destination,
	)
	for i, command := range job.TransformCommands {
		log.Infof("transform %d/%d for %s: %s", i+1, len(job.TransformCommands), job.Destination, command)
		cmd := exec.CommandContext(ctx, r.shell, "-c", command)
		cmd.Dir = tree.Root
		cmd.Env = env
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("transform %d/%d (%q): %w (output: %s)",
				i+1, len(job.TransformCommands), command, err, tail(out))
		}
		if len(out) > 0 {
			log.Debugf("transform %d/%d output: %s", i+1, len(job.TransformCommands), tail(out))
		}
	}
	return nil
}

func tail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > outputTail {
		s = "..." + s[len(s)-outputTail:]
	}
	return s
}
