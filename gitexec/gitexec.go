/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package gitexec shells out to the system git binary for the few plumbing
// operations the pure-Go git implementation does not cover: producing
// binary-safe staged diffs and applying them with three-way merge fallback.
// Everything else in this module goes through go-git.
package gitexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Check reports whether the git binary is available. Callers should check
// once at startup so a missing binary fails the run before any work starts.
func Check() error {
	if _, err := exec.LookPath("git"); err != nil {
		return fmt.Errorf("git binary not found: %w", err)
	}
	return nil
}

// Stage stages all additions, modifications, and deletions under the given
// pathspecs in the repository at dir.
func Stage(ctx context.Context, dir string, pathspecs ...string) error {
	args := append([]string{"add", "-A", "--"}, pathspecs...)
	_, err := run(ctx, dir, nil, args...)
	return err
}

// StagedDiff returns the staged changes under the given pathspecs as a
// binary-safe patch. An empty patch means the index matches HEAD there.
func StagedDiff(ctx context.Context, dir string, pathspecs ...string) ([]byte, error) {
	args := []string{"diff", "--cached", "--binary"}
	if len(pathspecs) > 0 {
		args = append(args, "--")
		args = append(args, pathspecs...)
	}
	return run(ctx, dir, nil, args...)
}

// ApplyPatch applies a patch to the repository's working tree and index,
// falling back to a three-way merge when the patch does not apply cleanly.
// The three-way fallback needs the patch's base blobs in the object store,
// which holds whenever the patch was produced in a clone of this repository.
func ApplyPatch(ctx context.Context, dir string, patch []byte) error {
	_, err := run(ctx, dir, bytes.NewReader(patch), "apply", "--3way", "--whitespace=nowarn")
	return err
}

// Status returns the porcelain status lines for the given pathspecs,
// untracked files included. An empty result means nothing under the
// pathspecs differs from HEAD.
func Status(ctx context.Context, dir string, pathspecs ...string) ([]string, error) {
	args := []string{"status", "--porcelain", "--untracked-files=all"}
	if len(pathspecs) > 0 {
		args = append(args, "--")
		args = append(args, pathspecs...)
	}
	out, err := run(ctx, dir, nil, args...)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(string(out), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// Restore resets index and working tree under the given pathspecs to their
// HEAD state, removing tracked files HEAD does not have. Untracked files
// are out of scope; pair with Clean.
func Restore(ctx context.Context, dir string, pathspecs ...string) error {
	args := append([]string{"restore", "--staged", "--worktree", "--source=HEAD", "--"}, pathspecs...)
	_, err := run(ctx, dir, nil, args...)
	return err
}

// Unstage removes the given pathspecs from the index without touching the
// working tree. This is the rollback primitive for a repository with no
// commits yet, where there is no HEAD for Restore to restore from.
func Unstage(ctx context.Context, dir string, pathspecs ...string) error {
	args := append([]string{"rm", "-r", "-q", "--cached", "--ignore-unmatch", "--"}, pathspecs...)
	_, err := run(ctx, dir, nil, args...)
	return err
}

// Clean deletes untracked files and directories under the given pathspecs.
func Clean(ctx context.Context, dir string, pathspecs ...string) error {
	args := append([]string{"clean", "-qfd", "--"}, pathspecs...)
	_, err := run(ctx, dir, nil, args...)
	return err
}

func run(ctx context.Context, dir string, stdin io.Reader, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Stdin = stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
		}
		return nil, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, msg)
	}
	return stdout.Bytes(), nil
}
