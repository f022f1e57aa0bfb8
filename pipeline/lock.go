/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package pipeline

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/gofrs/flock"
)

// ErrLockBusy indicates another invocation holds the run lock and the
// caller asked not to wait for it.
var ErrLockBusy = errors.New("another treesync run holds the lock")

const lockRetryDelay = 250 * time.Millisecond

type runLock struct {
	fl *flock.Flock
}

// acquireRunLock serializes invocations against one aggregate repository.
// With wait set, a busy lock queues the run behind the current holder;
// otherwise the run fails fast with ErrLockBusy.
func acquireRunLock(ctx context.Context, repo string, wait bool) (*runLock, error) {
	fl := flock.New(runLockPath(repo))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring run lock %s: %w", fl.Path(), err)
	}
	if locked {
		return &runLock{fl: fl}, nil
	}
	if !wait {
		return nil, fmt.Errorf("%w: %s", ErrLockBusy, fl.Path())
	}
	clog.FromContext(ctx).Infof("run lock %s is held; waiting", fl.Path())
	locked, err = fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("waiting for run lock %s: %w", fl.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLockBusy, fl.Path())
	}
	return &runLock{fl: fl}, nil
}

func (l *runLock) release(ctx context.Context) {
	if err := l.fl.Unlock(); err != nil {
		clog.FromContext(ctx).Warnf("releasing run lock: %v", err)
	}
}

// runLockPath keeps the lock file inside the repository's .git directory so
// it travels with the repository and never collides across aggregates. A
// worktree or submodule checkout has a .git file instead, in which case the
// lock falls back to a repo-keyed name under the system temp directory.
func runLockPath(repo string) string {
	gitDir := filepath.Join(repo, ".git")
	if info, err := os.Stat(gitDir); err == nil && info.IsDir() {
		return filepath.Join(gitDir, "treesync.lock")
	}
	abs, err := filepath.Abs(repo)
	if err != nil {
		abs = repo
	}
	sum := sha256.Sum256([]byte(abs))
	return filepath.Join(os.TempDir(), fmt.Sprintf("treesync-%x.lock", sum[:8]))
}
