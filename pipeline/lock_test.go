/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func gitDirRepo(t *testing.T) string {
	t.Helper()
	repo := t.TempDir()
	if err := os.MkdirAll(filepath.Join(repo, ".git"), 0o755); err != nil {
		t.Fatalf("MkdirAll() = %v", err)
	}
	return repo
}

func TestAcquireRunLockExcludes(t *testing.T) {
	ctx := context.Background()
	repo := gitDirRepo(t)

	first, err := acquireRunLock(ctx, repo, false)
	if err != nil {
		t.Fatalf("acquireRunLock() = %v", err)
	}
	if _, err := acquireRunLock(ctx, repo, false); !errors.Is(err, ErrLockBusy) {
		t.Fatalf("second acquireRunLock() = %v, want ErrLockBusy", err)
	}
	first.release(ctx)

	second, err := acquireRunLock(ctx, repo, false)
	if err != nil {
		t.Fatalf("acquireRunLock() after release = %v", err)
	}
	second.release(ctx)
}

func TestAcquireRunLockQueues(t *testing.T) {
	ctx := context.Background()
	repo := gitDirRepo(t)

	holder, err := acquireRunLock(ctx, repo, false)
	if err != nil {
		t.Fatalf("acquireRunLock() = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		lock, err := acquireRunLock(waitCtx, repo, true)
		if err == nil {
			lock.release(waitCtx)
		}
		done <- err
	}()

	// Give the waiter a moment to observe the busy lock before handing over.
	time.Sleep(50 * time.Millisecond)
	holder.release(ctx)
	if err := <-done; err != nil {
		t.Fatalf("queued acquireRunLock() = %v", err)
	}
}

func TestAcquireRunLockCancelled(t *testing.T) {
	ctx := context.Background()
	repo := gitDirRepo(t)

	holder, err := acquireRunLock(ctx, repo, false)
	if err != nil {
		t.Fatalf("acquireRunLock() = %v", err)
	}
	defer holder.release(ctx)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := acquireRunLock(cancelled, repo, true); !errors.Is(err, context.Canceled) {
		t.Fatalf("acquireRunLock() with cancelled context = %v, want context.Canceled", err)
	}
}

func TestRunLockPath(t *testing.T) {
	repo := gitDirRepo(t)
	if got, want := runLockPath(repo), filepath.Join(repo, ".git", "treesync.lock"); got != want {
		t.Errorf("runLockPath() = %q, want %q", got, want)
	}

	// Linked worktrees have a .git file, which cannot contain a lock.
	linked := t.TempDir()
	if err := os.WriteFile(filepath.Join(linked, ".git"), []byte("gitdir: elsewhere\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() = %v", err)
	}
	got := runLockPath(linked)
	if dir := filepath.Dir(got); dir != filepath.Clean(os.TempDir()) {
		t.Errorf("runLockPath() dir = %q, want %q", dir, filepath.Clean(os.TempDir()))
	}
	if base := filepath.Base(got); !strings.HasPrefix(base, "treesync-") || !strings.HasSuffix(base, ".lock") {
		t.Errorf("runLockPath() base = %q, want treesync-*.lock", base)
	}
	if again := runLockPath(linked); again != got {
		t.Errorf("runLockPath() is not stable: %q then %q", got, again)
	}

	other := t.TempDir()
	if err := os.WriteFile(filepath.Join(other, ".git"), []byte("gitdir: elsewhere\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() = %v", err)
	}
	if runLockPath(other) == got {
		t.Error("distinct repositories share a lock path")
	}
}
