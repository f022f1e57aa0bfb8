/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package gitexec

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func skipWithoutGit(t *testing.T) {
	t.Helper()
	if err := Check(); err != nil {
		t.Skipf("skipping: %v", err)
	}
	if _, err := exec.LookPath("git-upload-pack"); err != nil {
		t.Skip("git-upload-pack not found in PATH")
	}
}

func initRepo(t *testing.T, files map[string][]byte) (string, *git.Repository) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit() = %v", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		t.Fatalf("SetReference() = %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree() = %v", err)
	}
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("MkdirAll() = %v", err)
		}
		if err := os.WriteFile(path, content, 0o644); err != nil {
			t.Fatalf("WriteFile() = %v", err)
		}
		if _, err := wt.Add(name); err != nil {
			t.Fatalf("Add(%q) = %v", name, err)
		}
	}
	if _, err := wt.Commit("initial state", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	}); err != nil {
		t.Fatalf("Commit() = %v", err)
	}
	return dir, repo
}

func TestStageAndStagedDiff(t *testing.T) {
	skipWithoutGit(t)
	ctx := context.Background()
	dir, _ := initRepo(t, map[string][]byte{"vendor/up/file.txt": []byte("v1\n")})

	if err := os.WriteFile(filepath.Join(dir, "vendor", "up", "file.txt"), []byte("v2\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() = %v", err)
	}
	if err := Stage(ctx, dir, "vendor/up"); err != nil {
		t.Fatalf("Stage() = %v", err)
	}
	patch, err := StagedDiff(ctx, dir, "vendor/up")
	if err != nil {
		t.Fatalf("StagedDiff() = %v", err)
	}
	if !bytes.Contains(patch, []byte("vendor/up/file.txt")) || !bytes.Contains(patch, []byte("+v2")) {
		t.Errorf("StagedDiff() = %q, want a patch rewriting vendor/up/file.txt", patch)
	}
}

func TestStagedDiffCleanTree(t *testing.T) {
	skipWithoutGit(t)
	dir, _ := initRepo(t, map[string][]byte{"file.txt": []byte("v1\n")})

	patch, err := StagedDiff(context.Background(), dir)
	if err != nil {
		t.Fatalf("StagedDiff() = %v", err)
	}
	if len(patch) != 0 {
		t.Errorf("StagedDiff() of clean tree = %q, want empty", patch)
	}
}

// The round trip mirrors production: a scratch clone stages and diffs its
// changes, and the patch lands on the repository it was cloned from.
func TestPatchRoundTrip(t *testing.T) {
	skipWithoutGit(t)
	ctx := context.Background()
	origin, _ := initRepo(t, map[string][]byte{
		"vendor/up/file.txt": []byte("v1\n"),
		"vendor/up/gone.txt": []byte("doomed\n"),
	})

	scratch := t.TempDir()
	if _, err := git.PlainCloneContext(ctx, scratch, false, &git.CloneOptions{URL: origin}); err != nil {
		t.Fatalf("PlainCloneContext() = %v", err)
	}
	if err := os.WriteFile(filepath.Join(scratch, "vendor", "up", "file.txt"), []byte("v2\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() = %v", err)
	}
	if err := os.WriteFile(filepath.Join(scratch, "vendor", "up", "new.bin"), []byte{0x00, 0x01, 0x02, 0xff}, 0o644); err != nil {
		t.Fatalf("WriteFile() = %v", err)
	}
	if err := os.Remove(filepath.Join(scratch, "vendor", "up", "gone.txt")); err != nil {
		t.Fatalf("Remove() = %v", err)
	}

	if err := Stage(ctx, scratch, "vendor/up"); err != nil {
		t.Fatalf("Stage() = %v", err)
	}
	patch, err := StagedDiff(ctx, scratch, "vendor/up")
	if err != nil {
		t.Fatalf("StagedDiff() = %v", err)
	}
	if !bytes.Contains(patch, []byte("GIT binary patch")) {
		t.Errorf("StagedDiff() = %q, want a binary patch section for new.bin", patch)
	}

	if err := ApplyPatch(ctx, origin, patch); err != nil {
		t.Fatalf("ApplyPatch() = %v", err)
	}
	got, err := os.ReadFile(filepath.Join(origin, "vendor", "up", "file.txt"))
	if err != nil {
		t.Fatalf("ReadFile() = %v", err)
	}
	if string(got) != "v2\n" {
		t.Errorf("file.txt = %q, want %q", got, "v2\n")
	}
	bin, err := os.ReadFile(filepath.Join(origin, "vendor", "up", "new.bin"))
	if err != nil {
		t.Fatalf("ReadFile() = %v", err)
	}
	if !bytes.Equal(bin, []byte{0x00, 0x01, 0x02, 0xff}) {
		t.Errorf("new.bin = %v, want %v", bin, []byte{0x00, 0x01, 0x02, 0xff})
	}
	if _, err := os.Stat(filepath.Join(origin, "vendor", "up", "gone.txt")); !os.IsNotExist(err) {
		t.Errorf("gone.txt survived the patch (err=%v)", err)
	}

	// The patch lands staged, ready for a single aggregate commit.
	staged, err := StagedDiff(ctx, origin)
	if err != nil {
		t.Fatalf("StagedDiff() = %v", err)
	}
	if len(staged) == 0 {
		t.Error("StagedDiff() after ApplyPatch() is empty, want staged changes")
	}
}

func TestApplyPatchGarbage(t *testing.T) {
	skipWithoutGit(t)
	dir, _ := initRepo(t, map[string][]byte{"file.txt": []byte("v1\n")})

	if err := ApplyPatch(context.Background(), dir, []byte("not a patch\n")); err == nil {
		t.Error("ApplyPatch() of garbage succeeded, want error")
	}
}

func TestStatusRestoreClean(t *testing.T) {
	skipWithoutGit(t)
	ctx := context.Background()
	dir, _ := initRepo(t, map[string][]byte{
		"vendor/up/file.txt": []byte("v1\n"),
		"other.txt":          []byte("other\n"),
	})

	if err := os.WriteFile(filepath.Join(dir, "vendor", "up", "file.txt"), []byte("v2\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "vendor", "up", "new.txt"), []byte("new\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte("edited\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() = %v", err)
	}

	lines, err := Status(ctx, dir, "vendor/up")
	if err != nil {
		t.Fatalf("Status() = %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("Status() = %v, want 2 entries", lines)
	}

	if err := Restore(ctx, dir, "vendor/up"); err != nil {
		t.Fatalf("Restore() = %v", err)
	}
	if err := Clean(ctx, dir, "vendor/up"); err != nil {
		t.Fatalf("Clean() = %v", err)
	}

	lines, err = Status(ctx, dir, "vendor/up")
	if err != nil {
		t.Fatalf("Status() = %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("Status() after rollback = %v, want clean", lines)
	}
	got, err := os.ReadFile(filepath.Join(dir, "vendor", "up", "file.txt"))
	if err != nil {
		t.Fatalf("ReadFile() = %v", err)
	}
	if string(got) != "v1\n" {
		t.Errorf("file.txt = %q, want restored %q", got, "v1\n")
	}
	// Edits outside the pathspec survive the rollback.
	other, err := os.ReadFile(filepath.Join(dir, "other.txt"))
	if err != nil {
		t.Fatalf("ReadFile() = %v", err)
	}
	if string(other) != "edited\n" {
		t.Errorf("other.txt = %q, want untouched %q", other, "edited\n")
	}
}

func TestUnstageUnbornRepo(t *testing.T) {
	skipWithoutGit(t)
	ctx := context.Background()
	dir := t.TempDir()
	if _, err := git.PlainInit(dir, false); err != nil {
		t.Fatalf("PlainInit() = %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "vendor", "up"), 0o755); err != nil {
		t.Fatalf("MkdirAll() = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "vendor", "up", "a.txt"), []byte("a\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() = %v", err)
	}
	if err := Stage(ctx, dir, "vendor/up"); err != nil {
		t.Fatalf("Stage() = %v", err)
	}

	if err := Unstage(ctx, dir, "vendor/up"); err != nil {
		t.Fatalf("Unstage() = %v", err)
	}
	if err := Clean(ctx, dir, "vendor/up"); err != nil {
		t.Fatalf("Clean() = %v", err)
	}
	lines, err := Status(ctx, dir, "vendor/up")
	if err != nil {
		t.Fatalf("Status() = %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("Status() after rollback = %v, want clean", lines)
	}
}
