/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package materialize mirrors a transformed source tree into a destination
// directory of the aggregate repository's working copy.
//
// Mirroring is a merge, not a wholesale replace: files identical on both
// sides are left untouched so that git sees only real changes, new and
// modified files are copied in, and files present only in the destination
// are deleted. The one exception is an empty source tree, which is treated
// as a no-op rather than a request to delete the entire destination, since
// an upstream that suddenly vanishes is far more likely to be an accident
// than an intent.
package materialize

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chainguard-dev/clog"

	"chainguard.dev/treesync/config"
	"chainguard.dev/treesync/fetch"
)

// Result records what mirroring changed, as slash-separated paths relative
// to the destination directory.
type Result struct {
	Added   []string
	Updated []string
	Deleted []string

	// Bootstrap marks a first-ever population: the destination held no
	// files beforehand, so nothing could have been deleted.
	Bootstrap bool
}

// Changed reports whether mirroring touched the destination at all.
func (r *Result) Changed() bool {
	return len(r.Added)+len(r.Updated)+len(r.Deleted) > 0
}

func (r *Result) String() string {
	return fmt.Sprintf("%d added, %d updated, %d deleted", len(r.Added), len(r.Updated), len(r.Deleted))
}

// SourceRoot resolves the directory of the fetched tree that mirroring reads
// from, applying the job's truncate prefix. The prefix must exist once the
// transforms have run; a missing prefix fails the job rather than silently
// mirroring nothing.
func SourceRoot(tree *fetch.Tree, job config.Job) (string, error) {
	root := tree.Root
	if job.TruncatePrefix != "" {
		root = filepath.Join(root, filepath.FromSlash(job.TruncatePrefix))
	}
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) && job.TruncatePrefix != "" {
			return "", fmt.Errorf("truncate prefix %q does not exist in the transformed tree", job.TruncatePrefix)
		}
		return "", fmt.Errorf("inspecting transformed tree: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("truncate prefix %q is not a directory", job.TruncatePrefix)
	}
	return root, nil
}

// Mirror merges the tree rooted at src into dest and reports what changed.
// A dest that does not exist yet is created and fully populated. An empty
// src leaves dest exactly as it was.
func Mirror(ctx context.Context, src, dest string) (*Result, error) {
	srcEntries, err := walkTree(src)
	if err != nil {
		return nil, fmt.Errorf("walking source tree: %w", err)
	}
	if len(srcEntries) == 0 {
		clog.FromContext(ctx).Warnf("source tree %s is empty; leaving %s untouched", src, dest)
		return &Result{}, nil
	}
	destEntries, err := walkTree(dest)
	if err != nil {
		return nil, fmt.Errorf("walking destination tree: %w", err)
	}

	res := &Result{Bootstrap: len(destEntries) == 0}
	for path, se := range srcEntries {
		de, ok := destEntries[path]
		if !ok {
			res.Added = append(res.Added, path)
			continue
		}
		same, err := equal(filepath.Join(src, filepath.FromSlash(path)), se,
			filepath.Join(dest, filepath.FromSlash(path)), de)
		if err != nil {
			return nil, fmt.Errorf("comparing %s: %w", path, err)
		}
		if !same {
			res.Updated = append(res.Updated, path)
		}
	}
	for path := range destEntries {
		if _, ok := srcEntries[path]; !ok {
			res.Deleted = append(res.Deleted, path)
		}
	}
	sort.Strings(res.Added)
	sort.Strings(res.Updated)
	sort.Strings(res.Deleted)

	// Deletions go first so that a path changing shape (a file becoming a
	// directory or vice versa) has a clean slate before its replacement
	// is copied in.
	for _, path := range res.Deleted {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := os.Remove(filepath.Join(dest, filepath.FromSlash(path))); err != nil {
			return nil, fmt.Errorf("deleting %s: %w", path, err)
		}
	}
	for _, path := range append(append([]string{}, res.Added...), res.Updated...) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := copyEntry(
			filepath.Join(src, filepath.FromSlash(path)),
			filepath.Join(dest, filepath.FromSlash(path)),
			srcEntries[path],
		); err != nil {
			return nil, fmt.Errorf("copying %s: %w", path, err)
		}
	}
	if err := pruneEmptyDirs(dest); err != nil {
		return nil, fmt.Errorf("pruning empty directories: %w", err)
	}
	return res, nil
}

// entry is what mirroring considers significant about a file: whether it is
// a symlink, whether it is executable, and its size. Content is compared
// lazily, and other mode bits are ignored the same way git ignores them.
type entry struct {
	link bool
	exec bool
	size int64
}

// walkTree indexes the files below root. A root that does not exist yields
// an empty index. Directories named .git are skipped wholesale so that
// stray metadata (say, left by a transform command) never gets mirrored.
func walkTree(root string) (map[string]entry, error) {
	entries := map[string]entry{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root && os.IsNotExist(err) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" && p != root {
				return fs.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			entries[filepath.ToSlash(rel)] = entry{link: true}
		case info.Mode().IsRegular():
			entries[filepath.ToSlash(rel)] = entry{
				exec: info.Mode()&0o100 != 0,
				size: info.Size(),
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func equal(srcPath string, se entry, destPath string, de entry) (bool, error) {
	if se.link != de.link {
		return false, nil
	}
	if se.link {
		st, err := os.Readlink(srcPath)
		if err != nil {
			return false, err
		}
		dt, err := os.Readlink(destPath)
		if err != nil {
			return false, err
		}
		return st == dt, nil
	}
	if se.exec != de.exec || se.size != de.size {
		return false, nil
	}
	return sameContents(srcPath, destPath)
}

func sameContents(a, b string) (bool, error) {
	fa, err := os.Open(a)
	if err != nil {
		return false, err
	}
	defer fa.Close()
	fb, err := os.Open(b)
	if err != nil {
		return false, err
	}
	defer fb.Close()

	bufA := make([]byte, 32*1024)
	bufB := make([]byte, 32*1024)
	for {
		na, errA := io.ReadFull(fa, bufA)
		nb, errB := io.ReadFull(fb, bufB)
		if !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false, nil
		}
		doneA := errA == io.EOF || errA == io.ErrUnexpectedEOF
		doneB := errB == io.EOF || errB == io.ErrUnexpectedEOF
		switch {
		case errA != nil && !doneA:
			return false, errA
		case errB != nil && !doneB:
			return false, errB
		case doneA && doneB:
			return true, nil
		case doneA != doneB:
			return false, nil
		}
	}
}

func copyEntry(srcPath, destPath string, se entry) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	// Whatever occupied the path before (a file, a link, a directory that
	// the source replaced with a file) gets out of the way.
	if err := os.RemoveAll(destPath); err != nil {
		return err
	}
	if se.link {
		target, err := os.Readlink(srcPath)
		if err != nil {
			return err
		}
		return os.Symlink(target, destPath)
	}

	perm := os.FileMode(0o644)
	if se.exec {
		perm = 0o755
	}
	r, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer r.Close()
	w, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// pruneEmptyDirs removes directories under root left empty by deletions,
// deepest first. The root itself stays.
func pruneEmptyDirs(root string) error {
	var dirs []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && p != root {
			dirs = append(dirs, p)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], string(filepath.Separator)) > strings.Count(dirs[j], string(filepath.Separator))
	})
	for _, dir := range dirs {
		ents, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		if len(ents) == 0 {
			if err := os.Remove(dir); err != nil {
				return err
			}
		}
	}
	return nil
}
