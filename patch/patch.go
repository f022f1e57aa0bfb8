/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package patch turns one job's destination-directory delta into a portable
// artifact. Jobs never touch the aggregate working copy directly; they stage
// their changes in a private scratch clone, and the artifact extracted here
// is the only thing that crosses over to aggregation.
package patch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/waigani/diffparser"

	"chainguard.dev/treesync/gitexec"
)

// Artifact is a self-contained, binary-safe patch for exactly one
// destination directory of the aggregate repository.
type Artifact struct {
	// Destination is the directory the patch is scoped to, slash-relative
	// to the aggregate repository root.
	Destination string

	// Data is raw `git diff --cached --binary` output. Empty means the
	// destination already matched the source, a normal steady state.
	Data []byte
}

// Empty reports whether the artifact carries no change.
func (a *Artifact) Empty() bool { return len(a.Data) == 0 }

// Stats summarizes the patch as files touched and line additions/deletions.
// Binary changes count as touched files with no line counts.
func (a *Artifact) Stats() (files, additions, deletions int) {
	if a.Empty() {
		return 0, 0, 0
	}
	diff, err := diffparser.Parse(string(a.Data))
	if err != nil {
		return 0, 0, 0
	}
	for _, f := range diff.Files {
		files++
		for _, hunk := range f.Hunks {
			for _, line := range hunk.WholeRange.Lines {
				switch line.Mode {
				case diffparser.ADDED:
					additions++
				case diffparser.REMOVED:
					deletions++
				}
			}
		}
	}
	return files, additions, deletions
}

// Filename is the name the artifact is saved under: the destination path
// flattened into one filesystem-safe component.
func (a *Artifact) Filename() string {
	return strings.ReplaceAll(a.Destination, "/", "__") + ".patch"
}

// Save writes the artifact into dir, creating it if needed. Saved artifacts
// are plain `git apply`-able patches, so they double as a debugging trail
// and as a hand-off format if aggregation ever runs elsewhere.
func (a *Artifact) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating artifact dir: %w", err)
	}
	path := filepath.Join(dir, a.Filename())
	if err := os.WriteFile(path, a.Data, 0o644); err != nil {
		return "", fmt.Errorf("saving artifact: %w", err)
	}
	return path, nil
}

// Extract stages everything under destination in the scratch clone at dir
// and serializes the staged delta. Staging is pathspec-scoped, so nothing
// outside the destination can leak into the artifact.
func Extract(ctx context.Context, dir, destination string) (*Artifact, error) {
	if err := gitexec.Stage(ctx, dir, destination); err != nil {
		return nil, fmt.Errorf("staging %s: %w", destination, err)
	}
	data, err := gitexec.StagedDiff(ctx, dir, destination)
	if err != nil {
		return nil, fmt.Errorf("diffing %s: %w", destination, err)
	}
	return &Artifact{Destination: destination, Data: data}, nil
}
