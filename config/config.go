/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package config loads and validates the treesync job list. A job list is a
// YAML document declaring, per job, which source repository to mirror, which
// paths of it to fetch, how to transform the fetched tree, and where in the
// aggregate repository the result lands.
package config

import (
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Job describes one source-repository-to-destination synchronization task.
type Job struct {
	// Source is the git URL (or local path) of the repository to mirror.
	Source string `yaml:"source"`

	// Branch to mirror. Empty means the source's own default branch, which
	// the fetcher resolves with a lightweight remote query.
	Branch string `yaml:"branch,omitempty"`

	// PathFilters restricts the fetched tree to paths matching any of the
	// patterns (doublestar syntax, e.g. "docs/**"). Patterns are matched
	// against slash-separated repository paths; a leading "/" anchors at the
	// repository root and is stripped during normalization. Empty means the
	// entire tree.
	PathFilters []string `yaml:"pathFilters,omitempty"`

	// TransformCommands are opaque shell commands run in order against the
	// fetched tree before it is mirrored. Any nonzero exit fails the job.
	TransformCommands []string `yaml:"transformCommands,omitempty"`

	// TruncatePrefix re-roots the mirrored subtree at this path within the
	// fetched tree, after transformation. The prefix must exist once the
	// transforms have run.
	TruncatePrefix string `yaml:"truncatePrefix,omitempty"`

	// Destination is the directory within the aggregate repository that
	// mirrors the source subtree. It must be unique across the job list:
	// two jobs writing the same destination would produce conflicting
	// patches at aggregation.
	Destination string `yaml:"destination"`
}

// Name identifies the job in logs and reports. Destinations are unique per
// run, so the destination doubles as the job identity.
func (j Job) Name() string { return j.Destination }

type document struct {
	Jobs []Job `yaml:"jobs"`
}

// Load parses a YAML job list, normalizes paths and patterns, and validates
// the result. Any validation failure is fatal for the whole run: a malformed
// job list must stop the pipeline before any network or filesystem work.
func Load(data []byte) ([]Job, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing job list: %w", err)
	}
	if len(doc.Jobs) == 0 {
		return nil, fmt.Errorf("job list declares no jobs")
	}
	for i := range doc.Jobs {
		doc.Jobs[i] = normalize(doc.Jobs[i])
	}
	if err := Validate(doc.Jobs); err != nil {
		return nil, err
	}
	return doc.Jobs, nil
}

// LoadFile reads and parses the job list at path.
func LoadFile(path string) ([]Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading job list: %w", err)
	}
	return Load(data)
}

// normalize rewrites a job's paths and patterns into canonical form:
// slash-separated, relative, no leading or trailing separators.
func normalize(j Job) Job {
	j.Source = strings.TrimSpace(j.Source)
	j.Branch = strings.TrimSpace(j.Branch)
	j.Destination = cleanRelPath(j.Destination)
	j.TruncatePrefix = cleanRelPath(j.TruncatePrefix)
	for i, p := range j.PathFilters {
		j.PathFilters[i] = strings.TrimPrefix(strings.TrimSpace(p), "/")
	}
	return j
}

func cleanRelPath(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return ""
	}
	return path.Clean(p)
}

// Validate checks every job and the cross-job invariant that destinations
// are unique. Jobs are expected in normalized form; Load normalizes before
// validating, and programmatic callers should supply canonical paths.
func Validate(jobs []Job) error {
	seen := make(map[string]int, len(jobs))
	for i, j := range jobs {
		if j.Source == "" {
			return fmt.Errorf("job %d: source is required", i)
		}
		if err := validateDestination(j.Destination); err != nil {
			return fmt.Errorf("job %d (%s): %w", i, j.Source, err)
		}
		if prev, ok := seen[j.Destination]; ok {
			return fmt.Errorf("job %d: destination %q already used by job %d", i, j.Destination, prev)
		}
		seen[j.Destination] = i

		if p := j.TruncatePrefix; p != "" {
			if p == ".." || strings.HasPrefix(p, "../") {
				return fmt.Errorf("job %d (%s): truncatePrefix %q escapes the fetched tree", i, j.Destination, p)
			}
		}
		for _, p := range j.PathFilters {
			if p == "" || !doublestar.ValidatePattern(p) {
				return fmt.Errorf("job %d (%s): invalid path filter %q", i, j.Destination, p)
			}
		}
	}
	return nil
}

func validateDestination(dest string) error {
	switch {
	case dest == "":
		return fmt.Errorf("destination is required")
	case dest == ".":
		return fmt.Errorf("destination must be a subdirectory, not the repository root")
	case dest == ".." || strings.HasPrefix(dest, "../"):
		return fmt.Errorf("destination %q escapes the repository", dest)
	}
	for _, seg := range strings.Split(dest, "/") {
		if seg == ".git" {
			return fmt.Errorf("destination %q overlaps git metadata", dest)
		}
	}
	return nil
}
