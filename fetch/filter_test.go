/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package fetch

import "testing"

func TestFilterMatch(t *testing.T) {
	for _, tc := range []struct {
		name     string
		patterns []string
		path     string
		want     bool
	}{{
		name: "empty filter matches everything",
		path: "any/old/path.txt",
		want: true,
	}, {
		name:     "glob subtree",
		patterns: []string{"docs/**"},
		path:     "docs/guide/intro.md",
		want:     true,
	}, {
		name:     "glob subtree excludes siblings",
		patterns: []string{"docs/**"},
		path:     "src/main.go",
		want:     false,
	}, {
		name:     "directory name selects subtree",
		patterns: []string{"docs"},
		path:     "docs/guide/intro.md",
		want:     true,
	}, {
		name:     "directory name does not match partial segment",
		patterns: []string{"docs"},
		path:     "docs-old/intro.md",
		want:     false,
	}, {
		name:     "exact file",
		patterns: []string{"README.md"},
		path:     "README.md",
		want:     true,
	}, {
		name:     "exact file excludes nested",
		patterns: []string{"README.md"},
		path:     "docs/README.md",
		want:     false,
	}, {
		name:     "suffix glob at any depth",
		patterns: []string{"**/*.md"},
		path:     "a/b/c/notes.md",
		want:     true,
	}, {
		name:     "any of several patterns",
		patterns: []string{"docs/**", "Makefile"},
		path:     "Makefile",
		want:     true,
	}} {
		t.Run(tc.name, func(t *testing.T) {
			f, err := NewFilter(tc.patterns)
			if err != nil {
				t.Fatalf("NewFilter(%v) = %v", tc.patterns, err)
			}
			if got := f.Match(tc.path); got != tc.want {
				t.Errorf("Match(%q) = %t, want %t", tc.path, got, tc.want)
			}
		})
	}
}

func TestNewFilterRejectsBadPatterns(t *testing.T) {
	for _, patterns := range [][]string{
		{"["},
		{"docs/**", ""},
	} {
		if _, err := NewFilter(patterns); err == nil {
			t.Errorf("NewFilter(%v) succeeded, want error", patterns)
		}
	}
}
