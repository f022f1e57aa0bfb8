/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package fetch

import (
	"fmt"
	"path"

	"github.com/bmatcuk/doublestar/v4"
)

// Filter selects which paths of a source tree are mirrored. Patterns use
// doublestar syntax and are matched against slash-separated paths relative
// to the repository root.
type Filter struct {
	patterns []string
}

// NewFilter compiles a pattern list. An empty list yields a filter that
// matches every path.
func NewFilter(patterns []string) (Filter, error) {
	for _, p := range patterns {
		if p == "" || !doublestar.ValidatePattern(p) {
			return Filter{}, fmt.Errorf("invalid path filter %q", p)
		}
	}
	return Filter{patterns: patterns}, nil
}

// Empty reports whether the filter matches unconditionally.
func (f Filter) Empty() bool { return len(f.patterns) == 0 }

// Match reports whether name belongs in the mirrored tree. A pattern that
// names a directory selects the directory's entire subtree, matching how a
// git pathspec behaves.
func (f Filter) Match(name string) bool {
	if f.Empty() {
		return true
	}
	for _, pat := range f.patterns {
		if doublestar.MatchUnvalidated(pat, name) {
			return true
		}
		for dir := path.Dir(name); dir != "." && dir != "/"; dir = path.Dir(dir) {
			if doublestar.MatchUnvalidated(pat, dir) {
				return true
			}
		}
	}
	return false
}
