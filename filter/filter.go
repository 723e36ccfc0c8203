// Package filter decides which local paths participate in a deployment,
// honoring an ordered include/ignore pattern list with negation.
package filter

import (
	"strings"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"
)

// pattern is a single compiled include/ignore entry.
type pattern struct {
	raw       string
	negate    bool
	dirOnly   bool
	anchored  bool
	g         glob.Glob
}

// List is an ordered list of patterns evaluated with "last match wins"
// semantics.
type List struct {
	patterns []pattern
	// defaultAccept is the decision when no pattern matches. For an
	// include list it is true only when the list is empty; an ignore
	// list's decision means "is ignored", so it is built with false.
	defaultAccept bool
}

// compile turns one raw pattern token into a pattern, per the token table
// in the filter contract: "/foo" anchored, "foo" matches anywhere, "foo/"
// directories only, "*" any non-"/" run, "**" any run, "?" single
// non-"/" char, "[abc]" class.
func compile(raw string) (pattern, error) {
	p := pattern{raw: raw}

	s := raw
	if strings.HasPrefix(s, "!") {
		p.negate = true
		s = s[1:]
	}
	if strings.HasSuffix(s, "/") {
		p.dirOnly = true
		s = strings.TrimSuffix(s, "/")
	}
	if strings.HasPrefix(s, "/") {
		p.anchored = true
		s = s[1:]
	}
	if s == "" {
		return p, errors.Errorf("empty pattern %q", raw)
	}

	g, err := glob.Compile(s, '/')
	if err != nil {
		return p, errors.Wrapf(err, "invalid pattern %q", raw)
	}
	p.g = g
	return p, nil
}

// NewList compiles a pattern list with the given default decision for a
// path that matches no pattern.
func NewList(raws []string, defaultAccept bool) (*List, error) {
	l := &List{defaultAccept: defaultAccept}
	for _, raw := range raws {
		if raw == "" {
			continue
		}
		p, err := compile(raw)
		if err != nil {
			return nil, err
		}
		l.patterns = append(l.patterns, p)
	}
	return l, nil
}

// matches reports whether pattern p matches relPath, honoring anchoring
// and directory-only restriction. relPath always begins with "/".
func (p pattern) matches(relPath string, isDir bool) bool {
	if p.dirOnly && !isDir {
		return false
	}
	trimmed := strings.TrimPrefix(relPath, "/")
	if p.anchored {
		return p.g.Match(trimmed)
	}
	// unanchored: match against any suffix starting at a path component
	segs := strings.Split(trimmed, "/")
	for i := range segs {
		if p.g.Match(strings.Join(segs[i:], "/")) {
			return true
		}
	}
	return false
}

// Decide evaluates the list against relPath using last-match-wins.
func (l *List) Decide(relPath string, isDir bool) bool {
	decision := l.defaultAccept
	for _, p := range l.patterns {
		if p.matches(relPath, isDir) {
			decision = !p.negate
		}
	}
	return decision
}

// PathFilter combines an include list and an ignore list: a path is
// included iff the include list accepts it AND the ignore list does not
// reject it.
type PathFilter struct {
	include *List
	ignore  *List
}

// New builds a PathFilter from ordered include and ignore pattern lists.
// An empty include list accepts everything by default, since the
// absence of any include patterns means "no restriction" rather than
// "reject everything".
func New(includePatterns, ignorePatterns []string) (*PathFilter, error) {
	include, err := NewList(includePatterns, len(includePatterns) == 0)
	if err != nil {
		return nil, errors.Wrap(err, "compiling include patterns")
	}
	ignore, err := NewList(ignorePatterns, false)
	if err != nil {
		return nil, errors.Wrap(err, "compiling ignore patterns")
	}
	return &PathFilter{include: include, ignore: ignore}, nil
}

// Accepts reports whether relPath participates in the deployment.
// relPath must be POSIX-normalized and rooted at "/". The ignore list's
// Decide result already means "is ignored" (default false, a match sets
// it true unless the matching pattern is negated), so it is used directly
// rather than negated again here.
func (f *PathFilter) Accepts(relPath string, isDir bool) bool {
	return f.include.Decide(relPath, isDir) && !f.ignore.Decide(relPath, isDir)
}

// MayDescend reports whether a directory should still be walked even
// though it is itself rejected, because a negated pattern could
// re-include one of its descendants. Implementations may over-descend
// for simplicity; this one does, conservatively returning true whenever
// any ignore pattern is negated, and never pruning on the include list
// (whose patterns may match descendants of a directory they reject).
func (f *PathFilter) MayDescend(relPath string) bool {
	for _, p := range f.ignore.patterns {
		if p.negate {
			return true
		}
	}
	return !f.ignore.Decide(relPath, true)
}
