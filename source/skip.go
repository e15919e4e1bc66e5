package source

import (
	"path/filepath"
	"strings"

	"gopkg.in/src-d/go-git.v4/plumbing/format/gitignore"
)

// skipMatcher decides whether a path should be excluded from a `dir` source
// copy, per its "skip" pattern list.
//
// Built on go-git's gitignore pattern machinery,
// which builds a gitignore.Matcher from parsed .gitignore lines; here the
// patterns come directly from the manifest's `skip` list instead of
// .gitignore files on disk, but the matching engine is the same
// go-git.v4 gitignore machinery.
type skipMatcher struct {
	matcher gitignore.Matcher
}

func newSkipMatcher(patterns []string) *skipMatcher {
	pats := make([]gitignore.Pattern, 0, len(patterns))
	for _, p := range patterns {
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}
		pats = append(pats, gitignore.ParsePattern(p, nil))
	}
	return &skipMatcher{matcher: gitignore.NewMatcher(pats)}
}

// match reports whether relPath (slash-separated, relative to the dir
// source's root) should be skipped.
func (s *skipMatcher) match(relPath string, isDir bool) bool {
	if s.matcher == nil {
		return false
	}
	return s.matcher.Match(splitPath(relPath), isDir)
}

func splitPath(p string) []string {
	p = filepath.ToSlash(filepath.Clean(p))
	if p == "." {
		return nil
	}
	return strings.Split(p, "/")
}
