// Package pattern implements the cleanup/ensure-writable pattern-expansion
// rules shared by the module executor and the manifest orchestrator
//: "a pattern matches a path if it is literal-equal or a
// glob; if it begins with a directory separator it is anchored at the
// app/runtime root; otherwise it matches any suffix of a path."
package pattern

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// MatchAny reports whether relPath (slash-separated, relative to the tree
// root) is matched by any of patterns.
func MatchAny(patterns []string, relPath string) bool {
	for _, p := range patterns {
		if Match(p, relPath) {
			return true
		}
	}
	return false
}

// Match reports whether a single pattern matches relPath under the
// anchored/suffix rule above.
func Match(p, relPath string) bool {
	relPath = strings.TrimPrefix(relPath, "/")
	if strings.HasPrefix(p, "/") {
		return globOrLiteral(strings.TrimPrefix(p, "/"), relPath)
	}
	parts := strings.Split(relPath, "/")
	for i := range parts {
		if globOrLiteral(p, strings.Join(parts[i:], "/")) {
			return true
		}
	}
	return false
}

func globOrLiteral(p, s string) bool {
	if p == s {
		return true
	}
	ok, err := doublestar.Match(p, s)
	return err == nil && ok
}

// AnyAncestorMatches reports whether any ancestor directory of relPath
// (including relPath itself) matches one of patterns. Used for the
// debug-info cleanup rule.
func AnyAncestorMatches(patterns []string, relPath string) bool {
	parts := strings.Split(strings.TrimPrefix(relPath, "/"), "/")
	for i := len(parts); i > 0; i-- {
		if MatchAny(patterns, strings.Join(parts[:i], "/")) {
			return true
		}
	}
	return false
}
