package pattern

import "testing"

func TestMatchAnchored(t *testing.T) {
	if !Match("/share/doc", "share/doc") {
		t.Fatal("expected anchored match")
	}
	if Match("/share/doc", "app/share/doc") {
		t.Fatal("anchored pattern should not match as a suffix")
	}
}

func TestMatchSuffix(t *testing.T) {
	if !Match("*.la", "lib/foo.la") {
		t.Fatal("expected suffix glob match")
	}
	if Match("*.la", "lib/foo.laa") {
		t.Fatal("unexpected match")
	}
}

func TestAnyAncestorMatches(t *testing.T) {
	if !AnyAncestorMatches([]string{"share/doc"}, "share/doc/README") {
		t.Fatal("expected ancestor match")
	}
	if AnyAncestorMatches([]string{"share/nope"}, "share/doc/README") {
		t.Fatal("unexpected ancestor match")
	}
}
