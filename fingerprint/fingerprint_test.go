package fingerprint

import (
	"bytes"
	"testing"
)

func TestDeterminism(t *testing.T) {
	// Testable Property 1: equal canonical inputs produce bitwise-equal sums.
	build := func() []byte {
		a := New(SHA256, "module-v2")
		a.String("hello")
		a.StringList([]string{"a", "b"})
		a.Bool(true)
		a.Uint32(7)
		return a.Sum()
	}
	s1, s2 := build(), build()
	if !bytes.Equal(s1, s2) {
		t.Fatalf("expected identical sums, got %x vs %x", s1, s2)
	}
}

func TestNullVsEmptyString(t *testing.T) {
	a1 := New(SHA256, "v")
	a1.NullableString("", true)
	sumEmpty := a1.Sum()

	a2 := New(SHA256, "v")
	a2.NullableString("", false)
	sumNull := a2.Sum()

	if bytes.Equal(sumEmpty, sumNull) {
		t.Fatalf("NULL and empty string must not hash equal")
	}
}

func TestCompatMonotonicity(t *testing.T) {
	// Testable Property 2: a compat-variant field left at its zero value
	// must not perturb the key relative to a build that never knew about
	// the field at all.
	before := func() []byte {
		a := New(SHA256, "module-v2")
		a.String("name")
		return a.Sum()
	}()

	after := func() []byte {
		a := New(SHA256, "module-v2")
		a.String("name")
		a.CompatString("")
		a.CompatStrv(nil)
		a.CompatBool(false)
		return a.Sum()
	}()

	if !bytes.Equal(before, after) {
		t.Fatalf("compat fields at zero value changed the key: %x vs %x", before, after)
	}
}

func TestCompatNonZeroChangesKey(t *testing.T) {
	base := func() []byte {
		a := New(SHA256, "module-v2")
		a.String("name")
		a.CompatString("")
		return a.Sum()
	}()
	withValue := func() []byte {
		a := New(SHA256, "module-v2")
		a.String("name")
		a.CompatString("extension-tag")
		return a.Sum()
	}()
	if bytes.Equal(base, withValue) {
		t.Fatalf("a populated compat field must change the key")
	}
}

func TestChildChainsParent(t *testing.T) {
	parent := New(SHA256, "manifest-v4").String("org.ex.Hello").Sum()

	c1 := Child(SHA256, parent, "module-v2").String("hello").Sum()
	c2 := Child(SHA256, parent, "module-v2").String("hello").Sum()
	if !bytes.Equal(c1, c2) {
		t.Fatalf("expected deterministic child key")
	}

	otherParent := New(SHA256, "manifest-v4").String("org.ex.Other").Sum()
	c3 := Child(SHA256, otherParent, "module-v2").String("hello").Sum()
	if bytes.Equal(c1, c3) {
		t.Fatalf("different parent keys must not collide")
	}
}

func TestDigestFormat(t *testing.T) {
	d := New(SHA256, "v").String("x").Digest()
	if d.Algorithm().String() != "sha256" {
		t.Fatalf("expected sha256 digest, got %s", d.Algorithm())
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("invalid digest: %s", err)
	}
}
