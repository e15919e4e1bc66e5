package cowfs

import (
	"context"
	"os"
	"testing"
)

// TestEnableFallsBackWhenHelperAbsent exercises the no-op fallback path
//: when the overlay helper binary isn't on PATH, Enable must
// hand back the backing dir unchanged rather than error.
func TestEnableFallsBackWhenHelperAbsent(t *testing.T) {
	orig := Helper
	Helper = "no-such-cow-helper-binary-xyz"
	helperLooked = false // force re-probe since the package caches the result
	defer func() {
		Helper = orig
		helperLooked = false
	}()

	backing := t.TempDir()
	m := &Manager{BackingDir: backing, StateDir: t.TempDir()}
	path, err := m.Enable(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if path != backing {
		t.Fatalf("expected fallback to backing dir %q, got %q", backing, path)
	}
	if m.Active() {
		t.Fatalf("fallback path must not count as an active overlay")
	}
}

func TestDisableWithoutEnableIsNoop(t *testing.T) {
	m := &Manager{BackingDir: t.TempDir(), StateDir: t.TempDir()}
	if err := m.Disable(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestEnableIsIdempotentWhileActive(t *testing.T) {
	orig := Helper
	Helper = "no-such-cow-helper-binary-xyz"
	helperLooked = false
	defer func() {
		Helper = orig
		helperLooked = false
	}()

	m := &Manager{BackingDir: t.TempDir(), StateDir: t.TempDir()}
	p1, err := m.Enable(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p2, err := m.Enable(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Fatalf("expected repeated Enable to return the same path")
	}
}

func TestStateDirUnusedOnFallback(t *testing.T) {
	orig := Helper
	Helper = "no-such-cow-helper-binary-xyz"
	helperLooked = false
	defer func() {
		Helper = orig
		helperLooked = false
	}()

	stateDir := t.TempDir()
	m := &Manager{BackingDir: t.TempDir(), StateDir: stateDir}
	if _, err := m.Enable(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(stateDir + "/rofiles"); !os.IsNotExist(err) {
		t.Fatalf("expected no rofiles dir to be created on fallback path")
	}
}
