package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestArgvOrderMatchesDriverContract(t *testing.T) {
	inv := Invocation{
		SourceTree:    "/src/mod",
		Mounts:        []Mount{{Original: "/run/ccache", Canonical: "/state/ccache"}},
		BuildDirAlias: "/run/build/mod",
		Env:           []string{"FOO=bar"},
		ExtraArgs:     []string{"--share=network"},
		AppDir:        "/state/app",
		Command:       []string{"make", "install"},
	}
	args := inv.argv()
	joined := strings.Join(args, " ")

	wantOrder := []string{
		"build",
		"--die-with-parent",
		"--nofilesystem=host",
		"--filesystem=/src/mod",
		"--bind-mount=/run/ccache=/state/ccache",
		"--build-dir=/run/build/mod",
		"--env=FLATPAK_BUILDER_BUILDDIR=/run/build/mod",
		"--env=FOO=bar",
		"--share=network",
		"/state/app",
		"make",
		"install",
	}
	idx := 0
	for _, want := range wantOrder {
		pos := strings.Index(joined[idx:], want)
		if pos < 0 {
			t.Fatalf("expected %q to appear in order within %q", want, joined)
		}
		idx += pos + len(want)
	}
}

func TestBuildAliasPicksRuntimePrefix(t *testing.T) {
	if got := BuildAlias("foo", false); got != "/run/build/foo" {
		t.Fatalf("got %q", got)
	}
	if got := BuildAlias("foo", true); got != "/run/build-runtime/foo" {
		t.Fatalf("got %q", got)
	}
}

func TestRunnerEnvironDisablesCCacheByDefault(t *testing.T) {
	r := &Runner{}
	env := r.environ()
	found := false
	for _, e := range env {
		if e == "CCACHE_DIR=/run/ccache/disabled" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected ccache disabled marker, got %v", env)
	}
}

func TestRunnerEnvironEnablesCCache(t *testing.T) {
	r := &Runner{CCacheDir: "/state/ccache"}
	env := r.environ()
	var sawDir, sawPath bool
	for _, e := range env {
		if e == "CCACHE_DIR=/run/ccache" {
			sawDir = true
		}
		if strings.HasPrefix(e, "PATH=/run/ccache/bin:") {
			sawPath = true
		}
	}
	if !sawDir || !sawPath {
		t.Fatalf("expected ccache dir+path entries, got %v", env)
	}
}

func TestCCacheMountsNilWhenDisabled(t *testing.T) {
	r := &Runner{}
	if m := r.CCacheMounts(); m != nil {
		t.Fatalf("expected nil mounts, got %v", m)
	}
}

func TestSpawnvMissingDriverIsPluginNotFound(t *testing.T) {
	err := Spawnv(context.Background(), Invocation{Driver: "no-such-sandbox-driver-binary-xyz", AppDir: "/tmp/app"})
	if err == nil || !IsPluginNotFound(err) {
		t.Fatalf("expected PluginNotFound, got %v", err)
	}
}

func TestSetupCCacheWritesDisabledConf(t *testing.T) {
	stateDir := t.TempDir()
	if _, err := SetupCCache(stateDir); err != nil {
		t.Fatalf("SetupCCache: %v", err)
	}
	conf, err := os.ReadFile(filepath.Join(stateDir, "ccache", "disabled", "ccache.conf"))
	if err != nil {
		t.Fatalf("reading disabled conf: %v", err)
	}
	if string(conf) != "disable = true\n" {
		t.Fatalf("unexpected conf contents %q", conf)
	}
}
