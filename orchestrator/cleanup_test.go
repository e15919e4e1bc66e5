package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeFileT(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestRenameIconsRenamesThemedAndSymbolicVariants(t *testing.T) {
	appDir := t.TempDir()
	icons := filepath.Join(appDir, "share", "icons")

	writeFileT(t, filepath.Join(icons, "hicolor", "64x64", "apps", "foo.png"))
	writeFileT(t, filepath.Join(icons, "hicolor", "scalable", "foo-symbolic.svg"))

	renameIcons(context.Background(), icons, "foo", "org.ex.App")

	for _, want := range []string{
		filepath.Join(icons, "hicolor", "64x64", "apps", "org.ex.App.png"),
		filepath.Join(icons, "hicolor", "scalable", "org.ex.App-symbolic.svg"),
	} {
		if _, err := os.Stat(want); err != nil {
			t.Errorf("expected renamed icon %s: %v", want, err)
		}
	}
}

func TestRenameIconsSkipsUnrecognizedExtensionAndDeepFiles(t *testing.T) {
	appDir := t.TempDir()
	icons := filepath.Join(appDir, "share", "icons")

	notIcon := filepath.Join(icons, "hicolor", "64x64", "apps", "foo.txt")
	tooDeep := filepath.Join(icons, "a", "b", "c", "d", "e", "foo.png")
	writeFileT(t, notIcon)
	writeFileT(t, tooDeep)

	renameIcons(context.Background(), icons, "foo", "org.ex.App")

	for _, still := range []string{notIcon, tooDeep} {
		if _, err := os.Stat(still); err != nil {
			t.Errorf("expected %s to be left alone: %v", still, err)
		}
	}
}

func TestRenameIconsLeavesOtherBasenamesAlone(t *testing.T) {
	appDir := t.TempDir()
	icons := filepath.Join(appDir, "share", "icons")

	other := filepath.Join(icons, "hicolor", "64x64", "apps", "foobar.png")
	writeFileT(t, other)

	renameIcons(context.Background(), icons, "foo", "org.ex.App")

	if _, err := os.Stat(other); err != nil {
		t.Errorf("expected %s untouched: %v", other, err)
	}
}

func TestTrimUsrPrefix(t *testing.T) {
	if got := trimUsrPrefix("usr/lib/libfoo.so"); got != "lib/libfoo.so" {
		t.Fatalf("got %q", got)
	}
	if got := trimUsrPrefix("files/manifest.json"); got != "" {
		t.Fatalf("expected empty for non-usr path, got %q", got)
	}
}

func TestRemoveEmptyDirsKeepsPopulatedOnes(t *testing.T) {
	root := t.TempDir()
	empty := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(empty, 0755); err != nil {
		t.Fatal(err)
	}
	kept := filepath.Join(root, "c")
	writeFileT(t, filepath.Join(kept, "file"))

	removeEmptyDirs(root)

	if _, err := os.Stat(empty); !os.IsNotExist(err) {
		t.Errorf("expected %s pruned", empty)
	}
	if _, err := os.Stat(filepath.Join(kept, "file")); err != nil {
		t.Errorf("expected %s kept: %v", kept, err)
	}
}
