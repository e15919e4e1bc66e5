package buildmodule

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestIsELF(t *testing.T) {
	dir := t.TempDir()
	elf := filepath.Join(dir, "bin")
	if err := os.WriteFile(elf, append([]byte{0x7f, 'E', 'L', 'F'}, 0, 0, 0), 0755); err != nil {
		t.Fatal(err)
	}
	if !isELF(elf) {
		t.Fatal("expected ELF magic to be detected")
	}

	text := filepath.Join(dir, "readme.txt")
	if err := os.WriteFile(text, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	if isELF(text) {
		t.Fatal("plain text should not be detected as ELF")
	}
}

func TestFixPythonTimestamps(t *testing.T) {
	dir := t.TempDir()
	py := filepath.Join(dir, "mod.py")
	pyc := filepath.Join(dir, "mod.pyc")
	if err := os.WriteFile(py, []byte("x = 1"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(pyc, []byte("compiled"), 0644); err != nil {
		t.Fatal(err)
	}
	want := time.Now().Add(-time.Hour).Truncate(time.Second)
	if err := os.Chtimes(py, want, want); err != nil {
		t.Fatal(err)
	}

	if err := FixPythonTimestamps(dir); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(pyc)
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(want) {
		t.Fatalf("expected .pyc mtime to match .py, got %s want %s", info.ModTime(), want)
	}
}

func TestMigrateLocalesNoop(t *testing.T) {
	dir := t.TempDir()
	if err := MigrateLocales(context.Background(), dir); err != nil {
		t.Fatalf("migrating absent locale dir should be a no-op, got %s", err)
	}
}

func TestMigrateLocalesMoves(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "share", "locale")
	if err := os.MkdirAll(src, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "fr.mo"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := MigrateLocales(context.Background(), dir); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(dir, "share", "runtime", "locale", "fr.mo")
	if _, err := os.Stat(dst); err != nil {
		t.Fatalf("expected locale to be moved to %s: %s", dst, err)
	}
}
