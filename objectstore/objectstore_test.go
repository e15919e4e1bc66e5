package objectstore

import (
	"os"
	"path/filepath"
	"testing"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	stateDir := t.TempDir()
	tree := t.TempDir()
	s, err := Open(stateDir, "main", tree)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s, tree
}

func writeTreeFile(t *testing.T, tree, rel, content string) {
	t.Helper()
	full := filepath.Join(tree, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLookupMissIsFalse(t *testing.T) {
	s, _ := openStore(t)
	hit, err := s.Lookup("nosuchkey")
	if err != nil {
		t.Fatal(err)
	}
	if hit {
		t.Fatalf("expected miss")
	}
}

func TestCommitThenLookupHits(t *testing.T) {
	s, tree := openStore(t)
	writeTreeFile(t, tree, "a.txt", "hello")
	if err := s.Commit("key1", "stage one"); err != nil {
		t.Fatal(err)
	}

	// Mutate the live tree so a fast-forward restore is observable.
	writeTreeFile(t, tree, "a.txt", "mutated")
	writeTreeFile(t, tree, "b.txt", "new file")

	hit, err := s.Lookup("key1")
	if err != nil {
		t.Fatal(err)
	}
	if !hit {
		t.Fatalf("expected hit")
	}
	got, err := os.ReadFile(filepath.Join(tree, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("expected restored snapshot content, got %q", got)
	}
	if _, err := os.Stat(filepath.Join(tree, "b.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected b.txt to be removed by fast-forward restore")
	}
}

func TestGetChangesTracksAdditionsAndModificationsAcrossCommits(t *testing.T) {
	s, tree := openStore(t)
	writeTreeFile(t, tree, "base.txt", "v1")
	writeTreeFile(t, tree, "same.txt", "untouched")
	if err := s.Commit("k1", "base"); err != nil {
		t.Fatal(err)
	}

	writeTreeFile(t, tree, "base.txt", "v2")
	writeTreeFile(t, tree, "extra.txt", "added")
	if err := s.Commit("k2", "second"); err != nil {
		t.Fatal(err)
	}

	cs, err := s.GetChanges()
	if err != nil {
		t.Fatal(err)
	}
	if len(cs.Added) != 1 || cs.Added[0] != "extra.txt" {
		t.Fatalf("expected extra.txt added, got %+v", cs)
	}
	if len(cs.Modified) != 1 || cs.Modified[0] != "base.txt" {
		t.Fatalf("expected base.txt modified, got %+v", cs)
	}
	all := cs.All()
	for _, f := range all {
		if f == "same.txt" {
			t.Fatalf("expected same.txt to be absent from the change set, got %v", all)
		}
	}
}

func TestGetChangesReportsSameSizeContentRewrite(t *testing.T) {
	s, tree := openStore(t)
	writeTreeFile(t, tree, "lib.so", "AAAA")
	if err := s.Commit("k1", "base"); err != nil {
		t.Fatal(err)
	}

	// Same byte length, different content: the size shortcut must not hide it.
	writeTreeFile(t, tree, "lib.so", "BBBB")
	if err := s.Commit("k2", "second"); err != nil {
		t.Fatal(err)
	}

	cs, err := s.GetChanges()
	if err != nil {
		t.Fatal(err)
	}
	if len(cs.Modified) != 1 || cs.Modified[0] != "lib.so" {
		t.Fatalf("expected lib.so modified, got %+v", cs)
	}
}

func TestGetAllChangesIncludesRemovals(t *testing.T) {
	s, tree := openStore(t)
	writeTreeFile(t, tree, "keep.txt", "1")
	writeTreeFile(t, tree, "gone.txt", "2")
	if err := s.Commit("k1", "base"); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(filepath.Join(tree, "gone.txt")); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit("k2", "second"); err != nil {
		t.Fatal(err)
	}

	cs, err := s.GetAllChanges()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, r := range cs.Removed {
		if r == "gone.txt" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected gone.txt in removed set, got %+v", cs)
	}
}

func TestGetFilesReturnsCurrentSnapshotList(t *testing.T) {
	s, tree := openStore(t)
	writeTreeFile(t, tree, "one.txt", "a")
	writeTreeFile(t, tree, "sub/two.txt", "b")
	if err := s.Commit("k1", "base"); err != nil {
		t.Fatal(err)
	}
	files, err := s.GetFiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %v", files)
	}
}

func TestReopenPreservesHead(t *testing.T) {
	stateDir := t.TempDir()
	tree := t.TempDir()
	s, err := Open(stateDir, "main", tree)
	if err != nil {
		t.Fatal(err)
	}
	writeTreeFile(t, tree, "a.txt", "hello")
	if err := s.Commit("k1", "base"); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := Open(stateDir, "main", tree)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	hit, err := s2.Lookup("k1")
	if err != nil {
		t.Fatal(err)
	}
	if !hit {
		t.Fatalf("expected k1 to still be recorded after reopen")
	}
}
