package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadInlineModule(t *testing.T) {
	dir := t.TempDir()
	root := writeFile(t, dir, "app.json", `{
		"id": "org.ex.Hello",
		"runtime": "org.ex.Runtime",
		"sdk": "org.ex.Sdk",
		"modules": [
			{"name": "hello", "buildsystem": "simple", "sources": []}
		]
	}`)

	m, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Modules) != 1 || m.Modules[0].Name != "hello" {
		t.Fatalf("unexpected modules: %+v", m.Modules)
	}
	if m.Branch != "master" || m.RuntimeVersion != "master" {
		t.Fatalf("expected default branch/runtime-version, got %q/%q", m.Branch, m.RuntimeVersion)
	}
	if !*m.AppstreamCompose || !*m.SeparateLocales {
		t.Fatalf("expected appstream-compose and separate-locales defaults true")
	}
}

func TestLoadModuleInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "hello.json", `{"name": "hello", "buildsystem": "simple"}`)
	root := writeFile(t, dir, "app.json", `{
		"id": "org.ex.Hello",
		"runtime": "org.ex.Runtime",
		"sdk": "org.ex.Sdk",
		"modules": ["hello.json"]
	}`)

	m, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Modules) != 1 || m.Modules[0].Name != "hello" {
		t.Fatalf("unexpected modules: %+v", m.Modules)
	}
}

func TestDuplicateModuleNameRejected(t *testing.T) {
	dir := t.TempDir()
	root := writeFile(t, dir, "app.json", `{
		"id": "org.ex.Hello",
		"runtime": "org.ex.Runtime",
		"sdk": "org.ex.Sdk",
		"modules": [
			{"name": "a", "buildsystem": "simple"},
			{"name": "a", "buildsystem": "simple"}
		]
	}`)
	m, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Validate(); err == nil {
		t.Fatalf("expected duplicate name to be rejected")
	}
}

func TestBuildRuntimeAndExtensionMutuallyExclusive(t *testing.T) {
	m := &Manifest{ID: "x", Runtime: "r", SDK: "s", BuildRuntime: true, BuildExtension: true}
	if _, err := m.Validate(); err == nil {
		t.Fatalf("expected mutual-exclusion error")
	}
}

func TestLegacyCmakeBool(t *testing.T) {
	mod := &Module{}
	if err := mod.UnmarshalJSON([]byte(`{"name": "m", "cmake": true}`)); err != nil {
		t.Fatal(err)
	}
	if mod.Buildsystem != BuildsystemCmake {
		t.Fatalf("expected cmake buildsystem, got %q", mod.Buildsystem)
	}
}

func TestSourceTaggedUnion(t *testing.T) {
	s := &Source{}
	if err := s.UnmarshalJSON([]byte(`{"type": "archive", "url": "https://example.com/x.tar.gz", "sha256": "deadbeef"}`)); err != nil {
		t.Fatal(err)
	}
	if s.Kind() != KindArchive || s.Archive.URL != "https://example.com/x.tar.gz" {
		t.Fatalf("unexpected decode: %+v", s)
	}
	if s.Checksums["sha256"] != "deadbeef" {
		t.Fatalf("expected sha256 digest recorded")
	}
}

func TestLoadYAMLManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "hello.yaml", "name: hello\nbuildsystem: simple\n")
	root := writeFile(t, dir, "app.yaml", `
id: org.ex.Hello
runtime: org.ex.Runtime
sdk: org.ex.Sdk
modules:
  - hello.yaml
  - name: inline
    buildsystem: simple
    sources:
      - type: file
        path: README
`)

	m, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != "org.ex.Hello" {
		t.Fatalf("unexpected id: %q", m.ID)
	}
	if len(m.Modules) != 2 || m.Modules[0].Name != "hello" || m.Modules[1].Name != "inline" {
		t.Fatalf("unexpected modules: %+v", m.Modules)
	}
	if len(m.Modules[1].Sources) != 1 || m.Modules[1].Sources[0].Kind() != KindFile {
		t.Fatalf("unexpected sources on inline module: %+v", m.Modules[1].Sources)
	}
}

func TestEnabledModulesDepthFirst(t *testing.T) {
	mods := []*Module{
		{Name: "a"},
		{Name: "b", Modules: []*Module{{Name: "b-child"}}},
		{Name: "c", Disabled: true},
	}
	order := EnabledModules(mods, "")
	var names []string
	for _, m := range order {
		names = append(names, m.Name)
	}
	want := []string{"a", "b-child", "b"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %v, want %v", names, want)
		}
	}
}
