package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"bundlehelper/manifest"
)

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestFetchPrimarySucceeds(t *testing.T) {
	body := []byte("hello world")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	dest := t.TempDir()
	path, err := Fetch(context.Background(), DownloadSpec{
		PrimaryURL: srv.URL + "/hello.tar.gz",
		Digests:    map[string]string{"sha256": sha256Hex(body)},
	}, dest)
	if err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(body) {
		t.Fatalf("got %q", got)
	}
}

// TestFetchMirrorFallback: the primary URL 500s, a
// mirror serves the correct bytes.
func TestFetchMirrorFallback(t *testing.T) {
	body := []byte("mirrored bytes")

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer good.Close()

	dest := t.TempDir()
	path, err := Fetch(context.Background(), DownloadSpec{
		PrimaryURL: bad.URL + "/x.tar.gz",
		Mirrors:    []string{good.URL + "/x.tar.gz"},
		Digests:    map[string]string{"sha256": sha256Hex(body)},
	}, dest)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != string(body) {
		t.Fatalf("expected mirrored bytes, got %q", got)
	}
}

// TestFetchDigestMismatchIsFatal: a flipped byte in the served archive
// must abort the download with a digest-mismatch error.
func TestFetchDigestMismatchIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("flipped byte"))
	}))
	defer srv.Close()

	dest := t.TempDir()
	_, err := Fetch(context.Background(), DownloadSpec{
		PrimaryURL: srv.URL + "/x.tar.gz",
		Digests:    map[string]string{"sha256": "0000000000000000000000000000000000000000000000000000000000000000"},
	}, dest)
	if err == nil {
		t.Fatalf("expected digest mismatch error")
	}
	if !IsIntegrityMismatch(err) {
		t.Fatalf("expected IsIntegrityMismatch, got %v", err)
	}
}

func TestFetchAllURLsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := Fetch(context.Background(), DownloadSpec{PrimaryURL: srv.URL + "/x"}, t.TempDir())
	if err == nil || !IsSourceUnavailable(err) {
		t.Fatalf("expected SourceUnavailable, got %v", err)
	}
}

func TestExtractFileSource(t *testing.T) {
	manifestDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(manifestDir, "readme.txt"), []byte("content"), 0644); err != nil {
		t.Fatal(err)
	}
	buildDir := t.TempDir()

	src := &manifest.Source{}
	if err := src.UnmarshalJSON([]byte(`{"type": "file", "path": "readme.txt"}`)); err != nil {
		t.Fatal(err)
	}
	err := Extract(context.Background(), src, Env{ManifestDir: manifestDir, BuildDir: buildDir})
	if err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(buildDir, "readme.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "content" {
		t.Fatalf("got %q", got)
	}
}

func TestExtractDirSourceRespectsSkip(t *testing.T) {
	manifestDir := t.TempDir()
	srcDir := filepath.Join(manifestDir, "srcdir")
	if err := os.MkdirAll(filepath.Join(srcDir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(srcDir, "keep.txt"), []byte("a"), 0644)
	os.WriteFile(filepath.Join(srcDir, "skip.log"), []byte("b"), 0644)
	os.WriteFile(filepath.Join(srcDir, "sub", "keep2.txt"), []byte("c"), 0644)

	buildDir := t.TempDir()
	src := &manifest.Source{}
	if err := src.UnmarshalJSON([]byte(`{"type": "dir", "path": "srcdir", "skip": ["*.log"]}`)); err != nil {
		t.Fatal(err)
	}
	if err := Extract(context.Background(), src, Env{ManifestDir: manifestDir, BuildDir: buildDir}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(buildDir, "keep.txt")); err != nil {
		t.Fatalf("expected keep.txt to be copied: %s", err)
	}
	if _, err := os.Stat(filepath.Join(buildDir, "sub", "keep2.txt")); err != nil {
		t.Fatalf("expected sub/keep2.txt to be copied: %s", err)
	}
	if _, err := os.Stat(filepath.Join(buildDir, "skip.log")); err == nil {
		t.Fatalf("expected skip.log to be excluded")
	}
}

func TestExtractScriptSource(t *testing.T) {
	buildDir := t.TempDir()
	src := &manifest.Source{}
	if err := src.UnmarshalJSON([]byte(`{"type": "script", "script": ["#!/bin/sh", "echo hi"], "dest-filename": "run.sh"}`)); err != nil {
		t.Fatal(err)
	}
	if err := Extract(context.Background(), src, Env{BuildDir: buildDir}); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(buildDir, "run.sh"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&0111 == 0 {
		t.Fatalf("expected script to be executable")
	}
}
