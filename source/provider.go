package source

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"bundlehelper/manifest"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

// SandboxRunner is the subset of the sandbox invoker that the `shell`
// source kind needs: running one command inside the sandboxed build
// environment. Declared here, implemented by package sandbox, to keep this
// package free of a dependency on the sandbox package's argv-building
// internals.
type SandboxRunner interface {
	Command(ctx context.Context, appDir, cwd, cmd string) error
}

// Env bundles the directories and collaborators a provider needs.
type Env struct {
	// ManifestDir is the directory containing the root manifest file; local
	// source kinds (file, dir, patch, script) resolve relative paths
	// against it.
	ManifestDir string
	// DownloadsDir is where fetched archives are cached, named by primary
	// digest.
	DownloadsDir string
	// SourcesURLs are optional base URIs probed for a cached copy before
	// a source's primary URL.
	SourcesURLs []string
	// BuildDir is the module's current build subdirectory; extraction
	// writes here.
	BuildDir string
	// AppDir is the (possibly COW-overlaid) app tree the `shell` source
	// kind's commands run against. Empty outside a build stage.
	AppDir string
	// Sandbox is used only by the `shell` source kind.
	Sandbox SandboxRunner
	// UpdateVCS mirrors the orchestrator's --disable-updates flag: when
	// false, VCS providers must not reach the network even if a fetch
	// would otherwise be attempted, and must fail with SourceUnavailable
	// rather than silently using stale data if nothing local exists.
	UpdateVCS bool
}

// Download fetches (or validates local availability of) the bytes for src,
// idempotent per its fingerprint. For local-only kinds
// (file, dir, patch, script, shell, extra-data) this is a no-op: they never
// touch the network.
func Download(ctx context.Context, src *manifest.Source, env Env) error {
	switch c := src.Concrete().(type) {
	case *manifest.ArchiveSource:
		digestDir := filepath.Join(env.DownloadsDir, primaryDigestDir(src))
		_, err := Fetch(ctx, DownloadSpec{
			PrimaryURL:       c.URL,
			SourcesURLs:      env.SourcesURLs,
			Mirrors:          src.Mirrors,
			Digests:          src.Checksums,
			BasenameOverride: c.DestFilename,
		}, digestDir)
		return err
	case *manifest.GitSource:
		return downloadGit(ctx, c, env)
	case *manifest.BzrSource:
		return downloadVCS(ctx, "bzr", []string{"branch", c.URL, localCheckoutDir(env, c.URL)}, env)
	case *manifest.SvnSource:
		return downloadVCS(ctx, "svn", []string{"checkout", c.URL, localCheckoutDir(env, c.URL)}, env)
	default:
		return nil
	}
}

// Extract materializes src's contents into env.BuildDir (or, for `shell`,
// runs its commands inside the sandbox).
func Extract(ctx context.Context, src *manifest.Source, env Env) error {
	dest := env.BuildDir
	if src.Dest != "" {
		dest = filepath.Join(dest, src.Dest)
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return errors.Annotate(err, "creating source destination %q", dest).Err()
	}

	switch c := src.Concrete().(type) {
	case *manifest.ArchiveSource:
		return extractArchive(ctx, src, c, dest)
	case *manifest.GitSource:
		return extractGit(ctx, c, env, dest)
	case *manifest.BzrSource:
		return copyTree(localCheckoutDir(env, c.URL), dest)
	case *manifest.SvnSource:
		return copyTree(localCheckoutDir(env, c.URL), dest)
	case *manifest.FileSource:
		return copyFile(resolveLocal(env, c.Path), filepath.Join(dest, filepath.Base(c.Path)))
	case *manifest.DirSource:
		return extractDir(c, resolveLocal(env, c.Path), dest)
	case *manifest.PatchSource:
		return applyPatch(ctx, c, resolveLocal(env, c.Path), env.BuildDir)
	case *manifest.ShellSource:
		return runShell(ctx, c, env)
	case *manifest.ScriptSource:
		return writeScript(c, dest)
	case *manifest.ExtraDataSource:
		return nil // metadata-only; contributes a finish-arg, nothing to extract
	default:
		return errors.Reason("unsupported source kind %q", src.Kind()).Err()
	}
}

func primaryDigestDir(src *manifest.Source) string {
	for _, alg := range []string{"sha256", "sha512", "sha1", "md5"} {
		if d, ok := src.Checksums[alg]; ok {
			return d
		}
	}
	return "nodigest"
}

func resolveLocal(env Env, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(env.ManifestDir, p)
}

func localCheckoutDir(env Env, url string) string {
	return filepath.Join(env.DownloadsDir, "vcs", digestString(url))
}

func digestString(s string) string {
	// Short, filesystem-safe directory name; collisions are inconsequential
	// here since it's just a cache path, not a security boundary.
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	const hex = "0123456789abcdef"
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[7-i] = hex[(h>>(4*i))&0xf]
	}
	return string(buf)
}

func runCmd(ctx context.Context, dir string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return errors.Annotate(err, "running %q", append([]string{name}, args...)).Err()
	}
	return nil
}

func downloadVCS(ctx context.Context, binary string, args []string, env Env) error {
	if !env.UpdateVCS {
		if _, err := os.Stat(args[len(args)-1]); err == nil {
			return nil
		}
		return errors.Reason("%s checkout missing and updates disabled", binary).Tag(isSourceUnavailable).Err()
	}
	if err := os.MkdirAll(filepath.Dir(args[len(args)-1]), 0755); err != nil {
		return err
	}
	logging.Infof(ctx, "Running %s %v", binary, args)
	if err := runCmd(ctx, "", binary, args...); err != nil {
		return errors.Annotate(err, "%s fetch failed", binary).Tag(isSourceUnavailable).Err()
	}
	return nil
}

func downloadGit(ctx context.Context, g *manifest.GitSource, env Env) error {
	dir := localCheckoutDir(env, g.URL)
	if _, err := os.Stat(dir); err == nil {
		if !env.UpdateVCS {
			return nil
		}
		args := []string{"-C", dir, "fetch"}
		if g.DisableFsckObjects {
			args = append(args, "-c", "fetch.fsckobjects=false")
		}
		logging.Infof(ctx, "Fetching %s", g.URL)
		return errors.Annotate(runCmd(ctx, "", "git", args...), "git fetch failed").Tag(isSourceUnavailable).Err()
	}
	if !env.UpdateVCS {
		return errors.Reason("git checkout missing and updates disabled").Tag(isSourceUnavailable).Err()
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return err
	}
	args := []string{"clone"}
	if g.DisableShallowClone {
		args = append(args, "--no-single-branch")
	}
	ref := g.Branch
	if g.Tag != "" {
		ref = g.Tag
	}
	if ref != "" {
		args = append(args, "--branch", ref)
	}
	args = append(args, g.URL, dir)
	logging.Infof(ctx, "Cloning %s", g.URL)
	if err := runCmd(ctx, "", "git", args...); err != nil {
		return errors.Annotate(err, "git clone failed").Tag(isSourceUnavailable).Err()
	}
	if g.Commit != "" {
		if err := runCmd(ctx, dir, "git", "checkout", g.Commit); err != nil {
			return errors.Annotate(err, "git checkout %s failed", g.Commit).Tag(isSourceUnavailable).Err()
		}
	}
	if !g.DisableSubmodules {
		if err := runCmd(ctx, dir, "git", "submodule", "update", "--init", "--recursive"); err != nil {
			return errors.Annotate(err, "git submodule update failed").Tag(isSourceUnavailable).Err()
		}
	}
	return nil
}
