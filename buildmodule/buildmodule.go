// Package buildmodule implements the per-module build pipeline:
// fingerprint -> cache probe -> extract -> configure -> build -> install ->
// test -> post-process -> commit, across the six supported build systems.
package buildmodule

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"bundlehelper/cowfs"
	"bundlehelper/fingerprint"
	"bundlehelper/manifest"
	"bundlehelper/objectstore"
	"bundlehelper/pattern"
	"bundlehelper/sandbox"
	"bundlehelper/source"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

// isBuildStepFailure tags a nonzero configure/build/install/test subprocess
// exit.
var isBuildStepFailure = errors.BoolTag{Key: errors.NewTagKey("build step failure")}

func IsBuildStepFailure(err error) bool { return isBuildStepFailure.In(err) }

// Deps bundles the collaborators and state a module build needs.
type Deps struct {
	Manifest     *manifest.Manifest
	Store        *objectstore.Store
	Sandbox      *sandbox.Runner
	Cow          *cowfs.Manager
	ManifestDir  string
	DownloadsDir string
	SourcesURLs  []string // optional download-cache base URIs, tried before primary URLs
	StateDir     string   // root state dir; build/ subdirs are allocated under here
	AppDir       string   // the live (un-overlaid) app tree
	Arch         string
	Algorithm    fingerprint.Algorithm
	NumJobs      int  // 0 = auto-detect online CPUs
	UpdateVCS    bool // mirrors --disable-updates (inverted)
	RunShell     bool // drop into an interactive shell instead of building
}

// Result is what a module build stage reports back to the orchestrator.
type Result struct {
	Key      []byte // running fingerprint sum, chained into the next module's key
	CacheHit bool
	Changes  objectstore.ChangeSet
}

// Build runs the full per-module pipeline. opts is the module's
// already-inherited, arch-resolved build options.
func Build(ctx context.Context, deps Deps, parentKey []byte, mod *manifest.Module, opts *manifest.BuildOptions) (Result, error) {
	acc := fingerprint.Child(deps.Algorithm, parentKey, "module-v2")
	mod.Checksum(acc, deps.Arch)
	sum := acc.Sum()
	key := acc.Digest().String()

	hit, err := deps.Store.Lookup(key)
	if err != nil {
		return Result{}, errors.Annotate(err, "module %s: cache lookup", mod.Name).Err()
	}

	if hit {
		logging.Infof(ctx, "Cache hit for module %q", mod.Name)
	} else {
		if err := buildOne(ctx, deps, mod, opts); err != nil {
			return Result{}, errors.Annotate(err, "module %s", mod.Name).Tag(isBuildStepFailure).Err()
		}
		if err := deps.Store.Commit(key, "Built "+mod.Name); err != nil {
			return Result{}, errors.Annotate(err, "module %s: commit", mod.Name).Err()
		}
	}

	changes, err := deps.Store.GetChanges()
	if err != nil {
		return Result{}, errors.Annotate(err, "module %s: change-set", mod.Name).Err()
	}
	mod.ChangeSet = changes.All()

	if err := writeAuxDigest(deps.StateDir, deps.Arch, mod.Name, key); err != nil {
		logging.Warningf(ctx, "module %s: recording digest: %s", mod.Name, err)
	}

	// Regardless of cache hit or miss, give every source a chance to
	// refresh (git fetch etc.), honoring UpdateVCS.
	env := sourceEnv(deps, "", "")
	for _, src := range mod.Sources {
		if err := source.Download(ctx, src, env); err != nil && !source.IsSourceUnavailable(err) {
			return Result{}, errors.Annotate(err, "module %s: source update", mod.Name).Err()
		}
	}

	return Result{Key: sum, CacheHit: hit, Changes: changes}, nil
}

func sourceEnv(deps Deps, buildDir, appDir string) source.Env {
	return source.Env{
		ManifestDir:  deps.ManifestDir,
		DownloadsDir: deps.DownloadsDir,
		SourcesURLs:  deps.SourcesURLs,
		BuildDir:     buildDir,
		AppDir:       appDir,
		Sandbox:      deps.Sandbox,
		UpdateVCS:    deps.UpdateVCS,
	}
}

func buildOne(ctx context.Context, deps Deps, mod *manifest.Module, opts *manifest.BuildOptions) error {
	if len(mod.EnsureWritable) > 0 {
		if err := breakHardlinks(deps.AppDir, mod.EnsureWritable); err != nil {
			return errors.Annotate(err, "ensure-writable").Err()
		}
	}

	buildDir, err := allocBuildDir(deps.StateDir, mod.Name)
	if err != nil {
		return errors.Annotate(err, "allocating build dir").Err()
	}
	succeeded := false
	defer func() {
		keep := mod.KeepBuildDirs || (!succeeded && !mod.DeleteBuildDirs)
		if !keep {
			os.RemoveAll(buildDir)
		}
	}()

	source.SetDownloadsRoot(deps.DownloadsDir)

	appDir, err := deps.Cow.Enable(ctx)
	if err != nil {
		return errors.Annotate(err, "enabling COW workspace").Err()
	}
	defer func() {
		if err := deps.Cow.Disable(); err != nil {
			logging.Warningf(ctx, "module %s: disabling COW workspace: %s", mod.Name, err)
		}
	}()

	env := sourceEnv(deps, buildDir, appDir)
	for _, src := range mod.Sources {
		if err := source.Extract(ctx, src, env); err != nil {
			return errors.Annotate(err, "extracting source").Err()
		}
	}

	srcDir := buildDir
	if mod.Subdir != "" {
		srcDir = filepath.Join(buildDir, mod.Subdir)
	}
	absSrcDir, err := filepath.Abs(srcDir)
	if err != nil {
		return err
	}
	realSrcDir := absSrcDir
	if resolved, err := filepath.EvalSymlinks(absSrcDir); err == nil {
		realSrcDir = resolved
	}

	isRuntime := deps.Manifest != nil && deps.Manifest.BuildRuntime
	alias := sandbox.BuildAlias(mod.Name, isRuntime)

	// Expose the realpath-resolved source tree at its in-sandbox alias, and
	// keep the original path working too when symlink resolution moved it.
	mounts := []sandbox.Mount{{Original: alias, Canonical: realSrcDir}}
	if realSrcDir != absSrcDir {
		mounts = append(mounts, sandbox.Mount{Original: absSrcDir, Canonical: realSrcDir})
	}

	jobs := deps.NumJobs
	if jobs <= 0 {
		jobs = onlineCPUs()
	}

	if deps.RunShell {
		return sandbox.Execv(sandbox.Invocation{
			Driver:        deps.Sandbox.Driver,
			AppDir:        appDir,
			SourceTree:    realSrcDir,
			Mounts:        mounts,
			BuildDirAlias: alias,
			Command:       []string{"/bin/sh"},
		})
	}

	bldDirAlias := alias
	if mod.Subdir != "" {
		bldDirAlias = filepath.Join(alias, mod.Subdir)
	}

	if mod.Buildsystem != manifest.BuildsystemSimple {
		if err := configureModule(ctx, deps, mod, opts, appDir, realSrcDir, alias, bldDirAlias, mounts); err != nil {
			return err
		}
	}

	if err := buildModule(ctx, deps, mod, opts, appDir, realSrcDir, bldDirAlias, jobs, mounts); err != nil {
		return err
	}

	if deps.Manifest != nil && deps.Manifest.SeparateLocales != nil && *deps.Manifest.SeparateLocales {
		if err := MigrateLocales(ctx, appDir); err != nil {
			return err
		}
	}

	if mod.RunTests {
		if err := runTests(ctx, deps, mod, opts, appDir, bldDirAlias, jobs, mounts); err != nil {
			return err
		}
	}

	buildExtension := deps.Manifest != nil && deps.Manifest.BuildExtension
	if err := postProcess(ctx, appDir, mod, opts, buildExtension); err != nil {
		return err
	}

	succeeded = true
	return nil
}

// configureModule runs the buildsystem-appropriate configure step.
func configureModule(ctx context.Context, deps Deps, mod *manifest.Module, opts *manifest.BuildOptions, appDir, realSrcDir, srcAlias, bldAlias string, mounts []sandbox.Mount) error {
	if mod.RmConfigure {
		os.Remove(filepath.Join(realSrcDir, "configure"))
	}

	bld := needsBuildDir(mod.Buildsystem, mod.Builddir)
	buildSubdir := realSrcDir
	buildAliasDir := bldAlias
	relSrcFromBuildDir := "."
	if bld {
		buildSubdir = filepath.Join(realSrcDir, "_flatpak_build")
		buildAliasDir = filepath.Join(bldAlias, "_flatpak_build")
		if err := os.MkdirAll(buildSubdir, 0755); err != nil {
			return err
		}
		relSrcFromBuildDir = ".."
	}

	if mod.Buildsystem == manifest.BuildsystemAutotools {
		if _, err := os.Stat(filepath.Join(realSrcDir, "configure")); os.IsNotExist(err) && !mod.NoAutogen {
			if err := runAutogen(ctx, deps, mod, appDir, realSrcDir, srcAlias, mounts); err != nil {
				return err
			}
		}
		if _, err := os.Stat(filepath.Join(realSrcDir, "configure")); err != nil {
			return errors.Reason("module %s: no configure script after autogen", mod.Name).Err()
		}
	} else if prereq := prereqFile(mod.Buildsystem); prereq != "" {
		if _, err := os.Stat(filepath.Join(realSrcDir, prereq)); err != nil {
			return errors.Reason("module %s: missing %s", mod.Name, prereq).Err()
		}
	}

	argv, err := configureArgv(mod.Buildsystem, opts, mod, realSrcDir, relSrcFromBuildDir)
	if err != nil {
		return errors.Annotate(err, "module %s: configure", mod.Name).Err()
	}
	if len(argv) == 0 {
		return nil
	}

	if err := deps.Sandbox.Run(ctx, appDir, realSrcDir, buildAliasDir, argv, mounts); err != nil {
		return errors.Annotate(err, "module %s: configure failed", mod.Name).Tag(isBuildStepFailure).Err()
	}

	for _, name := range followupFiles(mod.Buildsystem) {
		if _, err := os.Stat(filepath.Join(buildSubdir, name)); err == nil {
			return nil
		}
	}
	return errors.Reason("module %s: configure did not produce %v", mod.Name, followupFiles(mod.Buildsystem)).
		Tag(isBuildStepFailure).Err()
}

var autogenNames = []string{"autogen", "autogen.sh", "bootstrap", "bootstrap.sh"}

func runAutogen(ctx context.Context, deps Deps, mod *manifest.Module, appDir, realSrcDir, srcAlias string, mounts []sandbox.Mount) error {
	var found string
	for _, name := range autogenNames {
		if _, err := os.Stat(filepath.Join(realSrcDir, name)); err == nil {
			found = name
			break
		}
	}
	if found == "" {
		return errors.Reason("module %s: can't find autogen, autogen.sh or bootstrap", mod.Name).Err()
	}
	argv := []string{"./" + found}
	if err := deps.Sandbox.Run(ctx, appDir, realSrcDir, srcAlias, argv, mounts, "NOCONFIGURE=1"); err != nil {
		return errors.Annotate(err, "module %s: %s failed", mod.Name, found).Tag(isBuildStepFailure).Err()
	}
	return nil
}

// buildModule runs the build phase: make/ninja, build-commands, install,
// post-install.
func buildModule(ctx context.Context, deps Deps, mod *manifest.Module, opts *manifest.BuildOptions, appDir, realSrcDir, bldAlias string, jobs int, mounts []sandbox.Mount) error {
	makeCmd := makeCommand(mod.Buildsystem)
	var makeArgs []string
	if opts != nil {
		makeArgs = opts.MakeArgs
	}
	makeArgs = append(append([]string{}, makeArgs...), mod.MakeArgs...)

	if makeCmd != "" {
		argv := append([]string{makeCmd}, jobFlags(makeCmd, jobs, mod.NoParallelMake)...)
		argv = append(argv, makeArgs...)
		if err := deps.Sandbox.Run(ctx, appDir, realSrcDir, bldAlias, argv, mounts); err != nil {
			return errors.Annotate(err, "module %s: build failed", mod.Name).Tag(isBuildStepFailure).Err()
		}
	}

	for i, cmd := range mod.BuildCommands {
		if err := deps.Sandbox.Command(ctx, appDir, bldAlias, cmd); err != nil {
			return errors.Annotate(err, "module %s: build-command #%d failed", mod.Name, i+1).Tag(isBuildStepFailure).Err()
		}
	}

	if !mod.NoMakeInstall && makeCmd != "" {
		var makeInstallArgs []string
		if opts != nil {
			makeInstallArgs = opts.MakeInstallArgs
		}
		makeInstallArgs = append(append([]string{}, makeInstallArgs...), mod.MakeInstallArgs...)
		rule := mod.InstallRule
		if rule == "" {
			rule = "install"
		}
		argv := append([]string{makeCmd, rule}, makeInstallArgs...)
		if err := deps.Sandbox.Run(ctx, appDir, realSrcDir, bldAlias, argv, mounts); err != nil {
			return errors.Annotate(err, "module %s: install failed", mod.Name).Tag(isBuildStepFailure).Err()
		}
	}

	for i, cmd := range mod.PostInstall {
		if err := deps.Sandbox.Command(ctx, appDir, bldAlias, cmd); err != nil {
			return errors.Annotate(err, "module %s: post-install #%d failed", mod.Name, i+1).Tag(isBuildStepFailure).Err()
		}
	}

	return nil
}

func runTests(ctx context.Context, deps Deps, mod *manifest.Module, opts *manifest.BuildOptions, appDir, bldAlias string, jobs int, mounts []sandbox.Mount) error {
	makeCmd := makeCommand(mod.Buildsystem)
	if makeCmd != "" {
		rule := mod.TestRule
		if rule == "" {
			rule = "check"
		}
		var testArgs []string
		if opts != nil {
			testArgs = opts.TestArgs
		}
		argv := append([]string{makeCmd, rule}, testArgs...)
		if err := deps.Sandbox.Run(ctx, appDir, "", bldAlias, argv, mounts); err != nil {
			return errors.Annotate(err, "module %s: tests failed", mod.Name).Tag(isBuildStepFailure).Err()
		}
	}
	for i, cmd := range mod.TestCommands {
		if err := deps.Sandbox.Command(ctx, appDir, bldAlias, cmd); err != nil {
			return errors.Annotate(err, "module %s: test-command #%d failed", mod.Name, i+1).Tag(isBuildStepFailure).Err()
		}
	}
	return nil
}

// postProcess applies the python-timestamp and strip/debuginfo
// flags, as derived from the module's effective build options. Debuginfo
// extraction is skipped for extension builds: an extension's debug symbols
// belong to the extended app's debug extension, not one of its own.
func postProcess(ctx context.Context, appDir string, mod *manifest.Module, opts *manifest.BuildOptions, buildExtension bool) error {
	if !mod.NoPythonTimestampFix {
		if err := FixPythonTimestamps(appDir); err != nil {
			return errors.Annotate(err, "module %s: python timestamp fix", mod.Name).Err()
		}
	}

	strip := opts != nil && opts.Strip
	noDebuginfo := opts != nil && opts.NoDebuginfo
	switch {
	case strip:
		if err := stripBinaries(ctx, appDir); err != nil {
			return errors.Annotate(err, "module %s: strip", mod.Name).Err()
		}
	case !noDebuginfo && !buildExtension:
		compress := !(opts != nil && opts.NoDebuginfoCompression)
		if err := extractDebugInfo(ctx, appDir, compress); err != nil {
			return errors.Annotate(err, "module %s: debuginfo extraction", mod.Name).Err()
		}
	}
	return nil
}

// writeAuxDigest records the module's stage digest in the flat
// state/checksums/<arch>-<name> file, a
// user-visible cache of auxiliary digests.
func writeAuxDigest(stateDir, arch, name, digest string) error {
	dir := filepath.Join(stateDir, "checksums")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, arch+"-"+name), []byte(digest+"\n"), 0644)
}

// allocBuildDir allocates state/build/<name>-<N> for the lowest unused N,
// and points the unversioned state/build/<name> symlink at it.
func allocBuildDir(stateDir, name string) (string, error) {
	root := filepath.Join(stateDir, "build")
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", err
	}
	for n := 0; ; n++ {
		candidate := filepath.Join(root, fmt.Sprintf("%s-%d", name, n))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			if err := os.MkdirAll(candidate, 0755); err != nil {
				return "", err
			}
			link := filepath.Join(root, name)
			os.Remove(link)
			if err := os.Symlink(filepath.Base(candidate), link); err != nil {
				return "", errors.Annotate(err, "symlinking %s", link).Err()
			}
			return candidate, nil
		}
	}
}

// breakHardlinks enumerates every file under root and, for any whose
// relative path matches one of patterns, rewrites it in place so it no
// longer shares an inode with the content-addressed cache.
func breakHardlinks(root string, patterns []string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if !pattern.MatchAny(patterns, rel) {
			return nil
		}
		st, ok := info.Sys().(*syscall.Stat_t)
		if !ok || st.Nlink < 2 {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		tmp := path + ".cow-tmp"
		if err := os.WriteFile(tmp, data, info.Mode()); err != nil {
			return err
		}
		return os.Rename(tmp, path)
	})
}
