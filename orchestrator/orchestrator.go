// Package orchestrator drives the per-invocation build pipeline: the
// eight stages, the cache-gated ones chaining a running fingerprint
// key from the manifest through every module build and into cleanup,
// finish, platform synthesis and source bundling.
package orchestrator

import (
	"context"
	"path/filepath"

	"bundlehelper/buildmodule"
	"bundlehelper/fingerprint"
	"bundlehelper/manifest"
	"bundlehelper/sandbox"
	"bundlehelper/source"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

// isManifestInvalid tags a manifest that fails a structural check discovered
// only once the build actually runs, beyond
// what manifest.Validate already catches at load time.
var isManifestInvalid = errors.BoolTag{Key: errors.NewTagKey("manifest invalid")}

func IsManifestInvalid(err error) bool { return isManifestInvalid.In(err) }

// Deps bundles everything the orchestrator and the module executor it
// drives need. It embeds buildmodule.Deps since every field there (the
// store, sandbox runner, COW manager, state directories, arch, job count)
// is also required at the orchestrator level.
type Deps struct {
	buildmodule.Deps

	// StopAtModule halts the build-modules stage right before this module
	// name would build, if non-empty: everything up to it is built, the
	// module itself is not.
	StopAtModule string
	// StopAfterModule halts the build-modules stage right after this module
	// name builds, if non-empty. Used by the build-module subcommand to
	// build through its target inclusively.
	StopAfterModule string
	// DisableDownload skips the dedicated download stage.
	DisableDownload bool
	// BundleSources enables stage 8.
	BundleSources bool
	// ManifestPath is the root manifest file's path on disk, copied
	// verbatim into the finished tree for provenance
	// and, when bundling is enabled, into sources/manifest/<id>.json.
	ManifestPath string
}

// Result reports what happened at the top level, for the CLI to log.
type Result struct {
	Stopped bool
	At      string
}

// Run executes the full pipeline against deps.Manifest.
func Run(ctx context.Context, deps Deps) (Result, error) {
	m := deps.Manifest

	if deps.StopAtModule != "" && findModule(m.Modules, deps.StopAtModule) == nil {
		return Result{}, errors.Reason("--stop-at module %q does not exist", deps.StopAtModule).
			Tag(isManifestInvalid).Err()
	}
	if deps.StopAfterModule != "" && findModule(m.Modules, deps.StopAfterModule) == nil {
		return Result{}, errors.Reason("module %q does not exist", deps.StopAfterModule).
			Tag(isManifestInvalid).Err()
	}

	if err := startStage(ctx, deps); err != nil {
		return Result{}, err
	}

	if !deps.DisableDownload {
		if err := downloadStage(ctx, deps); err != nil {
			return Result{}, err
		}
	}

	acc := fingerprint.New(deps.Algorithm, "manifest-v1")
	m.Checksum(acc)
	key := acc.Sum()

	key, err := initAppDirStage(ctx, deps, key)
	if err != nil {
		return Result{}, err
	}

	key, stoppedAt, err := buildModulesStage(ctx, deps, key)
	if err != nil {
		return Result{}, err
	}
	if stoppedAt != "" {
		if stoppedAt == deps.StopAtModule {
			logging.Infof(ctx, "Stopping at module %s", stoppedAt)
		}
		return Result{Stopped: true, At: stoppedAt}, nil
	}

	key, err = cleanupStage(ctx, deps, key)
	if err != nil {
		return Result{}, err
	}

	key, builtExtensions, err := finishStage(ctx, deps, key)
	if err != nil {
		return Result{}, err
	}

	if m.BuildRuntime && m.Platform != "" {
		key, err = createPlatformStage(ctx, deps, key)
		if err != nil {
			return Result{}, err
		}
	}

	if deps.BundleSources {
		if _, err := bundleSourcesStage(ctx, deps, key, builtExtensions); err != nil {
			return Result{}, err
		}
	}

	return Result{}, nil
}

func findModule(mods []*manifest.Module, name string) *manifest.Module {
	for _, mod := range mods {
		if mod.Name == name {
			return mod
		}
		if found := findModule(mod.Modules, name); found != nil {
			return found
		}
	}
	return nil
}

// startStage resolves commits for runtime/sdk/base via the sandbox driver's
// `info` command and loads optional SDK defaults. Not
// cache-gated: these are always refreshed, the way a VCS ref is always
// re-resolved.
func startStage(ctx context.Context, deps Deps) error {
	m := deps.Manifest
	driver := deps.Sandbox.Driver

	ref := "runtime/" + m.Runtime + "/" + deps.Arch + "/" + m.RuntimeVersion
	commit, err := sandbox.Info(ctx, driver, deps.Arch, ref, "--show-commit")
	if err != nil {
		return errors.Annotate(err, "resolving runtime commit").Err()
	}
	m.RuntimeCommit = commit

	sdkRef := "runtime/" + m.SDK + "/" + deps.Arch + "/" + m.RuntimeVersion
	sdkCommit, err := sandbox.Info(ctx, driver, deps.Arch, sdkRef, "--show-commit")
	if err != nil {
		return errors.Annotate(err, "resolving sdk commit").Err()
	}
	m.SDKCommit = sdkCommit

	if m.Base != "" {
		baseRef := "app/" + m.Base + "/" + deps.Arch + "/" + m.BaseVersion
		baseCommit, err := sandbox.Info(ctx, driver, deps.Arch, baseRef, "--show-commit")
		if err != nil {
			return errors.Annotate(err, "resolving base commit").Err()
		}
		m.BaseCommit = baseCommit
	}

	defaultsPath, err := sandbox.Info(ctx, driver, deps.Arch, sdkRef, "--show-path")
	if err == nil && defaultsPath != "" {
		loadSDKDefaults(ctx, filepath.Join(defaultsPath, "files", "etc", "bundlehelper", "defaults.json"), m)
	}

	return nil
}

// downloadStage fetches every enabled module's sources in build order,
// honoring --stop-at.
func downloadStage(ctx context.Context, deps Deps) error {
	env := source.Env{
		ManifestDir:  deps.ManifestDir,
		DownloadsDir: deps.DownloadsDir,
		SourcesURLs:  deps.SourcesURLs,
		Sandbox:      deps.Sandbox,
		UpdateVCS:    deps.UpdateVCS,
	}
	for _, mod := range manifest.EnabledModules(deps.Manifest.Modules, deps.Arch) {
		// --stop-at halts before the named module, so its sources are
		// never needed.
		if mod.Name == deps.StopAtModule {
			break
		}
		for _, src := range mod.Sources {
			if err := source.Download(ctx, src, env); err != nil {
				return errors.Annotate(err, "module %s: download", mod.Name).Err()
			}
		}
		if mod.Name == deps.StopAfterModule {
			break
		}
	}
	return nil
}

// initAppDirStage runs build-init and, for a runtime build, the same
// locale-migration and timestamp fixes the module executor applies.
func initAppDirStage(ctx context.Context, deps Deps, parentKey []byte) ([]byte, error) {
	return runStage(ctx, deps, parentKey, "init-app-dir", func(acc *fingerprint.Accumulator) {
		deps.Manifest.Checksum(acc)
	}, func(ctx context.Context, appDir string) error {
		m := deps.Manifest
		args := []string{"build-init", appDir, m.ID, m.SDK, m.Runtime, m.RuntimeVersion}
		for _, ext := range m.SdkExtensions {
			args = append(args, "--sdk-extension="+ext)
		}
		if m.ExtensionTag != "" {
			args = append(args, "--extension-tag="+m.ExtensionTag)
		}
		if m.BaseVersion != "" {
			args = append(args, "--base-version="+m.BaseVersion)
		}
		if err := sandbox.RunDriver(ctx, deps.Sandbox.Driver, args...); err != nil {
			return errors.Annotate(err, "build-init").Err()
		}
		if m.BuildRuntime && m.SeparateLocales != nil && *m.SeparateLocales {
			if err := buildmodule.MigrateLocales(ctx, appDir); err != nil {
				return err
			}
		}
		return buildmodule.FixPythonTimestamps(appDir)
	})
}

// runStage wraps one orchestrator stage in the cache-gate + COW
// enable/disable discipline common to every stage but build-modules: cache
// lookup, COW enable, stage body, commit, COW disable even on error.
func runStage(ctx context.Context, deps Deps, parentKey []byte, stageID string, fill func(acc *fingerprint.Accumulator), body func(ctx context.Context, appDir string) error) ([]byte, error) {
	// The salt carries a version suffix so changing a stage's encoding
	// forcibly invalidates old keys.
	acc := fingerprint.Child(deps.Algorithm, parentKey, stageID+"-v1")
	if fill != nil {
		fill(acc)
	}
	sum := acc.Sum()
	key := acc.Digest().String()

	hit, err := deps.Store.Lookup(key)
	if err != nil {
		return nil, errors.Annotate(err, "stage %s: cache lookup", stageID).Err()
	}
	if hit {
		logging.Infof(ctx, "Cache hit for stage %q", stageID)
		return sum, nil
	}

	appDir, err := deps.Cow.Enable(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "stage %s: enabling COW workspace", stageID).Err()
	}
	defer func() {
		if err := deps.Cow.Disable(); err != nil {
			logging.Warningf(ctx, "stage %s: disabling COW workspace: %s", stageID, err)
		}
	}()

	if err := body(ctx, appDir); err != nil {
		return nil, errors.Annotate(err, "stage %s", stageID).Err()
	}
	if err := deps.Store.Commit(key, "stage "+stageID); err != nil {
		return nil, errors.Annotate(err, "stage %s: commit", stageID).Err()
	}
	return sum, nil
}
