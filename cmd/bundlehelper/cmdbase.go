package main

import (
	"context"
	"os"
	"path/filepath"
	"runtime"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/flag/stringlistflag"

	"bundlehelper/buildmodule"
	"bundlehelper/cowfs"
	"bundlehelper/fingerprint"
	"bundlehelper/manifest"
	"bundlehelper/objectstore"
	"bundlehelper/orchestrator"
	"bundlehelper/sandbox"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/system/signals"
)

// isUsageError tags errors caused by bad CLI flags or arguments.
var isUsageError = errors.BoolTag{Key: errors.NewTagKey("bad CLI invocation")}

func errBadFlag(flag, msg string) error {
	return errors.Reason("bad %q: %s", flag, msg).Tag(isUsageError).Err()
}

// execCb is the signature of a function that actually executes a subcommand.
type execCb func(ctx context.Context) error

// commandBase defines the flags shared by every subcommand that operates on
// a manifest and a build environment.
type commandBase struct {
	subcommands.CommandRunBase

	exec    execCb
	posArgs []*string

	logConfig logging.Config // -log-* flags

	arch         string              // -arch
	sourcesURLs  stringlistflag.Flag // -sources-url (repeatable)
	appDir       string              // -appdir
	stateDir     string              // -state-dir
	downloadsDir string              // -downloads-dir
	driver       string              // -driver
	algorithm    string              // -algorithm
	disableDL    bool                // -disable-download
	disableVCS   bool                // -disable-updates
	numJobs      int                 // -jobs
	verbose      bool                // -verbose
}

func (c *commandBase) init(exec execCb, posArgs []*string) {
	c.exec = exec
	c.posArgs = posArgs

	c.logConfig.Level = logging.Info
	c.logConfig.AddFlags(&c.Flags)

	c.Flags.StringVar(&c.arch, "arch", runtime.GOARCH, "CPU architecture to build for.")
	c.Flags.Var(&c.sourcesURLs, "sources-url", "Base URI to probe for cached source downloads before the primary URL; repeatable.")
	c.Flags.StringVar(&c.appDir, "appdir", "", "App/runtime directory to build into (default: <state-dir>/appdir).")
	c.Flags.StringVar(&c.stateDir, "state-dir", ".bundlehelper-state", "Directory holding the object store, downloads cache and build directories.")
	c.Flags.StringVar(&c.downloadsDir, "downloads-dir", "", "Directory to cache downloaded sources in (default: <state-dir>/downloads).")
	c.Flags.StringVar(&c.driver, "driver", "flatpak", "Sandbox driver binary to invoke.")
	c.Flags.StringVar(&c.algorithm, "algorithm", "sha256", "Fingerprint hash algorithm: sha256 or sha512.")
	c.Flags.BoolVar(&c.disableDL, "disable-download", false, "Skip the dedicated download stage; fail if sources aren't already cached.")
	c.Flags.BoolVar(&c.disableVCS, "disable-updates", false, "Never reach the network for VCS sources; fail if a checkout isn't already present.")
	c.Flags.IntVar(&c.numJobs, "jobs", 0, "Parallel build jobs per module (0 = auto-detect online CPUs).")
	c.Flags.BoolVar(&c.verbose, "verbose", false, "Log at debug level.")
}

func (c *commandBase) ModifyContext(ctx context.Context) context.Context {
	ctx = c.logConfig.Set(ctx)
	if c.verbose {
		ctx = logging.SetLevel(ctx, logging.Debug)
	}
	return ctx
}

// Run implements subcommands.CommandRun.
func (c *commandBase) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, c, env)

	if len(args) != len(c.posArgs) {
		return handleErr(ctx, errors.Reason(
			"expected %d positional argument(s), got %d", len(c.posArgs), len(args)).Tag(isUsageError).Err())
	}
	for i, arg := range args {
		*c.posArgs[i] = arg
	}

	ctx, cancel := context.WithCancel(ctx)
	signals.HandleInterrupt(cancel)

	if err := c.exec(ctx); err != nil {
		return handleErr(ctx, err)
	}
	return 0
}

func (c *commandBase) fingerprintAlgorithm() (fingerprint.Algorithm, error) {
	switch c.algorithm {
	case "sha256":
		return fingerprint.SHA256, nil
	case "sha512":
		return fingerprint.SHA512, nil
	default:
		return 0, errBadFlag("-algorithm", "must be sha256 or sha512")
	}
}

// resolvedDirs fills in the -appdir/-downloads-dir defaults relative to
// -state-dir and ensures they (and -state-dir itself) exist.
func (c *commandBase) resolvedDirs() (appDir, downloadsDir, stateDir string, err error) {
	stateDir, err = filepath.Abs(c.stateDir)
	if err != nil {
		return "", "", "", err
	}
	appDir = c.appDir
	if appDir == "" {
		appDir = filepath.Join(stateDir, "appdir")
	}
	downloadsDir = c.downloadsDir
	if downloadsDir == "" {
		downloadsDir = filepath.Join(stateDir, "downloads")
	}
	for _, d := range []string{stateDir, appDir, downloadsDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return "", "", "", errors.Annotate(err, "creating %q", d).Err()
		}
	}
	return appDir, downloadsDir, stateDir, nil
}

// loadManifest loads and validates the manifest at path, logging any
// non-fatal warnings.
func loadManifest(ctx context.Context, path string) (*manifest.Manifest, error) {
	m, err := manifest.Load(path)
	if err != nil {
		return nil, errors.Annotate(err, "loading manifest").Tag(isUsageError).Err()
	}
	warnings, err := m.Validate()
	if err != nil {
		return nil, errors.Annotate(err, "validating manifest").Tag(isUsageError).Err()
	}
	for _, w := range warnings {
		logging.Warningf(ctx, "%s", w)
	}
	return m, nil
}

// openEnvironment opens the object store and constructs the sandbox runner
// and COW manager that every build-touching subcommand needs.
func openEnvironment(appDir, stateDir, driver string, numJobs int) (*objectstore.Store, *sandbox.Runner, *cowfs.Manager, error) {
	store, err := objectstore.Open(filepath.Join(stateDir, "cache"), "main", appDir)
	if err != nil {
		return nil, nil, nil, err
	}
	ccacheDir, err := sandbox.SetupCCache(stateDir)
	if err != nil {
		return nil, nil, nil, err
	}
	runner := &sandbox.Runner{Driver: driver, CCacheDir: ccacheDir, NumJobs: numJobs}
	cow := &cowfs.Manager{BackingDir: appDir, StateDir: stateDir}
	return store, runner, cow, nil
}

// buildDeps loads the manifest and assembles the orchestrator.Deps common to
// the build and build-module subcommands.
func buildDeps(ctx context.Context, c *commandBase, manifestPath string) (orchestrator.Deps, error) {
	m, err := loadManifest(ctx, manifestPath)
	if err != nil {
		return orchestrator.Deps{}, err
	}
	alg, err := c.fingerprintAlgorithm()
	if err != nil {
		return orchestrator.Deps{}, err
	}
	appDir, downloadsDir, stateDir, err := c.resolvedDirs()
	if err != nil {
		return orchestrator.Deps{}, err
	}
	store, runner, cow, err := openEnvironment(appDir, stateDir, c.driver, c.numJobs)
	if err != nil {
		return orchestrator.Deps{}, err
	}

	abs, err := filepath.Abs(manifestPath)
	if err != nil {
		return orchestrator.Deps{}, err
	}

	return orchestrator.Deps{
		Deps: buildmodule.Deps{
			Manifest:     m,
			Store:        store,
			Sandbox:      runner,
			Cow:          cow,
			ManifestDir:  filepath.Dir(abs),
			DownloadsDir: downloadsDir,
			SourcesURLs:  c.sourcesURLs,
			StateDir:     stateDir,
			AppDir:       appDir,
			Arch:         c.arch,
			Algorithm:    alg,
			NumJobs:      c.numJobs,
			UpdateVCS:    !c.disableVCS,
		},
		DisableDownload: c.disableDL,
		ManifestPath:    abs,
	}, nil
}

// handleErr prints the error and returns the process exit code.
func handleErr(ctx context.Context, err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Contains(err, context.Canceled):
		logging.Errorf(ctx, "interrupted")
		return 4
	case isUsageError.In(err):
		logging.Errorf(ctx, "%s", err)
		return 1
	default:
		logging.Errorf(ctx, "%s", err)
		errors.Log(ctx, err)
		return 1
	}
}
