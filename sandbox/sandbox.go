// Package sandbox builds argument vectors for, and invokes, the external
// sandbox driver, an external tool assumed to
// behave like `flatpak build`: given a rootfs directory and a command, run
// the command inside a container built from that rootfs.
package sandbox

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

// isSandboxFailure tags a nonzero sandbox-driver exit.
var isSandboxFailure = errors.BoolTag{Key: errors.NewTagKey("sandbox driver failure")}

func IsSandboxFailure(err error) bool { return isSandboxFailure.In(err) }

// isPluginNotFound tags a missing external helper.
var isPluginNotFound = errors.BoolTag{Key: errors.NewTagKey("required helper not found")}

func IsPluginNotFound(err error) bool { return isPluginNotFound.In(err) }

// Mount describes one --bind-mount=<original>=<canonical> pair, or, when
// Original is empty, a plain --filesystem=<canonical> entry.
type Mount struct {
	Original  string
	Canonical string
}

// Invocation is everything needed to build one sandbox-driver argv, per
// the driver contract.
type Invocation struct {
	// Driver is the sandbox-driver binary name (overridable for tests).
	Driver string
	// SourceTree is the module's realpath-resolved source tree, mounted via
	// --filesystem=.
	SourceTree string
	// Mounts are additional --bind-mount= entries (symlinked source trees,
	// ccache, build-dir aliasing).
	Mounts []Mount
	// BuildDirAlias, if set, is passed as --build-dir=<alias>[/subdir] and
	// exported as FLATPAK_BUILDER_BUILDDIR.
	BuildDirAlias string
	// Env holds extra NAME=VALUE pairs propagated via --env=.
	Env []string
	// ExtraArgs are caller-provided additional flatpak options, inserted
	// before the app-dir positional.
	ExtraArgs []string
	// AppDir is the final positional argument: the application directory the
	// sandbox driver operates on. Empty means tooling mode.
	AppDir string
	// Command is the user command and its arguments, NULL-terminated in the
	// underlying exec call (Go's exec.Cmd already does this via argv).
	Command []string
}

// argv assembles the full command line: the fixed prefix and
// ordered flag list.
func (inv Invocation) argv() []string {
	args := []string{"build", "--die-with-parent", "--nofilesystem=host"}
	if inv.SourceTree != "" {
		args = append(args, "--filesystem="+inv.SourceTree)
	}
	for _, m := range inv.Mounts {
		if m.Original != "" {
			args = append(args, "--bind-mount="+m.Original+"="+m.Canonical)
		} else {
			args = append(args, "--filesystem="+m.Canonical)
		}
	}
	if inv.BuildDirAlias != "" {
		args = append(args, "--build-dir="+inv.BuildDirAlias)
		args = append(args, "--env=FLATPAK_BUILDER_BUILDDIR="+inv.BuildDirAlias)
	}
	for _, e := range inv.Env {
		args = append(args, "--env="+e)
	}
	args = append(args, inv.ExtraArgs...)
	args = append(args, inv.AppDir)
	args = append(args, inv.Command...)
	return args
}

func driverName(inv Invocation) string {
	if inv.Driver != "" {
		return inv.Driver
	}
	return "flatpak"
}

// Spawnv runs the sandbox-driver command and waits for completion, surfacing
// a nonzero exit as a SandboxFailure error.
func Spawnv(ctx context.Context, inv Invocation) error {
	driver := driverName(inv)
	if _, err := exec.LookPath(driver); err != nil {
		return errors.Annotate(err, "sandbox driver %q not found", driver).Tag(isPluginNotFound).Err()
	}
	if inv.AppDir == "" {
		// Tooling mode: run the command directly with environment propagation
		// only, no container.
		return runDirect(ctx, inv)
	}
	args := inv.argv()
	logging.Infof(ctx, "Running %s %v", driver, args)
	cmd := exec.CommandContext(ctx, driver, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	if err := cmd.Run(); err != nil {
		return errors.Annotate(err, "sandbox command %q", args).Tag(isSandboxFailure).Err()
	}
	return nil
}

// Execv replaces the current process with the sandbox-driver invocation
//, used for the run-shell interactive case. It
// only returns on failure to exec.
func Execv(inv Invocation) error {
	driver := driverName(inv)
	path, err := exec.LookPath(driver)
	if err != nil {
		return errors.Annotate(err, "sandbox driver %q not found", driver).Tag(isPluginNotFound).Err()
	}
	args := append([]string{driver}, inv.argv()...)
	return errors.Annotate(syscallExec(path, args, os.Environ()), "exec %q", driver).Err()
}

func runDirect(ctx context.Context, inv Invocation) error {
	if len(inv.Command) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, inv.Command[0], inv.Command[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	env := os.Environ()
	env = append(env, inv.Env...)
	cmd.Env = env
	if err := cmd.Run(); err != nil {
		return errors.Annotate(err, "command %q", inv.Command).Tag(isSandboxFailure).Err()
	}
	return nil
}

// Runner drives the sandbox invoker for one module's build, wiring in ccache
// and job-count environment.
type Runner struct {
	Driver    string
	CCacheDir string // empty disables ccache
	NumJobs   int
}

// Command runs "/bin/sh -c <cmd>" inside the sandbox at appDir, rooted at
// cwd. An empty appDir drops to tooling mode: the command runs
// directly on the host with environment propagation only. It implements
// source.SandboxRunner.
func (r *Runner) Command(ctx context.Context, appDir, cwd, cmd string) error {
	inv := Invocation{
		Driver:        r.Driver,
		AppDir:        appDir,
		Mounts:        r.CCacheMounts(),
		BuildDirAlias: cwd,
		Env:           r.environ(),
		Command:       []string{"/bin/sh", "-c", cmd},
	}
	return Spawnv(ctx, inv)
}

// Run executes argv (already split, not shell-interpreted) inside the
// sandbox at appDir. sourceTree is the module's realpath-resolved source
// tree (--filesystem=), buildDirAlias is where it's exposed inside the
// sandbox and doubles as FLATPAK_BUILDER_BUILDDIR. extraEnv
// is appended on top of the runner's standard ccache/jobs environment, e.g.
// NOCONFIGURE=1 for an autogen invocation.
func (r *Runner) Run(ctx context.Context, appDir, sourceTree, buildDirAlias string, argv []string, extraMounts []Mount, extraEnv ...string) error {
	inv := Invocation{
		Driver:        r.Driver,
		AppDir:        appDir,
		SourceTree:    sourceTree,
		BuildDirAlias: buildDirAlias,
		Mounts:        append(r.CCacheMounts(), extraMounts...),
		Env:           append(r.environ(), extraEnv...),
		Command:       argv,
	}
	return Spawnv(ctx, inv)
}

func (r *Runner) environ() []string {
	jobs := r.NumJobs
	if jobs <= 0 {
		jobs = 1
	}
	env := []string{"FLATPAK_BUILDER_N_JOBS=" + strconv.Itoa(jobs)}
	if r.CCacheDir != "" {
		env = append(env,
			"CCACHE_DIR=/run/ccache",
			"PATH=/run/ccache/bin:"+os.Getenv("PATH"),
		)
	} else {
		env = append(env, "CCACHE_DIR=/run/ccache/disabled")
	}
	return env
}

// CCacheMounts returns the bind-mount entries needed to expose the ccache
// tree inside the sandbox via the "--bind-mount=/run/ccache=..."
// rule. Returns nil when ccache is disabled.
func (r *Runner) CCacheMounts() []Mount {
	if r.CCacheDir == "" {
		return nil
	}
	return []Mount{{Original: "/run/ccache", Canonical: r.CCacheDir}}
}

// RunDriver runs one of the sandbox driver's own host-side subcommands
// (build-init, build-finish, install, update) directly, with no container
// entered: these operate on the app directory itself rather than inside it.
func RunDriver(ctx context.Context, driver string, args ...string) error {
	if driver == "" {
		driver = "flatpak"
	}
	if _, err := exec.LookPath(driver); err != nil {
		return errors.Annotate(err, "sandbox driver %q not found", driver).Tag(isPluginNotFound).Err()
	}
	logging.Infof(ctx, "Running %s %v", driver, args)
	cmd := exec.CommandContext(ctx, driver, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	if err := cmd.Run(); err != nil {
		return errors.Annotate(err, "running %s %v", driver, args).Tag(isSandboxFailure).Err()
	}
	return nil
}

// Info runs "<driver> info --arch=<arch> <extraFlags...> <ref>" on the host
// and returns its trimmed stdout, resolving a ref to a commit for the
// orchestrator's start stage.
func Info(ctx context.Context, driver, arch, ref string, extraFlags ...string) (string, error) {
	if driver == "" {
		driver = "flatpak"
	}
	if _, err := exec.LookPath(driver); err != nil {
		return "", errors.Annotate(err, "sandbox driver %q not found", driver).Tag(isPluginNotFound).Err()
	}
	args := []string{"info"}
	if arch != "" {
		args = append(args, "--arch="+arch)
	}
	args = append(args, extraFlags...)
	args = append(args, ref)
	out, err := exec.CommandContext(ctx, driver, args...).Output()
	if err != nil {
		return "", errors.Annotate(err, "running %s %v", driver, args).Tag(isSandboxFailure).Err()
	}
	return strings.TrimSpace(string(out)), nil
}

// BuildAlias computes the alias path the source tree is exposed at inside
// the sandbox: /run/build/<module> for app modules, /run/build-runtime/<module>
// when the target is a runtime.
func BuildAlias(moduleName string, isRuntime bool) string {
	if isRuntime {
		return filepath.Join("/run/build-runtime", moduleName)
	}
	return filepath.Join("/run/build", moduleName)
}
