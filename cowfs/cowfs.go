// Package cowfs implements the copy-on-write workspace manager: a
// per-stage overlay rooted at a fresh directory that appears as the app
// tree, isolating writes until the stage commits or is discarded.
//
// The overlay helper itself (the tool that actually performs the COW mount,
// e.g. an "rofiles-fuse"-style binary) is an external collaborator; this
// package only builds its argv, supervises its watchdog process,
// and falls back to a no-op passthrough when the helper is absent.
package cowfs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

// Helper names the external COW overlay binary. It must accept exactly two
// positional arguments, `<mountpoint> <backing-dir>`, mount the overlay and
// then block (or daemonize) until killed, and exit 0 once the mount is live.
// This is the full extent of the contract this package assumes; no
// distribution-specific mount options are relied on.
var Helper = "rofiles-fuse"

// Manager guarantees an overlay rooted at a fresh temp directory which
// replaces the app-dir for all reads/writes during one stage; writes are
// isolated until the stage ends.
type Manager struct {
	// BackingDir is the real app directory being overlaid.
	BackingDir string
	// StateDir holds the rofiles/ mountpoints; each overlay mounts under
	// rofiles/rofiles-XXXXXX/.
	StateDir string

	mu        sync.Mutex
	mountPath string
	watchdog  *exec.Cmd
}

// helperAvailable reports whether the overlay helper binary can be found.
// Cached per-process; the no-helper fallback warns exactly once.
var (
	warnOnce     sync.Once
	helperFound  bool
	helperLooked bool
)

func checkHelper() bool {
	if !helperLooked {
		_, err := exec.LookPath(Helper)
		helperFound = err == nil
		helperLooked = true
	}
	return helperFound
}

// Enable allocates a fresh mountpoint and starts the overlay, returning the
// path callers should treat as the app directory for the duration of the
// stage. If the helper tool is unavailable, it returns BackingDir directly
// (no-op fallback) and logs a warning exactly once per process.
func (m *Manager) Enable(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mountPath != "" {
		return m.mountPath, nil
	}

	if !checkHelper() {
		warnOnce.Do(func() {
			logging.Warningf(ctx, "COW overlay helper %q not found; building directly against %q", Helper, m.BackingDir)
		})
		return m.BackingDir, nil
	}

	root := filepath.Join(m.StateDir, "rofiles")
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", errors.Annotate(err, "creating rofiles root").Err()
	}
	mountPath, err := os.MkdirTemp(root, "rofiles-")
	if err != nil {
		return "", errors.Annotate(err, "allocating COW mountpoint").Err()
	}

	cmd := exec.Command(Helper, mountPath, m.BackingDir)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// Death signal = HUP: if this process dies before Disable runs, the
	// watchdog tears down its own mount instead of leaking it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGHUP}
	if err := cmd.Start(); err != nil {
		os.Remove(mountPath)
		return "", errors.Annotate(err, "starting COW overlay helper").Tag(isSandboxPluginMissing).Err()
	}

	m.mountPath = mountPath
	m.watchdog = cmd
	return mountPath, nil
}

// isSandboxPluginMissing marks a COW
// helper that exists on PATH but fails to start.
var isSandboxPluginMissing = errors.BoolTag{Key: errors.NewTagKey("cow helper unavailable")}

func IsPluginNotFound(err error) bool { return isSandboxPluginMissing.In(err) }

// Disable unmounts the overlay (killing its watchdog) and clears the
// override; the backing app dir now reflects whatever was committed into
// the overlay before Disable was called.
func (m *Manager) Disable() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mountPath == "" {
		return nil
	}
	if m.watchdog != nil && m.watchdog.Process != nil {
		_ = m.watchdog.Process.Kill()
		_ = m.watchdog.Wait()
	}
	err := os.RemoveAll(m.mountPath)
	m.mountPath = ""
	m.watchdog = nil
	return errors.Annotate(err, "removing COW mountpoint").Err()
}

// Active reports whether an overlay is currently mounted.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mountPath != ""
}
