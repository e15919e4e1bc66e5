package orchestrator

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"bundlehelper/fingerprint"
	"bundlehelper/manifest"
	"bundlehelper/pattern"
	"bundlehelper/sandbox"

	"go.chromium.org/luci/common/errors"
)

// createPlatformStage synthesizes the separate platform (SDK-derived
// runtime) tree, guided by the changes the build recorded against `usr/`.
// It only runs when the manifest both builds a runtime and names a
// platform id.
//
// The platform tree is materialized as appDir/platform rather than a wholly
// separate store/COW instance: this repo's object store snapshots exactly
// one tree root per invocation, and nesting keeps the platform copy inside
// that same cache-gated tree instead of inventing a second store for a
// stage that exists for one build's duration.
func createPlatformStage(ctx context.Context, deps Deps, parentKey []byte) ([]byte, error) {
	return runStage(ctx, deps, parentKey, "platform", func(acc *fingerprint.Accumulator) {
		deps.Manifest.Checksum(acc)
	}, func(ctx context.Context, appDir string) error {
		m := deps.Manifest
		platformDir := filepath.Join(appDir, "platform")
		if err := os.MkdirAll(platformDir, 0755); err != nil {
			return err
		}

		args := []string{"build-init", "--sdk-dir=platform", platformDir, m.ID, m.SDK, m.Runtime, m.RuntimeVersion}
		if err := sandbox.RunDriver(ctx, deps.Sandbox.Driver, args...); err != nil {
			return errors.Annotate(err, "build-init --sdk-dir=platform").Err()
		}

		changes, err := deps.Store.GetAllChanges()
		if err != nil {
			return errors.Annotate(err, "reading change set for platform copy").Err()
		}

		patterns := collectPlatformCleanupPatterns(m, deps.Arch)
		for _, rel := range changes.All() {
			usrRel := trimUsrPrefix(rel)
			if usrRel == "" || pattern.MatchAny(patterns, usrRel) {
				continue
			}
			if err := copyIntoPlatform(filepath.Join(appDir, rel), filepath.Join(platformDir, rel)); err != nil {
				return errors.Annotate(err, "copying %q to platform", rel).Err()
			}
		}

		for i, cmd := range m.PreparePlatform {
			if err := deps.Sandbox.Command(ctx, appDir, "", cmd); err != nil {
				return errors.Annotate(err, "prepare-platform-command #%d failed", i+1).Err()
			}
		}
		for i, cmd := range m.CleanupPlatformCmds {
			if err := deps.Sandbox.Command(ctx, appDir, "", cmd); err != nil {
				return errors.Annotate(err, "cleanup-platform-command #%d failed", i+1).Err()
			}
		}

		return writeSubMetadata(platformDir, "platform", m)
	})
}

func collectPlatformCleanupPatterns(m *manifest.Manifest, arch string) []string {
	out := append([]string{}, m.CleanupPlatform...)
	for _, mod := range manifest.EnabledModules(m.Modules, arch) {
		out = append(out, mod.CleanupPlatform...)
	}
	return out
}

func trimUsrPrefix(rel string) string {
	const prefix = "usr/"
	if !strings.HasPrefix(rel, prefix) {
		return ""
	}
	return strings.TrimPrefix(rel, prefix)
}

func copyIntoPlatform(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // removed since the change was recorded; nothing to copy
		}
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
