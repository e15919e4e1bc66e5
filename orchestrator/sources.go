package orchestrator

import (
	"context"
	"os"
	"path/filepath"

	"bundlehelper/fingerprint"
	"bundlehelper/manifest"
	"bundlehelper/source"

	"go.chromium.org/luci/common/errors"
)

// bundleSourcesStage copies every enabled module's source material into the
// finished tree and records it as its own extension.
func bundleSourcesStage(ctx context.Context, deps Deps, parentKey []byte, builtExtensions []string) ([]byte, error) {
	return runStage(ctx, deps, parentKey, "bundle-sources", func(acc *fingerprint.Accumulator) {
		deps.Manifest.Checksum(acc)
	}, func(ctx context.Context, appDir string) error {
		m := deps.Manifest
		sourcesDir := filepath.Join(appDir, "sources")

		env := source.Env{
			ManifestDir:  deps.ManifestDir,
			DownloadsDir: deps.DownloadsDir,
		}
		for _, mod := range manifest.EnabledModules(m.Modules, deps.Arch) {
			for i, src := range mod.Sources {
				dest := filepath.Join(sourcesDir, mod.Name, itoa(i))
				if err := os.MkdirAll(dest, 0755); err != nil {
					return err
				}
				if err := source.Bundle(ctx, src, env, dest); err != nil {
					return errors.Annotate(err, "module %s: bundling source #%d", mod.Name, i+1).Err()
				}
			}
		}

		manifestDest := filepath.Join(sourcesDir, "manifest", m.ID+".json")
		if err := os.MkdirAll(filepath.Dir(manifestDest), 0755); err != nil {
			return err
		}
		data, err := os.ReadFile(deps.ManifestPath)
		if err != nil {
			return err
		}
		if err := os.WriteFile(manifestDest, data, 0644); err != nil {
			return err
		}

		if err := writeSubMetadata(appDir, "sources", m); err != nil {
			return err
		}
		return writeMetadataFile(appDir, m, append(append([]string{}, builtExtensions...), "sources"))
	})
}
