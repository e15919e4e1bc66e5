package orchestrator

import (
	"context"

	"bundlehelper/fingerprint"
	"bundlehelper/manifest"
	"bundlehelper/sandbox"
)

// finishStage runs build-finish, synthesizes metadata output files and
// writes the provenance manifest copy. It returns the
// built-extensions list alongside the running key, for createPlatformStage
// and bundleSourcesStage to extend.
func finishStage(ctx context.Context, deps Deps, parentKey []byte) ([]byte, []string, error) {
	builtExtensions := collectBuiltExtensions(deps.Manifest)

	key, err := runStage(ctx, deps, parentKey, "finish", func(acc *fingerprint.Accumulator) {
		deps.Manifest.Checksum(acc)
	}, func(ctx context.Context, appDir string) error {
		if err := runBuildFinish(ctx, deps, appDir); err != nil {
			return err
		}
		if err := writeMetadataFile(appDir, deps.Manifest, builtExtensions); err != nil {
			return err
		}
		if deps.Manifest.SeparateLocales != nil && *deps.Manifest.SeparateLocales {
			if err := writeSubMetadata(appDir, "locale", deps.Manifest); err != nil {
				return err
			}
		}
		if err := writeSubMetadata(appDir, "debuginfo", deps.Manifest); err != nil {
			return err
		}
		return writeManifestProvenance(appDir, deps.Manifest, deps.ManifestPath)
	})
	return key, builtExtensions, err
}

// collectBuiltExtensions names the sub-extensions this build produces: the
// manifest's add-build-extensions, plus locale when separate-locales is on,
// plus debug in every build.
func collectBuiltExtensions(m *manifest.Manifest) []string {
	var out []string
	for name := range m.AddBuildExtensions {
		out = append(out, name)
	}
	if m.SeparateLocales != nil && *m.SeparateLocales {
		out = append(out, "locale")
	}
	out = append(out, "debug")
	return out
}

// runBuildFinish invokes the sandbox driver's `build-finish`, assembling
// --command, finish-args, extension add flags, and each module's
// extra-data source finish args.
func runBuildFinish(ctx context.Context, deps Deps, appDir string) error {
	m := deps.Manifest
	args := []string{"build-finish", appDir}
	if m.Command != "" {
		args = append(args, "--command="+m.Command)
	}
	args = append(args, m.FinishArgs...)
	for name, ext := range m.AddExtensions {
		args = append(args, "--extension="+name+"="+ext.Directory)
	}
	for _, mod := range manifest.EnabledModules(m.Modules, deps.Arch) {
		for _, src := range mod.Sources {
			if ed, ok := src.Concrete().(*manifest.ExtraDataSource); ok {
				args = append(args, ed.FinishArg(src.Dest))
			}
		}
	}
	return sandbox.RunDriver(ctx, deps.Sandbox.Driver, args...)
}
