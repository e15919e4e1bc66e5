package orchestrator

import (
	"context"

	"bundlehelper/buildmodule"
	"bundlehelper/manifest"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

// buildModulesStage builds every enabled module in dependency order, per
// order. Returns the module name the caller stopped at, if
// --stop-at fired.
func buildModulesStage(ctx context.Context, deps Deps, parentKey []byte) (key []byte, stoppedAt string, err error) {
	key = parentKey
	for _, mod := range manifest.EnabledModules(deps.Manifest.Modules, deps.Arch) {
		// --stop-at halts before the named module: everything up to it is
		// built, the module itself is not.
		if mod.Name == deps.StopAtModule {
			return key, mod.Name, nil
		}

		if len(mod.Sources) == 0 && mod.Buildsystem != manifest.BuildsystemSimple {
			logging.Infof(ctx, "Module %s has no sources and isn't a simple module; skipping", mod.Name)
			continue
		}

		opts, err := effectiveOptions(deps.Manifest, mod, deps.Arch)
		if err != nil {
			return nil, "", errors.Annotate(err, "module %s: build options", mod.Name).Err()
		}

		result, err := buildmodule.Build(ctx, deps.Deps, key, mod, opts)
		if err != nil {
			return nil, "", err
		}
		key = result.Key

		if mod.Name == deps.StopAfterModule {
			return key, mod.Name, nil
		}
	}
	return key, "", nil
}

// effectiveOptions computes the build options a module actually configures
// and builds with: the manifest's base options with the module's own
// rebased on top, then narrowed to the target arch.
func effectiveOptions(m *manifest.Manifest, mod *manifest.Module, arch string) (*manifest.BuildOptions, error) {
	var base manifest.BuildOptions
	if m.BuildOptions != nil {
		base = *m.BuildOptions
	}
	if mod.BuildOptions == nil {
		return base.ForArch(arch)
	}
	effective := *mod.BuildOptions
	if err := effective.RebaseOnTop(&base); err != nil {
		return nil, err
	}
	return effective.ForArch(arch)
}
