package buildmodule

import (
	"os"
	"path/filepath"

	"bundlehelper/manifest"

	"go.chromium.org/luci/common/errors"
)

// prereqFile returns the file (relative to the module's source dir) that
// must exist before configure can run, per the configure decision table. Qmake's "*.pro" prerequisite is handled by
// findProFile instead, since the filename varies.
func prereqFile(bs manifest.Buildsystem) string {
	switch bs {
	case manifest.BuildsystemAutotools:
		return "configure"
	case manifest.BuildsystemCmake, manifest.BuildsystemCmakeNinja:
		return "CMakeLists.txt"
	case manifest.BuildsystemMeson:
		return "meson.build"
	default:
		return ""
	}
}

// needsBuildDir reports whether bs requires configuring out-of-tree.
func needsBuildDir(bs manifest.Buildsystem, builddirFlag bool) bool {
	return bs == manifest.BuildsystemMeson || builddirFlag
}

// followupFiles names the file(s) whose presence after configure proves it
// succeeded. Any one of the returned names
// satisfies the check.
func followupFiles(bs manifest.Buildsystem) []string {
	switch bs {
	case manifest.BuildsystemMeson, manifest.BuildsystemCmakeNinja:
		return []string{"build.ninja"}
	case manifest.BuildsystemAutotools, manifest.BuildsystemCmake, manifest.BuildsystemQmake:
		return []string{"Makefile", "makefile", "GNUmakefile"}
	default:
		return nil
	}
}

// makeCommand returns the build-invocation binary for bs ("" for simple,
// which has no build phase of its own, only build-commands).
func makeCommand(bs manifest.Buildsystem) string {
	switch bs {
	case manifest.BuildsystemMeson, manifest.BuildsystemCmakeNinja:
		return "ninja"
	case manifest.BuildsystemSimple:
		return ""
	default:
		return "make"
	}
}

// findProFile locates the single *.pro file a qmake module configures from.
func findProFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", errors.Annotate(err, "listing %q for a *.pro file", dir).Err()
	}
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".pro" {
			return e.Name(), nil
		}
	}
	return "", errors.Reason("no *.pro file found in %q", dir).Err()
}

// configureArgv builds the configure command argv for bs, per the
// per-buildsystem decision table. relSrcFromBuildDir is the source
// directory's path relative to the (possibly separate) build directory,
// e.g. "." for an in-tree build or ".." when configuring from a
// _flatpak_build subdirectory.
func configureArgv(bs manifest.Buildsystem, opts *manifest.BuildOptions, mod *manifest.Module, srcDir, relSrcFromBuildDir string) ([]string, error) {
	prefix := "/app"
	libdir := ""
	var baseOpts []string
	if opts != nil {
		if opts.Prefix != "" {
			prefix = opts.Prefix
		}
		libdir = opts.Libdir
		baseOpts = opts.ConfigOpts
	}
	configOpts := append(append([]string{}, baseOpts...), mod.ConfigOpts...)

	switch bs {
	case manifest.BuildsystemAutotools:
		argv := []string{"./configure", "--prefix=" + prefix}
		if libdir != "" {
			argv = append(argv, "--libdir="+libdir)
		}
		return append(argv, configOpts...), nil

	case manifest.BuildsystemCmake, manifest.BuildsystemCmakeNinja:
		generator := "Unix Makefiles"
		if bs == manifest.BuildsystemCmakeNinja {
			generator = "Ninja"
		}
		argv := []string{"cmake", "-G", generator, "-DCMAKE_INSTALL_PREFIX:PATH=" + prefix}
		if libdir != "" {
			argv = append(argv, "-DCMAKE_INSTALL_LIBDIR:PATH="+libdir)
		}
		argv = append(argv, configOpts...)
		return append(argv, relSrcFromBuildDir), nil

	case manifest.BuildsystemMeson:
		argv := []string{"meson", "--prefix=" + prefix}
		if libdir != "" {
			argv = append(argv, "--libdir="+libdir)
		}
		argv = append(argv, configOpts...)
		return append(argv, relSrcFromBuildDir), nil

	case manifest.BuildsystemQmake:
		pro, err := findProFile(srcDir)
		if err != nil {
			return nil, err
		}
		argv := []string{"qmake", "PREFIX=" + prefix}
		argv = append(argv, configOpts...)
		return append(argv, pro), nil

	default:
		return nil, nil
	}
}
