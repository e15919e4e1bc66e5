package manifest

import (
	"encoding/json"

	"bundlehelper/fingerprint"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
)

// Buildsystem is the module's build-system kind.
type Buildsystem string

const (
	BuildsystemAutotools   Buildsystem = "autotools"
	BuildsystemCmake       Buildsystem = "cmake"
	BuildsystemCmakeNinja  Buildsystem = "cmake-ninja"
	BuildsystemMeson       Buildsystem = "meson"
	BuildsystemQmake       Buildsystem = "qmake"
	BuildsystemSimple      Buildsystem = "simple"
)

// Module is one buildable unit: a codebase, its build system and its
// sources. Names must be unique across the entire recursive manifest tree
//, enforced by Manifest.Validate (Load itself accepts duplicates).
type Module struct {
	Name        string      `json:"name"`
	Subdir      string      `json:"subdir,omitempty"`
	Buildsystem Buildsystem `json:"buildsystem,omitempty"`

	BuildOptions *BuildOptions `json:"build-options,omitempty"`

	ConfigOpts      []string `json:"config-opts,omitempty"`
	MakeArgs        []string `json:"make-args,omitempty"`
	MakeInstallArgs []string `json:"make-install-args,omitempty"`
	InstallRule     string   `json:"install-rule,omitempty"`
	TestRule        string   `json:"test-rule,omitempty"`
	PostInstall     []string `json:"post-install,omitempty"`
	BuildCommands   []string `json:"build-commands,omitempty"`
	TestCommands    []string `json:"test-commands,omitempty"`

	CleanupPatterns []string `json:"cleanup,omitempty"`
	CleanupPlatform []string `json:"cleanup-platform,omitempty"`
	EnsureWritable  []string `json:"ensure-writable,omitempty"`

	OnlyArches []string `json:"only-arches,omitempty"`
	SkipArches []string `json:"skip-arches,omitempty"`

	Disabled             bool `json:"disabled,omitempty"`
	RmConfigure          bool `json:"rm-configure,omitempty"`
	NoAutogen            bool `json:"no-autogen,omitempty"`
	NoParallelMake       bool `json:"no-parallel-make,omitempty"`
	NoMakeInstall        bool `json:"no-make-install,omitempty"`
	NoPythonTimestampFix bool `json:"no-python-timestamp-fix,omitempty"`
	Builddir             bool `json:"builddir,omitempty"`
	RunTests             bool `json:"run-tests,omitempty"`
	KeepBuildDirs        bool `json:"keep-build-dirs,omitempty"`
	DeleteBuildDirs      bool `json:"delete-build-dirs,omitempty"`

	// Sources and Modules are resolved by the loader, which must first
	// separate string "include this file" entries from inline objects
	//; encoding/json can't express that union on a typed
	// slice, so these are populated post-unmarshal rather than tagged.
	Sources []*Source `json:"-"`
	Modules []*Module `json:"-"`

	// ChangeSet is populated exactly once per successful build stage by the
	// orchestrator; it is never read from the
	// manifest file.
	ChangeSet []string `json:"-"`
}

// moduleWire supports the legacy boolean `cmake: true` form in addition to
// the `buildsystem: cmake` string form.
type moduleWire Module

func (m *Module) UnmarshalJSON(data []byte) error {
	var w struct {
		moduleWire
		CmakeLegacy *bool `json:"cmake,omitempty"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.Annotate(err, "bad module").Err()
	}
	*m = Module(w.moduleWire)
	if w.CmakeLegacy != nil && *w.CmakeLegacy && m.Buildsystem == "" {
		m.Buildsystem = BuildsystemCmake
	}
	if m.Buildsystem == "" {
		m.Buildsystem = BuildsystemAutotools
	}
	return nil
}

// EnabledFor reports whether the module builds for the given arch,
// honoring only-arches/skip-arches. Empty arch disables the filter.
func (m *Module) EnabledFor(arch string) bool {
	if arch == "" {
		return true
	}
	if len(m.OnlyArches) > 0 {
		return stringset.NewFromSlice(m.OnlyArches...).Has(arch)
	}
	if len(m.SkipArches) > 0 {
		return !stringset.NewFromSlice(m.SkipArches...).Has(arch)
	}
	return true
}

// Checksum feeds the module's canonical byte stream into acc, following the
// exact field order the cache-key derivation depends on:
//
//	name; subdir; post_install; config_opts; make_args; make_install_args;
//	ensure_writable; only_arches; skip_arches; rm_configure; no_autogen;
//	disabled; no_parallel_make; no_make_install; no_python_timestamp_fix;
//	cmake_legacy_bool; builddir; build_commands; buildsystem; install_rule;
//	compat(run_tests); build_options; each enabled source's checksum.
//
// The caller is responsible for seeding acc with the previous stage key and
// the "module-v2"
// stage version before calling Checksum (see buildmodule package).
func (m *Module) Checksum(acc *fingerprint.Accumulator, arch string) {
	acc.String(m.Name)
	acc.CompatString(m.Subdir)
	acc.StringList(m.PostInstall)
	acc.StringList(m.ConfigOpts)
	acc.StringList(m.MakeArgs)
	acc.StringList(m.MakeInstallArgs)
	acc.StringList(m.EnsureWritable)
	acc.StringList(m.OnlyArches)
	acc.StringList(m.SkipArches)
	acc.Bool(m.RmConfigure)
	acc.Bool(m.NoAutogen)
	acc.Bool(m.Disabled)
	acc.Bool(m.NoParallelMake)
	acc.Bool(m.NoMakeInstall)
	acc.Bool(m.NoPythonTimestampFix)
	acc.Bool(m.Buildsystem == BuildsystemCmake)
	acc.Bool(m.Builddir)
	acc.StringList(m.BuildCommands)
	acc.String(string(m.Buildsystem))
	acc.CompatString(m.InstallRule)
	acc.CompatBool(m.RunTests)

	effective := m.BuildOptions
	if effective != nil && arch != "" {
		if withArch, err := effective.ForArch(arch); err == nil {
			effective = withArch
		}
	}
	effective.Checksum(acc)

	for _, s := range m.Sources {
		if s != nil {
			s.Checksum(acc)
		}
	}
}
