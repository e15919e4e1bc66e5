// Package manifest defines the structure of the JSON manifest files that
// describe an application bundle, its runtime/SDK, and its build modules,
// plus the recursive loader that resolves "modules"/"sources" includes.
package manifest

import (
	"encoding/json"

	"bundlehelper/fingerprint"

	"go.chromium.org/luci/common/errors"
)

// Extension describes a named extension point: a directory mounted into
// the app or runtime tree, optionally bundled into the finished artifact.
type Extension struct {
	Directory       string   `json:"directory"`
	Version         string   `json:"version,omitempty"`
	Versions        []string `json:"versions,omitempty"`
	AddLdPath       string   `json:"add-ld-path,omitempty"`
	Subdirectories  bool     `json:"subdirectories,omitempty"`
	Bundle          bool     `json:"bundle,omitempty"`
	Autodelete      bool     `json:"autodelete,omitempty"`
	NoAutodownload  bool     `json:"no-autodownload,omitempty"`
	LocaleSubset    bool     `json:"locale-subset,omitempty"`

	// BuildTime is true if this extension is required while building (added
	// to the sandbox invocation), as opposed to only in the finished app.
	BuildTime bool `json:"-"`
}

// Manifest is the root entity.
type Manifest struct {
	ID             string `json:"id"`
	Platform       string `json:"platform,omitempty"`
	Branch         string `json:"branch,omitempty"`
	CollectionID   string `json:"collection-id,omitempty"`
	ExtensionTag   string `json:"extension-tag,omitempty"`

	Runtime       string `json:"runtime"`
	RuntimeVersion string `json:"runtime-version,omitempty"`
	SDK           string `json:"sdk"`
	Base          string `json:"base,omitempty"`
	BaseVersion   string `json:"base-version,omitempty"`

	Var string `json:"var,omitempty"`

	BuildOptions *BuildOptions `json:"build-options,omitempty"`
	MetadataFiles []string     `json:"metadata-files,omitempty"`

	BuildRuntime   bool `json:"build-runtime,omitempty"`
	BuildExtension bool `json:"build-extension,omitempty"`
	WritableSdk    bool `json:"writable-sdk,omitempty"`
	SeparateLocales *bool `json:"separate-locales,omitempty"`
	AppstreamCompose *bool `json:"appstream-compose,omitempty"`

	SdkExtensions        []string `json:"sdk-extensions,omitempty"`
	PlatformExtensions   []string `json:"platform-extensions,omitempty"`
	BaseExtensions       []string `json:"base-extensions,omitempty"`
	InheritExtensions    []string `json:"inherit-extensions,omitempty"`
	InheritSdkExtensions []string `json:"inherit-sdk-extensions,omitempty"`
	Tags                 []string `json:"tags,omitempty"`
	FinishArgs           []string `json:"finish-args,omitempty"`

	Cleanup             []string `json:"cleanup,omitempty"`
	CleanupCommands     []string `json:"cleanup-commands,omitempty"`
	CleanupPlatform     []string `json:"cleanup-platform,omitempty"`
	PreparePlatform     []string `json:"prepare-platform-commands,omitempty"`
	CleanupPlatformCmds []string `json:"cleanup-platform-commands,omitempty"`

	RenameDesktopFile  string `json:"rename-desktop-file,omitempty"`
	RenameIcon         string `json:"rename-icon,omitempty"`
	RenameAppdataFile  string `json:"rename-appdata-file,omitempty"`
	RenameMimeFile     string `json:"rename-mime-file,omitempty"`
	AppdataLicense     string `json:"appdata-license,omitempty"`

	// Modules is resolved by the loader; see Module.Modules for why this
	// isn't a plain json tag.
	Modules []*Module `json:"-"`

	AddExtensions      map[string]*Extension `json:"add-extensions,omitempty"`
	AddBuildExtensions map[string]*Extension `json:"add-build-extensions,omitempty"`

	Command string `json:"command,omitempty"`

	// Resolved at the "start" stage, never read from
	// the manifest file itself.
	RuntimeCommit string `json:"-"`
	SDKCommit     string `json:"-"`
	BaseCommit    string `json:"-"`

	// SourceDir is the directory containing the root manifest file, used to
	// resolve relative include paths. Populated by Load.
	SourceDir string `json:"-"`
}

// manifestWire lets us apply json defaults without recursive UnmarshalJSON.
type manifestWire Manifest

func (m *Manifest) UnmarshalJSON(data []byte) error {
	w := manifestWire{}
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.Annotate(err, "bad manifest").Err()
	}
	*m = Manifest(w)
	m.applyDefaults()
	return nil
}

// applyDefaults fills in the loader defaults: appstream-compose
// = true, separate-locales = true, branch = "master", runtime-version =
// "master".
func (m *Manifest) applyDefaults() {
	t := true
	if m.AppstreamCompose == nil {
		m.AppstreamCompose = &t
	}
	if m.SeparateLocales == nil {
		sep := true
		m.SeparateLocales = &sep
	}
	if m.Branch == "" {
		m.Branch = "master"
	}
	if m.RuntimeVersion == "" {
		m.RuntimeVersion = "master"
	}
}

// Validate enforces the load-time invariants:
//   - every module name unique across the recursive tree
//   - build-runtime and build-extension are mutually exclusive
//   - id/runtime/sdk required before any build stage
//
// Name-containing-space-or-slash produces a warning, not an error, via the
// returned warnings slice.
func (m *Manifest) Validate() (warnings []string, err error) {
	if m.BuildRuntime && m.BuildExtension {
		return nil, errors.Reason("build-runtime and build-extension are mutually exclusive").Err()
	}
	if m.ID == "" || m.Runtime == "" || m.SDK == "" {
		return nil, errors.Reason("id, runtime and sdk are required").Err()
	}
	seen := map[string]bool{}
	var walk func(mods []*Module) error
	walk = func(mods []*Module) error {
		for _, mod := range mods {
			if mod.Name == "" {
				return errors.Reason("module without a name").Err()
			}
			if seen[mod.Name] {
				return errors.Reason("duplicate module name %q", mod.Name).Err()
			}
			seen[mod.Name] = true
			if containsAny(mod.Name, " /") {
				warnings = append(warnings, "module name "+mod.Name+" contains ' ' or '/'")
			}
			if err := walk(mod.Modules); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(m.Modules); err != nil {
		return nil, err
	}
	return warnings, nil
}

func containsAny(s, chars string) bool {
	for _, c := range chars {
		for _, r := range s {
			if r == c {
				return true
			}
		}
	}
	return false
}

// Checksum feeds the manifest-level cache-key inputs into acc. Used to seed
// the running key that each subsequent stage chains from: every module
// key is the hash of the previous key, a stage-version salt, and the
// module's canonical encoding.
func (m *Manifest) Checksum(acc *fingerprint.Accumulator) {
	acc.String(m.ID)
	acc.CompatString(m.Platform)
	acc.String(m.Branch)
	acc.CompatString(m.CollectionID)
	acc.CompatString(m.ExtensionTag)
	acc.String(m.Runtime)
	acc.String(m.RuntimeVersion)
	acc.String(m.RuntimeCommit)
	acc.String(m.SDK)
	acc.String(m.SDKCommit)
	acc.CompatString(m.Base)
	acc.CompatString(m.BaseVersion)
	acc.CompatString(m.BaseCommit)
	acc.CompatString(m.Var)
	acc.Bool(m.BuildRuntime)
	acc.Bool(m.BuildExtension)
	acc.Bool(m.WritableSdk)
	acc.Bool(*m.SeparateLocales)
	acc.Bool(*m.AppstreamCompose)
	acc.StringList(m.SdkExtensions)
	acc.StringList(m.PlatformExtensions)
	acc.StringList(m.BaseExtensions)
	acc.StringList(m.InheritExtensions)
	acc.StringList(m.InheritSdkExtensions)
	acc.CompatStrv(m.Tags)
	acc.StringList(m.FinishArgs)
	m.BuildOptions.Checksum(acc)
}

// EnabledModules returns the module list in build order, filtered
// by arch and the disabled flag.
func EnabledModules(mods []*Module, arch string) []*Module {
	var out []*Module
	for _, m := range mods {
		if m.Disabled || !m.EnabledFor(arch) {
			continue
		}
		out = append(out, EnabledModules(m.Modules, arch)...)
		out = append(out, m)
	}
	return out
}
