package manifest

import (
	"dario.cat/mergo"

	"bundlehelper/fingerprint"

	"go.chromium.org/luci/common/errors"
)

// BuildOptions is the inheritable record of compiler/build environment
// settings. Child options override parent options;
// RebaseOnTop implements that inheritance.
type BuildOptions struct {
	Cflags         string            `json:"cflags,omitempty"`
	CflagsAppend   string            `json:"append-cflags,omitempty"`
	Cxxflags       string            `json:"cxxflags,omitempty"`
	CxxflagsAppend string            `json:"append-cxxflags,omitempty"`
	Cppflags       string            `json:"cppflags,omitempty"`
	CppflagsAppend string            `json:"append-cppflags,omitempty"`
	Ldflags        string            `json:"ldflags,omitempty"`
	LdflagsAppend  string            `json:"append-ldflags,omitempty"`
	Prefix         string            `json:"prefix,omitempty"`
	Libdir         string            `json:"libdir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	BuildArgs      []string          `json:"build-args,omitempty"`
	ConfigOpts     []string          `json:"config-opts,omitempty"`
	MakeArgs       []string          `json:"make-args,omitempty"`
	MakeInstallArgs []string         `json:"make-install-args,omitempty"`
	TestArgs       []string          `json:"test-args,omitempty"`
	Strip          bool              `json:"strip,omitempty"`
	NoDebuginfo    bool              `json:"no-debuginfo,omitempty"`
	NoDebuginfoCompression bool      `json:"no-debuginfo-compression,omitempty"`

	// Arch is a set of arch-specific overrides, each itself a BuildOptions,
	// merged on top of the base options for builds targeting that arch.
	Arch map[string]*BuildOptions `json:"arch,omitempty"`
}

// RebaseOnTop merges parent's fields into o wherever o leaves them at the
// zero value. Struct-shaped fields (the scalar/env parts) go through mergo;
// string-list fields that are meant to *join* rather than be overridden are
// appended by hand.
func (o *BuildOptions) RebaseOnTop(parent *BuildOptions) error {
	if parent == nil {
		return nil
	}
	configOpts := append(append([]string{}, parent.ConfigOpts...), o.ConfigOpts...)
	makeArgs := append(append([]string{}, parent.MakeArgs...), o.MakeArgs...)
	makeInstallArgs := append(append([]string{}, parent.MakeInstallArgs...), o.MakeInstallArgs...)
	buildArgs := append(append([]string{}, parent.BuildArgs...), o.BuildArgs...)
	testArgs := append(append([]string{}, parent.TestArgs...), o.TestArgs...)

	if err := mergo.Merge(o, *parent); err != nil {
		return errors.Annotate(err, "merging build-options").Err()
	}

	o.ConfigOpts = configOpts
	o.MakeArgs = makeArgs
	o.MakeInstallArgs = makeInstallArgs
	o.BuildArgs = buildArgs
	o.TestArgs = testArgs

	for name, override := range parent.Arch {
		if o.Arch == nil {
			o.Arch = map[string]*BuildOptions{}
		}
		mine, ok := o.Arch[name]
		if !ok {
			cpy := *override
			o.Arch[name] = &cpy
			continue
		}
		if err := mine.RebaseOnTop(override); err != nil {
			return err
		}
	}
	return nil
}

// ForArch returns the effective options for building on the given arch:
// o with any arch-specific override rebased on top.
func (o *BuildOptions) ForArch(arch string) (*BuildOptions, error) {
	if arch == "" {
		return o, nil
	}
	override, ok := o.Arch[arch]
	if !ok {
		return o, nil
	}
	merged := *override
	if err := merged.RebaseOnTop(o); err != nil {
		return nil, err
	}
	return &merged, nil
}

// Checksum feeds the build options into acc in a fixed order, via the
// compat-variants since most of these fields were added incrementally
// and must not perturb keys recorded before they existed.
func (o *BuildOptions) Checksum(acc *fingerprint.Accumulator) {
	if o == nil {
		acc.Bool(false)
		return
	}
	acc.Bool(true)
	acc.CompatString(o.Cflags)
	acc.CompatString(o.CflagsAppend)
	acc.CompatString(o.Cxxflags)
	acc.CompatString(o.CxxflagsAppend)
	acc.CompatString(o.Cppflags)
	acc.CompatString(o.CppflagsAppend)
	acc.CompatString(o.Ldflags)
	acc.CompatString(o.LdflagsAppend)
	acc.CompatString(o.Prefix)
	acc.CompatString(o.Libdir)
	acc.CompatStrv(sortedEnv(o.Env))
	acc.CompatStrv(o.BuildArgs)
	acc.CompatStrv(o.ConfigOpts)
	acc.CompatStrv(o.MakeArgs)
	acc.CompatStrv(o.MakeInstallArgs)
	acc.CompatStrv(o.TestArgs)
	acc.CompatBool(o.Strip)
	acc.CompatBool(o.NoDebuginfo)
	acc.CompatBool(o.NoDebuginfoCompression)
}

func sortedEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	// simple insertion sort: keeps this package free of extra imports for a
	// handful of env vars per module.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	out := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		out = append(out, k, env[k])
	}
	return out
}
