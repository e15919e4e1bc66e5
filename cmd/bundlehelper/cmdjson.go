package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/maruel/subcommands"

	"bundlehelper/manifest"

	"go.chromium.org/luci/common/errors"
)

var cmdJSON = &subcommands.Command{
	UsageLine: "json <manifest-path>",
	ShortDesc: "parses a manifest and prints its resolved form as JSON",
	LongDesc: `Loads the manifest at the given path, resolving every recursive
"modules"/"sources" file include, and prints the result as a single JSON
document to stdout. Top-level manifest fields are printed in full; each module
appears as a summary of its name, buildsystem, disabled flag, nested modules
and the kind of each source. Useful for inspecting what a manifest actually
expands to without running any build steps.`,
	CommandRun: func() subcommands.CommandRun {
		c := &cmdJSONRun{}
		c.init(c.exec, []*string{&c.manifestPath})
		return c
	},
}

type cmdJSONRun struct {
	commandBase
	manifestPath string
}

func (c *cmdJSONRun) exec(ctx context.Context) error {
	m, err := loadManifest(ctx, c.manifestPath)
	if err != nil {
		return err
	}
	out, err := renderManifest(m)
	if err != nil {
		return errors.Annotate(err, "rendering manifest").Err()
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return errors.Annotate(err, "marshaling manifest").Err()
	}
	fmt.Println(string(b))
	return nil
}

// renderManifest round-trips m through JSON to pick up its own tagged
// fields, then splices in the loader-populated Modules tree (tagged
// json:"-" so Validate/Checksum callers don't have to special-case it, but a
// human inspecting a manifest wants to see it).
func renderManifest(m *manifest.Manifest) (map[string]interface{}, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	mods := make([]interface{}, len(m.Modules))
	for i, mod := range m.Modules {
		mods[i] = renderModule(mod)
	}
	out["modules"] = mods
	return out, nil
}

func renderModule(m *manifest.Module) map[string]interface{} {
	sources := make([]interface{}, len(m.Sources))
	for i, s := range m.Sources {
		sources[i] = map[string]interface{}{"kind": s.Kind()}
	}
	mods := make([]interface{}, len(m.Modules))
	for i, child := range m.Modules {
		mods[i] = renderModule(child)
	}
	return map[string]interface{}{
		"name":        m.Name,
		"buildsystem": m.Buildsystem,
		"disabled":    m.Disabled,
		"sources":     sources,
		"modules":     mods,
	}
}
