package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/maruel/subcommands"

	"bundlehelper/manifest"

	"go.chromium.org/luci/common/errors"
)

var cmdModule = &subcommands.Command{
	UsageLine: "module <manifest-path> <module-name>",
	ShortDesc: "prints a summary of one module as JSON",
	LongDesc:  `Finds the named module anywhere in the recursive manifest tree and prints a JSON summary of it: name, buildsystem, disabled flag, nested modules and the kind of each source. Build options, commands and source attributes are not included.`,
	CommandRun: func() subcommands.CommandRun {
		c := &cmdModuleRun{}
		c.init(c.exec, []*string{&c.manifestPath, &c.moduleName})
		return c
	},
}

type cmdModuleRun struct {
	commandBase
	manifestPath string
	moduleName   string
}

func (c *cmdModuleRun) exec(ctx context.Context) error {
	m, err := loadManifest(ctx, c.manifestPath)
	if err != nil {
		return err
	}
	mod := findModuleByName(m.Modules, c.moduleName)
	if mod == nil {
		return errBadFlag("module-name", fmt.Sprintf("no module named %q", c.moduleName))
	}
	b, err := json.MarshalIndent(renderModule(mod), "", "  ")
	if err != nil {
		return errors.Annotate(err, "marshaling module").Err()
	}
	fmt.Println(string(b))
	return nil
}

func findModuleByName(mods []*manifest.Module, name string) *manifest.Module {
	for _, mod := range mods {
		if mod.Name == name {
			return mod
		}
		if found := findModuleByName(mod.Modules, name); found != nil {
			return found
		}
	}
	return nil
}
