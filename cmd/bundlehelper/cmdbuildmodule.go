package main

import (
	"context"
	"fmt"

	"github.com/maruel/subcommands"

	"bundlehelper/orchestrator"

	"go.chromium.org/luci/common/errors"
)

var cmdBuildModule = &subcommands.Command{
	UsageLine: "build-module <manifest-path> <module-name>",
	ShortDesc: "runs the pipeline up to and including one module",
	LongDesc: `Runs every stage through build-modules, stopping right after the
named module finishes building; cleanup, finish and the later stages are
skipped.`,
	CommandRun: func() subcommands.CommandRun {
		c := &cmdBuildModuleRun{}
		c.init(c.exec, []*string{&c.manifestPath, &c.moduleName})
		c.Flags.BoolVar(&c.runShell, "shell", false, "Drop into an interactive shell inside the module's build environment instead of building it.")
		return c
	},
}

type cmdBuildModuleRun struct {
	commandBase
	manifestPath string
	moduleName   string
	runShell     bool
}

func (c *cmdBuildModuleRun) exec(ctx context.Context) error {
	deps, err := buildDeps(ctx, &c.commandBase, c.manifestPath)
	if err != nil {
		return err
	}
	deps.StopAfterModule = c.moduleName
	deps.RunShell = c.runShell

	result, err := orchestrator.Run(ctx, deps)
	if err != nil {
		return err
	}
	if !result.Stopped {
		return errors.Reason("module %q was never reached (check -arch and only-arches/skip-arches)", c.moduleName).Err()
	}
	fmt.Printf("Built module %s\n", result.At)
	return nil
}
