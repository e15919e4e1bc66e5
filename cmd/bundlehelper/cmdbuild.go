package main

import (
	"context"
	"fmt"

	"github.com/maruel/subcommands"

	"bundlehelper/orchestrator"
)

var cmdBuild = &subcommands.Command{
	UsageLine: "build <manifest-path>",
	ShortDesc: "runs the full build pipeline",
	LongDesc: `Runs all eight stages: start, download, init-app-dir,
build-modules, cleanup, finish, and, when applicable, create-platform and
bundle-sources. Each stage is gated by the content-addressed cache, so a
rerun after a manifest or source change only redoes the stages whose inputs
actually changed.`,
	CommandRun: func() subcommands.CommandRun {
		c := &cmdBuildRun{}
		c.init(c.exec, []*string{&c.manifestPath})
		c.Flags.StringVar(&c.stopAt, "stop-at", "", "Stop right before this module would build; everything up to it is built, the module itself is not.")
		c.Flags.BoolVar(&c.bundleSources, "bundle-sources", false, "Also run the bundle-sources stage.")
		return c
	},
}

type cmdBuildRun struct {
	commandBase
	manifestPath  string
	stopAt        string
	bundleSources bool
}

func (c *cmdBuildRun) exec(ctx context.Context) error {
	deps, err := buildDeps(ctx, &c.commandBase, c.manifestPath)
	if err != nil {
		return err
	}
	deps.StopAtModule = c.stopAt
	deps.BundleSources = c.bundleSources

	result, err := orchestrator.Run(ctx, deps)
	if err != nil {
		return err
	}
	if result.Stopped {
		fmt.Printf("Stopped at module %s\n", result.At)
	} else {
		fmt.Println("Build complete")
	}
	return nil
}
