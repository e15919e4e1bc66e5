// Command bundlehelper drives the incremental application-bundle build
// engine described by the manifest format in package manifest: it parses a
// manifest, computes content-addressed cache keys per stage, and invokes an
// external sandbox driver to build each module into a finished app or
// runtime tree.
package main

import (
	"context"
	"os"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/logging/gologger"
)

// Version is stamped at release time; left as a dev placeholder since this
// repo has no release pipeline of its own.
var Version = "dev"

// UserAgent identifies this tool in its own log lines.
var UserAgent = "bundlehelper/" + Version

func main() {
	// Force the local VFS for the whole process lifetime; the GIO-backed
	// file monitors otherwise race with the COW overlay's mount/unmount
	// cycle.
	os.Setenv("GIO_USE_VFS", "local")

	application := &cli.Application{
		Name:  "bundlehelper",
		Title: "Builds sandboxed application bundles from a declarative manifest.",
		Context: func(ctx context.Context) context.Context {
			cfg := gologger.LoggerConfig{Out: os.Stderr}
			cfg.Format = "[%{level:.1s} %{time:2006-01-02 15:04:05}] %{message}"
			ctx = cfg.Use(ctx)
			return logging.SetLevel(ctx, logging.Info)
		},
		Commands: []*subcommands.Command{
			subcommands.CmdHelp,
			cmdVersion,
			cmdJSON,
			cmdModules,
			cmdModule,
			cmdBuildModule,
			cmdBuild,
		},
	}
	os.Exit(subcommands.Run(application, nil))
}
