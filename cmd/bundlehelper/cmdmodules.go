package main

import (
	"context"
	"fmt"

	"github.com/maruel/subcommands"

	"bundlehelper/manifest"
)

var cmdModules = &subcommands.Command{
	UsageLine: "modules <manifest-path>",
	ShortDesc: "lists a manifest's modules in build order",
	LongDesc: `Prints one line per module, depth-first through nested modules
(children before parents), in the order the build-modules stage would visit
them. By default only modules enabled for -arch are listed; -all includes
disabled and arch-skipped ones with a status marker. The -start-at,
-start-after, -stop-at and -stop-after flags narrow the listing to a
contiguous range of the build order.`,
	CommandRun: func() subcommands.CommandRun {
		c := &cmdModulesRun{}
		c.init(c.exec, []*string{&c.manifestPath})
		c.Flags.StringVar(&c.startAt, "start-at", "", "List from this module on (inclusive).")
		c.Flags.StringVar(&c.startAfter, "start-after", "", "List from the module after this one.")
		c.Flags.StringVar(&c.stopAt, "stop-at", "", "List up to this module (inclusive).")
		c.Flags.StringVar(&c.stopAfter, "stop-after", "", "List up to and including the module after this one.")
		c.Flags.BoolVar(&c.all, "all", false, "Include disabled and arch-skipped modules.")
		return c
	},
}

type cmdModulesRun struct {
	commandBase
	manifestPath string
	startAt      string
	startAfter   string
	stopAt       string
	stopAfter    string
	all          bool
}

func (c *cmdModulesRun) exec(ctx context.Context) error {
	m, err := loadManifest(ctx, c.manifestPath)
	if err != nil {
		return err
	}

	var mods []*manifest.Module
	if c.all {
		mods = flattenModules(m.Modules)
	} else {
		mods = manifest.EnabledModules(m.Modules, c.arch)
	}

	mods, err = sliceModuleRange(mods, c.startAt, c.startAfter, c.stopAt, c.stopAfter)
	if err != nil {
		return err
	}

	for _, mod := range mods {
		status := ""
		if mod.Disabled {
			status = " (disabled)"
		} else if !mod.EnabledFor(c.arch) {
			status = " (skipped for " + c.arch + ")"
		}
		fmt.Printf("%s [%s]%s\n", mod.Name, mod.Buildsystem, status)
	}
	return nil
}

// flattenModules returns every module in build order (children before
// parents), with no arch or disabled filtering.
func flattenModules(mods []*manifest.Module) []*manifest.Module {
	var out []*manifest.Module
	for _, m := range mods {
		out = append(out, flattenModules(m.Modules)...)
		out = append(out, m)
	}
	return out
}

// sliceModuleRange narrows mods to the contiguous range the four flags
// select. A named module that isn't in the list is a usage error.
func sliceModuleRange(mods []*manifest.Module, startAt, startAfter, stopAt, stopAfter string) ([]*manifest.Module, error) {
	index := func(flag, name string) (int, error) {
		if name == "" {
			return -1, nil
		}
		for i, m := range mods {
			if m.Name == name {
				return i, nil
			}
		}
		return -1, errBadFlag(flag, "no module named "+name)
	}

	first := 0
	if i, err := index("-start-at", startAt); err != nil {
		return nil, err
	} else if i >= 0 {
		first = i
	}
	if i, err := index("-start-after", startAfter); err != nil {
		return nil, err
	} else if i >= 0 && i+1 > first {
		first = i + 1
	}

	last := len(mods) - 1
	if i, err := index("-stop-at", stopAt); err != nil {
		return nil, err
	} else if i >= 0 && i < last {
		last = i
	}
	if i, err := index("-stop-after", stopAfter); err != nil {
		return nil, err
	} else if i >= 0 && i+1 < last {
		last = i + 1
	}

	if first > last {
		return nil, nil
	}
	return mods[first : last+1], nil
}
