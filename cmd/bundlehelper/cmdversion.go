package main

import (
	"fmt"

	"github.com/maruel/subcommands"
)

var cmdVersion = &subcommands.Command{
	UsageLine: "version",
	ShortDesc: "prints the tool version",
	CommandRun: func() subcommands.CommandRun {
		return &cmdVersionRun{}
	},
}

type cmdVersionRun struct {
	subcommands.CommandRunBase
}

func (c *cmdVersionRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	fmt.Printf("%s %s\n", a.GetName(), Version)
	return 0
}
