package main

import (
	"flag"
	"fmt"

	"github.com/hexops/cmder"
)

// runnerCommands contains all registered 'foreman runner' subcommands.
var runnerCommands cmder.Commander

var (
	runnerFlagSet    = flag.NewFlagSet("runner", flag.ExitOnError)
	runnerConfigFile = runnerFlagSet.String("config", defaultConfigFilePath(), "Path to TOML configuration file (see config.go)")
)

func init() {
	const usage = `foreman runner: manage registered runners

Usage:

	foreman runner [-config=config.toml] <command> [arguments]

The commands are:

	list         list registered runners
	update       pause, resume, retag or reassign a runner
	delete       delete a runner

Use "foreman runner <command> -h" for more information about a command.
`

	usageFunc := func() {
		fmt.Printf("%s", usage)
	}
	runnerFlagSet.Usage = usageFunc

	// Handles calls to our subcommand.
	handler := func(args []string) error {
		_ = runnerFlagSet.Parse(args)
		runnerCommands.Run(runnerFlagSet, "foreman runner", usage, args)
		return nil
	}

	// Register the command.
	commands = append(commands, &cmder.Command{
		FlagSet:   runnerFlagSet,
		Aliases:   []string{"runners"},
		Handler:   handler,
		UsageFunc: usageFunc,
	})
}
