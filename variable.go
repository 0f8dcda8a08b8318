package main

import (
	"flag"
	"fmt"

	"github.com/hexops/cmder"
)

// variableCommands contains all registered 'foreman variable' subcommands.
var variableCommands cmder.Commander

var (
	variableFlagSet    = flag.NewFlagSet("variable", flag.ExitOnError)
	variableConfigFile = variableFlagSet.String("config", defaultConfigFilePath(), "Path to TOML configuration file (see config.go)")
	variableProject    = variableFlagSet.String("project", "", "project path, e.g. group/app")
)

func init() {
	const usage = `foreman variable: manage project CI/CD variables

Usage:

	foreman variable [-config=config.toml] -project=group/app <command> [arguments]

The commands are:

	list         list variable keys
	upsert       create or update a variable
	delete       delete a variable

Use "foreman variable <command> -h" for more information about a command.
`

	usageFunc := func() {
		fmt.Printf("%s", usage)
	}
	variableFlagSet.Usage = usageFunc

	// Handles calls to our subcommand.
	handler := func(args []string) error {
		_ = variableFlagSet.Parse(args)
		variableCommands.Run(variableFlagSet, "foreman variable", usage, args)
		return nil
	}

	// Register the command.
	commands = append(commands, &cmder.Command{
		FlagSet:   variableFlagSet,
		Aliases:   []string{"var"},
		Handler:   handler,
		UsageFunc: usageFunc,
	})
}
