package main

import (
	"flag"
	"fmt"

	"github.com/hexops/cmder"
	"github.com/hexops/foreman/internal/errors"
	"github.com/hexops/foreman/internal/foreman"
)

func init() {
	usage := `foreman version: print the foreman version

Usage:

	foreman version

`

	// Parse flags for our subcommand.
	flagSet := flag.NewFlagSet("version", flag.ExitOnError)

	// Handles calls to our subcommand.
	handler := func(args []string) error {
		_ = flagSet.Parse(args)
		if len(args) != 0 {
			return &cmder.UsageError{Err: errors.New("expected no arguments")}
		}

		fmt.Println("foreman version", foreman.Version, "built using", foreman.GoVersion)
		if foreman.CommitTitle != "dev" {
			fmt.Printf("%s (%s)\n", foreman.CommitTitle, foreman.Date)
		}
		return nil
	}

	// Register the command.
	commands = append(commands, &cmder.Command{
		FlagSet: flagSet,
		Aliases: []string{},
		Handler: handler,
		UsageFunc: func() {
			fmt.Fprintf(flag.CommandLine.Output(), "Usage of 'foreman %s':\n", flagSet.Name())
			flagSet.PrintDefaults()
			fmt.Printf("%s", usage)
		},
	})
}
