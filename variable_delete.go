package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/hexops/cmder"
	"github.com/hexops/foreman/internal/errors"
	"github.com/hexops/foreman/internal/foreman"
	"github.com/hexops/foreman/internal/foreman/api"
)

func init() {
	const usage = `
Examples:

  Delete a variable:

    $ foreman variable -project=group/app delete [key]

`

	// Parse flags for our subcommand.
	flagSet := flag.NewFlagSet("delete", flag.ExitOnError)

	// Handles calls to our subcommand.
	handler := func(args []string) error {
		_ = flagSet.Parse(args)
		if flagSet.NArg() != 1 {
			return &cmder.UsageError{Err: errors.New("expected [key] argument")}
		}

		ctx := context.Background()
		client, err := foreman.Client(*variableConfigFile)
		if err != nil {
			return errors.Wrap(err, "Client")
		}
		_, err = client.VariablesDelete(ctx, &api.VariablesDeleteRequest{
			Project: *variableProject,
			Key:     flagSet.Arg(0),
		})
		return errors.Wrap(err, "VariablesDelete")
	}

	// Register the command.
	variableCommands = append(variableCommands, &cmder.Command{
		FlagSet: flagSet,
		Handler: handler,
		UsageFunc: func() {
			fmt.Fprintf(flag.CommandLine.Output(), "Usage of 'foreman variable %s':\n", flagSet.Name())
			flagSet.PrintDefaults()
			fmt.Printf("%s", usage)
		},
	})
}
