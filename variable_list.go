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

  List the variable keys of a project:

    $ foreman variable -project=group/app list

`

	// Parse flags for our subcommand.
	flagSet := flag.NewFlagSet("list", flag.ExitOnError)

	// Handles calls to our subcommand.
	handler := func(args []string) error {
		_ = flagSet.Parse(args)

		ctx := context.Background()
		client, err := foreman.Client(*variableConfigFile)
		if err != nil {
			return errors.Wrap(err, "Client")
		}
		resp, err := client.VariablesList(ctx, &api.VariablesListRequest{Project: *variableProject})
		if err != nil {
			return errors.Wrap(err, "VariablesList")
		}
		for _, key := range resp.Keys {
			fmt.Println(key)
		}
		return nil
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
