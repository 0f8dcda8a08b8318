package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"

	"github.com/hexops/cmder"
	"github.com/hexops/foreman/internal/errors"
	"github.com/hexops/foreman/internal/foreman"
	"github.com/hexops/foreman/internal/foreman/api"
)

func init() {
	const usage = `
Examples:

  Delete a runner. Its token stops working immediately:

    $ foreman runner delete 4

`

	// Parse flags for our subcommand.
	flagSet := flag.NewFlagSet("delete", flag.ExitOnError)

	// Handles calls to our subcommand.
	handler := func(args []string) error {
		_ = flagSet.Parse(args)
		if flagSet.NArg() != 1 {
			return &cmder.UsageError{Err: errors.New("expected [runner ID] argument")}
		}
		id, err := strconv.ParseInt(flagSet.Arg(0), 10, 64)
		if err != nil {
			return &cmder.UsageError{Err: errors.Wrap(err, "runner ID")}
		}

		ctx := context.Background()
		client, err := foreman.Client(*runnerConfigFile)
		if err != nil {
			return errors.Wrap(err, "Client")
		}
		_, err = client.RunnerDelete(ctx, &api.RunnerDeleteRequest{ID: id})
		return errors.Wrap(err, "RunnerDelete")
	}

	// Register the command.
	runnerCommands = append(runnerCommands, &cmder.Command{
		FlagSet: flagSet,
		Aliases: []string{"rm"},
		Handler: handler,
		UsageFunc: func() {
			fmt.Fprintf(flag.CommandLine.Output(), "Usage of 'foreman runner %s':\n", flagSet.Name())
			flagSet.PrintDefaults()
			fmt.Printf("%s", usage)
		},
	})
}
