package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/hexops/cmder"
	"github.com/hexops/foreman/internal/errors"
	"github.com/hexops/foreman/internal/foreman"
	"github.com/hexops/foreman/internal/foreman/api"
)

func init() {
	const usage = `
Examples:

  List log IDs known to the server:

    $ foreman logs

  Print the server log of job 42:

    $ foreman logs job-42

`

	// Parse flags for our subcommand.
	flagSet := flag.NewFlagSet("logs", flag.ExitOnError)
	configFile := flagSet.String("config", defaultConfigFilePath(), "Path to TOML configuration file (see config.go)")

	// Handles calls to our subcommand.
	handler := func(args []string) error {
		_ = flagSet.Parse(args)
		if flagSet.NArg() > 1 {
			return &cmder.UsageError{Err: errors.New("expected at most one [log ID] argument")}
		}

		ctx := context.Background()
		client, err := foreman.Client(*configFile)
		if err != nil {
			return errors.Wrap(err, "Client")
		}
		if flagSet.NArg() == 0 {
			resp, err := client.LogsList(ctx, &api.LogsListRequest{})
			if err != nil {
				return errors.Wrap(err, "LogsList")
			}
			for _, id := range resp.IDs {
				fmt.Println(id)
			}
			return nil
		}
		resp, err := client.LogsGet(ctx, &api.LogsGetRequest{ID: flagSet.Arg(0)})
		if err != nil {
			return errors.Wrap(err, "LogsGet")
		}
		for _, l := range resp.Logs {
			fmt.Println(l.Time.Format(time.RFC3339), l.Message)
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
