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

  Print the trace of a job:

    $ foreman job trace 42

  Follow the trace until the job finishes:

    $ foreman job trace -f 42

`

	// Parse flags for our subcommand.
	flagSet := flag.NewFlagSet("trace", flag.ExitOnError)
	followFlag := flagSet.Bool("f", false, "follow the trace until the job finishes")

	// Handles calls to our subcommand.
	handler := func(args []string) error {
		_ = flagSet.Parse(args)
		id, err := jobIDArg(flagSet)
		if err != nil {
			return err
		}

		ctx := context.Background()
		client, err := foreman.Client(*jobConfigFile)
		if err != nil {
			return errors.Wrap(err, "Client")
		}
		printed := 0
		for {
			resp, err := client.JobTrace(ctx, &api.JobRequestByID{ID: id})
			if err != nil {
				return errors.Wrap(err, "JobTrace")
			}
			if len(resp.Trace) > printed {
				fmt.Print(resp.Trace[printed:])
				printed = len(resp.Trace)
			}
			if !*followFlag || resp.Status.Terminal() {
				return nil
			}
			time.Sleep(2 * time.Second)
		}
	}

	// Register the command.
	jobCommands = append(jobCommands, &cmder.Command{
		FlagSet: flagSet,
		Aliases: []string{"log"},
		Handler: handler,
		UsageFunc: func() {
			fmt.Fprintf(flag.CommandLine.Output(), "Usage of 'foreman job %s':\n", flagSet.Name())
			flagSet.PrintDefaults()
			fmt.Printf("%s", usage)
		},
	})
}
