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
	actions := []struct {
		name, example string
		call          func(c *api.Client, ctx context.Context, r *api.JobRequestByID) (*api.JobResponseAdmin, error)
	}{
		{"get", "Show a job and its artifacts", (*api.Client).JobGet},
		{"cancel", "Cancel a pending or running job", (*api.Client).JobCancel},
		{"retry", "Queue a new attempt of a failed job", (*api.Client).JobRetry},
		{"erase", "Remove the trace and artifacts of a finished job", (*api.Client).JobErase},
	}
	for _, action := range actions {
		action := action
		usage := fmt.Sprintf(`
Examples:

  %s:

    $ foreman job %s 42

`, action.example, action.name)

		// Parse flags for our subcommand.
		flagSet := flag.NewFlagSet(action.name, flag.ExitOnError)

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
			resp, err := action.call(client, ctx, &api.JobRequestByID{ID: id})
			if err != nil {
				return errors.Wrapf(err, "job %s", action.name)
			}
			printJob(resp.Job, true)
			return nil
		}

		// Register the command.
		jobCommands = append(jobCommands, &cmder.Command{
			FlagSet: flagSet,
			Aliases: []string{},
			Handler: handler,
			UsageFunc: func() {
				fmt.Fprintf(flag.CommandLine.Output(), "Usage of 'foreman job %s':\n", flagSet.Name())
				flagSet.PrintDefaults()
				fmt.Printf("%s", usage)
			},
		})
	}
}

func jobIDArg(flagSet *flag.FlagSet) (int64, error) {
	if flagSet.NArg() != 1 {
		return 0, &cmder.UsageError{Err: errors.New("expected [job ID] argument")}
	}
	id, err := strconv.ParseInt(flagSet.Arg(0), 10, 64)
	if err != nil {
		return 0, &cmder.UsageError{Err: errors.Wrap(err, "job ID")}
	}
	return id, nil
}
