package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/hexops/cmder"
	"github.com/hexops/foreman/internal/ci"
	"github.com/hexops/foreman/internal/errors"
	"github.com/hexops/foreman/internal/foreman"
	"github.com/hexops/foreman/internal/foreman/api"
)

func init() {
	const usage = `
Examples:

  List the latest jobs:

    $ foreman job list

  List pending jobs of a project, oldest first:

    $ foreman job list -project=group/app -status=pending

`

	// Parse flags for our subcommand.
	flagSet := flag.NewFlagSet("list", flag.ExitOnError)
	projectFlag := flagSet.String("project", "", "only list jobs of this project")
	statusFlag := flagSet.String("status", "", "only list jobs with this status")
	limitFlag := flagSet.Int("n", 20, "maximum number of jobs")

	// Handles calls to our subcommand.
	handler := func(args []string) error {
		_ = flagSet.Parse(args)

		ctx := context.Background()
		client, err := foreman.Client(*jobConfigFile)
		if err != nil {
			return errors.Wrap(err, "Client")
		}
		resp, err := client.JobsList(ctx, &api.JobsListRequest{
			Project: *projectFlag,
			Status:  ci.Status(*statusFlag),
			Limit:   *limitFlag,
		})
		if err != nil {
			return errors.Wrap(err, "JobsList")
		}
		if len(resp.Jobs) == 0 {
			fmt.Println("no jobs found")
		}
		for _, job := range resp.Jobs {
			printJob(job, false)
		}
		return nil
	}

	// Register the command.
	jobCommands = append(jobCommands, &cmder.Command{
		FlagSet: flagSet,
		Aliases: []string{"ls"},
		Handler: handler,
		UsageFunc: func() {
			fmt.Fprintf(flag.CommandLine.Output(), "Usage of 'foreman job %s':\n", flagSet.Name())
			flagSet.PrintDefaults()
			fmt.Printf("%s", usage)
		},
	})
}
