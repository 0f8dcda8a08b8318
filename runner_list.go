package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/hexops/cmder"
	"github.com/hexops/foreman/internal/errors"
	"github.com/hexops/foreman/internal/foreman"
	"github.com/hexops/foreman/internal/foreman/api"
)

func init() {
	const usage = `
Examples:

  List registered runners:

    $ foreman runner list

`

	// Parse flags for our subcommand.
	flagSet := flag.NewFlagSet("list", flag.ExitOnError)

	// Handles calls to our subcommand.
	handler := func(args []string) error {
		_ = flagSet.Parse(args)
		ctx := context.Background()
		client, err := foreman.Client(*runnerConfigFile)
		if err != nil {
			return errors.Wrap(err, "Client")
		}
		resp, err := client.RunnerList(ctx, &api.RunnerListRequest{})
		if err != nil {
			return errors.Wrap(err, "RunnerList")
		}
		if len(resp.Runners) == 0 {
			fmt.Println("no runners found")
		}
		for _, runner := range resp.Runners {
			state := "active"
			if !runner.Active {
				state = "paused"
			}
			fmt.Printf("#%v '%v' (%v, %v)\n", runner.ID, runner.Description, runner.Type, state)
			if len(runner.Tags) > 0 {
				fmt.Printf("    tags: %v\n", strings.Join(runner.Tags, ", "))
			}
			if runner.Info.Platform != "" {
				fmt.Printf("    platform: %v/%v, version %v\n", runner.Info.Platform, runner.Info.Architecture, runner.Info.Version)
			}
			fmt.Printf("    registered: %v\n", humanize.Time(runner.CreatedAt))
			if runner.ContactedAt.IsZero() {
				fmt.Printf("    last contact: never\n\n")
			} else {
				fmt.Printf("    last contact: %v from %v\n\n", humanize.Time(runner.ContactedAt), runner.IPAddress)
			}
		}
		return nil
	}

	// Register the command.
	runnerCommands = append(runnerCommands, &cmder.Command{
		FlagSet: flagSet,
		Aliases: []string{},
		Handler: handler,
		UsageFunc: func() {
			fmt.Fprintf(flag.CommandLine.Output(), "Usage of 'foreman runner %s':\n", flagSet.Name())
			flagSet.PrintDefaults()
			fmt.Printf("%s", usage)
		},
	})
}
