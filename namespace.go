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

  Create a group and a subgroup:

    $ foreman namespace group
    $ foreman namespace group/sub

`

	// Parse flags for our subcommand.
	flagSet := flag.NewFlagSet("namespace", flag.ExitOnError)
	configFile := flagSet.String("config", defaultConfigFilePath(), "Path to TOML configuration file (see config.go)")
	maxArtifactsSize := flagSet.Int64("max-artifacts-size", 0, "artifact size limit in megabytes")

	// Handles calls to our subcommand.
	handler := func(args []string) error {
		_ = flagSet.Parse(args)
		if flagSet.NArg() != 1 {
			return &cmder.UsageError{Err: errors.New("expected [namespace path] argument")}
		}
		req := &api.NamespaceUpsertRequest{Path: flagSet.Arg(0)}
		flagSet.Visit(func(f *flag.Flag) {
			if f.Name == "max-artifacts-size" {
				req.MaxArtifactsSize = maxArtifactsSize
			}
		})

		ctx := context.Background()
		client, err := foreman.Client(*configFile)
		if err != nil {
			return errors.Wrap(err, "Client")
		}
		resp, err := client.NamespaceUpsert(ctx, req)
		if err != nil {
			return errors.Wrap(err, "NamespaceUpsert")
		}
		fmt.Printf("namespace #%v %v\n", resp.Namespace.ID, resp.Namespace.Path)
		fmt.Printf("    runners token: %v\n", resp.Namespace.RunnersToken)
		return nil
	}

	// Register the command.
	commands = append(commands, &cmder.Command{
		FlagSet: flagSet,
		Aliases: []string{"group"},
		Handler: handler,
		UsageFunc: func() {
			fmt.Fprintf(flag.CommandLine.Output(), "Usage of 'foreman %s':\n", flagSet.Name())
			flagSet.PrintDefaults()
			fmt.Printf("%s", usage)
		},
	})
}
