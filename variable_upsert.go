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

  Upsert a variable:

    $ foreman variable -project=group/app upsert [key] [value]

  Upsert a masked variable only given to jobs on protected refs:

    $ foreman variable -project=group/app upsert -protected -masked DEPLOY_TOKEN s3cr3t-value

`

	// Parse flags for our subcommand.
	flagSet := flag.NewFlagSet("upsert", flag.ExitOnError)
	protectedFlag := flagSet.Bool("protected", false, "only give the variable to jobs on protected refs")
	maskedFlag := flagSet.Bool("masked", false, "mask the value in job traces")

	// Handles calls to our subcommand.
	handler := func(args []string) error {
		_ = flagSet.Parse(args)
		if flagSet.NArg() != 2 {
			return &cmder.UsageError{Err: errors.New("expected [key] [value] arguments")}
		}

		ctx := context.Background()
		client, err := foreman.Client(*variableConfigFile)
		if err != nil {
			return errors.Wrap(err, "Client")
		}
		_, err = client.VariablesUpsert(ctx, &api.VariablesUpsertRequest{
			Project: *variableProject,
			Variable: api.Variable{
				Key:       flagSet.Arg(0),
				Value:     flagSet.Arg(1),
				Protected: *protectedFlag,
				Masked:    *maskedFlag,
			},
		})
		if err != nil {
			return errors.Wrap(err, "VariablesUpsert")
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
