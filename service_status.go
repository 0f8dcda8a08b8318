package main

import (
	"flag"
	"fmt"

	"github.com/hexops/cmder"
	"github.com/hexops/foreman/internal/errors"
	"github.com/hexops/foreman/internal/foreman"
)

func init() {
	const usage = `
Examples:

  Check whether foreman is running on this machine:

    $ foreman service status

`

	// Parse flags for our subcommand.
	flagSet := flag.NewFlagSet("status", flag.ExitOnError)

	// Handles calls to our subcommand.
	handler := func(args []string) error {
		_ = flagSet.Parse(args)

		svc, _ := newService()
		status, err := foreman.ServiceStatus(svc)
		if err != nil {
			return errors.Wrap(err, "ServiceStatus")
		}
		fmt.Printf("%s registered in %s\n", svc.String(), svc.Platform())
		fmt.Println(status)
		return nil
	}

	// Register the command.
	serviceCommands = append(serviceCommands, &cmder.Command{
		FlagSet: flagSet,
		Aliases: []string{},
		Handler: handler,
		UsageFunc: func() {
			fmt.Fprintf(flag.CommandLine.Output(), "Usage of 'foreman service %s':\n", flagSet.Name())
			flagSet.PrintDefaults()
			fmt.Printf("%s", usage)
		},
	})
}
