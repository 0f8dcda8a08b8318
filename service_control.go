package main

import (
	"flag"
	"fmt"

	"github.com/hexops/cmder"
	"github.com/kardianos/service"
)

func init() {
	// Each of these maps directly onto a kardianos/service control action.
	for _, action := range []string{"start", "stop", "restart", "install", "uninstall"} {
		action := action
		usage := fmt.Sprintf(`
Examples:

  %s the foreman system service:

    $ foreman svc %s

`, action, action)

		// Parse flags for our subcommand.
		flagSet := flag.NewFlagSet(action, flag.ExitOnError)

		// Handles calls to our subcommand.
		handler := func(args []string) error {
			_ = flagSet.Parse(args)

			svc, _ := newService()
			if err := service.Control(svc, action); err != nil {
				return err
			}
			fmt.Println("foreman:", action, "ok")
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
}
