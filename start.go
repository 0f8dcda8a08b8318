package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/hexops/cmder"
	"github.com/hexops/foreman/internal/foreman"
	"github.com/kardianos/service"
)

func init() {
	const usage = `
Examples:

  Serve the runner API and admin API:

    $ foreman start -config=config.toml

  Run jobs from another foreman server (set [Runner] URL in the config):

    $ foreman start -config=runner.toml

`

	// Parse flags for our subcommand.
	flagSet := flag.NewFlagSet("start", flag.ExitOnError)
	configFile := flagSet.String("config", "config.toml", "Path to TOML configuration file (see config.go)")

	// Handles calls to our subcommand.
	handler := func(args []string) error {
		_ = flagSet.Parse(args)

		service, _ := newServiceServer(*configFile)
		return service.Run()
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

func newServiceServer(configFile string) (service.Service, *foreman.Server) {
	server := &foreman.Server{
		ConfigFile: configFile,
	}

	svcConfig := &service.Config{
		Name:        "foreman",
		DisplayName: "Foreman",
		Description: "CI server and runner",
		Arguments:   []string{"start"},
	}
	s, err := service.New(server, svcConfig)
	if err != nil {
		log.Fatal("creating service", err)
	}
	return s, server
}
