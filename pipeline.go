package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/hexops/cmder"
	"github.com/hexops/foreman/internal/ci"
	"github.com/hexops/foreman/internal/errors"
	"github.com/hexops/foreman/internal/foreman"
	"github.com/hexops/foreman/internal/foreman/api"
)

func init() {
	const usage = `
Examples:

  Create a pipeline from a YAML definition:

    $ foreman pipeline pipeline.yml

  Run the same definition against another commit:

    $ foreman pipeline -ref=release/1.2 -sha=2293ada6b400935a1378653304eaf6221e0fdb8f pipeline.yml

  A definition looks like:

    project: group/app
    ref: main
    sha: 2293ada6b400935a1378653304eaf6221e0fdb8f
    stages: [build, test]
    jobs:
      compile:
        stage: build
        script: [make]
        artifacts:
          paths: [out/]
      unit:
        stage: test
        script: [make test]

`

	// Parse flags for our subcommand.
	flagSet := flag.NewFlagSet("pipeline", flag.ExitOnError)
	configFile := flagSet.String("config", defaultConfigFilePath(), "Path to TOML configuration file (see config.go)")
	projectFlag := flagSet.String("project", "", "override the project of the definition")
	refFlag := flagSet.String("ref", "", "override the ref of the definition")
	shaFlag := flagSet.String("sha", "", "override the commit SHA of the definition")

	// Handles calls to our subcommand.
	handler := func(args []string) error {
		_ = flagSet.Parse(args)
		if flagSet.NArg() != 1 {
			return &cmder.UsageError{Err: errors.New("expected [pipeline.yml] argument")}
		}
		data, err := os.ReadFile(flagSet.Arg(0))
		if err != nil {
			return errors.Wrap(err, "ReadFile")
		}
		pipeline, err := ci.ParsePipeline(data)
		if err != nil {
			return errors.Wrap(err, "ParsePipeline")
		}
		if *projectFlag != "" {
			pipeline.Project = *projectFlag
		}
		if *refFlag != "" {
			pipeline.Ref = *refFlag
		}
		if *shaFlag != "" {
			pipeline.SHA = *shaFlag
		}

		ctx := context.Background()
		client, err := foreman.Client(*configFile)
		if err != nil {
			return errors.Wrap(err, "Client")
		}
		resp, err := client.PipelineCreate(ctx, &api.PipelineCreateRequest{Pipeline: *pipeline})
		if err != nil {
			return errors.Wrap(err, "PipelineCreate")
		}
		fmt.Printf("pipeline #%v created\n", resp.ID)
		for _, job := range resp.Jobs {
			fmt.Printf("    job #%v %v (%v, %v)\n", job.ID, job.Name, job.Stage, job.Status)
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
