package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/hexops/cmder"
	"github.com/hexops/foreman/internal/errors"
	"github.com/hexops/foreman/internal/foreman"
	"github.com/hexops/foreman/internal/foreman/api"
)

func init() {
	const usage = `
Examples:

  Create a namespace, then a project in it:

    $ foreman namespace group
    $ foreman project group/app

  Protect the main branch and release tags, and cap artifacts at 100 MB:

    $ foreman project -protected-refs=main,v* -max-artifacts-size=100 group/app

`

	// Parse flags for our subcommand.
	flagSet := flag.NewFlagSet("project", flag.ExitOnError)
	configFile := flagSet.String("config", defaultConfigFilePath(), "Path to TOML configuration file (see config.go)")
	buildsEnabled := flagSet.Bool("builds-enabled", true, "whether jobs of the project are handed to runners")
	sharedRunners := flagSet.Bool("shared-runners", true, "whether instance runners pick jobs of the project")
	groupRunners := flagSet.Bool("group-runners", true, "whether group runners pick jobs of the project")
	buildTimeout := flagSet.Int("build-timeout", 0, "job timeout in seconds")
	gitDepth := flagSet.Int("git-depth", 0, "default clone depth, 0 for full clones")
	maxArtifactsSize := flagSet.Int64("max-artifacts-size", 0, "artifact size limit in megabytes")
	protectedRefs := flagSet.String("protected-refs", "", "comma separated glob patterns of protected refs")

	// Handles calls to our subcommand.
	handler := func(args []string) error {
		_ = flagSet.Parse(args)
		if flagSet.NArg() != 1 {
			return &cmder.UsageError{Err: errors.New("expected [project path] argument")}
		}

		// Only flags given on the command line are sent.
		req := &api.ProjectUpsertRequest{Path: flagSet.Arg(0)}
		flagSet.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "builds-enabled":
				req.BuildsEnabled = buildsEnabled
			case "shared-runners":
				req.SharedRunnersEnabled = sharedRunners
			case "group-runners":
				req.GroupRunnersEnabled = groupRunners
			case "build-timeout":
				req.BuildTimeout = buildTimeout
			case "git-depth":
				req.DefaultGitDepth = gitDepth
			case "max-artifacts-size":
				req.MaxArtifactsSize = maxArtifactsSize
			case "protected-refs":
				refs := splitList(*protectedRefs)
				req.ProtectedRefs = &refs
			}
		})

		ctx := context.Background()
		client, err := foreman.Client(*configFile)
		if err != nil {
			return errors.Wrap(err, "Client")
		}
		resp, err := client.ProjectUpsert(ctx, req)
		if err != nil {
			return errors.Wrap(err, "ProjectUpsert")
		}
		p := resp.Project
		fmt.Printf("project #%v %v\n", p.ID, p.Path)
		fmt.Printf("    runners token: %v\n", p.RunnersToken)
		fmt.Printf("    build timeout: %vs\n", p.BuildTimeout)
		if len(p.ProtectedRefs) > 0 {
			fmt.Printf("    protected refs: %v\n", strings.Join(p.ProtectedRefs, ", "))
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
