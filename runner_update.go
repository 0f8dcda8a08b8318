package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/hexops/cmder"
	"github.com/hexops/foreman/internal/ci"
	"github.com/hexops/foreman/internal/errors"
	"github.com/hexops/foreman/internal/foreman"
	"github.com/hexops/foreman/internal/foreman/api"
)

func init() {
	const usage = `
Examples:

  Pause a runner so it stops picking new jobs:

    $ foreman runner update -active=false 4

  Only run jobs on protected refs, with the given tags:

    $ foreman runner update -access-level=ref_protected -tags=linux,docker 4

  Assign a project runner to another project:

    $ foreman runner update -assign=group/other 7

`

	// Parse flags for our subcommand.
	flagSet := flag.NewFlagSet("update", flag.ExitOnError)
	descriptionFlag := flagSet.String("description", "", "runner description")
	activeFlag := flagSet.Bool("active", true, "whether the runner picks jobs")
	lockedFlag := flagSet.Bool("locked", false, "whether a project runner is locked to its projects")
	runUntaggedFlag := flagSet.Bool("run-untagged", true, "whether the runner picks jobs without tags")
	tagsFlag := flagSet.String("tags", "", "comma separated tag list")
	accessLevelFlag := flagSet.String("access-level", "", "not_protected or ref_protected")
	maxTimeoutFlag := flagSet.Int("maximum-timeout", 0, "maximum job timeout in seconds")
	assignFlag := flagSet.String("assign", "", "comma separated project paths to assign a project runner to")

	// Handles calls to our subcommand.
	handler := func(args []string) error {
		_ = flagSet.Parse(args)
		if flagSet.NArg() != 1 {
			return &cmder.UsageError{Err: errors.New("expected [runner ID] argument")}
		}
		id, err := strconv.ParseInt(flagSet.Arg(0), 10, 64)
		if err != nil {
			return &cmder.UsageError{Err: errors.Wrap(err, "runner ID")}
		}

		// Only flags given on the command line are sent.
		req := &api.RunnerUpdateRequest{ID: id}
		var flagErr error
		flagSet.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "description":
				req.Description = descriptionFlag
			case "active":
				req.Active = activeFlag
			case "locked":
				req.Locked = lockedFlag
			case "run-untagged":
				req.RunUntagged = runUntaggedFlag
			case "tags":
				tags := splitList(*tagsFlag)
				req.Tags = &tags
			case "access-level":
				level, ok := ci.ParseAccessLevel(*accessLevelFlag)
				if !ok {
					flagErr = fmt.Errorf("invalid access level %q", *accessLevelFlag)
				}
				req.AccessLevel = &level
			case "maximum-timeout":
				req.MaximumTimeout = maxTimeoutFlag
			case "assign":
				req.AssignProjects = splitList(*assignFlag)
			}
		})
		if flagErr != nil {
			return &cmder.UsageError{Err: flagErr}
		}

		ctx := context.Background()
		client, err := foreman.Client(*runnerConfigFile)
		if err != nil {
			return errors.Wrap(err, "Client")
		}
		resp, err := client.RunnerUpdate(ctx, req)
		if err != nil {
			return errors.Wrap(err, "RunnerUpdate")
		}
		r := resp.Runner
		fmt.Printf("#%v '%v' active=%v locked=%v run_untagged=%v access_level=%v tags=%v\n", r.ID, r.Description, r.Active, r.Locked, r.RunUntagged, r.AccessLevel, strings.Join(r.Tags, ","))
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

// splitList splits a comma separated flag value, dropping blanks.
func splitList(s string) []string {
	list := []string{}
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			list = append(list, v)
		}
	}
	return list
}
