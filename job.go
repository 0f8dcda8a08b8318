package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/hexops/cmder"
	"github.com/hexops/foreman/internal/foreman/api"
)

// jobCommands contains all registered 'foreman job' subcommands.
var jobCommands cmder.Commander

var (
	jobFlagSet    = flag.NewFlagSet("job", flag.ExitOnError)
	jobConfigFile = jobFlagSet.String("config", defaultConfigFilePath(), "Path to TOML configuration file (see config.go)")
)

func init() {
	const usage = `foreman job: inspect and control jobs

Usage:

	foreman job [-config=config.toml] <command> [arguments]

The commands are:

	list         list recent jobs
	get          show a job
	trace        print the trace of a job
	cancel       cancel a pending or running job
	retry        queue a new attempt of a finished job
	erase        remove the trace and artifacts of a finished job

Use "foreman job <command> -h" for more information about a command.
`

	usageFunc := func() {
		fmt.Printf("%s", usage)
	}
	jobFlagSet.Usage = usageFunc

	// Handles calls to our subcommand.
	handler := func(args []string) error {
		_ = jobFlagSet.Parse(args)
		jobCommands.Run(jobFlagSet, "foreman job", usage, args)
		return nil
	}

	// Register the command.
	commands = append(commands, &cmder.Command{
		FlagSet:   jobFlagSet,
		Aliases:   []string{"jobs"},
		Handler:   handler,
		UsageFunc: usageFunc,
	})
}

func printJob(job api.Job, verbose bool) {
	status := string(job.Status)
	if job.FailureReason != "" {
		status += ": " + string(job.FailureReason)
	}
	if job.Retried {
		status += ", retried"
	}
	fmt.Printf("#%v %v (%v) ref=%v pipeline=#%v created %v\n", job.ID, job.Name, status, job.Ref, job.PipelineID, humanize.Time(job.CreatedAt))
	if !verbose {
		return
	}
	fmt.Printf("    stage: %v\n", job.Stage)
	if len(job.Tags) > 0 {
		fmt.Printf("    tags: %v\n", strings.Join(job.Tags, ", "))
	}
	if job.RunnerID != nil {
		fmt.Printf("    runner: #%v\n", *job.RunnerID)
	}
	if job.StartedAt != nil {
		fmt.Printf("    started: %v\n", humanize.Time(*job.StartedAt))
	}
	if job.FinishedAt != nil {
		fmt.Printf("    finished: %v\n", humanize.Time(*job.FinishedAt))
	}
	if job.Erased {
		fmt.Printf("    erased\n")
	}
	for _, a := range job.Artifacts {
		expire := "never expires"
		if a.ExpireAt != nil {
			expire = "expires " + humanize.Time(*a.ExpireAt)
		}
		fmt.Printf("    artifact: %v %v (%v, %v, %v)\n", a.FileType, a.Filename, a.Format, humanize.Bytes(uint64(a.Size)), expire)
	}
}
