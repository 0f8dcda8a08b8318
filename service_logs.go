package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hexops/cmder"
	"github.com/hexops/foreman/internal/errors"
	"github.com/hexops/foreman/internal/foreman"
	"github.com/nxadm/tail"
)

func init() {
	const usage = `
Examples:

  Follow the log of the foreman service:

    $ foreman service logs

  Print the whole log and exit:

    $ foreman service logs -a -f=false

`

	// Parse flags for our subcommand.
	flagSet := flag.NewFlagSet("logs", flag.ExitOnError)
	followFlag := flagSet.Bool("f", true, "follow the log file")
	showAllFlag := flagSet.Bool("a", false, "show all logs, not just new ones")

	// Handles calls to our subcommand.
	handler := func(args []string) error {
		_ = flagSet.Parse(args)

		var cfg foreman.Config
		if err := foreman.LoadConfig(*serviceConfigFile, &cfg); err != nil {
			return errors.Wrap(err, "LoadConfig")
		}

		path := cfg.LogFilePath()
		if _, err := os.Stat(path); err != nil {
			fmt.Println("warning:", err)
		}
		tf, err := tail.TailFile(path, tail.Config{
			Follow:    *followFlag,
			ReOpen:    *followFlag,
			MustExist: !*followFlag,
			Logger:    tail.DiscardingLogger,
		})
		if err != nil {
			return errors.Wrap(err, "TailFile")
		}
		defer tf.Cleanup()

		start := time.Now()
		for line := range tf.Lines {
			if line.Err != nil {
				return errors.Wrap(line.Err, "tail")
			}
			if !*showAllFlag {
				stamp, _, _ := strings.Cut(line.Text, " ")
				t, err := time.Parse(time.RFC3339, stamp)
				if err == nil && t.Before(start.Add(-time.Second)) {
					continue
				}
			}
			fmt.Println(line.Text)
		}
		return errors.Wrap(tf.Err(), "tail")
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
