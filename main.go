package main

import (
	"flag"
	"log"
	"os"

	"github.com/hexops/cmder"
)

// commands contains all registered subcommands.
var commands cmder.Commander

var usageText = `foreman: builds, on your own machines

Usage:

	foreman <command> [arguments]

The commands are:

	start       serve the runner API, or run jobs when configured as a runner
	setup       install foreman as a system service
	service     manage the foreman system service
	namespace   create or update a namespace
	project     create or update a project
	variable    manage project CI/CD variables
	runner      list, update or delete registered runners
	pipeline    create pipelines
	job         inspect and control jobs
	logs        read server logs
	version     print the foreman version

Use "foreman <command> -h" for more information about a command.
`

func main() {
	// Configure logging if desired.
	log.SetFlags(0)
	log.SetPrefix("")

	commands.Run(flag.CommandLine, "foreman", usageText, os.Args[1:])
}
