package main

import (
	"flag"
	"fmt"
	"log"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"

	"github.com/hexops/cmder"
	"github.com/hexops/foreman/internal/foreman"
	"github.com/kardianos/service"
)

// serviceCommands contains all registered 'foreman service' subcommands.
var serviceCommands cmder.Commander

var (
	serviceFlagSet    = flag.NewFlagSet("service", flag.ExitOnError)
	serviceConfigFile = serviceFlagSet.String("config", defaultConfigFilePath(), "Path to TOML configuration file (see config.go)")
)

func init() {
	const usage = `foreman service: manage foreman as a system service

Usage:

	foreman service [-config=config.toml] <command> [arguments]

The commands are:

	run          run the server (or runner) now
	status       get the status of the foreman system service
	logs         view service logs
	start        start foreman as a system service
	stop         stop foreman as a system service
	restart      restart the foreman system service
	install      install foreman as a system service
	uninstall    uninstall foreman as a system service

Use "foreman service <command> -h" for more information about a command.
`

	usageFunc := func() {
		fmt.Printf("%s", usage)
	}
	serviceFlagSet.Usage = usageFunc

	// Handles calls to our subcommand.
	handler := func(args []string) error {
		_ = serviceFlagSet.Parse(args)
		serviceCommands.Run(serviceFlagSet, "foreman service", usage, args)
		return nil
	}

	// Register the command.
	commands = append(commands, &cmder.Command{
		FlagSet:   serviceFlagSet,
		Aliases:   []string{"svc"},
		Handler:   handler,
		UsageFunc: usageFunc,
	})
}

func defaultConfigFilePath() string {
	u, err := user.Current()
	if err == nil {
		return filepath.Join(u.HomeDir, "foreman/config.toml")
	}
	return "config.toml"
}

func newService() (service.Service, *foreman.Server) {
	return newServiceWithConfig(&ServiceConfig{
		ConfigFile: *serviceConfigFile,
		Executable: "",
	})
}

type ServiceConfig struct {
	ConfigFile string
	Executable string
}

func newServiceWithConfig(config *ServiceConfig) (service.Service, *foreman.Server) {
	server := &foreman.Server{
		ConfigFile: config.ConfigFile,
	}

	var options service.KeyValue
	var envVars map[string]string
	if runtime.GOOS == "linux" {
		options = make(service.KeyValue)
		options["RestartSec"] = 1 // default is 120
		u, err := user.Current()
		if err != nil {
			log.Fatal("user.Current", err)
		}
		envVars = map[string]string{"HOME": u.HomeDir}
	}

	// Jobs run through the login shell so that runners see the user's PATH.
	var executable string
	var arguments []string
	foremanCmd := fmt.Sprintf(`%s service -config=%s run`, config.Executable, config.ConfigFile)
	switch runtime.GOOS {
	case "linux":
		var err error
		executable, err = exec.LookPath("sh")
		if err != nil {
			log.Fatal("LookPath", err)
		}
		arguments = []string{"-lc", foremanCmd}
	case "darwin":
		var err error
		executable, err = exec.LookPath("zsh")
		if err != nil {
			log.Fatal("LookPath", err)
		}
		arguments = []string{"-c", foremanCmd}
	case "windows":
		executable = config.Executable
		arguments = []string{"service", "-config=" + config.ConfigFile, "run"}
	}

	svcConfig := &service.Config{
		Name:        "foreman",
		DisplayName: "Foreman",
		Description: "CI server and runner",
		Arguments:   arguments,
		Executable:  executable,
		EnvVars:     envVars,
		Option:      options,
	}
	s, err := service.New(server, svcConfig)
	if err != nil {
		log.Fatal("creating service", err)
	}
	return s, server
}
