package main

import (
	"flag"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/hexops/cmder"
	"github.com/hexops/foreman/internal/ci"
	"github.com/hexops/foreman/internal/errors"
	"github.com/hexops/foreman/internal/foreman"
	"github.com/kardianos/service"
	"github.com/manifoldco/promptui"
)

func init() {
	const usage = `
Examples:

  Run the installation:

    $ foreman setup

`

	// Parse flags for our subcommand.
	flagSet := flag.NewFlagSet("setup", flag.ExitOnError)

	promptPath := func(fileName, defaultPath string) (string, bool) {
		validate := func(input string) error {
			return nil
		}

		prompt := promptui.Prompt{
			Label:    "Where shall I store the " + fileName + " file?",
			Validate: validate,
			Default:  defaultPath,
		}

		result, err := prompt.Run()
		if err != nil {
			fmt.Printf("Prompt failed %v\n", err)
			return "", false
		}

		u, err := user.Current()
		if err == nil {
			result = strings.Replace(result, "$HOME", u.HomeDir, -1)
		}
		return result, true
	}

	promptString := func(label, defaultValue string, isPassword bool) (string, bool) {
		validate := func(input string) error {
			return nil
		}

		prompt := promptui.Prompt{
			Label:       label,
			Validate:    validate,
			Default:     defaultValue,
			HideEntered: isPassword,
		}
		result, err := prompt.Run()
		if err != nil {
			fmt.Printf("Prompt failed %v\n", err)
			return "", false
		}
		return result, true
	}

	promptBool := func(label string, defaultValue bool) bool {
		def := "n"
		if defaultValue {
			def = "y"
		}
		prompt := promptui.Prompt{
			Label:     label,
			IsConfirm: true,
			Default:   def,
		}
		v, err := prompt.Run()
		if err != nil {
			return false
		}
		v = strings.ToLower(v)
		if strings.TrimSpace(v) == "" {
			return defaultValue
		}
		return v == "y" || v == "yes" || v == "true"
	}

	// Handles calls to our subcommand.
	handler := func(args []string) error {
		_ = flagSet.Parse(args)
		fmt.Printf("%s\n", logo)

		const (
			deployTypeRunner = "runner"
			deployTypeServer = "server"
		)
		prompt := promptui.Select{
			Label: "Deployment type",
			Items: []string{deployTypeRunner, deployTypeServer},
		}
		_, deployType, err := prompt.Run()
		if err != nil {
			fmt.Printf("Prompt failed %v\n", err)
			return nil
		}

		configFile, ok := promptPath("config", "$HOME/foreman/config.toml")
		if !ok {
			return nil
		}
		configFile, err = filepath.Abs(configFile)
		if err != nil {
			return errors.Wrap(err, "Abs")
		}

		writeConfig := true
		if _, err := os.Stat(configFile); err == nil {
			writeConfig = !promptBool("Use existing config file?", true)
		}
		if writeConfig {
			var config foreman.Config
			config.DataDir = filepath.Dir(configFile)
			if deployType == deployTypeRunner {
				config.Runner.URL, ok = promptString("config: Runner.URL (the foreman server)", "https://ci.example.com", false)
				if !ok {
					return nil
				}
				config.Runner.RegistrationToken, ok = promptString("config: Runner.RegistrationToken", "", true)
				if !ok {
					return nil
				}
				if config.Runner.RegistrationToken == "" {
					fmt.Println("error: a registration token must be specified")
					return nil
				}
				hostname, _ := os.Hostname()
				config.Runner.Description, ok = promptString("config: Runner.Description", hostname, false)
				if !ok {
					return nil
				}
				tags, ok := promptString("config: Runner.Tags (comma separated)", runtime.GOOS+","+runtime.GOARCH, false)
				if !ok {
					return nil
				}
				for _, tag := range strings.Split(tags, ",") {
					if tag = strings.TrimSpace(tag); tag != "" {
						config.Runner.Tags = append(config.Runner.Tags, tag)
					}
				}
				config.Runner.RunUntagged = promptBool("config: Runner.RunUntagged", true)
			} else {
				config.ExternalURL, ok = promptString("config: ExternalURL", "https://ci.example.com", false)
				if !ok {
					return nil
				}
				config.Address, ok = promptString("config: Address", ":443", false)
				if !ok {
					return nil
				}
				if config.Secret, err = ci.NewToken(""); err != nil {
					return errors.Wrap(err, "NewToken")
				}
				if config.RegistrationToken, err = ci.NewToken("GR1348941"); err != nil {
					return errors.Wrap(err, "NewToken")
				}
				fmt.Println("foreman: admin Secret and RegistrationToken were generated, see", configFile)
			}
			fmt.Printf("foreman: writing config to disk..")
			if err := config.WriteTo(configFile); err != nil {
				fmt.Println(" error")
				return errors.Wrap(err, "WriteTo")
			}
			fmt.Println(" ok")
		}

		installService := promptBool("Install system service", true)
		if installService {
			fmt.Printf("foreman: checking permissions..")
			ok, err := isRoot()
			if err != nil {
				fmt.Println(" error")
				return errors.Wrap(err, "isRoot")
			}
			if !ok {
				fmt.Println(" error: please run as root")
				return nil
			}
			fmt.Println(" ok")

			exePath, err := os.Executable()
			if err != nil {
				return errors.Wrap(err, "Executable")
			}
			fmt.Println("foreman: binary path:", exePath)
			ok = promptBool("Encode this binary path", true)
			if !ok {
				fmt.Println("foreman: please move the binary and rerun")
				return nil
			}

			fmt.Printf("foreman: installing system service..")
			svc, _ := newServiceWithConfig(&ServiceConfig{
				ConfigFile: configFile,
				Executable: exePath,
			})

			// Always attempt to uninstall the service. If it is already installed, the old version
			// would be out of date. If it's not installed, this will produce an error (Install will
			// fail with the same error below if it's permissions related.)
			_ = svc.Uninstall()
			if err := svc.Install(); err != nil {
				fmt.Println(" error")
				return errors.Wrap(err, "Install")
			}
			fmt.Println(" ok")

			fmt.Printf("foreman: launching system service..")
			_ = svc.Stop() // systemd hangs if trying to start an already-started service
			if err := svc.Start(); err != nil && !strings.Contains(err.Error(), "Warning: Expecting a LaunchAgents path") {
				fmt.Println(" error")
				return errors.Wrap(err, "Start")
			}
			fmt.Println(" ok")

			fmt.Printf("foreman: waiting for service to start.")
			running := time.Time{}
			for {
				fmt.Printf(".")
				time.Sleep(1 * time.Second)
				status, err := svc.Status()
				if err != nil {
					fmt.Println(" error")
					return errors.Wrap(err, "Status")
				}
				if status == service.StatusRunning {
					if running.IsZero() {
						running = time.Now()
					}
					if time.Since(running) > 5*time.Second {
						fmt.Println(" ok")
						break
					}
				} else if !running.IsZero() {
					fmt.Println(" ERROR")
					fmt.Println("Please debug using `foreman svc status`")
					return nil
				}
			}
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

func isRoot() (bool, error) {
	u, err := user.Current()
	if err != nil {
		return false, err
	}
	if runtime.GOOS != "windows" {
		return u.Uid == "0", nil
	}
	ids, err := u.GroupIds()
	if err != nil {
		return false, err
	}
	for i := range ids {
		if ids[i] == "S-1-5-32-544" { // SID for the built-in Administrators group
			return true, nil
		}
	}
	return false, nil
}

const logo = `
  __
 / _|___  _ _  ___  _ __   __ _  _ _
|  _/ _ \| '_|/ -_)| '  \ / _' || ' \
|_| \___/|_|  \___||_|_|_|\__,_||_||_|
`
