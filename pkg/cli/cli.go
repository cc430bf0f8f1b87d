// Package cli provides the command-line interface for droid-agent.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/droid-agent/pkg/config"
	"github.com/devicelab-dev/droid-agent/pkg/core"
	"github.com/devicelab-dev/droid-agent/pkg/logger"
)

// Version is set at build time.
var Version = "dev"

// errRunFailed marks a run that completed but did not pass. Its report has
// already been printed, so nothing else is written to stderr.
var errRunFailed = errors.New("run failed")

// GlobalFlags are available to all commands.
var GlobalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "device",
		Aliases: []string{"s"},
		Usage:   "Serial of the device to use (skips emulator startup)",
		EnvVars: []string{"ANDROID_SERIAL"},
	},
	&cli.StringFlag{
		Name:  "config",
		Usage: "Path to config.yaml (default: ./config.yaml, then $DROID_AGENT_HOME)",
	},
	&cli.StringFlag{
		Name:  "env-file",
		Usage: "Load API keys and variables from this .env file",
	},
	&cli.BoolFlag{
		Name:    "verbose",
		Usage:   "Enable verbose logging",
		EnvVars: []string{"DROID_AGENT_VERBOSE"},
	},
	&cli.BoolFlag{
		Name:  "no-ansi",
		Usage: "Disable ANSI colors",
	},
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "droid-agent",
		Usage:   "LLM-driven end-to-end tests for Android apps",
		Version: Version,
		Description: `droid-agent installs an app on an Android emulator and lets a
computer-use model drive it towards the goals of a test spec.

Examples:
  droid-agent agent specs/login.yaml
  droid-agent agent specs/checkout.yaml --provider claude --max-steps 80
  droid-agent run specs/smoke.yaml
  droid-agent validate specs/
  droid-agent start-device --create`,
		Flags:  GlobalFlags,
		Before: before,
		Commands: []*cli.Command{
			agentCommand,
			runCommand,
			validateCommand,
			startDeviceCommand,
			apkInfoCommand,
			doctorCommand,
		},
		// exit codes are decided by run, not by urfave's handler
		ExitErrHandler: func(*cli.Context, error) {},
	}
}

// before loads .env files and applies the output flags.
func before(c *cli.Context) error {
	if c.Bool("no-ansi") {
		colorsEnabled = false
	}
	logger.SetVerbose(c.Bool("verbose"))

	if path := c.String("env-file"); path != "" {
		return config.LoadEnvFile(path, true)
	}
	for _, path := range config.EnvFiles() {
		if err := config.LoadEnvFile(path, false); err != nil {
			return err
		}
	}
	return nil
}

// Execute runs the CLI and exits with its status.
func Execute() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	err := newApp().Run(args)
	if err != nil && !errors.Is(err, errRunFailed) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return exitCode(err)
}

// exitCode maps a command result to the process status: 0 passed,
// 1 failed, 2 spec or configuration error.
func exitCode(err error) int {
	if errors.Is(err, errRunFailed) {
		return core.ExitFailed
	}
	return core.ExitCode(err)
}

// specArg returns the single positional spec path.
func specArg(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", core.ErrInvalidSpec.WithMessage(fmt.Sprintf("%s expects exactly one spec file", c.Command.Name))
	}
	return c.Args().First(), nil
}
