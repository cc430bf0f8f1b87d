package cli

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/droid-agent/pkg/core"
	"github.com/devicelab-dev/droid-agent/pkg/validator"
)

var validateCommand = &cli.Command{
	Name:      "validate",
	Usage:     "Check spec files without touching a device",
	ArgsUsage: "<spec.yaml|dir>...",
	Description: `Parses every spec and reports all problems at once. Directories are
searched recursively for .yaml and .yml files.

Examples:
  droid-agent validate specs/
  droid-agent validate --mode agent specs/login.yaml`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "mode",
			Usage: "Rules to apply: auto, agent or steps",
			Value: "auto",
		},
		&cli.BoolFlag{
			Name:  "skip-apk-check",
			Usage: "Do not require the APK files to exist",
		},
	},
	Action: runValidate,
}

func parseMode(s string) (validator.Mode, error) {
	switch s {
	case "", "auto":
		return validator.ModeAuto, nil
	case "agent":
		return validator.ModeAgent, nil
	case "steps", "run":
		return validator.ModeSteps, nil
	}
	return 0, core.ErrInvalidSpec.WithMessage(fmt.Sprintf("unknown --mode %q (auto, agent, steps)", s))
}

func runValidate(c *cli.Context) error {
	if c.NArg() == 0 {
		return core.ErrMissingRequired.WithMessage("validate expects at least one spec file or directory")
	}
	mode, err := parseMode(c.String("mode"))
	if err != nil {
		return err
	}
	v := validator.New(mode)
	v.CheckAPK = !c.Bool("skip-apk-check")

	var failed int
	for _, path := range c.Args().Slice() {
		result := v.Validate(path)
		for _, f := range result.Files {
			printSetupSuccess("%s", f)
		}
		for _, e := range result.Errors {
			fmt.Printf("  %s✗%s %v\n", color(colorRed), color(colorReset), e)
		}
		failed += len(result.Errors)
	}
	if failed > 0 {
		return core.ErrInvalidSpec.WithMessage(fmt.Sprintf("%d problem(s) found", failed))
	}
	return nil
}
