package cli

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/droid-agent/pkg/app"
	"github.com/devicelab-dev/droid-agent/pkg/config"
	"github.com/devicelab-dev/droid-agent/pkg/core"
	"github.com/devicelab-dev/droid-agent/pkg/device"
	"github.com/devicelab-dev/droid-agent/pkg/executor"
	"github.com/devicelab-dev/droid-agent/pkg/logger"
	"github.com/devicelab-dev/droid-agent/pkg/report"
	"github.com/devicelab-dev/droid-agent/pkg/spec"
)

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "Execute the spec's commands step by step",
	ArgsUsage: "<spec.yaml>",
	Description: `Runs the fixed command list of a spec (tap, swipe, input_text, ...)
without a model, taking a screenshot after every step.

Examples:
  droid-agent run specs/smoke.yaml
  droid-agent run specs/smoke.yaml --output build/reports`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "output",
			Usage: "Reports root directory",
			Value: config.DefaultReportsDir,
		},
		&cli.BoolFlag{
			Name:  "allure",
			Usage: "Also write Allure results",
		},
		&cli.BoolFlag{
			Name:  "shutdown-emulator",
			Usage: "Shut down emulators this run started when it ends",
		},
	},
	Action: runSteps,
}

func runSteps(c *cli.Context) error {
	path, err := specArg(c)
	if err != nil {
		return err
	}
	st, err := loadSettings(c)
	if err != nil {
		return err
	}
	s, err := spec.ParseFile(path)
	if err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir := reportDirName(st.ReportsDir, "", time.Now(), s.Package)
	if err := report.InitDirs(dir, core.DirScreenshots); err != nil {
		return err
	}
	if err := logger.Init(filepath.Join(dir, core.FileRunLog)); err != nil {
		printWarning("file logging disabled: %v", err)
	}
	defer logger.Close()

	printSection("Setup")
	trace := report.NewTrace(os.Stdout)
	logger.WithRun(trace.RunID())
	base := report.Summary{Package: s.Package, Activity: s.Activity, APK: s.APK}

	mgr := newManager(st)
	if c.Bool("shutdown-emulator") {
		defer releaseEmulators(mgr)
	}
	adb, err := acquireDevice(mgr, st)
	if err != nil {
		trace.AddError(err.Error())
		return finish(trace, dir, base, nil, c.Bool("allure"))
	}
	base.Device = adb.Serial()

	lifecycle := &app.Lifecycle{
		Printf:          trace.Log,
		Restart:         restarter(mgr, adb, st),
		PartitionSizeMB: st.RecoveryPartitionMB,
	}
	dev, err := lifecycle.Prepare(adb, s)
	if ad, ok := dev.(*device.AndroidDevice); ok && ad != nil {
		base.Device = ad.Serial()
	}
	if err != nil {
		trace.AddError(err.Error())
		if core.ExitCode(err) == core.ExitConfigError {
			return err
		}
		return finish(trace, dir, base, nil, c.Bool("allure"))
	}

	scripts := executor.NewScriptEngine(mergeEnv(st.Env, s.Env))
	defer scripts.Close()
	scripts.ImportSystemEnv()
	scripts.SetDevice(dev.Serial(), s.Package)

	apk := ""
	if !s.Install.SkipInstall {
		apk, _ = s.APKPath()
	}

	printSection("Execution")
	runner := executor.New(dev, trace, executor.RunnerConfig{
		ReportDir:      dir,
		Package:        s.Package,
		Activity:       s.Activity,
		APK:            apk,
		Scripts:        scripts,
		OnStepComplete: onStepComplete,
	})
	result := runner.Run(ctx, s.Commands)
	logger.Info("run %s: %d/%d steps in %s", result.Status, result.Executed, result.Total, formatDuration(result.Duration))

	lifecycle.Teardown(dev, s)
	return finish(trace, dir, runner.Summary(), nil, c.Bool("allure"))
}
