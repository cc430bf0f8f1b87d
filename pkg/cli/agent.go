package cli

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/droid-agent/pkg/agent"
	"github.com/devicelab-dev/droid-agent/pkg/app"
	"github.com/devicelab-dev/droid-agent/pkg/config"
	"github.com/devicelab-dev/droid-agent/pkg/core"
	"github.com/devicelab-dev/droid-agent/pkg/device"
	"github.com/devicelab-dev/droid-agent/pkg/executor"
	"github.com/devicelab-dev/droid-agent/pkg/llm"
	"github.com/devicelab-dev/droid-agent/pkg/logger"
	"github.com/devicelab-dev/droid-agent/pkg/recorder"
	"github.com/devicelab-dev/droid-agent/pkg/report"
	"github.com/devicelab-dev/droid-agent/pkg/spec"
)

var agentCommand = &cli.Command{
	Name:      "agent",
	Usage:     "Let the model drive the app towards the spec's goals",
	ArgsUsage: "<spec.yaml>",
	Description: `Installs and launches the app, then runs the screenshot/action loop
for every sub-goal until the model calls end_test or the step budget is spent.

Examples:
  droid-agent agent specs/login.yaml
  droid-agent agent specs/login.yaml --provider claude --model claude-sonnet-4-5
  droid-agent agent specs/search.yaml --max-steps 60 --settle-delay 2`,
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "max-steps",
			Usage: "Model turns per sub-goal (env AGENT_MAX_STEPS)",
		},
		&cli.Float64Flag{
			Name:  "settle-delay",
			Usage: "Seconds to wait after each action (env OPENAI_AGENT_WAIT_BETWEEN_ACTIONS)",
		},
		&cli.StringFlag{
			Name:  "provider",
			Usage: "LLM provider: openai or claude (env LLM_PROVIDER)",
		},
		&cli.StringFlag{
			Name:  "model",
			Usage: "Model name (provider default when empty)",
		},
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
	Action: runAgent,
}

func runAgent(c *cli.Context) error {
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
	if err := s.ValidateAgent(); err != nil {
		return err
	}
	backend, err := llm.New(st.Provider, llm.Options{
		Model:      st.Model,
		APIKey:     config.APIKey(st.Provider),
		MaxRetries: 2,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	now := time.Now()
	dir := reportDirName(st.ReportsDir, "agent_", now, s.Package)
	if err := report.InitDirs(dir, core.DirScreenshots, core.DirResponsesRaw, core.DirPreSteps); err != nil {
		return err
	}
	if err := logger.Init(filepath.Join(dir, core.FileRunLog)); err != nil {
		printWarning("file logging disabled: %v", err)
	}
	defer logger.Close()

	printSection("Setup")
	if s.IsMultiStep() {
		printSetupSuccess("Multi-step test: %d sub-goals", len(s.SubGoals))
	}
	trace := report.NewTrace(os.Stdout)
	logger.WithRun(trace.RunID())
	base := report.Summary{
		Package:  s.Package,
		Activity: s.Activity,
		APK:      s.APK,
		Provider: backend.Name(),
		Model:    modelOf(backend, st.Model),
	}
	if len(s.SubGoals) > 0 {
		base.Goal = s.SubGoals[0].Goal
		base.NegativePrompt = s.SubGoals[0].NegativePrompt
	}
	planned := plannedSubGoals(s.SubGoals)

	mgr := newManager(st)
	if c.Bool("shutdown-emulator") {
		defer releaseEmulators(mgr)
	}
	adb, err := acquireDevice(mgr, st)
	if err != nil {
		trace.AddError(err.Error())
		return finish(trace, dir, base, planned, c.Bool("allure"))
	}
	base.Device = adb.Serial()

	lifecycle := &app.Lifecycle{
		Printf:          trace.Log,
		Restart:         restarter(mgr, adb, st),
		PartitionSizeMB: st.RecoveryPartitionMB,
	}
	dev, err := lifecycle.Prepare(adb, s)
	if ad, ok := dev.(*device.AndroidDevice); ok && ad != nil {
		adb = ad
		base.Device = ad.Serial()
	}
	if err != nil {
		trace.AddError(err.Error())
		if core.ExitCode(err) == core.ExitConfigError {
			return err
		}
		return finish(trace, dir, base, planned, c.Bool("allure"))
	}
	printSetupSuccess("Launched %s", s.Package)

	scripts := executor.NewScriptEngine(mergeEnv(st.Env, s.Env))
	defer scripts.Close()
	scripts.ImportSystemEnv()
	scripts.SetDevice(adb.Serial(), s.Package)

	printSection("Execution")
	if len(s.PreSteps) > 0 {
		pre := executor.New(dev, trace, executor.RunnerConfig{
			ReportDir: dir,
			Package:   s.Package,
			Scripts:   scripts,
			FinalWait: -1,
		})
		pre.RunPreSteps(ctx, s.PreSteps)
	}

	session := recorder.Start(ctx, adb, recorder.Options{
		ReportDir: dir,
		Timestamp: now.Format(timestampLayout),
		Log:       trace.Log,
	})
	// Close is idempotent; the explicit call below runs before teardown.
	defer func() { _ = session.Close() }()

	runner := agent.NewRunner(dev, backend, trace, dir, agent.Config{
		MaxSteps:    st.MaxSteps,
		SettleDelay: st.SettleDelay,
		Hints:       s.Hints,
		Resolve:     resolver(scripts, trace),
	})
	if err := runner.Run(ctx, s.SubGoals); err != nil {
		logger.Error("agent run: %v", err)
	}

	_ = session.Close()
	lifecycle.Teardown(dev, s)
	return finish(trace, dir, base, planned, c.Bool("allure"))
}

// finish writes the reports, prints the summary and turns a failed run
// into errRunFailed.
func finish(trace *report.Trace, dir string, base report.Summary, planned []report.SubGoalResult, allure bool) error {
	summary, err := trace.WriteAll(dir, base, planned)
	if err != nil {
		return err
	}
	if allure {
		if err := report.GenerateAllure(dir); err != nil {
			printWarning("failed to write Allure results: %v", err)
		}
	}
	if err := printJSON(os.Stdout, summary); err != nil {
		return err
	}
	printResult(summary.OK, dir)
	if !summary.OK {
		return errRunFailed
	}
	return nil
}

// resolver expands placeholders in a sub-goal as it starts. A failing
// expression leaves its text in place and is logged.
func resolver(scripts *executor.ScriptEngine, trace *report.Trace) func(spec.SubGoal) spec.SubGoal {
	return func(g spec.SubGoal) spec.SubGoal {
		resolved, err := g.Resolve(time.Now(), scripts)
		if err != nil {
			trace.Log("Warning: could not expand variables: %v", err)
		}
		return resolved
	}
}

func plannedSubGoals(goals []spec.SubGoal) []report.SubGoalResult {
	planned := make([]report.SubGoalResult, len(goals))
	for i, g := range goals {
		planned[i] = report.SubGoalResult{
			Index:           i + 1,
			Goal:            g.Goal,
			Suggestions:     g.Suggestions,
			NegativePrompt:  g.NegativePrompt,
			SuccessCriteria: g.SuccessCriteria,
		}
	}
	return planned
}

// mergeEnv layers the spec's env over the config's.
func mergeEnv(layers ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, m := range layers {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

func modelOf(b llm.Backend, fallback string) string {
	if m, ok := b.(interface{ Model() string }); ok && m.Model() != "" {
		return m.Model()
	}
	return fallback
}

// ensure the concrete device satisfies the recorder bridge
var _ recorder.ADB = (*device.AndroidDevice)(nil)
