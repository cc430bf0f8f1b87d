// Package executor runs deterministic command lists (the `run` steps and the
// agent pre-steps) against a device, connecting it to the report trace.
package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/devicelab-dev/droid-agent/pkg/core"
	"github.com/devicelab-dev/droid-agent/pkg/report"
	"github.com/devicelab-dev/droid-agent/pkg/spec"
)

// DefaultFinalWait is the pause after the last step, before teardown.
const DefaultFinalWait = 5 * time.Second

// SkippedAPK is recorded in the summary when installation was skipped.
const SkippedAPK = "(skipped)"

// RunnerConfig configures the step runner.
type RunnerConfig struct {
	ReportDir string // Report root for this run
	Package   string // Default package for launch/stop
	Activity  string
	APK       string // Absolute APK path, "" when installation is skipped

	// FinalWait is the pause after the steps; 0 means DefaultFinalWait,
	// negative disables it.
	FinalWait time.Duration

	// Scripts expands ${expr} and $VAR in string arguments. Optional.
	Scripts *ScriptEngine

	// Live progress callback
	OnStepComplete func(idx int, cmd string, passed bool, durationMs int64, err string)
}

// RunResult contains the outcome of a step run.
type RunResult struct {
	Status   report.Status
	Executed int
	Total    int
	Duration int64 // milliseconds
	Error    string
}

// Runner executes deterministic commands and records them in a trace.
type Runner struct {
	config RunnerConfig
	dev    core.Device
	trace  *report.Trace
}

// New creates a new Runner.
func New(dev core.Device, trace *report.Trace, cfg RunnerConfig) *Runner {
	return &Runner{
		config: cfg,
		dev:    dev,
		trace:  trace,
	}
}

// Run executes cmds in order. The first failing step stops the run; its
// error is recorded in the trace. A failed auto-screenshot only warns.
func (r *Runner) Run(ctx context.Context, cmds []spec.Command) *RunResult {
	start := time.Now()
	result := &RunResult{Total: len(cmds)}

	for i, cmd := range cmds {
		idx := i + 1
		if err := ctx.Err(); err != nil {
			r.fail(result, fmt.Errorf("run cancelled: %w", err))
			break
		}

		stepStart := time.Now()
		r.trace.Log("Executing step %d: %s", idx, describe(cmd))
		cmd, err := r.expand(cmd)
		if err == nil {
			err = ExecuteCommand(r.dev, cmd, r.config.Package)
		}
		r.notify(idx, cmd.Cmd, err, time.Since(stepStart))
		if err != nil {
			r.fail(result, err)
			break
		}

		r.captureStep(idx, cmd)
		result.Executed = idx
		r.trace.SetExecuted(idx)
	}

	r.finalWait()

	result.Duration = time.Since(start).Milliseconds()
	result.Status = report.StatusOf(result.Error == "")
	return result
}

// Summary returns the descriptive summary fields of this run. The trace
// fills in the outcome when it is written.
func (r *Runner) Summary() report.Summary {
	apk := r.config.APK
	if apk == "" {
		apk = SkippedAPK
	}
	return report.Summary{
		ReportDir: r.config.ReportDir,
		Package:   r.config.Package,
		Activity:  r.config.Activity,
		APK:       apk,
		Device:    r.dev.Serial(),
		Steps:     r.trace.Events(),
	}
}

func (r *Runner) fail(result *RunResult, err error) {
	result.Error = err.Error()
	r.trace.Log("ERROR: %s", result.Error)
	r.trace.AddError(result.Error)
}

func (r *Runner) notify(idx int, cmd string, err error, d time.Duration) {
	if r.config.OnStepComplete == nil {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	r.config.OnStepComplete(idx, cmd, err == nil, d.Milliseconds(), msg)
}

func (r *Runner) expand(cmd spec.Command) (spec.Command, error) {
	if r.config.Scripts == nil {
		return cmd, nil
	}
	return r.config.Scripts.ExpandCommand(cmd)
}

// captureStep takes the auto-screenshot for step idx and records its event.
// Taps get a marker at the tapped point.
func (r *Runner) captureStep(idx int, cmd spec.Command) {
	name := core.StepScreenshotName(idx, cmd.Cmd)
	path := filepath.Join(r.config.ReportDir, core.DirScreenshots, name)

	event := stepEvent(idx, cmd)
	var err error
	if cmd.Cmd == spec.CmdTap {
		err = r.dev.ScreenshotWithMarker(path, *event.X, *event.Y, core.MarkerColor)
	} else {
		err = r.dev.ScreenshotToFile(path)
	}
	if err != nil {
		r.trace.Log("Warning: auto-screenshot failed: %v", err)
		return
	}
	event.Image = core.DirScreenshots + "/" + name
	r.trace.AddEvent(event)
}

func (r *Runner) finalWait() {
	d := r.config.FinalWait
	if d < 0 {
		return
	}
	if d == 0 {
		d = DefaultFinalWait
	}
	r.trace.Log("Final wait before teardown (%s)...", d)
	r.dev.Wait(d)
}

// stepEvent copies the numeric and text fields a step carries into an event.
func stepEvent(idx int, cmd spec.Command) report.Event {
	e := report.Event{Index: idx, Cmd: cmd.Cmd}
	intField := func(key string) *int {
		if v, err := cmd.Int(key); err == nil {
			return &v
		}
		return nil
	}
	e.X, e.Y = intField("x"), intField("y")
	e.X1, e.Y1 = intField("x1"), intField("y1")
	e.X2, e.Y2 = intField("x2"), intField("y2")
	e.DurationMs = intField("duration_ms")
	if _, ok := cmd.Args["seconds"]; ok {
		s := cmd.FloatOr("seconds", DefaultWaitSeconds)
		e.Seconds = &s
	}
	e.Text = cmd.String("text")
	return e
}

func describe(cmd spec.Command) string {
	if len(cmd.Args) == 0 {
		return cmd.Cmd
	}
	return fmt.Sprintf("%s %v", cmd.Cmd, cmd.Args)
}
