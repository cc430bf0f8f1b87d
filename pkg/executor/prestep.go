package executor

import (
	"context"
	"path/filepath"

	"github.com/devicelab-dev/droid-agent/pkg/core"
	"github.com/devicelab-dev/droid-agent/pkg/spec"
)

// RunPreSteps executes the pre-steps that precede the agent loop. They are
// best-effort: a failure is logged and the next pre-step runs. Each pre-step
// leaves an image under pre_steps/, with a marker for taps. It returns the
// number of pre-steps that succeeded.
func (r *Runner) RunPreSteps(ctx context.Context, cmds []spec.Command) int {
	if len(cmds) == 0 {
		return 0
	}
	r.trace.Log("Executing pre-steps before agent loop...")
	dir := filepath.Join(r.config.ReportDir, core.DirPreSteps)

	done := 0
	for i, cmd := range cmds {
		idx := i + 1
		if ctx.Err() != nil {
			break
		}
		r.trace.Log("Pre-step %d: %s", idx, describe(cmd))
		if err := r.preStep(dir, idx, cmd); err != nil {
			r.trace.Log("Warning: pre-step failed: %v", err)
			continue
		}
		done++
	}
	return done
}

func (r *Runner) preStep(dir string, idx int, cmd spec.Command) error {
	cmd, err := r.expand(cmd)
	if err != nil {
		return err
	}
	if err := ExecuteCommand(r.dev, cmd, r.config.Package); err != nil {
		return err
	}

	if cmd.Cmd == spec.CmdTap {
		x, y, err := point(cmd, "x", "y")
		if err == nil {
			return r.dev.ScreenshotWithMarker(filepath.Join(dir, core.PreStepScreenshotName(idx, "tap")), x, y, core.MarkerColor)
		}
	}
	return r.dev.ScreenshotToFile(filepath.Join(dir, core.PreStepScreenshotName(idx, cmd.Cmd)))
}
