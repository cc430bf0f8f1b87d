package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/devicelab-dev/droid-agent/pkg/action"
	"github.com/devicelab-dev/droid-agent/pkg/core"
	"github.com/devicelab-dev/droid-agent/pkg/llm"
	"github.com/devicelab-dev/droid-agent/pkg/logger"
	"github.com/devicelab-dev/droid-agent/pkg/report"
	"github.com/devicelab-dev/droid-agent/pkg/spec"
)

// Runner drives one backend against one device for a list of sub-goals.
type Runner struct {
	dev       core.Device
	backend   llm.Backend
	trace     *report.Trace
	reportDir string
	cfg       Config

	global int
}

// NewRunner creates a runner writing artifacts under reportDir.
func NewRunner(dev core.Device, backend llm.Backend, trace *report.Trace, reportDir string, cfg Config) *Runner {
	return &Runner{
		dev:       dev,
		backend:   backend,
		trace:     trace,
		reportDir: reportDir,
		cfg:       cfg.withDefaults(),
	}
}

// Turns is the global turn counter across all sub-goals.
func (r *Runner) Turns() int {
	return r.global
}

// Run executes the sub-goals in order and stops at the first one that does
// not finish. Sub-goal outcomes are recorded in the trace; the returned
// error is a run-level failure (device, backend or cancellation), which is
// also recorded there.
func (r *Runner) Run(ctx context.Context, goals []spec.SubGoal) error {
	err := r.run(ctx, goals)
	if err != nil {
		r.trace.AddError(err.Error())
		r.trace.Log("[Agent] EXCEPTION: %v", err)
	}
	r.trace.SetExecuted(r.global)
	return err
}

func (r *Runner) run(ctx context.Context, goals []spec.SubGoal) error {
	for i, g := range goals {
		idx := i + 1
		resolved := r.cfg.Resolve(g)
		ok, turns, err := r.runSubGoal(ctx, idx, resolved)
		r.trace.AddSubGoal(report.SubGoalResult{
			Index:           idx,
			Goal:            resolved.Goal,
			Suggestions:     resolved.Suggestions,
			NegativePrompt:  resolved.NegativePrompt,
			SuccessCriteria: resolved.SuccessCriteria,
			OK:              ok,
			Turns:           turns,
		})
		if err != nil {
			return err
		}
		if !ok {
			r.trace.Log("[Agent] Aborting after substep %d failed.", idx)
			return nil
		}
	}
	return nil
}

// runSubGoal runs one sub-goal to completion or budget exhaustion.
func (r *Runner) runSubGoal(ctx context.Context, idx int, g spec.SubGoal) (ok bool, turns int, err error) {
	base := BuildContext(g, r.cfg.Hints)
	r.trace.Log("[Agent] Substep %d goal: %s", idx, g.Goal)

	shot, err := r.screenshotDataURL()
	if err != nil {
		return false, 0, err
	}
	conv := []llm.Message{
		r.backend.FormatSystemMessage(SystemPrompt),
		r.backend.FormatUserMessage([]string{base}, shot),
	}
	repeats := NewRepetitionTracker(r.cfg.RepeatThreshold)
	if rs, isResetter := r.backend.(llm.Resetter); isResetter {
		rs.Reset()
	}

	for turns < r.cfg.MaxSteps {
		if err := ctx.Err(); err != nil {
			return false, turns, err
		}
		turns++
		r.global++
		r.trace.Log("[Agent] Substep %d - Turn %d (global %d)", idx, turns, r.global)

		screen, err := core.ReadScreenInfo(r.dev)
		if err != nil {
			return false, turns, err
		}
		width, height := screen.Canvas()
		r.trace.Log("[Agent] Screen: physical=%s, rotation=%d°, canvas=%dx%d",
			screen.Physical(), screen.Rotation, width, height)
		if w, h, err := r.dev.DisplaySize(); err == nil {
			width, height = w, h
		} else {
			logger.Debug("display size unavailable, using canvas: %v", err)
		}

		res, err := r.backend.CreateTurn(ctx, conv, width, height)
		if err != nil {
			return false, turns, err
		}
		r.saveRaw(res)

		executed, finished, err := r.handleItems(idx, repeats, screen, res.Items)
		if err != nil {
			return false, turns, err
		}
		if finished {
			r.trace.Log("[Agent] Substep %d finished. success=true", idx)
			return true, turns, nil
		}

		note := NoteObserved
		if executed > 0 {
			note = NoteActed
		}
		shot, err := r.screenshotDataURL()
		if err != nil {
			return false, turns, err
		}
		conv = []llm.Message{
			r.backend.FormatSystemMessage(SystemPrompt),
			r.backend.FormatUserMessage([]string{base, note}, shot),
		}
		r.trace.Log("[Agent] Substep %d turn %d executed actions: %d", idx, turns, executed)
	}
	return false, turns, nil
}

// handleItems applies one turn's output items in order. It returns the number
// of actions that ran successfully and whether end_test(success=true) was seen.
func (r *Runner) handleItems(idx int, repeats *RepetitionTracker, screen core.ScreenInfo, items []llm.OutputItem) (int, bool, error) {
	var (
		executed   int
		lastReason string
	)
	for _, item := range items {
		switch it := item.(type) {
		case llm.Reasoning:
			r.trace.Log("[Agent] Reasoning: %s", it.Text)
			lastReason = it.Text

		case llm.ComputerAction:
			a := it.Action
			r.trace.Log("[Agent] Action: %s", a)

			if repeats.Observe(a.Signature()) {
				r.trace.Log("[Agent] Detected repeated action. Sending BACK to escape loop.")
				if err := r.dev.KeyEvent(core.KeyCodeBack); err != nil {
					return executed, false, fmt.Errorf("escape repeated action: %w", err)
				}
				r.dev.Wait(r.cfg.SettleDelay)
				continue
			}

			if a.IsPointAnchored() {
				r.recordClick(idx, a, screen, orDefault(lastReason, "No reasoning from model"))
			}

			result, err := action.Execute(r.dev, a)
			if err != nil {
				return executed, false, err
			}
			if result.IsError() {
				r.trace.Log("[Agent] Action result: %s", result)
				continue
			}
			executed++
			r.dev.Wait(r.cfg.SettleDelay)

		case llm.EndTest:
			if !it.Success {
				r.trace.Log("[Agent] Ignored end_test call with success=false; continuing without finishing.")
				continue
			}
			r.recordEndTest(idx, screen, orDefault(lastReason, "Model invoked end_test"))
			r.trace.Log("[Agent] end_test tool called. success=True")
			return executed, true, nil
		}
	}
	return executed, false, nil
}

// recordClick captures the marker screenshot and adds the timeline event.
// A failed capture skips the event.
func (r *Runner) recordClick(idx int, a action.Action, screen core.ScreenInfo, reason string) {
	x, y, _ := a.At()
	name := core.PreClickScreenshotName(r.global)
	path := filepath.Join(r.reportDir, core.DirScreenshots, name)
	if err := r.dev.ScreenshotWithMarker(path, x, y, core.MarkerColor); err != nil {
		logger.Warn("pre-click screenshot failed: %v", err)
		r.trace.Log("[Agent] Warning: pre-click screenshot failed: %v", err)
		return
	}
	rot := screen.Rotation
	r.trace.AddEvent(report.Event{
		Index:    r.global,
		Substep:  idx,
		Cmd:      string(a.Type),
		X:        action.Int(x),
		Y:        action.Int(y),
		Image:    core.DirScreenshots + "/" + name,
		Physical: screen.Physical(),
		Rotation: &rot,
		Canvas:   screen.CanvasString(),
		Reason:   reason,
	})
}

// recordEndTest captures the final screenshot, best-effort, and adds the
// end_test event. Geometry is only attached when the image exists.
func (r *Runner) recordEndTest(idx int, screen core.ScreenInfo, reason string) {
	success := true
	ev := report.Event{
		Index:   r.global,
		Substep: idx,
		Cmd:     llm.EndTestName,
		Reason:  reason,
		Success: &success,
	}
	name := core.EndTestScreenshotName(r.global)
	path := filepath.Join(r.reportDir, core.DirScreenshots, name)
	if err := r.dev.ScreenshotToFile(path); err != nil {
		logger.Warn("end_test screenshot failed: %v", err)
	} else {
		rot := screen.Rotation
		ev.Image = core.DirScreenshots + "/" + name
		ev.Physical = screen.Physical()
		ev.Rotation = &rot
		ev.Canvas = screen.CanvasString()
	}
	r.trace.AddEvent(ev)
}

// saveRaw writes the verbatim response body. Failures are logged only.
func (r *Runner) saveRaw(res *llm.TurnResult) {
	if len(res.Raw) == 0 || r.reportDir == "" {
		return
	}
	dir := filepath.Join(r.reportDir, core.DirResponsesRaw)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("raw response dir: %v", err)
		return
	}
	if err := os.WriteFile(filepath.Join(dir, core.RawResponseName(r.global)), res.Raw, 0o644); err != nil {
		logger.Warn("raw response write: %v", err)
	}
}

func (r *Runner) screenshotDataURL() (string, error) {
	data, err := r.dev.Screenshot()
	if err != nil {
		return "", core.ErrScreenshot.WithCause(err)
	}
	return "data:" + core.ContentTypePNG + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
