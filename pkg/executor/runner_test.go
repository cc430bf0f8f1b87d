package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/devicelab-dev/droid-agent/pkg/core"
	"github.com/devicelab-dev/droid-agent/pkg/device/mock"
	"github.com/devicelab-dev/droid-agent/pkg/report"
	"github.com/devicelab-dev/droid-agent/pkg/spec"
)

var fixedNow = time.Unix(1700000000, 0)

func cmd(name string, args map[string]interface{}) spec.Command {
	if args == nil {
		args = map[string]interface{}{}
	}
	return spec.Command{Cmd: name, Args: args}
}

func newTestRunner(t *testing.T, dev *mock.Device, cfg RunnerConfig) (*Runner, *report.Trace) {
	t.Helper()
	if cfg.ReportDir == "" {
		cfg.ReportDir = t.TempDir()
	}
	if cfg.Package == "" {
		cfg.Package = "com.example.app"
	}
	trace := report.NewTrace(nil)
	return New(dev, trace, cfg), trace
}

func TestExecuteCommand(t *testing.T) {
	tests := []struct {
		name string
		cmd  spec.Command
		want []string
	}{
		{"wait default", cmd(spec.CmdWait, nil), []string{"wait 1s"}},
		{"wait seconds", cmd(spec.CmdWait, map[string]interface{}{"seconds": 2.5}), []string{"wait 2.5s"}},
		{"tap", cmd(spec.CmdTap, map[string]interface{}{"x": 540, "y": 960}), []string{"tap 540 960"}},
		{"tap float coords", cmd(spec.CmdTap, map[string]interface{}{"x": 540.0, "y": "960"}), []string{"tap 540 960"}},
		{"swipe default duration", cmd(spec.CmdSwipe, map[string]interface{}{"x1": 100, "y1": 100, "x2": 800, "y2": 100}), []string{"swipe 100 100 800 100 300"}},
		{"swipe duration", cmd(spec.CmdSwipe, map[string]interface{}{"x1": 1, "y1": 2, "x2": 3, "y2": 4, "duration_ms": 50}), []string{"swipe 1 2 3 4 50"}},
		{"input_text", cmd(spec.CmdInputText, map[string]interface{}{"text": "hello world"}), []string{"text hello world"}},
		{"keyevent code", cmd(spec.CmdKeyEvent, map[string]interface{}{"code": "66"}), []string{"key 66"}},
		{"keyevent name", cmd(spec.CmdKeyEvent, map[string]interface{}{"name": "KEYCODE_ENTER"}), []string{"key KEYCODE_ENTER"}},
		{"back", cmd(spec.CmdBack, nil), []string{"key 4"}},
		{"home", cmd(spec.CmdHome, nil), []string{"key 3"}},
		{"launch default package", cmd(spec.CmdLaunch, map[string]interface{}{"activity": ".Main"}), []string{"launch com.example.app .Main"}},
		{"launch other package", cmd(spec.CmdLaunch, map[string]interface{}{"package": "com.other"}), []string{"launch com.other "}},
		{"stop", cmd(spec.CmdStop, nil), []string{"stop com.example.app"}},
		{"empty", cmd("", nil), []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := mock.New(mock.Config{})
			if err := ExecuteCommand(dev, tt.cmd, "com.example.app"); err != nil {
				t.Fatalf("ExecuteCommand: %v", err)
			}
			if !reflect.DeepEqual(dev.Calls(), tt.want) {
				t.Errorf("calls = %v, want %v", dev.Calls(), tt.want)
			}
		})
	}
}

func TestExecuteCommand_Screenshot(t *testing.T) {
	dev := mock.New(mock.Config{})
	path := filepath.Join(t.TempDir(), "nested", "snap1.png")
	if err := ExecuteCommand(dev, cmd(spec.CmdScreenshot, map[string]interface{}{"path": path}), ""); err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("screenshot not written: %v", err)
	}
}

func TestExecuteCommand_Errors(t *testing.T) {
	tests := []struct {
		name string
		cmd  spec.Command
		want error
	}{
		{"unknown", cmd("fly", nil), core.ErrUnknownCommand},
		{"tap without y", cmd(spec.CmdTap, map[string]interface{}{"x": 1}), core.ErrMissingRequired},
		{"keyevent without code", cmd(spec.CmdKeyEvent, nil), core.ErrMissingRequired},
		{"screenshot without path", cmd(spec.CmdScreenshot, nil), core.ErrMissingRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := mock.New(mock.Config{})
			err := ExecuteCommand(dev, tt.cmd, "p")
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if len(dev.Calls()) != 0 {
				t.Errorf("device touched: %v", dev.Calls())
			}
		})
	}
}

func TestRunner_Run(t *testing.T) {
	dev := mock.New(mock.Config{})
	r, trace := newTestRunner(t, dev, RunnerConfig{})

	cmds := []spec.Command{
		cmd(spec.CmdWait, map[string]interface{}{"seconds": 2}),
		cmd(spec.CmdTap, map[string]interface{}{"x": 540, "y": 960}),
		cmd(spec.CmdInputText, map[string]interface{}{"text": "hello"}),
	}
	result := r.Run(context.Background(), cmds)

	if result.Status != report.StatusPassed || result.Executed != 3 || result.Total != 3 {
		t.Fatalf("result = %+v", result)
	}
	if !trace.OK() {
		t.Errorf("trace not OK: %v", trace.Errors())
	}
	if trace.Executed() != 3 {
		t.Errorf("executed = %d", trace.Executed())
	}

	// the tap gets exactly one tap and one marker screenshot
	if got := dev.CallsWithPrefix("tap"); !reflect.DeepEqual(got, []string{"tap 540 960"}) {
		t.Errorf("taps = %v", got)
	}
	if got := dev.CallsWithPrefix("marker"); !reflect.DeepEqual(got, []string{"marker 540 960"}) {
		t.Errorf("markers = %v", got)
	}

	events := trace.Events()
	if len(events) != 3 {
		t.Fatalf("events = %d", len(events))
	}
	if events[0].Seconds == nil || *events[0].Seconds != 2 {
		t.Errorf("wait event seconds = %v", events[0].Seconds)
	}
	if events[1].X == nil || *events[1].X != 540 || *events[1].Y != 960 {
		t.Errorf("tap event = %+v", events[1])
	}
	if events[1].Image != "screenshots/step_002_tap.png" {
		t.Errorf("image = %q", events[1].Image)
	}
	if events[2].Text != "hello" {
		t.Errorf("text = %q", events[2].Text)
	}
	for _, e := range events {
		if _, err := os.Stat(filepath.Join(r.config.ReportDir, e.Image)); err != nil {
			t.Errorf("missing %s: %v", e.Image, err)
		}
	}

	// 2s step wait plus the default final wait
	if dev.Waited() != 2*time.Second+DefaultFinalWait {
		t.Errorf("waited = %s", dev.Waited())
	}
}

func TestRunner_StopsAtFirstFailure(t *testing.T) {
	dev := mock.New(mock.Config{FailOn: map[string]error{"text": errors.New("adb: device offline")}})
	var completed []string
	r, trace := newTestRunner(t, dev, RunnerConfig{
		FinalWait: -1,
		OnStepComplete: func(idx int, cmd string, passed bool, _ int64, _ string) {
			if passed {
				completed = append(completed, cmd)
			} else {
				completed = append(completed, "FAIL "+cmd)
			}
		},
	})

	result := r.Run(context.Background(), []spec.Command{
		cmd(spec.CmdBack, nil),
		cmd(spec.CmdInputText, map[string]interface{}{"text": "x"}),
		cmd(spec.CmdHome, nil),
	})

	if result.Status != report.StatusFailed || result.Executed != 1 {
		t.Errorf("result = %+v", result)
	}
	if !strings.Contains(result.Error, "device offline") {
		t.Errorf("error = %q", result.Error)
	}
	if trace.OK() {
		t.Error("trace should not be OK")
	}
	if !reflect.DeepEqual(completed, []string{"back", "FAIL input_text"}) {
		t.Errorf("completed = %v", completed)
	}
	if len(dev.CallsWithPrefix("key 3")) != 0 {
		t.Error("step after the failure ran")
	}
	if dev.Waited() != 0 {
		t.Errorf("final wait should be disabled, waited %s", dev.Waited())
	}
}

func TestRunner_ScreenshotFailureWarns(t *testing.T) {
	dev := mock.New(mock.Config{FailOn: map[string]error{"screenshot": errors.New("screencap failed")}})
	r, trace := newTestRunner(t, dev, RunnerConfig{FinalWait: -1})

	result := r.Run(context.Background(), []spec.Command{cmd(spec.CmdBack, nil), cmd(spec.CmdHome, nil)})
	if result.Status != report.StatusPassed || result.Executed != 2 {
		t.Errorf("result = %+v", result)
	}
	if len(trace.Events()) != 0 {
		t.Errorf("events without images recorded: %+v", trace.Events())
	}
	warned := 0
	for _, line := range trace.Lines() {
		if strings.HasPrefix(line, "Warning: auto-screenshot failed:") {
			warned++
		}
	}
	if warned != 2 {
		t.Errorf("warnings = %d, lines = %v", warned, trace.Lines())
	}
}

func TestRunner_ExpandsVariables(t *testing.T) {
	dev := mock.New(mock.Config{})
	se := NewScriptEngine(map[string]string{"QUERY": "espresso"})
	defer se.Close()
	r, _ := newTestRunner(t, dev, RunnerConfig{FinalWait: -1, Scripts: se})

	r.Run(context.Background(), []spec.Command{cmd(spec.CmdInputText, map[string]interface{}{"text": "$QUERY ${1 + 1}"})})
	if got := dev.CallsWithPrefix("text"); !reflect.DeepEqual(got, []string{"text espresso 2"}) {
		t.Errorf("text calls = %v", got)
	}
}

func TestRunner_Cancelled(t *testing.T) {
	dev := mock.New(mock.Config{})
	r, trace := newTestRunner(t, dev, RunnerConfig{FinalWait: -1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := r.Run(ctx, []spec.Command{cmd(spec.CmdBack, nil)})
	if result.Executed != 0 || result.Status != report.StatusFailed {
		t.Errorf("result = %+v", result)
	}
	if len(trace.Errors()) != 1 || !strings.Contains(trace.Errors()[0], "cancelled") {
		t.Errorf("errors = %v", trace.Errors())
	}
}

func TestRunner_Summary(t *testing.T) {
	tests := []struct {
		name string
		apk  string
		want string
	}{
		{"installed", "/tmp/app-debug.apk", "/tmp/app-debug.apk"},
		{"skipped", "", SkippedAPK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := mock.New(mock.Config{})
			r, _ := newTestRunner(t, dev, RunnerConfig{APK: tt.apk, Activity: ".Main", FinalWait: -1})
			r.Run(context.Background(), []spec.Command{cmd(spec.CmdHome, nil)})

			s := r.Summary()
			if s.APK != tt.want || s.Package != "com.example.app" || s.Activity != ".Main" {
				t.Errorf("summary = %+v", s)
			}
			if s.Device != "emulator-5554" || len(s.Steps) != 1 {
				t.Errorf("device = %q, steps = %d", s.Device, len(s.Steps))
			}
		})
	}
}

func TestRunPreSteps(t *testing.T) {
	dev := mock.New(mock.Config{FailOn: map[string]error{"text": errors.New("ime not ready")}})
	r, trace := newTestRunner(t, dev, RunnerConfig{})

	done := r.RunPreSteps(context.Background(), []spec.Command{
		cmd(spec.CmdTap, map[string]interface{}{"x": 100, "y": 200}),
		cmd(spec.CmdInputText, map[string]interface{}{"text": "fails"}),
		cmd(spec.CmdWait, map[string]interface{}{"seconds": 1}),
	})
	if done != 2 {
		t.Errorf("done = %d, want 2", done)
	}

	dir := filepath.Join(r.config.ReportDir, core.DirPreSteps)
	for _, name := range []string{"pre_001_tap.png", "pre_003_wait.png"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "pre_002_input_text.png")); !os.IsNotExist(err) {
		t.Error("failed pre-step should leave no image")
	}
	if got := dev.CallsWithPrefix("marker"); !reflect.DeepEqual(got, []string{"marker 100 200"}) {
		t.Errorf("markers = %v", got)
	}

	// pre-steps are not part of the step timeline and never fail the run
	if len(trace.Events()) != 0 || len(trace.Errors()) != 0 {
		t.Errorf("events = %v, errors = %v", trace.Events(), trace.Errors())
	}
	warned := false
	for _, line := range trace.Lines() {
		if strings.HasPrefix(line, "Warning: pre-step failed:") {
			warned = true
		}
	}
	if !warned {
		t.Errorf("no warning logged: %v", trace.Lines())
	}
}

func TestRunPreSteps_None(t *testing.T) {
	dev := mock.New(mock.Config{})
	r, trace := newTestRunner(t, dev, RunnerConfig{})
	if done := r.RunPreSteps(context.Background(), nil); done != 0 {
		t.Errorf("done = %d", done)
	}
	if len(trace.Lines()) != 0 || len(dev.Calls()) != 0 {
		t.Error("no pre-steps should do nothing")
	}
}
