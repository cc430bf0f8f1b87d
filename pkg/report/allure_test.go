package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeTestReport writes summary.json and report_data.json to dir.
func writeTestReport(t *testing.T, dir string, s Summary, data Data) {
	t.Helper()
	if err := WriteSummary(dir, s); err != nil {
		t.Fatalf("write summary: %v", err)
	}
	if err := WriteData(dir, data); err != nil {
		t.Fatalf("write data: %v", err)
	}
}

func readAllureResult(t *testing.T, path string) AllureResult {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	var result AllureResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return result
}

func agentRun(now time.Time) (Summary, Data) {
	x, y := 10, 20
	s := Summary{
		RunID: "run-1", OK: false, Package: "com.example.app", Device: "emulator-5554", Provider: "openai",
		Model: "computer-use-preview", Errors: []string{}, StartTime: now, EndTime: now.Add(time.Minute),
		Substeps: []SubGoalResult{
			{Index: 1, Goal: "Open settings", OK: true, Turns: 2},
			{Index: 2, Goal: "Enable wifi", OK: false, Turns: 250},
		},
	}
	data := Data{
		Meta: Meta{Goal: "Multi-step test: 2 steps", Package: "com.example.app"},
		Events: []Event{
			{Index: 1, Substep: 1, Cmd: "click", X: &x, Y: &y, Image: "screenshots/step_001_preclick_marked.png", Reason: "gear icon"},
			{Index: 2, Substep: 1, Cmd: "end_test"},
			{Index: 3, Substep: 2, Cmd: "click", X: &x, Y: &y, Image: "screenshots/step_003_preclick_marked.png"},
		},
		Substeps: s.Substeps,
	}
	return s, data
}

func TestGenerateAllureAgentRun(t *testing.T) {
	tmpDir := t.TempDir()
	s, data := agentRun(time.Now())
	writeTestReport(t, tmpDir, s, data)

	if err := os.MkdirAll(filepath.Join(tmpDir, "screenshots"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "screenshots", "step_001_preclick_marked.png"), []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := GenerateAllure(tmpDir); err != nil {
		t.Fatalf("GenerateAllure: %v", err)
	}

	allureDir := filepath.Join(tmpDir, "allure-results")
	first := readAllureResult(t, filepath.Join(allureDir, "run-1-001-result.json"))
	if first.Status != "passed" {
		t.Errorf("first status = %q, want passed", first.Status)
	}
	if first.Name != "Open settings" {
		t.Errorf("first name = %q", first.Name)
	}
	if len(first.Steps) != 2 {
		t.Fatalf("first steps = %d, want 2", len(first.Steps))
	}
	if first.Steps[0].Name != "1. click (10, 20): gear icon" {
		t.Errorf("step name = %q", first.Steps[0].Name)
	}
	if len(first.Attachments) != 1 || first.Attachments[0].Source != "step_001_preclick_marked.png" {
		t.Errorf("attachments = %+v", first.Attachments)
	}

	second := readAllureResult(t, filepath.Join(allureDir, "run-1-002-result.json"))
	if second.Status != "failed" {
		t.Errorf("second status = %q, want failed", second.Status)
	}
	if !strings.Contains(second.StatusDetails.Message, "within 250 turns") {
		t.Errorf("message = %q", second.StatusDetails.Message)
	}
	if len(second.Steps) != 1 || second.Steps[0].Status != "failed" {
		t.Errorf("last step of failed sub-goal should be failed: %+v", second.Steps)
	}

	if _, err := os.Stat(filepath.Join(allureDir, "step_001_preclick_marked.png")); err != nil {
		t.Errorf("attachment not copied: %v", err)
	}
	// missing screenshots are skipped silently
	if _, err := os.Stat(filepath.Join(allureDir, "step_003_preclick_marked.png")); !os.IsNotExist(err) {
		t.Errorf("unexpected copy of missing screenshot: %v", err)
	}
}

func TestGenerateAllureDeterministicRun(t *testing.T) {
	tmpDir := t.TempDir()
	now := time.Now()
	s := Summary{RunID: "run-2", OK: false, Package: "com.example.app", Errors: []string{"adb shell input tap: exit status 1"},
		StartTime: now, EndTime: now}
	data := Data{
		Meta:   Meta{Package: "com.example.app"},
		Events: []Event{{Index: 1, Cmd: "wait", Image: "screenshots/step_001_wait.png"}, {Index: 2, Cmd: "tap"}},
	}
	writeTestReport(t, tmpDir, s, data)

	if err := GenerateAllure(tmpDir); err != nil {
		t.Fatalf("GenerateAllure: %v", err)
	}

	result := readAllureResult(t, filepath.Join(tmpDir, "allure-results", "run-2-result.json"))
	if result.Status != "failed" {
		t.Errorf("status = %q", result.Status)
	}
	if result.Name != "com.example.app" {
		t.Errorf("name = %q", result.Name)
	}
	if result.StatusDetails.Message != "adb shell input tap: exit status 1" {
		t.Errorf("message = %q", result.StatusDetails.Message)
	}
	if len(result.Steps) != 2 {
		t.Errorf("steps = %d, want 2", len(result.Steps))
	}
}

func TestAllureEnvironmentProperties(t *testing.T) {
	tmpDir := t.TempDir()
	s, data := agentRun(time.Now())
	writeTestReport(t, tmpDir, s, data)

	if err := GenerateAllure(tmpDir); err != nil {
		t.Fatalf("GenerateAllure: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(tmpDir, "allure-results", "environment.properties"))
	if err != nil {
		t.Fatalf("read environment.properties: %v", err)
	}
	props := string(raw)
	for _, want := range []string{
		"framework=droid-agent",
		"app.id=com.example.app",
		"device.serial=emulator-5554",
		"llm.provider=openai",
		"llm.model=computer-use-preview",
		"run.id=run-1",
	} {
		if !strings.Contains(props, want) {
			t.Errorf("environment.properties missing %q", want)
		}
	}

	for _, name := range []string{"categories.json", "executor.json"} {
		if _, err := os.Stat(filepath.Join(tmpDir, "allure-results", name)); err != nil {
			t.Errorf("%s not written: %v", name, err)
		}
	}
}

func TestAllureHistoryIdDeterministic(t *testing.T) {
	a := fnv32aHash("com.example:Open settings")
	b := fnv32aHash("com.example:Open settings")
	if a != b {
		t.Errorf("hash not deterministic: %s != %s", a, b)
	}
	if len(a) != 8 {
		t.Errorf("hash length = %d, want 8", len(a))
	}
	if a == fnv32aHash("com.example:Enable wifi") {
		t.Error("different goals should hash differently")
	}
}

func TestGenerateAllureReportMissing(t *testing.T) {
	if err := GenerateAllure(t.TempDir()); err == nil {
		t.Error("expected error for missing report")
	}
}

func TestCopyFileSourceMissing(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "out.png")
	copyFile(filepath.Join(t.TempDir(), "nope.png"), dst)
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Error("destination should not be created when source is missing")
	}
}
