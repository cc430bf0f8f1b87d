package report

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/devicelab-dev/droid-agent/pkg/core"
	"github.com/devicelab-dev/droid-agent/pkg/logger"
)

// Allure result schema types.

// AllureResult represents a single test result in Allure format.
type AllureResult struct {
	UUID          string              `json:"uuid"`
	HistoryID     string              `json:"historyId"`
	FullName      string              `json:"fullName"`
	Name          string              `json:"name"`
	Status        string              `json:"status"`
	Stage         string              `json:"stage"`
	Start         int64               `json:"start"`
	Stop          int64               `json:"stop"`
	Labels        []AllureLabel       `json:"labels"`
	StatusDetails AllureStatusDetails `json:"statusDetails"`
	Steps         []AllureStep        `json:"steps"`
	Attachments   []AllureAttachment  `json:"attachments"`
}

// AllureStep represents a step within a test result.
type AllureStep struct {
	Name        string             `json:"name"`
	Status      string             `json:"status"`
	Stage       string             `json:"stage"`
	Steps       []AllureStep       `json:"steps"`
	Attachments []AllureAttachment `json:"attachments"`
}

// AllureAttachment represents a file attachment.
type AllureAttachment struct {
	Name   string `json:"name"`
	Source string `json:"source"`
	Type   string `json:"type"`
}

// AllureLabel represents a label on a test result.
type AllureLabel struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// AllureStatusDetails holds failure message and trace.
type AllureStatusDetails struct {
	Message string `json:"message"`
	Trace   string `json:"trace"`
}

// AllureCategory defines a failure category with regex matching.
type AllureCategory struct {
	Name            string   `json:"name"`
	MatchedStatuses []string `json:"matchedStatuses"`
	MessageRegex    string   `json:"messageRegex"`
}

// AllureExecutor holds executor info.
type AllureExecutor struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	ReportName string `json:"reportName"`
}

// GenerateAllure exports a finished report directory to
// <reportDir>/allure-results/. Agent runs produce one result per executed
// sub-goal; deterministic runs produce a single result.
func GenerateAllure(reportDir string) error {
	summary, err := ReadSummary(reportDir)
	if err != nil {
		return fmt.Errorf("read summary: %w", err)
	}
	data, err := ReadData(reportDir)
	if err != nil {
		return fmt.Errorf("read report: %w", err)
	}

	allureDir := filepath.Join(reportDir, "allure-results")
	if err := os.MkdirAll(allureDir, 0o755); err != nil {
		return fmt.Errorf("create allure-results dir: %w", err)
	}

	for _, result := range buildAllureResults(summary, data) {
		raw, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal allure result %s: %w", result.UUID, err)
		}
		resultPath := filepath.Join(allureDir, result.UUID+"-result.json")
		if err := os.WriteFile(resultPath, raw, 0o644); err != nil {
			return fmt.Errorf("write allure result %s: %w", result.UUID, err)
		}
	}

	copyAllureAttachments(reportDir, allureDir, data.Events)

	if err := writeAllureCategories(allureDir); err != nil {
		return err
	}
	if err := writeAllureEnvironment(allureDir, summary); err != nil {
		return err
	}
	return writeAllureExecutor(allureDir)
}

func buildAllureResults(s *Summary, data *Data) []AllureResult {
	start := s.StartTime.UnixMilli()
	stop := s.EndTime.UnixMilli()
	message := strings.Join(s.Errors, "\n")

	if len(data.Substeps) == 0 {
		name := data.Meta.Goal
		if name == "" {
			name = s.Package
		}
		return []AllureResult{{
			UUID:          s.RunID,
			HistoryID:     fnv32aHash(s.Package + ":" + name),
			FullName:      s.Package + ": " + name,
			Name:          name,
			Status:        mapAllureStatus(s.OK),
			Stage:         "finished",
			Start:         start,
			Stop:          stop,
			Labels:        allureLabels(s),
			StatusDetails: AllureStatusDetails{Message: message},
			Steps:         buildAllureSteps(data.Events, 0, s.OK),
			Attachments:   collectAttachments(data.Events, 0),
		}}
	}

	results := make([]AllureResult, 0, len(data.Substeps))
	for _, sub := range data.Substeps {
		details := AllureStatusDetails{}
		if !sub.OK {
			details.Message = fmt.Sprintf("sub-goal %d did not call end_test(success=true) within %d turns", sub.Index, sub.Turns)
			if message != "" {
				details.Message = message
			}
		}
		results = append(results, AllureResult{
			UUID:          fmt.Sprintf("%s-%03d", s.RunID, sub.Index),
			HistoryID:     fnv32aHash(s.Package + ":" + sub.Goal),
			FullName:      fmt.Sprintf("%s: %d. %s", s.Package, sub.Index, sub.Goal),
			Name:          sub.Goal,
			Status:        mapAllureStatus(sub.OK),
			Stage:         "finished",
			Start:         start,
			Stop:          stop,
			Labels:        allureLabels(s),
			StatusDetails: details,
			Steps:         buildAllureSteps(data.Events, sub.Index, sub.OK),
			Attachments:   collectAttachments(data.Events, sub.Index),
		})
	}
	return results
}

func allureLabels(s *Summary) []AllureLabel {
	labels := []AllureLabel{
		{Name: "suite", Value: s.Package},
		{Name: "framework", Value: "droid-agent"},
		{Name: "severity", Value: "normal"},
	}
	if s.Device != "" {
		labels = append(labels, AllureLabel{Name: "host", Value: s.Device})
	}
	if s.Provider != "" {
		labels = append(labels, AllureLabel{Name: "tag", Value: s.Provider})
	}
	return labels
}

// buildAllureSteps turns the events of one sub-goal (0 = all) into steps.
// Every executed event passed; a failed sub-goal gets its last step marked.
func buildAllureSteps(events []Event, substep int, ok bool) []AllureStep {
	steps := []AllureStep{}
	for _, e := range events {
		if substep != 0 && e.Substep != substep {
			continue
		}
		step := AllureStep{
			Name:        allureStepName(e),
			Status:      "passed",
			Stage:       "finished",
			Steps:       []AllureStep{},
			Attachments: eventAttachments(e),
		}
		if step.Attachments == nil {
			step.Attachments = []AllureAttachment{}
		}
		steps = append(steps, step)
	}
	if !ok && len(steps) > 0 {
		steps[len(steps)-1].Status = "failed"
	}
	return steps
}

func allureStepName(e Event) string {
	name := fmt.Sprintf("%d. %s", e.Index, e.Cmd)
	if e.X != nil && e.Y != nil {
		name += fmt.Sprintf(" (%d, %d)", *e.X, *e.Y)
	}
	if e.Reason != "" {
		name += ": " + e.Reason
	}
	return name
}

func eventAttachments(e Event) []AllureAttachment {
	if e.Image == "" {
		return nil
	}
	return []AllureAttachment{{
		Name:   "Screenshot",
		Source: filepath.Base(e.Image),
		Type:   core.ContentTypePNG,
	}}
}

// collectAttachments gathers the screenshots of one sub-goal (0 = all).
func collectAttachments(events []Event, substep int) []AllureAttachment {
	attachments := []AllureAttachment{}
	for _, e := range events {
		if substep != 0 && e.Substep != substep {
			continue
		}
		attachments = append(attachments, eventAttachments(e)...)
	}
	return attachments
}

// copyAllureAttachments copies event screenshots into allure-results/ flat.
func copyAllureAttachments(reportDir, allureDir string, events []Event) {
	for _, e := range events {
		if e.Image == "" {
			continue
		}
		copyFile(filepath.Join(reportDir, e.Image), filepath.Join(allureDir, filepath.Base(e.Image)))
	}
}

// copyFile copies a single file from src to dst. Missing sources are
// skipped: best-effort captures may not exist.
func copyFile(src, dst string) {
	in, err := os.Open(src)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		logger.Warn("failed to copy %s to %s: %v", src, dst, err)
	}
}

func mapAllureStatus(ok bool) string {
	if ok {
		return "passed"
	}
	return "failed"
}

// fnv32aHash returns a hex-encoded FNV-32a hash of the input string.
func fnv32aHash(s string) string {
	h := fnv.New32a()
	h.Write([]byte(s))
	return fmt.Sprintf("%08x", h.Sum32())
}

// writeAllureCategories writes categories.json for failure categorization.
func writeAllureCategories(allureDir string) error {
	categories := []AllureCategory{
		{Name: "Turn Budget Exhausted", MatchedStatuses: []string{"failed"}, MessageRegex: "(?i).*within \\d+ turns.*"},
		{Name: "Model Backend Error", MatchedStatuses: []string{"failed"}, MessageRegex: "(?i).*model request.*|.*malformed model response.*"},
		{Name: "Device Error", MatchedStatuses: []string{"failed"}, MessageRegex: "(?i).*adb .*|.*screenshot.*|.*device.*"},
		{Name: "App Install Failed", MatchedStatuses: []string{"failed"}, MessageRegex: "(?i).*install.*|.*not installed.*"},
		{Name: "Timeout", MatchedStatuses: []string{"failed"}, MessageRegex: "(?i).*timeout.*|.*timed out.*"},
		{Name: "Cancelled", MatchedStatuses: []string{"failed"}, MessageRegex: "(?i).*context canceled.*"},
	}

	data, err := json.MarshalIndent(categories, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal categories: %w", err)
	}

	path := filepath.Join(allureDir, "categories.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write categories.json: %w", err)
	}
	return nil
}

// writeAllureEnvironment writes environment.properties with run metadata.
func writeAllureEnvironment(allureDir string, s *Summary) error {
	var b strings.Builder
	b.WriteString("framework=droid-agent\n")

	if s.Package != "" {
		b.WriteString(fmt.Sprintf("app.id=%s\n", s.Package))
	}
	if s.Device != "" {
		b.WriteString(fmt.Sprintf("device.serial=%s\n", s.Device))
	}
	if s.Provider != "" {
		b.WriteString(fmt.Sprintf("llm.provider=%s\n", s.Provider))
	}
	if s.Model != "" {
		b.WriteString(fmt.Sprintf("llm.model=%s\n", s.Model))
	}
	if s.RunID != "" {
		b.WriteString(fmt.Sprintf("run.id=%s\n", s.RunID))
	}

	path := filepath.Join(allureDir, "environment.properties")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write environment.properties: %w", err)
	}
	return nil
}

// writeAllureExecutor writes executor.json.
func writeAllureExecutor(allureDir string) error {
	executor := AllureExecutor{
		Name:       "droid-agent",
		Type:       "droid-agent",
		ReportName: "droid-agent run",
	}

	data, err := json.MarshalIndent(executor, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal executor: %w", err)
	}

	path := filepath.Join(allureDir, "executor.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write executor.json: %w", err)
	}
	return nil
}
