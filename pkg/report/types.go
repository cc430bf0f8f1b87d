// Package report records what a run did and writes it to the report
// directory.
//
// Layout of a report directory:
//   - summary.json: overall outcome, the file CI reads
//   - agent_log.txt: every progress line, in order
//   - report_data.json / report_data.js: events and sub-goal results for the viewer
//   - report.html: static viewer over report_data.js
//   - screenshots/, responses_raw/, pre_steps/: artifacts referenced by events
//   - allure-results/: optional Allure export
package report

import "time"

// Version is the report_data schema version.
const Version = "1.0.0"

// Status is the textual outcome written to summary.json.
type Status string

// Status values.
const (
	StatusPassed Status = "passed"
	StatusFailed Status = "failed"
)

// StatusOf maps a boolean outcome to a Status.
func StatusOf(ok bool) Status {
	if ok {
		return StatusPassed
	}
	return StatusFailed
}

// Event is one entry of the viewer timeline: an executed action, a
// deterministic step, or the end_test call. Fields that do not apply are
// omitted from the JSON.
type Event struct {
	Index      int      `json:"index"`
	Substep    int      `json:"substep,omitempty"`
	Cmd        string   `json:"cmd"`
	X          *int     `json:"x,omitempty"`
	Y          *int     `json:"y,omitempty"`
	X1         *int     `json:"x1,omitempty"`
	Y1         *int     `json:"y1,omitempty"`
	X2         *int     `json:"x2,omitempty"`
	Y2         *int     `json:"y2,omitempty"`
	DurationMs *int     `json:"duration_ms,omitempty"`
	Seconds    *float64 `json:"seconds,omitempty"`
	Text       string   `json:"text,omitempty"`
	Image      string   `json:"image,omitempty"`
	Physical   string   `json:"physical,omitempty"`
	Rotation   *int     `json:"rotation,omitempty"`
	Canvas     string   `json:"canvas,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	Success    *bool    `json:"success,omitempty"`
}

// SubGoalResult is the outcome of one sub-goal of an agent run.
type SubGoalResult struct {
	Index           int    `json:"index"`
	Goal            string `json:"goal"`
	Suggestions     string `json:"suggestions"`
	NegativePrompt  string `json:"negative_prompt"`
	SuccessCriteria string `json:"success_criteria"`
	OK              bool   `json:"ok"`
	Turns           int    `json:"turns"`
}

// Summary is the content of summary.json.
type Summary struct {
	RunID          string          `json:"run_id"`
	OK             bool            `json:"ok"`
	Result         Status          `json:"result"`
	Errors         []string        `json:"errors"`
	Executed       int             `json:"executed"`
	ReportDir      string          `json:"report_dir"`
	Goal           string          `json:"goal,omitempty"`
	NegativePrompt string          `json:"negative_prompt,omitempty"`
	Package        string          `json:"package"`
	Activity       string          `json:"activity,omitempty"`
	APK            string          `json:"apk,omitempty"`
	Device         string          `json:"device,omitempty"`
	Provider       string          `json:"provider,omitempty"`
	Model          string          `json:"model,omitempty"`
	Substeps       []SubGoalResult `json:"substeps,omitempty"`
	Steps          []Event         `json:"steps,omitempty"`
	StartTime      time.Time       `json:"start_time"`
	EndTime        time.Time       `json:"end_time"`
}

// Meta is the header block of report_data.
type Meta struct {
	Version         string `json:"version"`
	Title           string `json:"title"`
	Goal            string `json:"goal"`
	Executed        int    `json:"executed"`
	Package         string `json:"package"`
	Suggestions     string `json:"suggestions"`
	NegativePrompt  string `json:"negative_prompt"`
	SuccessCriteria string `json:"success_criteria"`
	Result          Status `json:"result"`
	OK              bool   `json:"ok"`
	Video           string `json:"video"`
}

// Data is the content of report_data.json and report_data.js.
type Data struct {
	Meta     Meta            `json:"meta"`
	Events   []Event         `json:"events"`
	Substeps []SubGoalResult `json:"substeps"`
}
