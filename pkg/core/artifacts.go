// Package core provides the shared types of the agent: device contract,
// error taxonomy, run status and artifact naming.
package core

import (
	"fmt"
	"regexp"
)

// Report sub-directories and file names.
const (
	DirScreenshots  = "screenshots"
	DirResponsesRaw = "responses_raw"
	DirPreSteps     = "pre_steps"

	FileSummary    = "summary.json"
	FileAgentLog   = "agent_log.txt"
	FileReportJSON = "report_data.json"
	FileReportJS   = "report_data.js"
	FileReportHTML = "report.html"
	FileVideo      = "session.mp4"
	FileDeviceLog  = "device_log.txt"
	FileRunLog     = "droid-agent.log"
)

// Common content types
const (
	ContentTypePNG  = "image/png"
	ContentTypeJSON = "application/json"
	ContentTypeText = "text/plain"
	ContentTypeMP4  = "video/mp4"
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// PreClickScreenshotName is the marker image taken before a click action.
func PreClickScreenshotName(turn int) string {
	return fmt.Sprintf("step_%03d_preclick_marked.png", turn)
}

// EndTestScreenshotName is the final image captured on end_test(success=true).
func EndTestScreenshotName(turn int) string {
	return fmt.Sprintf("step_%03d_end_test.png", turn)
}

// RawResponseName is the verbatim model response for one global turn.
func RawResponseName(turn int) string {
	return fmt.Sprintf("step_%03d_response_raw.json", turn)
}

// StepScreenshotName is the auto-screenshot after a deterministic step.
func StepScreenshotName(step int, cmd string) string {
	return fmt.Sprintf("step_%03d_%s.png", step, safeName(cmd))
}

// PreStepScreenshotName is the image captured after a pre-step.
func PreStepScreenshotName(step int, cmd string) string {
	return fmt.Sprintf("pre_%03d_%s.png", step, safeName(cmd))
}

func safeName(s string) string {
	if s == "" {
		return "step"
	}
	return unsafeNameChars.ReplaceAllString(s, "_")
}
