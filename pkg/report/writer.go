package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/devicelab-dev/droid-agent/pkg/core"
	"github.com/devicelab-dev/droid-agent/pkg/logger"
)

// InitDirs creates root and the given artifact subdirectories.
func InitDirs(root string, subdirs ...string) error {
	if err := ensureDir(root); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	for _, sub := range subdirs {
		if err := ensureDir(filepath.Join(root, sub)); err != nil {
			return fmt.Errorf("create %s dir: %w", sub, err)
		}
	}
	return nil
}

// WriteSummary writes summary.json. Result is derived from OK.
func WriteSummary(dir string, s Summary) error {
	s.Result = StatusOf(s.OK)
	if s.Errors == nil {
		s.Errors = []string{}
	}
	return atomicWriteJSON(filepath.Join(dir, core.FileSummary), s)
}

// WriteAgentLog writes the progress lines to agent_log.txt, one per line.
func WriteAgentLog(dir string, lines []string) error {
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return os.WriteFile(filepath.Join(dir, core.FileAgentLog), []byte(b.String()), 0o644)
}

// NewData assembles the viewer data. planned lists every sub-goal of the
// spec; a single planned sub-goal puts its texts in the header, several
// collapse into a "Multi-step test" title.
func NewData(dir string, s Summary, events []Event, planned []SubGoalResult) Data {
	meta := Meta{
		Version:  Version,
		Title:    "Agent Report - " + s.Package,
		Executed: s.Executed,
		Package:  s.Package,
		Result:   StatusOf(s.OK),
		OK:       s.OK,
	}
	switch {
	case len(planned) > 1:
		meta.Goal = fmt.Sprintf("Multi-step test: %d steps", len(planned))
	case len(planned) == 1:
		meta.Goal = planned[0].Goal
		meta.Suggestions = planned[0].Suggestions
		meta.NegativePrompt = planned[0].NegativePrompt
		meta.SuccessCriteria = planned[0].SuccessCriteria
	}
	if info, err := os.Stat(filepath.Join(dir, core.FileVideo)); err == nil && info.Size() > 0 {
		meta.Video = core.FileVideo
	}

	if events == nil {
		events = []Event{}
	}
	substeps := s.Substeps
	if substeps == nil {
		substeps = []SubGoalResult{}
	}
	return Data{Meta: meta, Events: events, Substeps: substeps}
}

// WriteData writes report_data.json (indented) and report_data.js
// (compact, assigned to window.REPORT_DATA).
func WriteData(dir string, data Data) error {
	if err := atomicWriteJSON(filepath.Join(dir, core.FileReportJSON), data); err != nil {
		return fmt.Errorf("write report data: %w", err)
	}

	compact, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal report data: %w", err)
	}
	js := "window.REPORT_DATA=" + string(compact) + ";"
	if err := os.WriteFile(filepath.Join(dir, core.FileReportJS), []byte(js), 0o644); err != nil {
		return fmt.Errorf("write report data js: %w", err)
	}
	return nil
}

// WriteAll writes every report file for a finished run and returns the
// summary that was written. Only a summary.json failure is returned; the
// log and the viewer are best-effort.
func (t *Trace) WriteAll(dir string, base Summary, planned []SubGoalResult) (Summary, error) {
	s := t.Summary(base)
	if s.ReportDir == "" {
		s.ReportDir = dir
	}

	if err := WriteSummary(dir, s); err != nil {
		return s, fmt.Errorf("write summary: %w", err)
	}
	if err := WriteAgentLog(dir, t.Lines()); err != nil {
		logger.Warn("failed to write agent log: %v", err)
	}

	data := NewData(dir, s, t.Events(), planned)
	if err := WriteData(dir, data); err != nil {
		logger.Warn("failed to write report data: %v", err)
		return s, nil
	}
	if err := GenerateHTML(dir, HTMLConfig{Title: data.Meta.Title}); err != nil {
		logger.Warn("failed to write html report: %v", err)
	}
	return s, nil
}

// ReadData loads report_data.json from dir.
func ReadData(dir string) (*Data, error) {
	raw, err := os.ReadFile(filepath.Join(dir, core.FileReportJSON))
	if err != nil {
		return nil, err
	}
	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse %s: %w", core.FileReportJSON, err)
	}
	return &data, nil
}

// ReadSummary loads summary.json from dir.
func ReadSummary(dir string) (*Summary, error) {
	raw, err := os.ReadFile(filepath.Join(dir, core.FileSummary))
	if err != nil {
		return nil, err
	}
	var s Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", core.FileSummary, err)
	}
	return &s, nil
}

func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

// atomicWriteJSON writes v as indented JSON through a temp file and rename,
// so a viewer polling the file never reads a partial document.
func atomicWriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
