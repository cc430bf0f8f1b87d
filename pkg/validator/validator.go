// Package validator checks spec files before anything touches a device.
// It accepts a file or a directory tree of .yaml/.yml specs and reports
// every problem it finds instead of stopping at the first.
package validator

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/devicelab-dev/droid-agent/pkg/spec"
)

// ValidationError is one problem in one file.
type ValidationError struct {
	File    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.File, e.Message)
}

// Mode selects which rules apply.
type Mode int

const (
	// ModeAuto applies the command rules to specs that only list
	// commands, and the agent rules to everything else.
	ModeAuto Mode = iota
	// ModeAgent requires a goal for every sub-goal.
	ModeAgent
	// ModeSteps requires at least one deterministic command.
	ModeSteps
)

// Result contains the validation result.
type Result struct {
	// Files lists the specs that passed, sorted.
	Files []string
	// Errors contains all validation errors found.
	Errors []error
}

// IsValid returns true if there are no validation errors.
func (r *Result) IsValid() bool {
	return len(r.Errors) == 0
}

// Validator validates spec files.
type Validator struct {
	mode Mode
	// CheckAPK also requires the referenced APK to exist on disk.
	CheckAPK bool
}

// New creates a new Validator.
func New(mode Mode) *Validator {
	return &Validator{mode: mode, CheckAPK: true}
}

// Validate validates a file or directory.
func (v *Validator) Validate(path string) *Result {
	result := &Result{}

	info, err := os.Stat(path)
	if err != nil {
		result.add(path, "cannot access: %v", err)
		return result
	}

	files := []string{path}
	if info.IsDir() {
		files, err = collectSpecFiles(path)
		if err != nil {
			result.add(path, "failed to scan directory: %v", err)
			return result
		}
		if len(files) == 0 {
			result.add(path, "no .yaml or .yml specs found")
			return result
		}
	}

	for _, file := range files {
		if v.validateFile(file, result) {
			result.Files = append(result.Files, file)
		}
	}
	sort.Strings(result.Files)
	return result
}

// collectSpecFiles finds all .yaml/.yml files below dir.
func collectSpecFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// validateFile reports whether file is a usable spec, adding every
// problem to result.
func (v *Validator) validateFile(file string, result *Result) bool {
	s, err := spec.ParseFile(file)
	if err != nil {
		result.add(file, "parse error: %v", err)
		return false
	}

	before := len(result.Errors)
	switch v.modeFor(s) {
	case ModeAgent:
		if err := s.ValidateAgent(); err != nil {
			result.add(file, "%v", err)
		}
	case ModeSteps:
		if len(s.Commands) == 0 {
			result.add(file, "no command steps to run")
		}
		if err := s.Validate(); err != nil {
			result.add(file, "%v", err)
		}
	}

	// the APK is resolved against the working directory, as at run time
	if v.CheckAPK && !s.Install.SkipInstall && s.APK != "" {
		if abs, err := s.APKPath(); err != nil || !exists(abs) {
			result.add(file, "apk not found: %s", s.APK)
		}
	}
	return len(result.Errors) == before
}

func (v *Validator) modeFor(s *spec.TestSpec) Mode {
	if v.mode != ModeAuto {
		return v.mode
	}
	if len(s.Commands) > 0 && !hasGoal(s) {
		return ModeSteps
	}
	return ModeAgent
}

func hasGoal(s *spec.TestSpec) bool {
	for _, g := range s.SubGoals {
		if g.Goal != "" {
			return true
		}
	}
	return false
}

func (r *Result) add(file, format string, args ...interface{}) {
	r.Errors = append(r.Errors, &ValidationError{File: file, Message: fmt.Sprintf(format, args...)})
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
