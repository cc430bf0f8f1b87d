// Package spec parses test specifications. A spec is a JSON or YAML
// document naming the app under test and either the goals for the agent or
// a list of deterministic commands.
package spec

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/devicelab-dev/droid-agent/pkg/core"
)

// SubGoal is one phase of an agent test.
type SubGoal struct {
	Goal            string `yaml:"goal" json:"goal"`
	Suggestions     string `yaml:"suggestions" json:"suggestions"`
	NegativePrompt  string `yaml:"negative_prompt" json:"negative_prompt"`
	SuccessCriteria string `yaml:"success_criteria" json:"success_criteria"`
}

// InstallConfig controls APK installation and teardown.
type InstallConfig struct {
	SkipInstall    bool
	UninstallAfter bool
}

// TestSpec is a parsed specification. It is not modified after parsing.
type TestSpec struct {
	SourcePath string
	Package    string
	Activity   string
	APK        string
	SubGoals   []SubGoal
	Commands   []Command
	PreSteps   []Command
	Hints      []string
	Install    InstallConfig
	Env        map[string]string
}

// rawSpec mirrors the document; steps are decoded loosely because they hold
// either goal objects or command objects.
type rawSpec struct {
	Package         string                   `yaml:"package"`
	Activity        string                   `yaml:"activity"`
	APK             string                   `yaml:"apk"`
	Goal            string                   `yaml:"goal"`
	Suggestions     string                   `yaml:"suggestions"`
	NegativePrompt  string                   `yaml:"negative_prompt"`
	SuccessCriteria string                   `yaml:"success_criteria"`
	Steps           []map[string]interface{} `yaml:"steps"`
	PreSteps        []map[string]interface{} `yaml:"pre_steps"`
	Hints           []interface{}            `yaml:"hints"`
	SkipInstall     bool                     `yaml:"skip_install"`
	SkipStall       bool                     `yaml:"skip_stall"`
	UninstallAfter  *bool                    `yaml:"uninstall_after"`
	Env             map[string]string        `yaml:"env"`
}

// ParseFile reads and parses a spec file.
func ParseFile(path string) (*TestSpec, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- path is the user-provided spec
	if err != nil {
		return nil, core.ErrInvalidSpec.WithMessage(fmt.Sprintf("failed to read spec %s", path)).WithCause(err)
	}
	return Parse(data, path)
}

// Parse parses spec content. JSON documents are accepted as YAML.
func Parse(data []byte, sourcePath string) (*TestSpec, error) {
	if strings.TrimSpace(string(data)) == "" {
		return nil, core.ErrInvalidSpec.WithMessage(fmt.Sprintf("%s: empty spec", sourcePath))
	}

	var raw rawSpec
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, core.ErrInvalidSpec.WithMessage(fmt.Sprintf("%s: invalid spec", sourcePath)).WithCause(err)
	}

	t := &TestSpec{
		SourcePath: sourcePath,
		Package:    strings.TrimSpace(raw.Package),
		Activity:   strings.TrimSpace(raw.Activity),
		APK:        strings.TrimSpace(raw.APK),
		Install:    parseInstallConfig(raw.SkipInstall, raw.SkipStall, raw.UninstallAfter),
		Env:        raw.Env,
	}
	for _, h := range raw.Hints {
		t.Hints = append(t.Hints, fmt.Sprint(h))
	}

	if isGoalList(raw.Steps) {
		for _, s := range raw.Steps {
			t.SubGoals = append(t.SubGoals, SubGoal{
				Goal:            field(s, "goal"),
				Suggestions:     field(s, "suggestions"),
				NegativePrompt:  field(s, "negative_prompt"),
				SuccessCriteria: field(s, "success_criteria"),
			})
		}
	} else {
		t.Commands = toCommands(raw.Steps)
		t.SubGoals = []SubGoal{{
			Goal:            strings.TrimSpace(raw.Goal),
			Suggestions:     strings.TrimSpace(raw.Suggestions),
			NegativePrompt:  strings.TrimSpace(raw.NegativePrompt),
			SuccessCriteria: strings.TrimSpace(raw.SuccessCriteria),
		}}
	}
	t.PreSteps = toCommands(raw.PreSteps)

	return t, nil
}

// parseInstallConfig applies the install defaults: skip_stall implies
// skip_install and never uninstalls; uninstall_after defaults to !skip_install.
func parseInstallConfig(skipInstall, skipStall bool, uninstallAfter *bool) InstallConfig {
	cfg := InstallConfig{SkipInstall: skipInstall || skipStall}
	cfg.UninstallAfter = !cfg.SkipInstall
	if uninstallAfter != nil {
		cfg.UninstallAfter = *uninstallAfter
	}
	if skipStall {
		cfg.UninstallAfter = false
	}
	return cfg
}

// isGoalList reports whether steps is the multi-goal form.
func isGoalList(steps []map[string]interface{}) bool {
	if len(steps) == 0 {
		return false
	}
	_, ok := steps[0]["goal"]
	return ok
}

func toCommands(steps []map[string]interface{}) []Command {
	cmds := make([]Command, 0, len(steps))
	for _, s := range steps {
		cmds = append(cmds, NewCommand(s))
	}
	return cmds
}

func field(m map[string]interface{}, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// Validate checks the fields every run needs and every command's shape.
// All failures are configuration errors.
func (t *TestSpec) Validate() error {
	if t.Package == "" {
		return core.ErrMissingRequired.WithMessage("'package' is required")
	}
	if !t.Install.SkipInstall && t.APK == "" {
		return core.ErrMissingRequired.WithMessage("'apk' is required unless skip_install=true or skip_stall=true")
	}
	for i, c := range t.PreSteps {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("pre_steps[%d]: %w", i, err)
		}
	}
	for i, c := range t.Commands {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	return nil
}

// ValidateAgent additionally requires a goal for every sub-goal.
func (t *TestSpec) ValidateAgent() error {
	if err := t.Validate(); err != nil {
		return err
	}
	for i, g := range t.SubGoals {
		if g.Goal == "" {
			return core.ErrMissingRequired.WithMessage(fmt.Sprintf("sub-goal %d has no 'goal'", i+1))
		}
	}
	return nil
}

// APKPath returns the APK path made absolute against the working directory,
// or "" when no APK is configured.
func (t *TestSpec) APKPath() (string, error) {
	if t.APK == "" {
		return "", nil
	}
	return filepath.Abs(t.APK)
}

// IsMultiStep reports whether the spec declares more than one sub-goal.
func (t *TestSpec) IsMultiStep() bool {
	return len(t.SubGoals) > 1
}
