package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devicelab-dev/droid-agent/pkg/core"
)

func TestLoad_ValidConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	content := `
provider: claude
model: claude-sonnet-4-5
maxSteps: 40
settleDelay: 0.5
reportsDir: out
avd: pixel_7
bootTimeout: 4m
env:
  USER: test
  PASS: secret
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Provider != "claude" || cfg.Model != "claude-sonnet-4-5" {
		t.Errorf("provider/model = %q/%q", cfg.Provider, cfg.Model)
	}
	if cfg.MaxSteps != 40 {
		t.Errorf("expected maxSteps 40, got %d", cfg.MaxSteps)
	}
	if cfg.SettleDelay == nil || *cfg.SettleDelay != 0.5 {
		t.Errorf("expected settleDelay 0.5, got %v", cfg.SettleDelay)
	}
	if cfg.BootTimeout != 4*time.Minute {
		t.Errorf("expected bootTimeout 4m, got %s", cfg.BootTimeout)
	}
	if cfg.ReportsDir != "out" || cfg.AVD != "pixel_7" {
		t.Errorf("reportsDir/avd = %q/%q", cfg.ReportsDir, cfg.AVD)
	}
	if cfg.Env["USER"] != "test" || cfg.Env["PASS"] != "secret" {
		t.Errorf("expected env {USER:test, PASS:secret}, got %v", cfg.Env)
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	content := `env: [invalid yaml`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(configPath)
	if !errors.Is(err, core.ErrInvalidSpec) {
		t.Errorf("expected config error for invalid YAML, got %v", err)
	}
	if core.ExitCode(err) != core.ExitConfigError {
		t.Errorf("exit code = %d", core.ExitCode(err))
	}
}

func TestLoadFromDir_PrefersYamlOverYml(t *testing.T) {
	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`provider: claude`), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yml"), []byte(`provider: openai`), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromDir(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Provider != "claude" {
		t.Errorf("expected provider claude (from config.yaml), got %s", cfg.Provider)
	}
}

func TestLoadFromDir_NoConfig(t *testing.T) {
	cfg, err := LoadFromDir(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Provider != "" || cfg.MaxSteps != 0 {
		t.Errorf("expected empty config, got %+v", cfg)
	}
}

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestResolve(t *testing.T) {
	half := 0.5
	tests := []struct {
		name  string
		cfg   Config
		vars  map[string]string
		check func(t *testing.T, s Settings)
	}{
		{
			name: "defaults",
			check: func(t *testing.T, s Settings) {
				if s.Provider != "openai" || s.ReportsDir != "reports" {
					t.Errorf("provider/reports = %q/%q", s.Provider, s.ReportsDir)
				}
				if s.SettleDelay != 1500*time.Millisecond {
					t.Errorf("settle = %s", s.SettleDelay)
				}
				if s.MaxSteps != 0 || s.PartitionSizeMB != 0 || s.WipeData {
					t.Errorf("unexpected overrides: %+v", s)
				}
				if s.RecoveryPartitionMB != 2047 {
					t.Errorf("recovery partition = %d", s.RecoveryPartitionMB)
				}
			},
		},
		{
			name: "config file",
			cfg:  Config{Provider: "claude", MaxSteps: 30, SettleDelay: &half},
			check: func(t *testing.T, s Settings) {
				if s.Provider != "claude" || s.MaxSteps != 30 || s.SettleDelay != 500*time.Millisecond {
					t.Errorf("settings = %+v", s)
				}
			},
		},
		{
			name: "env wins over config",
			cfg:  Config{Provider: "openai", MaxSteps: 30, SettleDelay: &half},
			vars: map[string]string{
				"AGENT_MAX_STEPS":                   "12",
				"OPENAI_AGENT_MAX_STEPS":            "99",
				"OPENAI_AGENT_WAIT_BETWEEN_ACTIONS": "2",
				"LLM_PROVIDER":                      "Claude",
				"EMULATOR_PARTITION_SIZE_MB":        "4096",
				"EMULATOR_WIPE_DATA":                "yes",
			},
			check: func(t *testing.T, s Settings) {
				if s.MaxSteps != 12 {
					t.Errorf("max steps = %d, AGENT_MAX_STEPS must win", s.MaxSteps)
				}
				if s.SettleDelay != 2*time.Second || s.Provider != "claude" {
					t.Errorf("settle/provider = %s/%q", s.SettleDelay, s.Provider)
				}
				if s.PartitionSizeMB != 4096 || s.RecoveryPartitionMB != 4096 || !s.WipeData {
					t.Errorf("emulator settings = %+v", s)
				}
			},
		},
		{
			name: "legacy max steps",
			vars: map[string]string{"OPENAI_AGENT_MAX_STEPS": "7", "AGENT_MAX_STEPS": " "},
			check: func(t *testing.T, s Settings) {
				if s.MaxSteps != 7 {
					t.Errorf("max steps = %d", s.MaxSteps)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := tt.cfg.Resolve(env(tt.vars))
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			tt.check(t, s)
		})
	}
}

func TestResolve_InvalidEnv(t *testing.T) {
	tests := []map[string]string{
		{"AGENT_MAX_STEPS": "many"},
		{"AGENT_MAX_STEPS": "0"},
		{"OPENAI_AGENT_WAIT_BETWEEN_ACTIONS": "-1"},
		{"EMULATOR_PARTITION_SIZE_MB": "big"},
	}
	for _, vars := range tests {
		_, err := (&Config{}).Resolve(env(vars))
		if !errors.Is(err, core.ErrInvalidSpec) {
			t.Errorf("%v: expected config error, got %v", vars, err)
		}
	}
}

func TestParseBool(t *testing.T) {
	for in, want := range map[string]bool{"1": true, "TRUE": true, " yes ": true, "0": false, "no": false, "": false} {
		if got := ParseBool(in); got != want {
			t.Errorf("ParseBool(%q) = %v", in, got)
		}
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("DROID_TEST_KEY=from-file\nDROID_TEST_SET=from-file\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DROID_TEST_SET", "from-env")
	t.Setenv("DROID_TEST_KEY", "")
	os.Unsetenv("DROID_TEST_KEY")

	if err := LoadEnvFile(path, true); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("DROID_TEST_KEY") })

	if got := os.Getenv("DROID_TEST_KEY"); got != "from-file" {
		t.Errorf("DROID_TEST_KEY = %q", got)
	}
	if got := os.Getenv("DROID_TEST_SET"); got != "from-env" {
		t.Errorf("existing variable overwritten: %q", got)
	}

	missing := filepath.Join(dir, "absent.env")
	if err := LoadEnvFile(missing, false); err != nil {
		t.Errorf("missing default env file should be ignored: %v", err)
	}
	if err := LoadEnvFile(missing, true); !errors.Is(err, core.ErrInvalidSpec) {
		t.Errorf("missing explicit env file should fail, got %v", err)
	}
}

func TestAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-openai")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")

	if got := APIKey("openai"); got != "sk-openai" {
		t.Errorf("openai key = %q", got)
	}
	if got := APIKey("Claude"); got != "sk-ant" {
		t.Errorf("claude key = %q", got)
	}
}
