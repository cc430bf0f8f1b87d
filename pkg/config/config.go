// Package config handles configuration for droid-agent: the optional
// workspace config.yaml, the .env file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/devicelab-dev/droid-agent/pkg/core"
)

// Environment variables read by Resolve.
const (
	EnvMaxSteps          = "AGENT_MAX_STEPS"
	EnvMaxStepsLegacy    = "OPENAI_AGENT_MAX_STEPS"
	EnvSettleDelay       = "OPENAI_AGENT_WAIT_BETWEEN_ACTIONS" // seconds, float
	EnvProvider          = "LLM_PROVIDER"
	EnvPartitionSizeMB   = "EMULATOR_PARTITION_SIZE_MB"
	EnvWipeData          = "EMULATOR_WIPE_DATA"
	EnvOpenAIKey         = "OPENAI_API_KEY"
	EnvAnthropicKey      = "ANTHROPIC_API_KEY"
	DefaultReportsDir    = "reports"
	DefaultProvider      = "openai"
	RecoveryPartitionMB  = 2047 // used for the low-storage restart when unset
	defaultSettleSeconds = 1.5
)

// Config represents the workspace configuration (config.yaml).
type Config struct {
	// Model backend
	Provider string `yaml:"provider"` // openai | claude
	Model    string `yaml:"model"`

	// Agent loop
	MaxSteps    int      `yaml:"maxSteps"`
	SettleDelay *float64 `yaml:"settleDelay"` // seconds between actions

	// Output
	ReportsDir string `yaml:"reportsDir"`

	// Device settings
	Device      string        `yaml:"device"`      // Target serial
	AVD         string        `yaml:"avd"`         // Preferred AVD
	BootTimeout time.Duration `yaml:"bootTimeout"` // e.g. 10m

	// Extra variables for ${...} and $VAR expansion
	Env map[string]string `yaml:"env"`
}

// Load loads configuration from a file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- user-provided config file
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, core.ErrInvalidSpec.WithMessage(fmt.Sprintf("invalid config %s", path)).WithCause(err)
	}

	return &cfg, nil
}

// LoadFromDir looks for config.yaml or config.yml in the directory.
func LoadFromDir(dir string) (*Config, error) {
	// Try config.yaml first
	configPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return Load(configPath)
	}

	// Try config.yml
	configPath = filepath.Join(dir, "config.yml")
	if _, err := os.Stat(configPath); err == nil {
		return Load(configPath)
	}

	// No config file found, return empty config
	return &Config{}, nil
}

// LoadEnvFile loads KEY=VALUE pairs (API keys mostly) into the process
// environment. Variables already set win. A missing default file is not an
// error; a missing explicit one is.
func LoadEnvFile(path string, explicit bool) error {
	if path == "" {
		path = ".env"
	}
	err := godotenv.Load(path)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return core.ErrInvalidSpec.WithMessage(fmt.Sprintf("cannot load env file %s", path)).WithCause(err)
	}
	return nil
}

// Settings are the effective values after config.yaml, environment and
// flags have been merged.
type Settings struct {
	Provider            string
	Model               string
	MaxSteps            int
	SettleDelay         time.Duration
	ReportsDir          string
	Device              string
	AVD                 string
	BootTimeout         time.Duration
	WipeData            bool
	PartitionSizeMB     int // 0 leaves the emulator default
	RecoveryPartitionMB int
	Env                 map[string]string
}

// Resolve merges cfg with the environment (lookup, usually os.LookupEnv).
// Precedence: environment over config.yaml over defaults. Flags are
// applied by the caller afterwards. Malformed numbers are config errors.
func (c *Config) Resolve(lookup func(string) (string, bool)) (Settings, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	s := Settings{
		Provider:            firstNonEmpty(c.Provider, DefaultProvider),
		Model:               c.Model,
		MaxSteps:            c.MaxSteps,
		SettleDelay:         seconds(defaultSettleSeconds),
		ReportsDir:          firstNonEmpty(c.ReportsDir, DefaultReportsDir),
		Device:              c.Device,
		AVD:                 c.AVD,
		BootTimeout:         c.BootTimeout,
		RecoveryPartitionMB: RecoveryPartitionMB,
		Env:                 c.Env,
	}
	if c.SettleDelay != nil {
		s.SettleDelay = seconds(*c.SettleDelay)
	}

	if v, ok := lookupFirst(lookup, EnvMaxSteps, EnvMaxStepsLegacy); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return s, envError(EnvMaxSteps, v)
		}
		s.MaxSteps = n
	}
	if v, ok := lookupFirst(lookup, EnvSettleDelay); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return s, envError(EnvSettleDelay, v)
		}
		s.SettleDelay = seconds(f)
	}
	if v, ok := lookupFirst(lookup, EnvProvider); ok {
		s.Provider = strings.ToLower(v)
	}
	if v, ok := lookupFirst(lookup, EnvPartitionSizeMB); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return s, envError(EnvPartitionSizeMB, v)
		}
		s.PartitionSizeMB = n
		s.RecoveryPartitionMB = n
	}
	if v, ok := lookupFirst(lookup, EnvWipeData); ok {
		s.WipeData = ParseBool(v)
	}
	return s, nil
}

// APIKey returns the key for provider from the environment.
func APIKey(provider string) string {
	switch strings.ToLower(provider) {
	case "claude", "anthropic":
		return os.Getenv(EnvAnthropicKey)
	default:
		return os.Getenv(EnvOpenAIKey)
	}
}

// ParseBool accepts 1/true/yes (any case) as true.
func ParseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func lookupFirst(lookup func(string) (string, bool), names ...string) (string, bool) {
	for _, name := range names {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

func envError(name, value string) error {
	return core.ErrInvalidSpec.WithMessage(fmt.Sprintf("invalid %s=%q", name, value))
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
