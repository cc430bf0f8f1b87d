package config

import (
	"os"
	"path/filepath"
	"sync"
)

const envHome = "DROID_AGENT_HOME"

var (
	homeOnce sync.Once
	homeDir  string
)

// GetHome returns the droid-agent home directory, where a shared
// config.yaml and .env may live.
//
// Resolution order:
//  1. $DROID_AGENT_HOME
//  2. Parent of the binary's directory when the binary sits in <home>/bin/
//  3. Current working directory
func GetHome() string {
	homeOnce.Do(func() {
		homeDir = resolveHome()
	})
	return homeDir
}

func resolveHome() string {
	if env := os.Getenv(envHome); env != "" {
		return env
	}

	if execPath, err := os.Executable(); err == nil {
		if resolved, err := filepath.EvalSymlinks(execPath); err == nil {
			execPath = resolved
		}
		binDir := filepath.Dir(execPath)
		if filepath.Base(binDir) == "bin" {
			return filepath.Dir(binDir)
		}
	}

	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "."
}

// ResetHome resets the cached home directory (for testing).
func ResetHome() {
	homeOnce = sync.Once{}
	homeDir = ""
}

// Discover loads the workspace configuration: path when given, else the
// first config.yaml/config.yml found in the working directory, then in
// GetHome(). No file at all yields an empty Config.
func Discover(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	dirs := []string{"."}
	if home := GetHome(); home != "" {
		dirs = append(dirs, home)
	}
	for _, dir := range dirs {
		for _, name := range []string{"config.yaml", "config.yml"} {
			if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
				return LoadFromDir(dir)
			}
		}
	}
	return &Config{}, nil
}

// EnvFiles returns the .env candidates: the working directory first, then
// the home directory.
func EnvFiles() []string {
	files := []string{".env"}
	if home := GetHome(); home != "" {
		if abs, err := filepath.Abs(home); err == nil {
			if cwd, err := os.Getwd(); err != nil || abs != cwd {
				files = append(files, filepath.Join(home, ".env"))
			}
		}
	}
	return files
}
