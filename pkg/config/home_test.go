package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetHome_EnvVar(t *testing.T) {
	ResetHome()
	t.Setenv("DROID_AGENT_HOME", "/custom/path")

	got := GetHome()
	if got != "/custom/path" {
		t.Errorf("GetHome() = %q, want %q", got, "/custom/path")
	}
}

func TestGetHome_FallbackNotEmpty(t *testing.T) {
	ResetHome()
	t.Setenv("DROID_AGENT_HOME", "")

	if got := GetHome(); got == "" {
		t.Error("GetHome() returned empty string")
	}
}

func TestGetHome_Cached(t *testing.T) {
	ResetHome()
	t.Setenv("DROID_AGENT_HOME", "/first")

	first := GetHome()

	// a later env change must not affect the cached value
	t.Setenv("DROID_AGENT_HOME", "/second")
	second := GetHome()

	if first != second {
		t.Errorf("GetHome() not cached: first=%q, second=%q", first, second)
	}
}

// chdir switches to dir for the duration of the test.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func TestDiscover(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("model: from-home\n"), 0644); err != nil {
		t.Fatal(err)
	}
	ResetHome()
	t.Setenv("DROID_AGENT_HOME", home)
	t.Cleanup(ResetHome)
	chdir(t, work)

	cfg, err := Discover("")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if cfg.Model != "from-home" {
		t.Errorf("model = %q, want home config", cfg.Model)
	}

	// the working directory wins over home
	if err := os.WriteFile(filepath.Join(work, "config.yml"), []byte("model: from-cwd\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Discover("")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if cfg.Model != "from-cwd" {
		t.Errorf("model = %q, want cwd config", cfg.Model)
	}

	// an explicit path must exist
	if _, err := Discover(filepath.Join(work, "missing.yaml")); err == nil {
		t.Error("expected error for a missing explicit config")
	}
}

func TestEnvFiles(t *testing.T) {
	home := t.TempDir()
	ResetHome()
	t.Setenv("DROID_AGENT_HOME", home)
	t.Cleanup(ResetHome)
	chdir(t, t.TempDir())

	got := EnvFiles()
	if len(got) != 2 || got[0] != ".env" || got[1] != filepath.Join(home, ".env") {
		t.Errorf("EnvFiles() = %v", got)
	}
}
