package emulator

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
)

// getAndroidHome returns the SDK root from the usual environment variables
func getAndroidHome() string {
	// Try multiple env vars
	if home := os.Getenv("ANDROID_HOME"); home != "" {
		return home
	}
	if home := os.Getenv("ANDROID_SDK_ROOT"); home != "" {
		return home
	}
	if home := os.Getenv("ANDROID_SDK_HOME"); home != "" {
		return home
	}
	return ""
}

// findTool returns the first existing SDK-relative candidate, then falls back
// to PATH.
func findTool(name string, sdkCandidates ...[]string) (string, error) {
	if home := getAndroidHome(); home != "" {
		for _, parts := range sdkCandidates {
			p := filepath.Join(append([]string{home}, parts...)...)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("%s not found. Set ANDROID_HOME or add %s to PATH", name, name)
}

// FindEmulatorBinary locates the Android emulator binary
func FindEmulatorBinary() (string, error) {
	return findTool("emulator",
		[]string{"emulator", "emulator"},
		[]string{"tools", "emulator"},
	)
}

// FindAVDManagerBinary locates the avdmanager binary
func FindAVDManagerBinary() (string, error) {
	return findTool("avdmanager",
		[]string{"cmdline-tools", "latest", "bin", "avdmanager"},
		[]string{"cmdline-tools", "bin", "avdmanager"},
		[]string{"tools", "bin", "avdmanager"},
	)
}

// FindSDKManagerBinary locates the sdkmanager binary
func FindSDKManagerBinary() (string, error) {
	return findTool("sdkmanager",
		[]string{"cmdline-tools", "latest", "bin", "sdkmanager"},
		[]string{"cmdline-tools", "bin", "sdkmanager"},
		[]string{"tools", "bin", "sdkmanager"},
	)
}

// FindADBBinary locates adb.
func FindADBBinary() (string, error) {
	return findTool("adb", []string{"platform-tools", "adb"})
}

// FindAAPTBinary locates aapt in the newest installed build-tools.
func FindAAPTBinary() (string, error) {
	if home := getAndroidHome(); home != "" {
		entries, _ := os.ReadDir(filepath.Join(home, "build-tools"))
		var versions []string
		for _, e := range entries {
			if e.IsDir() {
				versions = append(versions, e.Name())
			}
		}
		sort.Sort(sort.Reverse(sort.StringSlice(versions)))
		for _, v := range versions {
			p := filepath.Join(home, "build-tools", v, "aapt")
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}
	return findTool("aapt")
}

// ToolStatus is one row of the toolchain check.
type ToolStatus struct {
	Name     string `json:"name"`
	Path     string `json:"path,omitempty"`
	Found    bool   `json:"found"`
	Critical bool   `json:"critical"`
}

// Toolchain is the result of CheckToolchain.
type Toolchain struct {
	AndroidHome string       `json:"android_home"`
	Tools       []ToolStatus `json:"tools"`
	OK          bool         `json:"ok"`
	Errors      []string     `json:"errors"`
}

// CheckToolchain looks up every SDK tool droid-agent shells out to. OK is
// false when a critical tool is missing; aapt only powers apk-info.
func CheckToolchain() Toolchain {
	checks := []struct {
		name     string
		critical bool
		find     func() (string, error)
	}{
		{"adb", true, FindADBBinary},
		{"emulator", true, FindEmulatorBinary},
		{"avdmanager", true, FindAVDManagerBinary},
		{"sdkmanager", true, FindSDKManagerBinary},
		{"aapt", false, FindAAPTBinary},
	}

	tc := Toolchain{AndroidHome: getAndroidHome(), Errors: []string{}}
	for _, c := range checks {
		path, err := c.find()
		tc.Tools = append(tc.Tools, ToolStatus{Name: c.name, Path: path, Found: err == nil, Critical: c.critical})
		if err != nil && c.critical {
			tc.Errors = append(tc.Errors, fmt.Sprintf("%s not found in SDK", c.name))
		}
	}
	tc.OK = len(tc.Errors) == 0
	return tc
}
