// Package apkinfo reads the package name and launchable activity of an APK
// with `aapt dump badging`.
package apkinfo

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/devicelab-dev/droid-agent/pkg/emulator"
)

// Info is the JSON printed by `droid-agent apk-info`.
type Info struct {
	OK                 bool   `json:"ok"`
	Package            string `json:"package,omitempty"`
	LaunchableActivity string `json:"launchable_activity,omitempty"`
	Error              string `json:"error,omitempty"`
}

var (
	packageRe  = regexp.MustCompile(`package: name='([^']+)'`)
	activityRe = regexp.MustCompile(`launchable-activity: name='([^']+)'`)
)

// Parse extracts the package name and first launchable activity from
// badging output. Missing fields are "".
func Parse(badging string) (pkg, activity string) {
	if m := packageRe.FindStringSubmatch(badging); m != nil {
		pkg = m[1]
	}
	if m := activityRe.FindStringSubmatch(badging); m != nil {
		activity = m[1]
	}
	return pkg, activity
}

// Hook for tests.
var findAAPT = emulator.FindAAPTBinary

// Read runs aapt against apkPath. The returned Info always carries the
// outcome so callers can print it as is.
func Read(apkPath string) (Info, error) {
	if _, err := os.Stat(apkPath); err != nil {
		return fail(fmt.Errorf("apk not found: %s", apkPath))
	}
	aapt, err := findAAPT()
	if err != nil {
		return fail(fmt.Errorf("aapt not found under SDK: %w", err))
	}

	cmd := exec.Command(aapt, "dump", "badging", apkPath)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = "aapt dump badging failed"
		}
		return fail(fmt.Errorf("%s: %w", msg, err))
	}

	pkg, act := Parse(stdout.String())
	if pkg == "" {
		return fail(fmt.Errorf("no package name in aapt output"))
	}
	return Info{OK: true, Package: pkg, LaunchableActivity: act}, nil
}

func fail(err error) (Info, error) {
	return Info{OK: false, Error: err.Error()}, err
}
