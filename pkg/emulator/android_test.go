package emulator

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devicelab-dev/droid-agent/pkg/logger"
)

// clearSDKEnv isolates a test from the host SDK.
func clearSDKEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ANDROID_HOME", "")
	t.Setenv("ANDROID_SDK_ROOT", "")
	t.Setenv("ANDROID_SDK_HOME", "")
	t.Setenv("PATH", "/nonexistent/path")
}

func writeExecutable(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := os.WriteFile(path, []byte("#!/bin/sh\necho test"), 0o755); err != nil {
		t.Fatalf("setup: %v", err)
	}
}

func TestIsEmulator(t *testing.T) {
	tests := []struct {
		name     string
		serial   string
		expected bool
	}{
		{"valid emulator", "emulator-5554", true},
		{"another emulator", "emulator-5556", true},
		{"physical device", "R5CR50ABCDE", false},
		{"empty serial", "", false},
		{"almost emulator", "emulator", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsEmulator(tt.serial); got != tt.expected {
				t.Errorf("IsEmulator(%q) = %v, want %v", tt.serial, got, tt.expected)
			}
		})
	}
}

func TestGetAndroidHome(t *testing.T) {
	clearSDKEnv(t)

	t.Setenv("ANDROID_HOME", "/path/to/android")
	t.Setenv("ANDROID_SDK_ROOT", "/other/path")
	if got := getAndroidHome(); got != "/path/to/android" {
		t.Errorf("getAndroidHome() = %q, want %q", got, "/path/to/android")
	}

	t.Setenv("ANDROID_HOME", "")
	if got := getAndroidHome(); got != "/other/path" {
		t.Errorf("getAndroidHome() = %q, want %q", got, "/other/path")
	}

	t.Setenv("ANDROID_SDK_ROOT", "")
	t.Setenv("ANDROID_SDK_HOME", "/sdk/home")
	if got := getAndroidHome(); got != "/sdk/home" {
		t.Errorf("getAndroidHome() = %q, want %q", got, "/sdk/home")
	}
}

func TestBootStatus_IsFullyReady(t *testing.T) {
	tests := []struct {
		name     string
		status   BootStatus
		expected bool
	}{
		{"all ready", BootStatus{true, true, true, true}, true},
		{"not booted", BootStatus{true, false, true, true}, false},
		{"no package manager", BootStatus{true, true, true, false}, false},
		{"offline", BootStatus{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.IsFullyReady(); got != tt.expected {
				t.Errorf("IsFullyReady() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestFindTools_NoAndroidHome(t *testing.T) {
	clearSDKEnv(t)

	finders := map[string]func() (string, error){
		"emulator":   FindEmulatorBinary,
		"avdmanager": FindAVDManagerBinary,
		"sdkmanager": FindSDKManagerBinary,
		"adb":        FindADBBinary,
		"aapt":       FindAAPTBinary,
	}
	for name, find := range finders {
		t.Run(name, func(t *testing.T) {
			_, err := find()
			if err == nil {
				t.Fatal("expected error when ANDROID_HOME is unset and PATH is empty")
			}
			if !strings.Contains(err.Error(), "not found") {
				t.Errorf("error should mention 'not found', got: %v", err)
			}
		})
	}
}

func TestFindTools_SDKLayouts(t *testing.T) {
	tests := []struct {
		name string
		rel  string
		find func() (string, error)
	}{
		{"emulator new layout", "emulator/emulator", FindEmulatorBinary},
		{"emulator old layout", "tools/emulator", FindEmulatorBinary},
		{"avdmanager latest", "cmdline-tools/latest/bin/avdmanager", FindAVDManagerBinary},
		{"avdmanager old layout", "tools/bin/avdmanager", FindAVDManagerBinary},
		{"sdkmanager unversioned", "cmdline-tools/bin/sdkmanager", FindSDKManagerBinary},
		{"adb", "platform-tools/adb", FindADBBinary},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearSDKEnv(t)
			home := t.TempDir()
			want := filepath.Join(home, filepath.FromSlash(tt.rel))
			writeExecutable(t, want)
			t.Setenv("ANDROID_HOME", home)

			got, err := tt.find()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != want {
				t.Errorf("got %q, want %q", got, want)
			}
		})
	}
}

func TestFindAAPTBinary_NewestBuildTools(t *testing.T) {
	clearSDKEnv(t)
	home := t.TempDir()
	writeExecutable(t, filepath.Join(home, "build-tools", "33.0.1", "aapt"))
	writeExecutable(t, filepath.Join(home, "build-tools", "34.0.0", "aapt"))
	if err := os.MkdirAll(filepath.Join(home, "build-tools", "35.0.0"), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ANDROID_HOME", home)

	got, err := FindAAPTBinary()
	if err != nil {
		t.Fatalf("FindAAPTBinary: %v", err)
	}
	if want := filepath.Join(home, "build-tools", "34.0.0", "aapt"); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCheckToolchain(t *testing.T) {
	clearSDKEnv(t)
	home := t.TempDir()
	writeExecutable(t, filepath.Join(home, "platform-tools", "adb"))
	writeExecutable(t, filepath.Join(home, "emulator", "emulator"))
	writeExecutable(t, filepath.Join(home, "cmdline-tools", "latest", "bin", "avdmanager"))
	t.Setenv("ANDROID_HOME", home)

	tc := CheckToolchain()
	if tc.OK {
		t.Error("expected OK=false with sdkmanager missing")
	}
	if tc.AndroidHome != home {
		t.Errorf("AndroidHome = %q", tc.AndroidHome)
	}
	if !reflect.DeepEqual(tc.Errors, []string{"sdkmanager not found in SDK"}) {
		t.Errorf("Errors = %v", tc.Errors)
	}
	found := map[string]bool{}
	for _, tool := range tc.Tools {
		found[tool.Name] = tool.Found
	}
	if !found["adb"] || found["aapt"] || found["sdkmanager"] {
		t.Errorf("unexpected tool status: %+v", tc.Tools)
	}

	writeExecutable(t, filepath.Join(home, "cmdline-tools", "latest", "bin", "sdkmanager"))
	if tc := CheckToolchain(); !tc.OK {
		t.Errorf("missing aapt must not fail the check: %v", tc.Errors)
	}
}

func TestParseAVDList(t *testing.T) {
	out := "INFO    | Storing crashdata in: /tmp/android-x/emu-crash.db\nai_device\n\nPixel_7_API_34\r\n"
	got := ParseAVDList(out)
	want := []AVDInfo{{Name: "ai_device"}, {Name: "Pixel_7_API_34"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseAVDList = %+v, want %+v", got, want)
	}
}

func TestPickAVD(t *testing.T) {
	avds := []AVDInfo{{Name: "Pixel_7"}, {Name: "AI Device"}, {Name: "Tablet"}}
	tests := []struct {
		name   string
		avds   []AVDInfo
		wanted string
		want   string
		ok     bool
	}{
		{"explicit", avds, "tablet", "Tablet", true},
		{"preferred ai_device", avds, "", "AI Device", true},
		{"unknown falls back to ai_device", avds, "Nexus", "AI Device", true},
		{"first when no match", []AVDInfo{{Name: "Pixel_7"}, {Name: "Tablet"}}, "", "Pixel_7", true},
		{"none", nil, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := PickAVD(tt.avds, tt.wanted)
			if got != tt.want || ok != tt.ok {
				t.Errorf("PickAVD = %q, %v; want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestClampPartitionSize(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, 0}, {-5, 0}, {1, 10}, {10, 10}, {800, 800}, {2047, 2047}, {4096, 2047},
	}
	for _, tt := range tests {
		if got := ClampPartitionSize(tt.in); got != tt.want {
			t.Errorf("ClampPartitionSize(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestStartArgs(t *testing.T) {
	base := []string{"-avd", "ai_device", "-port", "5556", "-no-snapshot", "-no-boot-anim", "-netdelay", "none", "-netspeed", "full"}

	if got := StartArgs("ai_device", 5556, StartOptions{}); !reflect.DeepEqual(got, base) {
		t.Errorf("StartArgs() = %v", got)
	}

	got := StartArgs("ai_device", 5556, StartOptions{WipeData: true, PartitionSizeMB: 9000, NoWindow: true})
	want := append(append([]string{}, base...), "-no-window", "-wipe-data", "-partition-size", "2047")
	if !reflect.DeepEqual(got, want) {
		t.Errorf("StartArgs(wipe) = %v, want %v", got, want)
	}
}

func TestInstallSystemImage_LogsCompanionFailures(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "run.log")
	if err := logger.Init(logPath); err != nil {
		t.Fatalf("logger.Init: %v", err)
	}
	defer logger.Close()

	var calls []string
	run := func(args ...string) error {
		call := strings.Join(args, " ")
		calls = append(calls, call)
		switch call {
		case "--licenses", "--install platforms;android-34", "--install emulator":
			return errors.New("sdkmanager failed: " + call)
		}
		return nil
	}

	image, err := installSystemImage(run)
	if err != nil {
		t.Fatalf("installSystemImage() error = %v", err)
	}
	if image != systemImageCandidates[0] {
		t.Errorf("image = %q, want %q", image, systemImageCandidates[0])
	}
	want := []string{
		"--licenses",
		"--install " + systemImageCandidates[0],
		"--install platforms;android-34",
		"--install emulator",
	}
	if !reflect.DeepEqual(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	for _, msg := range []string{
		"License acceptance failed: sdkmanager failed: --licenses",
		"Install failed for platforms;android-34",
		"Install failed for emulator",
	} {
		if !strings.Contains(string(data), msg) {
			t.Errorf("log missing %q:\n%s", msg, data)
		}
	}
}

func TestInstallSystemImage_AllCandidatesFail(t *testing.T) {
	var installs int
	run := func(args ...string) error {
		if args[0] == "--install" {
			installs++
			return errors.New("no space left")
		}
		return nil
	}

	_, err := installSystemImage(run)
	if err == nil || !strings.Contains(err.Error(), "no space left") {
		t.Fatalf("installSystemImage() error = %v, want last install error", err)
	}
	if installs != len(systemImageCandidates) {
		t.Errorf("installs = %d, want %d", installs, len(systemImageCandidates))
	}
}

func TestForceKillEmulator_InvalidSerialFormats(t *testing.T) {
	for _, serial := range []string{"", "emulator5554", "emulator-abc", "R5CR50ABCDE", "emulator-"} {
		t.Run(serial, func(t *testing.T) {
			err := forceKillEmulator(serial)
			if err == nil || !strings.Contains(err.Error(), "failed to extract port") {
				t.Errorf("forceKillEmulator(%q) = %v, want port extraction error", serial, err)
			}
		})
	}
}

func TestForceKillEmulator_NoProcess(t *testing.T) {
	err := forceKillEmulator("emulator-59998")
	if err == nil {
		t.Fatal("expected error when no emulator process matches")
	}
	if !strings.Contains(err.Error(), "could not find emulator process") && !strings.Contains(err.Error(), "list processes") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestIsEmulatorCmdline(t *testing.T) {
	tests := []struct {
		cmdline string
		want    bool
	}{
		{"/sdk/emulator/qemu/linux-x86_64/qemu-system-x86_64 -avd ai_device -port 5554", true},
		{"/sdk/emulator/emulator -avd ai_device -port 5556 -no-snapshot", false},
		{"/sdk/emulator/emulator -avd ai_device -port 5554", true},
		{"nc -l -port 5554", false},
		{"/sdk/emulator/emulator -avd ai_device", false},
	}
	for _, tt := range tests {
		if got := isEmulatorCmdline(tt.cmdline, 5554); got != tt.want {
			t.Errorf("isEmulatorCmdline(%q) = %v, want %v", tt.cmdline, got, tt.want)
		}
	}
}

func TestManager_AllocatePort(t *testing.T) {
	mgr := NewManager()

	if port := mgr.AllocatePort("a"); port != 5554 {
		t.Errorf("first port = %d, want 5554", port)
	}
	if port := mgr.AllocatePort("b"); port != 5556 {
		t.Errorf("second port = %d, want 5556", port)
	}
	if port := mgr.AllocatePort("a"); port != 5554 {
		t.Errorf("reused port = %d, want 5554", port)
	}
	if port := mgr.getNextPort(5556); port != 5558 {
		t.Errorf("getNextPort = %d", port)
	}
}

// stubHooks replaces the process-level hooks for one test.
func stubHooks(t *testing.T, running string, avds []AVDInfo, start func(string, int, StartOptions, time.Duration) (string, *exec.Cmd, error)) *[]string {
	t.Helper()
	var shutdowns []string
	origFind, origList, origStart, origShutdown := findRunning, listAVDs, startFn, shutdownFn
	t.Cleanup(func() {
		findRunning, listAVDs, startFn, shutdownFn = origFind, origList, origStart, origShutdown
	})
	findRunning = func(string) (string, error) { return running, nil }
	listAVDs = func() ([]AVDInfo, error) { return avds, nil }
	startFn = start
	shutdownFn = func(serial string, _ time.Duration) error {
		shutdowns = append(shutdowns, serial)
		return nil
	}
	return &shutdowns
}

func TestManager_EnsureReady_ReusesRunning(t *testing.T) {
	stubHooks(t, "emulator-5560", nil, func(string, int, StartOptions, time.Duration) (string, *exec.Cmd, error) {
		t.Fatal("must not start an emulator when one is running")
		return "", nil, nil
	})

	serial, err := NewManager().EnsureReady("", StartOptions{})
	if err != nil || serial != "emulator-5560" {
		t.Errorf("EnsureReady = %q, %v", serial, err)
	}
}

func TestManager_EnsureReady_StartsPreferred(t *testing.T) {
	var gotAVD string
	var gotOpts StartOptions
	stubHooks(t, "", []AVDInfo{{Name: "Pixel"}, {Name: "ai_device"}}, func(avd string, port int, opts StartOptions, _ time.Duration) (string, *exec.Cmd, error) {
		gotAVD, gotOpts = avd, opts
		return "emulator-" + strconv.Itoa(port), nil, nil
	})

	mgr := NewManager()
	serial, err := mgr.EnsureReady("", StartOptions{WipeData: true})
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if gotAVD != "ai_device" || !gotOpts.WipeData {
		t.Errorf("started %q with %+v", gotAVD, gotOpts)
	}
	if !mgr.IsStartedByUs(serial) {
		t.Errorf("%s not tracked", serial)
	}
}

func TestManager_EnsureReady_NoAVDs(t *testing.T) {
	stubHooks(t, "", nil, nil)
	_, err := NewManager().EnsureReady("", StartOptions{})
	if err == nil || !strings.Contains(err.Error(), "no AVDs available") {
		t.Errorf("expected no AVDs error, got %v", err)
	}
}

func TestManager_StartWithRetry_NextPort(t *testing.T) {
	var ports []int
	stubHooks(t, "", nil, func(_ string, port int, _ StartOptions, _ time.Duration) (string, *exec.Cmd, error) {
		ports = append(ports, port)
		if len(ports) < 2 {
			return "", nil, errors.New("address already in use")
		}
		return "emulator-5556", nil, nil
	})

	serial, err := NewManager().StartWithRetry("ai_device", StartOptions{}, 3)
	if err != nil || serial != "emulator-5556" {
		t.Fatalf("StartWithRetry = %q, %v", serial, err)
	}
	if !reflect.DeepEqual(ports, []int{5554, 5556}) {
		t.Errorf("ports = %v", ports)
	}
}

func TestManager_StartWithRetry_Exhausted(t *testing.T) {
	stubHooks(t, "", nil, func(string, int, StartOptions, time.Duration) (string, *exec.Cmd, error) {
		return "", nil, errors.New("boom")
	})
	_, err := NewManager().StartWithRetry("ai_device", StartOptions{}, 2)
	if err == nil || !strings.Contains(err.Error(), "after 2 attempts") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestManager_Restart(t *testing.T) {
	var gotOpts StartOptions
	shutdowns := stubHooks(t, "", []AVDInfo{{Name: "ai_device"}}, func(_ string, _ int, opts StartOptions, _ time.Duration) (string, *exec.Cmd, error) {
		gotOpts = opts
		return "emulator-5554", nil, nil
	})

	serial, err := NewManager().Restart("emulator-5554", "", StartOptions{WipeData: true, PartitionSizeMB: 2047})
	if err != nil || serial != "emulator-5554" {
		t.Fatalf("Restart = %q, %v", serial, err)
	}
	if !reflect.DeepEqual(*shutdowns, []string{"emulator-5554"}) {
		t.Errorf("shutdowns = %v", *shutdowns)
	}
	if !gotOpts.WipeData || gotOpts.PartitionSizeMB != 2047 {
		t.Errorf("opts = %+v", gotOpts)
	}
}

func TestManager_ShutdownAll(t *testing.T) {
	shutdowns := stubHooks(t, "", nil, nil)
	var mu sync.Mutex
	shutdownFn = func(serial string, _ time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		*shutdowns = append(*shutdowns, serial)
		return nil
	}

	mgr := NewManager()
	if err := mgr.ShutdownAll(); err != nil {
		t.Fatalf("ShutdownAll on empty manager: %v", err)
	}
	if err := mgr.Shutdown("emulator-5554"); err != nil {
		t.Errorf("Shutdown of untracked emulator should be a no-op: %v", err)
	}

	for _, s := range []string{"emulator-5554", "emulator-5556"} {
		mgr.started.Store(s, &EmulatorInstance{Serial: s, StartedBy: "droid-agent"})
	}
	if err := mgr.ShutdownAll(); err != nil {
		t.Fatalf("ShutdownAll: %v", err)
	}
	got := append([]string{}, *shutdowns...)
	sort.Strings(got)
	if !reflect.DeepEqual(got, []string{"emulator-5554", "emulator-5556"}) {
		t.Errorf("shutdowns = %v", got)
	}
	if len(mgr.GetStartedEmulators()) != 0 {
		t.Error("emulators still tracked after ShutdownAll")
	}
}

func TestListAVDs_Integration(t *testing.T) {
	if os.Getenv("ANDROID_HOME") == "" {
		t.Skip("ANDROID_HOME not set, skipping integration test")
	}
	if _, err := FindEmulatorBinary(); err != nil {
		t.Skipf("Emulator binary not found: %v", err)
	}
	avds, err := ListAVDs()
	if err != nil {
		t.Fatalf("ListAVDs() failed: %v", err)
	}
	for _, avd := range avds {
		if avd.Name == "" {
			t.Error("AVD name should not be empty")
		}
	}
}
