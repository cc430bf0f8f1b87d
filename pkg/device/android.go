// Package device provides Android device control via ADB.
package device

import (
	"bytes"
	"context"
	"fmt"
	"image/color"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/devicelab-dev/droid-agent/pkg/core"
	"github.com/devicelab-dev/droid-agent/pkg/logger"
)

// runner executes a host binary and returns stdout and stderr separately.
type runner func(name string, args ...string) (stdout, stderr []byte, err error)

func execRunner(name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.Command(name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// AndroidDevice drives an Android device or emulator through adb.
type AndroidDevice struct {
	serial  string
	adbPath string
	run     runner
}

var _ core.Device = (*AndroidDevice)(nil)

// DeviceInfo contains basic device information.
type DeviceInfo struct {
	Serial     string
	State      string
	Model      string
	SDK        string
	IsEmulator bool
}

// New creates an AndroidDevice for the given serial.
// If serial is empty, it auto-detects the connected device.
func New(serial string) (*AndroidDevice, error) {
	adbPath, err := FindADB()
	if err != nil {
		return nil, err
	}

	if serial == "" {
		serial, err = detectDeviceSerial(adbPath, execRunner)
		if err != nil {
			return nil, core.ErrNoDevice.WithCause(err)
		}
	}

	d := &AndroidDevice{serial: serial, adbPath: adbPath, run: execRunner}
	if err := d.waitForDevice(5 * time.Second); err != nil {
		return nil, core.ErrDeviceDisconnected.WithCause(err)
	}
	return d, nil
}

// newWithRunner builds a device without touching the host, for tests.
func newWithRunner(serial string, run runner) *AndroidDevice {
	return &AndroidDevice{serial: serial, adbPath: "adb", run: run}
}

// Serial returns the device serial number.
func (d *AndroidDevice) Serial() string {
	return d.serial
}

// Shell executes a shell command on the device.
func (d *AndroidDevice) Shell(args ...string) (string, error) {
	return d.adb(append([]string{"shell"}, args...)...)
}

// Tap sends `input tap x y`.
func (d *AndroidDevice) Tap(x, y int) error {
	_, err := d.Shell("input", "tap", strconv.Itoa(x), strconv.Itoa(y))
	return err
}

// Swipe sends `input swipe`. A non-positive duration uses 300ms.
func (d *AndroidDevice) Swipe(x1, y1, x2, y2, durationMs int) error {
	if durationMs <= 0 {
		durationMs = 300
	}
	_, err := d.Shell("input", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1), strconv.Itoa(x2), strconv.Itoa(y2), strconv.Itoa(durationMs))
	return err
}

// InputText types text after making it safe for `input text`.
func (d *AndroidDevice) InputText(text string) error {
	_, err := d.Shell("input", "text", SanitizeText(text))
	return err
}

// KeyEvent sends a key by name or numeric code.
func (d *AndroidDevice) KeyEvent(code string) error {
	_, err := d.Shell("input", "keyevent", code)
	return err
}

// Back presses the hardware back key.
func (d *AndroidDevice) Back() error {
	return d.KeyEvent(core.KeyCodeBack)
}

// Home presses the hardware home key.
func (d *AndroidDevice) Home() error {
	return d.KeyEvent(core.KeyCodeHome)
}

// Wait blocks for d.
func (d *AndroidDevice) Wait(dur time.Duration) {
	if dur > 0 {
		time.Sleep(dur)
	}
}

// Screenshot captures the screen as PNG bytes.
func (d *AndroidDevice) Screenshot() ([]byte, error) {
	out, err := d.adbBytes("exec-out", "screencap", "-p")
	if err != nil {
		return nil, core.ErrScreenshot.WithCause(err)
	}
	if len(out) == 0 {
		return nil, core.ErrScreenshot.WithMessage("screencap returned no data")
	}
	return out, nil
}

// ScreenshotToFile captures the screen into path, creating parent dirs.
func (d *AndroidDevice) ScreenshotToFile(path string) error {
	data, err := d.Screenshot()
	if err != nil {
		return err
	}
	return writeFile(path, data)
}

// ScreenshotWithMarker captures the screen into path and overlays a click
// marker at (x, y). An overlay failure keeps the plain screenshot.
func (d *AndroidDevice) ScreenshotWithMarker(path string, x, y int, c color.Color) error {
	data, err := d.Screenshot()
	if err != nil {
		return err
	}
	marked, err := DrawMarker(data, x, y, c)
	if err != nil {
		logger.Warn("marker overlay failed for %s: %v", path, err)
		marked = data
	}
	return writeFile(path, marked)
}

// Resolution returns the physical size from `wm size`.
func (d *AndroidDevice) Resolution() (int, int, error) {
	out, err := d.Shell("wm", "size")
	if err != nil {
		return 0, 0, err
	}
	w, h, ok := ParseWMSize(out)
	if !ok {
		return 0, 0, core.ErrDeviceCommand.
			WithMessage("unrecognised `wm size` output").
			WithDetails(map[string]interface{}{"output": strings.TrimSpace(out)})
	}
	return w, h, nil
}

// RotationDegrees reads SurfaceOrientation from `dumpsys input`. A dump
// without the field means the natural orientation.
func (d *AndroidDevice) RotationDegrees() (int, error) {
	out, err := d.Shell("dumpsys", "input")
	if err != nil {
		return 0, err
	}
	return ParseRotation(out), nil
}

// DisplaySize reads the active display size from `dumpsys display`.
func (d *AndroidDevice) DisplaySize() (int, int, error) {
	out, err := d.Shell("dumpsys", "display")
	if err != nil {
		return 0, 0, err
	}
	w, h, ok := ParseDisplaySize(out)
	if !ok {
		return 0, 0, core.ErrDeviceCommand.WithMessage("no display size in `dumpsys display` output")
	}
	return w, h, nil
}

// Install installs an APK with `install -r -t`. Low-space failures are
// reported as core.ErrInsufficientStorage so callers can recover.
func (d *AndroidDevice) Install(apkPath string) error {
	args := d.withSerial("install", "-r", "-t", apkPath)
	stdout, stderr, err := d.run(d.adbPath, args...)
	if err == nil {
		return nil
	}
	combined := string(stdout) + "\n" + string(stderr)
	details := map[string]interface{}{"apk": apkPath, "output": strings.TrimSpace(combined)}
	if IsLowSpace(combined) {
		return core.ErrInsufficientStorage.WithDetails(details).WithCause(err)
	}
	return core.ErrInstallFailed.WithDetails(details).WithCause(err)
}

// Uninstall removes a package from the device.
func (d *AndroidDevice) Uninstall(pkg string) error {
	_, err := d.adb("uninstall", pkg)
	return err
}

// IsInstalled checks if a package is installed.
func (d *AndroidDevice) IsInstalled(pkg string) (bool, error) {
	out, err := d.Shell("pm", "list", "packages", pkg)
	if err != nil {
		return false, err
	}
	return PackageListed(out, pkg), nil
}

// LaunchApp starts activity when given, else the launcher intent via monkey.
func (d *AndroidDevice) LaunchApp(pkg, activity string) error {
	if activity != "" {
		_, err := d.Shell("am", "start", "-n", Component(pkg, activity))
		return err
	}
	_, err := d.Shell("monkey", "-p", pkg, "-c", "android.intent.category.LAUNCHER", "1")
	return err
}

// StopApp force-stops a package.
func (d *AndroidDevice) StopApp(pkg string) error {
	_, err := d.Shell("am", "force-stop", pkg)
	return err
}

// Command builds a long-running adb process (screenrecord, logcat) bound
// to this device. The caller starts and stops it.
func (d *AndroidDevice) Command(ctx context.Context, args ...string) *exec.Cmd {
	logger.Debug("$ adb %s &", strings.Join(d.withSerial(args...), " "))
	return exec.CommandContext(ctx, d.adbPath, d.withSerial(args...)...)
}

// Pull copies a file from the device to the host.
func (d *AndroidDevice) Pull(remote, local string) error {
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	_, err := d.adb("pull", remote, local)
	return err
}

// AVDName returns the AVD name of a running emulator, or "".
func (d *AndroidDevice) AVDName() string {
	out, err := d.adb("emu", "avd", "name")
	if err != nil {
		return ""
	}
	return lastLine(out)
}

// Info returns device information.
func (d *AndroidDevice) Info() (DeviceInfo, error) {
	info := DeviceInfo{Serial: d.serial, State: "device"}

	if model, err := d.Shell("getprop", "ro.product.model"); err == nil {
		info.Model = strings.TrimSpace(model)
	}
	if sdk, err := d.Shell("getprop", "ro.build.version.sdk"); err == nil {
		info.SDK = strings.TrimSpace(sdk)
	}
	qemu, _ := d.Shell("getprop", "ro.kernel.qemu")
	info.IsEmulator = strings.TrimSpace(qemu) == "1" || strings.HasPrefix(d.serial, "emulator-")

	return info, nil
}

func (d *AndroidDevice) withSerial(args ...string) []string {
	cmdArgs := make([]string, 0, len(args)+2)
	if d.serial != "" {
		cmdArgs = append(cmdArgs, "-s", d.serial)
	}
	return append(cmdArgs, args...)
}

// adb executes an ADB command and returns stdout as text.
func (d *AndroidDevice) adb(args ...string) (string, error) {
	out, err := d.adbBytes(args...)
	return string(out), err
}

func (d *AndroidDevice) adbBytes(args ...string) ([]byte, error) {
	logger.Debug("$ adb %s", strings.Join(d.withSerial(args...), " "))
	stdout, stderr, err := d.run(d.adbPath, d.withSerial(args...)...)
	if err != nil {
		errMsg := string(stderr)
		if errMsg == "" {
			errMsg = string(stdout)
		}
		return nil, core.ErrDeviceCommand.
			WithDetails(map[string]interface{}{"args": args}).
			WithCause(fmt.Errorf("adb %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(errMsg)))
	}
	return stdout, nil
}

// waitForDevice waits for the device to be available.
func (d *AndroidDevice) waitForDevice(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if out, err := d.adb("get-state"); err == nil && strings.TrimSpace(out) == "device" {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for device %s", d.serial)
}

// ListDevices returns all devices adb reports, in any state.
func ListDevices() ([]DeviceInfo, error) {
	adbPath, err := FindADB()
	if err != nil {
		return nil, err
	}
	return listDevices(adbPath, execRunner)
}

func listDevices(adbPath string, run runner) ([]DeviceInfo, error) {
	out, _, err := run(adbPath, "devices")
	if err != nil {
		return nil, fmt.Errorf("adb devices: %w", err)
	}
	return ParseDevices(string(out)), nil
}

// FirstAvailable connects to the first device in the "device" state.
func FirstAvailable() (*AndroidDevice, error) {
	return New("")
}

// PreferredEmulator returns the serial of a running emulator, preferring one
// whose AVD name matches prefer or "ai_device". Empty when none is online.
func PreferredEmulator(prefer string) (string, error) {
	adbPath, err := FindADB()
	if err != nil {
		return "", err
	}
	return preferredEmulator(adbPath, execRunner, prefer)
}

func preferredEmulator(adbPath string, run runner, prefer string) (string, error) {
	devices, err := listDevices(adbPath, run)
	if err != nil {
		return "", err
	}
	var emulators []string
	for _, dev := range devices {
		if strings.HasPrefix(dev.Serial, "emulator-") && dev.State == "device" {
			emulators = append(emulators, dev.Serial)
		}
	}
	wanted := map[string]bool{"ai_device": true}
	if prefer != "" {
		wanted[NormalizeAVDName(prefer)] = true
	}
	for _, serial := range emulators {
		name := newWithRunner(serial, run).AVDName()
		if name != "" && wanted[NormalizeAVDName(name)] {
			return serial, nil
		}
	}
	if len(emulators) > 0 {
		return emulators[0], nil
	}
	return "", nil
}

func detectDeviceSerial(adbPath string, run runner) (string, error) {
	devices, err := listDevices(adbPath, run)
	if err != nil {
		return "", err
	}
	for _, dev := range devices {
		if dev.State == "device" {
			return dev.Serial, nil
		}
	}
	return "", fmt.Errorf("no connected devices found")
}

// FindADB locates the adb binary in the SDK or on PATH.
func FindADB() (string, error) {
	for _, env := range []string{"ANDROID_HOME", "ANDROID_SDK_ROOT"} {
		if home := os.Getenv(env); home != "" {
			p := filepath.Join(home, "platform-tools", "adb")
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}
	if path, err := exec.LookPath("adb"); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("adb not found in PATH; ensure Android SDK is installed")
}

var (
	unsafeInputChars = regexp.MustCompile(`[^A-Za-z0-9_%@.,:\-]`)
	displaySizeRe    = regexp.MustCompile(`(\d{3,5})\s*x\s*(\d{3,5})`)
	lowSpaceTokens   = []string{
		"install_failed_insufficient_storage",
		"not enough space",
		"requested internal only",
	}
	displayInfoKeys = []string{"DisplayDeviceInfo", "mBaseDisplayInfo", "DisplayInfo", "deviceProductInfo"}
)

// SanitizeText makes text safe for `adb shell input text`: spaces become
// %s and characters outside a small safe set become underscores.
func SanitizeText(text string) string {
	text = strings.ReplaceAll(text, " ", "%s")
	return unsafeInputChars.ReplaceAllString(text, "_")
}

// ParseWMSize reads the first "<label>: WxH" line of `wm size`.
func ParseWMSize(out string) (int, int, bool) {
	for _, line := range strings.Split(out, "\n") {
		idx := strings.Index(line, ":")
		if idx < 0 || !strings.Contains(line, "x") {
			continue
		}
		parts := strings.Split(strings.TrimSpace(line[idx+1:]), "x")
		if len(parts) != 2 {
			continue
		}
		w, errW := strconv.Atoi(strings.TrimSpace(parts[0]))
		h, errH := strconv.Atoi(strings.TrimSpace(parts[1]))
		if errW != nil || errH != nil {
			continue
		}
		return w, h, true
	}
	return 0, 0, false
}

// ParseRotation maps SurfaceOrientation 0..3 to degrees; anything else is 0.
func ParseRotation(out string) int {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "SurfaceOrientation") {
			continue
		}
		parts := strings.Split(strings.TrimSpace(line), ":")
		if len(parts) != 2 {
			continue
		}
		switch strings.TrimSpace(parts[1]) {
		case "1":
			return 90
		case "2":
			return 180
		case "3":
			return 270
		default:
			return 0
		}
	}
	return 0
}

// ParseDisplaySize picks the largest WxH found on display info lines.
func ParseDisplaySize(out string) (int, int, bool) {
	type size struct{ w, h int }
	var candidates []size
	for _, line := range strings.Split(out, "\n") {
		if !containsAny(line, displayInfoKeys) {
			continue
		}
		m := displaySizeRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		w, _ := strconv.Atoi(m[1])
		h, _ := strconv.Atoi(m[2])
		candidates = append(candidates, size{w, h})
	}
	if len(candidates) == 0 {
		return 0, 0, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].w*candidates[i].h > candidates[j].w*candidates[j].h
	})
	return candidates[0].w, candidates[0].h, true
}

// ParseDevices parses `adb devices` output.
func ParseDevices(out string) []DeviceInfo {
	var devices []DeviceInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of") || strings.HasPrefix(line, "*") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		devices = append(devices, DeviceInfo{
			Serial:     parts[0],
			State:      parts[1],
			IsEmulator: strings.HasPrefix(parts[0], "emulator-"),
		})
	}
	return devices
}

// IsLowSpace reports whether install output indicates missing storage.
func IsLowSpace(output string) bool {
	return containsAny(strings.ToLower(output), lowSpaceTokens)
}

// PackageListed reports whether `pm list packages` output names pkg.
func PackageListed(out, pkg string) bool {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "package:") && strings.HasSuffix(line, pkg) {
			return true
		}
	}
	return false
}

// Component builds the `am start -n` target. Activities containing "/"
// are already fully qualified.
func Component(pkg, activity string) string {
	if strings.Contains(activity, "/") {
		return activity
	}
	return pkg + "/" + activity
}

// NormalizeAVDName lowercases and replaces spaces with underscores.
func NormalizeAVDName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}

func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		// emulator console replies end with an "OK" status line
		if l := strings.TrimSpace(lines[i]); l != "" && l != "OK" {
			return l
		}
	}
	return ""
}

func containsAny(s string, keys []string) bool {
	for _, k := range keys {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
