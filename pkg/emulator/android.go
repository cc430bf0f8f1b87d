package emulator

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/devicelab-dev/droid-agent/pkg/logger"
)

const (
	// DefaultBootTimeout bounds a cold boot including -wipe-data.
	DefaultBootTimeout = 10 * time.Minute
	// launcherSettle is waited after boot: the launcher often lags sys.boot_completed.
	launcherSettle = 5 * time.Second
)

// System images tried, in order, when an AVD has to be created.
var systemImageCandidates = []string{
	"system-images;android-34;google_apis;x86_64",
	"system-images;android-33;google_apis;x86_64",
}

// adbCommand builds an adb invocation, preferring the SDK copy.
func adbCommand(args ...string) *exec.Cmd {
	adb, err := FindADBBinary()
	if err != nil {
		adb = "adb"
	}
	return exec.Command(adb, args...)
}

// ListAVDs returns all available Android Virtual Devices
func ListAVDs() ([]AVDInfo, error) {
	emulatorPath, err := FindEmulatorBinary()
	if err != nil {
		return nil, err
	}

	output, err := exec.Command(emulatorPath, "-list-avds").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list AVDs: %w", err)
	}

	avds := ParseAVDList(string(output))
	logger.Debug("Found %d AVDs: %v", len(avds), avds)
	return avds, nil
}

// ParseAVDList parses `emulator -list-avds` output, one name per line.
// Emulator diagnostics (INFO/WARNING lines) are skipped.
func ParseAVDList(out string) []AVDInfo {
	var avds []AVDInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.Contains(line, "|") || strings.HasPrefix(line, "INFO") || strings.HasPrefix(line, "WARNING") {
			continue
		}
		avds = append(avds, AVDInfo{Name: line})
	}
	return avds
}

// PickAVD returns the AVD to boot: want if present, else ai_device, else
// the first listed.
func PickAVD(avds []AVDInfo, want string) (string, bool) {
	if len(avds) == 0 {
		return "", false
	}
	for _, target := range []string{want, PreferredAVD} {
		if target == "" {
			continue
		}
		for _, avd := range avds {
			if normalizeName(avd.Name) == normalizeName(target) {
				return avd.Name, true
			}
		}
	}
	return avds[0].Name, true
}

func normalizeName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}

// IsEmulator checks if a device serial is an emulator
func IsEmulator(serial string) bool {
	return strings.HasPrefix(serial, "emulator-")
}

// ClampPartitionSize keeps a partition size within the emulator limits.
// Non-positive values mean "not set" and are returned as 0.
func ClampPartitionSize(mb int) int {
	switch {
	case mb <= 0:
		return 0
	case mb < MinPartitionSizeMB:
		logger.Info("partition size %dMB too small; clamping to %dMB", mb, MinPartitionSizeMB)
		return MinPartitionSizeMB
	case mb > MaxPartitionSizeMB:
		logger.Info("partition size %dMB too large; clamping to %dMB", mb, MaxPartitionSizeMB)
		return MaxPartitionSizeMB
	}
	return mb
}

// StartArgs returns the emulator command line for avdName.
func StartArgs(avdName string, consolePort int, opts StartOptions) []string {
	args := []string{
		"-avd", avdName,
		"-port", strconv.Itoa(consolePort),
		"-no-snapshot",
		"-no-boot-anim",
		"-netdelay", "none",
		"-netspeed", "full",
	}
	if opts.NoWindow {
		args = append(args, "-no-window")
	}
	if opts.WipeData {
		args = append(args, "-wipe-data")
	}
	if size := ClampPartitionSize(opts.PartitionSizeMB); size > 0 {
		args = append(args, "-partition-size", strconv.Itoa(size))
	}
	return args
}

// CheckBootStatus checks all boot conditions for an emulator
func CheckBootStatus(serial string) (*BootStatus, error) {
	status := &BootStatus{}

	stateOut, err := adbCommand("-s", serial, "get-state").Output()
	status.StateReady = err == nil && strings.TrimSpace(string(stateOut)) == "device"
	if !status.StateReady {
		return status, nil
	}

	bootOut, err := adbCommand("-s", serial, "shell", "getprop", "sys.boot_completed").Output()
	status.BootCompleted = err == nil && strings.TrimSpace(string(bootOut)) == "1"

	_, err = adbCommand("-s", serial, "shell", "settings", "list", "global").Output()
	status.SettingsReady = err == nil

	_, err = adbCommand("-s", serial, "shell", "pm", "get-max-users").Output()
	status.PackageManager = err == nil

	return status, nil
}

// WaitForBootComplete polls until the emulator is fully booted
func WaitForBootComplete(serial string, timeout time.Duration) error {
	logger.Info("Waiting for emulator boot complete: %s", serial)
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		status, err := CheckBootStatus(serial)
		if err == nil {
			logger.Debug("Boot status for %s: state=%v, boot=%v, settings=%v, pm=%v",
				serial, status.StateReady, status.BootCompleted, status.SettingsReady, status.PackageManager)
			if status.IsFullyReady() {
				logger.Info("Emulator fully booted: %s", serial)
				time.Sleep(launcherSettle)
				return nil
			}
		}
		<-ticker.C
	}

	status, _ := CheckBootStatus(serial)
	return fmt.Errorf("emulator boot timeout after %v (state:%v boot:%v settings:%v pm:%v)",
		timeout, status.StateReady, status.BootCompleted, status.SettingsReady, status.PackageManager)
}

// WaitForDeviceState waits for device to appear in adb devices
func WaitForDeviceState(serial string, timeout time.Duration) error {
	logger.Info("Waiting for device state: %s", serial)
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		output, err := adbCommand("-s", serial, "get-state").Output()
		if err == nil && strings.TrimSpace(string(output)) == "device" {
			return nil
		}
		<-ticker.C
	}
	return fmt.Errorf("timeout waiting for device state after %v", timeout)
}

// StartEmulator boots avdName on consolePort and waits for it to be ready.
// The process is detached from droid-agent's lifetime.
func StartEmulator(avdName string, consolePort int, opts StartOptions, timeout time.Duration) (string, *exec.Cmd, error) {
	emulatorPath, err := FindEmulatorBinary()
	if err != nil {
		return "", nil, err
	}
	serial := fmt.Sprintf("emulator-%d", consolePort)
	args := StartArgs(avdName, consolePort, opts)
	logger.Info("$ %s %s &", emulatorPath, strings.Join(args, " "))

	bootStart := time.Now()
	cmd := exec.Command(emulatorPath, args...)
	if err := cmd.Start(); err != nil {
		return "", nil, fmt.Errorf("failed to start emulator process: %w", err)
	}
	logger.Info("Emulator process started (PID: %d)", cmd.Process.Pid)

	// device state first, then boot completion within what is left
	if err := WaitForDeviceState(serial, 2*time.Minute); err != nil {
		_ = cmd.Process.Kill()
		return "", nil, fmt.Errorf("device state check failed: %w", err)
	}
	remaining := timeout - time.Since(bootStart)
	if remaining < 30*time.Second {
		remaining = 30 * time.Second
	}
	if err := WaitForBootComplete(serial, remaining); err != nil {
		_ = cmd.Process.Kill()
		return "", nil, err
	}

	logger.Info("Emulator boot completed in %v", time.Since(bootStart))
	return serial, cmd, nil
}

// ShutdownEmulator stops an emulator: console kill first, then the process.
func ShutdownEmulator(serial string, timeout time.Duration) error {
	logger.Info("Shutting down emulator: %s", serial)

	if err := adbCommand("-s", serial, "emu", "kill").Run(); err != nil {
		logger.Warn("adb emu kill failed for %s: %v", serial, err)
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		if _, err := adbCommand("-s", serial, "get-state").Output(); err != nil {
			logger.Info("Emulator shutdown confirmed: %s", serial)
			return nil
		}
		<-ticker.C
	}

	logger.Warn("Emulator shutdown timeout, trying force kill: %s", serial)
	if err := forceKillEmulator(serial); err != nil {
		return fmt.Errorf("failed to shutdown emulator after %v: %w", timeout, err)
	}
	return nil
}

// forceKillEmulator terminates the emulator process serving serial's console
// port, escalating to SIGKILL when SIGTERM does not take.
func forceKillEmulator(serial string) error {
	port, err := consolePort(serial)
	if err != nil {
		return err
	}

	procs, err := process.Processes()
	if err != nil {
		return fmt.Errorf("list processes: %w", err)
	}
	var matched []*process.Process
	for _, p := range procs {
		cmdline, err := p.Cmdline()
		if err != nil {
			continue
		}
		if isEmulatorCmdline(cmdline, port) {
			matched = append(matched, p)
		}
	}
	if len(matched) == 0 {
		return fmt.Errorf("could not find emulator process for %s", serial)
	}

	for _, p := range matched {
		if err := p.Terminate(); err != nil {
			logger.Warn("SIGTERM failed for PID %d, using SIGKILL", p.Pid)
			if err := p.Kill(); err != nil {
				logger.Error("SIGKILL failed for PID %d: %v", p.Pid, err)
			}
		}
	}
	return nil
}

func consolePort(serial string) (int, error) {
	rest, ok := strings.CutPrefix(serial, "emulator-")
	if !ok {
		return 0, fmt.Errorf("failed to extract port from serial %s", serial)
	}
	port, err := strconv.Atoi(rest)
	if err != nil {
		return 0, fmt.Errorf("failed to extract port from serial %s: %w", serial, err)
	}
	return port, nil
}

// isEmulatorCmdline matches emulator or qemu processes bound to port.
func isEmulatorCmdline(cmdline string, port int) bool {
	if !strings.Contains(cmdline, "emulator") && !strings.Contains(cmdline, "qemu-system") {
		return false
	}
	fields := strings.Fields(cmdline)
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] == "-port" && fields[i+1] == strconv.Itoa(port) {
			return true
		}
	}
	return false
}

// CreateAVD creates avdName from the first system image that installs.
// Existing AVDs are left alone.
func CreateAVD(avdName string) error {
	avds, err := ListAVDs()
	if err != nil {
		return err
	}
	for _, avd := range avds {
		if avd.Name == avdName {
			logger.Info("AVD already exists: %s", avdName)
			return nil
		}
	}

	image, err := ensureSystemImage()
	if err != nil {
		return err
	}
	avdmanager, err := FindAVDManagerBinary()
	if err != nil {
		return err
	}
	logger.Info("Creating AVD '%s' with image '%s'", avdName, image)
	cmd := exec.Command(avdmanager, "create", "avd", "-n", avdName, "-k", image, "--force")
	// answers the custom hardware profile prompt
	cmd.Stdin = strings.NewReader("\n")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("avdmanager create avd: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func ensureSystemImage() (string, error) {
	sdkmanager, err := FindSDKManagerBinary()
	if err != nil {
		return "", err
	}
	yes := strings.Repeat("y\n", 100)
	run := func(args ...string) error {
		cmd := exec.Command(sdkmanager, args...)
		cmd.Stdin = strings.NewReader(yes)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("sdkmanager %s: %w: %s", strings.Join(args, " "), err, lastOutputLine(out))
		}
		return nil
	}
	return installSystemImage(run)
}

// installSystemImage accepts the licenses and installs the first candidate
// image that succeeds, plus its platform and the emulator package. Only a
// failed image install is fatal; the companion packages may already exist.
func installSystemImage(run func(args ...string) error) (string, error) {
	if err := run("--licenses"); err != nil {
		logger.Warn("License acceptance failed: %v", err)
	}
	var lastErr error
	for _, image := range systemImageCandidates {
		logger.Info("Attempting to install system image: %s", image)
		if err := run("--install", image); err != nil {
			lastErr = err
			logger.Warn("Install failed for %s: %v", image, err)
			continue
		}
		platform := strings.Split(image, ";")[1]
		for _, pkg := range []string{"platforms;" + platform, "emulator"} {
			if err := run("--install", pkg); err != nil {
				logger.Warn("Install failed for %s: %v", pkg, err)
			}
		}
		return image, nil
	}
	return "", fmt.Errorf("no system image could be installed: %w", lastErr)
}

func lastOutputLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
