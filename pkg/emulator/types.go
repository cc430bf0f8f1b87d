// Package emulator finds the Android SDK tools, boots and stops emulators,
// and hands the agent a ready device serial.
package emulator

import (
	"os/exec"
	"sync"
	"time"
)

// PreferredAVD is started (or reused) when no AVD is requested explicitly.
const PreferredAVD = "ai_device"

// Partition size limits enforced by the emulator, in MB.
const (
	MinPartitionSizeMB = 10
	MaxPartitionSizeMB = 2047
)

// AVDInfo represents an Android Virtual Device
type AVDInfo struct {
	Name      string // AVD name (e.g., "ai_device")
	IsRunning bool   // Whether an emulator for it is online
}

// StartOptions are the optional emulator flags.
type StartOptions struct {
	WipeData        bool // -wipe-data
	PartitionSizeMB int  // -partition-size, clamped; 0 leaves the AVD default
	NoWindow        bool // -no-window, for headless hosts
}

// EmulatorInstance tracks a running emulator started by droid-agent
type EmulatorInstance struct {
	AVDName      string        // AVD name
	Serial       string        // Device serial (e.g., "emulator-5554")
	ConsolePort  int           // Console port (even: 5554, 5556, 5558...)
	ADBPort      int           // ADB port (odd: console + 1)
	Process      *exec.Cmd     // Emulator process
	StartedBy    string        // "droid-agent" or "external"
	Options      StartOptions  // Flags it was started with
	BootStart    time.Time     // Boot start time
	BootDuration time.Duration // Total boot duration
}

// Manager manages emulator lifecycle and tracks started emulators
type Manager struct {
	started sync.Map       // serial -> *EmulatorInstance (thread-safe)
	portMap map[string]int // AVD name -> console port (session-only)
	mu      sync.Mutex     // Protects portMap

	// BootTimeout bounds each start; zero means DefaultBootTimeout.
	BootTimeout time.Duration
}

// BootStatus represents emulator boot state
type BootStatus struct {
	StateReady     bool // adb get-state == "device"
	BootCompleted  bool // sys.boot_completed == "1"
	SettingsReady  bool // settings list global succeeds
	PackageManager bool // pm get-max-users succeeds
}

// IsFullyReady returns true if all boot checks passed
func (bs *BootStatus) IsFullyReady() bool {
	return bs.StateReady && bs.BootCompleted && bs.SettingsReady && bs.PackageManager
}
