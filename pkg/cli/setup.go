package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/devicelab-dev/droid-agent/pkg/app"
	"github.com/devicelab-dev/droid-agent/pkg/config"
	"github.com/devicelab-dev/droid-agent/pkg/core"
	"github.com/devicelab-dev/droid-agent/pkg/device"
	"github.com/devicelab-dev/droid-agent/pkg/emulator"
	"github.com/devicelab-dev/droid-agent/pkg/logger"
)

// timestampLayout names report directories and remote recordings.
const timestampLayout = "20060102_150405"

// flagSource is the part of *cli.Context the flag overrides read.
type flagSource interface {
	IsSet(name string) bool
	String(name string) string
	Int(name string) int
	Float64(name string) float64
	Bool(name string) bool
}

// loadSettings merges config.yaml, the environment and the command flags.
func loadSettings(c flagSource) (config.Settings, error) {
	cfg, err := config.Discover(c.String("config"))
	if err != nil {
		return config.Settings{}, err
	}
	st, err := cfg.Resolve(os.LookupEnv)
	if err != nil {
		return st, err
	}
	return applyFlags(st, c)
}

// applyFlags overrides st with every flag set on the command line.
func applyFlags(st config.Settings, c flagSource) (config.Settings, error) {
	if c.IsSet("device") {
		st.Device = c.String("device")
	}
	if c.IsSet("provider") {
		st.Provider = strings.ToLower(c.String("provider"))
	}
	if c.IsSet("model") {
		st.Model = c.String("model")
	}
	if c.IsSet("max-steps") {
		n := c.Int("max-steps")
		if n <= 0 {
			return st, core.ErrInvalidSpec.WithMessage(fmt.Sprintf("--max-steps must be positive, got %d", n))
		}
		st.MaxSteps = n
	}
	if c.IsSet("settle-delay") {
		f := c.Float64("settle-delay")
		if f < 0 {
			return st, core.ErrInvalidSpec.WithMessage(fmt.Sprintf("--settle-delay must not be negative, got %g", f))
		}
		st.SettleDelay = time.Duration(f * float64(time.Second))
	}
	if c.IsSet("output") {
		st.ReportsDir = c.String("output")
	}
	if c.IsSet("avd") {
		st.AVD = c.String("avd")
	}
	if c.IsSet("wipe-data") {
		st.WipeData = c.Bool("wipe-data")
	}
	if c.IsSet("partition-size") {
		st.PartitionSizeMB = c.Int("partition-size")
		st.RecoveryPartitionMB = st.PartitionSizeMB
	}
	return st, nil
}

// reportDirName builds <root>/<prefix><ts>_<pkg>.
func reportDirName(root, prefix string, now time.Time, pkg string) string {
	name := prefix + now.Format(timestampLayout)
	if pkg != "" {
		name += "_" + sanitize(pkg)
	}
	return filepath.Join(root, name)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, s)
}

// newManager returns an emulator manager honouring the configured boot
// timeout.
func newManager(st config.Settings) *emulator.Manager {
	mgr := emulator.NewManager()
	if st.BootTimeout > 0 {
		mgr.BootTimeout = st.BootTimeout
	}
	return mgr
}

// startOptions are the emulator flags for a regular start.
func startOptions(st config.Settings) emulator.StartOptions {
	return emulator.StartOptions{
		WipeData:        st.WipeData,
		PartitionSizeMB: st.PartitionSizeMB,
		NoWindow:        os.Getenv("DISPLAY") == "" && os.Getenv("WAYLAND_DISPLAY") == "" && runtime.GOOS == "linux",
	}
}

// acquireDevice connects to --device, or reuses or boots an emulator.
func acquireDevice(mgr *emulator.Manager, st config.Settings) (*device.AndroidDevice, error) {
	serial := st.Device
	if serial == "" {
		printSetupStep("Ensuring emulator is ready...")
		var err error
		serial, err = mgr.EnsureReady(st.AVD, startOptions(st))
		if err != nil {
			return nil, fmt.Errorf("emulator not ready: %w", err)
		}
	}
	dev, err := device.New(serial)
	if err != nil {
		return nil, err
	}
	printSetupSuccess("Device: %s", serial)
	logger.Info("using device %s", serial)
	return dev, nil
}

// restarter enables the low-storage recovery on emulators. It restarts
// the emulator with wiped data and the given partition size.
func restarter(mgr *emulator.Manager, dev *device.AndroidDevice, st config.Settings) app.Restarter {
	if !emulator.IsEmulator(dev.Serial()) {
		return nil
	}
	serial := dev.Serial()
	return func(partitionSizeMB int) (core.Device, error) {
		if !mgr.IsStartedByUs(serial) {
			logger.Warn("restarting emulator %s that was running before droid-agent", serial)
		}
		opts := startOptions(st)
		opts.WipeData = true
		opts.PartitionSizeMB = partitionSizeMB
		next, err := mgr.Restart(serial, st.AVD, opts)
		if err != nil {
			return nil, err
		}
		serial = next
		d, err := device.New(next)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

// releaseEmulators shuts down the emulators this process booted.
func releaseEmulators(mgr *emulator.Manager) {
	started := mgr.GetStartedEmulators()
	if len(started) == 0 {
		return
	}
	printSetupStep("Shutting down %d emulator(s) started by this run...", len(started))
	if err := mgr.ShutdownAll(); err != nil {
		printWarning("emulator shutdown: %v", err)
	}
}
