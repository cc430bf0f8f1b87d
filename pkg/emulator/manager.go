package emulator

import (
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/devicelab-dev/droid-agent/pkg/device"
	"github.com/devicelab-dev/droid-agent/pkg/logger"
)

const (
	startingPort     = 5554 // First emulator port
	maxRetryAttempts = 3    // Start attempts per AVD
)

// Hooks for tests.
var (
	findRunning = device.PreferredEmulator
	listAVDs    = ListAVDs
	startFn     = StartEmulator
	shutdownFn  = ShutdownEmulator
)

// NewManager creates a new emulator manager
func NewManager() *Manager {
	return &Manager{
		portMap: make(map[string]int),
	}
}

func (m *Manager) bootTimeout() time.Duration {
	if m.BootTimeout > 0 {
		return m.BootTimeout
	}
	return DefaultBootTimeout
}

// EnsureReady returns the serial of a booted emulator. A running emulator
// is reused (preferring avd, then ai_device); otherwise the matching AVD is
// started and tracked.
func (m *Manager) EnsureReady(avd string, opts StartOptions) (string, error) {
	serial, err := findRunning(avd)
	if err != nil {
		return "", err
	}
	if serial != "" {
		logger.Info("An emulator is already running: %s", serial)
		return serial, nil
	}
	return m.startPreferred(avd, opts)
}

// Restart stops the emulator behind serial and boots the same AVD again
// with opts. It backs the low-storage install recovery.
func (m *Manager) Restart(serial, avd string, opts StartOptions) (string, error) {
	if serial != "" {
		if err := shutdownFn(serial, time.Minute); err != nil {
			logger.Warn("emulator did not shut down cleanly: %v", err)
		}
		m.started.Delete(serial)
	}
	return m.startPreferred(avd, opts)
}

func (m *Manager) startPreferred(avd string, opts StartOptions) (string, error) {
	avds, err := listAVDs()
	if err != nil {
		return "", err
	}
	target, ok := PickAVD(avds, avd)
	if !ok {
		return "", fmt.Errorf("no AVDs available; run `droid-agent start-device --create` to create %s", PreferredAVD)
	}
	logger.Info("Starting emulator: %s (wipe_data=%v, partition_size_mb=%d)", target, opts.WipeData, ClampPartitionSize(opts.PartitionSizeMB))
	return m.Start(target, opts)
}

// Start starts an emulator and tracks it
func (m *Manager) Start(avdName string, opts StartOptions) (string, error) {
	return m.StartWithRetry(avdName, opts, maxRetryAttempts)
}

// StartWithRetry starts an emulator, moving to the next console port when a
// start fails.
func (m *Manager) StartWithRetry(avdName string, opts StartOptions, maxAttempts int) (string, error) {
	port := m.AllocatePort(avdName)
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		logger.Info("Starting emulator attempt %d/%d: %s (port %d)", attempt, maxAttempts, avdName, port)

		bootStart := time.Now()
		serial, cmd, err := startFn(avdName, port, opts, m.bootTimeout())
		if err == nil {
			m.started.Store(serial, &EmulatorInstance{
				AVDName:      avdName,
				Serial:       serial,
				ConsolePort:  port,
				ADBPort:      port + 1,
				Process:      cmd,
				StartedBy:    "droid-agent",
				Options:      opts,
				BootStart:    bootStart,
				BootDuration: time.Since(bootStart),
			})
			m.mu.Lock()
			m.portMap[avdName] = port
			m.mu.Unlock()
			logger.Info("Emulator started and tracked: %s", serial)
			return serial, nil
		}

		lastErr = err
		logger.Warn("Emulator start failed: %v", err)
		port = m.getNextPort(port)
	}
	return "", fmt.Errorf("failed to start emulator after %d attempts: %w", maxAttempts, lastErr)
}

// AllocatePort returns the port for an AVD (from mapping or next available)
func (m *Manager) AllocatePort(avdName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if port, exists := m.portMap[avdName]; exists {
		logger.Debug("Reusing port %d for AVD %s", port, avdName)
		return port
	}

	nextPort := startingPort
	for _, port := range m.portMap {
		if port >= nextPort {
			nextPort = port + 2 // console ports are even
		}
	}
	m.portMap[avdName] = nextPort
	logger.Debug("Allocated new port %d for AVD %s", nextPort, avdName)
	return nextPort
}

// getNextPort returns the next emulator port (increment by 2)
func (m *Manager) getNextPort(currentPort int) int {
	return currentPort + 2
}

// Shutdown shuts down an emulator if we started it
func (m *Manager) Shutdown(serial string) error {
	if _, exists := m.started.Load(serial); !exists {
		logger.Debug("Emulator %s not started by us, skipping shutdown", serial)
		return nil
	}
	if err := shutdownFn(serial, 30*time.Second); err != nil {
		logger.Error("Failed to shutdown emulator %s: %v", serial, err)
		return err
	}
	m.started.Delete(serial)
	return nil
}

// ShutdownAll shuts down all emulators started by us, in parallel.
func (m *Manager) ShutdownAll() error {
	serials := m.GetStartedEmulators()
	if len(serials) == 0 {
		return nil
	}
	logger.Info("Shutting down %d tracked emulators", len(serials))

	var g errgroup.Group
	for _, serial := range serials {
		g.Go(func() error { return m.Shutdown(serial) })
	}
	return g.Wait()
}

// IsStartedByUs checks if we started this emulator
func (m *Manager) IsStartedByUs(serial string) bool {
	_, exists := m.started.Load(serial)
	return exists
}

// GetStartedEmulators returns list of all emulators we started
func (m *Manager) GetStartedEmulators() []string {
	var serials []string
	m.started.Range(func(key, _ interface{}) bool {
		serials = append(serials, key.(string))
		return true
	})
	return serials
}
