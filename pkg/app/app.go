// Package app installs, launches and removes the app under test.
package app

import (
	"errors"
	"fmt"

	"github.com/devicelab-dev/droid-agent/pkg/core"
	"github.com/devicelab-dev/droid-agent/pkg/logger"
	"github.com/devicelab-dev/droid-agent/pkg/spec"
)

// Restarter reboots the emulator with wiped data and the given partition
// size, returning the device to continue on.
type Restarter func(partitionSizeMB int) (core.Device, error)

// Lifecycle prepares and tears down one app on one device.
type Lifecycle struct {
	// Printf receives the human-readable progress lines.
	Printf func(format string, args ...interface{})
	// Restart enables the low-storage recovery; nil disables it.
	Restart Restarter
	// PartitionSizeMB is used for the recovery restart (clamped by the emulator package).
	PartitionSizeMB int
}

func (l *Lifecycle) printf(format string, args ...interface{}) {
	logger.Info(format, args...)
	if l.Printf != nil {
		l.Printf(format, args...)
	}
}

// Prepare installs the APK (unless skipped), force-stops and launches the
// app. It returns the device to use afterwards, which differs from dev only
// when the low-storage recovery restarted the emulator.
func (l *Lifecycle) Prepare(dev core.Device, s *spec.TestSpec) (core.Device, error) {
	pkg := s.Package
	if s.Install.SkipInstall {
		l.printf("Skipping APK installation (skip_install/skip_stall=true). Assuming it is already on device.")
		installed, err := dev.IsInstalled(pkg)
		if err != nil {
			return dev, err
		}
		if !installed {
			return dev, core.ErrAppNotInstalled.
				WithMessage(fmt.Sprintf("Package not installed on device: %s (skip_install/skip_stall=true)", pkg))
		}
	} else {
		apk, err := s.APKPath()
		if err != nil {
			return dev, err
		}
		installed, err := dev.IsInstalled(pkg)
		if err != nil {
			return dev, err
		}
		if installed {
			l.printf("Package already installed, uninstalling: %s", pkg)
			if err := dev.Uninstall(pkg); err != nil {
				return dev, err
			}
		}
		l.printf("Installing APK: %s", apk)
		if dev, err = l.install(dev, apk); err != nil {
			return dev, err
		}
	}

	l.printf("Force-stopping app before launch: %s", pkg)
	if err := dev.StopApp(pkg); err != nil {
		logger.Warn("force-stop %s: %v", pkg, err)
	}
	if err := dev.LaunchApp(pkg, s.Activity); err != nil {
		return dev, err
	}
	return dev, nil
}

// install retries once after a wipe-data restart when the device reports
// insufficient storage.
func (l *Lifecycle) install(dev core.Device, apk string) (core.Device, error) {
	err := dev.Install(apk)
	if err == nil {
		return dev, nil
	}
	if !errors.Is(err, core.ErrInsufficientStorage) || l.Restart == nil {
		return dev, wrapInstall(err)
	}

	l.printf("Install failed due to low space. Restarting emulator with wipe-data and larger partition, then retrying...")
	restarted, rerr := l.Restart(l.PartitionSizeMB)
	if rerr != nil {
		return dev, core.ErrInsufficientStorage.WithMessage("emulator restart after low-space install failure").WithCause(rerr)
	}
	if err := restarted.Install(apk); err != nil {
		return restarted, core.ErrInstallFailed.WithMessage("Failed to install APK after recovery").WithCause(err)
	}
	return restarted, nil
}

func wrapInstall(err error) error {
	var execErr *core.ExecutionError
	if errors.As(err, &execErr) && execErr.Category == core.ErrCategoryApp {
		return err
	}
	return core.ErrInstallFailed.WithCause(err)
}

// Teardown uninstalls the app when the spec asks for it. Failures are
// logged only.
func (l *Lifecycle) Teardown(dev core.Device, s *spec.TestSpec) {
	if !s.Install.UninstallAfter {
		l.printf("Keeping app installed (uninstall_after=false).")
		return
	}
	l.printf("Uninstalling APK: %s", s.Package)
	if err := dev.Uninstall(s.Package); err != nil {
		logger.Warn("uninstall %s: %v", s.Package, err)
	}
}
