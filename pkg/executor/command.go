package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/devicelab-dev/droid-agent/pkg/core"
	"github.com/devicelab-dev/droid-agent/pkg/spec"
)

// Defaults for optional command fields.
const (
	DefaultWaitSeconds   = 1.0
	DefaultSwipeDuration = 300
)

// ExecuteCommand runs one deterministic command against the device.
// defaultPkg is used by launch and stop when the command names no package.
func ExecuteCommand(dev core.Device, cmd spec.Command, defaultPkg string) error {
	switch cmd.Cmd {
	case "":
		return nil

	case spec.CmdWait:
		secs := cmd.FloatOr("seconds", DefaultWaitSeconds)
		dev.Wait(time.Duration(secs * float64(time.Second)))
		return nil

	case spec.CmdTap:
		x, y, err := point(cmd, "x", "y")
		if err != nil {
			return err
		}
		return dev.Tap(x, y)

	case spec.CmdSwipe:
		x1, y1, err := point(cmd, "x1", "y1")
		if err != nil {
			return err
		}
		x2, y2, err := point(cmd, "x2", "y2")
		if err != nil {
			return err
		}
		return dev.Swipe(x1, y1, x2, y2, cmd.IntOr("duration_ms", DefaultSwipeDuration))

	case spec.CmdInputText:
		return dev.InputText(cmd.String("text"))

	case spec.CmdKeyEvent:
		code := cmd.KeyCode()
		if code == "" {
			return core.ErrMissingRequired.WithMessage("keyevent: missing \"code\" or \"name\"")
		}
		return dev.KeyEvent(code)

	case spec.CmdBack:
		return dev.Back()

	case spec.CmdHome:
		return dev.Home()

	case spec.CmdScreenshot:
		path := cmd.String("path")
		if path == "" {
			return core.ErrMissingRequired.WithMessage("screenshot: missing \"path\"")
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("screenshot: %w", err)
			}
		}
		return dev.ScreenshotToFile(path)

	case spec.CmdLaunch:
		return dev.LaunchApp(pkgOr(cmd, defaultPkg), cmd.String("activity"))

	case spec.CmdStop:
		return dev.StopApp(pkgOr(cmd, defaultPkg))
	}

	return core.ErrUnknownCommand.WithMessage(fmt.Sprintf("Unknown command: %s", cmd.Cmd))
}

func point(cmd spec.Command, xKey, yKey string) (int, int, error) {
	x, err := cmd.Int(xKey)
	if err != nil {
		return 0, 0, core.ErrMissingRequired.WithMessage(fmt.Sprintf("%s: %v", cmd.Cmd, err))
	}
	y, err := cmd.Int(yKey)
	if err != nil {
		return 0, 0, core.ErrMissingRequired.WithMessage(fmt.Sprintf("%s: %v", cmd.Cmd, err))
	}
	return x, y, nil
}

func pkgOr(cmd spec.Command, def string) string {
	if p := cmd.String("package"); p != "" {
		return p
	}
	return def
}
