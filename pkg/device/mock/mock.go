// Package mock provides a mock device for testing without a real emulator.
package mock

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/devicelab-dev/droid-agent/pkg/core"
)

// Device is a mock implementation of core.Device. It records every call
// and never sleeps.
type Device struct {
	// Configuration
	Config Config

	mu        sync.Mutex
	calls     []string
	waited    time.Duration
	installed map[string]bool
	installs  int
}

// Config configures mock device behavior.
type Config struct {
	Serial   string
	Width    int
	Height   int
	Rotation int
	// Display override; zero means not available.
	DisplayWidth  int
	DisplayHeight int
	// FailOn makes the named operation ("tap", "screenshot", ...) return an error.
	FailOn map[string]error
	// InstallErrors are returned by successive Install calls, then nil.
	InstallErrors []error
	// Installed packages at start.
	Installed []string
}

var _ core.Device = (*Device)(nil)

// New creates a new mock device.
func New(cfg Config) *Device {
	if cfg.Serial == "" {
		cfg.Serial = "emulator-5554"
	}
	if cfg.Width == 0 {
		cfg.Width = 1080
	}
	if cfg.Height == 0 {
		cfg.Height = 2400
	}
	d := &Device{Config: cfg, installed: make(map[string]bool)}
	for _, p := range cfg.Installed {
		d.installed[p] = true
	}
	return d
}

// Calls returns the recorded operations in order, e.g. "tap 10 20".
func (d *Device) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	copy(out, d.calls)
	return out
}

// CallsWithPrefix returns recorded calls starting with prefix.
func (d *Device) CallsWithPrefix(prefix string) []string {
	var out []string
	for _, c := range d.Calls() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Waited returns the total duration passed to Wait.
func (d *Device) Waited() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waited
}

func (d *Device) record(op string, format string, args ...interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	call := op
	if format != "" {
		call += " " + fmt.Sprintf(format, args...)
	}
	d.calls = append(d.calls, call)
	if err, ok := d.Config.FailOn[op]; ok {
		return err
	}
	return nil
}

// Serial returns the configured serial.
func (d *Device) Serial() string { return d.Config.Serial }

func (d *Device) Tap(x, y int) error { return d.record("tap", "%d %d", x, y) }

func (d *Device) Swipe(x1, y1, x2, y2, durationMs int) error {
	return d.record("swipe", "%d %d %d %d %d", x1, y1, x2, y2, durationMs)
}

func (d *Device) InputText(text string) error { return d.record("text", "%s", text) }

func (d *Device) KeyEvent(code string) error { return d.record("key", "%s", code) }

func (d *Device) Back() error { return d.KeyEvent(core.KeyCodeBack) }

func (d *Device) Home() error { return d.KeyEvent(core.KeyCodeHome) }

// Wait records the duration without sleeping.
func (d *Device) Wait(dur time.Duration) {
	d.mu.Lock()
	d.waited += dur
	d.mu.Unlock()
	_ = d.record("wait", "%s", dur)
}

// Screenshot returns a PNG of the configured size.
func (d *Device) Screenshot() ([]byte, error) {
	if err := d.record("screenshot", ""); err != nil {
		return nil, err
	}
	return PNG(d.Config.Width/100+1, d.Config.Height/100+1), nil
}

func (d *Device) ScreenshotToFile(path string) error {
	data, err := d.Screenshot()
	if err != nil {
		return err
	}
	return writeFile(path, data)
}

func (d *Device) ScreenshotWithMarker(path string, x, y int, _ color.Color) error {
	if err := d.record("marker", "%d %d", x, y); err != nil {
		return err
	}
	return d.ScreenshotToFile(path)
}

// failure returns the FailOn error for op without recording a call.
// Geometry queries run every turn and would flood the call log.
func (d *Device) failure(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Config.FailOn[op]
}

func (d *Device) Resolution() (int, int, error) {
	if err := d.failure("resolution"); err != nil {
		return 0, 0, err
	}
	return d.Config.Width, d.Config.Height, nil
}

func (d *Device) RotationDegrees() (int, error) {
	if err := d.failure("rotation"); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Config.Rotation, nil
}

func (d *Device) DisplaySize() (int, int, error) {
	if err := d.failure("display"); err != nil {
		return 0, 0, err
	}
	if d.Config.DisplayWidth == 0 || d.Config.DisplayHeight == 0 {
		return 0, 0, fmt.Errorf("mock: no display override")
	}
	return d.Config.DisplayWidth, d.Config.DisplayHeight, nil
}

// Install pops the next scripted install error. Success marks nothing as
// installed since the package name is unknown here.
func (d *Device) Install(apkPath string) error {
	if err := d.record("install", "%s", apkPath); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.installs
	d.installs++
	if idx < len(d.Config.InstallErrors) {
		return d.Config.InstallErrors[idx]
	}
	return nil
}

func (d *Device) Uninstall(pkg string) error {
	if err := d.record("uninstall", "%s", pkg); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.installed, pkg)
	d.mu.Unlock()
	return nil
}

func (d *Device) LaunchApp(pkg, activity string) error {
	return d.record("launch", "%s %s", pkg, activity)
}

func (d *Device) StopApp(pkg string) error { return d.record("stop", "%s", pkg) }

func (d *Device) IsInstalled(pkg string) (bool, error) {
	if err := d.record("is-installed", "%s", pkg); err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.installed[pkg], nil
}

// PNG returns a solid grey PNG of the given size.
func PNG(w, h int) []byte {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
