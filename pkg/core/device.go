package core

import (
	"fmt"
	"image/color"
	"time"
)

// Device is the control surface the agent loop and the step runner use.
// Every call is synchronous. Errors are returned, never swallowed here;
// best-effort callers decide to ignore them.
type Device interface {
	Serial() string

	// Input
	Tap(x, y int) error
	Swipe(x1, y1, x2, y2, durationMs int) error
	InputText(text string) error
	KeyEvent(code string) error
	Back() error
	Home() error
	Wait(d time.Duration)

	// Capture
	Screenshot() ([]byte, error)
	ScreenshotToFile(path string) error
	ScreenshotWithMarker(path string, x, y int, c color.Color) error

	// Screen geometry
	Resolution() (width, height int, err error)
	RotationDegrees() (int, error)
	DisplaySize() (width, height int, err error)

	// App lifecycle
	Install(apkPath string) error
	Uninstall(pkg string) error
	LaunchApp(pkg, activity string) error
	StopApp(pkg string) error
	IsInstalled(pkg string) (bool, error)
}

// Android key codes used by the runner.
const (
	KeyCodeHome  = "3"
	KeyCodeBack  = "4"
	KeyCodeEnter = "66"
)

// MarkerColor is the default click marker colour.
var MarkerColor = color.RGBA{R: 0xFF, A: 0xFF}

// ScreenInfo captures physical size and rotation at one point in time.
type ScreenInfo struct {
	PhysicalWidth  int
	PhysicalHeight int
	Rotation       int // 0, 90, 180 or 270
}

// Canvas returns orientation-aware dimensions: 90 and 270 swap width and height.
func (s ScreenInfo) Canvas() (width, height int) {
	if s.Rotation == 90 || s.Rotation == 270 {
		return s.PhysicalHeight, s.PhysicalWidth
	}
	return s.PhysicalWidth, s.PhysicalHeight
}

// Physical formats the physical size as WxH.
func (s ScreenInfo) Physical() string {
	return fmt.Sprintf("%dx%d", s.PhysicalWidth, s.PhysicalHeight)
}

// CanvasString formats the canvas size as WxH.
func (s ScreenInfo) CanvasString() string {
	w, h := s.Canvas()
	return fmt.Sprintf("%dx%d", w, h)
}

// ReadScreenInfo queries resolution and rotation from the device.
func ReadScreenInfo(d Device) (ScreenInfo, error) {
	w, h, err := d.Resolution()
	if err != nil {
		return ScreenInfo{}, err
	}
	rot, err := d.RotationDegrees()
	if err != nil {
		return ScreenInfo{}, err
	}
	return ScreenInfo{PhysicalWidth: w, PhysicalHeight: h, Rotation: rot}, nil
}
