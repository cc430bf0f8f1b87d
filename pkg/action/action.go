// Package action holds the canonical UI action the agent executes, the
// normalizers that build it from backend payloads, and its executor.
package action

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/devicelab-dev/droid-agent/pkg/core"
)

// Type is the canonical action kind.
type Type string

const (
	Click       Type = "click"
	DoubleClick Type = "double_click"
	Drag        Type = "drag"
	Scroll      Type = "scroll"
	TypeText    Type = "type"
	Key         Type = "key"
	Wait        Type = "wait"
	Screenshot  Type = "screenshot"
)

// Defaults applied at execution time.
const (
	DefaultSwipeMs     = 300
	DefaultWaitSeconds = 1.0
	DoubleClickGap     = 100 * time.Millisecond
)

// Point is one vertex of a drag path.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Action is the backend-agnostic representation of one UI operation.
// Geometry is optional so missing fields stay distinguishable from zero.
type Action struct {
	Type       Type    `json:"type"`
	X          *int    `json:"x,omitempty"`
	Y          *int    `json:"y,omitempty"`
	X2         *int    `json:"x2,omitempty"`
	Y2         *int    `json:"y2,omitempty"`
	DX         *int    `json:"dx,omitempty"`
	DY         *int    `json:"dy,omitempty"`
	Text       string  `json:"text,omitempty"`
	Key        string  `json:"key,omitempty"`
	DurationMs int     `json:"duration_ms,omitempty"`
	Seconds    float64 `json:"seconds,omitempty"`
	Path       []Point `json:"path,omitempty"`
}

// Result is the textual outcome of running an action. Normalization
// problems are results, not Go errors, so the loop can log and continue.
type Result string

const ResultSuccess Result = "success"

// IsError reports whether r describes a rejected action.
func (r Result) IsError() bool {
	return len(r) >= 6 && r[:6] == "error:"
}

// Validation results.
const (
	ErrMissingCoordinates     Result = "error: missing coordinates"
	ErrMissingDragCoordinates Result = "error: missing drag coordinates"
	ErrMissingScrollParams    Result = "error: missing scroll parameters"
	ErrMissingKey             Result = "error: missing key"
)

// Int returns a pointer to v, for building actions in code.
func Int(v int) *int { return &v }

// At returns the click point when both coordinates are set.
func (a Action) At() (x, y int, ok bool) {
	if a.X == nil || a.Y == nil {
		return 0, 0, false
	}
	return *a.X, *a.Y, true
}

// IsPointAnchored reports whether the action is worth a marker screenshot.
func (a Action) IsPointAnchored() bool {
	if a.Type != Click && a.Type != DoubleClick {
		return false
	}
	_, _, ok := a.At()
	return ok
}

// Validate returns an error result when required geometry is missing or the
// type is unknown, and "" when the action can run.
func (a Action) Validate() Result {
	switch a.Type {
	case Click, DoubleClick:
		if a.X == nil || a.Y == nil {
			return ErrMissingCoordinates
		}
	case Drag:
		if a.X == nil || a.Y == nil || a.X2 == nil || a.Y2 == nil {
			return ErrMissingDragCoordinates
		}
	case Scroll:
		if a.X == nil || a.Y == nil || a.DX == nil || a.DY == nil {
			return ErrMissingScrollParams
		}
	case Key:
		if a.Key == "" {
			return ErrMissingKey
		}
	case TypeText, Wait, Screenshot:
	default:
		return Result(fmt.Sprintf("error: unsupported action type %q", a.Type))
	}
	return ""
}

// Signature is a canonical serialization used to detect repeated actions.
// Struct fields marshal in declaration order, so equal actions always
// produce equal signatures.
func (a Action) Signature() string {
	data, err := json.Marshal(a)
	if err != nil {
		return string(a.Type)
	}
	return string(data)
}

// String is a compact human-readable form for logs.
func (a Action) String() string {
	switch a.Type {
	case Click, DoubleClick:
		if x, y, ok := a.At(); ok {
			return fmt.Sprintf("%s(%d,%d)", a.Type, x, y)
		}
	case Drag:
		if a.Validate() == "" {
			return fmt.Sprintf("drag(%d,%d -> %d,%d)", *a.X, *a.Y, *a.X2, *a.Y2)
		}
	case Scroll:
		if a.Validate() == "" {
			return fmt.Sprintf("scroll(%d,%d by %d,%d)", *a.X, *a.Y, *a.DX, *a.DY)
		}
	case TypeText:
		return fmt.Sprintf("type(%q)", a.Text)
	case Key:
		return fmt.Sprintf("key(%s)", a.Key)
	}
	return string(a.Type)
}

// Execute runs a on dev. Invalid actions return their error result without
// touching the device; device failures are returned as errors.
func Execute(dev core.Device, a Action) (Result, error) {
	if r := a.Validate(); r != "" {
		return r, nil
	}

	var err error
	switch a.Type {
	case Click:
		err = dev.Tap(*a.X, *a.Y)
	case DoubleClick:
		if err = dev.Tap(*a.X, *a.Y); err == nil {
			dev.Wait(DoubleClickGap)
			err = dev.Tap(*a.X, *a.Y)
		}
	case Drag:
		err = dev.Swipe(*a.X, *a.Y, *a.X2, *a.Y2, durationOr(a.DurationMs))
	case Scroll:
		err = dev.Swipe(*a.X, *a.Y, *a.X+*a.DX, *a.Y+*a.DY, durationOr(a.DurationMs))
	case TypeText:
		err = dev.InputText(a.Text)
	case Key:
		err = dev.KeyEvent(KeyCode(a.Key))
	case Wait:
		secs := a.Seconds
		if secs <= 0 {
			secs = DefaultWaitSeconds
		}
		dev.Wait(time.Duration(secs * float64(time.Second)))
	case Screenshot:
		// observe only; the loop captures a fresh screenshot every turn
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", a, err)
	}
	return ResultSuccess, nil
}

func durationOr(ms int) int {
	if ms <= 0 {
		return DefaultSwipeMs
	}
	return ms
}
