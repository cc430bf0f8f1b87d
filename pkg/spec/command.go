package spec

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/devicelab-dev/droid-agent/pkg/core"
)

// Deterministic command names.
const (
	CmdWait       = "wait"
	CmdTap        = "tap"
	CmdSwipe      = "swipe"
	CmdInputText  = "input_text"
	CmdKeyEvent   = "keyevent"
	CmdBack       = "back"
	CmdHome       = "home"
	CmdScreenshot = "screenshot"
	CmdLaunch     = "launch"
	CmdStop       = "stop"
)

// requiredArgs lists, per command, the fields that must be present.
var requiredArgs = map[string][]string{
	CmdWait:       nil,
	CmdTap:        {"x", "y"},
	CmdSwipe:      {"x1", "y1", "x2", "y2"},
	CmdInputText:  {"text"},
	CmdKeyEvent:   nil,
	CmdBack:       nil,
	CmdHome:       nil,
	CmdScreenshot: {"path"},
	CmdLaunch:     nil,
	CmdStop:       nil,
}

// Command is one deterministic step: a name plus its loosely typed fields.
type Command struct {
	Cmd  string
	Args map[string]interface{}
}

// NewCommand builds a Command from a decoded step object.
func NewCommand(m map[string]interface{}) Command {
	args := make(map[string]interface{}, len(m))
	for k, v := range m {
		if k != "cmd" {
			args[k] = v
		}
	}
	name := ""
	if v, ok := m["cmd"]; ok && v != nil {
		name = strings.TrimSpace(fmt.Sprint(v))
	}
	return Command{Cmd: name, Args: args}
}

// Validate checks the command name and required fields.
func (c Command) Validate() error {
	required, ok := requiredArgs[c.Cmd]
	if !ok {
		return core.ErrUnknownCommand.WithMessage(fmt.Sprintf("Unknown command: %q", c.Cmd))
	}
	for _, key := range required {
		if _, present := c.Args[key]; !present {
			return core.ErrMissingRequired.WithMessage(fmt.Sprintf("%s: missing %q", c.Cmd, key))
		}
	}
	for _, key := range []string{"x", "y", "x1", "y1", "x2", "y2", "duration_ms"} {
		if _, present := c.Args[key]; present {
			if _, err := c.Int(key); err != nil {
				return core.ErrInvalidSpec.WithMessage(fmt.Sprintf("%s: %v", c.Cmd, err))
			}
		}
	}
	if c.Cmd == CmdKeyEvent && c.KeyCode() == "" {
		return core.ErrMissingRequired.WithMessage("keyevent: missing \"code\" or \"name\"")
	}
	return nil
}

// Int returns an integer field. Floats are truncated, numeric strings parsed.
func (c Command) Int(key string) (int, error) {
	v, ok := c.Args[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("missing %q", key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("%q is not an integer: %q", key, n)
		}
		return i, nil
	}
	return 0, fmt.Errorf("%q is not an integer: %v", key, v)
}

// IntOr returns an integer field or def when absent or malformed.
func (c Command) IntOr(key string, def int) int {
	if i, err := c.Int(key); err == nil {
		return i
	}
	return def
}

// FloatOr returns a numeric field or def when absent or malformed.
func (c Command) FloatOr(key string, def float64) float64 {
	switch n := c.Args[key].(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		if !math.IsNaN(n) {
			return n
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f
		}
	}
	return def
}

// String returns a field formatted as text, "" when absent.
func (c Command) String(key string) string {
	v, ok := c.Args[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// KeyCode returns the "code" field, falling back to "name".
func (c Command) KeyCode() string {
	if code := c.String("code"); code != "" {
		return code
	}
	return c.String("name")
}
