package action

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ScrollStep is the pixel distance of one scroll unit.
const ScrollStep = 100

// FromOpenAI normalizes a computer_call action object. Its vocabulary is
// already canonical apart from a few aliases.
func FromOpenAI(raw map[string]any) Action {
	a := Action{
		Type:       Type(str(raw["type"])),
		X:          intPtr(raw["x"]),
		Y:          intPtr(raw["y"]),
		X2:         intPtr(raw["x2"]),
		Y2:         intPtr(raw["y2"]),
		DX:         firstInt(raw["dx"], raw["scroll_x"]),
		DY:         firstInt(raw["dy"], raw["scroll_y"]),
		Text:       str(raw["text"]),
		Key:        firstStr(raw["key"], raw["code"]),
		DurationMs: intOr(raw["duration_ms"], 0),
		Seconds:    floatOr(raw["seconds"], 0),
		Path:       points(raw["path"]),
	}

	switch a.Type {
	case Drag:
		if (a.X2 == nil || a.Y2 == nil) && len(a.Path) >= 2 {
			start, end := a.Path[0], a.Path[len(a.Path)-1]
			a.X, a.Y = Int(start.X), Int(start.Y)
			a.X2, a.Y2 = Int(end.X), Int(end.Y)
		}
	case "keypress":
		a.Type = Key
		if keys := strSlice(raw["keys"]); len(keys) > 0 {
			a.Key = keys[len(keys)-1]
		}
	case "move":
		a = Action{Type: Screenshot}
	}
	return a
}

// FromClaude normalizes a computer tool_use input.
func FromClaude(input map[string]any) Action {
	x, y := coordinate(input["coordinate"])

	switch str(input["action"]) {
	case "left_click", "right_click", "middle_click":
		return Action{Type: Click, X: x, Y: y}
	case "double_click", "triple_click":
		return Action{Type: DoubleClick, X: x, Y: y}
	case "type":
		return Action{Type: TypeText, Text: str(input["text"])}
	case "key":
		return Action{Type: Key, Key: str(input["text"])}
	case "scroll":
		dir := str(input["scroll_direction"])
		if dir == "" {
			dir = "down"
		}
		delta := intOr(input["scroll_amount"], 3) * ScrollStep
		dx, dy := 0, 0
		switch dir {
		case "down":
			dy = delta
		case "up":
			dy = -delta
		case "right":
			dx = delta
		case "left":
			dx = -delta
		}
		return Action{Type: Scroll, X: x, Y: y, DX: Int(dx), DY: Int(dy)}
	case "left_click_drag":
		// Without start_coordinate the start point is unknown; leave it
		// unset so validation rejects the drag.
		sx, sy := coordinate(input["start_coordinate"])
		return Action{Type: Drag, X: sx, Y: sy, X2: x, Y2: y}
	case "wait":
		return Action{Type: Wait, Seconds: floatOr(input["duration"], 0)}
	case "screenshot":
		return Action{Type: Screenshot}
	default:
		// mouse_move, cursor_position and anything unknown only observe
		return Action{Type: Screenshot}
	}
}

func coordinate(v any) (*int, *int) {
	items, ok := v.([]any)
	if !ok || len(items) < 2 {
		return nil, nil
	}
	return intPtr(items[0]), intPtr(items[1])
}

func points(v any) []Point {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []Point
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		x, y := intPtr(m["x"]), intPtr(m["y"])
		if x == nil || y == nil {
			continue
		}
		out = append(out, Point{X: *x, Y: *y})
	}
	return out
}

func intPtr(v any) *int {
	f, ok := number(v)
	if !ok {
		return nil
	}
	i := int(math.Round(f))
	return &i
}

func intOr(v any, def int) int {
	if p := intPtr(v); p != nil {
		return *p
	}
	return def
}

func floatOr(v any, def float64) float64 {
	if f, ok := number(v); ok {
		return f
	}
	return def
}

func firstInt(vals ...any) *int {
	for _, v := range vals {
		if p := intPtr(v); p != nil {
			return p
		}
	}
	return nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func str(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return ""
}

func firstStr(vals ...any) string {
	for _, v := range vals {
		if s := str(v); s != "" {
			return s
		}
	}
	return ""
}

func strSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s := str(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}
