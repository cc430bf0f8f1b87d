package action

import (
	"strconv"
	"strings"
)

// Android keycodes for the names models commonly emit.
var keyCodes = map[string]string{
	"enter":      "66",
	"return":     "66",
	"kp_enter":   "66",
	"backspace":  "67",
	"delete":     "112",
	"del":        "112",
	"home":       "3",
	"back":       "4",
	"escape":     "4",
	"esc":        "4",
	"tab":        "61",
	"space":      "62",
	"up":         "19",
	"arrowup":    "19",
	"down":       "20",
	"arrowdown":  "20",
	"left":       "21",
	"arrowleft":  "21",
	"right":      "22",
	"arrowright": "22",
	"pageup":     "92",
	"page_up":    "92",
	"pagedown":   "93",
	"page_down":  "93",
	"menu":       "82",
	"search":     "84",
	"power":      "26",
	"volumeup":   "24",
	"volumedown": "25",
}

// KeyCode maps a key name to an Android keycode. Numeric codes and
// KEYCODE_* names pass through; for combos like "ctrl+a" the last key wins.
func KeyCode(key string) string {
	key = strings.TrimSpace(key)
	if i := strings.LastIndex(key, "+"); i >= 0 && i < len(key)-1 {
		key = key[i+1:]
	}
	if _, err := strconv.Atoi(key); err == nil {
		return key
	}
	if strings.HasPrefix(strings.ToUpper(key), "KEYCODE_") {
		return strings.ToUpper(key)
	}
	if code, ok := keyCodes[strings.ToLower(key)]; ok {
		return code
	}
	if len(key) == 1 {
		if c := strings.ToUpper(key)[0]; c >= 'A' && c <= 'Z' {
			return strconv.Itoa(29 + int(c-'A'))
		}
	}
	return "KEYCODE_" + strings.ToUpper(key)
}
