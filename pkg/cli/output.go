package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// Slow step threshold in milliseconds
const slowThresholdMs = 5000

// colorsEnabled is cleared by NO_COLOR, --no-ansi or a non-terminal stdout.
var colorsEnabled = colorsFor(os.Getenv("NO_COLOR"), term.IsTerminal(int(os.Stdout.Fd())))

func colorsFor(noColor string, isTerminal bool) bool {
	return noColor == "" && isTerminal
}

// color returns the color code if colors are enabled, empty string otherwise
func color(c string) string {
	if colorsEnabled {
		return c
	}
	return ""
}

func printSection(title string) {
	fmt.Printf("\n%s%s%s\n", color(colorBold), title, color(colorReset))
}

func printSetupStep(format string, args ...interface{}) {
	fmt.Printf("  %s⏳ %s%s\n", color(colorCyan), fmt.Sprintf(format, args...), color(colorReset))
}

func printSetupSuccess(format string, args ...interface{}) {
	fmt.Printf("  %s✓ %s%s\n", color(colorGreen), fmt.Sprintf(format, args...), color(colorReset))
}

func printWarning(format string, args ...interface{}) {
	fmt.Printf("  %s⚠%s %s\n", color(colorYellow), color(colorReset), fmt.Sprintf(format, args...))
}

// onStepComplete prints one deterministic step as it finishes.
func onStepComplete(idx int, cmd string, passed bool, durationMs int64, errMsg string) {
	desc := fmt.Sprintf("[%d] %s", idx, cmd)
	durStr := formatDuration(durationMs)

	if passed {
		symbol, symbolColor, durColor := "✓", color(colorGreen), ""
		if durationMs >= slowThresholdMs {
			symbol, symbolColor, durColor = "⚠", color(colorYellow), color(colorYellow)
		}
		fmt.Printf("    %s%s%s %s %s(%s)%s\n",
			symbolColor, symbol, color(colorReset), desc, durColor, durStr, color(colorReset))
		return
	}
	fmt.Printf("    %s✗%s %s (%s)\n", color(colorRed), color(colorReset), desc, durStr)
	if errMsg != "" {
		fmt.Printf("      %s╰─%s %s\n", color(colorGray), color(colorReset), errMsg)
	}
}

// printResult prints the final status line.
func printResult(ok bool, reportDir string) {
	if ok {
		fmt.Printf("\n%s✓ PASSED%s  %s\n", color(colorGreen), color(colorReset), reportDir)
		return
	}
	fmt.Printf("\n%s✗ FAILED%s  %s\n", color(colorRed), color(colorReset), reportDir)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatDuration(ms int64) string {
	switch {
	case ms < 1000:
		return fmt.Sprintf("%dms", ms)
	case ms < 60000:
		return fmt.Sprintf("%.1fs", float64(ms)/1000)
	default:
		mins := ms / 60000
		secs := (ms % 60000) / 1000
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
}
