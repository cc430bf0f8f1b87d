package agent

import (
	"strings"

	"github.com/devicelab-dev/droid-agent/pkg/spec"
)

// SystemPrompt is sent as the system message of every sub-goal.
const SystemPrompt = "You control an Android emulator screen. Use the computer tool to progress. " +
	"Actions map to Android input: click => tap(x,y), drag/scroll => swipe, type => input text, " +
	"key => hardware key codes (HOME=3, BACK=4, ENTER=66). After each action you will receive a fresh screenshot. " +
	"You will receive context that includes 'Goal', optional 'Hints', optional 'Suggestions', " +
	"optional 'Negative prompt', and optional 'Success criteria'. Treat 'Suggestions' as strict guidance. " +
	"Treat 'Negative prompt' as hard constraints and never perform forbidden actions."

// Notes appended to the context on turns that did not finish.
const (
	NoteActed    = "State updated after actions. Continue toward the goal."
	NoteObserved = "No actions produced. Observe and continue toward the goal."
)

const endTestInstruction = "Instruction: Only when the Success criteria are satisfied, call the function tool end_test with {success: true}. Otherwise continue working and do not call end_test."

// BuildContext renders the user context for one sub-goal. Empty optional
// sections are left out.
func BuildContext(g spec.SubGoal, hints []string) string {
	var b strings.Builder
	b.WriteString("Goal: ")
	b.WriteString(g.Goal)
	if len(hints) > 0 {
		b.WriteString("\nHints: ")
		b.WriteString(strings.Join(hints, " | "))
	}
	if g.Suggestions != "" {
		b.WriteString("\nSuggestions: ")
		b.WriteString(g.Suggestions)
	}
	if g.NegativePrompt != "" {
		b.WriteString("\nNegative prompt (DO NOT do): ")
		b.WriteString(g.NegativePrompt)
	}
	if g.SuccessCriteria != "" {
		b.WriteString("\nSuccess criteria: ")
		b.WriteString(g.SuccessCriteria)
	}
	b.WriteString("\n")
	b.WriteString(endTestInstruction)
	return b.String()
}
