package spec

import (
	"strconv"
	"strings"
	"time"
)

// TimestampPlaceholder is replaced with the Unix time in seconds when a
// sub-goal starts.
const TimestampPlaceholder = "{timestamp}"

// Expander expands ${...} expressions and $VAR references.
type Expander interface {
	ExpandVariables(text string) (string, error)
}

// Resolve returns a copy of g with placeholders substituted. {timestamp}
// always resolves; ${...} and $VAR are expanded when exp is non-nil. An
// expansion error leaves the expression in place and is returned.
func (g SubGoal) Resolve(now time.Time, exp Expander) (SubGoal, error) {
	ts := strconv.FormatInt(now.Unix(), 10)
	var firstErr error

	apply := func(text string) string {
		text = strings.ReplaceAll(text, TimestampPlaceholder, ts)
		if exp != nil && strings.Contains(text, "$") {
			expanded, err := exp.ExpandVariables(text)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			text = expanded
		}
		return strings.TrimSpace(text)
	}

	return SubGoal{
		Goal:            apply(g.Goal),
		Suggestions:     apply(g.Suggestions),
		NegativePrompt:  apply(g.NegativePrompt),
		SuccessCriteria: apply(g.SuccessCriteria),
	}, firstErr
}
