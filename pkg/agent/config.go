// Package agent runs the model-driven control loop: screenshot in, actions
// out, one sub-goal at a time, until the model declares success or the
// turn budget runs out.
package agent

import (
	"time"

	"github.com/devicelab-dev/droid-agent/pkg/spec"
)

// Defaults.
const (
	DefaultMaxSteps        = 250
	DefaultSettleDelay     = 1500 * time.Millisecond
	DefaultRepeatThreshold = 10
)

// Config tunes the loop. Zero values fall back to the defaults.
type Config struct {
	// MaxSteps is the turn budget per sub-goal.
	MaxSteps int
	// SettleDelay is waited after every executed action and escalation.
	SettleDelay time.Duration
	// RepeatThreshold is the number of identical consecutive actions that
	// triggers a BACK escalation.
	RepeatThreshold int
	// Hints are appended to every sub-goal context.
	Hints []string
	// Resolve substitutes placeholders in a sub-goal when it starts.
	// Nil resolves only {timestamp}.
	Resolve func(spec.SubGoal) spec.SubGoal
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		MaxSteps:        DefaultMaxSteps,
		SettleDelay:     DefaultSettleDelay,
		RepeatThreshold: DefaultRepeatThreshold,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.RepeatThreshold <= 0 {
		c.RepeatThreshold = DefaultRepeatThreshold
	}
	if c.Resolve == nil {
		c.Resolve = func(g spec.SubGoal) spec.SubGoal {
			resolved, _ := g.Resolve(time.Now(), nil)
			return resolved
		}
	}
	return c
}
