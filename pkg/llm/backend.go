// Package llm adapts computer-use model APIs to a single turn-based
// contract: send the conversation, get back normalized output items.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/devicelab-dev/droid-agent/pkg/action"
	"github.com/devicelab-dev/droid-agent/pkg/core"
)

// Message is one conversation entry in the backend's own request type.
// The loop builds messages through Format* and hands them back unchanged.
type Message any

// OutputItem is a closed sum type: Reasoning, ComputerAction or EndTest.
type OutputItem interface {
	isOutputItem()
}

// Reasoning is model commentary or a thinking summary.
type Reasoning struct {
	Text string
}

// ComputerAction is a normalized UI action request.
type ComputerAction struct {
	Action action.Action
}

// EndTest is the model's completion signal. Only Success=true ends a sub-goal.
type EndTest struct {
	Success bool
}

func (Reasoning) isOutputItem()      {}
func (ComputerAction) isOutputItem() {}
func (EndTest) isOutputItem()        {}

// TurnResult holds the items of one model turn, in emission order, and the
// verbatim response body.
type TurnResult struct {
	Items []OutputItem
	Raw   json.RawMessage
}

// Backend is one vendor's computer-use protocol.
type Backend interface {
	Name() string
	FormatSystemMessage(text string) Message
	FormatUserMessage(parts []string, screenshotDataURL string) Message
	// CreateTurn sends conv (system message first, then the user message)
	// and declares a computer tool of width x height.
	CreateTurn(ctx context.Context, conv []Message, width, height int) (*TurnResult, error)
}

// Resetter is implemented by backends that keep conversation history.
// The loop calls Reset at the start of every sub-goal.
type Resetter interface {
	Reset()
}

// Options configures a backend.
type Options struct {
	Model   string
	APIKey  string
	BaseURL string
	// MaxRetries is passed to the SDK; 0 disables retries.
	MaxRetries int
}

// Providers
const (
	ProviderOpenAI = "openai"
	ProviderClaude = "claude"
)

// End-test tool definition shared by both vendors.
const (
	EndTestName        = "end_test"
	endTestDescription = "Signal that the test has succeeded by calling end_test with success=true only after the goal and success criteria are satisfied."
	successDescription = "Whether the test succeeded."
)

func endTestProperties() map[string]any {
	return map[string]any{
		"success": map[string]any{
			"type":        "boolean",
			"description": successDescription,
		},
	}
}

// endTestSchema is the strict JSON schema of the end_test arguments.
func endTestSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           endTestProperties(),
		"required":             []string{"success"},
		"additionalProperties": false,
	}
}

// New builds the backend for provider.
func New(provider string, opts Options) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", ProviderOpenAI:
		return NewOpenAI(opts), nil
	case ProviderClaude, "anthropic":
		return NewClaude(opts), nil
	default:
		return nil, core.ErrUnknownProvider.
			WithMessage(fmt.Sprintf("unknown LLM provider %q (supported: openai, claude)", provider))
	}
}
