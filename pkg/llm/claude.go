package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/devicelab-dev/droid-agent/pkg/action"
	"github.com/devicelab-dev/droid-agent/pkg/core"
	"github.com/devicelab-dev/droid-agent/pkg/logger"
)

// DefaultClaudeModel is used when neither Options.Model nor
// CLAUDE_COMPUTER_MODEL is set.
const DefaultClaudeModel = "claude-opus-4-6"

const (
	claudeMaxTokens = 4096
	claudeToolName  = "computer"
)

// Computer tool versions.
const (
	computerTool20251124 = "computer_20251124"
	computerTool20250124 = "computer_20250124"
)

// ToolVersions returns the computer tool type and beta flag for model.
func ToolVersions(model string) (toolType, beta string) {
	if strings.Contains(model, "opus-4-5") || strings.Contains(model, "opus-4-6") {
		return computerTool20251124, "computer-use-2025-11-24"
	}
	return computerTool20250124, anthropic.AnthropicBetaComputerUse2025_01_24
}

type toolUse struct {
	id   string
	name string
}

// Claude talks to the beta Messages API. Computer use requires every
// tool_use to be answered by a tool_result, so the backend keeps its own
// history and only forwards the latest screenshot as the result.
type Claude struct {
	client      anthropic.Client
	model       string
	toolVersion string
	betaFlag    anthropic.AnthropicBeta

	system  string
	started bool
	history []anthropic.BetaMessageParam
	pending []toolUse
}

// NewClaude creates the backend. The API key falls back to ANTHROPIC_API_KEY.
func NewClaude(opts Options) *Claude {
	model := opts.Model
	if model == "" {
		model = os.Getenv("CLAUDE_COMPUTER_MODEL")
	}
	if model == "" {
		model = DefaultClaudeModel
	}

	reqOpts := []option.RequestOption{option.WithMaxRetries(opts.MaxRetries)}
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	toolVersion, beta := ToolVersions(model)
	return &Claude{
		client:      anthropic.NewClient(reqOpts...),
		model:       model,
		toolVersion: toolVersion,
		betaFlag:    beta,
	}
}

func (b *Claude) Name() string { return ProviderClaude }

// Model returns the configured model name.
func (b *Claude) Model() string { return b.model }

// Reset drops the conversation history. Called at every sub-goal start.
func (b *Claude) Reset() {
	b.started = false
	b.history = nil
	b.pending = nil
}

func (b *Claude) FormatSystemMessage(text string) Message {
	return anthropic.BetaTextBlockParam{Text: text}
}

func (b *Claude) FormatUserMessage(parts []string, screenshotDataURL string) Message {
	blocks := make([]anthropic.BetaContentBlockParamUnion, 0, len(parts)+1)
	for _, p := range parts {
		blocks = append(blocks, anthropic.NewBetaTextBlock(p))
	}
	if data := base64Payload(screenshotDataURL); data != "" {
		blocks = append(blocks, anthropic.BetaContentBlockParamUnion{OfImage: imageBlock(data)})
	}
	return anthropic.NewBetaUserMessage(blocks...)
}

func (b *Claude) tools(width, height int) []anthropic.BetaToolUnionParam {
	computer := anthropic.BetaToolUnionParamOfComputerUseTool20250124(int64(height), int64(width))
	if b.toolVersion == computerTool20251124 {
		computer = anthropic.BetaToolUnionParamOfComputerUseTool20251124(int64(height), int64(width))
	}
	endTest := anthropic.BetaToolUnionParamOfTool(anthropic.BetaToolInputSchemaParam{
		Properties: endTestProperties(),
		Required:   []string{"success"},
	}, EndTestName)
	endTest.OfTool.Description = anthropic.String(endTestDescription)
	return []anthropic.BetaToolUnionParam{computer, endTest}
}

func (b *Claude) CreateTurn(ctx context.Context, conv []Message, width, height int) (*TurnResult, error) {
	if len(conv) < 2 {
		return nil, core.ErrBackendRequest.WithMessage("conversation needs a system and a user message")
	}
	system, ok := conv[0].(anthropic.BetaTextBlockParam)
	if !ok {
		return nil, core.ErrBackendRequest.WithMessage(fmt.Sprintf("system message is %T, not a claude text block", conv[0]))
	}
	user, ok := conv[1].(anthropic.BetaMessageParam)
	if !ok {
		return nil, core.ErrBackendRequest.WithMessage(fmt.Sprintf("user message is %T, not a claude message", conv[1]))
	}

	if !b.started || system.Text != b.system {
		b.Reset()
		b.system = system.Text
		b.started = true
	}

	// history and pending are committed only once the call succeeds
	history := slices.Clone(b.history)
	if len(b.pending) > 0 {
		screenshot := screenshotFrom(user)
		results := make([]anthropic.BetaContentBlockParamUnion, 0, len(b.pending))
		for _, tu := range b.pending {
			results = append(results, toolResult(tu, screenshot))
		}
		history = append(history, anthropic.NewBetaUserMessage(results...))
	} else {
		history = append(history, user)
	}

	params := anthropic.BetaMessageNewParams{
		Model:     anthropic.Model(b.model),
		MaxTokens: claudeMaxTokens,
		Messages:  history,
		Tools:     b.tools(width, height),
		Betas:     []anthropic.AnthropicBeta{b.betaFlag},
	}
	if b.system != "" {
		params.System = []anthropic.BetaTextBlockParam{{Text: b.system}}
	}

	logger.Debug("claude: messages request model=%s display=%dx%d history=%d", b.model, width, height, len(history))
	resp, err := b.client.Beta.Messages.New(ctx, params)
	if err != nil {
		return nil, core.ErrBackendRequest.WithCause(err)
	}

	if content := assistantParams(resp.Content); len(content) > 0 {
		history = append(history, anthropic.BetaMessageParam{
			Role:    anthropic.BetaMessageParamRoleAssistant,
			Content: content,
		})
	}
	var pending []toolUse
	for _, block := range resp.Content {
		if block.Type == "tool_use" {
			pending = append(pending, toolUse{id: block.ID, name: block.Name})
		}
	}
	b.history, b.pending = history, pending

	return &TurnResult{Items: parseClaudeContent(resp.Content), Raw: json.RawMessage(resp.RawJSON())}, nil
}

// History returns a copy of the internal conversation, for diagnostics.
func (b *Claude) History() []anthropic.BetaMessageParam {
	return slices.Clone(b.history)
}

func parseClaudeContent(blocks []anthropic.BetaContentBlockUnion) []OutputItem {
	var items []OutputItem
	for _, block := range blocks {
		switch block.Type {
		case "thinking":
			if block.Thinking != "" {
				items = append(items, Reasoning{Text: block.Thinking})
			}
		case "text":
			if block.Text != "" {
				items = append(items, Reasoning{Text: block.Text})
			}
		case "tool_use":
			input := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &input); err != nil {
					logger.Debug("claude: tool_use %s input: %v", block.ID, err)
				}
			}
			switch block.Name {
			case claudeToolName:
				items = append(items, ComputerAction{Action: action.FromClaude(input)})
			case EndTestName:
				success, _ := input["success"].(bool)
				items = append(items, EndTest{Success: success})
			}
		}
	}
	return items
}

// assistantParams converts response blocks back into request params. The
// SDK conversion keeps thinking signatures so the chain validates on the
// next call. Empty text blocks are rejected by the API and dropped.
func assistantParams(blocks []anthropic.BetaContentBlockUnion) []anthropic.BetaContentBlockParamUnion {
	params := make([]anthropic.BetaContentBlockParamUnion, 0, len(blocks))
	for _, block := range blocks {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
		case "thinking", "redacted_thinking", "tool_use":
		default:
			continue
		}
		params = append(params, block.ToParam())
	}
	return params
}

func toolResult(tu toolUse, screenshot string) anthropic.BetaContentBlockParamUnion {
	result := anthropic.BetaToolResultBlockParam{
		ToolUseID: tu.id,
		IsError:   anthropic.Bool(false),
	}
	if tu.name == claudeToolName && screenshot != "" {
		result.Content = []anthropic.BetaToolResultBlockParamContentUnion{{OfImage: imageBlock(screenshot)}}
	} else {
		result.Content = []anthropic.BetaToolResultBlockParamContentUnion{{OfText: &anthropic.BetaTextBlockParam{Text: "OK"}}}
	}
	return anthropic.BetaContentBlockParamUnion{OfToolResult: &result}
}

func imageBlock(data string) *anthropic.BetaImageBlockParam {
	return &anthropic.BetaImageBlockParam{
		Source: anthropic.BetaImageBlockParamSourceUnion{
			OfBase64: &anthropic.BetaBase64ImageSourceParam{
				Data:      data,
				MediaType: anthropic.BetaBase64ImageSourceMediaTypeImagePNG,
			},
		},
	}
}

func screenshotFrom(m anthropic.BetaMessageParam) string {
	for _, block := range m.Content {
		if block.OfImage != nil && block.OfImage.Source.OfBase64 != nil {
			return block.OfImage.Source.OfBase64.Data
		}
	}
	return ""
}

func base64Payload(dataURL string) string {
	if dataURL == "" {
		return ""
	}
	if i := strings.Index(dataURL, ","); i >= 0 {
		return dataURL[i+1:]
	}
	return dataURL
}
