package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
	"github.com/openai/openai-go/v3/shared"

	"github.com/devicelab-dev/droid-agent/pkg/action"
	"github.com/devicelab-dev/droid-agent/pkg/core"
	"github.com/devicelab-dev/droid-agent/pkg/logger"
)

// DefaultOpenAIModel is used when neither Options.Model nor
// OPENAI_COMPUTER_MODEL is set.
const DefaultOpenAIModel = "computer-use-preview"

// OpenAI talks to the Responses API. It is stateless: every turn carries
// the full message list.
type OpenAI struct {
	client openai.Client
	model  string
}

// NewOpenAI creates the backend. The API key falls back to OPENAI_API_KEY.
func NewOpenAI(opts Options) *OpenAI {
	model := opts.Model
	if model == "" {
		model = os.Getenv("OPENAI_COMPUTER_MODEL")
	}
	if model == "" {
		model = DefaultOpenAIModel
	}

	reqOpts := []option.RequestOption{option.WithMaxRetries(opts.MaxRetries)}
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &OpenAI{client: openai.NewClient(reqOpts...), model: model}
}

func (b *OpenAI) Name() string { return ProviderOpenAI }

// Model returns the configured model name.
func (b *OpenAI) Model() string { return b.model }

func (b *OpenAI) FormatSystemMessage(text string) Message {
	content := responses.ResponseInputMessageContentListParam{
		responses.ResponseInputContentParamOfInputText(text),
	}
	return responses.ResponseInputItemParamOfMessage(content, responses.EasyInputMessageRoleSystem)
}

func (b *OpenAI) FormatUserMessage(parts []string, screenshotDataURL string) Message {
	content := make(responses.ResponseInputMessageContentListParam, 0, len(parts)+1)
	for _, p := range parts {
		content = append(content, responses.ResponseInputContentParamOfInputText(p))
	}
	if screenshotDataURL != "" {
		img := responses.ResponseInputContentParamOfInputImage(responses.ResponseInputImageDetailAuto)
		img.OfInputImage.ImageURL = openai.String(screenshotDataURL)
		content = append(content, img)
	}
	return responses.ResponseInputItemParamOfMessage(content, responses.EasyInputMessageRoleUser)
}

func (b *OpenAI) tools(width, height int) []responses.ToolUnionParam {
	endTest := responses.ToolParamOfFunction(EndTestName, endTestSchema(), true)
	endTest.OfFunction.Description = openai.String(endTestDescription)
	return []responses.ToolUnionParam{
		responses.ToolParamOfComputerUsePreview(int64(height), int64(width), responses.ComputerToolEnvironmentBrowser),
		endTest,
	}
}

func (b *OpenAI) CreateTurn(ctx context.Context, conv []Message, width, height int) (*TurnResult, error) {
	input := make(responses.ResponseInputParam, 0, len(conv))
	for i, m := range conv {
		item, ok := m.(responses.ResponseInputItemUnionParam)
		if !ok {
			return nil, core.ErrBackendRequest.WithMessage(fmt.Sprintf("message %d is %T, not an openai input item", i, m))
		}
		input = append(input, item)
	}

	params := responses.ResponseNewParams{
		Model:      b.model,
		Input:      responses.ResponseNewParamsInputUnion{OfInputItemList: input},
		Tools:      b.tools(width, height),
		Reasoning:  shared.ReasoningParam{Summary: shared.ReasoningSummaryConcise},
		Truncation: responses.ResponseNewParamsTruncationAuto,
	}

	logger.Debug("openai: responses request model=%s display=%dx%d messages=%d", b.model, width, height, len(conv))
	resp, err := b.client.Responses.New(ctx, params)
	if err != nil {
		return nil, core.ErrBackendRequest.WithCause(err)
	}
	if resp.Status == responses.ResponseStatusFailed {
		return nil, core.ErrBackendResponse.
			WithMessage(fmt.Sprintf("response failed: %s: %s", resp.Error.Code, resp.Error.Message))
	}
	return &TurnResult{Items: openAIItems(resp.Output), Raw: json.RawMessage(resp.RawJSON())}, nil
}

func openAIItems(output []responses.ResponseOutputItemUnion) []OutputItem {
	var items []OutputItem
	for _, out := range output {
		switch out.Type {
		case "reasoning":
			for _, s := range out.AsReasoning().Summary {
				if string(s.Type) == "summary_text" && s.Text != "" {
					items = append(items, Reasoning{Text: s.Text})
				}
			}
		case "message":
			// assistant text outside a reasoning block
			for _, part := range out.AsMessage().Content {
				if part.Type == "output_text" && part.Text != "" {
					items = append(items, Reasoning{Text: part.Text})
				}
			}
		case "computer_call":
			items = append(items, ComputerAction{Action: action.FromOpenAI(actionObject(out.AsComputerCall()))})
		case "function_call":
			call := out.AsFunctionCall()
			if normalizeToolName(call.Name) != EndTestName {
				continue
			}
			if end, ok := decodeEndTestArgs(call.JSON.Arguments.Raw()); ok {
				items = append(items, end)
			} else {
				logger.Warn("openai: end_test call with unparseable arguments ignored")
			}
		case "tool_call":
			if end, ok := parseToolCall(out.RawJSON()); ok {
				items = append(items, end)
			}
		}
	}
	return items
}

// actionObject returns the verbatim action of a computer call for the
// normalizer, which accepts fields the SDK does not model.
func actionObject(call responses.ResponseComputerToolCall) map[string]any {
	act := map[string]any{}
	if raw := call.Action.RawJSON(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &act); err != nil {
			logger.Debug("openai: computer_call action: %v", err)
		}
	}
	return act
}

// toolCall is the older tool_call item, which the SDK does not model. The
// name and arguments may sit at the top level or under function.
type toolCall struct {
	Name      string          `json:"name"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
	Function  toolFunction    `json:"function"`
	Tool      struct {
		Function toolFunction `json:"function"`
	} `json:"tool"`
}

type toolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// parseToolCall decodes a tool_call item. Calls to other tools, and
// end_test calls whose arguments cannot be parsed, are treated as absent.
func parseToolCall(raw string) (EndTest, bool) {
	var call toolCall
	if err := json.Unmarshal([]byte(raw), &call); err != nil {
		return EndTest{}, false
	}
	name := call.Name
	for _, alt := range []string{call.ToolName, call.Tool.Function.Name, call.Function.Name} {
		if name == "" {
			name = alt
		}
	}
	if normalizeToolName(name) != EndTestName {
		return EndTest{}, false
	}

	for _, args := range []json.RawMessage{call.Arguments, call.Tool.Function.Arguments, call.Function.Arguments} {
		if end, ok := decodeEndTestArgs(string(args)); ok {
			return end, true
		}
	}
	logger.Warn("openai: end_test call with unparseable arguments ignored")
	return EndTest{}, false
}

func normalizeToolName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

type endTestArgs struct {
	Success bool `json:"success"`
}

// argumentPart is one element of list-shaped arguments.
type argumentPart struct {
	Type string          `json:"type"`
	JSON json.RawMessage `json:"json"`
	Text string          `json:"text"`
}

// decodeEndTestArgs accepts arguments as a JSON-encoded string, an object,
// or a list of input_json / input_text parts.
func decodeEndTestArgs(raw string) (EndTest, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return EndTest{}, false
	}

	switch raw[0] {
	case '"':
		var inner string
		if err := json.Unmarshal([]byte(raw), &inner); err != nil {
			return EndTest{}, false
		}
		return decodeEndTestObject([]byte(inner))
	case '{':
		return decodeEndTestObject([]byte(raw))
	case '[':
		var parts []argumentPart
		if err := json.Unmarshal([]byte(raw), &parts); err != nil {
			return EndTest{}, false
		}
		for _, p := range parts {
			switch p.Type {
			case "input_json", "json":
				if end, ok := decodeEndTestObject(p.JSON); ok {
					return end, true
				}
			case "input_text":
				if end, ok := decodeEndTestObject([]byte(p.Text)); ok {
					return end, true
				}
			}
		}
	}
	return EndTest{}, false
}

func decodeEndTestObject(data []byte) (EndTest, bool) {
	data = bytes.TrimSpace(data)
	var args endTestArgs
	if len(data) == 0 || data[0] != '{' || json.Unmarshal(data, &args) != nil {
		return EndTest{}, false
	}
	return EndTest{Success: args.Success}, true
}
