package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/aerovox/orchestrator/pkg/orchestrator"
)

const anthropicMaxTokens = 1024

type AnthropicLLM struct {
	client anthropic.Client
	model  anthropic.Model
}

func NewAnthropicLLM(apiKey string, model string) *AnthropicLLM {
	if model == "" {
		model = "claude-3-5-sonnet-20240620"
	}
	return &AnthropicLLM{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

// newAnthropicLLMWithBaseURL points the client at a custom endpoint, used in
// tests against an httptest server.
func newAnthropicLLMWithBaseURL(apiKey, model, baseURL string) *AnthropicLLM {
	return &AnthropicLLM{
		client: anthropic.NewClient(option.WithAPIKey(apiKey), option.WithBaseURL(baseURL)),
		model:  anthropic.Model(model),
	}
}

func (l *AnthropicLLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	system, anthropicMessages := splitSystemPrompt(messages)

	params := anthropic.MessageNewParams{
		Model:     l.model,
		MaxTokens: anthropicMaxTokens,
		Messages:  anthropicMessages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := l.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic-llm: %w", err)
	}

	for _, block := range resp.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("anthropic-llm: no text content returned")
}

// Generate implements orchestrator.StreamingLLMProvider using the
// Messages API's server-sent-event stream.
func (l *AnthropicLLM) Generate(ctx context.Context, messages []orchestrator.Message, tools []orchestrator.ToolSchema, opts orchestrator.GenerateOptions) (<-chan orchestrator.LLMEvent, error) {
	system, anthropicMessages := splitSystemPrompt(messages)

	maxTokens := int64(anthropicMaxTokens)
	if opts.MaxTokens > 0 {
		maxTokens = int64(opts.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     l.model,
		MaxTokens: maxTokens,
		Messages:  anthropicMessages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}
	if len(tools) > 0 {
		params.Tools = toAnthropicTools(tools)
	}

	stream := l.client.Messages.NewStreaming(ctx, params)
	events := make(chan orchestrator.LLMEvent, 16)

	go func() {
		defer close(events)

		msg := anthropic.Message{}
		for stream.Next() {
			event := stream.Current()
			if err := msg.Accumulate(event); err != nil {
				events <- orchestrator.LLMEvent{Kind: orchestrator.LLMEventDone, Err: fmt.Errorf("anthropic-llm: %w", err)}
				return
			}

			switch delta := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if delta.Delta.Text != "" {
					events <- orchestrator.LLMEvent{Kind: orchestrator.LLMEventTextDelta, Text: delta.Delta.Text}
				}
			}
		}

		if err := stream.Err(); err != nil {
			events <- orchestrator.LLMEvent{Kind: orchestrator.LLMEventDone, Err: fmt.Errorf("anthropic-llm: %w", err)}
			return
		}

		for _, block := range msg.Content {
			if block.Type == "tool_use" {
				events <- orchestrator.LLMEvent{
					Kind: orchestrator.LLMEventToolCall,
					ToolCall: &orchestrator.ToolCallRequest{
						CallID:    block.ID,
						Name:      block.Name,
						Arguments: block.Input,
					},
				}
			}
		}

		events <- orchestrator.LLMEvent{
			Kind: orchestrator.LLMEventDone,
			Usage: &orchestrator.Usage{
				PromptTokens:     int(msg.Usage.InputTokens),
				CompletionTokens: int(msg.Usage.OutputTokens),
				TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
			},
		}
	}()

	return events, nil
}

func (l *AnthropicLLM) Name() string {
	return "anthropic-llm"
}

// splitSystemPrompt pulls the (at most one) system-role message out of the
// history, since Anthropic carries system instructions out-of-band from the
// turn sequence, and maps the rest into Anthropic's message params,
// including tool_use/tool_result round trips (spec §4.F).
func splitSystemPrompt(messages []orchestrator.Message) (string, []anthropic.MessageParam) {
	var system string
	out := make([]anthropic.MessageParam, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "assistant":
			if len(m.ToolCalls) == 0 {
				out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
				continue
			}
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input interface{}
				_ = json.Unmarshal(tc.Arguments, &input)
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.CallID, input, tc.Name))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case "tool":
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return system, out
}

func toAnthropicTools(tools []orchestrator.ToolSchema) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		_ = json.Unmarshal(t.Parameters, &schema)
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: schema,
			},
		})
	}
	return out
}
