package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/aerovox/orchestrator/pkg/orchestrator"
)

// OpenAILLM drives chat completions through the official OpenAI SDK. Groq's
// chat-completions endpoint is OpenAI-wire-compatible, so NewGroqLLM just
// points this same client at Groq's base URL instead of carrying a second
// hand-rolled HTTP implementation.
type OpenAILLM struct {
	client openai.Client
	model  string
	name   string
}

// NewOpenAILLM builds a client against the public OpenAI API.
func NewOpenAILLM(apiKey string, model string) *OpenAILLM {
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAILLM{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		name:   "openai-llm",
	}
}

// newOpenAICompatLLM builds a client against any OpenAI-wire-compatible
// endpoint (Groq, a local proxy, an httptest server in tests).
func newOpenAICompatLLM(apiKey, model, baseURL, name string) *OpenAILLM {
	return &OpenAILLM{
		client: openai.NewClient(option.WithAPIKey(apiKey), option.WithBaseURL(baseURL)),
		model:  model,
		name:   name,
	}
}

func (l *OpenAILLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	resp, err := l.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    l.model,
		Messages: toOpenAIMessages(messages),
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", l.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s: no choices returned", l.name)
	}
	return resp.Choices[0].Message.Content, nil
}

// Generate implements orchestrator.StreamingLLMProvider, streaming text
// deltas and accumulated tool calls as the model produces them (spec §4.C).
func (l *OpenAILLM) Generate(ctx context.Context, messages []orchestrator.Message, tools []orchestrator.ToolSchema, opts orchestrator.GenerateOptions) (<-chan orchestrator.LLMEvent, error) {
	params := openai.ChatCompletionNewParams{
		Model:    l.model,
		Messages: toOpenAIMessages(messages),
	}
	if opts.Temperature > 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}
	if len(tools) > 0 {
		params.Tools = toOpenAITools(tools)
	}

	stream := l.client.Chat.Completions.NewStreaming(ctx, params)
	events := make(chan orchestrator.LLMEvent, 16)

	go func() {
		defer close(events)

		acc := openai.ChatCompletionAccumulator{}
		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)

			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					events <- orchestrator.LLMEvent{Kind: orchestrator.LLMEventTextDelta, Text: choice.Delta.Content}
				}
			}

			if tc, ok := acc.JustFinishedToolCall(); ok {
				events <- orchestrator.LLMEvent{
					Kind: orchestrator.LLMEventToolCall,
					ToolCall: &orchestrator.ToolCallRequest{
						CallID:    tc.Id,
						Name:      tc.Name,
						Arguments: json.RawMessage(tc.Arguments),
					},
				}
			}
		}

		if err := stream.Err(); err != nil {
			events <- orchestrator.LLMEvent{Kind: orchestrator.LLMEventDone, Err: fmt.Errorf("%s: %w", l.name, err)}
			return
		}

		usage := acc.Usage
		events <- orchestrator.LLMEvent{
			Kind: orchestrator.LLMEventDone,
			Usage: &orchestrator.Usage{
				PromptTokens:     int(usage.PromptTokens),
				CompletionTokens: int(usage.CompletionTokens),
				TotalTokens:      int(usage.TotalTokens),
			},
		}
	}()

	return events, nil
}

func (l *OpenAILLM) Name() string {
	return l.name
}

func toOpenAIMessages(messages []orchestrator.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.CallID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			assistantMsg := openai.ChatCompletionAssistantMessageParam{
				Content:   openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(m.Content)},
				ToolCalls: calls,
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistantMsg})
		case "tool":
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func toOpenAITools(tools []orchestrator.ToolSchema) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var params map[string]interface{}
		_ = json.Unmarshal(t.Parameters, &params)
		out = append(out, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  shared.FunctionParameters(params),
		}))
	}
	return out
}
