// Package realtime implements orchestrator.RealtimeProvider over the OpenAI
// Realtime API, fusing STT, LLM generation, and TTS behind one websocket
// session (spec §4.C realtime variant). Modeled on the teacher's
// pkg/providers/tts LokutorTTS connection-lifecycle idiom (lazy-dial,
// mutex-guarded *websocket.Conn, tear-down-on-error) and on
// pkg/providers/llm OpenAILLM's event-channel shape, so Pipeline can treat
// this adapter the same way it treats the three discrete provider
// interfaces.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/aerovox/orchestrator/pkg/orchestrator"
)

func base64Encode(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func base64Decode(s string) []byte {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}

const defaultModel = "gpt-4o-realtime-preview"

// OpenAIRealtime drives a single OpenAI Realtime API session per Start
// call. It is not safe to reuse across concurrent sessions — one instance
// belongs to one participant task, matching the single-owner model the room
// manager uses for every other per-participant resource.
type OpenAIRealtime struct {
	apiKey string
	model  string
	host   string

	mu         sync.Mutex
	conn       *websocket.Conn
	responseID string
}

// NewOpenAIRealtime builds an adapter against the public OpenAI Realtime
// endpoint. model defaults to defaultModel when empty.
func NewOpenAIRealtime(apiKey, model string) *OpenAIRealtime {
	if model == "" {
		model = defaultModel
	}
	return &OpenAIRealtime{
		apiKey: apiKey,
		model:  model,
		host:   "api.openai.com",
	}
}

func (r *OpenAIRealtime) Name() string { return "openai-realtime" }

// wire-format client/server event envelopes. Only the fields Pipeline
// actually reads or writes are modeled; unknown fields in server events are
// ignored by encoding/json rather than erroring.
type clientEvent struct {
	Type    string          `json:"type"`
	Session json.RawMessage `json:"session,omitempty"`
	Audio   string          `json:"audio,omitempty"`
	Item    json.RawMessage `json:"item,omitempty"`
	EventID string          `json:"event_id,omitempty"`
}

type serverEvent struct {
	Type         string `json:"type"`
	ResponseID   string `json:"response_id"`
	Delta        string `json:"delta"`
	Transcript   string `json:"transcript"`
	CallID       string `json:"call_id"`
	Name         string `json:"name"`
	Arguments    string `json:"arguments"`
	Error        *struct {
		Message string `json:"message"`
	} `json:"error"`
	Response *struct {
		ID    string `json:"id"`
		Usage *struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
			TotalTokens  int `json:"total_tokens"`
		} `json:"usage"`
	} `json:"response"`
}

type sessionConfig struct {
	Modalities        []string     `json:"modalities"`
	Voice             string       `json:"voice"`
	InputAudioFormat  string       `json:"input_audio_format"`
	OutputAudioFormat string       `json:"output_audio_format"`
	Instructions      string       `json:"instructions,omitempty"`
	Tools             []toolParam  `json:"tools,omitempty"`
	TurnDetection     *turnDetect  `json:"turn_detection"`
}

type turnDetect struct {
	Type string `json:"type"`
}

type toolParam struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Start dials the realtime session, configures it for lang/voice/tools, and
// returns a channel of fused events plus a channel the caller writes raw
// PCM16 input frames to (spec §4.C).
func (r *OpenAIRealtime) Start(ctx context.Context, lang orchestrator.Language, voice orchestrator.Voice, tools []orchestrator.ToolSchema) (<-chan orchestrator.RealtimeEvent, chan<- []byte, error) {
	u := url.URL{Scheme: "wss", Host: r.host, Path: "/v1/realtime", RawQuery: "model=" + r.model}
	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: map[string][]string{"Authorization": {"Bearer " + r.apiKey}, "OpenAI-Beta": {"realtime=v1"}},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("openai-realtime: dial: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	toolParams := make([]toolParam, 0, len(tools))
	for _, t := range tools {
		toolParams = append(toolParams, toolParam{Type: "function", Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	cfg := sessionConfig{
		Modalities:        []string{"text", "audio"},
		Voice:             mapVoice(voice),
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Tools:             toolParams,
		TurnDetection:     &turnDetect{Type: "server_vad"},
	}
	cfgRaw, err := json.Marshal(cfg)
	if err != nil {
		conn.Close(websocket.StatusAbnormalClosure, "")
		return nil, nil, fmt.Errorf("openai-realtime: marshal session config: %w", err)
	}
	if err := wsjson.Write(ctx, conn, clientEvent{Type: "session.update", Session: cfgRaw}); err != nil {
		conn.Close(websocket.StatusAbnormalClosure, "")
		return nil, nil, fmt.Errorf("openai-realtime: session.update: %w", err)
	}

	events := make(chan orchestrator.RealtimeEvent, 32)
	audioIn := make(chan []byte, 32)

	go r.pumpAudioIn(ctx, conn, audioIn)
	go r.readLoop(ctx, conn, events)

	return events, audioIn, nil
}

func (r *OpenAIRealtime) pumpAudioIn(ctx context.Context, conn *websocket.Conn, audioIn <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-audioIn:
			if !ok {
				return
			}
			ev := clientEvent{Type: "input_audio_buffer.append", Audio: base64Encode(chunk)}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func (r *OpenAIRealtime) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- orchestrator.RealtimeEvent) {
	defer close(events)
	for {
		var ev serverEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			events <- orchestrator.RealtimeEvent{Kind: orchestrator.LLMEventDone, Err: fmt.Errorf("openai-realtime: read: %w", err)}
			return
		}

		switch ev.Type {
		case "response.created":
			if ev.Response != nil {
				r.mu.Lock()
				r.responseID = ev.Response.ID
				r.mu.Unlock()
			}
		case "response.audio.delta":
			events <- orchestrator.RealtimeEvent{Kind: "audio_delta", ResponseID: ev.ResponseID, AudioDelta: base64Decode(ev.Delta)}
		case "response.audio_transcript.delta":
			events <- orchestrator.RealtimeEvent{Kind: orchestrator.LLMEventTextDelta, ResponseID: ev.ResponseID, TextDelta: ev.Delta}
		case "response.function_call_arguments.done":
			events <- orchestrator.RealtimeEvent{
				Kind:       orchestrator.LLMEventToolCall,
				ResponseID: ev.ResponseID,
				ToolCall: &orchestrator.ToolCallRequest{
					CallID:    ev.CallID,
					Name:      ev.Name,
					Arguments: json.RawMessage(ev.Arguments),
				},
			}
		case "input_audio_buffer.speech_started":
			events <- orchestrator.RealtimeEvent{Kind: "speech_started"}
		case "input_audio_buffer.speech_stopped":
			events <- orchestrator.RealtimeEvent{Kind: "speech_stopped"}
		case "response.done":
			out := orchestrator.RealtimeEvent{Kind: orchestrator.LLMEventDone, ResponseID: ev.ResponseID}
			if ev.Response != nil && ev.Response.Usage != nil {
				out.Usage = &orchestrator.Usage{
					PromptTokens:     ev.Response.Usage.InputTokens,
					CompletionTokens: ev.Response.Usage.OutputTokens,
					TotalTokens:      ev.Response.Usage.TotalTokens,
				}
			}
			events <- out
		case "error":
			msg := "unknown error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			events <- orchestrator.RealtimeEvent{Kind: orchestrator.LLMEventDone, Err: fmt.Errorf("openai-realtime: %s", msg)}
		}
	}
}

// SubmitToolResult feeds a completed tool call back as a function_call_output
// conversation item and requests a follow-up response (spec §4.F: the model
// resumes generation once the tool result lands).
func (r *OpenAIRealtime) SubmitToolResult(ctx context.Context, result orchestrator.ToolResult) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("openai-realtime: no active session")
	}

	item, err := json.Marshal(map[string]interface{}{
		"type":     "function_call_output",
		"call_id":  result.CallID,
		"output":   result.Content,
	})
	if err != nil {
		return fmt.Errorf("openai-realtime: marshal tool result item: %w", err)
	}
	if err := wsjson.Write(ctx, conn, clientEvent{Type: "conversation.item.create", Item: item}); err != nil {
		return fmt.Errorf("openai-realtime: submit tool result: %w", err)
	}
	return wsjson.Write(ctx, conn, clientEvent{Type: "response.create"})
}

// Truncate tells the server to cut its record of an interrupted assistant
// item at audioEndMs (spec §4.D step 5), so a later conversation replay
// doesn't include audio the user never actually heard.
func (r *OpenAIRealtime) Truncate(ctx context.Context, responseID string, audioEndMs int64) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return nil // nothing to truncate if the session already closed
	}

	ev := map[string]interface{}{
		"type":          "conversation.item.truncate",
		"item_id":       responseID,
		"content_index": 0,
		"audio_end_ms":  audioEndMs,
	}
	return wsjson.Write(ctx, conn, ev)
}

func (r *OpenAIRealtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close(websocket.StatusNormalClosure, "")
	r.conn = nil
	return err
}

func mapVoice(v orchestrator.Voice) string {
	// OpenAI's realtime voices don't line up one-to-one with the F/M voice
	// identifiers used elsewhere in the orchestrator; fold the gendered
	// presets down onto the two closest realtime voices rather than
	// failing closed on an unmapped value.
	switch v {
	case orchestrator.VoiceF1, orchestrator.VoiceF2, orchestrator.VoiceF3, orchestrator.VoiceF4, orchestrator.VoiceF5:
		return "shimmer"
	default:
		return "echo"
	}
}
