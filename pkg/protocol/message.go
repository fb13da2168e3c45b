// Package protocol implements the JSON data-channel protocol (spec §4.B /
// §6) that carries transcripts, pre-speech text, thinking indicators and
// control messages between the orchestrator and the UI over a WebRTC data
// channel. Each data-channel message holds exactly one JSON envelope; no
// length prefix is written or read.
//
// The envelope shape is new, but the "small JSON message over a streaming
// transport" idiom is grounded directly on the teacher's own
// pkg/providers/tts/lokutor.go, which frames synthesis requests/replies as
// JSON over github.com/coder/websocket's wsjson helper.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType enumerates the data-channel message catalog of spec §6.
type MessageType string

const (
	TypeTranscription     MessageType = "transcription"
	TypePreSpeechText     MessageType = "pre_speech_text"
	TypeSpeechStarting    MessageType = "speech_starting"
	TypeTextDisplayed     MessageType = "text_displayed"
	TypeThinking          MessageType = "thinking"
	TypeHideThinking      MessageType = "hide_thinking"
	TypeStateUpdate       MessageType = "state_update"
	TypeEnvironmentChange MessageType = "environment_changed"
	TypeInterruptToggle   MessageType = "interruption_toggle"
	TypeTestUserInput     MessageType = "test_user_input"
)

// Speaker identifies who produced a transcription message.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
	SpeakerSystem    Speaker = "system"
)

// Envelope is the wire format for every data-channel message (spec §4.B).
type Envelope struct {
	Type        MessageType     `json:"type"`
	MsgID       string          `json:"msg_id"`
	Sequence    uint64          `json:"sequence"`
	Timestamp   int64           `json:"timestamp"`
	Payload     json.RawMessage `json:"payload"`
	AckRequired bool            `json:"ack_required,omitempty"`
}

// TranscriptionPayload is the payload for TypeTranscription.
type TranscriptionPayload struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// PreSpeechTextPayload is the payload for TypePreSpeechText.
type PreSpeechTextPayload struct {
	SpeechID string `json:"speech_id"`
	Sequence uint64 `json:"sequence"`
	Text     string `json:"text"`
}

// SpeechStartingPayload is the payload for TypeSpeechStarting.
type SpeechStartingPayload struct {
	SpeechID string `json:"speech_id"`
}

// TextDisplayedPayload is the client->server ack payload for a speech_id.
type TextDisplayedPayload struct {
	SpeechID string `json:"speech_id"`
}

// ThinkingPayload is the payload for TypeThinking.
type ThinkingPayload struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// HideThinkingPayload is the payload for TypeHideThinking.
type HideThinkingPayload struct {
	ID string `json:"id"`
}

// StateUpdatePayload carries an arbitrary key/value UI-state change.
type StateUpdatePayload struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

// EnvironmentChangedPayload is the payload for TypeEnvironmentChange.
type EnvironmentChangedPayload struct {
	Environment string `json:"environment"`
}

// InterruptionTogglePayload is the payload for TypeInterruptToggle.
type InterruptionTogglePayload struct {
	Enabled bool `json:"enabled"`
}

// TestUserInputPayload lets a microphone-less client drive the pipeline with
// literal text, for testing (spec §6).
type TestUserInputPayload struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// reliableLaneExceptions lists types carried on the unreliable lane; every
// other type uses the reliable lane per §4.B. The spec reserves the
// unreliable lane for future telemetry and names no message type for it
// today, so this set is currently empty but kept explicit for callers.
var reliableLaneExceptions = map[MessageType]bool{}

// IsReliable reports whether a message type is sent on the reliable lane.
func IsReliable(t MessageType) bool {
	return !reliableLaneExceptions[t]
}

// Builder assigns monotonically increasing per-sender sequence numbers to
// outbound envelopes. Each Pipeline creates its own Builder, so numbering
// starts again at 1 for every new Pipeline (in pkg/room, every join).
type Builder struct {
	next uint64
}

// NewBuilder creates a sequence-number builder starting at 1.
func NewBuilder() *Builder {
	return &Builder{next: 1}
}

// Next returns and advances the next sequence number.
func (b *Builder) Next() uint64 {
	seq := b.next
	b.next++
	return seq
}

// Build marshals payload and wraps it in an Envelope with a fresh msg_id and
// the next sequence number from b.
func (b *Builder) Build(msgType MessageType, payload interface{}, ackRequired bool, now time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: marshal %s payload: %w", msgType, err)
	}
	return Envelope{
		Type:        msgType,
		MsgID:       uuid.NewString(),
		Sequence:    b.Next(),
		Timestamp:   now.UnixMilli(),
		Payload:     raw,
		AckRequired: ackRequired,
	}, nil
}

// Encode serializes an envelope for transmission over the data channel.
func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a raw data-channel payload into an Envelope.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	return e, nil
}
