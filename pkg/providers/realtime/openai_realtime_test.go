package realtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerovox/orchestrator/pkg/orchestrator"
)

func TestMapVoice(t *testing.T) {
	assert.Equal(t, "shimmer", mapVoice(orchestrator.VoiceF2))
	assert.Equal(t, "echo", mapVoice(orchestrator.VoiceM3))
}

func TestSessionConfigMarshalsTools(t *testing.T) {
	cfg := sessionConfig{
		Modalities:        []string{"text", "audio"},
		Voice:             "shimmer",
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Tools: []toolParam{
			{Type: "function", Name: "search_flights", Description: "search", Parameters: json.RawMessage(`{"type":"object"}`)},
		},
		TurnDetection: &turnDetect{Type: "server_vad"},
	}
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "server_vad", decoded["turn_detection"].(map[string]interface{})["type"])
	tools := decoded["tools"].([]interface{})
	require.Len(t, tools, 1)
	assert.Equal(t, "search_flights", tools[0].(map[string]interface{})["name"])
}

func TestBase64RoundTrip(t *testing.T) {
	in := []byte{0x01, 0x02, 0x03, 0xff}
	encoded := base64Encode(in)
	assert.Equal(t, in, base64Decode(encoded))
}

func TestBase64DecodeInvalidReturnsNil(t *testing.T) {
	assert.Nil(t, base64Decode("not-valid-base64!!"))
}

func TestNewOpenAIRealtimeDefaultsModel(t *testing.T) {
	r := NewOpenAIRealtime("key", "")
	assert.Equal(t, defaultModel, r.model)
	assert.Equal(t, "openai-realtime", r.Name())
}
