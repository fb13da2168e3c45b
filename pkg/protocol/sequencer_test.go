package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func env(seq uint64, msgID string) Envelope {
	return Envelope{Type: TypeTranscription, MsgID: msgID, Sequence: seq}
}

func TestSequencer_InOrderDelivery(t *testing.T) {
	s := NewSequencer()
	now := time.Now()

	ready := s.Accept(env(1, "a"), now)
	require.Len(t, ready, 1)
	require.Equal(t, uint64(1), ready[0].Sequence)

	ready = s.Accept(env(2, "b"), now)
	require.Len(t, ready, 1)
	require.Equal(t, uint64(2), ready[0].Sequence)
}

func TestSequencer_BuffersOutOfOrder(t *testing.T) {
	s := NewSequencer()
	now := time.Now()

	ready := s.Accept(env(2, "b"), now)
	require.Empty(t, ready, "seq 2 should be buffered until seq 1 arrives")

	ready = s.Accept(env(1, "a"), now)
	require.Len(t, ready, 2, "seq 1 arriving should release the buffered seq 2 too")
	require.Equal(t, uint64(1), ready[0].Sequence)
	require.Equal(t, uint64(2), ready[1].Sequence)
}

func TestSequencer_DuplicateMsgIDDropped(t *testing.T) {
	s := NewSequencer()
	now := time.Now()

	ready := s.Accept(env(1, "a"), now)
	require.Len(t, ready, 1)

	ready = s.Accept(env(1, "a"), now)
	require.Empty(t, ready, "duplicate msg_id must be idempotent no-op")
}

func TestSequencer_FlushTimeoutSkipsGap(t *testing.T) {
	s := NewSequencer()
	now := time.Now()

	ready := s.Accept(env(5, "e"), now)
	require.Empty(t, ready)

	// Simulate the 1.5s timeout elapsing without seq 1-4 ever arriving.
	later := now.Add(flushTimeout + 10*time.Millisecond)
	ready = s.Accept(env(6, "f"), later)
	require.NotEmpty(t, ready, "buffer should force-advance past the missing predecessor")
}

func TestBuilder_MonotonicSequence(t *testing.T) {
	b := NewBuilder()
	e1, err := b.Build(TypeThinking, ThinkingPayload{ID: "x", Text: "hi"}, false, time.Now())
	require.NoError(t, err)
	e2, err := b.Build(TypeThinking, ThinkingPayload{ID: "y", Text: "bye"}, false, time.Now())
	require.NoError(t, err)

	require.Less(t, e1.Sequence, e2.Sequence)
	require.NotEqual(t, e1.MsgID, e2.MsgID)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	b := NewBuilder()
	e, err := b.Build(TypeTranscription, TranscriptionPayload{Speaker: SpeakerUser, Text: "hello"}, false, time.Now())
	require.NoError(t, err)

	data, err := Encode(e)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, e.MsgID, decoded.MsgID)
	require.Equal(t, e.Type, decoded.Type)

	var payload TranscriptionPayload
	require.NoError(t, json.Unmarshal(decoded.Payload, &payload))
	require.Equal(t, "hello", payload.Text)
}
