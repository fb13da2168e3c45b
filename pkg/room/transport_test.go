package room

import (
	"testing"
	"time"

	"github.com/aerovox/orchestrator/pkg/protocol"
)

// newTestTransport builds a roomTransport with no live room/track
// attached, for exercising the speech_id<->msg_id ack mapping in
// isolation (spec §4.B text_displayed).
func newTestTransport() *roomTransport {
	return &roomTransport{speechToMsg: make(map[string]string)}
}

func TestRoomTransportRecordsSpeechAckMapping(t *testing.T) {
	tr := newTestTransport()

	builder := protocol.NewBuilder()
	env, err := builder.Build(protocol.TypePreSpeechText, protocol.PreSpeechTextPayload{
		SpeechID: "speech-1",
		Sequence: 1,
		Text:     "Checking flights for you.",
	}, true, time.Now())
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	data, err := protocol.Encode(env)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}

	tr.recordSpeechAck(data)

	msgID, ok := tr.msgIDForSpeech("speech-1")
	if !ok {
		t.Fatalf("expected speech-1 to resolve to a msg_id")
	}
	if msgID != env.MsgID {
		t.Fatalf("msg_id mismatch: got %q want %q", msgID, env.MsgID)
	}

	// msgIDForSpeech consumes the mapping; a second lookup must miss.
	if _, ok := tr.msgIDForSpeech("speech-1"); ok {
		t.Fatalf("expected second lookup for speech-1 to miss after consumption")
	}
}

func TestRoomTransportIgnoresNonPreSpeechEnvelopes(t *testing.T) {
	tr := newTestTransport()

	builder := protocol.NewBuilder()
	env, err := builder.Build(protocol.TypeTranscription, protocol.TranscriptionPayload{
		Speaker: protocol.SpeakerSystem,
		Text:    "Hello!",
	}, false, time.Now())
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	data, err := protocol.Encode(env)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}

	tr.recordSpeechAck(data)

	if len(tr.speechToMsg) != 0 {
		t.Fatalf("expected no ack mapping recorded for a non-pre_speech_text envelope")
	}
}

func TestRoomTransportUnknownSpeechIDMisses(t *testing.T) {
	tr := newTestTransport()
	if _, ok := tr.msgIDForSpeech("never-seen"); ok {
		t.Fatalf("expected lookup for an unrecorded speech_id to miss")
	}
}
