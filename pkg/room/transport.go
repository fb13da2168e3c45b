package room

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/aerovox/orchestrator/pkg/audio"
	"github.com/aerovox/orchestrator/pkg/protocol"
)

// ttsProviderSampleRate is the PCM16 rate TTS adapters in this module
// synthesize at (spec §4.A: "commonly 16/24kHz"); Lokutor's websocket API
// returns 24kHz mono PCM16 frames.
const ttsProviderSampleRate = 24000

// opusFrameBytes is one 20ms Opus frame's worth of PCM16 mono samples at
// 48kHz, expressed in bytes (2 bytes/sample).
const opusFrameBytes = audio.OpusFrameSamples * 2

// roomTransport implements pkg/orchestrator.Pipeline's Transport interface
// (protocol.Sender + SendAudio) over one participant's published LiveKit
// track and the room's reliable data channel (spec §4.B, §6).
//
// It also closes the gap between spec §4.B's wire contract (text_displayed
// carries the UI-visible speech_id) and pkg/protocol's AckTracker (which
// keys pending acks by the envelope's internal msg_id): every outbound
// pre_speech_text envelope is inspected in Send so its msg_id can be
// recovered later from the speech_id the client echoes back.
type roomTransport struct {
	room     *lksdk.Room
	identity string
	track    *lksdk.LocalTrack

	resampler *audio.Resampler // ttsProviderSampleRate -> transportSampleRate
	opusEnc   *audio.OpusCodec

	frameMu sync.Mutex
	carry   []byte // sub-opusFrameBytes PCM16 remainder carried across SendAudio calls

	ackMu       sync.Mutex
	speechToMsg map[string]string
}

func newRoomTransport(room *lksdk.Room, identity string, track *lksdk.LocalTrack) (*roomTransport, error) {
	resampler, err := audio.NewResampler(ttsProviderSampleRate, transportSampleRate)
	if err != nil {
		return nil, fmt.Errorf("room: build outbound resampler: %w", err)
	}
	opusEnc, err := audio.NewOpusCodec(transportSampleRate)
	if err != nil {
		return nil, fmt.Errorf("room: build outbound opus encoder: %w", err)
	}
	return &roomTransport{
		room:        room,
		identity:    identity,
		track:       track,
		resampler:   resampler,
		opusEnc:     opusEnc,
		speechToMsg: make(map[string]string),
	}, nil
}

// Send publishes a data-channel envelope on the reliable lane, targeted at
// this participant (spec §4.B: "Reliability lane is used for all types
// except transport-heartbeat").
func (t *roomTransport) Send(data []byte) error {
	t.recordSpeechAck(data)
	return t.room.LocalParticipant.PublishDataPacket(
		&lksdk.UserDataPacket{Payload: data},
		lksdk.WithDataPublishReliable(true),
		lksdk.WithDataPublishDestinationIdentities([]string{t.identity}),
	)
}

// recordSpeechAck inspects an outbound envelope and, if it is a
// pre_speech_text message, remembers the speech_id -> msg_id mapping the
// client's later text_displayed ack will need to be resolved against.
// Split out from Send so it can be exercised without a live room/track.
func (t *roomTransport) recordSpeechAck(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil || env.Type != protocol.TypePreSpeechText {
		return
	}
	var payload protocol.PreSpeechTextPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return
	}
	t.ackMu.Lock()
	t.speechToMsg[payload.SpeechID] = env.MsgID
	t.ackMu.Unlock()
}

// msgIDForSpeech resolves a client-reported text_displayed.speech_id back
// to the internal msg_id the AckTracker keys its pending-ack table by.
func (t *roomTransport) msgIDForSpeech(speechID string) (string, bool) {
	t.ackMu.Lock()
	defer t.ackMu.Unlock()
	msgID, ok := t.speechToMsg[speechID]
	if ok {
		delete(t.speechToMsg, speechID)
	}
	return msgID, ok
}

// SendAudio resamples one chunk of ttsProviderSampleRate PCM16 up to the
// 48kHz transport rate, Opus-encodes it in fixed 20ms frames, and writes
// each frame as an RTP sample on the published track (spec §4.A, §6).
// Partial frames are carried across calls, matching the resampler's own
// fixed-window/carry discipline.
func (t *roomTransport) SendAudio(pcm []byte) error {
	upsampled, err := t.resampler.Resample(audio.BytesToInt16(pcm))
	if err != nil {
		return fmt.Errorf("room: resample outbound audio: %w", err)
	}
	upsampledBytes := audio.Int16ToBytes(upsampled)

	t.frameMu.Lock()
	defer t.frameMu.Unlock()
	t.carry = append(t.carry, upsampledBytes...)

	for len(t.carry) >= opusFrameBytes {
		frame := t.carry[:opusFrameBytes]
		t.carry = t.carry[opusFrameBytes:]

		encoded, err := t.opusEnc.Encode(audio.BytesToInt16(frame))
		if err != nil {
			return fmt.Errorf("room: opus encode: %w", err)
		}
		if err := t.track.WriteSample(media.Sample{Data: encoded, Duration: 20 * time.Millisecond}); err != nil {
			return fmt.Errorf("room: write sample: %w", err)
		}
	}
	return nil
}
