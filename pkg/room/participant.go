package room

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/livekit/protocol/livekit"
	"github.com/pion/webrtc/v3"

	"github.com/aerovox/orchestrator/pkg/audio"
	"github.com/aerovox/orchestrator/pkg/language"
	"github.com/aerovox/orchestrator/pkg/orchestrator"
	"github.com/aerovox/orchestrator/pkg/protocol"
	"github.com/aerovox/orchestrator/pkg/session"
	"github.com/aerovox/orchestrator/pkg/tools"
	"github.com/aerovox/orchestrator/pkg/turn"
)

const (
	// transportSampleRate is the room's fixed transport rate (spec §4.A/§6:
	// "frames handed to the transport are at 48kHz").
	transportSampleRate = 48000

	// sttProviderSampleRate is the PCM16 rate inbound audio is resampled to
	// before reaching the STT adapter (spec §4.A: "commonly 16... kHz").
	// Providers configured for the room path (as opposed to cmd/localmic's
	// 44.1kHz microphone capture) are set to this rate via SetSampleRate.
	sttProviderSampleRate = 16000
)

// participantTask is the per-(room, participant) orchestrator task spec
// §3/§5 describes: it exclusively owns one Pipeline, one turn.Controller
// (inside the Pipeline), and the SessionState for its identity.
type participantTask struct {
	mgr      *Manager
	identity string
	rp       *lksdk.RemoteParticipant

	ctx    context.Context
	cancel context.CancelFunc

	state     *session.State
	policy    *language.Policy
	pipeline  *orchestrator.Pipeline
	transport *roomTransport
	seq       *protocol.Sequencer

	vad         orchestrator.VADProvider
	inResampler *audio.Resampler
	opusDec     *audio.OpusCodec

	// realtimeAudioIn is non-nil when this task runs the fused realtime
	// path (spec §4.C): decoded provider-rate frames are pumped straight
	// into it instead of going through the discrete-path VAD/utterance
	// buffer below, since the realtime provider does its own turn
	// detection server-side.
	realtimeAudioIn chan []byte

	utteranceMu sync.Mutex
	utterance   []byte
	speaking    bool

	wg sync.WaitGroup
}

// newParticipantTask builds and starts the orchestrator task for rp: it
// resolves SessionState (new or resumed), the initial language, builds a
// Pipeline wired to the shared providers, publishes an outbound audio
// track, and emits the join greeting (spec §4.E, §4.G, §4.H).
func newParticipantTask(ctx context.Context, mgr *Manager, rp *lksdk.RemoteParticipant) (*participantTask, error) {
	identity := rp.Identity()

	policy := mgr.languagePolicyFor()
	initialLang := policy.ResolveInitial(language.JoinMetadata{Language: rp.Metadata()}, nil)

	state, existed := mgr.deps.Store.GetOrCreate(identity, initialLang, "")
	entry := policy.SelectFor(string(initialLang))
	if state.CurrentVoice == "" {
		state.CurrentVoice = orchestrator.Voice(entry.TTSVoice)
	}

	track, err := lksdk.NewLocalTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: transportSampleRate,
		Channels:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("room: create local track: %w", err)
	}
	if _, err := mgr.room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   "agent-voice-" + identity,
		Source: livekit.TrackSource_MICROPHONE,
	}); err != nil {
		return nil, fmt.Errorf("room: publish track: %w", err)
	}

	transport, err := newRoomTransport(mgr.room, identity, track)
	if err != nil {
		return nil, err
	}

	inResampler, err := audio.NewResampler(transportSampleRate, sttProviderSampleRate)
	if err != nil {
		return nil, fmt.Errorf("room: build inbound resampler: %w", err)
	}
	opusDec, err := audio.NewOpusCodec(transportSampleRate)
	if err != nil {
		return nil, fmt.Errorf("room: build inbound opus decoder: %w", err)
	}

	taskCtx, cancel := context.WithCancel(ctx)

	t := &participantTask{
		mgr:         mgr,
		identity:    identity,
		rp:          rp,
		ctx:         taskCtx,
		cancel:      cancel,
		state:       state,
		policy:      policy,
		transport:   transport,
		seq:         protocol.NewSequencer(),
		vad:         mgr.deps.Providers.VAD.Clone(),
		inResampler: inResampler,
		opusDec:     opusDec,
	}

	pipelineCfg := orchestrator.DefaultPipelineConfig()
	pipelineCfg.InterruptionsEnabledDefault = state.InterruptionsEnabled

	logger := mgr.logger

	// Each participant gets its own Dispatcher over the shared, read-only
	// Registry/FlightSearchClient, with a progress callback that reaches
	// THIS participant's own data channel (spec §4.F: "always emit at least
	// one immediate 'Searching for flights…' progress message" — to the
	// participant who asked, not a discarded shared callback). pipelineRef
	// is filled in immediately below; Dispatch is never called before then.
	var pipelineRef *orchestrator.Pipeline
	dispatcher := tools.NewDispatcher(mgr.deps.Registry, mgr.deps.Flights, func(text string) {
		if pipelineRef != nil {
			pipelineRef.SendSystemMessage(text)
		}
	})

	if mgr.deps.Providers.Realtime != nil {
		t.pipeline = orchestrator.NewRealtimePipeline(
			mgr.deps.Providers.Realtime, dispatcher, mgr.deps.Tools,
			state.ConversationSession, transport, logger, mgr.deps.Metrics, pipelineCfg,
		)
	} else {
		t.pipeline = orchestrator.NewPipeline(
			mgr.deps.Providers.STT, mgr.deps.Providers.LLM, mgr.deps.Providers.TTS,
			dispatcher, mgr.deps.Tools,
			state.ConversationSession, transport, logger, mgr.deps.Metrics, pipelineCfg,
		)
	}
	pipelineRef = t.pipeline

	t.greet(existed)

	if mgr.deps.Providers.Realtime != nil {
		t.realtimeAudioIn = make(chan []byte, 32)
		t.wg.Add(1)
		go t.runRealtime()
	}

	return t, nil
}

// runRealtime drives the fused realtime path for the lifetime of this
// task (spec §4.C). It exits when the task context is cancelled or the
// provider stream ends.
func (t *participantTask) runRealtime() {
	defer t.wg.Done()
	err := t.pipeline.RunRealtime(t.ctx, t.realtimeAudioIn)
	if err == nil {
		return
	}
	if t.ctx.Err() != nil {
		t.mgr.logger.Debug("room: realtime pipeline ended", "identity", t.identity,
			"error", fmt.Errorf("%w: %w", orchestrator.ErrContextCancelled, err))
		return
	}
	t.mgr.logger.Warn("room: realtime pipeline ended", "identity", t.identity, "error", err)
}

// greet emits the first-contact greeting, or a "welcome back" system turn
// when the session already existed in the store (spec §4.G). Both texts are
// English whatever the participant's language.
func (t *participantTask) greet(existed bool) {
	text := "Hello! How can I help you find a flight today?"
	if existed {
		text = "Welcome back! Picking up where we left off."
	}
	t.state.AddMessage("assistant", text)
	t.pipeline.SendSystemMessage(text)
}

// attachInboundTrack starts the read loop for rp's subscribed audio track:
// Opus decode -> downsample to provider rate -> VAD -> STT (spec §4.A,
// §4.C, §4.D).
func (t *participantTask) attachInboundTrack(track *webrtc.TrackRemote) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-t.ctx.Done():
				return
			default:
			}
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			samples, err := t.opusDec.Decode(pkt.Payload)
			if err != nil {
				continue
			}
			t.ingestTransportFrame(audio.Int16ToBytes(samples))
		}
	}()
}

// ingestTransportFrame handles one decoded 48kHz PCM16 frame: it feeds the
// participant's VAD, drives the turn controller's barge-in signal, and
// accumulates (or discards) samples toward the in-flight utterance.
func (t *participantTask) ingestTransportFrame(pcm48k []byte) {
	t.mgr.deps.Store.Touch(t.identity)
	provPCM, err := t.inResampler.Resample(audio.BytesToInt16(pcm48k))
	if err != nil {
		t.mgr.logger.Warn("room: inbound resample failed", "identity", t.identity, "error", err)
		return
	}
	chunk := audio.Int16ToBytes(provPCM)

	if t.realtimeAudioIn != nil {
		select {
		case t.realtimeAudioIn <- chunk:
		case <-t.ctx.Done():
		}
		return
	}

	ev, err := t.vad.Process(chunk)
	if err != nil {
		t.mgr.logger.Warn("room: vad process failed", "identity", t.identity, "error", err)
		return
	}

	now := time.Now()
	if ev != nil {
		switch ev.Type {
		case orchestrator.VADSpeechStart:
			t.pipeline.OnLocalSpeechStarted(now)
			t.utteranceMu.Lock()
			t.speaking = true
			t.utterance = t.utterance[:0]
			t.utteranceMu.Unlock()
		case orchestrator.VADSpeechEnd:
			t.pipeline.OnSpeechStopped()
			t.utteranceMu.Lock()
			t.speaking = false
			buf := t.utterance
			t.utterance = nil
			t.utteranceMu.Unlock()
			if len(buf) > 0 {
				t.wg.Add(1)
				go t.finalizeUtterance(buf)
			}
		}
	}

	// Don't reingest the assistant's own audio while it's speaking (spec
	// §4.D step 6: "clear input audio buffer on the STT side to avoid echo
	// reingestion"); barge-in detection above still ran on this frame.
	if t.pipeline.TurnState() == turn.AssistantSpeaking {
		return
	}

	t.utteranceMu.Lock()
	if t.speaking {
		t.utterance = append(t.utterance, chunk...)
	}
	t.utteranceMu.Unlock()
}

// finalizeUtterance transcribes one completed utterance and feeds the
// result through the pipeline's turn loop (spec §3 Utterance invariant:
// "each utterance yields at most one final transcript").
func (t *participantTask) finalizeUtterance(pcm []byte) {
	defer t.wg.Done()

	ctx, cancel := context.WithTimeout(t.ctx, 20*time.Second)
	defer cancel()

	transcript, err := t.mgr.deps.Providers.STT.Transcribe(ctx, pcm, t.state.GetCurrentLanguage())
	if err != nil {
		t.mgr.logger.Warn("room: transcribe failed", "identity", t.identity,
			"error", fmt.Errorf("%w: %w", orchestrator.ErrTranscriptionFailed, err))
		return
	}
	if strings.TrimSpace(transcript) == "" {
		t.mgr.logger.Debug("room: utterance dropped", "identity", t.identity, "error", orchestrator.ErrEmptyTranscription)
		return
	}

	if err := t.pipeline.HandleUserUtterance(ctx, transcript); err != nil {
		t.mgr.logger.Error("room: handle utterance failed", "identity", t.identity, "error", err)
	}
}

// handleDataMessage decodes one inbound data-channel payload, runs it
// through the per-sender sequencer, and dispatches every envelope released
// in order (spec §4.B, §6).
func (t *participantTask) handleDataMessage(payload []byte) {
	t.mgr.deps.Store.Touch(t.identity)
	env, err := protocol.Decode(payload)
	if err != nil {
		t.mgr.logger.Warn("room: malformed data message dropped", "identity", t.identity, "error", err)
		return
	}
	for _, ready := range t.seq.Accept(env, time.Now()) {
		t.dispatchEnvelope(ready)
	}
}

func (t *participantTask) dispatchEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeTestUserInput:
		var p protocol.TestUserInputPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		ctx, cancel := context.WithTimeout(t.ctx, 40*time.Second)
		go func() {
			defer cancel()
			if err := t.pipeline.HandleUserUtterance(ctx, p.Text); err != nil {
				t.mgr.logger.Error("room: test_user_input failed", "identity", t.identity, "error", err)
			}
		}()

	case protocol.TypeTextDisplayed:
		var p protocol.TextDisplayedPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		if msgID, ok := t.transport.msgIDForSpeech(p.SpeechID); ok {
			t.pipeline.AckTextDisplayed(msgID)
		}

	case protocol.TypeInterruptToggle:
		var p protocol.InterruptionTogglePayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		t.pipeline.SetInterruptionsEnabled(p.Enabled)
		t.mgr.deps.Store.Update(t.identity, func(s *session.State) {
			s.InterruptionsEnabled = p.Enabled
		})

	case protocol.TypeStateUpdate:
		var p protocol.StateUpdatePayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		if p.Key == "language" {
			if lang, ok := p.Value.(string); ok {
				newLang := t.policy.ExplicitSwitch(lang)
				t.mgr.deps.Store.Update(t.identity, func(s *session.State) {
					s.CurrentLanguage = newLang
				})
			}
		}

	case protocol.TypeEnvironmentChange:
		var p protocol.EnvironmentChangedPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		newEnv := coerceEnvironment(p.Environment)
		t.mgr.deps.Store.Update(t.identity, func(s *session.State) {
			s.Environment = newEnv
		})
		t.applyEnvironmentPreset(newEnv)

	default:
		t.mgr.logger.Warn("room: unknown data message type dropped", "identity", t.identity, "type", env.Type)
	}
}

// coerceEnvironment validates an incoming environment_changed value against
// the three known presets, falling back to "medium" for anything else
// (spec §7 policy_error: coerce to nearest valid rather than reject).
func coerceEnvironment(raw string) session.Environment {
	env := session.Environment(raw)
	switch env {
	case session.EnvironmentQuiet, session.EnvironmentMedium, session.EnvironmentNoisy:
		return env
	default:
		return session.EnvironmentMedium
	}
}

// applyEnvironmentPreset retunes the participant's VAD to the config's
// threshold for the newly selected environment preset (spec §4.J
// environment presets). Only Threshold is applied; the preset's
// min_silence_ms and min_speaking_ms values are not passed to the VAD.
func (t *participantTask) applyEnvironmentPreset(env session.Environment) {
	preset := t.mgr.deps.Config.Current().VADPresets[string(env)]
	if setter, ok := t.vad.(interface{ SetThreshold(float64) }); ok {
		setter.SetThreshold(preset.Threshold)
	}
}

// drainAndClose waits (bounded) for in-flight tool calls to settle, speaks
// farewell if configured, then tears down this task's resources (spec
// §4.H graceful shutdown).
func (t *participantTask) drainAndClose(ctx context.Context, farewell string) {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	if farewell != "" {
		t.pipeline.SendSystemMessage(farewell)
	}
	t.cancel()
}
