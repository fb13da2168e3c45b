package orchestrator

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/aerovox/orchestrator/pkg/protocol"
	"github.com/aerovox/orchestrator/pkg/turn"
)

// Pipeline drives one participant's full turn from inbound audio to outbound
// audio+data-channel messages (spec §4.E): pre_speech_text with
// ack-or-timeout pacing, a thinking indicator on slow generations, VAD-driven
// interruption via pkg/turn, and the sequential tool-call loop (spec §4.F: a
// response may invoke more than one tool in sequence before producing its
// final text).
//
// Pipeline intentionally knows nothing about pkg/session, pkg/language, or
// pkg/tools — those packages already import this one for ConversationSession
// and the provider interfaces, so Pipeline takes a *ConversationSession, a
// ToolDispatcher, and a []ToolSchema by value instead of importing its
// callers' packages back. pkg/room is where those capability packages and
// this engine are wired together.
type Pipeline struct {
	stt      STTProvider
	llm      LLMProvider
	tts      TTSProvider
	realtime RealtimeProvider // non-nil selects the fused path instead of stt/llm/tts

	dispatcher ToolDispatcher
	tools      []ToolSchema

	session   *ConversationSession
	transport Transport
	turn      *turn.Controller
	builder   *protocol.Builder
	acks      *protocol.AckTracker
	logger    Logger
	metrics   Metrics

	cfg PipelineConfig

	cancelMu         sync.Mutex
	currentLLMCancel context.CancelFunc
	currentTTSCancel context.CancelFunc

	seqMu        sync.Mutex
	preSpeechSeq uint64
}

// Transport is the minimal outbound surface Pipeline needs from the room
// layer: one call to push a data-channel envelope, one to push a frame of
// synthesized PCM16 audio toward the published track.
type Transport interface {
	protocol.Sender
	SendAudio(pcm []byte) error
}

// Metrics is the subset of pkg/metrics.Recorder's behavior Pipeline reports
// against; declared locally (rather than importing pkg/metrics) so a nil
// Metrics or a test double works without pulling in OpenTelemetry.
type Metrics interface {
	ObserveFirstAudioLatency(ctx context.Context, ms float64)
	ObserveToolCallLatency(ctx context.Context, ms float64)
	ObserveResponseTokens(ctx context.Context, total int64)
	IncInterruption(ctx context.Context)
}

// PipelineConfig tunes the timing constants spec §4.E/§4.D name explicitly.
type PipelineConfig struct {
	// ThinkingDelay is how long generation may run without a first token
	// before the UI shows a thinking indicator (spec §4.E: "400ms").
	ThinkingDelay time.Duration

	// PreSpeechMinDelay is the floor on how long the orchestrator waits
	// after sending pre_speech_text before starting TTS playback, even if
	// the client ack arrives sooner. After the floor it keeps waiting for
	// the ack, up to PreSpeechMaxWait in total.
	PreSpeechMinDelay time.Duration

	// PreSpeechMaxWait bounds how long to wait for the ack before starting
	// TTS anyway.
	PreSpeechMaxWait time.Duration

	InterruptionsEnabledDefault bool
}

// DefaultPipelineConfig returns the timing constants spec §4.D/§4.E name.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		ThinkingDelay:               400 * time.Millisecond,
		PreSpeechMinDelay:           120 * time.Millisecond,
		PreSpeechMaxWait:            500 * time.Millisecond,
		InterruptionsEnabledDefault: true,
	}
}

// NewPipeline builds a Pipeline driving the three discrete providers.
func NewPipeline(stt STTProvider, llm LLMProvider, tts TTSProvider, dispatcher ToolDispatcher, tools []ToolSchema, session *ConversationSession, transport Transport, logger Logger, metrics Metrics, cfg PipelineConfig) *Pipeline {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	p := &Pipeline{
		stt:        stt,
		llm:        llm,
		tts:        tts,
		dispatcher: dispatcher,
		tools:      tools,
		session:    session,
		transport:  transport,
		builder:    protocol.NewBuilder(),
		logger:     logger,
		metrics:    metrics,
		cfg:        cfg,
	}
	p.acks = protocol.NewAckTracker(transport)
	p.turn = turn.NewController(p.turnHooks(), cfg.InterruptionsEnabledDefault)
	return p
}

// NewRealtimePipeline builds a Pipeline driving a fused RealtimeProvider
// instead of the three discrete adapters (spec §4.C realtime variant).
func NewRealtimePipeline(rt RealtimeProvider, dispatcher ToolDispatcher, tools []ToolSchema, session *ConversationSession, transport Transport, logger Logger, metrics Metrics, cfg PipelineConfig) *Pipeline {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	p := &Pipeline{
		realtime:   rt,
		dispatcher: dispatcher,
		tools:      tools,
		session:    session,
		transport:  transport,
		builder:    protocol.NewBuilder(),
		logger:     logger,
		metrics:    metrics,
		cfg:        cfg,
	}
	p.acks = protocol.NewAckTracker(transport)
	p.turn = turn.NewController(p.turnHooks(), cfg.InterruptionsEnabledDefault)
	return p
}

// SetInterruptionsEnabled forwards a client-originated interruption_toggle
// message (spec §6) to the turn controller.
func (p *Pipeline) SetInterruptionsEnabled(enabled bool) {
	p.turn.SetInterruptionsEnabled(enabled)
}

// OnLocalSpeechStarted forwards a local-VAD speech_started event to the
// turn controller (spec §4.D). The room layer runs VAD on every inbound
// audio frame concurrently with HandleUserUtterance/speakText, so this is
// the entry point that lets a discrete-path barge-in land on the turn
// controller while TTS audio is streaming out of a different goroutine.
func (p *Pipeline) OnLocalSpeechStarted(now time.Time) bool {
	return p.turn.OnLocalSpeechStarted(now)
}

// OnSpeechStopped forwards a local-VAD speech_stopped event to the turn
// controller (spec §4.D UserSpeaking->Thinking).
func (p *Pipeline) OnSpeechStopped() {
	p.turn.OnSpeechStopped()
}

// TurnState exposes the turn controller's current state, used by the room
// layer to decide whether inbound audio should be buffered for a fresh
// utterance or dropped as STT echo while the assistant is speaking.
func (p *Pipeline) TurnState() turn.State {
	return p.turn.State()
}

// AckTextDisplayed marks a pre_speech_text envelope, by its msg_id, as
// acknowledged by the client (spec §4.B text_displayed), releasing any
// goroutine waiting on it in speakText. Callers resolve the client's
// speech_id to that msg_id first.
func (p *Pipeline) AckTextDisplayed(msgID string) {
	p.acks.Ack(msgID)
}

// SendSystemMessage emits a transcription{system} envelope on this
// pipeline's transport, using its own sequence-numbered builder (spec §4.B:
// sequence numbers are per-sender and must stay monotonic). Used for join
// greetings and shutdown farewells (spec §4.G, §4.H).
func (p *Pipeline) SendSystemMessage(text string) {
	p.sendEnvelope(p.mustBuild(protocol.TypeTranscription, protocol.TranscriptionPayload{
		Speaker: protocol.SpeakerSystem,
		Text:    text,
	}, false))
}

func (p *Pipeline) turnHooks() turn.Hooks {
	return turn.Hooks{
		CancelLLM: func() {
			p.cancelMu.Lock()
			cancel := p.currentLLMCancel
			p.cancelMu.Unlock()
			if cancel != nil {
				cancel()
			}
		},
		CancelTTS: func() {
			p.cancelMu.Lock()
			cancel := p.currentTTSCancel
			p.cancelMu.Unlock()
			if cancel != nil {
				cancel()
			}
			if p.tts != nil {
				_ = p.tts.Abort()
			}
		},
		ClearSTTBuffer: func() {},
		TruncateLLMItem: func(responseID string, audioEndMs int64) {
			if p.realtime != nil && responseID != "" {
				_ = p.realtime.Truncate(context.Background(), responseID, audioEndMs)
			}
		},
		OnInterrupted: func(responseID string, audioEndMs int64) {
			p.logger.Info("turn interrupted", "responseID", responseID, "audioEndMs", audioEndMs)
			if p.metrics != nil {
				p.metrics.IncInterruption(context.Background())
			}
			env, err := p.builder.Build(protocol.TypeStateUpdate, protocol.StateUpdatePayload{Key: "interrupted", Value: responseID}, false, time.Now())
			if err == nil {
				p.sendEnvelope(env)
			}
		},
	}
}

// registerCancel lets the turn controller's CancelLLM/CancelTTS hooks reach
// whichever context.CancelFunc is live for the in-flight turn. turn.Hooks
// are fixed at construction time, so the hooks in turnHooks read these
// fields rather than closing over a single call's cancel funcs directly.
func (p *Pipeline) registerCancel(llmCancel, ttsCancel context.CancelFunc) {
	p.cancelMu.Lock()
	defer p.cancelMu.Unlock()
	p.currentLLMCancel = llmCancel
	p.currentTTSCancel = ttsCancel
}

func (p *Pipeline) sendEnvelope(env protocol.Envelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		p.logger.Error("pipeline: encode envelope failed", "error", err)
		return
	}
	if env.AckRequired {
		if err := p.acks.Track(context.Background(), env.MsgID, data); err != nil {
			p.logger.Warn("pipeline: send ack-required envelope failed", "error", err)
		}
		return
	}
	if err := p.transport.Send(data); err != nil {
		p.logger.Warn("pipeline: send envelope failed", "error", err)
	}
}

// HandleUserUtterance processes one finalized user transcript through the
// discrete STT->LLM->TTS path, including the tool-call loop (spec §4.E,
// §4.F). It is also the entry point for spec §6's test_user_input message,
// which injects literal text as if it had come from STT.
func (p *Pipeline) HandleUserUtterance(ctx context.Context, transcript string) error {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return nil
	}

	p.session.AddMessage("user", transcript)
	p.sendEnvelope(p.mustBuild(protocol.TypeTranscription, protocol.TranscriptionPayload{
		Speaker: protocol.SpeakerUser,
		Text:    transcript,
	}, false))

	turnCtx, cancel := context.WithCancel(ctx)
	p.registerCancel(cancel, nil)
	defer cancel()

	return p.runDiscreteTurn(turnCtx)
}

func (p *Pipeline) mustBuild(t protocol.MessageType, payload interface{}, ack bool) protocol.Envelope {
	env, err := p.builder.Build(t, payload, ack, time.Now())
	if err != nil {
		// payload types here are all static structs the pipeline itself
		// controls, so a marshal failure indicates a programming error, not
		// a runtime condition; log and fall back to an empty envelope
		// rather than letting it propagate and abort the turn.
		p.logger.Error("pipeline: build envelope failed", "type", t, "error", err)
		return protocol.Envelope{Type: t}
	}
	return env
}

// runDiscreteTurn runs one full LLM round including the sequential tool-call
// loop, then speaks the final text (spec §4.F).
func (p *Pipeline) runDiscreteTurn(ctx context.Context) error {
	streaming, ok := p.llm.(StreamingLLMProvider)
	if !ok {
		return p.runBatchTurn(ctx)
	}

	thinkingID := ""
	thinkingTimer := time.AfterFunc(p.cfg.ThinkingDelay, func() {
		thinkingID = "thinking-" + time.Now().Format("150405.000")
		p.sendEnvelope(p.mustBuild(protocol.TypeThinking, protocol.ThinkingPayload{ID: thinkingID, Text: "Thinking…"}, false))
	})
	defer thinkingTimer.Stop()

	messages := p.session.GetContextCopy()

	for {
		events, err := streaming.Generate(ctx, messages, p.tools, GenerateOptions{Temperature: 0.7})
		if err != nil {
			return fmt.Errorf("pipeline: llm generate: %w: %w", ErrLLMFailed, err)
		}

		var text strings.Builder
		var pendingCalls []ToolCallRequest
		var usage *Usage

		for ev := range events {
			thinkingTimer.Stop()
			switch ev.Kind {
			case LLMEventTextDelta:
				text.WriteString(ev.Text)
			case LLMEventToolCall:
				if ev.ToolCall != nil {
					pendingCalls = append(pendingCalls, *ev.ToolCall)
				}
			case LLMEventDone:
				if ev.Err != nil {
					return fmt.Errorf("pipeline: llm stream: %w: %w", ErrLLMFailed, ev.Err)
				}
				usage = ev.Usage
			}
		}

		if thinkingID != "" {
			p.sendEnvelope(p.mustBuild(protocol.TypeHideThinking, protocol.HideThinkingPayload{ID: thinkingID}, false))
			thinkingID = ""
		}

		if usage != nil && p.metrics != nil {
			p.metrics.ObserveResponseTokens(ctx, int64(usage.TotalTokens))
		}

		if len(pendingCalls) == 0 {
			final := text.String()
			p.session.AddMessage("assistant", final)
			return p.speakText(ctx, final)
		}

		// Sequential tool-call loop (spec §4.F): every pending call is
		// dispatched and its result appended before re-generating.
		p.session.AppendRaw(Message{Role: "assistant", Content: text.String(), ToolCalls: pendingCalls})
		for _, call := range pendingCalls {
			start := time.Now()
			result, err := p.dispatcher.Dispatch(ctx, call)
			if p.metrics != nil {
				p.metrics.ObserveToolCallLatency(ctx, float64(time.Since(start).Milliseconds()))
			}
			if err != nil {
				result = ToolResult{CallID: call.CallID, Content: fmt.Sprintf(`{"error": %q}`, err.Error()), IsError: true}
			}
			p.session.AppendRaw(Message{Role: "tool", Content: result.Content, ToolCallID: result.CallID})
		}
		messages = p.session.GetContextCopy()
	}
}

// runBatchTurn handles a non-streaming LLMProvider: a single Complete call
// with no tool-calling support, used for providers that only implement the
// base LLMProvider interface.
func (p *Pipeline) runBatchTurn(ctx context.Context) error {
	response, err := p.llm.Complete(ctx, p.session.GetContextCopy())
	if err != nil {
		return fmt.Errorf("pipeline: llm complete: %w: %w", ErrLLMFailed, err)
	}
	p.session.AddMessage("assistant", response)
	return p.speakText(ctx, response)
}

// RunRealtime drives the fused RealtimeProvider path (spec §4.C realtime
// variant): audio frames from audioIn are pumped straight into the
// provider's own input, and the provider's multiplexed event stream is
// translated into the same data-channel/audio-out vocabulary the discrete
// path uses, so the room layer doesn't need to know which path is active.
func (p *Pipeline) RunRealtime(ctx context.Context, audioIn <-chan []byte) error {
	if p.realtime == nil {
		return fmt.Errorf("pipeline: RunRealtime called without a realtime provider: %w", ErrNilProvider)
	}

	events, providerAudioIn, err := p.realtime.Start(ctx, p.session.GetCurrentLanguage(), p.session.GetCurrentVoice(), p.tools)
	if err != nil {
		return fmt.Errorf("pipeline: realtime start: %w", err)
	}

	rtCtx, cancel := context.WithCancel(ctx)
	p.registerCancel(cancel, cancel)
	defer cancel()

	go func() {
		for {
			select {
			case <-rtCtx.Done():
				return
			case chunk, ok := <-audioIn:
				if !ok {
					return
				}
				select {
				case providerAudioIn <- chunk:
				case <-rtCtx.Done():
					return
				}
			}
		}
	}()

	var text strings.Builder
	first := true
	firstAudioAt := time.Now()

	for ev := range events {
		switch ev.Kind {
		case "speech_started":
			p.turn.OnProviderSpeechStarted(time.Now())
		case "speech_stopped":
			p.turn.OnSpeechStopped()
		case LLMEventTextDelta:
			text.WriteString(ev.TextDelta)
		case "audio_delta":
			if !p.turn.IsInterruptable(ev.ResponseID) {
				continue
			}
			if first {
				p.turn.OnFirstAudioFrame(ev.ResponseID)
				if p.metrics != nil {
					p.metrics.ObserveFirstAudioLatency(ctx, float64(time.Since(firstAudioAt).Milliseconds()))
				}
				first = false
			}
			gained := applyGain(ev.AudioDelta, p.turn.Gain(time.Now(), false))
			p.turn.RecordDelivered(ev.ResponseID, len(gained)/2)
			if err := p.transport.SendAudio(gained); err != nil {
				p.logger.Warn("pipeline: realtime send audio failed", "error", err)
			}
		case LLMEventToolCall:
			if ev.ToolCall == nil {
				continue
			}
			start := time.Now()
			result, err := p.dispatcher.Dispatch(ctx, *ev.ToolCall)
			if p.metrics != nil {
				p.metrics.ObserveToolCallLatency(ctx, float64(time.Since(start).Milliseconds()))
			}
			if err != nil {
				result = ToolResult{CallID: ev.ToolCall.CallID, Content: fmt.Sprintf(`{"error": %q}`, err.Error()), IsError: true}
			}
			if err := p.realtime.SubmitToolResult(ctx, result); err != nil {
				p.logger.Warn("pipeline: submit tool result failed", "error", err)
			}
		case LLMEventDone:
			if ev.Err != nil {
				return fmt.Errorf("pipeline: realtime stream: %w: %w", ErrLLMFailed, ev.Err)
			}
			if ev.Usage != nil && p.metrics != nil {
				p.metrics.ObserveResponseTokens(ctx, int64(ev.Usage.TotalTokens))
			}
			if text.Len() > 0 {
				p.session.AddMessage("assistant", text.String())
				p.sendEnvelope(p.mustBuild(protocol.TypeTranscription, protocol.TranscriptionPayload{
					Speaker: protocol.SpeakerAssistant,
					Text:    text.String(),
				}, false))
				text.Reset()
			}
			p.turn.Reset()
			first = true
			firstAudioAt = time.Now()
		}
	}

	return nil
}

// speakText sends pre_speech_text, waits the ack-or-timeout window (spec
// §4.E), then streams TTS audio through the turn controller's ducking gain,
// tagging every frame with the response_id so a mid-utterance barge-in can
// be attributed correctly.
func (p *Pipeline) speakText(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	responseID := fmt.Sprintf("resp-%d", time.Now().UnixNano())
	seq := p.nextPreSpeechSeq()

	env := p.mustBuild(protocol.TypePreSpeechText, protocol.PreSpeechTextPayload{
		SpeechID: responseID,
		Sequence: seq,
		Text:     text,
	}, true)
	p.sendEnvelope(env)

	p.waitForAckOrTimeout(env.MsgID)

	p.sendEnvelope(p.mustBuild(protocol.TypeSpeechStarting, protocol.SpeechStartingPayload{SpeechID: responseID}, false))

	first := true
	firstAudioAt := time.Now()
	err := p.tts.StreamSynthesize(ctx, text, p.session.GetCurrentVoice(), p.session.GetCurrentLanguage(), func(chunk []byte) error {
		if !p.turn.IsInterruptable(responseID) {
			return nil // response already truncated; drop remaining audio
		}
		if first {
			p.turn.OnFirstAudioFrame(responseID)
			if p.metrics != nil {
				p.metrics.ObserveFirstAudioLatency(ctx, float64(time.Since(firstAudioAt).Milliseconds()))
			}
			first = false
		}
		gained := applyGain(chunk, p.turn.Gain(time.Now(), false))
		p.turn.RecordDelivered(responseID, len(gained)/2)
		return p.transport.SendAudio(gained)
	})
	p.turn.Reset()
	if err != nil {
		return fmt.Errorf("pipeline: tts stream: %w: %w", ErrTTSFailed, err)
	}

	// spec §4.E step 6: transcription{assistant} on turn completion,
	// deduplicated against pre_speech_text by equality on the
	// last-synchronized text — speakText only ever sends one pre_speech_text
	// per call, for exactly this text, so the two are equal by construction.
	p.sendEnvelope(p.mustBuild(protocol.TypeTranscription, protocol.TranscriptionPayload{
		Speaker: protocol.SpeakerAssistant,
		Text:    text,
	}, false))
	return nil
}

// waitForAckOrTimeout blocks until msgID is acked, PreSpeechMaxWait elapses,
// or PreSpeechMinDelay elapses — whichever combination spec §4.E's
// ack-or-timeout rule resolves to: never shorter than PreSpeechMinDelay,
// never longer than PreSpeechMaxWait.
func (p *Pipeline) waitForAckOrTimeout(msgID string) {
	deadline := time.After(p.cfg.PreSpeechMaxWait)
	floor := time.After(p.cfg.PreSpeechMinDelay)
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()

	<-floor
	for {
		select {
		case <-deadline:
			return
		case <-poll.C:
			if !p.acks.IsPending(msgID) {
				return
			}
		}
	}
}

// applyGain scales a little-endian PCM16 buffer by gain, used for the
// ducking envelope turn.Controller computes. The pipeline always calls
// Gain with userSpeaking=false, so audio is attenuated only during the
// controller's 300ms hold after OnSpeechStopped, not while the user talks.
func applyGain(pcm []byte, gain float64) []byte {
	if gain >= 0.999 && gain <= 1.001 {
		return pcm
	}
	out := make([]byte, len(pcm))
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(binary.LittleEndian.Uint16(pcm[i:]))
		scaled := float64(s) * gain
		if scaled > math.MaxInt16 {
			scaled = math.MaxInt16
		} else if scaled < math.MinInt16 {
			scaled = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i:], uint16(int16(scaled)))
	}
	return out
}

// nextPreSpeechSeq returns the next monotonic pre_speech_text sequence
// number for this pipeline. The counter lives on the Pipeline and restarts
// at 1 whenever a new Pipeline is built, which pkg/room does on every
// participant join, reconnects included; session.State's PreSpeechSequence
// is not used.
func (p *Pipeline) nextPreSpeechSeq() uint64 {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	p.preSpeechSeq++
	return p.preSpeechSeq
}
