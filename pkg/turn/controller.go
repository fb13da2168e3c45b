// Package turn implements the Turn & Interruption Controller (spec §4.D):
// the Idle/UserSpeaking/Thinking/AssistantSpeaking state machine, barge-in
// debounce and coalescing, sample-accurate truncation, and outbound audio
// ducking while the user talks over the assistant.
//
// Generalized out of the interrupt-handling idiom used elsewhere in this
// module (plain struct plus mutex, a time.Time zero value as the "not set"
// sentinel) into an explicit state machine. Interruption here additionally
// ducks outbound audio rather than only silencing/dropping it.
package turn

import (
	"math"
	"sync"
	"time"
)

// State is one node of the turn state machine (spec §4.D).
type State string

const (
	Idle             State = "idle"
	UserSpeaking     State = "user_speaking"
	Thinking         State = "thinking"
	AssistantSpeaking State = "assistant_speaking"
	Interrupted      State = "interrupted"
)

const (
	// debounceWindow ignores speech_started events within 100ms of the
	// previous one (spec §4.D "Debounce").
	debounceWindow = 100 * time.Millisecond

	// coalesceWindow merges a provider-reported speech_started with the
	// controller's own local-VAD-reported one when both arrive close
	// together (spec §4.D "Barge-in ordering with server VAD").
	coalesceWindow = 200 * time.Millisecond

	// duckAttack and duckRelease are the gain-smoothing time constants for
	// audio ducking (spec §4.D "Audio ducking").
	duckAttack  = 100 * time.Millisecond
	duckRelease = 300 * time.Millisecond

	// duckTargetGain is -14dB expressed as a linear amplitude multiplier
	// (spec §4.D: "attenuate outbound TTS gain by -14dB (target 0.2
	// linear)").
	duckTargetGain = 0.2
	unityGain      = 1.0

	transportSampleRate = 48000
)

// Hooks are the side-effecting actions the controller triggers on
// interruption (spec §4.D steps 1-7). The controller itself holds no
// reference to the LLM/TTS/STT adapters — it only sequences these calls,
// keeping the interruption path free of provider-specific code.
type Hooks struct {
	CancelLLM       func()
	CancelTTS       func()
	ClearSTTBuffer  func()
	TruncateLLMItem func(responseID string, audioEndMs int64)
	OnInterrupted   func(responseID string, audioEndMs int64)
}

// Controller drives the per-participant turn state machine. One Controller
// belongs to exactly one orchestrator task, matching spec §5's
// single-owner-per-participant model — it is not safe to share across
// participants, though its own methods are internally synchronized since
// STT events and TTS-frame bookkeeping arrive from different goroutines.
type Controller struct {
	mu    sync.Mutex
	state State
	hooks Hooks

	interruptionsEnabled bool

	currentResponseID     string
	interruptedResponseID string // last response cut off by a barge-in
	samplesDelivered      int64  // samples actually handed to the transport for currentResponseID

	lastSpeechStartAt    time.Time
	lastLocalSpeechEvent time.Time
	lastProviderSpeech   time.Time

	// ducking state
	currentGain   float64
	duckDeadline  time.Time
	userSilentAt  time.Time
}

// NewController builds a Controller starting in Idle with interruptions
// enabled per interruptionsEnabledDefault (spec §6
// INTERRUPTIONS_ENABLED_DEFAULT).
func NewController(hooks Hooks, interruptionsEnabledDefault bool) *Controller {
	return &Controller{
		state:                Idle,
		hooks:                hooks,
		interruptionsEnabled: interruptionsEnabledDefault,
		currentGain:          unityGain,
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetInterruptionsEnabled toggles whether UserSpeaking-while-assistant-busy
// triggers a barge-in (spec §6 interruption_toggle).
func (c *Controller) SetInterruptionsEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interruptionsEnabled = enabled
}

// OnLocalSpeechStarted is called when the local VAD reports speech_started.
// Returns true if this triggered a barge-in interruption.
func (c *Controller) OnLocalSpeechStarted(now time.Time) bool {
	return c.onSpeechStarted(now, &c.lastLocalSpeechEvent, &c.lastProviderSpeech)
}

// OnProviderSpeechStarted is called when a fused realtime provider also
// reports speech_started (spec §4.D "Barge-in ordering with server VAD" —
// the controller stays authoritative; duplicate notifications within
// coalesceWindow of the local VAD's own event are coalesced, i.e. treated
// as the same barge-in rather than triggering it twice).
func (c *Controller) OnProviderSpeechStarted(now time.Time) bool {
	return c.onSpeechStarted(now, &c.lastProviderSpeech, &c.lastLocalSpeechEvent)
}

func (c *Controller) onSpeechStarted(now time.Time, own, other *time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Sub(*own) < debounceWindow {
		return false // debounced: too soon after this same source's last event
	}
	*own = now

	// Coalesce with the other source's very recent event rather than acting
	// twice for what is really one barge-in.
	if !other.IsZero() && now.Sub(*other) < coalesceWindow {
		return false
	}

	switch c.state {
	case Idle:
		c.state = UserSpeaking
		c.lastSpeechStartAt = now
		return false
	case AssistantSpeaking, Thinking:
		if !c.interruptionsEnabled {
			return false
		}
		c.lastSpeechStartAt = now
		c.interruptLocked(now)
		return true
	default:
		return false
	}
}

// OnSpeechStopped is called when the local VAD reports speech_stopped and a
// final transcript is available, advancing UserSpeaking -> Thinking (spec
// §4.D).
func (c *Controller) OnSpeechStopped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == UserSpeaking {
		c.state = Thinking
	}
	c.userSilentAt = time.Now()
}

// OnFirstAudioFrame is called when the first TTS/realtime audio frame for
// responseID is dispatched to the transport, advancing Thinking ->
// AssistantSpeaking (spec §4.D).
func (c *Controller) OnFirstAudioFrame(responseID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Thinking || c.state == Idle {
		c.state = AssistantSpeaking
	}
	c.currentResponseID = responseID
	c.samplesDelivered = 0
}

// RecordDelivered is called once per audio frame actually handed to the
// transport for the current response, accumulating the sample count the
// spec requires for truncation math (spec §9: "track samples actually
// handed to the transport (not samples synthesized)").
func (c *Controller) RecordDelivered(responseID string, samples int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if responseID != c.currentResponseID {
		return
	}
	c.samplesDelivered += int64(samples)
}

// IsInterruptable reports whether audio for responseID may still be
// transported — false once that response has been marked interrupted
// (spec §8: "no audio frames tagged with response_id=R are transported
// after the interruption timestamp").
func (c *Controller) IsInterruptable(responseID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return responseID == "" || responseID != c.interruptedResponseID
}

// interruptLocked runs the 8-step interruption sequence of spec §4.D.
// Caller holds c.mu.
func (c *Controller) interruptLocked(now time.Time) {
	responseID := c.currentResponseID
	audioEndMs := int64(0)
	if transportSampleRate > 0 {
		audioEndMs = c.samplesDelivered * 1000 / transportSampleRate
	}

	c.state = Interrupted
	c.interruptedResponseID = responseID

	// Hooks run synchronously: the spec requires cancellation to land
	// "within 100ms of speech_started detection" (§5), so there is no room
	// for an async dispatch here.
	if c.hooks.CancelLLM != nil {
		c.hooks.CancelLLM()
	}
	if c.hooks.CancelTTS != nil {
		c.hooks.CancelTTS()
	}
	if c.hooks.TruncateLLMItem != nil && responseID != "" {
		c.hooks.TruncateLLMItem(responseID, audioEndMs)
	}
	if c.hooks.ClearSTTBuffer != nil {
		c.hooks.ClearSTTBuffer()
	}
	if c.hooks.OnInterrupted != nil {
		c.hooks.OnInterrupted(responseID, audioEndMs)
	}

	c.state = UserSpeaking
}

// Gain computes the current outbound TTS gain multiplier given whether the
// user is presently speaking, applying the ducking attack/release envelope
// (spec §4.D "Audio ducking"). Call this once per outbound audio frame.
func (c *Controller) Gain(now time.Time, userSpeaking bool) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := unityGain
	tau := duckRelease
	if userSpeaking {
		target = duckTargetGain
		tau = duckAttack
	} else if now.Sub(c.userSilentAt) < duckRelease {
		// still within the 300ms hold before restoring full gain
		target = duckTargetGain
		tau = duckRelease
	}

	// Exponential smoothing toward target with time-constant tau, evaluated
	// per-frame using the elapsed time since the last Gain call.
	if c.duckDeadline.IsZero() {
		c.duckDeadline = now
	}
	elapsed := now.Sub(c.duckDeadline)
	c.duckDeadline = now
	if elapsed <= 0 || tau <= 0 {
		c.currentGain = target
		return c.currentGain
	}

	alpha := 1 - math.Exp(-float64(elapsed)/float64(tau))
	c.currentGain += (target - c.currentGain) * alpha
	return c.currentGain
}

// CurrentResponseID returns the response_id currently associated with
// assistant audio delivery (empty if none).
func (c *Controller) CurrentResponseID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentResponseID
}

// Reset returns the controller to Idle, used when a turn completes cleanly
// (no interruption) so the next user utterance starts fresh.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Idle
	c.currentResponseID = ""
	c.samplesDelivered = 0
}
