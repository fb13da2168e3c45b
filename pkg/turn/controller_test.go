package turn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_IdleToUserSpeaking(t *testing.T) {
	c := NewController(Hooks{}, true)
	now := time.Now()
	interrupted := c.OnLocalSpeechStarted(now)
	assert.False(t, interrupted)
	assert.Equal(t, UserSpeaking, c.State())
}

func TestController_DebouncesRapidSpeechStarted(t *testing.T) {
	c := NewController(Hooks{}, true)
	now := time.Now()
	c.OnLocalSpeechStarted(now)
	c.OnSpeechStopped()
	c.OnFirstAudioFrame("r1")
	require.Equal(t, AssistantSpeaking, c.State())

	// second event arrives 50ms later, inside the debounce window: ignored.
	interrupted := c.OnLocalSpeechStarted(now.Add(50 * time.Millisecond))
	assert.False(t, interrupted)
	assert.Equal(t, AssistantSpeaking, c.State())
}

func TestController_BargeInDuringAssistantSpeakingInterrupts(t *testing.T) {
	var cancelledLLM, cancelledTTS, clearedSTT bool
	var truncResponseID string
	var truncMs int64

	c := NewController(Hooks{
		CancelLLM:      func() { cancelledLLM = true },
		CancelTTS:      func() { cancelledTTS = true },
		ClearSTTBuffer: func() { clearedSTT = true },
		TruncateLLMItem: func(responseID string, audioEndMs int64) {
			truncResponseID = responseID
			truncMs = audioEndMs
		},
	}, true)

	now := time.Now()
	c.OnLocalSpeechStarted(now)
	c.OnSpeechStopped()
	c.OnFirstAudioFrame("resp-1")
	c.RecordDelivered("resp-1", 48000) // 1 second of audio at 48kHz

	interrupted := c.OnLocalSpeechStarted(now.Add(500 * time.Millisecond))
	assert.True(t, interrupted)
	assert.True(t, cancelledLLM)
	assert.True(t, cancelledTTS)
	assert.True(t, clearedSTT)
	assert.Equal(t, "resp-1", truncResponseID)
	assert.Equal(t, int64(1000), truncMs)
	assert.Equal(t, UserSpeaking, c.State())
}

func TestController_InterruptionsDisabledSuppressesBargeIn(t *testing.T) {
	var cancelled bool
	c := NewController(Hooks{CancelLLM: func() { cancelled = true }}, false)
	now := time.Now()
	c.OnLocalSpeechStarted(now)
	c.OnSpeechStopped()
	c.OnFirstAudioFrame("resp-1")

	interrupted := c.OnLocalSpeechStarted(now.Add(500 * time.Millisecond))
	assert.False(t, interrupted)
	assert.False(t, cancelled)
	assert.Equal(t, AssistantSpeaking, c.State())
}

func TestController_CoalescesProviderAndLocalSpeechEvents(t *testing.T) {
	calls := 0
	c := NewController(Hooks{CancelLLM: func() { calls++ }}, true)
	now := time.Now()
	c.OnLocalSpeechStarted(now)
	c.OnSpeechStopped()
	c.OnFirstAudioFrame("resp-1")

	c.OnLocalSpeechStarted(now.Add(500 * time.Millisecond))
	assert.Equal(t, 1, calls)

	// The fused provider reports its own speech_started 50ms later — within
	// the coalesce window of the local event already handled above — so it
	// must not trigger a second interruption.
	c.OnFirstAudioFrame("resp-2")
	secondInterrupted := c.OnProviderSpeechStarted(now.Add(550 * time.Millisecond))
	assert.False(t, secondInterrupted)
	assert.Equal(t, 1, calls)
}

func TestController_GainDucksWhileUserSpeaksAndRestoresAfterRelease(t *testing.T) {
	c := NewController(Hooks{}, true)
	now := time.Now()

	g := c.Gain(now, true)
	assert.Less(t, g, unityGain)

	// many small steps while user keeps talking should approach the target
	for i := 1; i <= 50; i++ {
		g = c.Gain(now.Add(time.Duration(i)*10*time.Millisecond), true)
	}
	assert.InDelta(t, duckTargetGain, g, 0.05)

	c.OnSpeechStopped()
	later := now.Add(2 * time.Second)
	for i := 0; i < 50; i++ {
		g = c.Gain(later.Add(time.Duration(i)*10*time.Millisecond), false)
	}
	assert.InDelta(t, unityGain, g, 0.05)
}

func TestController_RecordDeliveredIgnoresStaleResponseID(t *testing.T) {
	var truncMs int64
	c := NewController(Hooks{
		TruncateLLMItem: func(_ string, audioEndMs int64) { truncMs = audioEndMs },
	}, true)
	c.OnFirstAudioFrame("resp-1")
	c.RecordDelivered("resp-0", 48000)
	c.RecordDelivered("resp-1", 24000)
	c.OnLocalSpeechStarted(time.Now())
	c.OnSpeechStopped()

	assert.Equal(t, "resp-1", c.CurrentResponseID())
	// only the 24000 resp-1 samples count: 24000 * 1000 / 48000 = 500ms
	assert.Equal(t, int64(500), truncMs)
}

func TestController_ResetReturnsToIdle(t *testing.T) {
	c := NewController(Hooks{}, true)
	c.OnLocalSpeechStarted(time.Now())
	c.Reset()
	assert.Equal(t, Idle, c.State())
	assert.Empty(t, c.CurrentResponseID())
}
