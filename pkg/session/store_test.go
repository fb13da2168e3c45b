package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerovox/orchestrator/pkg/orchestrator"
)

func TestGetOrCreate_NewThenExisting(t *testing.T) {
	store := NewStore(time.Minute, nil)
	defer store.Close()

	state, existed := store.GetOrCreate("user-1", orchestrator.LanguageEn, orchestrator.VoiceF1)
	require.False(t, existed)
	require.NotNil(t, state)

	state.AddMessage("user", "hello")

	again, existed := store.GetOrCreate("user-1", orchestrator.LanguageEn, orchestrator.VoiceF1)
	require.True(t, existed)
	assert.Equal(t, 1, len(again.GetContextCopy()))
}

func TestUpdate_SerializesAndMutates(t *testing.T) {
	store := NewStore(time.Minute, nil)
	defer store.Close()

	store.GetOrCreate("user-2", orchestrator.LanguageEn, orchestrator.VoiceF1)
	store.Update("user-2", func(s *State) {
		s.Environment = EnvironmentNoisy
		s.InterruptionsEnabled = false
	})

	state, _ := store.GetOrCreate("user-2", orchestrator.LanguageEn, orchestrator.VoiceF1)
	assert.Equal(t, EnvironmentNoisy, state.Environment)
	assert.False(t, state.InterruptionsEnabled)
}

func TestPreSpeechSequenceMonotonic(t *testing.T) {
	store := NewStore(time.Minute, nil)
	defer store.Close()

	state, _ := store.GetOrCreate("user-3", orchestrator.LanguageEn, orchestrator.VoiceF1)
	assert.Equal(t, uint64(1), state.NextPreSpeechSequence())
	assert.Equal(t, uint64(2), state.NextPreSpeechSequence())
	assert.Equal(t, uint64(3), state.NextPreSpeechSequence())
}

func TestEvict_InvokesCallbackAndRemoves(t *testing.T) {
	var evictedID string
	store := NewStore(time.Minute, func(identity string, s *State) {
		evictedID = identity
	})
	defer store.Close()

	store.GetOrCreate("user-4", orchestrator.LanguageEn, orchestrator.VoiceF1)
	require.Equal(t, 1, store.Len())

	store.Evict("user-4")
	assert.Equal(t, "user-4", evictedID)
	assert.Equal(t, 0, store.Len())

	store.Update("user-4", func(s *State) {
		t.Fatal("Update should be a no-op after eviction")
	})
}

func TestSweepOnce_EvictsExpiredSessions(t *testing.T) {
	var evicted []string
	store := NewStore(20*time.Millisecond, func(identity string, s *State) {
		evicted = append(evicted, identity)
	})
	defer store.Close()

	store.GetOrCreate("stale", orchestrator.LanguageEn, orchestrator.VoiceF1)
	store.Update("stale", func(s *State) {
		s.LastSeen = time.Now().Add(-time.Hour)
	})

	store.sweepOnce()
	assert.Contains(t, evicted, "stale")
	assert.Equal(t, 0, store.Len())
}
