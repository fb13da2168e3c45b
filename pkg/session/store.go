// Package session implements the Session State Store (spec §4.G, §3):
// per-participant state keyed by stable identity, single-writer-per-key
// access, and TTL eviction. Generalizes the teacher's single in-process
// orchestrator.ConversationSession (which only ever handled one session at
// a time) into a Store keyed by participant identity, reusing
// ConversationSession/Message as the per-participant ring buffer rather
// than reinventing turn storage.
package session

import (
	"sync"
	"time"

	"github.com/aerovox/orchestrator/pkg/orchestrator"
)

// Environment is the VAD tuning preset a participant is operating under
// (spec §3 SessionState.environment).
type Environment string

const (
	EnvironmentQuiet  Environment = "quiet"
	EnvironmentMedium Environment = "medium"
	EnvironmentNoisy  Environment = "noisy"
)

// State is the per-participant record the store owns (spec §3 SessionState).
// It embeds the teacher's ConversationSession for conversation_history and
// voice/language, and adds the fields spec §3 names that the teacher never
// needed in its single-session shape: environment, interruption toggle,
// pending tool calls, and the pre-speech sequence counter (spec §4.E: reset
// only when the store evicts the session).
type State struct {
	*orchestrator.ConversationSession

	Identity             string
	DisplayName          string
	Environment          Environment
	InterruptionsEnabled bool
	PendingToolCalls     map[string]orchestrator.ToolCallRequest
	PreSpeechSequence    uint64

	LastSeen time.Time
	mu       sync.Mutex
}

// NextPreSpeechSequence returns the next monotonic pre_speech_text sequence
// number for this participant (spec §4.E).
func (s *State) NextPreSpeechSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PreSpeechSequence++
	return s.PreSpeechSequence
}

// entry pairs a State with the mutex that serializes writes to it — the
// single-writer-per-identity discipline spec §3 requires ("Ownership: ...
// the Session State Store is shared by identity and uses a
// single-writer-per-identity discipline").
type entry struct {
	mu    sync.Mutex
	state *State
}

// Store is the participant-identity-keyed Session State Store (spec §4.G).
// A striped approach isn't needed here: the store holds one *entry per
// identity and each entry carries its own mutex, so writers for different
// identities never contend — only operations on the same identity serialize.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	ttl     time.Duration

	stopSweep chan struct{}
	onEvict   func(identity string, s *State)
}

// NewStore builds a Store with the given inactivity TTL (spec §6
// SESSION_TTL_MINUTES, default 30 min per spec §3). onEvict, if non-nil, is
// invoked synchronously from the sweep goroutine whenever a session is
// evicted. cmd/agent passes a callback that logs the eviction; no farewell
// is sent to the participant.
func NewStore(ttl time.Duration, onEvict func(identity string, s *State)) *Store {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	st := &Store{
		entries:   make(map[string]*entry),
		ttl:       ttl,
		stopSweep: make(chan struct{}),
		onEvict:   onEvict,
	}
	go st.sweepLoop()
	return st
}

// GetOrCreate returns the existing session for identity, or creates a new
// one. The second return value reports whether the session already existed
// (spec §4.G: "On GetOrCreate for an existing identity, the orchestrator
// emits a... 'welcome back' message rather than the first-time greeting" —
// the orchestrator makes that decision off this bool).
func (s *Store) GetOrCreate(identity string, defaultLang orchestrator.Language, defaultVoice orchestrator.Voice) (*State, bool) {
	s.mu.Lock()
	e, existed := s.entries[identity]
	if !existed {
		e = &entry{}
		s.entries[identity] = e
	}
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != nil {
		e.state.mu.Lock()
		e.state.LastSeen = time.Now()
		e.state.mu.Unlock()
		return e.state, true
	}

	cs := orchestrator.NewConversationSession(identity)
	cs.CurrentLanguage = defaultLang
	cs.CurrentVoice = defaultVoice

	state := &State{
		ConversationSession:  cs,
		Identity:             identity,
		Environment:          EnvironmentMedium,
		InterruptionsEnabled: true,
		PendingToolCalls:     make(map[string]orchestrator.ToolCallRequest),
		LastSeen:             time.Now(),
	}
	e.state = state
	return state, false
}

// Update runs fn against the session for identity under that identity's
// single-writer lock, serializing concurrent mutators (spec §4.G). It is a
// no-op if identity has never been created.
func (s *Store) Update(identity string, fn func(*State)) {
	s.mu.RLock()
	e, ok := s.entries[identity]
	s.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != nil {
		fn(e.state)
	}
}

// Touch refreshes LastSeen for identity without otherwise mutating state,
// used on every inbound message/audio frame to keep the TTL alive.
func (s *Store) Touch(identity string) {
	s.mu.RLock()
	e, ok := s.entries[identity]
	s.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	if e.state != nil {
		e.state.mu.Lock()
		e.state.LastSeen = time.Now()
		e.state.mu.Unlock()
	}
	e.mu.Unlock()
}

// Evict removes identity's session immediately, invoking onEvict first.
func (s *Store) Evict(identity string) {
	s.mu.Lock()
	e, ok := s.entries[identity]
	if ok {
		delete(s.entries, identity)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()
	if state != nil && s.onEvict != nil {
		s.onEvict(identity, state)
	}
}

// Len reports how many sessions are currently tracked (for diagnostics).
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close stops the eviction sweep goroutine.
func (s *Store) Close() {
	close(s.stopSweep)
}

func (s *Store) sweepLoop() {
	interval := s.ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Store) sweepOnce() {
	now := time.Now()

	s.mu.RLock()
	identities := make([]string, 0, len(s.entries))
	for id := range s.entries {
		identities = append(identities, id)
	}
	s.mu.RUnlock()

	for _, id := range identities {
		s.mu.RLock()
		e, ok := s.entries[id]
		s.mu.RUnlock()
		if !ok {
			continue
		}

		e.mu.Lock()
		expired := e.state != nil && now.Sub(e.state.LastSeen) > s.ttl
		state := e.state
		e.mu.Unlock()

		if expired {
			s.mu.Lock()
			delete(s.entries, id)
			s.mu.Unlock()
			if s.onEvict != nil {
				s.onEvict(id, state)
			}
		}
	}
}
