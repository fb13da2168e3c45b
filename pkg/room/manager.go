// Package room implements the Room Session Manager (spec §4.H): it joins a
// LiveKit room with a caller-supplied token, spawns one orchestrator task
// per remote participant, subscribes to that participant's audio track,
// publishes an outbound TTS track, and drains in-flight work on graceful
// shutdown.
//
// Grounded on lookatitude-beluga-ai's livekit/server-sdk-go dependency and
// the other_examples chriscow-livekit-agents-go session/agent pair, which
// shows the same one-task-per-room-participant shape this package
// generalizes to the full STT/LLM/TTS/tool pipeline in pkg/orchestrator.
package room

import (
	"context"
	"fmt"
	"sync"
	"time"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v3"

	"github.com/aerovox/orchestrator/pkg/config"
	"github.com/aerovox/orchestrator/pkg/language"
	"github.com/aerovox/orchestrator/pkg/orchestrator"
	"github.com/aerovox/orchestrator/pkg/session"
	"github.com/aerovox/orchestrator/pkg/tools"
)

// drainTimeout bounds how long graceful shutdown waits for in-flight tool
// calls to finish before closing anyway (spec §4.H: "drain in-flight tool
// calls (bounded 2s)").
const drainTimeout = 2 * time.Second

// Providers bundles the shared, read-only provider handles every
// participant task is built against (spec §5: "Provider client objects are
// shared read-only"). VAD is the exception: it carries per-utterance state,
// so the Manager clones it per participant (VADProvider.Clone, spec §4.C).
type Providers struct {
	STT      orchestrator.STTProvider      // may additionally implement StreamingSTTProvider
	LLM      orchestrator.LLMProvider      // may additionally implement StreamingLLMProvider
	TTS      orchestrator.TTSProvider
	Realtime orchestrator.RealtimeProvider // non-nil selects the fused realtime path (spec §4.C)
	VAD      orchestrator.VADProvider      // prototype, cloned per participant
}

// Deps is everything the Manager needs beyond the room connection itself.
type Deps struct {
	Providers Providers
	Store     *session.Store
	Config    *config.Manager
	Tools     []orchestrator.ToolSchema

	// Registry and Flights are shared, read-only tool-dispatch ingredients
	// (spec §5: provider/client objects are shared read-only). The Manager
	// does NOT build one process-wide Dispatcher from them: each
	// participantTask builds its own, with a progress callback wired to that
	// participant's own transport, so the "Searching for flights…" progress
	// message (spec §4.F) reaches the participant who actually asked.
	Registry *tools.Registry
	Flights  *tools.FlightSearchClient

	Logger  orchestrator.Logger
	Metrics orchestrator.Metrics

	// Farewell, if non-empty, is spoken as a transcription{system} message
	// on graceful shutdown (spec §4.H: "send a final transcription{system}
	// farewell if configured").
	Farewell string
}

// Manager owns the LiveKit room connection and the set of live
// participant tasks. Exactly one Manager exists per room the process
// serves.
type Manager struct {
	deps   Deps
	room   *lksdk.Room
	logger orchestrator.Logger

	mu    sync.Mutex
	tasks map[string]*participantTask

	shuttingDown bool
}

// New builds a Manager. Join must be called afterward to actually connect.
func New(deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	return &Manager{
		deps:   deps,
		logger: logger,
		tasks:  make(map[string]*participantTask),
	}
}

// Join connects to the room at url using token (spec §6: the orchestrator
// is a consumer of an externally-minted token, never a minter). The room
// name may carry an opaque language-routing suffix (spec §4.H "Room
// naming") — the Manager never parses it; that's Language Policy's concern,
// applied per participant as join metadata arrives.
func (m *Manager) Join(ctx context.Context, url, token string) error {
	cb := &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				m.onTrackSubscribed(track, rp)
			},
			OnDataPacket: func(data lksdk.DataPacket, params lksdk.DataReceiveParams) {
				m.onDataPacket(params.SenderIdentity, data)
			},
		},
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			m.ensureTask(rp)
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			m.onParticipantLeft(rp.Identity())
		},
	}

	room, err := lksdk.ConnectToRoomWithToken(url, token, cb, lksdk.WithAutoSubscribe(true))
	if err != nil {
		return fmt.Errorf("room: connect: %w", err)
	}
	m.room = room

	for _, rp := range room.GetRemoteParticipants() {
		m.ensureTask(rp)
	}
	return nil
}

func (m *Manager) ensureTask(rp *lksdk.RemoteParticipant) *participantTask {
	identity := rp.Identity()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shuttingDown {
		return nil
	}
	if t, ok := m.tasks[identity]; ok {
		return t
	}

	t, err := newParticipantTask(context.Background(), m, rp)
	if err != nil {
		m.logger.Error("room: spawn participant task failed", "identity", identity, "error", err)
		return nil
	}
	m.tasks[identity] = t
	return t
}

func (m *Manager) onTrackSubscribed(track *webrtc.TrackRemote, rp *lksdk.RemoteParticipant) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	t := m.ensureTask(rp)
	if t == nil {
		return
	}
	t.attachInboundTrack(track)
}

func (m *Manager) onDataPacket(senderIdentity string, data lksdk.DataPacket) {
	up, ok := data.(*lksdk.UserDataPacket)
	if !ok {
		return
	}
	m.mu.Lock()
	t, ok := m.tasks[senderIdentity]
	m.mu.Unlock()
	if !ok {
		return
	}
	t.handleDataMessage(up.Payload)
}

// onParticipantLeft cancels the leaving participant's orchestrator task but
// preserves its SessionState in the Store (spec §4.H: "on participant
// leave, cancel the orchestrator task but preserve SessionState").
func (m *Manager) onParticipantLeft(identity string) {
	m.mu.Lock()
	t, ok := m.tasks[identity]
	if ok {
		delete(m.tasks, identity)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	t.cancel()
}

// Shutdown drains in-flight tool calls (bounded drainTimeout), optionally
// speaks a farewell on every live task, then disconnects from the room
// (spec §4.H graceful shutdown).
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.shuttingDown = true
	tasks := make([]*participantTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(t *participantTask) {
			defer wg.Done()
			t.drainAndClose(drainCtx, m.deps.Farewell)
		}(t)
	}
	wg.Wait()

	if m.room != nil {
		m.room.Disconnect()
	}
}

// languagePolicyFor builds a fresh Policy for one participant from the
// current config snapshot (spec §4.I); Policy carries per-participant lock
// state so it cannot be shared across tasks.
func (m *Manager) languagePolicyFor() *language.Policy {
	return language.NewPolicy(m.deps.Config.Current())
}
