package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/livekit/protocol/auth"

	"github.com/aerovox/orchestrator/pkg/config"
	"github.com/aerovox/orchestrator/pkg/logging"
	"github.com/aerovox/orchestrator/pkg/metrics"
	"github.com/aerovox/orchestrator/pkg/orchestrator"
	llmProvider "github.com/aerovox/orchestrator/pkg/providers/llm"
	realtimeProvider "github.com/aerovox/orchestrator/pkg/providers/realtime"
	sttProvider "github.com/aerovox/orchestrator/pkg/providers/stt"
	ttsProvider "github.com/aerovox/orchestrator/pkg/providers/tts"
	"github.com/aerovox/orchestrator/pkg/room"
	"github.com/aerovox/orchestrator/pkg/session"
	"github.com/aerovox/orchestrator/pkg/tools"
)

// This is the room-driven entrypoint (spec §4.H): it joins one LiveKit room
// and serves every participant that connects to it through the full
// orchestrator pipeline, rather than the single local microphone cmd/localmic
// drives.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, using system environment variables")
	}

	logger, err := logging.New()
	if err != nil {
		log.Fatalf("logging: %v", err)
	}

	configFile := os.Getenv("CONFIG_FILE")
	cfgMgr, err := config.NewManager(configFile)
	if err != nil {
		logger.Error("config: load failed", "error", err)
		os.Exit(1)
	}
	cfg := cfgMgr.Current()

	recorder, err := metrics.New()
	if err != nil {
		logger.Error("metrics: init failed", "error", err)
		os.Exit(1)
	}

	roomName := os.Getenv("ROOM_NAME")
	if roomName == "" {
		roomName = "voice-agent"
	}
	identity := os.Getenv("AGENT_IDENTITY")
	if identity == "" {
		identity = "agent"
	}
	if cfg.RoomURL == "" || cfg.RoomAPIKey == "" || cfg.RoomAPISecret == "" {
		logger.Error("config: ROOM_URL, ROOM_API_KEY and ROOM_API_SECRET must all be set")
		os.Exit(1)
	}

	token, err := mintAgentToken(cfg.RoomAPIKey, cfg.RoomAPISecret, roomName, identity)
	if err != nil {
		logger.Error("room: mint token failed", "error", err)
		os.Exit(1)
	}

	providers, err := buildProviders()
	if err != nil {
		logger.Error("providers: build failed", "error", err)
		os.Exit(1)
	}

	store := session.NewStore(cfg.SessionTTL, func(id string, s *session.State) {
		logger.Info("session: evicted", "identity", id)
	})
	defer store.Close()

	registry := tools.NewRegistry()
	schema, err := tools.SearchFlightsSchema()
	if err != nil {
		logger.Error("tools: build search_flights schema failed", "error", err)
		os.Exit(1)
	}
	registry.Register(schema)

	flights := tools.NewFlightSearchClient(
		cfg.FlightAPIURL, "", cfg.ToolPrimaryTimeout, cfg.ToolFallbackTimeout, cfg.EnableMockFallback,
	)

	// room.Manager builds one tools.Dispatcher per participant over this
	// shared, read-only Registry/FlightSearchClient pair, each wired to that
	// participant's own data channel (spec §4.F progress messages).
	mgr := room.New(room.Deps{
		Providers: providers,
		Store:     store,
		Config:    cfgMgr,
		Tools:     registry.Schemas(),
		Registry:  registry,
		Flights:   flights,
		Logger:    logger,
		Metrics:   recorder,
		Farewell:  "Goodbye!",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Join(ctx, cfg.RoomURL, token); err != nil {
		logger.Error("room: join failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Joined room %q as %q — serving participants\n", roomName, identity)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("\nShutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	mgr.Shutdown(shutdownCtx)
}

// mintAgentToken self-mints a join token scoped to this room using the
// operator-supplied API key/secret (spec §6: the orchestrator process owns
// the room it serves, unlike a browser client which receives a
// backend-minted token).
func mintAgentToken(apiKey, apiSecret, roomName, identity string) (string, error) {
	at := auth.NewAccessToken(apiKey, apiSecret)
	grant := &auth.VideoGrant{RoomJoin: true, Room: roomName}
	at.SetVideoGrant(grant).SetIdentity(identity).SetValidFor(24 * time.Hour)
	return at.ToJWT()
}

// buildProviders selects concrete STT/LLM/TTS/Realtime/VAD adapters from
// environment variables, the same provider-selection switches cmd/localmic
// uses, so the two entrypoints stay configured consistently.
func buildProviders() (room.Providers, error) {
	groqKey := os.Getenv("GROQ_API_KEY")
	openaiKey := os.Getenv("OPENAI_API_KEY")
	anthropicKey := os.Getenv("ANTHROPIC_API_KEY")
	googleKey := os.Getenv("GOOGLE_API_KEY")
	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	assemblyKey := os.Getenv("ASSEMBLYAI_API_KEY")
	lokutorKey := os.Getenv("LOKUTOR_API_KEY")

	if lokutorKey == "" {
		return room.Providers{}, fmt.Errorf("LOKUTOR_API_KEY must be set")
	}

	sttProviderName := os.Getenv("STT_PROVIDER")
	if sttProviderName == "" {
		sttProviderName = "groq"
	}
	llmProviderName := os.Getenv("LLM_PROVIDER")
	if llmProviderName == "" {
		llmProviderName = "groq"
	}

	var stt orchestrator.STTProvider
	switch sttProviderName {
	case "openai":
		if openaiKey == "" {
			return room.Providers{}, fmt.Errorf("OPENAI_API_KEY must be set for openai STT")
		}
		stt = sttProvider.NewOpenAISTT(openaiKey, "whisper-1")
	case "deepgram":
		if deepgramKey == "" {
			return room.Providers{}, fmt.Errorf("DEEPGRAM_API_KEY must be set for deepgram STT")
		}
		stt = sttProvider.NewDeepgramSTT(deepgramKey)
	case "assemblyai":
		if assemblyKey == "" {
			return room.Providers{}, fmt.Errorf("ASSEMBLYAI_API_KEY must be set for assemblyai STT")
		}
		stt = sttProvider.NewAssemblyAISTT(assemblyKey)
	case "groq":
		fallthrough
	default:
		if groqKey == "" {
			return room.Providers{}, fmt.Errorf("GROQ_API_KEY must be set for groq STT")
		}
		groqModel := os.Getenv("GROQ_STT_MODEL")
		if groqModel == "" {
			groqModel = "whisper-large-v3-turbo"
		}
		stt = sttProvider.NewGroqSTT(groqKey, groqModel)
	}
	// The room transport decodes inbound audio at 16kHz (sttProviderSampleRate
	// in pkg/room/participant.go); providers that wrap a fixed-rate WAV
	// container need to be told that explicitly.
	if s, ok := stt.(interface{ SetSampleRate(int) }); ok {
		s.SetSampleRate(16000)
	}

	var llm orchestrator.LLMProvider
	switch llmProviderName {
	case "openai":
		if openaiKey == "" {
			return room.Providers{}, fmt.Errorf("OPENAI_API_KEY must be set for openai LLM")
		}
		llm = llmProvider.NewOpenAILLM(openaiKey, "gpt-4o")
	case "anthropic":
		if anthropicKey == "" {
			return room.Providers{}, fmt.Errorf("ANTHROPIC_API_KEY must be set for anthropic LLM")
		}
		llm = llmProvider.NewAnthropicLLM(anthropicKey, "claude-3-5-sonnet-20241022")
	case "google":
		if googleKey == "" {
			return room.Providers{}, fmt.Errorf("GOOGLE_API_KEY must be set for google LLM")
		}
		llm = llmProvider.NewGoogleLLM(googleKey, "gemini-1.5-flash")
	case "groq":
		fallthrough
	default:
		if groqKey == "" {
			return room.Providers{}, fmt.Errorf("GROQ_API_KEY must be set for groq LLM")
		}
		llm = llmProvider.NewGroqLLM(groqKey, "llama-3.3-70b-versatile")
	}

	tts := ttsProvider.NewLokutorTTS(lokutorKey)
	vad := orchestrator.NewRMSVAD(0.02, 500*time.Millisecond)

	var realtime orchestrator.RealtimeProvider
	if os.Getenv("REALTIME_PROVIDER") == "openai" {
		if openaiKey == "" {
			return room.Providers{}, fmt.Errorf("OPENAI_API_KEY must be set for the openai realtime provider")
		}
		realtime = realtimeProvider.NewOpenAIRealtime(openaiKey, "gpt-4o-realtime-preview")
	}

	return room.Providers{
		STT:      stt,
		LLM:      llm,
		TTS:      tts,
		Realtime: realtime,
		VAD:      vad,
	}, nil
}
