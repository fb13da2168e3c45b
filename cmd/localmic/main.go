package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/joho/godotenv"

	"github.com/aerovox/orchestrator/pkg/audio"
	"github.com/aerovox/orchestrator/pkg/orchestrator"
	llmProvider "github.com/aerovox/orchestrator/pkg/providers/llm"
	sttProvider "github.com/aerovox/orchestrator/pkg/providers/stt"
	ttsProvider "github.com/aerovox/orchestrator/pkg/providers/tts"
	"github.com/aerovox/orchestrator/pkg/protocol"
	"github.com/aerovox/orchestrator/pkg/tools"
	"github.com/aerovox/orchestrator/pkg/turn"
)

const (
	// SampleRate and Channels are the local sound card's capture/playback
	// format; STT providers that wrap a fixed-rate WAV container are told
	// this explicitly via SetSampleRate below.
	SampleRate = 44100
	Channels   = 1

	// ttsSampleRate is Lokutor's websocket output rate (spec §4.A), matching
	// the assumption pkg/room/transport.go makes for the room path.
	ttsSampleRate = 24000
)

// This is a microphone-only development harness: it drives the same
// pkg/orchestrator.Pipeline (turn controller, pre-speech-text pacing,
// sequential tool-call loop, flight-search dispatcher) that cmd/agent drives
// over a LiveKit room, but over the local sound card via malgo instead of a
// room connection. There is no data-channel client here to render
// transcription/pre_speech_text envelopes, so localTransport prints them to
// the terminal instead of publishing them on a reliable data channel.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, using system environment variables")
	}

	groqKey := os.Getenv("GROQ_API_KEY")
	openaiKey := os.Getenv("OPENAI_API_KEY")
	anthropicKey := os.Getenv("ANTHROPIC_API_KEY")
	googleKey := os.Getenv("GOOGLE_API_KEY")
	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	assemblyKey := os.Getenv("ASSEMBLYAI_API_KEY")
	lokutorKey := os.Getenv("LOKUTOR_API_KEY")

	sttProviderName := os.Getenv("STT_PROVIDER")
	if sttProviderName == "" {
		sttProviderName = "groq"
	}
	llmProviderName := os.Getenv("LLM_PROVIDER")
	if llmProviderName == "" {
		llmProviderName = "groq"
	}

	lang := orchestrator.Language(os.Getenv("AGENT_LANGUAGE"))
	if lang == "" {
		lang = orchestrator.LanguageEs
	}

	if lokutorKey == "" {
		log.Fatal("Error: LOKUTOR_API_KEY must be set.")
	}

	var stt orchestrator.STTProvider
	switch sttProviderName {
	case "openai":
		if openaiKey == "" {
			log.Fatal("Error: OPENAI_API_KEY must be set for openai STT")
		}
		stt = sttProvider.NewOpenAISTT(openaiKey, "whisper-1")
	case "deepgram":
		if deepgramKey == "" {
			log.Fatal("Error: DEEPGRAM_API_KEY must be set for deepgram STT")
		}
		stt = sttProvider.NewDeepgramSTT(deepgramKey)
	case "assemblyai":
		if assemblyKey == "" {
			log.Fatal("Error: ASSEMBLYAI_API_KEY must be set for assemblyai STT")
		}
		stt = sttProvider.NewAssemblyAISTT(assemblyKey)
	case "groq":
		fallthrough
	default:
		if groqKey == "" {
			log.Fatal("Error: GROQ_API_KEY must be set for groq STT")
		}
		groqModel := os.Getenv("GROQ_STT_MODEL")
		if groqModel == "" {
			groqModel = "whisper-large-v3-turbo"
		}
		stt = sttProvider.NewGroqSTT(groqKey, groqModel)
	}
	if s, ok := stt.(interface{ SetSampleRate(int) }); ok {
		s.SetSampleRate(SampleRate)
	}

	var llm orchestrator.LLMProvider
	switch llmProviderName {
	case "openai":
		if openaiKey == "" {
			log.Fatal("Error: OPENAI_API_KEY must be set for openai LLM")
		}
		llm = llmProvider.NewOpenAILLM(openaiKey, "gpt-4o")
	case "anthropic":
		if anthropicKey == "" {
			log.Fatal("Error: ANTHROPIC_API_KEY must be set for anthropic LLM")
		}
		llm = llmProvider.NewAnthropicLLM(anthropicKey, "claude-3-5-sonnet-20241022")
	case "google":
		if googleKey == "" {
			log.Fatal("Error: GOOGLE_API_KEY must be set for google LLM")
		}
		llm = llmProvider.NewGoogleLLM(googleKey, "gemini-1.5-flash")
	case "groq":
		fallthrough
	default:
		if groqKey == "" {
			log.Fatal("Error: GROQ_API_KEY must be set for groq LLM")
		}
		llm = llmProvider.NewGroqLLM(groqKey, "llama-3.3-70b-versatile")
	}

	fmt.Printf("Configured: STT=%s | LLM=%s | TTS=Lokutor\n", sttProviderName, llmProviderName)
	fmt.Printf("VAD Threshold: %.3f | Sample Rate: %dHz | Language: %s\n", 0.02, SampleRate, lang)
	fmt.Println("Voice Agent Started! Listening to microphone...")
	fmt.Println("Press Ctrl+C to exit")

	tts := ttsProvider.NewLokutorTTS(lokutorKey)
	vad := orchestrator.NewRMSVAD(0.02, 500*time.Millisecond)

	session := orchestrator.NewConversationSession("user_123")
	cfg := orchestrator.DefaultConfig()
	session.MaxMessages = cfg.MaxContextMessages
	session.CurrentVoice = cfg.VoiceStyle
	session.CurrentLanguage = lang

	systemPrompt := "You are a helpful and concise voice assistant. Use short sentences suitable for speech."
	if lang == orchestrator.LanguageEs {
		systemPrompt = "Eres un asistente de voz util y conciso. Usa frases cortas adecuadas para el habla."
	}
	session.AddMessage("system", systemPrompt)

	registry := tools.NewRegistry()
	schema, err := tools.SearchFlightsSchema()
	if err != nil {
		log.Fatalf("tools: build search_flights schema failed: %v", err)
	}
	registry.Register(schema)

	flightAPIURL := os.Getenv("FLIGHT_API_URL")
	flights := tools.NewFlightSearchClient(flightAPIURL, "", 5*time.Second, 3*time.Second, true)

	transport, err := newLocalTransport(ttsSampleRate, SampleRate)
	if err != nil {
		log.Fatalf("audio: build local transport failed: %v", err)
	}

	// Same per-caller progress wiring pkg/room/participant.go uses: the
	// Dispatcher's progress callback reaches THIS pipeline's own transport
	// (spec §4.F), not a discarded no-op.
	var pipelineRef *orchestrator.Pipeline
	dispatcher := tools.NewDispatcher(registry, flights, func(text string) {
		if pipelineRef != nil {
			pipelineRef.SendSystemMessage(text)
		}
	})

	pipeline := orchestrator.NewPipeline(
		stt, llm, tts, dispatcher, registry.Schemas(),
		session, transport, nil, nil, orchestrator.DefaultPipelineConfig(),
	)
	pipelineRef = pipeline

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	greeting := "Hello! How can I help you find a flight today?"
	if lang == orchestrator.LanguageEs {
		greeting = "Hola! En que puedo ayudarte a encontrar un vuelo hoy?"
	}
	session.AddMessage("assistant", greeting)
	pipeline.SendSystemMessage(greeting)

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer mctx.Uninit()

	var utteranceMu sync.Mutex
	var utterance []byte
	var speaking bool

	var wg sync.WaitGroup

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput != nil {
			ev, err := vad.Process(pInput)
			if err == nil && ev != nil {
				now := time.Now()
				switch ev.Type {
				case orchestrator.VADSpeechStart:
					pipeline.OnLocalSpeechStarted(now)
					utteranceMu.Lock()
					speaking = true
					utterance = utterance[:0]
					utteranceMu.Unlock()
				case orchestrator.VADSpeechEnd:
					pipeline.OnSpeechStopped()
					utteranceMu.Lock()
					speaking = false
					buf := utterance
					utterance = nil
					utteranceMu.Unlock()
					if len(buf) > 0 {
						wg.Add(1)
						go func() {
							defer wg.Done()
							finalizeUtterance(ctx, pipeline, stt, session, buf)
						}()
					}
				}
			}

			// Don't accumulate the bot's own echo while it's speaking (same
			// rule as pkg/room/participant.go's ingestTransportFrame).
			if pipeline.TurnState() != turn.AssistantSpeaking {
				utteranceMu.Lock()
				if speaking {
					utterance = append(utterance, pInput...)
				}
				utteranceMu.Unlock()
			}
		}
		if pOutput != nil {
			transport.Read(pOutput)
		}
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = Channels
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = Channels
	deviceConfig.SampleRate = SampleRate
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onSamples,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		log.Fatal(err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Printf("\nShutting down...\n")
	cancel()
	wg.Wait()
}

// finalizeUtterance transcribes one completed utterance and feeds the result
// through the pipeline's turn loop, the same two-step pkg/room/participant.go
// uses (spec §3 Utterance invariant: "each utterance yields at most one
// final transcript").
func finalizeUtterance(ctx context.Context, pipeline *orchestrator.Pipeline, stt orchestrator.STTProvider, session *orchestrator.ConversationSession, pcm []byte) {
	tctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	transcript, err := stt.Transcribe(tctx, pcm, session.GetCurrentLanguage())
	if err != nil {
		fmt.Printf("\r\033[K[ERROR] %v\n", fmt.Errorf("%w: %w", orchestrator.ErrTranscriptionFailed, err))
		return
	}
	if strings.TrimSpace(transcript) == "" {
		return
	}

	if err := pipeline.HandleUserUtterance(tctx, transcript); err != nil {
		fmt.Printf("\r\033[K[ERROR] %v\n", err)
	}
}

// localTransport implements pkg/orchestrator.Pipeline's Transport interface
// over the local sound card instead of a LiveKit data channel/track: data
// envelopes are printed to the terminal, and TTS audio is resampled into a
// playback ring buffer malgo's output callback drains (spec §4.A, §4.B —
// same protocol, a terminal stands in for the data-channel client).
type localTransport struct {
	resampler *audio.Resampler // ttsSampleRate -> device sample rate

	playbackMu sync.Mutex
	playback   []byte

	ackMu       sync.Mutex
	speechToMsg map[string]string
}

func newLocalTransport(ttsRate, deviceRate int) (*localTransport, error) {
	resampler, err := audio.NewResampler(ttsRate, deviceRate)
	if err != nil {
		return nil, fmt.Errorf("localmic: build playback resampler: %w", err)
	}
	return &localTransport{resampler: resampler, speechToMsg: make(map[string]string)}, nil
}

// Send decodes and prints one outbound envelope, recording the
// pre_speech_text speech_id -> msg_id mapping the same way
// pkg/room/transport.go's roomTransport does (spec §4.B text_displayed).
func (t *localTransport) Send(data []byte) error {
	env, err := protocol.Decode(data)
	if err != nil {
		return fmt.Errorf("localmic: decode outbound envelope: %w", err)
	}
	t.print(env)
	if env.Type == protocol.TypePreSpeechText {
		var p protocol.PreSpeechTextPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			t.ackMu.Lock()
			t.speechToMsg[p.SpeechID] = env.MsgID
			t.ackMu.Unlock()
		}
	}
	return nil
}

func (t *localTransport) print(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeTranscription:
		var p protocol.TranscriptionPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			fmt.Printf("\r\033[K[%s] %s\n", strings.ToUpper(string(p.Speaker)), p.Text)
		}
	case protocol.TypePreSpeechText:
		var p protocol.PreSpeechTextPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			fmt.Printf("\r\033[K[PRE-SPEECH] %s\n", p.Text)
		}
	case protocol.TypeThinking:
		fmt.Printf("\r\033[K[LLM] Thinking...\n")
	case protocol.TypeSpeechStarting:
		fmt.Printf("\r\033[K[TTS] Speaking...\n")
	}
}

// SendAudio resamples one TTS chunk up to the device's playback rate and
// appends it to the ring buffer the malgo output callback drains.
func (t *localTransport) SendAudio(pcm []byte) error {
	resampled, err := t.resampler.Resample(audio.BytesToInt16(pcm))
	if err != nil {
		return fmt.Errorf("localmic: resample playback audio: %w", err)
	}
	t.playbackMu.Lock()
	t.playback = append(t.playback, audio.Int16ToBytes(resampled)...)
	t.playbackMu.Unlock()
	return nil
}

// Read drains up to len(out) bytes of pending playback audio into out,
// zero-filling the remainder (malgo's duplex callback expects a full
// buffer every call).
func (t *localTransport) Read(out []byte) {
	t.playbackMu.Lock()
	n := copy(out, t.playback)
	t.playback = t.playback[n:]
	t.playbackMu.Unlock()
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
}
