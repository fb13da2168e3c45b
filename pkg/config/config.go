// Package config loads and hot-reloads the orchestrator's operational
// configuration (spec §4.J, §6): VAD thresholds, environment presets,
// per-language models, timeouts, and feature flags. Grounded on
// lookatitude-beluga-ai and teradata-labs-loom, both of which configure
// their pipelines through github.com/spf13/viper; github.com/joho/godotenv
// (a teacher dependency) still seeds .env before viper binds the process
// environment, matching cmd/agent's existing .env loading.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// VADPreset tunes one environment profile (spec §4.J: quiet/medium/noisy
// map to min_silence_ms, min_speaking_ms, threshold).
type VADPreset struct {
	MinSilenceMs  int     `mapstructure:"min_silence_ms"`
	MinSpeakingMs int     `mapstructure:"min_speaking_ms"`
	Threshold     float64 `mapstructure:"threshold"`
}

// LanguageModelEntry is one row of the per-language provider/model table
// (spec §4.I): which STT model and TTS voice to use for a language code.
type LanguageModelEntry struct {
	STTModel string `mapstructure:"stt_model"`
	TTSVoice string `mapstructure:"tts_voice"`
}

// Config is an immutable snapshot of process configuration at a point in
// time. A fresh snapshot is produced on every hot-reload; callers hold the
// snapshot they were handed at session-start rather than a live pointer, so
// a mid-call reconfiguration never mutates state out from under an
// in-flight turn (spec §9: "pass an explicit SessionContext value
// containing... a config snapshot").
type Config struct {
	RoomURL       string
	RoomAPIKey    string
	RoomAPISecret string
	FlightAPIURL  string

	DefaultLanguage  string
	LanguageDenylist map[string][]string // language code -> denylisted model ids

	VADProfile string
	VADPresets map[string]VADPreset

	InterruptionsEnabledDefault bool
	SessionTTL                  time.Duration

	LLMSoftTimeout time.Duration
	LLMHardTimeout time.Duration

	ToolPrimaryTimeout  time.Duration
	ToolFallbackTimeout time.Duration
	EnableMockFallback  bool

	LanguageModels map[string]LanguageModelEntry

	FeatureFlags map[string]bool
}

// CurrentVADPreset resolves c.VADProfile against c.VADPresets, falling back
// to "medium" and then to a hardcoded safe default if the table is
// misconfigured (spec §7 policy_error: coerce to nearest valid and log).
func (c Config) CurrentVADPreset() VADPreset {
	if p, ok := c.VADPresets[c.VADProfile]; ok {
		return p
	}
	if p, ok := c.VADPresets["medium"]; ok {
		return p
	}
	return VADPreset{MinSilenceMs: 500, MinSpeakingMs: 100, Threshold: 0.02}
}

// FeatureEnabled reports whether a named feature flag is set.
func (c Config) FeatureEnabled(name string) bool {
	return c.FeatureFlags[name]
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("default_language", "en")
	v.SetDefault("vad_profile", "medium")
	v.SetDefault("interruptions_enabled_default", true)
	v.SetDefault("session_ttl_minutes", 30)
	v.SetDefault("llm_soft_timeout_ms", 20000)
	v.SetDefault("llm_hard_timeout_ms", 40000)
	v.SetDefault("tool_primary_timeout_ms", 5000)
	v.SetDefault("tool_fallback_timeout_ms", 10000)
	v.SetDefault("enable_mock_fallback", false)

	v.SetDefault("vad_presets.quiet.min_silence_ms", 700)
	v.SetDefault("vad_presets.quiet.min_speaking_ms", 60)
	v.SetDefault("vad_presets.quiet.threshold", 0.012)

	v.SetDefault("vad_presets.medium.min_silence_ms", 500)
	v.SetDefault("vad_presets.medium.min_speaking_ms", 100)
	v.SetDefault("vad_presets.medium.threshold", 0.02)

	v.SetDefault("vad_presets.noisy.min_silence_ms", 350)
	v.SetDefault("vad_presets.noisy.min_speaking_ms", 160)
	v.SetDefault("vad_presets.noisy.threshold", 0.05)

	v.SetDefault("language_models.en.stt_model", "whisper-large-v3-turbo")
	v.SetDefault("language_models.en.tts_voice", "F1")
	v.SetDefault("language_models.es.stt_model", "whisper-large-v3-turbo")
	v.SetDefault("language_models.es.tts_voice", "F2")
	// multilingual fallback entry is mandatory per spec §4.I.
	v.SetDefault("language_models.multi.stt_model", "whisper-large-v3-turbo")
	v.SetDefault("language_models.multi.tts_voice", "F1")
}

func bindEnv(v *viper.Viper) error {
	binds := map[string]string{
		"room_url":                      "ROOM_URL",
		"room_api_key":                  "ROOM_API_KEY",
		"room_api_secret":               "ROOM_API_SECRET",
		"flight_api_url":                "FLIGHT_API_URL",
		"default_language":              "DEFAULT_LANGUAGE",
		"language_denylist_json":        "LANGUAGE_DENYLIST_JSON",
		"vad_profile":                   "VAD_PROFILE",
		"interruptions_enabled_default": "INTERRUPTIONS_ENABLED_DEFAULT",
		"session_ttl_minutes":           "SESSION_TTL_MINUTES",
		"llm_soft_timeout_ms":           "LLM_SOFT_TIMEOUT_MS",
		"llm_hard_timeout_ms":           "LLM_HARD_TIMEOUT_MS",
		"tool_primary_timeout_ms":       "TOOL_PRIMARY_TIMEOUT_MS",
		"tool_fallback_timeout_ms":      "TOOL_FALLBACK_TIMEOUT_MS",
		"enable_mock_fallback":          "ENABLE_MOCK_FALLBACK",
	}
	for key, env := range binds {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("config: bind env %s: %w", env, err)
		}
	}
	return nil
}

func build(v *viper.Viper) (Config, error) {
	var presets map[string]VADPreset
	if err := v.UnmarshalKey("vad_presets", &presets); err != nil {
		return Config{}, fmt.Errorf("config: decode vad_presets: %w", err)
	}
	var models map[string]LanguageModelEntry
	if err := v.UnmarshalKey("language_models", &models); err != nil {
		return Config{}, fmt.Errorf("config: decode language_models: %w", err)
	}
	if _, ok := models["multi"]; !ok {
		return Config{}, fmt.Errorf("config: language_models must define a \"multi\" fallback entry (spec §4.I)")
	}

	denylist := parseDenylist(v.GetString("language_denylist_json"))

	return Config{
		RoomURL:                     v.GetString("room_url"),
		RoomAPIKey:                  v.GetString("room_api_key"),
		RoomAPISecret:               v.GetString("room_api_secret"),
		FlightAPIURL:                v.GetString("flight_api_url"),
		DefaultLanguage:             v.GetString("default_language"),
		LanguageDenylist:            denylist,
		VADProfile:                  v.GetString("vad_profile"),
		VADPresets:                  presets,
		InterruptionsEnabledDefault: v.GetBool("interruptions_enabled_default"),
		SessionTTL:                  time.Duration(v.GetInt("session_ttl_minutes")) * time.Minute,
		LLMSoftTimeout:              time.Duration(v.GetInt("llm_soft_timeout_ms")) * time.Millisecond,
		LLMHardTimeout:              time.Duration(v.GetInt("llm_hard_timeout_ms")) * time.Millisecond,
		ToolPrimaryTimeout:          time.Duration(v.GetInt("tool_primary_timeout_ms")) * time.Millisecond,
		ToolFallbackTimeout:         time.Duration(v.GetInt("tool_fallback_timeout_ms")) * time.Millisecond,
		EnableMockFallback:          v.GetBool("enable_mock_fallback"),
		LanguageModels:              models,
		FeatureFlags:                v.GetStringMapBool("feature_flags"),
	}, nil
}

// parseDenylist decodes LANGUAGE_DENYLIST_JSON, a map of language code to a
// list of model ids that must never be selected for it (spec §4.I: "avoid
// models known-bad for specific languages by consulting a denylist").
// Malformed JSON degrades to an empty denylist rather than failing startup.
func parseDenylist(raw string) map[string][]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string][]string{}
	}
	v := viper.New()
	v.SetConfigType("json")
	if err := v.ReadConfig(strings.NewReader(raw)); err != nil {
		return map[string][]string{}
	}
	out := map[string][]string{}
	for lang, val := range v.AllSettings() {
		if list, ok := val.([]interface{}); ok {
			models := make([]string, 0, len(list))
			for _, m := range list {
				if s, ok := m.(string); ok {
					models = append(models, s)
				}
			}
			out[lang] = models
		}
	}
	return out
}

// Manager owns a viper instance and the current Config snapshot, publishing
// fresh snapshots to subscribers on every reload (spec §4.J:
// "hot-reconfigurable VAD/environment").
type Manager struct {
	v *viper.Viper

	mu          sync.RWMutex
	current     Config
	subscribers []func(Config)
}

// NewManager builds a Manager, optionally reading configFile (if non-empty)
// in addition to the process environment, and starts watching it for
// changes.
func NewManager(configFile string) (*Manager, error) {
	v := viper.New()
	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, err
	}
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	cfg, err := build(v)
	if err != nil {
		return nil, err
	}

	m := &Manager{v: v, current: cfg}

	if configFile != "" {
		v.OnConfigChange(func(_ fsnotify.Event) {
			m.reload()
		})
		v.WatchConfig()
	}

	return m, nil
}

func (m *Manager) reload() {
	cfg, err := build(m.v)
	if err != nil {
		// Keep serving the last-known-good config rather than an error or a
		// zero-value one (spec §7: protocol/config errors are logged and
		// dropped, never crash the process).
		return
	}
	m.mu.Lock()
	m.current = cfg
	subs := append([]func(Config){}, m.subscribers...)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(cfg)
	}
}

// Current returns the latest config snapshot.
func (m *Manager) Current() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers fn to be called with every new snapshot after a
// hot-reload (not called for the initial load).
func (m *Manager) OnChange(fn func(Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}
