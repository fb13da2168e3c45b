// Package language implements the Language Policy component (spec §4.I):
// initial-language resolution on join, the confidence-sustained lock/switch
// rule, and the per-language (STT model, TTS voice) selection table with a
// mandatory multilingual fallback and a denylist.
//
// Grounded on the teacher's ConversationSession.CurrentLanguage field
// (pkg/orchestrator/types.go) for the Language type itself; the lock/switch
// state machine and denylist are new, built against pkg/config's
// LanguageModelEntry table.
package language

import (
	"strings"
	"sync"

	"github.com/aerovox/orchestrator/pkg/config"
	"github.com/aerovox/orchestrator/pkg/orchestrator"
)

// lockSwitchStreak is the number of consecutive utterances a new language
// must be detected at (each at sustainedConfidence or above) before the
// policy switches away from a locked language (spec §4.I: "a detected
// change sustained over three consecutive utterances with confidence ≥
// 0.8").
const (
	lockSwitchStreak    = 3
	sustainedConfidence = 0.8
	initialConfidence   = 0.8
)

// JoinMetadata is the subset of room-join information the policy consults
// to resolve the initial language (spec §4.I step a).
type JoinMetadata struct {
	Language string // participant-supplied language hint, empty if absent
}

// Detection is one STT-reported language detection with confidence, used
// both for initial resolution (step b) and for the runtime switch rule.
type Detection struct {
	Language   string
	Confidence float64
}

// Policy tracks one participant's language lock and resolves model/voice
// selection against the config-supplied table. Its methods are guarded by
// an internal mutex; callers still hold one Policy per participant,
// consistent with the orchestrator's single-task-per-participant ownership
// (spec §5), since the language lock is per-participant state.
type Policy struct {
	mu sync.Mutex

	table         map[string]config.LanguageModelEntry
	denylist      map[string][]string
	serverDefault string

	locked          string
	switchCandidate string
	switchStreak    int
}

// NewPolicy builds a Policy from a config snapshot. It panics if the table
// lacks the mandatory "multi" fallback entry — pkg/config.build already
// guards this at load time, so reaching NewPolicy without it indicates a
// programming error, not a runtime condition to recover from.
func NewPolicy(cfg config.Config) *Policy {
	if _, ok := cfg.LanguageModels["multi"]; !ok {
		panic("language: config is missing the mandatory \"multi\" fallback entry")
	}
	return &Policy{
		table:         cfg.LanguageModels,
		denylist:      cfg.LanguageDenylist,
		serverDefault: cfg.DefaultLanguage,
	}
}

// ResolveInitial decides the starting language on join (spec §4.I):
// participant metadata, else first high-confidence detection, else server
// default. A low-confidence initial detection pins to the server default
// rather than the multilingual fallback model (see SPEC_FULL.md Open
// Question decision #2) — the multilingual entry is reserved for
// mid-conversation degraded-confidence switching, not first contact.
func (p *Policy) ResolveInitial(meta JoinMetadata, firstDetection *Detection) orchestrator.Language {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case meta.Language != "":
		p.locked = meta.Language
	case firstDetection != nil && firstDetection.Confidence >= initialConfidence:
		p.locked = firstDetection.Language
	default:
		p.locked = p.serverDefault
	}
	return orchestrator.Language(p.locked)
}

// Locked returns the currently locked language.
func (p *Policy) Locked() orchestrator.Language {
	p.mu.Lock()
	defer p.mu.Unlock()
	return orchestrator.Language(p.locked)
}

// ExplicitSwitch handles a client-originated state_update{language} message
// (spec §4.I: "the language changes only via an explicit state_update...
// or a detected change sustained over three consecutive utterances").
func (p *Policy) ExplicitSwitch(lang string) orchestrator.Language {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locked = lang
	p.switchCandidate = ""
	p.switchStreak = 0
	return orchestrator.Language(p.locked)
}

// ObserveDetection feeds one utterance's detected language into the switch
// rule. It returns the (possibly unchanged) locked language and whether a
// switch just happened. Detections at the locked language, or below
// sustainedConfidence, reset the candidate streak — oscillating low-
// confidence noise must not slowly nudge the lock away (spec §4.I: "to
// avoid mid-conversation oscillation").
func (p *Policy) ObserveDetection(d Detection) (lang orchestrator.Language, switched bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if d.Language == p.locked || d.Confidence < sustainedConfidence {
		p.switchCandidate = ""
		p.switchStreak = 0
		return orchestrator.Language(p.locked), false
	}

	if d.Language == p.switchCandidate {
		p.switchStreak++
	} else {
		p.switchCandidate = d.Language
		p.switchStreak = 1
	}

	if p.switchStreak >= lockSwitchStreak {
		p.locked = p.switchCandidate
		p.switchCandidate = ""
		p.switchStreak = 0
		return orchestrator.Language(p.locked), true
	}

	return orchestrator.Language(p.locked), false
}

// Select resolves (STT model, TTS voice) for the currently locked language,
// falling back to the multilingual entry for an unknown language code, and
// coercing away from any denylisted model for that language (spec §4.I,
// §7 policy_error: "coerce to nearest valid and log").
func (p *Policy) Select() config.LanguageModelEntry {
	p.mu.Lock()
	lang := p.locked
	p.mu.Unlock()
	return p.SelectFor(lang)
}

// SelectFor resolves the model/voice table entry for an arbitrary language
// code, independent of the current lock — used by the orchestrator when
// warming a provider ahead of a lock decision.
func (p *Policy) SelectFor(lang string) config.LanguageModelEntry {
	entry, ok := p.table[lang]
	if !ok {
		entry = p.table["multi"]
	}
	if p.isDenied(lang, entry.STTModel) {
		entry.STTModel = p.table["multi"].STTModel
	}
	return entry
}

func (p *Policy) isDenied(lang, model string) bool {
	for _, denied := range p.denylist[lang] {
		if strings.EqualFold(denied, model) {
			return true
		}
	}
	return false
}
