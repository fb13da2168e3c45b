package llm

// groqBaseURL is Groq's OpenAI-wire-compatible chat-completions endpoint.
const groqBaseURL = "https://api.groq.com/openai/v1"

// GroqLLM is an OpenAILLM pointed at Groq's API, since Groq serves the same
// chat-completions wire format OpenAI does.
type GroqLLM = OpenAILLM

// NewGroqLLM builds a Groq-backed LLM provider.
func NewGroqLLM(apiKey string, model string) *GroqLLM {
	if model == "" {
		model = "llama-3.3-70b-versatile"
	}
	return newOpenAICompatLLM(apiKey, model, groqBaseURL, "groq-llm")
}
