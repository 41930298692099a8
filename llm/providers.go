package llm

// compatDefaults holds the endpoint defaults of hosted and local
// providers that speak the OpenAI chat/embeddings wire format.
var compatDefaults = map[string]compatDefault{
	"lmstudio":   {baseURL: "http://localhost:1234", prefix: "/v1"},
	"openrouter": {baseURL: "https://openrouter.ai/api", prefix: "/v1"},
	"groq":       {baseURL: "https://api.groq.com/openai", prefix: "/v1", model: "llama-3.3-70b-versatile"},
	"xai":        {baseURL: "https://api.x.ai", prefix: "/v1"},
	// Gemini's OpenAI endpoint already carries its version in the base URL.
	"gemini": {baseURL: "https://generativelanguage.googleapis.com/v1beta/openai", prefix: ""},
}

type compatDefault struct {
	baseURL string
	prefix  string
	model   string
}

func newCompatProvider(cfg Config, d compatDefault) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = d.baseURL
	}
	if cfg.Model == "" {
		cfg.Model = d.model
	}
	return &openAICompatProvider{base: newOpenAICompatClientPrefix(cfg, d.prefix)}
}
