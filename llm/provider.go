package llm

import (
	"context"
	"fmt"
	"time"
)

// Provider is the interface for LLM interactions.
type Provider interface {
	// Chat sends a chat completion request.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Embed generates embeddings for a batch of texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Embedder is the embedding half of Provider.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Response formats understood by ChatRequest.ResponseFormat.
const (
	FormatJSONObject = "json_object"
	FormatJSONSchema = "json_schema"
)

// ChatRequest is a chat completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	// ResponseFormat is "", FormatJSONObject or FormatJSONSchema. With
	// FormatJSONSchema, Schema and SchemaName describe the expected reply.
	ResponseFormat string `json:"response_format,omitempty"`
	SchemaName     string `json:"-"`
	Schema         any    `json:"-"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the response from a chat completion.
type ChatResponse struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	FinishReason     string `json:"finish_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Config configures an LLM provider.
type Config struct {
	Provider    string        `yaml:"provider" json:"provider"` // ollama, lmstudio, openrouter, openai, groq, xai, gemini, custom
	Model       string        `yaml:"model" json:"model"`
	BaseURL     string        `yaml:"base_url" json:"base_url"`
	APIKey      string        `yaml:"api_key" json:"-"`
	Temperature *float64      `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   int           `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	MaxRetries  *int          `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// WithDefaults fills every unset field of c from def.
func (c Config) WithDefaults(def Config) Config {
	if c.Provider == "" {
		c.Provider = def.Provider
	}
	// Endpoint settings only carry over within the same provider.
	if c.Provider == def.Provider {
		if c.BaseURL == "" {
			c.BaseURL = def.BaseURL
		}
		if c.APIKey == "" {
			c.APIKey = def.APIKey
		}
		if c.Model == "" {
			c.Model = def.Model
		}
	}
	if c.Temperature == nil {
		c.Temperature = def.Temperature
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = def.MaxTokens
	}
	if c.MaxRetries == nil {
		c.MaxRetries = def.MaxRetries
	}
	if c.Timeout == 0 {
		c.Timeout = def.Timeout
	}
	return c
}

func (c Config) retries() int {
	if c.MaxRetries == nil {
		return 0
	}
	return max(*c.MaxRetries, 0)
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	// Generous for local providers (Ollama, LM Studio) which may load
	// models on first request.
	return 120 * time.Second
}

// NewProvider creates an LLM provider from configuration.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllama(cfg), nil
	case "openai":
		return NewOpenAI(cfg), nil
	case "custom":
		return NewOpenAICompat(cfg), nil
	case "":
		return nil, fmt.Errorf("llm provider not specified")
	}
	if d, ok := compatDefaults[cfg.Provider]; ok {
		return newCompatProvider(cfg, d), nil
	}
	return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
}
