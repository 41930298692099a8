package eventgraph

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/brunobiangulo/eventgraph/graph"
	"github.com/brunobiangulo/eventgraph/llm"
	"github.com/brunobiangulo/eventgraph/pipeline"
	"github.com/brunobiangulo/eventgraph/retrieval"
)

// Config holds all configuration for the eventgraph engine.
type Config struct {
	Database   DatabaseConfig            `yaml:"database" json:"database"`
	LLM        LLMConfig                 `yaml:"llm" json:"llm"`
	Paths      PathsConfig               `yaml:"paths" json:"paths"`
	Extraction pipeline.ExtractionConfig `yaml:"extraction" json:"extraction"`
	Clustering pipeline.ClusteringConfig `yaml:"clustering" json:"clustering"`
	Learning   pipeline.LearningConfig   `yaml:"learning" json:"learning"`
	Retrieval  retrieval.Config          `yaml:"retrieval" json:"retrieval"`
	Neo4j      graph.Neo4jConfig         `yaml:"neo4j" json:"neo4j"`
	Cache      CacheConfig               `yaml:"cache" json:"cache"`
	Logging    LoggingConfig             `yaml:"logging" json:"logging"`
	Server     ServerConfig              `yaml:"server" json:"server"`
}

// DatabaseConfig locates the SQLite state database.
type DatabaseConfig struct {
	Path string `yaml:"path" json:"path"`
	// EmbeddingDim must match the embedding model.
	EmbeddingDim int `yaml:"embedding_dim" json:"embedding_dim"`
}

// LLMConfig configures one provider per task. Unset task fields inherit
// from Default.
type LLMConfig struct {
	Default              llm.Config `yaml:"default" json:"default"`
	Triage               llm.Config `yaml:"triage" json:"triage"`
	Extraction           llm.Config `yaml:"extraction" json:"extraction"`
	SchemaGeneration     llm.Config `yaml:"schema_generation" json:"schema_generation"`
	RelationshipAnalysis llm.Config `yaml:"relationship_analysis" json:"relationship_analysis"`
	Summarization        llm.Config `yaml:"summarization" json:"summarization"`
	Answer               llm.Config `yaml:"answer" json:"answer"`
	Embedding            llm.Config `yaml:"embedding" json:"embedding"`
}

// Tasks returns the per-task overrides that are set.
func (c LLMConfig) Tasks() map[llm.Task]llm.Config {
	all := map[llm.Task]llm.Config{
		llm.TaskTriage:               c.Triage,
		llm.TaskExtraction:           c.Extraction,
		llm.TaskSchemaGeneration:     c.SchemaGeneration,
		llm.TaskRelationshipAnalysis: c.RelationshipAnalysis,
		llm.TaskSummarization:        c.Summarization,
		llm.TaskAnswer:               c.Answer,
		llm.TaskEmbedding:            c.Embedding,
	}
	out := make(map[llm.Task]llm.Config)
	for t, cfg := range all {
		if cfg != (llm.Config{}) {
			out[t] = cfg
		}
	}
	return out
}

// PathsConfig names the files the pipeline reads and writes.
type PathsConfig struct {
	// Prompts is a directory of template overrides; empty uses the
	// built-in templates only.
	Prompts          string `yaml:"prompts" json:"prompts"`
	SchemaRegistry   string `yaml:"schema_registry" json:"schema_registry"`
	ReviewSheet      string `yaml:"review_sheet" json:"review_sheet"`
	ReviewTypes      string `yaml:"review_types" json:"review_types"`
	UnknownEvents    string `yaml:"unknown_events" json:"unknown_events"`
	ExtractionOutput string `yaml:"extraction_output" json:"extraction_output"`
	RequestFile      string `yaml:"request_file" json:"request_file"`
	ResponseFile     string `yaml:"response_file" json:"response_file"`
}

// CacheConfig configures the embedding cache. Without a Redis URL an
// in-process cache is used.
type CacheConfig struct {
	RedisURL string        `yaml:"redis_url" json:"redis_url"`
	TTL      time.Duration `yaml:"ttl" json:"ttl"`
	Disabled bool          `yaml:"disabled" json:"disabled"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // text or json
}

// ServerConfig configures cmd/server.
type ServerConfig struct {
	Addr        string `yaml:"addr" json:"addr"`
	APIKey      string `yaml:"api_key" json:"-"`
	CORSOrigins string `yaml:"cors_origins" json:"cors_origins"`
}

// DefaultConfig returns a Config with defaults for local inference.
func DefaultConfig() Config {
	stages := pipeline.DefaultConfig()
	temp := 0.0
	retries := 2
	return Config{
		Database: DatabaseConfig{Path: "data/master_state.db", EmbeddingDim: 768},
		LLM: LLMConfig{
			Default: llm.Config{
				Provider:    "ollama",
				Model:       "llama3.1:8b",
				Temperature: &temp,
				MaxRetries:  &retries,
			},
			Embedding: llm.Config{
				Provider: "ollama",
				Model:    "nomic-embed-text",
			},
		},
		Paths: PathsConfig{
			SchemaRegistry:   "configs/event_schemas.json",
			ReviewSheet:      "output/review_sheet.csv",
			ReviewTypes:      "output/event_types_for_review.txt",
			UnknownEvents:    "output/unknown_events.jsonl",
			ExtractionOutput: "output/extracted_events.jsonl",
			RequestFile:      "output/review_request.txt",
			ResponseFile:     "output/review_response.txt",
		},
		Extraction: stages.Extraction,
		Clustering: stages.Clustering,
		Learning:   stages.Learning,
		Retrieval:  retrieval.DefaultConfig(),
		Neo4j:      graph.Neo4jConfig{Username: "neo4j"},
		Cache:      CacheConfig{TTL: 24 * time.Hour},
		Logging:    LoggingConfig{Level: "info", Format: "text"},
		Server:     ServerConfig{Addr: ":8080"},
	}
}

// LoadConfig reads defaults, then the YAML file at path (skipped when
// path is empty), then environment overrides, and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfig, path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from EVENTGRAPH_* variables and the
// well-known provider variables.
func (c *Config) ApplyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("EVENTGRAPH_DB_PATH", &c.Database.Path)
	str("EVENTGRAPH_LLM_PROVIDER", &c.LLM.Default.Provider)
	str("EVENTGRAPH_LLM_MODEL", &c.LLM.Default.Model)
	str("EVENTGRAPH_LLM_BASE_URL", &c.LLM.Default.BaseURL)
	str("EVENTGRAPH_LLM_API_KEY", &c.LLM.Default.APIKey)
	str("EVENTGRAPH_EMBED_PROVIDER", &c.LLM.Embedding.Provider)
	str("EVENTGRAPH_EMBED_MODEL", &c.LLM.Embedding.Model)
	str("EVENTGRAPH_EMBED_BASE_URL", &c.LLM.Embedding.BaseURL)
	str("EVENTGRAPH_EMBED_API_KEY", &c.LLM.Embedding.APIKey)
	str("EVENTGRAPH_PROMPTS_DIR", &c.Paths.Prompts)
	str("EVENTGRAPH_SCHEMA_REGISTRY", &c.Paths.SchemaRegistry)
	str("NEO4J_URI", &c.Neo4j.URI)
	str("NEO4J_USERNAME", &c.Neo4j.Username)
	str("NEO4J_PASSWORD", &c.Neo4j.Password)
	str("NEO4J_DATABASE", &c.Neo4j.Database)
	str("REDIS_URL", &c.Cache.RedisURL)
	str("EVENTGRAPH_LOG_LEVEL", &c.Logging.Level)
	str("EVENTGRAPH_LOG_FORMAT", &c.Logging.Format)
	str("EVENTGRAPH_ADDR", &c.Server.Addr)
	str("EVENTGRAPH_API_KEY", &c.Server.APIKey)
	str("EVENTGRAPH_CORS_ORIGINS", &c.Server.CORSOrigins)

	if v := os.Getenv("EVENTGRAPH_EMBEDDING_DIM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: EVENTGRAPH_EMBEDDING_DIM: %v", ErrInvalidConfig, err)
		}
		c.Database.EmbeddingDim = n
	}
	if v := os.Getenv("EVENTGRAPH_EXTRACTION_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: EVENTGRAPH_EXTRACTION_CONCURRENCY: %v", ErrInvalidConfig, err)
		}
		c.Extraction.Concurrency = n
	}

	// Fallback: well-known provider env vars for API keys.
	for _, cfg := range []*llm.Config{
		&c.LLM.Default, &c.LLM.Triage, &c.LLM.Extraction, &c.LLM.SchemaGeneration,
		&c.LLM.RelationshipAnalysis, &c.LLM.Summarization, &c.LLM.Answer, &c.LLM.Embedding,
	} {
		if cfg.APIKey != "" {
			continue
		}
		switch cfg.Provider {
		case "openai":
			cfg.APIKey = os.Getenv("OPENAI_API_KEY")
		case "groq":
			cfg.APIKey = os.Getenv("GROQ_API_KEY")
		case "openrouter":
			cfg.APIKey = os.Getenv("OPENROUTER_API_KEY")
		}
	}
	return nil
}

// Validate checks the fields the engine cannot default.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(strings.TrimSpace(c.Database.Path) != "", "database.path is required")
	check(c.Database.EmbeddingDim > 0, "database.embedding_dim must be positive, got %d", c.Database.EmbeddingDim)
	check(c.LLM.Default.Provider != "", "llm.default.provider is required")
	check(c.Extraction.Concurrency > 0, "extraction.concurrency must be positive, got %d", c.Extraction.Concurrency)
	check(c.Extraction.ItemTimeout >= 0, "extraction.item_timeout must not be negative")
	check(c.Clustering.Eps > 0 && c.Clustering.Eps <= 1, "clustering.eps must be in (0, 1], got %g", c.Clustering.Eps)
	check(c.Clustering.MinSamples > 0, "clustering.min_samples must be positive, got %d", c.Clustering.MinSamples)
	cw := c.Clustering
	check(cw.SemanticWeight >= 0 && cw.EntityWeight >= 0 && cw.TimeWeight >= 0 && cw.TypeWeight >= 0 &&
		cw.SemanticWeight+cw.EntityWeight+cw.TimeWeight+cw.TypeWeight > 0,
		"clustering weights must be non-negative and not all zero")
	check(cw.TimeWindowDays > 0, "clustering.time_window_days must be positive, got %d", cw.TimeWindowDays)
	check(c.Learning.SimilarityThreshold > 0 && c.Learning.SimilarityThreshold <= 1,
		"learning.similarity_threshold must be in (0, 1], got %g", c.Learning.SimilarityThreshold)
	check(c.Retrieval.TopK > 0, "retrieval.top_k must be positive, got %d", c.Retrieval.TopK)
	check(c.Retrieval.WeightVector >= 0 && c.Retrieval.WeightFTS >= 0 && c.Retrieval.WeightGraph >= 0,
		"retrieval weights must not be negative")
	if c.Neo4j.Enabled() {
		if err := c.Neo4j.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// PipelineConfig returns the stage settings.
func (c Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		Extraction:           c.Extraction,
		Clustering:           c.Clustering,
		Learning:             c.Learning,
		UnknownEventsPath:    c.Paths.UnknownEvents,
		ExtractionOutputPath: c.Paths.ExtractionOutput,
	}
}
