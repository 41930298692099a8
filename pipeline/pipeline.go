// Package pipeline implements the stage workers. Every stage selects the
// work items at its input status, processes them and moves each to its
// output status or to error, one compare-and-set write per item.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brunobiangulo/eventgraph/graph"
	"github.com/brunobiangulo/eventgraph/llm"
	"github.com/brunobiangulo/eventgraph/prompts"
	"github.com/brunobiangulo/eventgraph/registry"
	"github.com/brunobiangulo/eventgraph/store"
)

// Stage names, as recorded in stage_runs and metrics.
const (
	StageTriage       = "triage"
	StageExtraction   = "extraction"
	StageClustering   = "clustering"
	StageRelationship = "relationship_analysis"
	StageLearning     = "learning"
)

// Stages lists the automatic stages in pipeline order.
var Stages = []string{StageTriage, StageLearning, StageExtraction, StageClustering, StageRelationship}

// ExtractionConfig bounds the concurrent extraction stage.
type ExtractionConfig struct {
	Concurrency int           `yaml:"concurrency" json:"concurrency"`
	ItemTimeout time.Duration `yaml:"item_timeout" json:"item_timeout"`
}

// ClusteringConfig tunes story clustering.
type ClusteringConfig struct {
	Eps                  float64 `yaml:"eps" json:"eps"`
	MinSamples           int     `yaml:"min_samples" json:"min_samples"`
	SemanticWeight       float64 `yaml:"semantic_weight" json:"semantic_weight"`
	EntityWeight         float64 `yaml:"entity_weight" json:"entity_weight"`
	TimeWeight           float64 `yaml:"time_weight" json:"time_weight"`
	TypeWeight           float64 `yaml:"type_weight" json:"type_weight"`
	TimeWindowDays       int     `yaml:"time_window_days" json:"time_window_days"`
	NoiseAttachThreshold float64 `yaml:"noise_attach_threshold" json:"noise_attach_threshold"`
	MaxClusterSize       int     `yaml:"max_cluster_size" json:"max_cluster_size"`
}

// LearningConfig tunes the schema-learning loop.
type LearningConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold" json:"similarity_threshold"`
}

// Config gathers the stage settings and the output files stages append to.
// Empty paths disable the corresponding output.
type Config struct {
	Extraction ExtractionConfig
	Clustering ClusteringConfig
	Learning   LearningConfig

	UnknownEventsPath    string
	ExtractionOutputPath string
}

// DefaultConfig returns the stage defaults.
func DefaultConfig() Config {
	return Config{
		Extraction: ExtractionConfig{Concurrency: 5, ItemTimeout: 90 * time.Second},
		Clustering: ClusteringConfig{
			Eps:                  0.45,
			MinSamples:           2,
			SemanticWeight:       0.6,
			EntityWeight:         0.4,
			TimeWindowDays:       30,
			NoiseAttachThreshold: 0.1,
			MaxClusterSize:       20,
		},
		Learning: LearningConfig{SimilarityThreshold: 0.75},
	}
}

// ContextRetriever supplies background knowledge for relationship
// analysis.
type ContextRetriever interface {
	Background(ctx context.Context, query string) (string, error)
}

// Deps are the collaborators a Pipeline needs. Graph and Retriever may
// be nil.
type Deps struct {
	Store     *store.Store
	Router    *llm.Router
	Embedder  llm.Embedder
	Registry  *registry.Registry
	Prompts   *prompts.Manager
	Graph     graph.Store
	Retriever ContextRetriever
	Config    Config
}

// Pipeline runs the stages over one store.
type Pipeline struct {
	store     *store.Store
	router    *llm.Router
	embedder  llm.Embedder
	registry  *registry.Registry
	prompts   *prompts.Manager
	graph     graph.Store
	retriever ContextRetriever
	cfg       Config

	jsonl *jsonlWriter
}

// New validates deps and returns a Pipeline.
func New(d Deps) (*Pipeline, error) {
	if d.Store == nil || d.Router == nil || d.Registry == nil || d.Prompts == nil {
		return nil, errors.New("pipeline: store, router, registry and prompts are required")
	}
	if d.Embedder == nil {
		d.Embedder = d.Router.For(llm.TaskEmbedding)
	}
	if d.Graph == nil {
		d.Graph = graph.NewSQLiteStore(d.Store)
	}
	def := DefaultConfig()
	if d.Config.Extraction.Concurrency <= 0 {
		d.Config.Extraction.Concurrency = def.Extraction.Concurrency
	}
	if d.Config.Extraction.ItemTimeout <= 0 {
		d.Config.Extraction.ItemTimeout = def.Extraction.ItemTimeout
	}
	if d.Config.Clustering.Eps <= 0 {
		d.Config.Clustering.Eps = def.Clustering.Eps
	}
	if d.Config.Clustering.MinSamples <= 0 {
		d.Config.Clustering.MinSamples = def.Clustering.MinSamples
	}
	if d.Config.Clustering.TimeWindowDays <= 0 {
		d.Config.Clustering.TimeWindowDays = def.Clustering.TimeWindowDays
	}
	if d.Config.Clustering.MaxClusterSize <= 0 {
		d.Config.Clustering.MaxClusterSize = def.Clustering.MaxClusterSize
	}
	if d.Config.Learning.SimilarityThreshold <= 0 {
		d.Config.Learning.SimilarityThreshold = def.Learning.SimilarityThreshold
	}
	return &Pipeline{
		store:     d.Store,
		router:    d.Router,
		embedder:  d.Embedder,
		registry:  d.Registry,
		prompts:   d.Prompts,
		graph:     d.Graph,
		retriever: d.Retriever,
		cfg:       d.Config,
		jsonl:     &jsonlWriter{},
	}, nil
}

// RunStage runs one stage by name.
func (p *Pipeline) RunStage(ctx context.Context, stage string) (Report, error) {
	switch stage {
	case StageTriage:
		return p.Triage(ctx)
	case StageExtraction:
		return p.Extract(ctx)
	case StageClustering:
		return p.Cluster(ctx)
	case StageRelationship:
		return p.Relate(ctx)
	case StageLearning:
		return p.Learn(ctx)
	}
	return Report{}, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
}

// RunAll runs every automatic stage once, in order. Items waiting for
// human review stay where they are. It stops at the first stage error.
func (p *Pipeline) RunAll(ctx context.Context) ([]Report, error) {
	var reports []Report
	for _, stage := range Stages {
		rep, err := p.RunStage(ctx, stage)
		reports = append(reports, rep)
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}
