package llm

import (
	"fmt"
	"sync"
)

// Task names a kind of LLM call. Each task may use its own provider and
// model; unset fields fall back to the default config.
type Task string

const (
	TaskTriage               Task = "triage"
	TaskExtraction           Task = "extraction"
	TaskSchemaGeneration     Task = "schema_generation"
	TaskRelationshipAnalysis Task = "relationship_analysis"
	TaskSummarization        Task = "summarization"
	TaskAnswer               Task = "answer"
	TaskEmbedding            Task = "embedding"
)

// Router resolves the provider for each task. Providers with identical
// configs are shared.
type Router struct {
	def     Config
	tasks   map[Task]Config
	factory func(Config) (Provider, error)

	mu        sync.Mutex
	providers map[Config]Provider
}

// NewRouter builds a router over a default config and per-task overrides.
// Every resolved config is validated up front.
func NewRouter(def Config, tasks map[Task]Config) (*Router, error) {
	return newRouter(def, tasks, NewProvider)
}

// NewStaticRouter routes every task to p. Used by tests and embedders
// that manage their own provider.
func NewStaticRouter(p Provider) *Router {
	r, _ := newRouter(Config{Provider: "static"}, nil, func(Config) (Provider, error) { return p, nil })
	return r
}

func newRouter(def Config, tasks map[Task]Config, factory func(Config) (Provider, error)) (*Router, error) {
	r := &Router{
		def:       def,
		tasks:     make(map[Task]Config, len(tasks)),
		factory:   factory,
		providers: make(map[Config]Provider),
	}
	for t, c := range tasks {
		r.tasks[t] = c.WithDefaults(def)
	}
	for _, t := range []Task{TaskTriage, TaskExtraction, TaskSchemaGeneration,
		TaskRelationshipAnalysis, TaskSummarization, TaskAnswer, TaskEmbedding} {
		if _, err := r.provider(t); err != nil {
			return nil, fmt.Errorf("llm task %s: %w", t, err)
		}
	}
	return r, nil
}

// Config returns the resolved config for a task.
func (r *Router) Config(t Task) Config {
	if c, ok := r.tasks[t]; ok {
		return c
	}
	return r.def
}

// For returns the provider serving a task.
func (r *Router) For(t Task) Provider {
	p, _ := r.provider(t)
	return p
}

func (r *Router) provider(t Task) (Provider, error) {
	cfg := r.Config(t)
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[cfg]; ok {
		return p, nil
	}
	p, err := r.factory(cfg)
	if err != nil {
		return nil, err
	}
	r.providers[cfg] = p
	return p, nil
}
