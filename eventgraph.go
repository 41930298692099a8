// Package eventgraph turns a stream of news texts into an event knowledge
// graph. Texts enter a SQLite state table at pending_triage and are moved
// through triage, human review, extraction, story clustering and
// relationship analysis by stage workers; the resulting events, stories
// and relations back a hybrid retrieval and question answering layer.
package eventgraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/brunobiangulo/eventgraph/graph"
	"github.com/brunobiangulo/eventgraph/llm"
	"github.com/brunobiangulo/eventgraph/parser"
	"github.com/brunobiangulo/eventgraph/pipeline"
	"github.com/brunobiangulo/eventgraph/prompts"
	"github.com/brunobiangulo/eventgraph/registry"
	"github.com/brunobiangulo/eventgraph/retrieval"
	"github.com/brunobiangulo/eventgraph/review"
	"github.com/brunobiangulo/eventgraph/store"
)

// Engine is the main entry point: ingestion, the stage workers, the
// review gate and question answering over one state database.
type Engine interface {
	// IngestText inserts one source text at pending_triage. Identical
	// text is not inserted twice.
	IngestText(ctx context.Context, text, sourceURI string) (*IngestResult, error)

	// IngestFile parses a file into source texts and inserts each one.
	IngestFile(ctx context.Context, path string) (*IngestResult, error)

	// RunStage runs one automatic stage over whatever is at its input
	// status now.
	RunStage(ctx context.Context, stage string) (pipeline.Report, error)

	// Run runs every automatic stage once, in pipeline order.
	Run(ctx context.Context) ([]pipeline.Report, error)

	// Query answers a question from the event graph.
	Query(ctx context.Context, question string) (*retrieval.Answer, error)

	// Status reports item counts per status and knowledge table sizes.
	Status(ctx context.Context) (*Status, error)

	// Requeue moves error items (all of them when ids is empty) back to
	// a pending status.
	Requeue(ctx context.Context, to store.Status, ids ...string) (int, error)

	// Review gate. Empty paths fall back to the configured ones.
	ExportReview(ctx context.Context, sheetPath string) (review.ExportReport, error)
	ImportReview(ctx context.Context, sheetPath string) (review.ImportReport, error)
	WriteReviewRequest(ctx context.Context, id, path string) (string, error)
	ApplyReviewResponse(ctx context.Context, path string) (review.Decision, review.Result, error)

	// Store returns the underlying store for diagnostic access.
	Store() *store.Store

	// Close cleanly shuts down the engine.
	Close() error
}

// IngestResult reports the outcome of an ingest call.
type IngestResult struct {
	Items      []IngestedItem `json:"items"`
	Inserted   int            `json:"inserted"`
	Duplicates int            `json:"duplicates"`
	Method     string         `json:"method,omitempty"`
}

// IngestedItem is one source text found in the input.
type IngestedItem struct {
	ID        string `json:"id"`
	SourceURI string `json:"source_uri,omitempty"`
	Inserted  bool   `json:"inserted"`
}

func (r *IngestResult) add(id, uri string, inserted bool) {
	r.Items = append(r.Items, IngestedItem{ID: id, SourceURI: uri, Inserted: inserted})
	if inserted {
		r.Inserted++
	} else {
		r.Duplicates++
	}
}

// Status is a snapshot of the pipeline.
type Status struct {
	Items      map[store.Status]int `json:"items"`
	Events     int                  `json:"events"`
	Entities   int                  `json:"entities"`
	Stories    int                  `json:"stories"`
	Relations  int                  `json:"relations"`
	Vectors    int                  `json:"vectors"`
	EventTypes int                  `json:"event_types"`
	GraphStore string               `json:"graph_store"`
	RecentRuns []store.StageRun     `json:"recent_runs,omitempty"`
}

// Option configures New.
type Option func(*options)

type options struct {
	provider llm.Provider
	cache    llm.EmbeddingCache
	graph    graph.Store
}

// WithProvider routes every LLM task to p instead of the configured
// providers.
func WithProvider(p llm.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithEmbeddingCache overrides the configured embedding cache.
func WithEmbeddingCache(c llm.EmbeddingCache) Option {
	return func(o *options) { o.cache = c }
}

// WithGraphStore overrides the configured graph backend.
func WithGraphStore(g graph.Store) Option {
	return func(o *options) { o.graph = g }
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg       Config
	store     *store.Store
	router    *llm.Router
	registry  *registry.Registry
	parsers   *parser.Registry
	graph     graph.Store
	retriever *retrieval.Engine
	reviewer  *review.Reviewer
	pipeline  *pipeline.Pipeline

	// closers run in reverse order on Close.
	closers []func() error

	mu     sync.Mutex
	closed bool
}

// New opens the store and wires every component from cfg.
func New(ctx context.Context, cfg Config, opts ...Option) (_ Engine, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &engine{cfg: cfg}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	if dir := filepath.Dir(cfg.Database.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	e.store, err = store.New(cfg.Database.Path, cfg.Database.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	e.closers = append(e.closers, e.store.Close)

	if o.provider != nil {
		e.router = llm.NewStaticRouter(o.provider)
	} else {
		e.router, err = llm.NewRouter(cfg.LLM.Default, cfg.LLM.Tasks())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	var embedder llm.Embedder = e.router.For(llm.TaskEmbedding)
	cache := o.cache
	if cache == nil && !cfg.Cache.Disabled {
		if cfg.Cache.RedisURL != "" {
			rc, err := llm.NewRedisCache(ctx, cfg.Cache.RedisURL, cfg.Cache.TTL)
			if err != nil {
				return nil, err
			}
			e.closers = append(e.closers, rc.Close)
			cache = rc
		} else {
			cache = llm.NewMemoryCache()
		}
	}
	if cache != nil {
		embedder = llm.NewCachedEmbedder(embedder, cache, e.router.Config(llm.TaskEmbedding).Model)
	}

	if cfg.Paths.SchemaRegistry != "" {
		e.registry, err = registry.Load(cfg.Paths.SchemaRegistry)
		if err != nil {
			return nil, err
		}
	} else {
		e.registry = registry.Default()
	}
	pm := prompts.NewManager(cfg.Paths.Prompts)

	switch {
	case o.graph != nil:
		e.graph = o.graph
	case cfg.Neo4j.Enabled():
		ng, err := graph.NewNeo4jStore(ctx, cfg.Neo4j)
		if err != nil {
			return nil, err
		}
		e.graph = ng
	default:
		e.graph = graph.NewSQLiteStore(e.store)
	}
	e.closers = append(e.closers, func() error {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.graph.Close(cctx)
	})

	e.retriever = retrieval.New(e.store, embedder, e.graph, e.router, pm, cfg.Retrieval)
	e.reviewer = review.New(e.store, e.registry)
	e.parsers = parser.NewRegistry()

	e.pipeline, err = pipeline.New(pipeline.Deps{
		Store:     e.store,
		Router:    e.router,
		Embedder:  embedder,
		Registry:  e.registry,
		Prompts:   pm,
		Graph:     e.graph,
		Retriever: e.retriever,
		Config:    cfg.PipelineConfig(),
	})
	if err != nil {
		return nil, err
	}

	slog.Info("engine ready",
		"db", cfg.Database.Path, "graph", graphKind(e.graph),
		"event_types", len(e.registry.List()))
	return e, nil
}

func graphKind(g graph.Store) string {
	switch g.(type) {
	case *graph.Neo4jStore:
		return "neo4j"
	case *graph.SQLiteStore:
		return "sqlite"
	}
	return fmt.Sprintf("%T", g)
}

func (e *engine) check() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

func (e *engine) IngestText(ctx context.Context, text, sourceURI string) (*IngestResult, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	id, inserted, err := e.store.InsertWorkItem(ctx, text, sourceURI)
	if errors.Is(err, store.ErrEmptyText) {
		return nil, ErrNoText
	}
	if err != nil {
		return nil, err
	}
	res := &IngestResult{}
	res.add(id, sourceURI, inserted)
	slog.Debug("ingest: text", "item_id", id, "inserted", inserted)
	return res, nil
}

func (e *engine) IngestFile(ctx context.Context, path string) (*IngestResult, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}

	start := time.Now()
	parsed, err := e.parsers.ParseFile(ctx, absPath)
	switch {
	case errors.Is(err, parser.ErrUnsupportedFormat):
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(absPath))
	case errors.Is(err, parser.ErrNoText):
		return nil, fmt.Errorf("%w: %s", ErrNoText, absPath)
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrParsingFailed, err)
	}

	res := &IngestResult{Method: parsed.Method}
	for _, doc := range parsed.Documents {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		uri := documentURI(absPath, doc)
		id, inserted, err := e.store.InsertWorkItem(ctx, doc.Text, uri)
		if errors.Is(err, store.ErrEmptyText) {
			continue
		}
		if err != nil {
			return res, err
		}
		res.add(id, uri, inserted)
	}
	slog.Info("ingest: file complete",
		"file", filepath.Base(absPath), "method", parsed.Method,
		"texts", len(parsed.Documents), "inserted", res.Inserted, "duplicates", res.Duplicates,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return res, nil
}

// documentURI prefers a URL found in the document, then the file path
// with the document's position inside the file.
func documentURI(path string, doc parser.Document) string {
	if u := strings.TrimSpace(doc.Metadata["url"]); u != "" {
		return u
	}
	if doc.Ref != "" {
		return path + "#" + doc.Ref
	}
	return path
}

func (e *engine) RunStage(ctx context.Context, stage string) (pipeline.Report, error) {
	if err := e.check(); err != nil {
		return pipeline.Report{}, err
	}
	return e.pipeline.RunStage(ctx, stage)
}

func (e *engine) Run(ctx context.Context) ([]pipeline.Report, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	return e.pipeline.RunAll(ctx)
}

func (e *engine) Query(ctx context.Context, question string) (*retrieval.Answer, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	return e.retriever.Answer(ctx, question)
}

func (e *engine) Status(ctx context.Context) (*Status, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	stats, err := e.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading stats: %w", err)
	}
	runs, err := e.store.RecentStageRuns(ctx, "", 10)
	if err != nil {
		return nil, fmt.Errorf("reading stage runs: %w", err)
	}
	return &Status{
		Items:      stats.Items,
		Events:     stats.Events,
		Entities:   stats.Entities,
		Stories:    stats.Stories,
		Relations:  stats.Relations,
		Vectors:    stats.Vectors,
		EventTypes: len(e.registry.List()),
		GraphStore: graphKind(e.graph),
		RecentRuns: runs,
	}, nil
}

func (e *engine) Requeue(ctx context.Context, to store.Status, ids ...string) (int, error) {
	if err := e.check(); err != nil {
		return 0, err
	}
	n, err := e.store.Requeue(ctx, to, ids...)
	if err != nil {
		return 0, err
	}
	slog.Info("requeue: items moved out of error", "to", to, "count", n)
	return n, nil
}

func (e *engine) ExportReview(ctx context.Context, sheetPath string) (review.ExportReport, error) {
	if err := e.check(); err != nil {
		return review.ExportReport{}, err
	}
	return e.reviewer.Export(ctx, orDefault(sheetPath, e.cfg.Paths.ReviewSheet), e.cfg.Paths.ReviewTypes)
}

func (e *engine) ImportReview(ctx context.Context, sheetPath string) (review.ImportReport, error) {
	if err := e.check(); err != nil {
		return review.ImportReport{}, err
	}
	return e.reviewer.Import(ctx, orDefault(sheetPath, e.cfg.Paths.ReviewSheet))
}

func (e *engine) WriteReviewRequest(ctx context.Context, id, path string) (string, error) {
	if err := e.check(); err != nil {
		return "", err
	}
	got, err := e.reviewer.WriteRequest(ctx, id, orDefault(path, e.cfg.Paths.RequestFile))
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	return got, err
}

func (e *engine) ApplyReviewResponse(ctx context.Context, path string) (review.Decision, review.Result, error) {
	if err := e.check(); err != nil {
		return review.Decision{}, review.Result{}, err
	}
	d, res, err := e.reviewer.ApplyResponse(ctx, orDefault(path, e.cfg.Paths.ResponseFile))
	if errors.Is(err, store.ErrNotFound) {
		return d, res, fmt.Errorf("%w: %s", ErrItemNotFound, d.ID)
	}
	return d, res, err
}

func (e *engine) Store() *store.Store {
	return e.store
}

func (e *engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
