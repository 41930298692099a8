// Package retrieval answers questions over the event knowledge graph. It
// fuses vector, full-text and graph lookups with Reciprocal Rank Fusion,
// renders the fused events as a background summary, and feeds that to
// the answering model.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/brunobiangulo/eventgraph/graph"
	"github.com/brunobiangulo/eventgraph/llm"
	"github.com/brunobiangulo/eventgraph/metrics"
	"github.com/brunobiangulo/eventgraph/prompts"
	"github.com/brunobiangulo/eventgraph/store"
)

// ErrEmptyQuery is returned for a blank query.
var ErrEmptyQuery = errors.New("retrieval: empty query")

// Config holds retrieval engine configuration.
type Config struct {
	TopK         int     `yaml:"top_k" json:"top_k"`
	WeightVector float64 `yaml:"weight_vector" json:"weight_vector"`
	WeightFTS    float64 `yaml:"weight_fts" json:"weight_fts"`
	WeightGraph  float64 `yaml:"weight_graph" json:"weight_graph"`
	GraphDepth   int     `yaml:"graph_depth" json:"graph_depth"`
}

// DefaultConfig returns the default retrieval settings.
func DefaultConfig() Config {
	return Config{TopK: 5, WeightVector: 1.0, WeightFTS: 1.0, WeightGraph: 0.5, GraphDepth: 1}
}

// SearchOptions configures a single search. Zero fields take the engine
// config's values.
type SearchOptions struct {
	MaxResults  int
	WeightVec   float64
	WeightFTS   float64
	WeightGraph float64
	GraphDepth  int
}

// SearchTrace records the full breakdown of a hybrid search operation.
type SearchTrace struct {
	VecResults    int                        `json:"vec_results"`
	FTSResults    int                        `json:"fts_results"`
	GraphResults  int                        `json:"graph_results"`
	FusedResults  int                        `json:"fused_results"`
	VecWeight     float64                    `json:"vec_weight"`
	FTSWeight     float64                    `json:"fts_weight"`
	GraphWeight   float64                    `json:"graph_weight"`
	SynthesisMode bool                       `json:"synthesis_mode"`
	MaxRequested  int                        `json:"max_requested"`
	FTSTerms      []string                   `json:"fts_terms"`
	QueryEntities []string                   `json:"query_entities"`
	ElapsedMs     int64                      `json:"elapsed_ms"`
	PerResult     map[string]FusedResultInfo `json:"per_result,omitempty"`
}

// Engine performs hybrid retrieval combining vector, FTS, and graph search.
type Engine struct {
	store    *store.Store
	embedder llm.Embedder
	graph    graph.Store
	router   *llm.Router
	prompts  *prompts.Manager
	cfg      Config
}

// New creates a retrieval engine. A nil graph store falls back to the
// relational tables; router and pm are only needed by Answer.
func New(s *store.Store, embedder llm.Embedder, g graph.Store, router *llm.Router, pm *prompts.Manager, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.GraphDepth < 0 {
		cfg.GraphDepth = 0
	}
	if g == nil {
		g = graph.NewSQLiteStore(s)
	}
	return &Engine{store: s, embedder: embedder, graph: g, router: router, prompts: pm, cfg: cfg}
}

// Retrieve returns the events most relevant to query, best first, with
// Score set to the fused RRF score.
func (e *Engine) Retrieve(ctx context.Context, query string, opts SearchOptions) ([]store.Event, *SearchTrace, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil, ErrEmptyQuery
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = e.cfg.TopK
	}
	if opts.WeightVec == 0 {
		opts.WeightVec = e.cfg.WeightVector
	}
	if opts.WeightFTS == 0 {
		opts.WeightFTS = e.cfg.WeightFTS
	}
	if opts.WeightGraph == 0 {
		opts.WeightGraph = e.cfg.WeightGraph
	}
	if opts.GraphDepth == 0 {
		opts.GraphDepth = e.cfg.GraphDepth
	}

	trace := &SearchTrace{
		VecWeight:   opts.WeightVec,
		FTSWeight:   opts.WeightFTS,
		GraphWeight: opts.WeightGraph,
	}

	// Exhaustive questions need a wider window: related facts are spread
	// over many events.
	if isSynthesisQuery(query) {
		opts.MaxResults = max(opts.MaxResults*4, 20)
		trace.SynthesisMode = true
		slog.Debug("retrieval: synthesis mode activated", "query", query, "max_results", opts.MaxResults)
	}
	trace.MaxRequested = opts.MaxResults
	pool := opts.MaxResults * 3

	searchStart := time.Now()
	terms := extractSignificantTerms(query)
	trace.FTSTerms = terms
	entities := extractQueryEntities(query)
	trace.QueryEntities = entities

	type result struct {
		ids []string
		err error
	}
	vecCh := make(chan result, 1)
	ftsCh := make(chan result, 1)

	go func() {
		ids, err := e.vectorSearch(ctx, query, pool)
		vecCh <- result{ids, err}
	}()
	go func() {
		ids, err := e.ftsSearch(ctx, terms, pool)
		ftsCh <- result{ids, err}
	}()

	vecRes := <-vecCh
	ftsRes := <-ftsCh
	if vecRes.err != nil {
		slog.Warn("retrieval: vector search failed", "error", vecRes.err)
	}
	if ftsRes.err != nil {
		slog.Warn("retrieval: fts search failed", "error", ftsRes.err)
	}

	// Graph seeds: events naming a query entity, plus the top text hits.
	var seeds []string
	seeds = append(seeds, topN(vecRes.ids, opts.MaxResults)...)
	seeds = append(seeds, topN(ftsRes.ids, opts.MaxResults)...)
	graphIDs, graphErr := e.graphSearch(ctx, entities, seeds, opts.GraphDepth, pool)
	if graphErr != nil {
		slog.Warn("retrieval: graph search failed", "error", graphErr)
	}

	trace.VecResults = len(vecRes.ids)
	trace.FTSResults = len(ftsRes.ids)
	trace.GraphResults = len(graphIDs)

	fused, infoMap := fuseRRF(
		vecRes.ids, ftsRes.ids, graphIDs,
		opts.WeightVec, opts.WeightFTS, opts.WeightGraph,
		opts.MaxResults,
	)
	trace.FusedResults = len(fused)
	trace.PerResult = infoMap

	if len(fused) == 0 {
		trace.ElapsedMs = time.Since(searchStart).Milliseconds()
		// If every method failed, surface the first error.
		for _, err := range []error{vecRes.err, ftsRes.err, graphErr} {
			if err != nil {
				return nil, trace, err
			}
		}
		return nil, trace, nil
	}

	events, err := e.loadEvents(ctx, fused)
	if err != nil {
		return nil, trace, err
	}
	trace.ElapsedMs = time.Since(searchStart).Milliseconds()
	slog.Debug("retrieval: search complete",
		"vec_results", trace.VecResults, "fts_results", trace.FTSResults,
		"graph_results", trace.GraphResults, "fused", len(events),
		"elapsed", time.Since(searchStart).Round(time.Millisecond))
	return events, trace, nil
}

// vectorSearch embeds the query and searches the event description and
// entity context collections. Hits are merged by event id keeping the
// best similarity.
func (e *Engine) vectorSearch(ctx context.Context, query string, k int) ([]string, error) {
	if e.embedder == nil {
		return nil, nil
	}
	embeddings, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return nil, fmt.Errorf("vector search: empty embedding returned")
	}

	best := make(map[string]float64)
	for _, coll := range []store.Collection{store.CollectionEventDescriptions, store.CollectionEntityContexts} {
		hits, err := e.store.SearchVectors(ctx, coll, embeddings[0], k)
		if err != nil {
			return nil, fmt.Errorf("vector search %s: %w", coll, err)
		}
		for _, h := range hits {
			id := h.Metadata["event_id"]
			if id == "" {
				id = h.Key
			}
			if s, ok := best[id]; !ok || h.Score > s {
				best[id] = h.Score
			}
		}
	}

	ids := make([]string, 0, len(best))
	for id := range best {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if best[ids[i]] != best[ids[j]] {
			return best[ids[i]] > best[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return topN(ids, k), nil
}

func (e *Engine) ftsSearch(ctx context.Context, terms []string, limit int) ([]string, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	events, err := e.store.SearchEvents(ctx, strings.Join(terms, " "), limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	return ids, nil
}

// graphSearch ranks events reached through the graph: events that
// involve a query entity first, then neighbours of those and of the text
// hits, nearest hops first.
func (e *Engine) graphSearch(ctx context.Context, entities, textSeeds []string, depth, limit int) ([]string, error) {
	var direct []string
	if len(entities) > 0 {
		events, err := e.store.EventsByEntities(ctx, entities, limit)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			direct = append(direct, ev.ID)
		}
	}

	seeds := dedupe(append(append([]string(nil), direct...), textSeeds...))
	if depth <= 0 || len(seeds) == 0 {
		return direct, nil
	}
	neighbors, err := e.graph.Expand(ctx, seeds, depth, limit)
	if err != nil {
		return direct, err
	}
	ids := direct
	for _, n := range neighbors {
		ids = append(ids, n.EventID)
	}
	return topN(dedupe(ids), limit), nil
}

// loadEvents fetches the fused events and returns them in fused order.
func (e *Engine) loadEvents(ctx context.Context, fused []fusedID) ([]store.Event, error) {
	ids := make([]string, len(fused))
	for i, f := range fused {
		ids[i] = f.ID
	}
	events, err := e.store.GetEvents(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	byID := make(map[string]store.Event, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}
	out := make([]store.Event, 0, len(fused))
	for _, f := range fused {
		ev, ok := byID[f.ID]
		if !ok {
			continue
		}
		ev.Score = f.Score
		out = append(out, ev)
	}
	return out, nil
}

// BuildContext renders events and the relations between them as the
// background summary given to a model.
func (e *Engine) BuildContext(ctx context.Context, events []store.Event) (string, error) {
	if len(events) == 0 {
		return "", nil
	}
	ids := make([]string, len(events))
	inSet := make(map[string]bool, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
		inSet[ev.ID] = true
	}
	rels, err := e.store.RelationsForEvents(ctx, ids)
	if err != nil {
		return "", fmt.Errorf("loading relations: %w", err)
	}
	return formatContext(events, rels, inSet), nil
}

func formatContext(events []store.Event, rels []store.Relation, inSet map[string]bool) string {
	var b strings.Builder
	b.WriteString("Events:\n")
	for _, ev := range events {
		fmt.Fprintf(&b, "[%s]", ev.ID)
		if ev.EventDate != "" {
			b.WriteString(" " + ev.EventDate)
		}
		if ev.EventType != "" {
			b.WriteString(" " + ev.EventType)
		}
		b.WriteString(": " + ev.Description)
		if len(ev.Entities) > 0 {
			parts := make([]string, len(ev.Entities))
			for i, ent := range ev.Entities {
				parts[i] = ent.Name
				if ent.Role != "" {
					parts[i] += " (" + ent.Role + ")"
				}
			}
			b.WriteString(" | entities: " + strings.Join(parts, ", "))
		}
		b.WriteByte('\n')
	}

	var lines []string
	for _, r := range rels {
		if !inSet[r.SourceEventID] || !inSet[r.TargetEventID] {
			continue
		}
		line := fmt.Sprintf("[%s] -%s-> [%s]", r.SourceEventID, r.Type, r.TargetEventID)
		if r.Reason != "" {
			line += ": " + r.Reason
		}
		lines = append(lines, line)
	}
	if len(lines) > 0 {
		b.WriteString("Relations:\n")
		b.WriteString(strings.Join(lines, "\n"))
		b.WriteByte('\n')
	}
	return b.String()
}

// Background retrieves the events relevant to query and renders them as
// a background summary. No matches yield an empty string.
func (e *Engine) Background(ctx context.Context, query string) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", nil
	}
	events, _, err := e.Retrieve(ctx, query, SearchOptions{})
	if err != nil {
		return "", err
	}
	return e.BuildContext(ctx, events)
}

// Source is one event cited by an answer.
type Source struct {
	EventID     string `json:"event_id"`
	EventType   string `json:"event_type"`
	EventDate   string `json:"event_date,omitempty"`
	Description string `json:"description"`
	// Quote is the passage of the source article closest to the answer.
	Quote   string   `json:"quote,omitempty"`
	Score   float64  `json:"score"`
	Methods []string `json:"methods,omitempty"`
}

// Answer is the result of a question.
type Answer struct {
	Question         string       `json:"question"`
	Answer           string       `json:"answer"`
	Sources          []Source     `json:"sources"`
	Citations        []Citation   `json:"citations,omitempty"`
	Model            string       `json:"model,omitempty"`
	PromptTokens     int          `json:"prompt_tokens"`
	CompletionTokens int          `json:"completion_tokens"`
	Trace            *SearchTrace `json:"trace,omitempty"`
}

// Answer retrieves background for question, asks the answer model and
// records the exchange in the query log.
func (e *Engine) Answer(ctx context.Context, question string) (*Answer, error) {
	if e.router == nil || e.prompts == nil {
		return nil, errors.New("retrieval: answering is not configured")
	}
	events, trace, err := e.Retrieve(ctx, question, SearchOptions{})
	if err != nil {
		return nil, err
	}
	background, err := e.BuildContext(ctx, events)
	if err != nil {
		return nil, err
	}
	if background == "" {
		background = "(no relevant events found)"
	}

	prompt, err := e.prompts.Render(prompts.Answer, map[string]any{
		"Context":  background,
		"Question": question,
	})
	if err != nil {
		return nil, err
	}
	resp, err := e.router.For(llm.TaskAnswer).Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		metrics.LLMRequests.WithLabelValues(string(llm.TaskAnswer), "error").Inc()
		return nil, fmt.Errorf("answer: %w", err)
	}
	metrics.LLMRequests.WithLabelValues(string(llm.TaskAnswer), "ok").Inc()

	ans := &Answer{
		Question:         question,
		Answer:           strings.TrimSpace(resp.Content),
		Sources:          make([]Source, len(events)),
		Model:            resp.Model,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		Trace:            trace,
	}
	for i, ev := range events {
		ans.Sources[i] = Source{
			EventID:     ev.ID,
			EventType:   ev.EventType,
			EventDate:   ev.EventDate,
			Description: ev.Description,
			Score:       ev.Score,
		}
		if trace != nil {
			ans.Sources[i].Methods = trace.PerResult[ev.ID].Methods
		}
	}

	ans.Citations = ExtractCitations(ans.Answer, ans.Sources)
	for _, c := range ans.Citations {
		if !c.Verified {
			slog.Warn("retrieval: answer cites an event outside its sources", "citation", c.Text)
		}
	}
	if err := e.attachQuotes(ctx, ans, events); err != nil {
		slog.Warn("retrieval: quoting sources", "error", err)
	}

	if err := e.store.LogQuery(ctx, store.QueryLog{
		Query:            question,
		Answer:           ans.Answer,
		Sources:          ans.Sources,
		ModelUsed:        resp.Model,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		TotalTokens:      resp.TotalTokens,
	}); err != nil {
		slog.Warn("retrieval: writing query log", "error", err)
	}
	return ans, nil
}

func topN(ids []string, n int) []string {
	if n > 0 && len(ids) > n {
		return ids[:n]
	}
	return ids
}
