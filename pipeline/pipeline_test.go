//go:build cgo

package pipeline

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brunobiangulo/eventgraph/graph"
	"github.com/brunobiangulo/eventgraph/llm"
	"github.com/brunobiangulo/eventgraph/prompts"
	"github.com/brunobiangulo/eventgraph/registry"
	"github.com/brunobiangulo/eventgraph/store"
)

// fakeLLM answers chat requests through reply and embeds texts through
// vector. It records every prompt it sees.
type fakeLLM struct {
	reply  func(prompt string) (string, error)
	vector func(text string) []float32

	mu      sync.Mutex
	prompts []string

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	delay       time.Duration
}

func (f *fakeLLM) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	prompt := req.Messages[len(req.Messages)-1].Content
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()

	content, err := f.reply(prompt)
	if err != nil {
		return nil, err
	}
	return &llm.ChatResponse{Content: content}, nil
}

func (f *fakeLLM) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if f.vector != nil {
			out[i] = f.vector(t)
		} else {
			out[i] = []float32{1, 0, 0, 0}
		}
	}
	return out, nil
}

func (f *fakeLLM) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

// fakeGraph records what relationship analysis writes.
type fakeGraph struct {
	mu     sync.Mutex
	events []store.Event
	rels   []store.Relation
	err    error
}

func (g *fakeGraph) WriteStory(_ context.Context, events []store.Event, rels []store.Relation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.events = append(g.events, events...)
	g.rels = append(g.rels, rels...)
	return nil
}

func (g *fakeGraph) Expand(context.Context, []string, int, int) ([]graph.Neighbor, error) {
	return nil, nil
}

func (g *fakeGraph) Close(context.Context) error { return nil }

type fakeRetriever struct{ queries []string }

func (r *fakeRetriever) Background(_ context.Context, query string) (string, error) {
	r.queries = append(r.queries, query)
	return "Acme previously acquired Initech.", nil
}

type testEnv struct {
	p     *Pipeline
	s     *store.Store
	llm   *fakeLLM
	graph *fakeGraph
	reg   *registry.Registry
	dir   string
}

func newTestEnv(t *testing.T, f *fakeLLM, cfg func(*Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(filepath.Join(dir, "test.db"), 4)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg, err := registry.Load(filepath.Join(dir, "schemas.json"))
	if err != nil {
		t.Fatalf("loading registry: %v", err)
	}

	c := DefaultConfig()
	c.UnknownEventsPath = filepath.Join(dir, "unknown.jsonl")
	c.ExtractionOutputPath = filepath.Join(dir, "events.jsonl")
	if cfg != nil {
		cfg(&c)
	}

	g := &fakeGraph{}
	p, err := New(Deps{
		Store:     s,
		Router:    llm.NewStaticRouter(f),
		Embedder:  f,
		Registry:  reg,
		Prompts:   prompts.NewManager(""),
		Graph:     g,
		Retriever: &fakeRetriever{},
		Config:    c,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testEnv{p: p, s: s, llm: f, graph: g, reg: reg, dir: dir}
}

// seed ingests text and walks it along path, applying upd on the last step.
func (e *testEnv) seed(t *testing.T, text string, upd store.Update, path ...store.Status) string {
	t.Helper()
	ctx := context.Background()
	id, _, err := e.s.InsertWorkItem(ctx, text, "")
	if err != nil {
		t.Fatalf("inserting item: %v", err)
	}
	for i := 0; i+1 < len(path); i++ {
		u := store.Update{}
		if i+2 == len(path) {
			u = upd
		}
		if err := e.s.Transition(ctx, id, path[i], path[i+1], u); err != nil {
			t.Fatalf("advancing %s -> %s: %v", path[i], path[i+1], err)
		}
	}
	return id
}

func (e *testEnv) item(t *testing.T, id string) *store.WorkItem {
	t.Helper()
	w, err := e.s.GetWorkItem(context.Background(), id)
	if err != nil {
		t.Fatalf("getting %s: %v", id, err)
	}
	return w
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}
	if err != nil {
		t.Fatalf("opening %s: %v", path, err)
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	return n
}

var (
	toExtraction = []store.Status{store.StatusPendingTriage, store.StatusPendingReview, store.StatusPendingExtraction}
	toClustering = append(append([]store.Status(nil), toExtraction...), store.StatusPendingClustering)
	toLearning   = []store.Status{store.StatusPendingTriage, store.StatusPendingReview, store.StatusPendingLearning}
)

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

func TestRunNoItems(t *testing.T) {
	env := newTestEnv(t, &fakeLLM{reply: func(string) (string, error) { return "{}", nil }}, nil)
	ctx := context.Background()

	rep, err := env.p.Triage(ctx)
	if err != nil {
		t.Fatalf("Triage: %v", err)
	}
	if rep.Found != 0 || rep.Succeeded != 0 || rep.Failed != 0 || rep.Skipped != 0 {
		t.Errorf("report: got %+v", rep)
	}
	if env.llm.calls() != 0 {
		t.Errorf("llm calls: got %d, want 0", env.llm.calls())
	}
	runs, err := env.s.RecentStageRuns(ctx, StageTriage, 10)
	if err != nil {
		t.Fatalf("listing runs: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("stage runs: got %d, want 1", len(runs))
	}
}

func TestRunDropsStaleResult(t *testing.T) {
	env := newTestEnv(t, &fakeLLM{}, nil)
	ctx := context.Background()
	id := env.seed(t, "Acme buys Globex", store.Update{}, store.StatusPendingTriage)

	rep, err := Run(ctx, env.s, Spec{
		Stage: "test",
		From:  store.StatusPendingTriage,
		To:    store.StatusPendingReview,
		Process: func(ctx context.Context, item store.WorkItem) (store.Update, error) {
			// Another worker gets there first.
			if err := env.s.Transition(ctx, item.ID, store.StatusPendingTriage, store.StatusPendingReview,
				store.Update{AssignedEventType: store.Ptr("winner")}); err != nil {
				t.Fatalf("concurrent transition: %v", err)
			}
			return store.Update{AssignedEventType: store.Ptr("loser")}, nil
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Skipped != 1 || rep.Succeeded != 0 {
		t.Errorf("report: got %+v", rep)
	}
	if got := env.item(t, id).AssignedEventType; got != "winner" {
		t.Errorf("assigned type: got %q, want winner", got)
	}
}

func TestRunCancellationLeavesItems(t *testing.T) {
	env := newTestEnv(t, &fakeLLM{}, nil)
	a := env.seed(t, "first", store.Update{}, store.StatusPendingTriage)
	b := env.seed(t, "second", store.Update{}, store.StatusPendingTriage)

	ctx, cancel := context.WithCancel(context.Background())
	rep, err := Run(ctx, env.s, Spec{
		Stage: "test",
		From:  store.StatusPendingTriage,
		To:    store.StatusPendingReview,
		Process: func(ctx context.Context, item store.WorkItem) (store.Update, error) {
			cancel()
			return store.Update{}, ctx.Err()
		},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if rep.Failed != 0 || rep.Succeeded != 0 {
		t.Errorf("report: got %+v", rep)
	}
	for _, id := range []string{a, b} {
		if got := env.item(t, id).Status; got != store.StatusPendingTriage {
			t.Errorf("%s: got %s, want pending_triage", id, got)
		}
	}
}

// ---------------------------------------------------------------------------
// Triage
// ---------------------------------------------------------------------------

func TestTriage(t *testing.T) {
	f := &fakeLLM{reply: func(prompt string) (string, error) {
		if strings.Contains(prompt, "Acme acquires Globex") {
			return `{"status":"known","event_type":"X","confidence":0.9}`, nil
		}
		return `{"status":"unknown","confidence":1.4}`, nil
	}}
	env := newTestEnv(t, f, nil)
	known := env.seed(t, "Acme acquires Globex for $5B.", store.Update{}, store.StatusPendingTriage)
	unknown := env.seed(t, "The weather was pleasant.", store.Update{}, store.StatusPendingTriage)

	rep, err := env.p.Triage(context.Background())
	if err != nil {
		t.Fatalf("Triage: %v", err)
	}
	if rep.Found != 2 || rep.Succeeded != 2 {
		t.Errorf("report: got %+v", rep)
	}

	k := env.item(t, known)
	if k.Status != store.StatusPendingReview || k.AssignedEventType != "X" {
		t.Errorf("known item: got status %s type %q", k.Status, k.AssignedEventType)
	}
	if k.TriageConfidence == nil || *k.TriageConfidence != 0.9 {
		t.Errorf("known confidence: got %v", k.TriageConfidence)
	}

	u := env.item(t, unknown)
	if u.Status != store.StatusPendingReview || u.AssignedEventType != "" {
		t.Errorf("unknown item: got status %s type %q", u.Status, u.AssignedEventType)
	}
	if u.TriageConfidence == nil || *u.TriageConfidence != 1 {
		t.Errorf("unknown confidence should be clamped to 1, got %v", u.TriageConfidence)
	}
	if n := countLines(t, filepath.Join(env.dir, "unknown.jsonl")); n != 1 {
		t.Errorf("unknown-events log: got %d lines, want 1", n)
	}

	if !strings.Contains(f.prompts[0], "financial/company_merger_and_acquisition") {
		t.Error("triage prompt should list the registered event types")
	}
}

func TestTriageFailures(t *testing.T) {
	tests := []struct {
		name        string
		reply       string
		err         error
		wantNote    string
		wantPayload string
	}{
		{"malformed", "I cannot classify this.", nil, "triage: malformed_response:", "I cannot classify this."},
		{"bad status", `{"status":"perhaps"}`, nil, "triage: malformed_response:", `{"status":"perhaps"}`},
		{"transport", "", errors.New("connection refused"), "triage: llm_error: connection refused", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, &fakeLLM{reply: func(string) (string, error) { return tt.reply, tt.err }}, nil)
			text := "Acme acquires Globex."
			id := env.seed(t, text, store.Update{}, store.StatusPendingTriage)

			rep, err := env.p.Triage(context.Background())
			if err != nil {
				t.Fatalf("Triage: %v", err)
			}
			if rep.Failed != 1 {
				t.Errorf("report: got %+v", rep)
			}
			w := env.item(t, id)
			if w.Status != store.StatusError {
				t.Errorf("status: got %s, want error", w.Status)
			}
			if w.SourceText != text {
				t.Errorf("source text changed: %q", w.SourceText)
			}
			if !strings.HasPrefix(w.Notes, tt.wantNote) {
				t.Errorf("notes: got %q, want prefix %q", w.Notes, tt.wantNote)
			}
			if w.ErrorPayload != tt.wantPayload {
				t.Errorf("payload: got %q, want %q", w.ErrorPayload, tt.wantPayload)
			}
			if w.AssignedEventType != "" || w.TriageConfidence != nil {
				t.Errorf("failed item gained fields: %+v", w)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Extraction
// ---------------------------------------------------------------------------

func TestExtract(t *testing.T) {
	f := &fakeLLM{reply: func(prompt string) (string, error) {
		if strings.Contains(prompt, "nothing happened") {
			return `{"events": []}`, nil
		}
		return `{"events":[{"event_type":"financial/company_merger_and_acquisition",
			"description":"Acme acquires Globex","event_date":"2024-03-01","deal_value":"5B",
			"involved_entities":[{"entity_name":"Acme","entity_type":"Company","role":"acquirer"},
			                     {"entity_name":"Globex","entity_type":"Company","role":"target"}]}]}`, nil
	}}
	env := newTestEnv(t, f, nil)
	upd := store.Update{AssignedEventType: store.Ptr("financial/company_merger_and_acquisition")}
	withEvents := env.seed(t, "Acme acquires Globex for $5B.", upd, toExtraction...)
	empty := env.seed(t, "Markets closed; nothing happened.", upd, toExtraction...)

	rep, err := env.p.Extract(context.Background())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if rep.Succeeded != 2 {
		t.Fatalf("report: got %+v", rep)
	}

	w := env.item(t, withEvents)
	if w.Status != store.StatusPendingClustering {
		t.Errorf("status: got %s", w.Status)
	}
	if strings.Join(w.InvolvedEntities, ",") != "Acme,Globex" {
		t.Errorf("involved entities: got %v", w.InvolvedEntities)
	}
	events, err := env.s.EventsByItems(context.Background(), []string{withEvents, empty})
	if err != nil {
		t.Fatalf("loading events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events: got %d, want 1", len(events))
	}
	if !strings.Contains(events[0].StructuredData, `"deal_value"`) {
		t.Errorf("structured data: got %q", events[0].StructuredData)
	}

	if got := env.item(t, empty).Status; got != store.StatusPendingClustering {
		t.Errorf("zero-event item: got %s, want pending_clustering", got)
	}
	if n := countLines(t, filepath.Join(env.dir, "events.jsonl")); n != 1 {
		t.Errorf("extraction output: got %d lines, want 1", n)
	}
	if !strings.Contains(f.prompts[0], `"title"`) {
		t.Error("extraction prompt should include the registry schema")
	}
}

func TestExtractRejectsEventsWithoutDescription(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"null entry", `{"events":[null]}`},
		{"empty object", `{"events":[{}]}`},
		{"blank descriptions", `[{"event_type":"X","description":"  "},{"description":""}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeLLM{reply: func(string) (string, error) { return tt.reply, nil }}
			env := newTestEnv(t, f, nil)
			id := env.seed(t, "Acme acquires Globex.", store.Update{AssignedEventType: store.Ptr("X")}, toExtraction...)

			rep, err := env.p.Extract(context.Background())
			if err != nil {
				t.Fatalf("Extract: %v", err)
			}
			if rep.Failed != 1 {
				t.Errorf("report: got %+v", rep)
			}
			w := env.item(t, id)
			if w.Status != store.StatusError || !strings.HasPrefix(w.Notes, "extraction: malformed_response:") {
				t.Errorf("got status %s notes %q", w.Status, w.Notes)
			}
			if w.ErrorPayload != tt.reply {
				t.Errorf("payload: got %q, want %q", w.ErrorPayload, tt.reply)
			}
		})
	}
}

func TestExtractBoundedConcurrency(t *testing.T) {
	f := &fakeLLM{
		delay: 20 * time.Millisecond,
		reply: func(string) (string, error) { return `{"events":[]}`, nil },
	}
	env := newTestEnv(t, f, func(c *Config) { c.Extraction.Concurrency = 3 })
	for i := 0; i < 10; i++ {
		env.seed(t, "item "+strings.Repeat("x", i+1), store.Update{AssignedEventType: store.Ptr("X")}, toExtraction...)
	}

	rep, err := env.p.Extract(context.Background())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if rep.Succeeded != 10 {
		t.Errorf("report: got %+v", rep)
	}
	if m := f.maxInFlight.Load(); m > 3 || m < 2 {
		t.Errorf("max concurrent calls: got %d, want 2..3", m)
	}
}

func TestExtractItemTimeout(t *testing.T) {
	f := &fakeLLM{
		delay: time.Second,
		reply: func(string) (string, error) { return `{"events":[]}`, nil },
	}
	env := newTestEnv(t, f, func(c *Config) { c.Extraction.ItemTimeout = 10 * time.Millisecond })
	id := env.seed(t, "slow", store.Update{AssignedEventType: store.Ptr("X")}, toExtraction...)

	rep, err := env.p.Extract(context.Background())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if rep.Failed != 1 {
		t.Errorf("report: got %+v", rep)
	}
	w := env.item(t, id)
	if w.Status != store.StatusError || !strings.HasPrefix(w.Notes, "extraction: llm_error:") {
		t.Errorf("got status %s notes %q", w.Status, w.Notes)
	}
}

// ---------------------------------------------------------------------------
// Clustering
// ---------------------------------------------------------------------------

func acmeVector(text string) []float32 {
	if strings.Contains(text, "Acme") {
		return []float32{1, 0, 0, 0}
	}
	return []float32{0, 0, 0, 1}
}

func clusteringUpdate(desc string, entities ...string) store.Update {
	ev := store.Event{EventType: "financial/executive_change", Description: desc, EventDate: "2024-01-01"}
	for _, e := range entities {
		ev.Entities = append(ev.Entities, store.EventEntity{Name: e})
	}
	return store.Update{InvolvedEntities: entities, ReplaceEvents: true, Events: []store.Event{ev}}
}

func TestCluster(t *testing.T) {
	f := &fakeLLM{vector: acmeVector, reply: func(string) (string, error) { return "", errors.New("unexpected call") }}
	env := newTestEnv(t, f, nil)
	ctx := context.Background()

	var related []string
	for _, text := range []string{"Acme names a new CEO.", "Acme CFO resigns.", "Acme board reshuffle."} {
		related = append(related, env.seed(t, text, clusteringUpdate(text, "Acme"), toClustering...))
	}
	loner := env.seed(t, "Zeta opens a bakery.", clusteringUpdate("Zeta opens a bakery", "Zeta"), toClustering...)

	rep, err := env.p.Cluster(ctx)
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}
	if rep.Found != 4 || rep.Succeeded != 3 {
		t.Errorf("report: got %+v", rep)
	}

	storyID := env.item(t, related[0]).StoryID
	if storyID == "" {
		t.Fatal("related items got no story")
	}
	for _, id := range related {
		w := env.item(t, id)
		if w.StoryID != storyID || w.Status != store.StatusPendingRelationshipAnalysis {
			t.Errorf("%s: story %q status %s", id, w.StoryID, w.Status)
		}
	}
	l := env.item(t, loner)
	if l.StoryID != "" || l.Status != store.StatusPendingClustering {
		t.Errorf("noise item: story %q status %s", l.StoryID, l.Status)
	}

	story, err := env.s.GetStory(ctx, storyID)
	if err != nil {
		t.Fatalf("GetStory: %v", err)
	}
	if story.Size != 3 || story.Oversized || !strings.Contains(story.Summary, "Entities: Acme") {
		t.Errorf("story: got %+v", story)
	}
	if n, _ := env.s.CountVectors(ctx, store.CollectionSourceTexts); n != 4 {
		t.Errorf("source vectors: got %d, want 4", n)
	}
	if env.llm.calls() != 0 {
		t.Errorf("llm calls: got %d, want 0", env.llm.calls())
	}
}

func TestClusterTimeWeightSplitsDistantDates(t *testing.T) {
	f := &fakeLLM{vector: acmeVector, reply: func(string) (string, error) { return "", errors.New("unexpected call") }}
	env := newTestEnv(t, f, func(c *Config) {
		c.Clustering.SemanticWeight = 0.3
		c.Clustering.EntityWeight = 0.2
		c.Clustering.TimeWeight = 0.5
		c.Clustering.Eps = 0.2
	})
	ctx := context.Background()

	dated := func(text, date string) string {
		upd := clusteringUpdate(text, "Acme")
		upd.Events[0].EventDate = date
		return env.seed(t, text, upd, toClustering...)
	}
	early := []string{dated("Acme CEO resigns.", "2024-01-01"), dated("Acme names interim CEO.", "2024-01-03")}
	late := []string{dated("Acme CEO retires.", "2026-Q1"), dated("Acme board meets.", "2026-01-02")}

	rep, err := env.p.Cluster(ctx)
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}
	if rep.Succeeded != 4 {
		t.Errorf("report: got %+v", rep)
	}
	a, b := env.item(t, early[0]).StoryID, env.item(t, late[0]).StoryID
	if a == "" || b == "" || a == b {
		t.Fatalf("stories: early %q late %q", a, b)
	}
	if env.item(t, early[1]).StoryID != a || env.item(t, late[1]).StoryID != b {
		t.Errorf("items split from their date group")
	}
}

func TestClusterOversizedUsesLLMSummary(t *testing.T) {
	f := &fakeLLM{vector: acmeVector, reply: func(string) (string, error) { return "An Acme leadership story.", nil }}
	env := newTestEnv(t, f, func(c *Config) { c.Clustering.MaxClusterSize = 2 })
	ctx := context.Background()

	var ids []string
	for _, text := range []string{"Acme one.", "Acme two.", "Acme three."} {
		ids = append(ids, env.seed(t, text, clusteringUpdate(text, "Acme"), toClustering...))
	}
	if _, err := env.p.Cluster(ctx); err != nil {
		t.Fatalf("Cluster: %v", err)
	}

	stories := map[string]int{}
	for _, id := range ids {
		stories[env.item(t, id).StoryID]++
	}
	if len(stories) != 2 {
		t.Fatalf("stories: got %v, want 2", stories)
	}
	for sid, n := range stories {
		if n > 2 {
			t.Errorf("story %s has %d items, cap is 2", sid, n)
		}
		s, err := env.s.GetStory(ctx, sid)
		if err != nil {
			t.Fatalf("GetStory: %v", err)
		}
		if !s.Oversized || s.Summary != "An Acme leadership story." {
			t.Errorf("story: got %+v", s)
		}
	}
}

// ---------------------------------------------------------------------------
// Relationship analysis
// ---------------------------------------------------------------------------

// storyItems puts two items with one event each into one story.
func storyItems(t *testing.T, env *testEnv) (ids, eventIDs []string) {
	t.Helper()
	for i, text := range []string{"Acme CEO resigns.", "Acme names new CEO."} {
		person := []string{"John Roe", "Jane Doe"}[i]
		id := env.seed(t, text, clusteringUpdate(text, "Acme", person), toClustering...)
		ids = append(ids, id)
		eventIDs = append(eventIDs, store.EventID(id, 0))
	}
	if err := env.s.AssignStory(context.Background(), store.Story{ID: "s1", Summary: "x"}, ids); err != nil {
		t.Fatalf("AssignStory: %v", err)
	}
	return ids, eventIDs
}

func TestRelate(t *testing.T) {
	var eventIDs []string
	f := &fakeLLM{reply: func(string) (string, error) {
		return `{"relationships":[
			{"source_event_id":"` + eventIDs[0] + `","target_event_id":"` + eventIDs[1] + `","relationship_type":"Sub-event","reason":"succession"},
			{"source_event_id":"` + eventIDs[0] + `","target_event_id":"` + eventIDs[0] + `","relationship_type":"Causal"},
			{"source_event_id":"evt_unknown_0","target_event_id":"` + eventIDs[1] + `","relationship_type":"Causal"}
		]}`, nil
	}}
	env := newTestEnv(t, f, nil)
	ctx := context.Background()
	var ids []string
	ids, eventIDs = storyItems(t, env)

	rep, err := env.p.Relate(ctx)
	if err != nil {
		t.Fatalf("Relate: %v", err)
	}
	if rep.Succeeded != 2 {
		t.Errorf("report: got %+v", rep)
	}
	for _, id := range ids {
		if got := env.item(t, id).Status; got != store.StatusCompleted {
			t.Errorf("%s: got %s, want completed", id, got)
		}
	}

	rels, err := env.s.RelationsForEvents(ctx, eventIDs)
	if err != nil {
		t.Fatalf("loading relations: %v", err)
	}
	if len(rels) != 1 || rels[0].Type != graph.RelSubEvent || rels[0].StoryID != "s1" {
		t.Errorf("relations: got %+v", rels)
	}
	if len(env.graph.events) != 2 || len(env.graph.rels) != 1 {
		t.Errorf("graph writes: %d events, %d relations", len(env.graph.events), len(env.graph.rels))
	}
	if n, _ := env.s.CountVectors(ctx, store.CollectionEventDescriptions); n != 2 {
		t.Errorf("event description vectors: got %d, want 2", n)
	}
	if n, _ := env.s.CountVectors(ctx, store.CollectionEntityContexts); n != 4 {
		t.Errorf("entity context vectors: got %d, want 4", n)
	}
	if !strings.Contains(f.prompts[0], "Acme previously acquired Initech.") {
		t.Error("relationship prompt should include the retrieved background")
	}
}

func TestRelateFailureFailsWholeStory(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		graphErr error
		wantNote string
	}{
		{"malformed reply", "no relations here", nil, "relationship_analysis: malformed_response:"},
		{"graph write", `{"relationships":[]}`, errors.New("neo4j down"), "relationship_analysis: store_write_error: graph: neo4j down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, &fakeLLM{reply: func(string) (string, error) { return tt.reply, nil }}, nil)
			env.graph.err = tt.graphErr
			ids, _ := storyItems(t, env)

			rep, err := env.p.Relate(context.Background())
			if err != nil {
				t.Fatalf("Relate: %v", err)
			}
			if rep.Failed != 2 {
				t.Errorf("report: got %+v", rep)
			}
			for _, id := range ids {
				w := env.item(t, id)
				if w.Status != store.StatusError || !strings.HasPrefix(w.Notes, tt.wantNote) {
					t.Errorf("%s: status %s notes %q", id, w.Status, w.Notes)
				}
			}
		})
	}
}

func TestRelateSingleEventSkipsLLM(t *testing.T) {
	f := &fakeLLM{reply: func(string) (string, error) { return "", errors.New("unexpected call") }}
	env := newTestEnv(t, f, nil)
	id := env.seed(t, "Acme CEO resigns.", clusteringUpdate("Acme CEO resigns", "Acme"), toClustering...)
	if err := env.s.AssignStory(context.Background(), store.Story{ID: "solo"}, []string{id}); err != nil {
		t.Fatalf("AssignStory: %v", err)
	}

	if _, err := env.p.Relate(context.Background()); err != nil {
		t.Fatalf("Relate: %v", err)
	}
	if got := env.item(t, id).Status; got != store.StatusCompleted {
		t.Errorf("status: got %s, want completed", got)
	}
	if f.calls() != 0 {
		t.Errorf("llm calls: got %d, want 0", f.calls())
	}
}

// ---------------------------------------------------------------------------
// Learning
// ---------------------------------------------------------------------------

func TestLearn(t *testing.T) {
	f := &fakeLLM{reply: func(string) (string, error) {
		return `{"domain":"Energy","event_type":"Plant Outage","title":"PlantOutage",
			"description":"A power plant goes offline","properties":{"plant":{"type":"string"}}}`, nil
	}}
	env := newTestEnv(t, f, nil)
	ctx := context.Background()
	a := env.seed(t, "Reactor 2 at Flamanville shut down.", store.Update{}, toLearning...)
	b := env.seed(t, "Coal plant in Ohio goes offline.", store.Update{}, toLearning...)

	rep, err := env.p.Learn(ctx)
	if err != nil {
		t.Fatalf("Learn: %v", err)
	}
	if rep.Succeeded != 2 {
		t.Errorf("report: got %+v", rep)
	}
	if f.calls() != 1 {
		t.Errorf("similar texts should share one schema call, got %d", f.calls())
	}
	if !env.reg.Has("energy/plant_outage") {
		t.Fatal("learned type not registered")
	}
	reloaded, err := registry.Load(env.reg.Path())
	if err != nil {
		t.Fatalf("reloading registry: %v", err)
	}
	if !reloaded.Has("energy/plant_outage") {
		t.Error("learned type not saved to the registry file")
	}
	for _, id := range []string{a, b} {
		w := env.item(t, id)
		if w.Status != store.StatusPendingTriage || !strings.Contains(w.Notes, "[Learned event type energy/plant_outage]") {
			t.Errorf("%s: status %s notes %q", id, w.Status, w.Notes)
		}
	}
}

func TestLearnMalformed(t *testing.T) {
	env := newTestEnv(t, &fakeLLM{reply: func(string) (string, error) { return `{"domain":""}`, nil }}, nil)
	id := env.seed(t, "Something new.", store.Update{}, toLearning...)

	rep, err := env.p.Learn(context.Background())
	if err != nil {
		t.Fatalf("Learn: %v", err)
	}
	if rep.Failed != 1 {
		t.Errorf("report: got %+v", rep)
	}
	w := env.item(t, id)
	if w.Status != store.StatusError || w.ErrorPayload != `{"domain":""}` {
		t.Errorf("status %s payload %q", w.Status, w.ErrorPayload)
	}
}

func TestRunStageUnknown(t *testing.T) {
	env := newTestEnv(t, &fakeLLM{}, nil)
	if _, err := env.p.RunStage(context.Background(), "nope"); !errors.Is(err, ErrUnknownStage) {
		t.Errorf("expected ErrUnknownStage, got %v", err)
	}
}
