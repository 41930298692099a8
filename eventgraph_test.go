//go:build cgo

package eventgraph

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/brunobiangulo/eventgraph/llm"
	"github.com/brunobiangulo/eventgraph/pipeline"
	"github.com/brunobiangulo/eventgraph/store"
)

// scriptedProvider answers triage prompts by keyword and everything else
// with a fixed reply.
type scriptedProvider struct {
	answer string
}

func (p *scriptedProvider) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	prompt := req.Messages[len(req.Messages)-1].Content
	switch {
	case strings.Contains(prompt, "CEO"):
		return &llm.ChatResponse{Content: `{"status":"known","event_type":"financial/executive_change","confidence":0.8}`}, nil
	case strings.Contains(prompt, "weather"):
		return &llm.ChatResponse{Content: `{"status":"unknown","confidence":0.2}`}, nil
	}
	return &llm.ChatResponse{Content: p.answer, Model: "scripted"}, nil
}

func (p *scriptedProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Database.Path = filepath.Join(dir, "db", "state.db")
	cfg.Database.EmbeddingDim = 4
	cfg.Paths = PathsConfig{
		SchemaRegistry:   filepath.Join(dir, "schemas.json"),
		ReviewSheet:      filepath.Join(dir, "out", "review_sheet.csv"),
		ReviewTypes:      filepath.Join(dir, "out", "types.txt"),
		UnknownEvents:    filepath.Join(dir, "out", "unknown.jsonl"),
		ExtractionOutput: filepath.Join(dir, "out", "events.jsonl"),
		RequestFile:      filepath.Join(dir, "out", "request.txt"),
		ResponseFile:     filepath.Join(dir, "out", "request.txt"),
	}
	return cfg
}

func newTestEngine(t *testing.T) Engine {
	t.Helper()
	e, err := New(context.Background(), testConfig(t), WithProvider(&scriptedProvider{answer: "Nothing is known yet."}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestNewInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.EmbeddingDim = 0
	if _, err := New(context.Background(), cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestIngestText(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	res, err := e.IngestText(ctx, "Globex CEO resigns.", "https://example.com/a")
	if err != nil {
		t.Fatalf("IngestText: %v", err)
	}
	if res.Inserted != 1 || len(res.Items) != 1 {
		t.Fatalf("first ingest: got %+v", res)
	}

	again, err := e.IngestText(ctx, "Globex  CEO\nresigns.", "")
	if err != nil {
		t.Fatalf("IngestText: %v", err)
	}
	if again.Duplicates != 1 || again.Items[0].ID != res.Items[0].ID {
		t.Errorf("whitespace variant should be a duplicate: got %+v", again)
	}

	if _, err := e.IngestText(ctx, "   ", ""); !errors.Is(err, ErrNoText) {
		t.Errorf("expected ErrNoText, got %v", err)
	}

	w, err := e.Store().GetWorkItem(ctx, res.Items[0].ID)
	if err != nil {
		t.Fatalf("GetWorkItem: %v", err)
	}
	if w.Status != store.StatusPendingTriage || w.SourceURI != "https://example.com/a" {
		t.Errorf("item: got %+v", w)
	}
}

func TestIngestFile(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	dir := t.TempDir()

	csvPath := filepath.Join(dir, "news.csv")
	csv := "title,text,url\nDeal,Acme acquires Globex.,https://example.com/deal\nCEO,Globex CEO resigns.,\n"
	if err := os.WriteFile(csvPath, []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := e.IngestFile(ctx, csvPath)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	if res.Inserted != 2 {
		t.Fatalf("inserted: got %d, want 2", res.Inserted)
	}
	if res.Items[0].SourceURI != "https://example.com/deal" {
		t.Errorf("url column should become the source uri, got %q", res.Items[0].SourceURI)
	}
	if !strings.HasSuffix(res.Items[1].SourceURI, "news.csv#row 3") {
		t.Errorf("row without url: got %q", res.Items[1].SourceURI)
	}

	bad := filepath.Join(dir, "slides.pptx")
	if err := os.WriteFile(bad, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := e.IngestFile(ctx, bad); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}

	empty := filepath.Join(dir, "empty.txt")
	if err := os.WriteFile(empty, []byte("\n\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := e.IngestFile(ctx, empty); !errors.Is(err, ErrNoText) {
		t.Errorf("expected ErrNoText, got %v", err)
	}
}

func TestTriageAndReviewRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	ceo, _ := e.IngestText(ctx, "Globex CEO resigns after audit.", "")
	weather, _ := e.IngestText(ctx, "The weather was pleasant all week.", "")

	rep, err := e.RunStage(ctx, pipeline.StageTriage)
	if err != nil {
		t.Fatalf("triage: %v", err)
	}
	if rep.Succeeded != 2 {
		t.Fatalf("triage report: got %+v", rep)
	}

	exp, err := e.ExportReview(ctx, "")
	if err != nil {
		t.Fatalf("ExportReview: %v", err)
	}
	if exp.Rows != 2 {
		t.Errorf("export rows: got %d", exp.Rows)
	}

	imp, err := e.ImportReview(ctx, exp.SheetPath)
	if err != nil {
		t.Fatalf("ImportReview: %v", err)
	}
	if imp.ToExtraction != 1 || imp.ToLearning != 1 {
		t.Errorf("import report: got %+v", imp)
	}

	get := func(id string) *store.WorkItem {
		w, err := e.Store().GetWorkItem(ctx, id)
		if err != nil {
			t.Fatalf("GetWorkItem: %v", err)
		}
		return w
	}
	if w := get(ceo.Items[0].ID); w.Status != store.StatusPendingExtraction {
		t.Errorf("ceo item: got %s", w.Status)
	}
	if w := get(weather.Items[0].ID); w.Status != store.StatusPendingLearning {
		t.Errorf("weather item: got %s", w.Status)
	}

	st, err := e.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Items[store.StatusPendingExtraction] != 1 || st.Items[store.StatusPendingLearning] != 1 {
		t.Errorf("status counts: got %v", st.Items)
	}
	if st.GraphStore != "sqlite" || st.EventTypes == 0 {
		t.Errorf("status: got %+v", st)
	}
	if len(st.RecentRuns) != 1 || st.RecentRuns[0].Stage != pipeline.StageTriage {
		t.Errorf("recent runs: got %+v", st.RecentRuns)
	}
}

func TestReviewRequestUnknownItem(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.WriteReviewRequest(context.Background(), "missing", ""); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("expected ErrItemNotFound, got %v", err)
	}
}

func TestRequeue(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	res, _ := e.IngestText(ctx, "Something broke.", "")
	id := res.Items[0].ID
	if err := e.Store().MarkError(ctx, id, store.StatusPendingTriage, "triage: llm_error: boom", ""); err != nil {
		t.Fatalf("MarkError: %v", err)
	}

	if _, err := e.Requeue(ctx, store.StatusCompleted); err == nil {
		t.Error("requeue to a terminal status should fail")
	}
	n, err := e.Requeue(ctx, store.StatusPendingTriage, id)
	if err != nil || n != 1 {
		t.Fatalf("Requeue: n=%d err=%v", n, err)
	}
	w, _ := e.Store().GetWorkItem(ctx, id)
	if w.Status != store.StatusPendingTriage {
		t.Errorf("status: got %s", w.Status)
	}
}

func TestQueryEmptyGraph(t *testing.T) {
	e := newTestEngine(t)
	ans, err := e.Query(context.Background(), "Who runs Globex?")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if ans.Answer != "Nothing is known yet." || len(ans.Sources) != 0 {
		t.Errorf("answer: got %+v", ans)
	}
}

func TestRunStageUnknown(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.RunStage(context.Background(), "publish"); !errors.Is(err, pipeline.ErrUnknownStage) {
		t.Errorf("expected ErrUnknownStage, got %v", err)
	}
}

func TestClosedEngine(t *testing.T) {
	e, err := New(context.Background(), testConfig(t), WithProvider(&scriptedProvider{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	if _, err := e.IngestText(context.Background(), "late", ""); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
