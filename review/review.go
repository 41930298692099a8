// Package review implements the human review gate between triage and
// extraction. Items at pending_review are exported to a sheet (CSV or
// XLSX), a reviewer fills in the decision columns, and Import reconciles
// the edited sheet back into the store. A plain-text request/response
// pair covers the single-document variant of the same hand-off.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/brunobiangulo/eventgraph/registry"
	"github.com/brunobiangulo/eventgraph/store"
)

var (
	// ErrUnsupportedFormat is returned for a sheet path that is neither
	// .csv nor .xlsx.
	ErrUnsupportedFormat = errors.New("review: unsupported sheet format")
	// ErrMissingColumn is returned when an imported sheet lacks a
	// required column.
	ErrMissingColumn = errors.New("review: missing column")
)

// Decisions a reviewer may enter.
const (
	DecisionKnown   = "known"
	DecisionUnknown = "unknown"
)

// Columns is the sheet header, in order.
var Columns = []string{
	"id", "triage_confidence", "assigned_event_type", "source_text",
	"human_decision", "human_event_type", "human_notes",
}

// Row is one sheet line.
type Row struct {
	ID                string
	TriageConfidence  *float64
	AssignedEventType string
	SourceText        string
	HumanDecision     string
	HumanEventType    string
	HumanNotes        string
}

func (r Row) record() []string {
	conf := ""
	if r.TriageConfidence != nil {
		conf = strconv.FormatFloat(*r.TriageConfidence, 'f', -1, 64)
	}
	return []string{r.ID, conf, r.AssignedEventType, r.SourceText, r.HumanDecision, r.HumanEventType, r.HumanNotes}
}

// rowFromRecord maps a record onto a Row using the header positions in
// idx. Cells past the end of a short record read as empty.
func rowFromRecord(rec []string, idx map[string]int) Row {
	cell := func(col string) string {
		i, ok := idx[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}
	r := Row{
		ID:                cell("id"),
		AssignedEventType: cell("assigned_event_type"),
		SourceText:        cell("source_text"),
		HumanDecision:     cell("human_decision"),
		HumanEventType:    cell("human_event_type"),
		HumanNotes:        cell("human_notes"),
	}
	if c := cell("triage_confidence"); c != "" {
		if v, err := strconv.ParseFloat(c, 64); err == nil {
			r.TriageConfidence = &v
		}
	}
	return r
}

// headerIndex maps column names to positions and checks the required ones.
func headerIndex(header []string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := idx[h]; !dup {
			idx[h] = i
		}
	}
	for _, req := range []string{"id", "human_decision"} {
		if _, ok := idx[req]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, req)
		}
	}
	return idx, nil
}

// Reviewer exports and reconciles review sheets.
type Reviewer struct {
	store    *store.Store
	registry *registry.Registry
}

// New returns a Reviewer validating event types against reg.
func New(s *store.Store, reg *registry.Registry) *Reviewer {
	return &Reviewer{store: s, registry: reg}
}

// ExportReport summarises an export.
type ExportReport struct {
	Rows      int    `json:"rows"`
	SheetPath string `json:"sheet_path"`
	TypesPath string `json:"types_path"`
}

// Export writes every pending_review item to sheetPath, lowest triage
// confidence first, and the list of valid event types to typesPath (next
// to the sheet when empty). The decision columns are pre-filled from
// triage so the reviewer only edits what is wrong.
func (r *Reviewer) Export(ctx context.Context, sheetPath, typesPath string) (ExportReport, error) {
	rep := ExportReport{SheetPath: sheetPath, TypesPath: typesPath}
	format, err := sheetFormat(sheetPath)
	if err != nil {
		return rep, err
	}
	items, err := r.store.ListForReview(ctx)
	if err != nil {
		return rep, fmt.Errorf("listing review items: %w", err)
	}

	rows := make([]Row, len(items))
	for i, it := range items {
		decision := DecisionUnknown
		if it.AssignedEventType != "" {
			decision = DecisionKnown
		}
		rows[i] = Row{
			ID:                it.ID,
			TriageConfidence:  it.TriageConfidence,
			AssignedEventType: it.AssignedEventType,
			SourceText:        it.SourceText,
			HumanDecision:     decision,
			HumanEventType:    it.AssignedEventType,
		}
	}

	if dir := filepath.Dir(sheetPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return rep, fmt.Errorf("creating review directory: %w", err)
		}
	}
	switch format {
	case "csv":
		err = writeCSV(sheetPath, rows)
	case "xlsx":
		err = writeXLSX(sheetPath, rows)
	}
	if err != nil {
		return rep, err
	}
	rep.Rows = len(rows)

	if rep.TypesPath == "" {
		rep.TypesPath = filepath.Join(filepath.Dir(sheetPath), "event_types_for_review.txt")
	}
	if err := r.writeTypes(rep.TypesPath); err != nil {
		slog.Warn("review: writing event type list", "path", rep.TypesPath, "error", err)
	}
	slog.Info("review: sheet exported", "path", sheetPath, "rows", rep.Rows)
	return rep, nil
}

func (r *Reviewer) writeTypes(path string) error {
	var b strings.Builder
	b.WriteString("Please use one of the following event types in the 'human_event_type' column:\n")
	b.WriteString(strings.Repeat("-", 74) + "\n")
	for _, e := range r.registry.List() {
		fmt.Fprintf(&b, "- %s\n", e.Name)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// ImportReport summarises a reconcile pass.
type ImportReport struct {
	Rows         int `json:"rows"`
	ToExtraction int `json:"to_extraction"`
	ToLearning   int `json:"to_learning"`
	InvalidTypes int `json:"invalid_types"`
	Skipped      int `json:"skipped"`
}

// Import reads an edited sheet and applies every row. Rows whose item is
// missing or no longer at pending_review are skipped and counted.
func (r *Reviewer) Import(ctx context.Context, sheetPath string) (ImportReport, error) {
	var rep ImportReport
	format, err := sheetFormat(sheetPath)
	if err != nil {
		return rep, err
	}
	var rows []Row
	switch format {
	case "csv":
		rows, err = readCSV(sheetPath)
	case "xlsx":
		rows, err = readXLSX(sheetPath)
	}
	if err != nil {
		return rep, err
	}

	for _, row := range rows {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		if row.ID == "" {
			continue
		}
		rep.Rows++
		res, err := r.Apply(ctx, Decision{
			ID:        row.ID,
			Decision:  row.HumanDecision,
			EventType: row.HumanEventType,
			Notes:     row.HumanNotes,
		})
		switch {
		case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrStaleTransition):
			slog.Warn("review: skipping row", "item_id", row.ID, "error", err)
			rep.Skipped++
			continue
		case err != nil:
			return rep, fmt.Errorf("applying review of %s: %w", row.ID, err)
		}
		if res.Status == store.StatusPendingExtraction {
			rep.ToExtraction++
		} else {
			rep.ToLearning++
		}
		if res.InvalidType {
			rep.InvalidTypes++
		}
	}
	slog.Info("review: sheet imported", "path", sheetPath, "rows", rep.Rows,
		"extraction", rep.ToExtraction, "learning", rep.ToLearning, "skipped", rep.Skipped)
	return rep, nil
}

// Decision is a reviewer's verdict on one item.
type Decision struct {
	ID        string `json:"id"`
	Decision  string `json:"decision"`
	EventType string `json:"event_type"`
	Notes     string `json:"notes"`
}

// Result is the outcome of applying a Decision.
type Result struct {
	Status      store.Status `json:"status"`
	EventType   string       `json:"event_type,omitempty"`
	InvalidType bool         `json:"invalid_type,omitempty"`
}

// Resolve decides where a verdict sends its item: a known decision with
// a registered type goes to extraction under the canonical type name,
// anything else to learning. A known decision with a missing or
// unregistered type is flagged invalid.
func (r *Reviewer) Resolve(d Decision) (Result, string) {
	decision := strings.ToLower(strings.TrimSpace(d.Decision))
	eventType := strings.TrimSpace(d.EventType)
	note := strings.TrimSpace(d.Notes)

	if decision == DecisionKnown {
		if eventType != "" {
			if name, _, err := r.registry.Lookup(eventType); err == nil {
				return Result{Status: store.StatusPendingExtraction, EventType: name}, note
			}
		}
		note += fmt.Sprintf(" [System: Invalid event type '%s']", eventType)
		return Result{Status: store.StatusPendingLearning, EventType: eventType, InvalidType: true}, note
	}
	return Result{Status: store.StatusPendingLearning, EventType: eventType}, note
}

// Apply reconciles one verdict into the store. The item must still be at
// pending_review.
func (r *Reviewer) Apply(ctx context.Context, d Decision) (Result, error) {
	res, note := r.Resolve(d)
	err := r.store.Transition(ctx, d.ID, store.StatusPendingReview, res.Status, store.Update{
		AssignedEventType: store.Ptr(res.EventType),
		Note:              note,
	})
	if err != nil {
		return res, err
	}
	slog.Debug("review: item reconciled", "item_id", d.ID, "status", res.Status, "event_type", res.EventType)
	return res, nil
}

func sheetFormat(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return "csv", nil
	case ".xlsx":
		return "xlsx", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}
