package review

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/brunobiangulo/eventgraph/store"
)

// ErrNoPendingItem is returned by WriteRequest when nothing awaits review.
var ErrNoPendingItem = errors.New("review: no item awaiting review")

// ErrBadResponse is returned for a response file without an id.
var ErrBadResponse = errors.New("review: malformed response file")

// WriteRequest writes a plain-text review request for one item to path.
// An empty id picks the pending_review item with the lowest confidence.
// The request ends with the response fields for the reviewer to fill in,
// so the same file can be edited and read back with ReadResponse.
func (r *Reviewer) WriteRequest(ctx context.Context, id, path string) (string, error) {
	var item *store.WorkItem
	if id == "" {
		items, err := r.store.ListForReview(ctx)
		if err != nil {
			return "", fmt.Errorf("listing review items: %w", err)
		}
		if len(items) == 0 {
			return "", ErrNoPendingItem
		}
		item = &items[0]
	} else {
		w, err := r.store.GetWorkItem(ctx, id)
		if err != nil {
			return "", err
		}
		if w.Status != store.StatusPendingReview {
			return "", fmt.Errorf("%w: %s is %s", store.ErrStaleTransition, id, w.Status)
		}
		item = w
	}

	decision := DecisionUnknown
	if item.AssignedEventType != "" {
		decision = DecisionKnown
	}
	conf := "n/a"
	if item.TriageConfidence != nil {
		conf = strconv.FormatFloat(*item.TriageConfidence, 'f', 2, 64)
	}

	var b strings.Builder
	b.WriteString("# Review request. Edit the fields at the bottom and save.\n")
	b.WriteString("# decision is known or unknown; event_type must be a registered type.\n")
	fmt.Fprintf(&b, "# triage suggestion: %s %s (confidence %s)\n", decision, item.AssignedEventType, conf)
	b.WriteString("#\n")
	for _, line := range strings.Split(item.SourceText, "\n") {
		b.WriteString("# > " + line + "\n")
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "id: %s\n", item.ID)
	fmt.Fprintf(&b, "decision: %s\n", decision)
	fmt.Fprintf(&b, "event_type: %s\n", item.AssignedEventType)
	b.WriteString("notes: \n")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("writing review request: %w", err)
	}
	return item.ID, nil
}

// ReadResponse parses a response file of "key: value" lines. Lines
// starting with # are comments; unknown keys are ignored.
func ReadResponse(path string) (Decision, error) {
	f, err := os.Open(path)
	if err != nil {
		return Decision{}, fmt.Errorf("opening review response: %w", err)
	}
	defer f.Close()

	var d Decision
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "id":
			d.ID = value
		case "decision", "human_decision":
			d.Decision = value
		case "event_type", "human_event_type":
			d.EventType = value
		case "notes", "human_notes":
			d.Notes = value
		}
	}
	if err := sc.Err(); err != nil {
		return Decision{}, fmt.Errorf("reading review response: %w", err)
	}
	if d.ID == "" {
		return Decision{}, fmt.Errorf("%w: no id", ErrBadResponse)
	}
	return d, nil
}

// ApplyResponse reads a response file and reconciles it.
func (r *Reviewer) ApplyResponse(ctx context.Context, path string) (Decision, Result, error) {
	d, err := ReadResponse(path)
	if err != nil {
		return d, Result{}, err
	}
	res, err := r.Apply(ctx, d)
	return d, res, err
}
