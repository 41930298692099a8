package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/brunobiangulo/eventgraph/llm"
	"github.com/brunobiangulo/eventgraph/prompts"
	"github.com/brunobiangulo/eventgraph/registry"
	"github.com/brunobiangulo/eventgraph/store"
)

// confidence accepts a JSON number or a numeric string.
type confidence struct {
	value *float64
}

func (c *confidence) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	c.value = &f
	return nil
}

// triageReply covers both reply shapes the classifier produces:
// {"status","domain","event_type","confidence"} and {"decision","type"}.
type triageReply struct {
	Status     string     `json:"status"`
	Decision   string     `json:"decision"`
	Domain     string     `json:"domain"`
	EventType  string     `json:"event_type"`
	Type       string     `json:"type"`
	Confidence confidence `json:"confidence"`
}

// unknownEvent is one line of the unknown-events log.
type unknownEvent struct {
	ID         string    `json:"id"`
	SourceText string    `json:"source_text"`
	Confidence *float64  `json:"confidence,omitempty"`
	LoggedAt   time.Time `json:"logged_at"`
}

// Triage classifies pending_triage items against the registry and moves
// them to pending_review. Unknown texts get a NULL type and are logged.
func (p *Pipeline) Triage(ctx context.Context) (Report, error) {
	return Run(ctx, p.store, Spec{
		Stage:   StageTriage,
		From:    store.StatusPendingTriage,
		To:      store.StatusPendingReview,
		Process: p.triageItem,
	})
}

func (p *Pipeline) triageItem(ctx context.Context, item store.WorkItem) (store.Update, error) {
	reply, err := p.complete(ctx, llm.TaskTriage, prompts.Triage, map[string]any{
		"EventTypes": p.registry.Describe(),
		"Text":       item.SourceText,
	})
	if err != nil {
		return store.Update{}, err
	}
	r, err := parse[triageReply](reply)
	if err != nil {
		return store.Update{}, err
	}
	known, eventType, conf, err := interpretTriage(r, p.registry)
	if err != nil {
		return store.Update{}, malformed(reply, "%v", err)
	}

	upd := store.Update{TriageConfidence: conf}
	if known {
		upd.AssignedEventType = store.Ptr(eventType)
		return upd, nil
	}

	upd.AssignedEventType = store.Ptr("")
	if err := p.jsonl.append(p.cfg.UnknownEventsPath, unknownEvent{
		ID:         item.ID,
		SourceText: item.SourceText,
		Confidence: conf,
		LoggedAt:   time.Now().UTC(),
	}); err != nil {
		slog.Warn("triage: writing unknown-events log", "path", p.cfg.UnknownEventsPath, "error", err)
	}
	return upd, nil
}

// interpretTriage normalises a reply. A known type is canonicalised
// against the registry when it resolves; otherwise it is kept as given
// and left for the reviewer to correct. Confidence is clamped to [0, 1].
func interpretTriage(r triageReply, reg *registry.Registry) (bool, string, *float64, error) {
	decision := strings.ToLower(strings.TrimSpace(r.Status))
	if decision == "" {
		decision = strings.ToLower(strings.TrimSpace(r.Decision))
	}

	conf := r.Confidence.value
	if conf != nil {
		conf = store.Ptr(min(max(*conf, 0), 1))
	}

	switch decision {
	case "unknown":
		return false, "", conf, nil
	case "known":
	default:
		return false, "", nil, fmt.Errorf("status must be \"known\" or \"unknown\", got %q", decision)
	}

	eventType := strings.TrimSpace(r.EventType)
	if eventType == "" {
		eventType = strings.TrimSpace(r.Type)
	}
	if eventType == "" {
		return false, "", nil, errors.New("known decision without an event type")
	}
	if d := strings.TrimSpace(r.Domain); d != "" && !strings.Contains(eventType, "/") {
		eventType = registry.JoinType(d, eventType)
	}
	if canonical, _, err := reg.Lookup(eventType); err == nil {
		eventType = canonical
	}
	return true, eventType, conf, nil
}
