package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/brunobiangulo/eventgraph/llm"
	"github.com/brunobiangulo/eventgraph/prompts"
	"github.com/brunobiangulo/eventgraph/store"
)

// extractedEvent is one element of an extraction reply. Fields beyond the
// core four are kept verbatim as structured data.
type extractedEvent struct {
	EventType        string              `json:"event_type"`
	Description      string              `json:"description"`
	EventDate        string              `json:"event_date"`
	InvolvedEntities []store.EventEntity `json:"involved_entities"`

	extra map[string]json.RawMessage
}

var coreEventFields = map[string]bool{
	"event_type": true, "description": true, "event_date": true, "involved_entities": true,
}

func (e *extractedEvent) UnmarshalJSON(b []byte) error {
	type plain extractedEvent
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	for k := range coreEventFields {
		delete(all, k)
	}
	*e = extractedEvent(p)
	if len(all) > 0 {
		e.extra = all
	}
	return nil
}

// extractionReply accepts a bare array or an object wrapping "events".
type extractionReply []extractedEvent

func (r *extractionReply) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		return json.Unmarshal(b, (*[]extractedEvent)(r))
	}
	var wrapped struct {
		Events *[]extractedEvent `json:"events"`
	}
	if err := json.Unmarshal(b, &wrapped); err != nil {
		return err
	}
	if wrapped.Events == nil {
		return errMissingEvents
	}
	*r = *wrapped.Events
	return nil
}

var errMissingEvents = errors.New("reply has no \"events\" array")

// extractionRecord is one line of the optional extraction output file.
type extractionRecord struct {
	ItemID string      `json:"item_id"`
	Event  store.Event `json:"event"`
	At     time.Time   `json:"extracted_at"`
}

// Extract pulls structured events out of pending_extraction items with
// bounded concurrency and moves them to pending_clustering.
func (p *Pipeline) Extract(ctx context.Context) (Report, error) {
	return Run(ctx, p.store, Spec{
		Stage:       StageExtraction,
		From:        store.StatusPendingExtraction,
		To:          store.StatusPendingClustering,
		Concurrency: p.cfg.Extraction.Concurrency,
		Timeout:     p.cfg.Extraction.ItemTimeout,
		Process:     p.extractItem,
	})
}

func (p *Pipeline) extractItem(ctx context.Context, item store.WorkItem) (store.Update, error) {
	schema := "{}"
	if name, s, err := p.registry.Lookup(item.AssignedEventType); err == nil {
		b, _ := json.MarshalIndent(s, "", "  ")
		schema = string(b)
		item.AssignedEventType = name
	}

	reply, err := p.complete(ctx, llm.TaskExtraction, prompts.Extraction, map[string]any{
		"EventType": item.AssignedEventType,
		"Schema":    schema,
		"Text":      item.SourceText,
	})
	if err != nil {
		return store.Update{}, err
	}
	parsed, err := parse[extractionReply](reply)
	if err != nil {
		return store.Update{}, err
	}

	events, entities := toEvents(parsed, item.AssignedEventType)
	if len(events) == 0 && len(parsed) > 0 {
		return store.Update{}, malformed(reply, "none of the %d extracted events has a description", len(parsed))
	}
	if p.cfg.ExtractionOutputPath != "" && len(events) > 0 {
		now := time.Now().UTC()
		records := make([]any, len(events))
		for i, e := range events {
			e.ID = store.EventID(item.ID, i)
			e.ItemID = item.ID
			records[i] = extractionRecord{ItemID: item.ID, Event: e, At: now}
		}
		if err := p.jsonl.append(p.cfg.ExtractionOutputPath, records...); err != nil {
			slog.Warn("extraction: writing output file", "path", p.cfg.ExtractionOutputPath, "error", err)
		}
	}

	return store.Update{
		InvolvedEntities: entities,
		ReplaceEvents:    true,
		Events:           events,
	}, nil
}

// toEvents converts reply events to store events and returns the
// de-duplicated entity names in first-seen order. Events without a
// description are dropped; a missing type falls back to defaultType.
func toEvents(reply extractionReply, defaultType string) ([]store.Event, []string) {
	events := make([]store.Event, 0, len(reply))
	entities := []string{}
	seen := make(map[string]bool)
	for _, r := range reply {
		desc := strings.TrimSpace(r.Description)
		if desc == "" {
			continue
		}
		e := store.Event{
			EventType:   strings.TrimSpace(r.EventType),
			Description: desc,
			EventDate:   strings.TrimSpace(r.EventDate),
		}
		if e.EventType == "" {
			e.EventType = defaultType
		}
		if len(r.extra) > 0 {
			b, _ := json.Marshal(r.extra)
			e.StructuredData = string(b)
		}
		for _, ent := range r.InvolvedEntities {
			ent.Name = strings.TrimSpace(ent.Name)
			if ent.Name == "" {
				continue
			}
			e.Entities = append(e.Entities, ent)
			if key := strings.ToLower(ent.Name); !seen[key] {
				seen[key] = true
				entities = append(entities, ent.Name)
			}
		}
		events = append(events, e)
	}
	return events, entities
}
