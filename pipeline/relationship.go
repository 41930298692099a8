package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brunobiangulo/eventgraph/graph"
	"github.com/brunobiangulo/eventgraph/llm"
	"github.com/brunobiangulo/eventgraph/prompts"
	"github.com/brunobiangulo/eventgraph/store"
)

// relationTypeNames are offered to the model; replies are normalised with
// graph.NormalizeRelationType.
var relationTypeNames = []string{
	"Causal", "Temporal", "Sub-event", "Elaboration", "Contradiction", "Influence", "Related",
}

type relationshipReply struct {
	Relationships []store.Relation `json:"relationships"`
}

// relationshipShape documents the reply for the model; relationshipReply
// is the lenient decoding side of the same object.
type relationshipShape struct {
	Relationships []struct {
		SourceEventID    string `json:"source_event_id"`
		TargetEventID    string `json:"target_event_id"`
		RelationshipType string `json:"relationship_type"`
		Reason           string `json:"reason"`
	} `json:"relationships"`
}

var relationshipSchema = llm.SchemaJSON[relationshipShape]()

type promptEvent struct {
	ID          string
	EventType   string
	EventDate   string
	Description string
	Entities    []string
}

// Relate analyses each story at pending_relationship_analysis: it asks
// the model how the story's events relate, writes the results to the
// graph and vector stores, and completes the story's items. A failure
// sends every item of the story to error.
func (p *Pipeline) Relate(ctx context.Context) (Report, error) {
	start := time.Now()
	rep := Report{Stage: StageRelationship}

	items, err := p.store.ListByStatus(ctx, store.StatusPendingRelationshipAnalysis)
	if err != nil {
		return rep, fmt.Errorf("relationship: listing items: %w", err)
	}
	rep.Found = len(items)

	var order []string
	stories := make(map[string][]string)
	for _, it := range items {
		if _, ok := stories[it.StoryID]; !ok {
			order = append(order, it.StoryID)
		}
		stories[it.StoryID] = append(stories[it.StoryID], it.ID)
	}

	for _, storyID := range order {
		if ctx.Err() != nil {
			break
		}
		ids := stories[storyID]
		if storyID == "" {
			// Should not happen: the transition into this status always
			// sets a story. Fail the stray items rather than block.
			for _, id := range ids {
				rep.add(fail(ctx, p.store, StageRelationship, store.StatusPendingRelationshipAnalysis, id,
					fmt.Errorf("%w: item has no story", ErrStoreWrite)))
			}
			continue
		}

		err := p.relateStory(ctx, storyID, ids)
		if err != nil && ctx.Err() != nil {
			break
		}
		if err != nil {
			for _, id := range ids {
				rep.add(fail(ctx, p.store, StageRelationship, store.StatusPendingRelationshipAnalysis, id, err))
			}
			continue
		}
		moved, err := p.store.TransitionMany(ctx, ids, store.StatusPendingRelationshipAnalysis, store.StatusCompleted, "")
		if err != nil {
			slog.Warn("relationship: completing story", "story_id", storyID, "error", err)
		} else if moved != len(ids) {
			slog.Warn("relationship: some story items already moved", "story_id", storyID,
				"expected", len(ids), "moved", moved)
		}
		for i := range ids {
			if i < moved {
				rep.add(outcomeSucceeded)
			} else {
				rep.add(outcomeSkipped)
			}
		}
	}

	rep = finish(context.WithoutCancel(ctx), p.store, rep, start)
	return rep, ctx.Err()
}

func (p *Pipeline) relateStory(ctx context.Context, storyID string, itemIDs []string) error {
	events, err := p.store.EventsByItems(ctx, itemIDs)
	if err != nil {
		return fmt.Errorf("%w: loading events: %v", ErrStoreWrite, err)
	}

	var rels []store.Relation
	if len(events) >= 2 {
		rels, err = p.analyseRelations(ctx, storyID, events)
		if err != nil {
			return err
		}
	}

	if err := p.store.InsertRelations(ctx, rels); err != nil {
		return fmt.Errorf("%w: event_relations: %v", ErrStoreWrite, err)
	}
	if err := p.graph.WriteStory(ctx, events, rels); err != nil {
		return fmt.Errorf("%w: graph: %v", ErrStoreWrite, err)
	}
	if err := p.indexEvents(ctx, events); err != nil {
		return err
	}
	slog.Info("relationship: story stored", "story_id", storyID,
		"items", len(itemIDs), "events", len(events), "relations", len(rels))
	return nil
}

// analyseRelations asks the model for relations between the story's
// events. Relations naming unknown events or an event and itself are
// dropped; types are normalised to edge labels.
func (p *Pipeline) analyseRelations(ctx context.Context, storyID string, events []store.Event) ([]store.Relation, error) {
	known := make(map[string]bool, len(events))
	pe := make([]promptEvent, len(events))
	descs := make([]string, len(events))
	for i, e := range events {
		known[e.ID] = true
		names := make([]string, len(e.Entities))
		for j, ent := range e.Entities {
			names[j] = ent.Name
		}
		pe[i] = promptEvent{ID: e.ID, EventType: e.EventType, EventDate: e.EventDate, Description: e.Description, Entities: names}
		descs[i] = e.Description
	}

	background := ""
	if p.retriever != nil {
		bg, err := p.retriever.Background(ctx, strings.Join(descs, " "))
		if err != nil {
			slog.Warn("relationship: background retrieval failed", "story_id", storyID, "error", err)
		} else {
			background = bg
		}
	}

	reply, err := p.complete(ctx, llm.TaskRelationshipAnalysis, prompts.Relationship, map[string]any{
		"Events":        pe,
		"Context":       background,
		"RelationTypes": relationTypeNames,
		"Schema":        relationshipSchema,
	})
	if err != nil {
		return nil, err
	}
	r, err := parse[relationshipReply](reply)
	if err != nil {
		return nil, err
	}

	var rels []store.Relation
	for _, rel := range r.Relationships {
		rel.SourceEventID = strings.TrimSpace(rel.SourceEventID)
		rel.TargetEventID = strings.TrimSpace(rel.TargetEventID)
		if !known[rel.SourceEventID] || !known[rel.TargetEventID] || rel.SourceEventID == rel.TargetEventID {
			slog.Debug("relationship: dropping relation", "story_id", storyID,
				"source", rel.SourceEventID, "target", rel.TargetEventID)
			continue
		}
		rel.Type = graph.NormalizeRelationType(rel.Type)
		rel.Reason = strings.TrimSpace(rel.Reason)
		rel.StoryID = storyID
		rels = append(rels, rel)
	}
	return rels, nil
}

// indexEvents embeds event descriptions and per-entity contexts into the
// event_descriptions and entity_centric_contexts collections.
func (p *Pipeline) indexEvents(ctx context.Context, events []store.Event) error {
	if len(events) == 0 {
		return nil
	}
	var descDocs, entDocs []store.VectorDoc
	for _, e := range events {
		descDocs = append(descDocs, store.VectorDoc{
			Key:     e.ID,
			Content: e.Description,
			Metadata: map[string]string{
				"event_id":   e.ID,
				"event_type": e.EventType,
				"event_date": e.EventDate,
				"story_id":   e.StoryID,
			},
		})
		for _, ent := range e.Entities {
			entDocs = append(entDocs, store.VectorDoc{
				Key:     e.ID + "_" + ent.Name,
				Content: entityContext(ent, e),
				Metadata: map[string]string{
					"event_id":    e.ID,
					"entity_name": ent.Name,
					"entity_type": ent.Type,
					"role":        ent.Role,
				},
			})
		}
	}

	for _, batch := range []struct {
		coll store.Collection
		docs []store.VectorDoc
	}{
		{store.CollectionEventDescriptions, descDocs},
		{store.CollectionEntityContexts, entDocs},
	} {
		if len(batch.docs) == 0 {
			continue
		}
		texts := make([]string, len(batch.docs))
		for i, d := range batch.docs {
			texts[i] = d.Content
		}
		vecs, err := p.embed(ctx, texts)
		if err != nil {
			return err
		}
		for i := range batch.docs {
			batch.docs[i].Embedding = vecs[i]
		}
		if err := p.store.UpsertVectors(ctx, batch.coll, batch.docs); err != nil {
			return fmt.Errorf("%w: %s vectors: %v", ErrStoreWrite, batch.coll, err)
		}
	}
	return nil
}

// entityContext renders the entity-centric document for one participation.
func entityContext(ent store.EventEntity, e store.Event) string {
	var b strings.Builder
	b.WriteString("Entity ")
	b.WriteString(ent.Name)
	if ent.Type != "" {
		b.WriteString(" (" + ent.Type + ")")
	}
	b.WriteString(" participated")
	if ent.Role != "" {
		b.WriteString(" as " + ent.Role)
	}
	b.WriteString(" in " + e.EventType + " event")
	if e.EventDate != "" {
		b.WriteString(" on " + e.EventDate)
	}
	b.WriteString(": " + e.Description)
	return b.String()
}
