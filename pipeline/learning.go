package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/brunobiangulo/eventgraph/cluster"
	"github.com/brunobiangulo/eventgraph/graph"
	"github.com/brunobiangulo/eventgraph/llm"
	"github.com/brunobiangulo/eventgraph/prompts"
	"github.com/brunobiangulo/eventgraph/registry"
	"github.com/brunobiangulo/eventgraph/store"
)

// learnSampleSize caps how many texts of a group go into the prompt.
const learnSampleSize = 8

type learnedSchema struct {
	Domain      string         `json:"domain"`
	EventType   string         `json:"event_type"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Properties  map[string]any `json:"properties"`
}

// Learn induces new event types from pending_learning items. Similar
// texts are grouped, each group yields one schema which is added to the
// registry, and the group's items go back to pending_triage to be
// classified against the extended registry.
func (p *Pipeline) Learn(ctx context.Context) (Report, error) {
	start := time.Now()
	rep := Report{Stage: StageLearning}

	items, err := p.store.ListByStatus(ctx, store.StatusPendingLearning)
	if err != nil {
		return rep, fmt.Errorf("learning: listing items: %w", err)
	}
	rep.Found = len(items)
	if len(items) == 0 {
		return finish(ctx, p.store, rep, start), nil
	}

	groups, err := p.learningGroups(ctx, items)
	if err != nil && ctx.Err() != nil {
		return finish(context.WithoutCancel(ctx), p.store, rep, start), ctx.Err()
	}
	if err != nil {
		for _, it := range items {
			rep.add(fail(ctx, p.store, StageLearning, store.StatusPendingLearning, it.ID, err))
		}
		return finish(context.WithoutCancel(ctx), p.store, rep, start), nil
	}
	slog.Info("learning: grouped items", "items", len(items), "groups", len(groups))

	registryChanged := false
	for _, g := range groups {
		if ctx.Err() != nil {
			break
		}
		group := make([]store.WorkItem, len(g))
		for i, idx := range g {
			group[i] = items[idx]
		}

		name, added, err := p.learnSchema(ctx, group)
		if err != nil && ctx.Err() != nil {
			break
		}
		if err != nil {
			for _, it := range group {
				rep.add(fail(ctx, p.store, StageLearning, store.StatusPendingLearning, it.ID, err))
			}
			continue
		}
		if added {
			registryChanged = true
		}
		if added && p.registry.Path() != "" {
			if err := p.registry.Save(); err != nil {
				err = fmt.Errorf("%w: saving schema registry: %v", ErrStoreWrite, err)
				for _, it := range group {
					rep.add(fail(ctx, p.store, StageLearning, store.StatusPendingLearning, it.ID, err))
				}
				continue
			}
		}

		note := fmt.Sprintf("[Learned event type %s]", name)
		if !added {
			note = fmt.Sprintf("[Event type %s already registered]", name)
		}
		for _, it := range group {
			if err := p.store.Transition(ctx, it.ID, store.StatusPendingLearning, store.StatusPendingTriage,
				store.Update{Note: note}); err != nil {
				slog.Warn("learning: requeueing item for triage", "item_id", it.ID, "error", err)
				rep.add(outcomeSkipped)
				continue
			}
			rep.add(outcomeSucceeded)
		}
	}
	if registryChanged {
		slog.Info("learning: schema registry updated", "path", p.registry.Path())
	}

	rep = finish(context.WithoutCancel(ctx), p.store, rep, start)
	return rep, ctx.Err()
}

// learningGroups embeds the items and groups them by communities of the
// cosine similarity graph.
func (p *Pipeline) learningGroups(ctx context.Context, items []store.WorkItem) ([][]int, error) {
	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.SourceText
	}
	vecs, err := p.embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	threshold := p.cfg.Learning.SimilarityThreshold
	var edges []graph.Edge
	for i := range vecs {
		for j := i + 1; j < len(vecs); j++ {
			if sim := cluster.Cosine(vecs[i], vecs[j]); sim >= threshold {
				edges = append(edges, graph.Edge{A: i, B: j, Weight: sim})
			}
		}
	}
	return graph.Communities(len(items), edges), nil
}

// learnSchema asks the model for a schema covering the group and adds it
// to the registry. It returns the canonical type name and whether the
// registry changed.
func (p *Pipeline) learnSchema(ctx context.Context, group []store.WorkItem) (string, bool, error) {
	sample := group[:min(len(group), learnSampleSize)]
	texts := make([]string, len(sample))
	for i, it := range sample {
		texts[i] = it.SourceText
	}

	reply, err := p.complete(ctx, llm.TaskSchemaGeneration, prompts.SchemaGeneration, map[string]any{
		"KnownTypes": p.registry.Describe(),
		"Texts":      texts,
	})
	if err != nil {
		return "", false, err
	}
	s, err := parse[learnedSchema](reply)
	if err != nil {
		return "", false, err
	}

	domain := normalizeName(s.Domain)
	eventType := normalizeName(s.EventType)
	if domain == "" || eventType == "" {
		return "", false, malformed(reply, "schema needs a domain and an event_type")
	}
	added, err := p.registry.Add(domain, eventType, registry.Schema{
		Title:       s.Title,
		Description: s.Description,
		Properties:  s.Properties,
	})
	if err != nil {
		return "", false, malformed(reply, "%v", err)
	}
	return registry.JoinType(domain, eventType), added, nil
}

// normalizeName lowercases a name and turns runs of anything other than
// letters and digits, in any script, into single underscores.
func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	underscore := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
