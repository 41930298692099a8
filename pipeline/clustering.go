package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/brunobiangulo/eventgraph/cluster"
	"github.com/brunobiangulo/eventgraph/llm"
	"github.com/brunobiangulo/eventgraph/prompts"
	"github.com/brunobiangulo/eventgraph/store"
)

// Cluster groups pending_clustering items into stories. Each story is
// written in its own transaction that also moves its items to
// pending_relationship_analysis. Items left as noise keep their status
// and wait for more related items to arrive.
func (p *Pipeline) Cluster(ctx context.Context) (Report, error) {
	start := time.Now()
	rep := Report{Stage: StageClustering}

	items, err := p.store.ListByStatus(ctx, store.StatusPendingClustering)
	if err != nil {
		return rep, fmt.Errorf("clustering: listing items: %w", err)
	}
	rep.Found = len(items)
	if len(items) == 0 {
		return finish(ctx, p.store, rep, start), nil
	}

	vecs, err := p.sourceVectors(ctx, items)
	if err != nil {
		// Without features nothing can be grouped; items stay put so a
		// later run can retry once the embedder is reachable.
		slog.Error("clustering: embedding source texts", "error", err)
		return finish(context.WithoutCancel(ctx), p.store, rep, start), err
	}

	cfg := p.cfg.Clustering
	points := make([]cluster.Point, len(items))
	for i, it := range items {
		points[i] = cluster.Point{
			Vector:   vecs[i],
			Entities: cluster.EntitySet(it.InvolvedEntities),
			Type:     it.AssignedEventType,
		}
	}
	if cfg.TimeWeight > 0 {
		if err := p.attachDates(ctx, items, points); err != nil {
			slog.Error("clustering: loading event dates", "error", err)
			return finish(context.WithoutCancel(ctx), p.store, rep, start), err
		}
	}
	dist := cluster.DistanceMatrix(points, cluster.Weights{
		Semantic:   cfg.SemanticWeight,
		Entity:     cfg.EntityWeight,
		Time:       cfg.TimeWeight,
		Type:       cfg.TypeWeight,
		TimeWindow: time.Duration(cfg.TimeWindowDays) * 24 * time.Hour,
	})
	labels, err := cluster.DBSCAN(dist, cfg.Eps, cfg.MinSamples)
	if err != nil {
		slog.Error("clustering: dbscan", "error", err)
		return finish(context.WithoutCancel(ctx), p.store, rep, start), err
	}
	labels = cluster.AttachNoise(labels, points, cfg.NoiseAttachThreshold)

	noise := 0
	for _, l := range labels {
		if l == cluster.Noise {
			noise++
		}
	}
	groups := cluster.Groups(labels)
	slog.Info("clustering: grouped items", "items", len(items), "clusters", len(groups), "noise", noise)

	for label, members := range groups {
		if ctx.Err() != nil {
			break
		}
		chunks := cluster.Split(members, dist, cfg.MaxClusterSize)
		oversized := len(chunks) > 1
		for _, chunk := range chunks {
			if ctx.Err() != nil {
				break
			}
			ids := make([]string, len(chunk))
			for i, idx := range chunk {
				ids[i] = items[idx].ID
			}
			o := p.writeStory(ctx, label, ids, oversized)
			for range ids {
				rep.add(o)
			}
		}
	}

	rep = finish(context.WithoutCancel(ctx), p.store, rep, start)
	return rep, ctx.Err()
}

// attachDates sets each point's time to the earliest parseable date among
// its item's events. Items without one keep a zero time.
func (p *Pipeline) attachDates(ctx context.Context, items []store.WorkItem, points []cluster.Point) error {
	ids := make([]string, len(items))
	index := make(map[string]int, len(items))
	for i, it := range items {
		ids[i] = it.ID
		index[it.ID] = i
	}
	events, err := p.store.EventsByItems(ctx, ids)
	if err != nil {
		return err
	}
	for _, ev := range events {
		i, ok := index[ev.ItemID]
		if !ok {
			continue
		}
		t, ok := cluster.ParseEventDate(ev.EventDate)
		if !ok {
			continue
		}
		if points[i].Time.IsZero() || t.Before(points[i].Time) {
			points[i].Time = t
		}
	}
	return nil
}

// sourceVectors returns one embedding per item, reusing vectors stored in
// the source_texts collection and storing any it has to compute.
func (p *Pipeline) sourceVectors(ctx context.Context, items []store.WorkItem) ([][]float32, error) {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	stored, err := p.store.GetVectors(ctx, store.CollectionSourceTexts, ids)
	if err != nil {
		return nil, err
	}

	out := make([][]float32, len(items))
	var missIdx []int
	var missTexts []string
	for i, it := range items {
		if v, ok := stored[it.ID]; ok {
			out[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, it.SourceText)
	}
	if len(missIdx) == 0 {
		return out, nil
	}

	vecs, err := p.embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	docs := make([]store.VectorDoc, len(missIdx))
	for j, i := range missIdx {
		out[i] = vecs[j]
		docs[j] = store.VectorDoc{
			Key:       items[i].ID,
			Content:   items[i].SourceText,
			Metadata:  map[string]string{"item_id": items[i].ID},
			Embedding: vecs[j],
		}
	}
	if err := p.store.UpsertVectors(ctx, store.CollectionSourceTexts, docs); err != nil {
		return nil, fmt.Errorf("storing source vectors: %w", err)
	}
	return out, nil
}

// writeStory summarises one chunk and assigns it a new story id. Chunks
// of oversized clusters also get an LLM summary; if that fails the
// heuristic one is kept.
func (p *Pipeline) writeStory(ctx context.Context, label int, ids []string, oversized bool) outcome {
	events, err := p.store.EventsByItems(ctx, ids)
	if err != nil {
		slog.Error("clustering: loading events", "cluster", label, "error", err)
		return outcomeAbandoned
	}

	summary := cluster.Summarize(events)
	if oversized && len(events) > 0 {
		if s, err := p.completeText(ctx, llm.TaskSummarization, prompts.Summarization,
			map[string]any{"Events": events}); err != nil {
			slog.Warn("clustering: llm summary failed, keeping heuristic", "cluster", label, "error", err)
		} else if s = strings.TrimSpace(s); s != "" {
			summary = s
		}
	}

	story := store.Story{
		ID:        uuid.NewString(),
		ClusterID: label,
		Summary:   summary,
		Oversized: oversized,
	}
	err = p.store.AssignStory(ctx, story, ids)
	switch {
	case err == nil:
		slog.Info("clustering: story created", "story_id", story.ID, "cluster", label, "items", len(ids))
		return outcomeSucceeded
	case errors.Is(err, store.ErrStaleTransition):
		slog.Warn("clustering: story rolled back", "cluster", label, "error", err)
		return outcomeSkipped
	default:
		slog.Error("clustering: writing story", "cluster", label, "error", err)
		return outcomeAbandoned
	}
}
