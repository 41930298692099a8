package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/brunobiangulo/eventgraph/store"
)

// entityFanout caps how many events one shared entity contributes per hop.
const entityFanout = 50

// SQLiteStore is the graph backend used when no Neo4j server is
// configured. The events, event_entities and event_relations tables
// already form the graph, so writes are no-ops and Expand walks them.
type SQLiteStore struct {
	store *store.Store
}

// NewSQLiteStore returns a graph view over s.
func NewSQLiteStore(s *store.Store) *SQLiteStore {
	return &SQLiteStore{store: s}
}

// WriteStory is a no-op: relationship analysis writes the relational
// tables directly.
func (g *SQLiteStore) WriteStory(context.Context, []store.Event, []store.Relation) error {
	return nil
}

// Expand runs a BFS from seeds over relation edges and shared entities.
func (g *SQLiteStore) Expand(ctx context.Context, seeds []string, depth, limit int) ([]Neighbor, error) {
	if len(seeds) == 0 || depth <= 0 {
		return nil, nil
	}

	visited := make(map[string]int, len(seeds))
	queue := make([]string, 0, len(seeds))
	for _, id := range seeds {
		if _, ok := visited[id]; !ok {
			visited[id] = 0
			queue = append(queue, id)
		}
	}

	var found []Neighbor
	for hop := 1; hop <= depth && len(queue) > 0; hop++ {
		next, err := g.neighbours(ctx, queue)
		if err != nil {
			return nil, fmt.Errorf("graph.Expand: hop %d: %w", hop, err)
		}
		queue = queue[:0]
		for _, id := range next {
			if _, ok := visited[id]; ok {
				continue
			}
			visited[id] = hop
			queue = append(queue, id)
			found = append(found, Neighbor{EventID: id, Hops: hop})
		}
	}

	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	return found, nil
}

// neighbours returns the event ids one hop away from frontier, sorted.
func (g *SQLiteStore) neighbours(ctx context.Context, frontier []string) ([]string, error) {
	set := make(map[string]struct{})

	rels, err := g.store.RelationsForEvents(ctx, frontier)
	if err != nil {
		return nil, fmt.Errorf("loading relations: %w", err)
	}
	for _, r := range rels {
		set[r.SourceEventID] = struct{}{}
		set[r.TargetEventID] = struct{}{}
	}

	ents, err := g.store.EntitiesForEvents(ctx, frontier)
	if err != nil {
		return nil, fmt.Errorf("loading entities: %w", err)
	}
	if len(ents) > 0 {
		names := make([]string, len(ents))
		for i, e := range ents {
			names[i] = e.Name
		}
		events, err := g.store.EventsByEntities(ctx, names, entityFanout*len(names))
		if err != nil {
			return nil, fmt.Errorf("loading events by entity: %w", err)
		}
		for _, e := range events {
			set[e.ID] = struct{}{}
		}
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close is a no-op; the underlying store is owned by the caller.
func (g *SQLiteStore) Close(context.Context) error { return nil }
