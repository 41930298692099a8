// Package graph holds the event knowledge graph: Event and Entity nodes,
// INVOLVES edges, and typed relation edges between events. Two backends
// implement Store: Neo4j, and a fallback that walks the relational tables
// of the SQLite store.
package graph

import (
	"context"
	"strings"

	"github.com/brunobiangulo/eventgraph/store"
)

// Relation types an analysis may assign, in their stored edge-label form.
const (
	RelCausal        = "CAUSAL"
	RelTemporal      = "TEMPORAL"
	RelSubEvent      = "SUB_EVENT"
	RelElaboration   = "ELABORATION"
	RelContradiction = "CONTRADICTION"
	RelInfluence     = "INFLUENCE"
	RelRelated       = "RELATED"
)

// RelationTypes lists every edge label.
var RelationTypes = []string{
	RelCausal, RelTemporal, RelSubEvent, RelElaboration,
	RelContradiction, RelInfluence, RelRelated,
}

var relationTypeSet = func() map[string]bool {
	m := make(map[string]bool, len(RelationTypes))
	for _, t := range RelationTypes {
		m[t] = true
	}
	return m
}()

// NormalizeRelationType maps free-form type names such as "Sub-event" or
// "causal" to an edge label. Unrecognised names become RELATED.
func NormalizeRelationType(t string) string {
	t = strings.ToUpper(strings.TrimSpace(t))
	t = strings.NewReplacer("-", "_", " ", "_").Replace(t)
	if relationTypeSet[t] {
		return t
	}
	return RelRelated
}

// Neighbor is an event reached while expanding from a seed set.
type Neighbor struct {
	EventID string `json:"event_id"`
	Hops    int    `json:"hops"`
}

// Store is a knowledge graph backend.
type Store interface {
	// WriteStory upserts the events of one story, their entities, and
	// the relations found between them.
	WriteStory(ctx context.Context, events []store.Event, rels []store.Relation) error

	// Expand returns events within depth hops of the seeds, nearest
	// first, excluding the seeds. A hop is a relation edge or an entity
	// shared by two events.
	Expand(ctx context.Context, seeds []string, depth, limit int) ([]Neighbor, error)

	Close(ctx context.Context) error
}
