package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v6/neo4j"

	"github.com/brunobiangulo/eventgraph/store"
)

const (
	neo4jBatchSize     = 500
	neo4jVerifyTimeout = 10 * time.Second
)

// Neo4jConfig holds connection settings for the Neo4j backend.
type Neo4jConfig struct {
	URI      string `yaml:"uri" json:"uri"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	Database string `yaml:"database" json:"database"`
}

// Enabled reports whether a server is configured.
func (c Neo4jConfig) Enabled() bool { return strings.TrimSpace(c.URI) != "" }

// Validate checks the required fields.
func (c Neo4jConfig) Validate() error {
	if strings.TrimSpace(c.URI) == "" {
		return errors.New("neo4j uri is required")
	}
	if strings.TrimSpace(c.Username) == "" {
		return errors.New("neo4j username is required")
	}
	return nil
}

// Neo4jStore writes and reads the event graph in a Neo4j database.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewNeo4jStore connects, verifies connectivity and ensures the node
// uniqueness constraints exist.
func NewNeo4jStore(ctx context.Context, cfg Neo4jConfig) (*Neo4jStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	driver, err := neo4j.NewDriver(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, neo4jVerifyTimeout)
	defer cancel()
	if err := driver.VerifyConnectivity(verifyCtx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	slog.Info("graph: neo4j connectivity verified", "uri", cfg.URI)

	g := &Neo4jStore{driver: driver, database: cfg.Database}
	for _, q := range []string{
		"CREATE CONSTRAINT event_id IF NOT EXISTS FOR (e:Event) REQUIRE e.id IS UNIQUE",
		"CREATE CONSTRAINT entity_name IF NOT EXISTS FOR (n:Entity) REQUIRE n.name IS UNIQUE",
	} {
		if err := g.exec(ctx, "constraints", q, nil); err != nil {
			_ = driver.Close(ctx)
			return nil, err
		}
	}
	return g, nil
}

func (g *Neo4jStore) execOptions() []neo4j.ExecuteQueryConfigurationOption {
	if strings.TrimSpace(g.database) == "" {
		return nil
	}
	return []neo4j.ExecuteQueryConfigurationOption{neo4j.ExecuteQueryWithDatabase(g.database)}
}

func (g *Neo4jStore) exec(ctx context.Context, stage, query string, params map[string]any) error {
	if _, err := neo4j.ExecuteQuery(ctx, g.driver, query, params, neo4j.EagerResultTransformer, g.execOptions()...); err != nil {
		return fmt.Errorf("neo4j %s: %w", stage, err)
	}
	return nil
}

// executeBatched runs query once per batch of rows, bound as $rows.
func (g *Neo4jStore) executeBatched(ctx context.Context, stage, query string, rows []map[string]any) error {
	for i := 0; i < len(rows); i += neo4jBatchSize {
		end := min(i+neo4jBatchSize, len(rows))
		if err := g.exec(ctx, stage, query, map[string]any{"rows": rows[i:end]}); err != nil {
			return fmt.Errorf("batch %d: %w", i/neo4jBatchSize+1, err)
		}
	}
	return nil
}

const mergeEventsQuery = `
UNWIND $rows AS row
MERGE (e:Event {id: row.id})
SET e.type = row.type,
    e.description = row.description,
    e.date = row.date,
    e.story_id = row.story_id
`

const mergeInvolvesQuery = `
UNWIND $rows AS row
MATCH (e:Event {id: row.event_id})
MERGE (n:Entity {name: row.name})
SET n.type = coalesce(row.type, n.type)
MERGE (e)-[r:INVOLVES]->(n)
SET r.role = row.role
`

// relationQuery builds the MERGE for one edge label. Labels cannot be
// parameters; callers pass a NormalizeRelationType result only.
func relationQuery(label string) string {
	return `
UNWIND $rows AS row
MATCH (a:Event {id: row.source}), (b:Event {id: row.target})
MERGE (a)-[r:` + label + `]->(b)
SET r.reason = row.reason
`
}

// WriteStory upserts nodes, INVOLVES edges and relation edges.
func (g *Neo4jStore) WriteStory(ctx context.Context, events []store.Event, rels []store.Relation) error {
	evRows, entRows := eventRows(events)
	if err := g.executeBatched(ctx, "events", mergeEventsQuery, evRows); err != nil {
		return err
	}
	if err := g.executeBatched(ctx, "involves", mergeInvolvesQuery, entRows); err != nil {
		return err
	}
	byLabel := relationRows(rels)
	for _, label := range RelationTypes {
		if err := g.executeBatched(ctx, "relations:"+label, relationQuery(label), byLabel[label]); err != nil {
			return err
		}
	}
	slog.Debug("graph: story written to neo4j",
		"events", len(evRows), "involves", len(entRows), "relations", len(rels))
	return nil
}

func eventRows(events []store.Event) (evRows, entRows []map[string]any) {
	for _, e := range events {
		evRows = append(evRows, map[string]any{
			"id":          e.ID,
			"type":        e.EventType,
			"description": e.Description,
			"date":        e.EventDate,
			"story_id":    e.StoryID,
		})
		for _, ent := range e.Entities {
			if strings.TrimSpace(ent.Name) == "" {
				continue
			}
			var typ any
			if ent.Type != "" {
				typ = ent.Type
			}
			entRows = append(entRows, map[string]any{
				"event_id": e.ID,
				"name":     ent.Name,
				"type":     typ,
				"role":     ent.Role,
			})
		}
	}
	return evRows, entRows
}

func relationRows(rels []store.Relation) map[string][]map[string]any {
	out := make(map[string][]map[string]any)
	for _, r := range rels {
		label := NormalizeRelationType(r.Type)
		out[label] = append(out[label], map[string]any{
			"source": r.SourceEventID,
			"target": r.TargetEventID,
			"reason": r.Reason,
		})
	}
	return out
}

// expandQuery matches any path of up to 2*depth edges: a relation edge
// is one hop and Event-INVOLVES-Entity-INVOLVES-Event is another.
func expandQuery(depth int) string {
	return fmt.Sprintf(`
MATCH (s:Event) WHERE s.id IN $ids
MATCH p = (s)-[*1..%d]-(t:Event)
WHERE NOT t.id IN $ids
WITH t.id AS id, min(length(p)) AS len
RETURN id, (len + 1) / 2 AS hops
ORDER BY hops, id
LIMIT $limit
`, 2*depth)
}

// Expand walks relation and INVOLVES edges outward from seeds.
func (g *Neo4jStore) Expand(ctx context.Context, seeds []string, depth, limit int) ([]Neighbor, error) {
	if len(seeds) == 0 || depth <= 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	res, err := neo4j.ExecuteQuery(ctx, g.driver, expandQuery(depth),
		map[string]any{"ids": seeds, "limit": limit},
		neo4j.EagerResultTransformer, g.execOptions()...)
	if err != nil {
		return nil, fmt.Errorf("neo4j expand: %w", err)
	}

	out := make([]Neighbor, 0, len(res.Records))
	for _, record := range res.Records {
		m := record.AsMap()
		id, _ := m["id"].(string)
		hops, _ := m["hops"].(int64)
		if id == "" {
			continue
		}
		out = append(out, Neighbor{EventID: id, Hops: int(hops)})
	}
	return out, nil
}

// Close releases the driver.
func (g *Neo4jStore) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}
