package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// EventEntity is one participant of an event.
type EventEntity struct {
	Name string `json:"entity_name"`
	Type string `json:"entity_type,omitempty"`
	Role string `json:"role,omitempty"`
}

// Event is an atomic happening extracted from a work item.
type Event struct {
	ID             string        `json:"id"`
	ItemID         string        `json:"item_id"`
	Seq            int           `json:"seq"`
	EventType      string        `json:"event_type"`
	Description    string        `json:"description"`
	EventDate      string        `json:"event_date,omitempty"`
	StructuredData string        `json:"structured_data,omitempty"` // JSON object
	Entities       []EventEntity `json:"involved_entities,omitempty"`
	StoryID        string        `json:"story_id,omitempty"`
	Score          float64       `json:"score,omitempty"`
}

// EventID builds the id of the seq-th event of an item.
func EventID(itemID string, seq int) string {
	prefix := itemID
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}
	return fmt.Sprintf("evt_%s_%d", prefix, seq)
}

// replaceEvents deletes the item's previous events and writes the new set.
func replaceEvents(ctx context.Context, tx *sql.Tx, itemID string, events []Event) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM event_relations WHERE source_event_id IN (SELECT id FROM events WHERE item_id = ?) OR target_event_id IN (SELECT id FROM events WHERE item_id = ?)",
		itemID, itemID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM events WHERE item_id = ?", itemID); err != nil {
		return err
	}

	evStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (id, item_id, seq, event_type, description, event_date, structured_data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer evStmt.Close()

	entStmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO event_entities (event_id, entity_name, entity_type, role)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer entStmt.Close()

	for i, e := range events {
		id := EventID(itemID, i)
		if _, err := evStmt.ExecContext(ctx, id, itemID, i, e.EventType, e.Description,
			nullString(e.EventDate), nullString(e.StructuredData)); err != nil {
			return fmt.Errorf("inserting event %d: %w", i, err)
		}
		for _, ent := range e.Entities {
			name := strings.TrimSpace(ent.Name)
			if name == "" {
				continue
			}
			if _, err := entStmt.ExecContext(ctx, id, name, ent.Type, ent.Role); err != nil {
				return fmt.Errorf("inserting entity %q: %w", name, err)
			}
		}
	}
	return nil
}

// --- Event operations ---

const eventSelect = `
	SELECT e.id, e.item_id, e.seq, e.event_type, e.description,
		COALESCE(e.event_date, ''), COALESCE(e.structured_data, ''), COALESCE(m.story_id, '')
	FROM events e
	JOIN master_state m ON m.id = e.item_id`

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.ItemID, &e.Seq, &e.EventType, &e.Description,
			&e.EventDate, &e.StructuredData, &e.StoryID); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, s.attachEntities(ctx, events)
}

func (s *Store) attachEntities(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	idx := make(map[string]int, len(events))
	ids := make([]string, len(events))
	for i, e := range events {
		idx[e.ID] = i
		ids[i] = e.ID
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT event_id, entity_name, entity_type, role FROM event_entities WHERE event_id IN ("+placeholders(len(ids))+") ORDER BY event_id, rowid",
		stringArgs(ids)...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var eventID string
		var ent EventEntity
		if err := rows.Scan(&eventID, &ent.Name, &ent.Type, &ent.Role); err != nil {
			return err
		}
		i := idx[eventID]
		events[i].Entities = append(events[i].Entities, ent)
	}
	return rows.Err()
}

// EventsByItems returns the events extracted from the given items ordered
// by item then position.
func (s *Store) EventsByItems(ctx context.Context, itemIDs []string) ([]Event, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}
	return s.queryEvents(ctx,
		eventSelect+" WHERE e.item_id IN ("+placeholders(len(itemIDs))+") ORDER BY e.item_id, e.seq",
		stringArgs(itemIDs)...)
}

// GetEvents returns the events with the given ids. Unknown ids are skipped.
func (s *Store) GetEvents(ctx context.Context, ids []string) ([]Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.queryEvents(ctx,
		eventSelect+" WHERE e.id IN ("+placeholders(len(ids))+") ORDER BY e.item_id, e.seq",
		stringArgs(ids)...)
}

// EventsByEntities returns up to limit events involving any of the names,
// compared case-insensitively.
func (s *Store) EventsByEntities(ctx context.Context, names []string, limit int) ([]Event, error) {
	if len(names) == 0 {
		return nil, nil
	}
	args := stringArgs(names)
	args = append(args, limit)
	return s.queryEvents(ctx,
		eventSelect+` WHERE e.id IN (
			SELECT DISTINCT event_id FROM event_entities WHERE entity_name COLLATE NOCASE IN (`+placeholders(len(names))+`)
		) ORDER BY e.created_at DESC LIMIT ?`, args...)
}

// SearchEvents runs an FTS5 BM25 query over event descriptions and types.
func (s *Store) SearchEvents(ctx context.Context, query string, limit int) ([]Event, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, f.rank
		FROM events_fts f
		JOIN events e ON e.rowid = f.rowid
		WHERE events_fts MATCH ?
		ORDER BY f.rank
		LIMIT ?
	`, match, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	scores := make(map[string]float64)
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
		// FTS5 rank is negative (lower = better)
		scores[id] = -rank
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	events, err := s.GetEvents(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range events {
		events[i].Score = scores[events[i].ID]
	}
	sort.SliceStable(events, func(a, b int) bool { return events[a].Score > events[b].Score })
	return events, nil
}

// ftsQuery turns free text into an OR of quoted FTS5 terms so user input
// cannot inject query syntax.
func ftsQuery(text string) string {
	var terms []string
	for _, w := range strings.FieldsFunc(text, func(r rune) bool {
		return !(r == '_' || r == '-' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r > 127)
	}) {
		if len(w) < 2 {
			continue
		}
		terms = append(terms, `"`+strings.ReplaceAll(w, `"`, "")+`"`)
	}
	return strings.Join(terms, " OR ")
}

// EntitiesForEvents returns the distinct entities of the events, sorted by name.
func (s *Store) EntitiesForEvents(ctx context.Context, eventIDs []string) ([]EventEntity, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	query, args, err := sq.Select("entity_name", "MAX(entity_type)").
		From("event_entities").
		Where(sq.Eq{"event_id": eventIDs}).
		GroupBy("entity_name").
		OrderBy("entity_name").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventEntity
	for rows.Next() {
		var e EventEntity
		if err := rows.Scan(&e.Name, &e.Type); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
