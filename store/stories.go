package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// Story is a group of related work items produced by clustering.
type Story struct {
	ID        string `json:"id"`
	ClusterID int    `json:"cluster_id"`
	Summary   string `json:"summary"`
	Size      int    `json:"size"`
	Oversized bool   `json:"oversized"`
	CreatedAt string `json:"created_at,omitempty"`
}

// --- Story operations ---

// AssignStory records the story and moves its items from
// pending_clustering to pending_relationship_analysis in one transaction.
// If any item is no longer at pending_clustering the whole assignment is
// rolled back and ErrStaleTransition is returned.
func (s *Store) AssignStory(ctx context.Context, story Story, itemIDs []string) error {
	if err := checkTransition(StatusPendingClustering, StatusPendingRelationshipAnalysis); err != nil {
		return err
	}
	if len(itemIDs) == 0 {
		return fmt.Errorf("story %s has no items", story.ID)
	}
	story.Size = len(itemIDs)

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stories (id, cluster_id, summary, size, oversized)
			VALUES (?, ?, ?, ?, ?)
		`, story.ID, story.ClusterID, story.Summary, story.Size, story.Oversized); err != nil {
			return fmt.Errorf("inserting story: %w", err)
		}

		query, args, err := sq.Update("master_state").
			Set("story_id", story.ID).
			Set("cluster_id", story.ClusterID).
			Set("current_status", string(StatusPendingRelationshipAnalysis)).
			Set("last_updated", sq.Expr("CURRENT_TIMESTAMP")).
			Where(sq.Eq{"id": itemIDs, "current_status": string(StatusPendingClustering)}).
			ToSql()
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if int(n) != len(itemIDs) {
			return fmt.Errorf("%w: story %s updated %d of %d items",
				ErrStaleTransition, story.ID, n, len(itemIDs))
		}
		return nil
	})
}

// GetStory returns the story with the given id.
func (s *Store) GetStory(ctx context.Context, id string) (*Story, error) {
	var st Story
	err := s.db.QueryRowContext(ctx, `
		SELECT id, cluster_id, summary, size, oversized, created_at FROM stories WHERE id = ?
	`, id).Scan(&st.ID, &st.ClusterID, &st.Summary, &st.Size, &st.Oversized, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: story %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// --- Relation operations (local graph) ---

// Relation is a directed typed edge between two events.
type Relation struct {
	SourceEventID string `json:"source_event_id"`
	TargetEventID string `json:"target_event_id"`
	Type          string `json:"relationship_type"`
	Reason        string `json:"reason,omitempty"`
	StoryID       string `json:"story_id,omitempty"`
}

// InsertRelations upserts relations; the (source, target, type) triple is unique.
func (s *Store) InsertRelations(ctx context.Context, rels []Relation) error {
	if len(rels) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO event_relations (source_event_id, target_event_id, relation_type, reason, story_id)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(source_event_id, target_event_id, relation_type) DO UPDATE SET
				reason = excluded.reason,
				story_id = excluded.story_id
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range rels {
			if _, err := stmt.ExecContext(ctx, r.SourceEventID, r.TargetEventID, r.Type,
				r.Reason, nullString(r.StoryID)); err != nil {
				return fmt.Errorf("inserting relation %s->%s: %w", r.SourceEventID, r.TargetEventID, err)
			}
		}
		return nil
	})
}

// RelationsForEvents returns every relation touching any of the events,
// in either direction.
func (s *Store) RelationsForEvents(ctx context.Context, eventIDs []string) ([]Relation, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	ph := placeholders(len(eventIDs))
	args := append(stringArgs(eventIDs), stringArgs(eventIDs)...)
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_event_id, target_event_id, relation_type, reason, COALESCE(story_id, '')
		FROM event_relations
		WHERE source_event_id IN (`+ph+`) OR target_event_id IN (`+ph+`)
		ORDER BY source_event_id, target_event_id, relation_type
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []Relation
	for rows.Next() {
		var r Relation
		if err := rows.Scan(&r.SourceEventID, &r.TargetEventID, &r.Type, &r.Reason, &r.StoryID); err != nil {
			return nil, err
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}
