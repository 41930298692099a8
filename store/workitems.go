package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// ErrEmptyText is returned when ingesting blank source text.
var ErrEmptyText = errors.New("store: empty source text")

// WorkItem is one row of master_state.
type WorkItem struct {
	ID                string   `json:"id"`
	SourceText        string   `json:"source_text"`
	Status            Status   `json:"current_status"`
	TriageConfidence  *float64 `json:"triage_confidence,omitempty"`
	AssignedEventType string   `json:"assigned_event_type,omitempty"`
	StoryID           string   `json:"story_id,omitempty"`
	ClusterID         *int     `json:"cluster_id,omitempty"`
	InvolvedEntities  []string `json:"involved_entities,omitempty"`
	Notes             string   `json:"notes,omitempty"`
	ErrorPayload      string   `json:"error_payload,omitempty"`
	SourceURI         string   `json:"source_uri,omitempty"`
	CreatedAt         string   `json:"created_at"`
	LastUpdated       string   `json:"last_updated"`
}

// Update carries the fields a stage writes together with a status change.
// Nil pointers leave the column untouched; a pointer to "" stores NULL.
type Update struct {
	TriageConfidence  *float64
	AssignedEventType *string
	StoryID           *string
	ClusterID         *int
	InvolvedEntities  []string
	Note              string
	ErrorPayload      string

	// ReplaceEvents replaces the item's extracted events with Events in
	// the same transaction as the status change.
	ReplaceEvents bool
	Events        []Event
}

// Ptr returns a pointer to v, for filling Update fields.
func Ptr[T any](v T) *T { return &v }

func (u Update) apply(q sq.UpdateBuilder) (sq.UpdateBuilder, error) {
	if u.TriageConfidence != nil {
		q = q.Set("triage_confidence", *u.TriageConfidence)
	}
	if u.AssignedEventType != nil {
		q = q.Set("assigned_event_type", nullString(*u.AssignedEventType))
	}
	if u.StoryID != nil {
		q = q.Set("story_id", nullString(*u.StoryID))
	}
	if u.ClusterID != nil {
		q = q.Set("cluster_id", *u.ClusterID)
	}
	if u.InvolvedEntities != nil {
		b, err := json.Marshal(u.InvolvedEntities)
		if err != nil {
			return q, fmt.Errorf("encoding involved entities: %w", err)
		}
		q = q.Set("involved_entities", string(b))
	}
	if u.Note != "" {
		q = q.Set("notes", appendNote(u.Note))
	}
	if u.ErrorPayload != "" {
		q = q.Set("error_payload", u.ErrorPayload)
	}
	return q, nil
}

func appendNote(note string) sq.Sqlizer {
	return sq.Expr("TRIM(COALESCE(notes, '') || ' ' || ?)", strings.TrimSpace(note))
}

var workItemColumns = []string{
	"id", "source_text", "current_status", "triage_confidence",
	"assigned_event_type", "story_id", "cluster_id", "involved_entities",
	"notes", "error_payload", "source_uri", "created_at", "last_updated",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (*WorkItem, error) {
	var (
		w          WorkItem
		status     string
		confidence sql.NullFloat64
		eventType  sql.NullString
		storyID    sql.NullString
		clusterID  sql.NullInt64
		entities   sql.NullString
		notes      sql.NullString
		payload    sql.NullString
		sourceURI  sql.NullString
		createdAt  sql.NullString
		updatedAt  sql.NullString
	)
	if err := row.Scan(&w.ID, &w.SourceText, &status, &confidence,
		&eventType, &storyID, &clusterID, &entities,
		&notes, &payload, &sourceURI, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	w.Status = Status(status)
	if confidence.Valid {
		w.TriageConfidence = &confidence.Float64
	}
	if clusterID.Valid {
		c := int(clusterID.Int64)
		w.ClusterID = &c
	}
	if entities.Valid && entities.String != "" {
		if err := json.Unmarshal([]byte(entities.String), &w.InvolvedEntities); err != nil {
			return nil, fmt.Errorf("decoding involved_entities for %s: %w", w.ID, err)
		}
	}
	w.AssignedEventType = eventType.String
	w.StoryID = storyID.String
	w.Notes = notes.String
	w.ErrorPayload = payload.String
	w.SourceURI = sourceURI.String
	w.CreatedAt = createdAt.String
	w.LastUpdated = updatedAt.String
	return &w, nil
}

// --- Work item operations ---

// InsertWorkItem creates a pending_triage row for the text. Returns the
// item id and whether a new row was created; re-ingesting identical text
// is a no-op.
func (s *Store) InsertWorkItem(ctx context.Context, sourceText, sourceURI string) (string, bool, error) {
	if strings.TrimSpace(sourceText) == "" {
		return "", false, ErrEmptyText
	}
	id := ItemID(sourceText)
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO master_state (id, source_text, current_status, source_uri, created_at, last_updated)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, id, sourceText, string(StatusPendingTriage), nullString(sourceURI))
	if err != nil {
		return "", false, fmt.Errorf("inserting work item: %w", err)
	}
	n, _ := res.RowsAffected()
	return id, n == 1, nil
}

// GetWorkItem returns the item with the given id.
func (s *Store) GetWorkItem(ctx context.Context, id string) (*WorkItem, error) {
	query, args, err := sq.Select(workItemColumns...).From("master_state").
		Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	w, err := scanWorkItem(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: work item %s", ErrNotFound, id)
	}
	return w, err
}

// ItemFilter narrows ListWorkItems. Zero fields match everything.
type ItemFilter struct {
	Status  Status
	StoryID string
	IDs     []string
	Limit   int
}

// ListWorkItems returns items matching the filter ordered by creation time.
func (s *Store) ListWorkItems(ctx context.Context, f ItemFilter) ([]WorkItem, error) {
	q := sq.Select(workItemColumns...).From("master_state").OrderBy("created_at", "id")
	if f.Status != "" {
		q = q.Where(sq.Eq{"current_status": string(f.Status)})
	}
	if f.StoryID != "" {
		q = q.Where(sq.Eq{"story_id": f.StoryID})
	}
	if len(f.IDs) > 0 {
		q = q.Where(sq.Eq{"id": f.IDs})
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	return s.queryWorkItems(ctx, q)
}

// ListByStatus returns every item currently at status.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]WorkItem, error) {
	return s.ListWorkItems(ctx, ItemFilter{Status: status})
}

// ListForReview returns pending_review items sorted by ascending triage
// confidence, unscored rows first, ties broken by id.
func (s *Store) ListForReview(ctx context.Context) ([]WorkItem, error) {
	q := sq.Select(workItemColumns...).From("master_state").
		Where(sq.Eq{"current_status": string(StatusPendingReview)}).
		OrderBy("triage_confidence IS NOT NULL", "triage_confidence", "id")
	return s.queryWorkItems(ctx, q)
}

func (s *Store) queryWorkItems(ctx context.Context, q sq.SelectBuilder) ([]WorkItem, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *w)
	}
	return items, rows.Err()
}

// CountByStatus returns the number of items at each status. Every status
// is present in the map.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT current_status, COUNT(*) FROM master_state GROUP BY current_status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int, len(AllStatuses))
	for _, st := range AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// --- Transitions ---

// Transition moves one item from -> to and applies upd, all in one
// transaction. The UPDATE is conditional on the item still being at from:
// if it has moved on, nothing is written and ErrStaleTransition is returned.
func (s *Store) Transition(ctx context.Context, id string, from, to Status, upd Update) error {
	if err := checkTransition(from, to); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		q := sq.Update("master_state").
			Set("current_status", string(to)).
			Set("last_updated", sq.Expr("CURRENT_TIMESTAMP")).
			Where(sq.Eq{"id": id, "current_status": string(from)})
		q, err := upd.apply(q)
		if err != nil {
			return err
		}
		if err := execOne(ctx, tx, q, id, from); err != nil {
			return err
		}
		if upd.ReplaceEvents {
			if err := replaceEvents(ctx, tx, id, upd.Events); err != nil {
				return fmt.Errorf("writing events for %s: %w", id, err)
			}
		}
		return nil
	})
}

// MarkError moves an item from -> error, appending note and storing the
// raw failing payload. No other column changes.
func (s *Store) MarkError(ctx context.Context, id string, from Status, note, payload string) error {
	return s.Transition(ctx, id, from, StatusError, Update{Note: note, ErrorPayload: payload})
}

// TransitionMany moves every listed item that is still at from to to,
// appending note when non-empty. Items that already moved are left alone;
// the number of rows actually moved is returned.
func (s *Store) TransitionMany(ctx context.Context, ids []string, from, to Status, note string) (int, error) {
	if err := checkTransition(from, to); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	q := sq.Update("master_state").
		Set("current_status", string(to)).
		Set("last_updated", sq.Expr("CURRENT_TIMESTAMP")).
		Where(sq.Eq{"id": ids, "current_status": string(from)})
	if note != "" {
		q = q.Set("notes", appendNote(note))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Requeue is the administrator escape hatch out of the terminal error
// status. It moves error rows (all of them when ids is empty) back to the
// pending status to and returns how many moved. Stage workers never call it.
func (s *Store) Requeue(ctx context.Context, to Status, ids ...string) (int, error) {
	if !to.Pending() {
		return 0, fmt.Errorf("%w: cannot requeue to %q", ErrInvalidTransition, to)
	}
	q := sq.Update("master_state").
		Set("current_status", string(to)).
		Set("last_updated", sq.Expr("CURRENT_TIMESTAMP")).
		Set("notes", appendNote(fmt.Sprintf("[Requeued to %s]", to))).
		Where(sq.Eq{"current_status": string(StatusError)})
	if len(ids) > 0 {
		q = q.Where(sq.Eq{"id": ids})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// execOne runs a conditional single-row UPDATE and distinguishes a
// missing row from one that has already left the expected status.
func execOne(ctx context.Context, tx *sql.Tx, q sq.UpdateBuilder, id string, from Status) error {
	query, args, err := q.ToSql()
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
	if n == 1 {
		return nil
	}
	var current string
	err = tx.QueryRowContext(ctx, "SELECT current_status FROM master_state WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: work item %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s, expected %s", ErrStaleTransition, id, current, from)
}
