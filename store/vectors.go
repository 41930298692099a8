package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Collection names one of the vector collections.
type Collection string

const (
	CollectionSourceTexts       Collection = "source_texts"
	CollectionEventDescriptions Collection = "event_descriptions"
	CollectionEntityContexts    Collection = "entity_centric_contexts"
)

var collectionTables = map[Collection]string{
	CollectionSourceTexts:       "vec_source_texts",
	CollectionEventDescriptions: "vec_event_descriptions",
	CollectionEntityContexts:    "vec_entity_contexts",
}

func (c Collection) table() (string, error) {
	t, ok := collectionTables[c]
	if !ok {
		return "", fmt.Errorf("unknown vector collection %q", c)
	}
	return t, nil
}

// VectorDoc is a document stored in a collection. Key is unique within
// the collection.
type VectorDoc struct {
	Key       string            `json:"key"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Embedding []float32         `json:"-"`
}

// VectorHit is a nearest-neighbour search result.
type VectorHit struct {
	Key      string            `json:"key"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Score    float64           `json:"score"`
}

// --- Vector operations ---

// UpsertVectors inserts or replaces documents and their embeddings.
func (s *Store) UpsertVectors(ctx context.Context, coll Collection, docs []VectorDoc) error {
	table, err := coll.table()
	if err != nil {
		return err
	}
	for _, d := range docs {
		if len(d.Embedding) != s.embeddingDim {
			return fmt.Errorf("%w: %s/%s has %d, want %d",
				ErrDimensionMismatch, coll, d.Key, len(d.Embedding), s.embeddingDim)
		}
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, d := range docs {
			var meta sql.NullString
			if len(d.Metadata) > 0 {
				b, err := json.Marshal(d.Metadata)
				if err != nil {
					return err
				}
				meta = sql.NullString{String: string(b), Valid: true}
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO vector_docs (collection, doc_key, content, metadata)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(collection, doc_key) DO UPDATE SET
					content = excluded.content,
					metadata = excluded.metadata
			`, string(coll), d.Key, d.Content, meta); err != nil {
				return fmt.Errorf("upserting %s/%s: %w", coll, d.Key, err)
			}
			var docID int64
			if err := tx.QueryRowContext(ctx,
				"SELECT id FROM vector_docs WHERE collection = ? AND doc_key = ?",
				string(coll), d.Key).Scan(&docID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE doc_id = ?", docID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO "+table+" (doc_id, embedding) VALUES (?, ?)",
				docID, serializeFloat32(d.Embedding)); err != nil {
				return fmt.Errorf("inserting embedding %s/%s: %w", coll, d.Key, err)
			}
		}
		return nil
	})
}

// SearchVectors performs a KNN search returning the top-k nearest documents.
func (s *Store) SearchVectors(ctx context.Context, coll Collection, query []float32, k int) ([]VectorHit, error) {
	table, err := coll.table()
	if err != nil {
		return nil, err
	}
	if len(query) != s.embeddingDim {
		return nil, fmt.Errorf("%w: query has %d, want %d", ErrDimensionMismatch, len(query), s.embeddingDim)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.doc_key, d.content, COALESCE(d.metadata, ''), v.distance
		FROM `+table+` v
		JOIN vector_docs d ON d.id = v.doc_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(query), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []VectorHit
	for rows.Next() {
		var h VectorHit
		var meta string
		var distance float64
		if err := rows.Scan(&h.Key, &h.Content, &meta, &distance); err != nil {
			return nil, err
		}
		if meta != "" {
			_ = json.Unmarshal([]byte(meta), &h.Metadata)
		}
		// cosine distance -> similarity
		h.Score = 1.0 - distance
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// GetVectors returns the stored embeddings for the keys that exist.
func (s *Store) GetVectors(ctx context.Context, coll Collection, keys []string) (map[string][]float32, error) {
	table, err := coll.table()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]float32, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	args := append([]any{string(coll)}, stringArgs(keys)...)
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.doc_key, v.embedding
		FROM vector_docs d
		JOIN `+table+` v ON v.doc_id = d.id
		WHERE d.collection = ? AND d.doc_key IN (`+placeholders(len(keys))+`)
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var blob []byte
		if err := rows.Scan(&key, &blob); err != nil {
			return nil, err
		}
		out[key] = deserializeFloat32(blob)
	}
	return out, rows.Err()
}

// CountVectors returns the number of documents in a collection.
func (s *Store) CountVectors(ctx context.Context, coll Collection) (int, error) {
	if _, err := coll.table(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM vector_docs WHERE collection = ?", string(coll)).Scan(&n)
	return n, err
}
