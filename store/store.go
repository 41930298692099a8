package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

var (
	// ErrNoFTS5 is returned by New when go-sqlite3 was built without the
	// sqlite_fts5 tag.
	ErrNoFTS5 = errors.New("store: sqlite built without FTS5")
	// ErrNotFound is returned when a work item, event or story does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrInvalidStatus is returned for a status string outside the enum.
	ErrInvalidStatus = errors.New("store: invalid status")
	// ErrInvalidTransition is returned when the transition table rejects a move.
	ErrInvalidTransition = errors.New("store: invalid status transition")
	// ErrStaleTransition is returned when the row has already left the
	// expected input status, usually because another worker moved it.
	ErrStaleTransition = errors.New("store: stale transition")
	// ErrDimensionMismatch is returned when an embedding has the wrong length.
	ErrDimensionMismatch = errors.New("store: embedding dimension mismatch")
)

// Store wraps the SQLite database holding pipeline state, extracted
// events and the vector collections.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including sqlite-vec and FTS5 virtual tables.
func New(dbPath string, embeddingDim int) (*Store, error) {
	if embeddingDim <= 0 {
		return nil, fmt.Errorf("invalid embedding dimension %d", embeddingDim)
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, schemaError(err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// schemaError wraps a DDL failure, pointing at the build tag when the
// driver lacks FTS5.
func schemaError(err error) error {
	if strings.Contains(err.Error(), "no such module: fts5") {
		return fmt.Errorf("creating schema: %w (rebuild with -tags sqlite_fts5): %v", ErrNoFTS5, err)
	}
	return fmt.Errorf("creating schema: %w", err)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// ItemID derives the work item primary key from its source text. Runs of
// whitespace are collapsed first so cosmetic reformatting does not create
// a second row.
func ItemID(sourceText string) string {
	normalized := strings.Join(strings.Fields(sourceText), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// --- Stats ---

// DBStats holds row counts across the store.
type DBStats struct {
	Items     map[Status]int `json:"items"`
	Events    int            `json:"events"`
	Entities  int            `json:"entities"`
	Stories   int            `json:"stories"`
	Relations int            `json:"relations"`
	Vectors   int            `json:"vectors"`
}

// Stats returns per-status item counts and knowledge table sizes.
func (s *Store) Stats(ctx context.Context) (*DBStats, error) {
	items, err := s.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	stats := &DBStats{Items: items}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM events", &stats.Events},
		{"SELECT COUNT(DISTINCT entity_name) FROM event_entities", &stats.Entities},
		{"SELECT COUNT(*) FROM stories", &stats.Stories},
		{"SELECT COUNT(*) FROM event_relations", &stats.Relations},
		{"SELECT COUNT(*) FROM vector_docs", &stats.Vectors},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return stats, nil
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(vals []string) []any {
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return args
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func deserializeFloat32(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
