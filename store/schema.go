package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// dimension of the three vec0 collection tables.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Pipeline state, one row per source document
CREATE TABLE IF NOT EXISTS master_state (
    id TEXT PRIMARY KEY,
    source_text TEXT NOT NULL,
    current_status TEXT NOT NULL,
    triage_confidence REAL,
    assigned_event_type TEXT,
    story_id TEXT,
    cluster_id INTEGER,
    involved_entities JSON,
    notes TEXT NOT NULL DEFAULT '',
    error_payload TEXT,
    source_uri TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    last_updated DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Atomic events extracted from a work item
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    item_id TEXT NOT NULL REFERENCES master_state(id),
    seq INTEGER NOT NULL,
    event_type TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    event_date TEXT,
    structured_data JSON,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS event_entities (
    event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
    entity_name TEXT NOT NULL,
    entity_type TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (event_id, entity_name)
);

-- Story units produced by clustering
CREATE TABLE IF NOT EXISTS stories (
    id TEXT PRIMARY KEY,
    cluster_id INTEGER NOT NULL,
    summary TEXT NOT NULL DEFAULT '',
    size INTEGER NOT NULL,
    oversized INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Event-to-event relations (local graph store)
CREATE TABLE IF NOT EXISTS event_relations (
    source_event_id TEXT NOT NULL REFERENCES events(id),
    target_event_id TEXT NOT NULL REFERENCES events(id),
    relation_type TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    story_id TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (source_event_id, target_event_id, relation_type)
);

-- Full-text search over event descriptions
CREATE VIRTUAL TABLE IF NOT EXISTS events_fts USING fts5(
    description,
    event_type,
    content='events',
    content_rowid='rowid',
    tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS events_ai AFTER INSERT ON events BEGIN
    INSERT INTO events_fts(rowid, description, event_type) VALUES (new.rowid, new.description, new.event_type);
END;
CREATE TRIGGER IF NOT EXISTS events_ad AFTER DELETE ON events BEGIN
    INSERT INTO events_fts(events_fts, rowid, description, event_type) VALUES ('delete', old.rowid, old.description, old.event_type);
END;
CREATE TRIGGER IF NOT EXISTS events_au AFTER UPDATE ON events BEGIN
    INSERT INTO events_fts(events_fts, rowid, description, event_type) VALUES ('delete', old.rowid, old.description, old.event_type);
    INSERT INTO events_fts(rowid, description, event_type) VALUES (new.rowid, new.description, new.event_type);
END;

-- Vector collections: documents plus one vec0 table per collection
CREATE TABLE IF NOT EXISTS vector_docs (
    id INTEGER PRIMARY KEY,
    collection TEXT NOT NULL,
    doc_key TEXT NOT NULL,
    content TEXT NOT NULL,
    metadata JSON,
    UNIQUE(collection, doc_key)
);

CREATE VIRTUAL TABLE IF NOT EXISTS vec_source_texts USING vec0(
    doc_id INTEGER PRIMARY KEY,
    embedding float[%[1]d] distance_metric=cosine
);
CREATE VIRTUAL TABLE IF NOT EXISTS vec_event_descriptions USING vec0(
    doc_id INTEGER PRIMARY KEY,
    embedding float[%[1]d] distance_metric=cosine
);
CREATE VIRTUAL TABLE IF NOT EXISTS vec_entity_contexts USING vec0(
    doc_id INTEGER PRIMARY KEY,
    embedding float[%[1]d] distance_metric=cosine
);

-- Per-run stage audit
CREATE TABLE IF NOT EXISTS stage_runs (
    id INTEGER PRIMARY KEY,
    stage TEXT NOT NULL,
    started_at DATETIME NOT NULL,
    finished_at DATETIME NOT NULL,
    found INTEGER NOT NULL DEFAULT 0,
    succeeded INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    skipped INTEGER NOT NULL DEFAULT 0
);

-- Q&A audit log
CREATE TABLE IF NOT EXISTS query_log (
    id INTEGER PRIMARY KEY,
    query TEXT NOT NULL,
    answer TEXT,
    sources JSON,
    model_used TEXT,
    prompt_tokens INTEGER DEFAULT 0,
    completion_tokens INTEGER DEFAULT 0,
    total_tokens INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_master_state_status ON master_state(current_status);
CREATE INDEX IF NOT EXISTS idx_events_item ON events(item_id);
CREATE INDEX IF NOT EXISTS idx_event_entities_name ON event_entities(entity_name);
CREATE INDEX IF NOT EXISTS idx_event_relations_target ON event_relations(target_event_id);
CREATE INDEX IF NOT EXISTS idx_event_relations_story ON event_relations(story_id);
CREATE INDEX IF NOT EXISTS idx_vector_docs_collection ON vector_docs(collection);
`, embeddingDim)
}
