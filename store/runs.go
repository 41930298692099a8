package store

import (
	"context"
	"encoding/json"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// StageRun is the audit record of one stage invocation.
type StageRun struct {
	ID         int64     `json:"id"`
	Stage      string    `json:"stage"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Found      int       `json:"found"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
}

// RecordStageRun appends a stage_runs row.
func (s *Store) RecordStageRun(ctx context.Context, r StageRun) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO stage_runs (stage, started_at, finished_at, found, succeeded, failed, skipped)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.Stage, r.StartedAt.UTC(), r.FinishedAt.UTC(), r.Found, r.Succeeded, r.Failed, r.Skipped)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RecentStageRuns returns the latest runs, newest first, optionally for
// one stage only.
func (s *Store) RecentStageRuns(ctx context.Context, stage string, limit int) ([]StageRun, error) {
	q := sq.Select("id", "stage", "started_at", "finished_at", "found", "succeeded", "failed", "skipped").
		From("stage_runs").
		OrderBy("id DESC")
	if stage != "" {
		q = q.Where(sq.Eq{"stage": stage})
	}
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []StageRun
	for rows.Next() {
		var r StageRun
		if err := rows.Scan(&r.ID, &r.Stage, &r.StartedAt, &r.FinishedAt,
			&r.Found, &r.Succeeded, &r.Failed, &r.Skipped); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- Query log ---

// QueryLog represents a row in the query_log table.
type QueryLog struct {
	Query            string `json:"query"`
	Answer           string `json:"answer"`
	Sources          any    `json:"sources"`
	ModelUsed        string `json:"model_used"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// LogQuery writes an entry to the query audit log.
func (s *Store) LogQuery(ctx context.Context, q QueryLog) error {
	sourcesJSON, _ := json.Marshal(q.Sources)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_log (query, answer, sources, model_used, prompt_tokens, completion_tokens, total_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, q.Query, q.Answer, string(sourcesJSON), q.ModelUsed,
		q.PromptTokens, q.CompletionTokens, q.TotalTokens)
	return err
}
