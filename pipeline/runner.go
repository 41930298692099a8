package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/eventgraph/metrics"
	"github.com/brunobiangulo/eventgraph/store"
)

// Spec describes a per-item stage for Run.
type Spec struct {
	Stage string
	From  store.Status
	To    store.Status

	// Concurrency above 1 processes items in parallel.
	Concurrency int
	// Timeout bounds each Process call when positive.
	Timeout time.Duration

	Process func(ctx context.Context, item store.WorkItem) (store.Update, error)
}

// Report summarises one stage run.
type Report struct {
	Stage     string        `json:"stage"`
	Found     int           `json:"found"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
	outcomeSkipped
	outcomeAbandoned // cancelled before a result was written
)

func (r *Report) add(o outcome) {
	switch o {
	case outcomeSucceeded:
		r.Succeeded++
	case outcomeFailed:
		r.Failed++
	case outcomeSkipped:
		r.Skipped++
	}
}

// Run selects every item at spec.From and processes it. Successes move to
// spec.To with the returned update; failures move to error with a note
// and the raw payload. Writes are conditional on the item still being at
// spec.From, so an item another worker already moved counts as skipped.
// Cancelling ctx stops new work; unprocessed items keep their status.
func Run(ctx context.Context, s *store.Store, spec Spec) (Report, error) {
	start := time.Now()
	rep := Report{Stage: spec.Stage}

	items, err := s.ListByStatus(ctx, spec.From)
	if err != nil {
		return rep, fmt.Errorf("%s: listing %s items: %w", spec.Stage, spec.From, err)
	}
	rep.Found = len(items)
	if len(items) == 0 {
		slog.Debug("stage: nothing to do", "stage", spec.Stage, "status", spec.From)
		return finish(ctx, s, rep, start), nil
	}
	slog.Info("stage: starting", "stage", spec.Stage, "items", len(items), "concurrency", max(spec.Concurrency, 1))

	var mu sync.Mutex
	record := func(o outcome) {
		mu.Lock()
		rep.add(o)
		mu.Unlock()
	}

	if spec.Concurrency <= 1 {
		for _, item := range items {
			if ctx.Err() != nil {
				break
			}
			record(processItem(ctx, s, spec, item))
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(spec.Concurrency)
		for _, item := range items {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				record(processItem(gctx, s, spec, item))
				return nil
			})
		}
		_ = g.Wait()
	}

	rep = finish(context.WithoutCancel(ctx), s, rep, start)
	if err := ctx.Err(); err != nil {
		slog.Warn("stage: cancelled", "stage", spec.Stage,
			"processed", rep.Succeeded+rep.Failed+rep.Skipped, "found", rep.Found)
		return rep, err
	}
	return rep, nil
}

func processItem(ctx context.Context, s *store.Store, spec Spec, item store.WorkItem) outcome {
	itemCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	itemStart := time.Now()
	upd, err := spec.Process(itemCtx, item)
	if err != nil && ctx.Err() != nil {
		// The stage was cancelled, not the item: leave it for the next run.
		return outcomeAbandoned
	}
	if err == nil {
		err = s.Transition(ctx, item.ID, spec.From, spec.To, upd)
		if err == nil {
			slog.Debug("stage: item done", "stage", spec.Stage, "item_id", item.ID,
				"elapsed", time.Since(itemStart).Round(time.Millisecond))
			return outcomeSucceeded
		}
		if errors.Is(err, store.ErrStaleTransition) {
			slog.Warn("stage: result dropped", "stage", spec.Stage, "item_id", item.ID, "error", err)
			return outcomeSkipped
		}
		err = fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	return fail(ctx, s, spec.Stage, spec.From, item.ID, err)
}

// fail moves one item to error and classifies the outcome.
func fail(ctx context.Context, s *store.Store, stage string, from store.Status, id string, err error) outcome {
	slog.Warn("stage: item failed", "stage", stage, "item_id", id, "error", err)
	markErr := s.MarkError(context.WithoutCancel(ctx), id, from, failureNote(stage, err), payloadOf(err))
	switch {
	case markErr == nil:
		return outcomeFailed
	case errors.Is(markErr, store.ErrStaleTransition):
		slog.Warn("stage: failure dropped", "stage", stage, "item_id", id, "error", markErr)
		return outcomeSkipped
	default:
		slog.Error("stage: marking item failed", "stage", stage, "item_id", id, "error", markErr)
		return outcomeFailed
	}
}

// finish stamps the duration, records the run and updates metrics.
func finish(ctx context.Context, s *store.Store, rep Report, start time.Time) Report {
	end := time.Now()
	rep.Duration = end.Sub(start)

	metrics.StageDuration.WithLabelValues(rep.Stage).Observe(rep.Duration.Seconds())
	metrics.StageItems.WithLabelValues(rep.Stage, "succeeded").Add(float64(rep.Succeeded))
	metrics.StageItems.WithLabelValues(rep.Stage, "failed").Add(float64(rep.Failed))
	metrics.StageItems.WithLabelValues(rep.Stage, "skipped").Add(float64(rep.Skipped))

	if _, err := s.RecordStageRun(ctx, store.StageRun{
		Stage:      rep.Stage,
		StartedAt:  start,
		FinishedAt: end,
		Found:      rep.Found,
		Succeeded:  rep.Succeeded,
		Failed:     rep.Failed,
		Skipped:    rep.Skipped,
	}); err != nil {
		slog.Error("stage: recording run", "stage", rep.Stage, "error", err)
	}
	if rep.Found > 0 {
		slog.Info("stage: complete", "stage", rep.Stage,
			"found", rep.Found, "succeeded", rep.Succeeded, "failed", rep.Failed,
			"skipped", rep.Skipped, "elapsed", rep.Duration.Round(time.Millisecond))
	}
	return rep
}
