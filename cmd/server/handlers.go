package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/brunobiangulo/eventgraph"
	"github.com/brunobiangulo/eventgraph/pipeline"
	"github.com/brunobiangulo/eventgraph/retrieval"
	"github.com/brunobiangulo/eventgraph/review"
	"github.com/brunobiangulo/eventgraph/store"
)

type handler struct {
	engine eventgraph.Engine
}

func newHandler(e eventgraph.Engine) *handler {
	return &handler{engine: e}
}

// POST /ingest
// Accepts a multipart file upload, or JSON with either "text" or "path".
func (h *handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
	defer cancel()

	// Try multipart upload first
	if err := r.ParseMultipartForm(100 << 20); err == nil { // 100MB max
		file, header, err := r.FormFile("file")
		if err == nil {
			defer file.Close()

			// Sanitise filename to prevent path traversal.
			safeName := filepath.Base(header.Filename)

			tmpDir, err := os.MkdirTemp("", "eventgraph-upload-")
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to process file")
				slog.Error("creating temp dir", "error", err)
				return
			}
			defer os.RemoveAll(tmpDir)
			tmpPath := filepath.Join(tmpDir, safeName)
			dst, err := os.Create(tmpPath)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to process file")
				slog.Error("creating temp file", "error", err)
				return
			}
			if _, err := io.Copy(dst, file); err != nil {
				dst.Close()
				writeError(w, http.StatusInternalServerError, "failed to save file")
				slog.Error("saving uploaded file", "error", err)
				return
			}
			dst.Close()

			res, err := h.engine.IngestFile(ctx, tmpPath)
			if err != nil {
				writeEngineError(w, "ingestion failed", err)
				return
			}
			writeJSON(w, http.StatusOK, res)
			return
		}
	}

	var req struct {
		Text      string `json:"text"`
		SourceURI string `json:"source_uri,omitempty"`
		Path      string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: expected multipart file or JSON with 'text' or 'path'")
		return
	}

	switch {
	case req.Text != "":
		res, err := h.engine.IngestText(ctx, req.Text, req.SourceURI)
		if err != nil {
			writeEngineError(w, "ingestion failed", err)
			return
		}
		writeJSON(w, http.StatusOK, res)

	case req.Path != "":
		// Validate that path is a real file (prevents directory traversal probing).
		absPath, err := filepath.Abs(req.Path)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid path")
			return
		}
		info, err := os.Stat(absPath)
		if err != nil || info.IsDir() {
			writeError(w, http.StatusBadRequest, "path must be an existing file")
			return
		}
		res, err := h.engine.IngestFile(ctx, absPath)
		if err != nil {
			writeEngineError(w, "ingestion failed", err)
			return
		}
		writeJSON(w, http.StatusOK, res)

	default:
		writeError(w, http.StatusBadRequest, "text or path is required")
	}
}

// POST /query
func (h *handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	var req struct {
		Question string `json:"question"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	answer, err := h.engine.Query(ctx, req.Question)
	if err != nil {
		writeEngineError(w, "query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// GET /status
func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.Status(r.Context())
	if err != nil {
		writeEngineError(w, "failed to read status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// POST /stages/{stage}
// "all" runs every automatic stage in order.
func (h *handler) handleRunStage(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	stage := r.PathValue("stage")
	if stage == "all" {
		reports, err := h.engine.Run(ctx)
		if err != nil {
			slog.Error("pipeline run error", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error":   "pipeline run failed",
				"reports": reports,
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
		return
	}

	rep, err := h.engine.RunStage(ctx, stage)
	if err != nil {
		writeEngineError(w, "stage run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// POST /requeue
func (h *handler) handleRequeue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To  string   `json:"to"`
		IDs []string `json:"ids,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	to, err := store.ParseStatus(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := h.engine.Requeue(r.Context(), to, req.IDs...)
	if err != nil {
		writeEngineError(w, "requeue failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requeued": n, "to": to})
}

// POST /review/export
func (h *handler) handleReviewExport(w http.ResponseWriter, r *http.Request) {
	path, ok := optionalPath(w, r)
	if !ok {
		return
	}
	rep, err := h.engine.ExportReview(r.Context(), path)
	if err != nil {
		writeEngineError(w, "review export failed", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// POST /review/import
func (h *handler) handleReviewImport(w http.ResponseWriter, r *http.Request) {
	path, ok := optionalPath(w, r)
	if !ok {
		return
	}
	rep, err := h.engine.ImportReview(r.Context(), path)
	if err != nil {
		writeEngineError(w, "review import failed", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// POST /review/request
func (h *handler) handleReviewRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID   string `json:"id"`
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	id, err := h.engine.WriteReviewRequest(r.Context(), req.ID, req.Path)
	if err != nil {
		writeEngineError(w, "writing review request failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// POST /review/response
func (h *handler) handleReviewResponse(w http.ResponseWriter, r *http.Request) {
	path, ok := optionalPath(w, r)
	if !ok {
		return
	}
	d, res, err := h.engine.ApplyReviewResponse(r.Context(), path)
	if err != nil {
		writeEngineError(w, "applying review response failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decision": d, "result": res})
}

// optionalPath reads {"path": ...} from the body. An empty body means
// the configured path.
func optionalPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return "", false
	}
	return req.Path, true
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// writeEngineError maps engine errors to status codes and logs the rest.
func writeEngineError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, eventgraph.ErrNoText),
		errors.Is(err, retrieval.ErrEmptyQuery),
		errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, review.ErrBadResponse):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, eventgraph.ErrUnsupportedFormat):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, store.ErrStaleTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, review.ErrNoPendingItem):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrUnknownStage),
		errors.Is(err, eventgraph.ErrItemNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, msg)
	default:
		slog.Error(msg, "error", err)
		writeError(w, http.StatusInternalServerError, msg)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
