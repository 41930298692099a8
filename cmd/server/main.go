package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/brunobiangulo/eventgraph"
	"github.com/brunobiangulo/eventgraph/logging"
	"github.com/brunobiangulo/eventgraph/metrics"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML)")
	addr := flag.String("addr", "", "Listen address (overrides server.addr)")
	flag.Parse()

	// A missing .env is fine; the environment may be set another way.
	_ = godotenv.Load()

	cfg, err := eventgraph.LoadConfig(*configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logging.New(cfg.Logging.Level, cfg.Logging.Format))
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	engine, err := eventgraph.New(context.Background(), cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      newServer(engine, cfg.Server),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // stage runs can be long
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}

// newServer builds the routes and the middleware chain.
func newServer(e eventgraph.Engine, cfg eventgraph.ServerConfig) http.Handler {
	h := newHandler(e)
	mux := http.NewServeMux()

	mux.HandleFunc("POST /ingest", h.handleIngest)
	mux.HandleFunc("POST /query", h.handleQuery)
	mux.HandleFunc("GET /status", h.handleStatus)
	mux.HandleFunc("POST /stages/{stage}", h.handleRunStage)
	mux.HandleFunc("POST /requeue", h.handleRequeue)
	mux.HandleFunc("POST /review/export", h.handleReviewExport)
	mux.HandleFunc("POST /review/import", h.handleReviewImport)
	mux.HandleFunc("POST /review/request", h.handleReviewRequest)
	mux.HandleFunc("POST /review/response", h.handleReviewResponse)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	// Middleware chain: recovery -> cors -> auth -> logging -> mux
	var handler http.Handler = mux
	handler = logMiddleware(handler)
	handler = authMiddleware(cfg.APIKey, handler)
	handler = corsMiddleware(cfg.CORSOrigins, handler)
	handler = recoveryMiddleware(handler)
	return handler
}
