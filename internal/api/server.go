// Package api exposes the chat and document endpoints over HTTP.
//
// Routes:
//
//	GET  /health                        liveness probe
//	GET  /ready                         readiness probe (database ping)
//	POST /api/chat                      answer a query
//	POST /api/chat/stream               answer a query as SSE
//	POST /api/documents                 register and ingest a document
//	GET  /api/documents                 list the tenant's documents
//	POST /api/documents/{id}/reingest   rebuild a document's chunks
//	DELETE /api/documents/{id}          remove a document and its chunks
//
// Tenant and user identity come from the X-Org-ID and X-User-ID headers
// set by the fronting auth layer; authentication itself is out of scope
// here.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout bounds header reads to prevent Slowloris-style
	// connection exhaustion.
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout = 30 * time.Second

	// WriteTimeout is generous because both chat endpoints wait on LLM
	// generation.
	WriteTimeout = 5 * time.Minute

	// IdleTimeout applies to keep-alive connections between requests.
	IdleTimeout = 120 * time.Second
)

// ServerConfig contains the collaborators and knobs of the API server.
type ServerConfig struct {
	Logger        *slog.Logger
	Engine        Answerer      // Required
	Pipeline      Ingester      // Required
	Documents     DocumentStore // Required
	Orgs          OrgStore      // Required
	Chunks        ChunkDeleter  // Required
	Pool          *pgxpool.Pool // Optional: nil disables pool stats in /ready
	RatePerMinute int           // Per-tenant request rate (0 = default 30)
	TokenBudget   int64         // Monthly token budget per tenant (0 disables)
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates the server with all routes and middleware
// configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	switch {
	case cfg.Engine == nil:
		return nil, errors.New("engine is required")
	case cfg.Pipeline == nil:
		return nil, errors.New("ingestion pipeline is required")
	case cfg.Documents == nil:
		return nil, errors.New("document store is required")
	case cfg.Orgs == nil:
		return nil, errors.New("organization store is required")
	case cfg.Chunks == nil:
		return nil, errors.New("chunk deleter is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ch := &chatHandler{
		engine: cfg.Engine,
		orgs:   cfg.Orgs,
		budget: cfg.TokenBudget,
		logger: logger,
	}
	dh := &documentsHandler{
		pipeline: cfg.Pipeline,
		docs:     cfg.Documents,
		chunks:   cfg.Chunks,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", ch.send)
	mux.HandleFunc("POST /api/chat/stream", ch.stream)
	mux.HandleFunc("POST /api/documents", dh.create)
	mux.HandleFunc("GET /api/documents", dh.list)
	mux.HandleFunc("POST /api/documents/{id}/reingest", dh.reingest)
	mux.HandleFunc("DELETE /api/documents/{id}", dh.delete)

	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = 30
	}
	rl := newRateLimiter(float64(perMinute)/60.0, perMinute)

	// Middleware stack, outermost first:
	//   Recovery → Logging → Identity → RateLimit → Routes
	// Identity must run before RateLimit so the limiter can key on the
	// org ID.
	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl, logger)(handler)
	handler = identityMiddleware()(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Health probes bypass the middleware stack: no identity headers,
	// no rate limiting.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health)
	topMux.Handle("GET /ready", readiness(cfg.Pool))
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run starts the HTTP server and blocks until the context is canceled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
