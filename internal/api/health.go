package api

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// health is a liveness probe for Docker/Kubernetes.
func health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readiness reports whether the server can reach its database. With a
// nil pool the probe degrades to a liveness check.
func readiness(pool *pgxpool.Pool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if pool == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := pool.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not_ready", "database unreachable")
			return
		}

		stats := pool.Stat()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":            "ok",
			"total_conns":       stats.TotalConns(),
			"idle_conns":        stats.IdleConns(),
			"acquired_conns":    stats.AcquiredConns(),
			"max_conns":         stats.MaxConns(),
			"new_conns_count":   stats.NewConnsCount(),
			"acquire_count":     stats.AcquireCount(),
			"acquire_duration":  stats.AcquireDuration().String(),
			"empty_acquire":     stats.EmptyAcquireCount(),
			"canceled_acquires": stats.CanceledAcquireCount(),
		})
	})
}
