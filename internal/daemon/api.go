package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// serveAPI runs the local status/metrics HTTP server until ctx is done.
func (d *Daemon) serveAPI(ctx context.Context) {
	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      d.apiHandler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Printf("[daemon] local api on http://%s", addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Printf("[daemon] local api: %v", err)
	}
}

func (d *Daemon) apiHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		statuses := d.Health.Statuses()
		status := http.StatusOK
		if !d.Health.Healthy() {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"checks": statuses})
	})

	r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		tasks, err := d.Scheduler.TaskStatuses(ctx)
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		statuses := make(map[string]string, len(tasks))
		for fingerprint, status := range tasks {
			statuses[fingerprint] = status.String()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "running",
			"tasks":  statuses,
		})
	})

	if d.Config.Telemetry.Prometheus {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
