package web

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"cellfix/internal/observability"
	"cellfix/internal/pipeline"
)

// Runner is the orchestrator as seen by the API.
type Runner interface {
	Snapshot() pipeline.Snapshot
	Start(ctx context.Context, done func(pipeline.Result)) error
}

// Handler builds the local API. Runs started over HTTP use baseCtx so they
// outlive the request.
func Handler(baseCtx context.Context, status *Status, runner Runner, logs *LogBuffer) http.Handler {
	if status == nil {
		status = NewStatus()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", observability.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			var run pipeline.Snapshot
			if runner != nil {
				run = runner.Snapshot()
			}
			writeJSON(w, http.StatusOK, status.Snapshot(time.Now().UTC(), run))
		})

		r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
			if runner == nil {
				http.Error(w, "pipeline unavailable", http.StatusServiceUnavailable)
				return
			}
			err := runner.Start(baseCtx, nil)
			if errors.Is(err, pipeline.ErrBusy) {
				observability.TriggersDropped.Inc()
				writeJSON(w, http.StatusConflict, map[string]any{"queued": false, "error": err.Error()})
				return
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			status.markWebTrigger()
			log.Printf("web trigger accepted remote=%s", r.RemoteAddr)
			writeJSON(w, http.StatusAccepted, map[string]any{"queued": true})
		})

		if logs != nil {
			r.Get("/logs", logs.serveLogs)
		}
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
