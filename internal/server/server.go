// Package server serves the read-only status endpoints of a running watcher.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mediaup/internal/observe"
	"mediaup/internal/state"
)

type StatsSource interface {
	Stats() (state.Stats, error)
}

type CooldownSource interface {
	CooldownEnd() (time.Time, bool, error)
}

type EventSource interface {
	Events() []observe.Event
}

type Deps struct {
	Stats    StatsSource
	Cooldown CooldownSource
	Events   EventSource // optional
	Gatherer prometheus.Gatherer
	Now      func() time.Time
}

type cooldownView struct {
	Active bool       `json:"active"`
	Until  *time.Time `json:"until,omitempty"`
}

type eventView struct {
	Kind     observe.EventKind `json:"kind"`
	At       time.Time         `json:"at"`
	Path     string            `json:"path,omitempty"`
	RemoteID string            `json:"remote_id,omitempty"`
	Count    int               `json:"count,omitempty"`
	Message  string            `json:"message,omitempty"`
	Error    string            `json:"error,omitempty"`
}

type statusView struct {
	Stats    state.Stats  `json:"stats"`
	Cooldown cooldownView `json:"cooldown"`
	Events   []eventView  `json:"recent_events"`
}

func NewHandler(deps Deps) http.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handleHealth)
	r.Get("/status", handleStatus(deps))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Stats.Stats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "read state: %v", err)
			return
		}
		view := statusView{Stats: stats, Events: []eventView{}}

		end, ok, err := deps.Cooldown.CooldownEnd()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "read quota marker: %v", err)
			return
		}
		if ok && deps.Now().Before(end) {
			view.Cooldown = cooldownView{Active: true, Until: &end}
		}

		if deps.Events != nil {
			for _, ev := range deps.Events.Events() {
				view.Events = append(view.Events, eventView{
					Kind: ev.Kind, At: ev.At, Path: ev.Path, RemoteID: ev.RemoteID,
					Count: ev.Count, Message: ev.Message, Error: errString(ev.Err),
				})
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(view)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": fmt.Sprintf(format, args...)})
}

// Run serves h on addr until ctx ends, then shuts down gracefully.
func Run(ctx context.Context, addr string, h http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("status server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
