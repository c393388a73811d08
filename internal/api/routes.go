// Package api serves the admin HTTP surface: health, metrics, session
// inspection and control, and market snapshots.
package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"kaskade/internal/domain"
	"kaskade/internal/observability"
	"kaskade/internal/storage"
)

// Sessions is the lifecycle surface the API drives.
type Sessions interface {
	Get(ctx context.Context, id string) (*domain.Session, error)
	Cancel(ctx context.Context, id string) (*domain.Session, error)
	Pause(ctx context.Context, id string) (*domain.Session, error)
	Resume(ctx context.Context, id string) (*domain.Session, error)
}

// Snapshots exposes the latest published market snapshot per pair.
type Snapshots interface {
	LatestSnapshot(pair domain.Pair) (*domain.MarketSnapshot, bool)
}

// Dependencies are the services the handlers read from.
type Dependencies struct {
	Sessions   Sessions
	Executions storage.ExecutionStore // optional
	Market     Snapshots
	Log        zerolog.Logger

	// Ready reports readiness for /healthz; nil means always ready.
	Ready func() error
}

// SetupRoutes builds the router with recovery and request logging applied.
func SetupRoutes(deps *Dependencies) *mux.Router {
	h := &handler{deps: deps, log: deps.Log.With().Str("component", "api").Logger()}

	r := mux.NewRouter()
	r.Use(Recovery(h.log))
	r.Use(Logging(h.log))

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", observability.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/sessions/{id}", h.getSession).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/executions", h.listExecutions).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/cancel", h.control(deps.Sessions.Cancel)).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/pause", h.control(deps.Sessions.Pause)).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/resume", h.control(deps.Sessions.Resume)).Methods(http.MethodPost)
	v1.HandleFunc("/pairs/{base}/{quote}/snapshot", h.getSnapshot).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondWithError(w, http.StatusNotFound, "route not found", "not_found", "")
	})
	return r
}
