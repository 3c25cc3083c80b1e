// Package api exposes the producer and consumer contracts over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	service "github.com/okian/rankd/internal/app"
	"github.com/okian/rankd/internal/domain/model"
	"github.com/okian/rankd/pkg/logger"
)

// Dependencies required by HTTP handlers.
type Dependencies interface {
	EventDependencies
	RankDependencies
	LeaderboardDependencies
	AdminDependencies
	HealthDependencies
	StatsProvider
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler      *HealthHandler
	statsHandler       *StatsHandler
	eventsHandler      *EventsHandler
	leaderboardHandler *LeaderboardHandler
	rankHandler        *RankHandler
	adminHandler       *AdminHandler
	log                logger.Logger
}

// NewServer creates a new API server with all handlers. maxWindow bounds
// slice limits and window sides.
func NewServer(deps Dependencies, maxWindow int, l logger.Logger) *Server {
	if l == nil {
		l = logger.Get().Named("api")
	}
	return &Server{
		healthHandler:      NewHealthHandler(deps),
		statsHandler:       NewStatsHandler(deps),
		eventsHandler:      NewEventsHandler(deps),
		leaderboardHandler: NewLeaderboardHandler(deps, maxWindow),
		rankHandler:        NewRankHandler(deps, maxWindow),
		adminHandler:       NewAdminHandler(deps, l),
		log:                l,
	}
}

// Router returns the chi router with every route attached.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)

	r.Get("/healthz", s.healthHandler.HandleHealth)
	r.Method(http.MethodGet, "/metrics", s.healthHandler.MetricsHandler())
	r.Get("/stats", s.statsHandler.HandleStats)

	r.Post("/events", s.eventsHandler.HandlePostEvent)

	r.Route("/leaderboards/{slug}", func(r chi.Router) {
		r.Get("/", s.leaderboardHandler.HandleGetSlice)
		r.Get("/rank/{entityID}", s.rankHandler.HandleGetRank)
		r.Get("/position/{rank}", s.rankHandler.HandleGetPosition)
	})
	r.Get("/entities/{entityID}/ranks", s.rankHandler.HandleGetRanks)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/entities/{entityID}/remove", s.adminHandler.HandleRemove)
		r.Post("/entities/{entityID}/restore", s.adminHandler.HandleRestore)
		r.Post("/sync", s.adminHandler.HandleSync)
	})
	return r
}

// NewHTTPServer wraps the router in an http.Server with conservative timeouts.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type ackResponse struct {
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// entryResponse is the wire form of a ranked entry.
type entryResponse struct {
	Rank         int     `json:"rank"`
	EntityID     string  `json:"entity_id"`
	Score        float64 `json:"score"`
	Mode         string  `json:"mode,omitempty"`
	Removed      bool    `json:"removed,omitempty"`
	DisplayName  string  `json:"display_name,omitempty"`
	ProfileLabel string  `json:"profile_label,omitempty"`
	BackingID    string  `json:"backing_id,omitempty"`
}

func toEntry(e model.Entry) entryResponse {
	return entryResponse{
		Rank:         e.Rank,
		EntityID:     e.EntityID,
		Score:        e.Score,
		Mode:         e.Mode,
		Removed:      e.Removed,
		DisplayName:  e.DisplayName,
		ProfileLabel: e.ProfileLabel,
		BackingID:    e.BackingID,
	}
}

func toEntries(es []model.Entry) []entryResponse {
	out := make([]entryResponse, len(es))
	for i, e := range es {
		out[i] = toEntry(e)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeServiceError translates service errors into statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrUnknownLeaderboard):
		writeError(w, http.StatusNotFound, "unknown_leaderboard", err)
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, ErrBadRequest):
		writeError(w, http.StatusBadRequest, "bad_request", err)
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, service.ErrSyncBusy):
		writeError(w, http.StatusConflict, "sync_busy", err)
	case errors.Is(err, service.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err)
	}
}

// intParam reads a non-negative integer query parameter, def when absent.
func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name)
	}
	return n, nil
}
