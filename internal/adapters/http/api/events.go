package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	service "github.com/okian/rankd/internal/app"
	"github.com/okian/rankd/internal/domain/model"
)

// EventDependencies accepts score reports.
type EventDependencies interface {
	Report(ctx context.Context, u model.ScoreUpdate) (service.Outcome, error)
}

// EventsHandler handles score reports.
type EventsHandler struct {
	deps EventDependencies
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(deps EventDependencies) *EventsHandler {
	return &EventsHandler{deps: deps}
}

// eventRequest is the body of POST /events.
type eventRequest struct {
	EventID      string   `json:"event_id"`
	Leaderboard  string   `json:"leaderboard"`
	EntityID     string   `json:"entity_id"`
	Score        *float64 `json:"score"`
	Mode         string   `json:"mode"`
	TS           string   `json:"ts"`
	DisplayName  string   `json:"display_name"`
	ProfileLabel string   `json:"profile_label"`
	BackingID    string   `json:"backing_id"`
}

func (e eventRequest) toUpdate() (model.ScoreUpdate, error) {
	switch {
	case strings.TrimSpace(e.Leaderboard) == "":
		return model.ScoreUpdate{}, errors.New("missing leaderboard")
	case strings.TrimSpace(e.EntityID) == "":
		return model.ScoreUpdate{}, errors.New("missing entity_id")
	case e.Score == nil:
		return model.ScoreUpdate{}, errors.New("missing score")
	}
	u := model.ScoreUpdate{
		EventID:      e.EventID,
		Slug:         e.Leaderboard,
		EntityID:     e.EntityID,
		Mode:         e.Mode,
		Score:        *e.Score,
		DisplayName:  e.DisplayName,
		ProfileLabel: e.ProfileLabel,
		BackingID:    e.BackingID,
	}
	if e.TS != "" {
		at, err := time.Parse(time.RFC3339, e.TS)
		if err != nil {
			return model.ScoreUpdate{}, errors.New("invalid ts; must be RFC3339")
		}
		u.At = at
	}
	return u, nil
}

// HandlePostEvent handles POST /events: 202 accepted, 200 duplicate, 429 on
// backpressure.
func (h *EventsHandler) HandlePostEvent(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_event"
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	u, err := req.toUpdate()
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}

	outcome, err := h.deps.Report(r.Context(), u)
	if err != nil {
		writeServiceError(w, Wrap(op, err))
		return
	}
	switch outcome {
	case service.Duplicate:
		writeJSON(w, http.StatusOK, ackResponse{Status: "duplicate", Duplicate: true})
	case service.Dropped:
		writeError(w, http.StatusTooManyRequests, "backpressure", NewKind(op, ErrBackpressure))
	default:
		writeJSON(w, http.StatusAccepted, ackResponse{Status: "accepted"})
	}
}
