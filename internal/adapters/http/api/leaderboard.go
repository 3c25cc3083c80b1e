package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	service "github.com/okian/rankd/internal/app"
	"github.com/okian/rankd/internal/domain/leaderboard"
	"github.com/okian/rankd/internal/domain/model"
)

// LeaderboardDependencies reads ranking pages.
type LeaderboardDependencies interface {
	GetSlice(ctx context.Context, req service.SliceRequest) ([]model.Entry, error)
}

// LeaderboardHandler handles leaderboard page requests.
type LeaderboardHandler struct {
	deps     LeaderboardDependencies
	maxLimit int
}

// NewLeaderboardHandler creates a new leaderboard handler.
func NewLeaderboardHandler(deps LeaderboardDependencies, maxLimit int) *LeaderboardHandler {
	return &LeaderboardHandler{
		deps:     deps,
		maxLimit: maxLimit,
	}
}

type sliceResponse struct {
	Leaderboard string          `json:"leaderboard"`
	Interval    string          `json:"interval"`
	Identifier  string          `json:"identifier,omitempty"`
	Offset      int             `json:"offset"`
	Entries     []entryResponse `json:"entries"`
}

// HandleGetSlice handles GET /leaderboards/{slug}?offset=&limit=&mode=&interval=&identifier=&removed=.
func (h *LeaderboardHandler) HandleGetSlice(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_slice"
	q := r.URL.Query()
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	limit, err := intParam(r, "limit", min(25, h.maxLimit))
	if err != nil || limit < 1 {
		writeError(w, http.StatusBadRequest, "bad_request", NewKind(op, ErrBadRequest))
		return
	}
	if limit > h.maxLimit {
		writeError(w, http.StatusBadRequest, "limit_exceeded", NewKind(op, ErrBadRequest))
		return
	}
	interval, err := leaderboard.ParseInterval(q.Get("interval"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	removed, err := model.ParseRemovedFilter(q.Get("removed"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}

	req := service.SliceRequest{
		Slug:       chi.URLParam(r, "slug"),
		Mode:       q.Get("mode"),
		Interval:   interval,
		Identifier: q.Get("identifier"),
		Offset:     offset,
		Limit:      limit,
		Removed:    removed,
	}
	entries, err := h.deps.GetSlice(r.Context(), req)
	if err != nil {
		writeServiceError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, sliceResponse{
		Leaderboard: req.Slug,
		Interval:    interval.String(),
		Identifier:  req.Identifier,
		Offset:      offset,
		Entries:     toEntries(entries),
	})
}
