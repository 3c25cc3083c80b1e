package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	service "github.com/okian/rankd/internal/app"
	"github.com/okian/rankd/internal/domain/leaderboard"
	"github.com/okian/rankd/internal/domain/model"
)

// RankDependencies answers rank queries.
type RankDependencies interface {
	GetRank(ctx context.Context, req service.RankRequest) (service.RankResult, error)
	GetRanks(ctx context.Context, entityID, mode string) ([]service.BoardRank, error)
}

// RankHandler handles rank requests.
type RankHandler struct {
	deps      RankDependencies
	maxWindow int
}

// NewRankHandler creates a new rank handler.
func NewRankHandler(deps RankDependencies, maxWindow int) *RankHandler {
	return &RankHandler{deps: deps, maxWindow: maxWindow}
}

type rankResponse struct {
	Leaderboard string          `json:"leaderboard"`
	Entry       entryResponse   `json:"entry"`
	MinScore    float64         `json:"min_score"`
	Before      []entryResponse `json:"before"`
	After       []entryResponse `json:"after"`
	Cold        bool            `json:"cold"`
	Source      string          `json:"source"`
}

type boardRankResponse struct {
	Leaderboard string  `json:"leaderboard"`
	Title       string  `json:"title"`
	Rank        int     `json:"rank"`
	Score       float64 `json:"score"`
}

type ranksResponse struct {
	EntityID string              `json:"entity_id"`
	Ranks    []boardRankResponse `json:"ranks"`
}

// HandleGetRank handles GET /leaderboards/{slug}/rank/{entityID}.
func (h *RankHandler) HandleGetRank(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_rank"
	req, err := h.request(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	req.EntityID = chi.URLParam(r, "entityID")
	h.serve(w, r, op, req)
}

// HandleGetPosition handles GET /leaderboards/{slug}/position/{rank}.
func (h *RankHandler) HandleGetPosition(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_position"
	req, err := h.request(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	rank, err := strconv.Atoi(chi.URLParam(r, "rank"))
	if err != nil || rank < 1 {
		writeError(w, http.StatusBadRequest, "bad_request", NewKind(op, ErrBadRequest))
		return
	}
	req.AtRank = rank
	h.serve(w, r, op, req)
}

func (h *RankHandler) serve(w http.ResponseWriter, r *http.Request, op string, req service.RankRequest) {
	res, err := h.deps.GetRank(r.Context(), req)
	if err != nil {
		writeServiceError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, rankResponse{
		Leaderboard: res.Slug,
		Entry:       toEntry(res.Entry),
		MinScore:    res.MinScore,
		Before:      toEntries(res.Before),
		After:       toEntries(res.After),
		Cold:        res.Cold,
		Source:      res.Source,
	})
}

// request parses the query parameters shared by rank routes.
func (h *RankHandler) request(r *http.Request) (service.RankRequest, error) {
	q := r.URL.Query()
	req := service.RankRequest{
		Slug:          chi.URLParam(r, "slug"),
		Mode:          q.Get("mode"),
		Identifier:    q.Get("identifier"),
		Authoritative: q.Get("authoritative") == "true",
	}
	var err error
	if req.Interval, err = leaderboard.ParseInterval(q.Get("interval")); err != nil {
		return req, err
	}
	if req.Removed, err = model.ParseRemovedFilter(q.Get("removed")); err != nil {
		return req, err
	}
	if req.Before, err = intParam(r, "before", 0); err != nil {
		return req, err
	}
	if req.After, err = intParam(r, "after", 0); err != nil {
		return req, err
	}
	if req.Before > h.maxWindow || req.After > h.maxWindow {
		return req, fmt.Errorf("window larger than %d", h.maxWindow)
	}
	return req, nil
}

// HandleGetRanks handles GET /entities/{entityID}/ranks.
func (h *RankHandler) HandleGetRanks(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_ranks"
	entityID := chi.URLParam(r, "entityID")
	ranks, err := h.deps.GetRanks(r.Context(), entityID, r.URL.Query().Get("mode"))
	if err != nil {
		writeServiceError(w, Wrap(op, err))
		return
	}
	resp := ranksResponse{EntityID: entityID, Ranks: make([]boardRankResponse, 0, len(ranks))}
	for _, br := range ranks {
		resp.Ranks = append(resp.Ranks, boardRankResponse{
			Leaderboard: br.Slug,
			Title:       br.Title,
			Rank:        br.Entry.Rank,
			Score:       br.Entry.Score,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
