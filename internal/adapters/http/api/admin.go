package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/okian/rankd/internal/adapters/cache"
	"github.com/okian/rankd/pkg/logger"
)

// AdminDependencies covers moderation and cache maintenance.
type AdminDependencies interface {
	MarkRemoved(ctx context.Context, entityID string) (int, error)
	Restore(ctx context.Context, entityID string) (int, error)
	TriggerSync(ctx context.Context) (cache.PassResult, error)
}

// AdminHandler handles admin requests.
type AdminHandler struct {
	deps AdminDependencies
	log  logger.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(deps AdminDependencies, l logger.Logger) *AdminHandler {
	return &AdminHandler{deps: deps, log: l}
}

type removalResponse struct {
	EntityID string `json:"entity_id"`
	Removed  bool   `json:"removed"`
	Rows     int    `json:"rows"`
}

type syncResponse struct {
	Repaired int `json:"repaired"`
	Wanted   int `json:"wanted"`
	Rebuilt  int `json:"rebuilt"`
	Fresh    int `json:"fresh"`
	Dropped  int `json:"dropped"`
	Failed   int `json:"failed"`
}

// HandleRemove handles POST /admin/entities/{entityID}/remove.
func (h *AdminHandler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	h.flag(w, r, "api.remove", true, h.deps.MarkRemoved)
}

// HandleRestore handles POST /admin/entities/{entityID}/restore.
func (h *AdminHandler) HandleRestore(w http.ResponseWriter, r *http.Request) {
	h.flag(w, r, "api.restore", false, h.deps.Restore)
}

func (h *AdminHandler) flag(w http.ResponseWriter, r *http.Request, op string, removed bool,
	fn func(context.Context, string) (int, error),
) {
	entityID := chi.URLParam(r, "entityID")
	n, err := fn(r.Context(), entityID)
	if err != nil {
		h.log.Error(r.Context(), "admin request failed", logger.String("op", op), logger.Error(err))
		writeServiceError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, removalResponse{EntityID: entityID, Removed: removed, Rows: n})
}

// HandleSync handles POST /admin/sync: one synchronizer pass, run now.
func (h *AdminHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	const op = "api.sync"
	res, err := h.deps.TriggerSync(r.Context())
	if err != nil {
		writeServiceError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, syncResponse(res))
}
