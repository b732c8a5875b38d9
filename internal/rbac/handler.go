package rbac

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/meridian-erp/meridian-erp/internal/guard"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

// Handler exposes the effective-permission resolution endpoint.
type Handler struct {
	logger  *slog.Logger
	service *Service
	guard   guard.Middleware
}

func NewHandler(logger *slog.Logger, service *Service, mw guard.Middleware) *Handler {
	return &Handler{logger: logger, service: service, guard: mw}
}

// MountRoutes registers resolver routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAny(guard.PermUsersView, guard.PermAssignmentsView))
		r.Get("/users/{userID}/effective-permissions", h.effectivePermissions)
	})
}

func (h *Handler) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "user id must be an integer")
		return
	}
	q := r.URL.Query()
	opts := ResolveOptions{
		IncludeInherited: q.Get("include_inherited") != "false",
		GroupByModule:    q.Get("group_by_module") == "true",
	}
	resolution, err := h.service.Resolve(r.Context(), userID, opts)
	if err != nil {
		h.logger.Warn("resolve permissions", slog.Int64("user_id", userID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, resolution)
}
