package assignments

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian-erp/internal/guard"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Handler wires HTTP endpoints for the assignment engine.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
	guard     guard.Middleware
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, mw guard.Middleware) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
		guard:     mw,
	}
}

// MountRoutes registers assignment routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAny(guard.PermAssignmentsView, guard.PermAssignmentsEdit))
		r.Get("/users/{userID}", h.userRoles)
		r.Get("/roles/{roleID}", h.roleUsers)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAny(guard.PermAssignmentsEdit))
		r.Post("/", h.assign)
		r.Post("/revoke", h.revoke)
		r.Post("/primary", h.setPrimary)
		r.Post("/transfer", h.transfer)
		r.Post("/bulk", h.bulk)
	})
}

type assignRequest struct {
	UserID           int64          `json:"user_id" validate:"required,gt=0"`
	RoleID           int64          `json:"role_id" validate:"required,gt=0"`
	Context          string         `json:"context" validate:"omitempty,oneof=onboarding promotion transfer project temporary administrative"`
	AssignmentReason string         `json:"assignment_reason" validate:"max=512"`
	Conditions       map[string]any `json:"conditions"`
	ExpiresAt        *time.Time     `json:"expires_at"`
	IsPrimary        bool           `json:"is_primary"`
}

func (r assignRequest) toInput(assignedBy int64) AssignInput {
	return AssignInput{
		UserID:           r.UserID,
		RoleID:           r.RoleID,
		AssignedBy:       assignedBy,
		Context:          Context(r.Context),
		AssignmentReason: r.AssignmentReason,
		Conditions:       r.Conditions,
		ExpiresAt:        r.ExpiresAt,
		IsPrimary:        r.IsPrimary,
	}
}

func (h *Handler) assign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	assignment, err := h.service.AssignRole(r.Context(), req.toInput(actor))
	if err != nil {
		h.logger.Warn("assign role", slog.Int64("user_id", req.UserID), slog.Int64("role_id", req.RoleID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, assignment)
}

type revokeRequest struct {
	UserID int64  `json:"user_id" validate:"required,gt=0"`
	RoleID int64  `json:"role_id" validate:"required,gt=0"`
	Reason string `json:"reason" validate:"max=512"`
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	err := h.service.RevokeRole(r.Context(), RevokeInput{
		UserID:    req.UserID,
		RoleID:    req.RoleID,
		RevokedBy: actor,
		Reason:    req.Reason,
	})
	if err != nil {
		h.logger.Warn("revoke role", slog.Int64("user_id", req.UserID), slog.Int64("role_id", req.RoleID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.NoContent(w)
}

type setPrimaryRequest struct {
	UserID int64 `json:"user_id" validate:"required,gt=0"`
	RoleID int64 `json:"role_id" validate:"required,gt=0"`
}

func (h *Handler) setPrimary(w http.ResponseWriter, r *http.Request) {
	var req setPrimaryRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.SetPrimaryRole(r.Context(), req.UserID, req.RoleID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.NoContent(w)
}

type transferRequest struct {
	FromUserID int64  `json:"from_user_id" validate:"required,gt=0"`
	ToUserID   int64  `json:"to_user_id" validate:"required,gt=0"`
	Reason     string `json:"reason" validate:"max=512"`
}

func (h *Handler) transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	result, err := h.service.TransferRoles(r.Context(), req.FromUserID, req.ToUserID, req.Reason)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

type bulkRequest struct {
	Assignments []assignRequest `json:"assignments" validate:"required,min=1,max=100,dive"`
}

func (h *Handler) bulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	inputs := make([]AssignInput, len(req.Assignments))
	for i, item := range req.Assignments {
		inputs[i] = item.toInput(actor)
	}
	result, err := h.service.BulkAssignRoles(r.Context(), inputs)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) userRoles(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "user id must be an integer")
		return
	}
	opts := listOptionsFromQuery(r)
	userRoles, err := h.service.GetUserRoles(r.Context(), userID, opts)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": userRoles})
}

func (h *Handler) roleUsers(w http.ResponseWriter, r *http.Request) {
	roleID, err := strconv.ParseInt(chi.URLParam(r, "roleID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "role id must be an integer")
		return
	}
	opts := listOptionsFromQuery(r)
	items, page, err := h.service.GetRoleUsers(r.Context(), roleID, opts)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"users": items, "pagination": page})
}

func listOptionsFromQuery(r *http.Request) ListOptions {
	q := r.URL.Query()
	opts := ListOptions{
		IncludeInactive:    q.Get("include_inactive") == "true",
		IncludeExpired:     q.Get("include_expired") == "true",
		IncludePermissions: q.Get("include_permissions") == "true",
		Query:              q.Get("q"),
	}
	opts.Page, _ = strconv.Atoi(q.Get("page"))
	opts.PerPage, _ = strconv.Atoi(q.Get("per_page"))
	return opts
}
