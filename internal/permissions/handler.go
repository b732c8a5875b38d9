package permissions

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian-erp/internal/guard"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

// Handler wires HTTP endpoints for the permission catalog.
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

// MountRoutes registers permission routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAny(guard.PermPermissionsView, guard.PermPermissionsEdit))
		r.Get("/", h.search)
		r.Get("/{permissionID}", h.get)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAny(guard.PermPermissionsEdit))
		r.Post("/", h.create)
		r.Put("/{permissionID}", h.update)
		r.Delete("/{permissionID}", h.delete)
	})
}

type createPermissionRequest struct {
	Name        string  `json:"name" validate:"required,min=3,max=128"`
	DisplayName string  `json:"display_name" validate:"max=128"`
	Description string  `json:"description"`
	Module      string  `json:"module"`
	Action      string  `json:"action"`
	Resource    string  `json:"resource" validate:"max=128"`
	AccessLevel string  `json:"access_level" validate:"omitempty,oneof=basic intermediate advanced admin"`
	Scope       string  `json:"scope" validate:"omitempty,oneof=own team organization global"`
	Group       string  `json:"group" validate:"max=64"`
	Requires    []int64 `json:"requires"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	perm, err := h.service.Create(r.Context(), CreateInput{
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Description: req.Description,
		Module:      req.Module,
		Action:      req.Action,
		Resource:    req.Resource,
		AccessLevel: AccessLevel(req.AccessLevel),
		Scope:       Scope(req.Scope),
		Group:       req.Group,
		Requires:    req.Requires,
	})
	if err != nil {
		h.logger.Warn("create permission", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, perm)
}

type updatePermissionRequest struct {
	Name        *string `json:"name" validate:"omitempty,min=3,max=128"`
	DisplayName *string `json:"display_name" validate:"omitempty,max=128"`
	Description *string `json:"description"`
	Resource    *string `json:"resource" validate:"omitempty,max=128"`
	AccessLevel *string `json:"access_level" validate:"omitempty,oneof=basic intermediate advanced admin"`
	Scope       *string `json:"scope" validate:"omitempty,oneof=own team organization global"`
	Group       *string `json:"group" validate:"omitempty,max=64"`
	Requires    []int64 `json:"requires"`
	IsActive    *bool   `json:"is_active"`
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.permissionID(w, r)
	if !ok {
		return
	}
	var req updatePermissionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := UpdateInput{
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Description: req.Description,
		Resource:    req.Resource,
		Group:       req.Group,
		Requires:    req.Requires,
		IsActive:    req.IsActive,
	}
	if req.AccessLevel != nil {
		level := AccessLevel(*req.AccessLevel)
		input.AccessLevel = &level
	}
	if req.Scope != nil {
		scope := Scope(*req.Scope)
		input.Scope = &scope
	}
	perm, err := h.service.Update(r.Context(), id, input)
	if err != nil {
		h.logger.Warn("update permission", slog.Int64("permission_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, perm)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.permissionID(w, r)
	if !ok {
		return
	}
	force := r.URL.Query().Get("force") == "true"
	if err := h.service.Delete(r.Context(), id, force); err != nil {
		h.logger.Warn("delete permission", slog.Int64("permission_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.permissionID(w, r)
	if !ok {
		return
	}
	perm, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, perm)
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := SearchFilter{
		Query:       q.Get("q"),
		Module:      q.Get("module"),
		Action:      q.Get("action"),
		AccessLevel: AccessLevel(q.Get("access_level")),
		Scope:       Scope(q.Get("scope")),
		Group:       q.Get("group"),
		GroupBy:     GroupBy(q.Get("group_by")),
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PerPage, _ = strconv.Atoi(q.Get("per_page"))
	if raw := q.Get("is_active"); raw != "" {
		v := raw == "true"
		filter.IsActive = &v
	}
	if raw := q.Get("is_system"); raw != "" {
		v := raw == "true"
		filter.IsSystem = &v
	}
	if raw := q.Get("in_use"); raw != "" {
		v := raw == "true"
		filter.InUse = &v
	}
	result, err := h.service.Search(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) permissionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "permissionID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "permission id must be an integer")
		return 0, false
	}
	return id, true
}
