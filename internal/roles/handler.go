package roles

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian-erp/internal/guard"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

// Handler wires HTTP endpoints for role management.
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

// MountRoutes registers role routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAny(guard.PermRolesView, guard.PermRolesEdit))
		r.Get("/", h.list)
		r.Get("/{roleID}", h.get)
		r.Get("/{roleID}/hierarchy", h.hierarchy)
		r.Get("/{roleID}/children", h.children)
		r.Get("/{roleID}/permissions", h.permissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAny(guard.PermRolesEdit))
		r.Post("/", h.create)
		r.Put("/{roleID}", h.update)
		r.Put("/{roleID}/permissions", h.setPermissions)
		r.Post("/{roleID}/permissions/{permissionID}", h.attachPermission)
		r.Delete("/{roleID}/permissions/{permissionID}", h.detachPermission)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAny(guard.PermRolesDelete))
		r.Delete("/{roleID}", h.delete)
	})
}

type createRoleRequest struct {
	Name         string `json:"name" validate:"required,min=2,max=64"`
	DisplayName  string `json:"display_name" validate:"max=128"`
	Description  string `json:"description"`
	ParentRoleID *int64 `json:"parent_role_id"`
	IsDefault    bool   `json:"is_default"`
	Priority     int    `json:"priority"`
	Color        string `json:"color" validate:"max=16"`
	Icon         string `json:"icon" validate:"max=64"`
	MaxUsers     *int   `json:"max_users" validate:"omitempty,min=0"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	role, err := h.service.Create(r.Context(), CreateInput{
		Name:         req.Name,
		DisplayName:  req.DisplayName,
		Description:  req.Description,
		ParentRoleID: req.ParentRoleID,
		IsDefault:    req.IsDefault,
		Priority:     req.Priority,
		Color:        req.Color,
		Icon:         req.Icon,
		MaxUsers:     req.MaxUsers,
	})
	if err != nil {
		h.logger.Warn("create role", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

type updateRoleRequest struct {
	Name          *string `json:"name" validate:"omitempty,min=2,max=64"`
	DisplayName   *string `json:"display_name" validate:"omitempty,max=128"`
	Description   *string `json:"description"`
	ParentRoleID  *int64  `json:"parent_role_id"`
	ClearParent   bool    `json:"clear_parent"`
	IsActive      *bool   `json:"is_active"`
	IsDefault     *bool   `json:"is_default"`
	Priority      *int    `json:"priority"`
	Color         *string `json:"color" validate:"omitempty,max=16"`
	Icon          *string `json:"icon" validate:"omitempty,max=64"`
	MaxUsers      *int    `json:"max_users" validate:"omitempty,min=0"`
	ClearMaxUsers bool    `json:"clear_max_users"`
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.roleID(w, r)
	if !ok {
		return
	}
	var req updateRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	role, err := h.service.Update(r.Context(), id, UpdateInput{
		Name:          req.Name,
		DisplayName:   req.DisplayName,
		Description:   req.Description,
		ParentRoleID:  req.ParentRoleID,
		ClearParent:   req.ClearParent,
		IsActive:      req.IsActive,
		IsDefault:     req.IsDefault,
		Priority:      req.Priority,
		Color:         req.Color,
		Icon:          req.Icon,
		MaxUsers:      req.MaxUsers,
		ClearMaxUsers: req.ClearMaxUsers,
	})
	if err != nil {
		h.logger.Warn("update role", slog.Int64("role_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.roleID(w, r)
	if !ok {
		return
	}
	opts := DeleteOptions{Force: r.URL.Query().Get("force") == "true"}
	if raw := r.URL.Query().Get("replacement_role_id"); raw != "" {
		repl, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "replacement_role_id must be an integer")
			return
		}
		opts.ReplacementRoleID = &repl
	}
	if err := h.service.Delete(r.Context(), id, opts); err != nil {
		h.logger.Warn("delete role", slog.Int64("role_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.List(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.roleID(w, r)
	if !ok {
		return
	}
	role, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) hierarchy(w http.ResponseWriter, r *http.Request) {
	id, ok := h.roleID(w, r)
	if !ok {
		return
	}
	chain, err := h.service.GetHierarchy(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"hierarchy": chain})
}

func (h *Handler) children(w http.ResponseWriter, r *http.Request) {
	id, ok := h.roleID(w, r)
	if !ok {
		return
	}
	children, err := h.service.Children(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"children": children})
}

func (h *Handler) permissions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.roleID(w, r)
	if !ok {
		return
	}
	perms, err := h.service.Permissions(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

type setPermissionsRequest struct {
	PermissionIDs []int64 `json:"permission_ids" validate:"required"`
}

func (h *Handler) setPermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.roleID(w, r)
	if !ok {
		return
	}
	var req setPermissionsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.service.SetPermissions(r.Context(), id, req.PermissionIDs); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) attachPermission(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.roleID(w, r)
	if !ok {
		return
	}
	permID, err := strconv.ParseInt(chi.URLParam(r, "permissionID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "permission id must be an integer")
		return
	}
	if err := h.service.AttachPermission(r.Context(), roleID, permID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) detachPermission(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.roleID(w, r)
	if !ok {
		return
	}
	permID, err := strconv.ParseInt(chi.URLParam(r, "permissionID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "permission id must be an integer")
		return
	}
	if err := h.service.DetachPermission(r.Context(), roleID, permID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) roleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "roleID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "role id must be an integer")
		return 0, false
	}
	return id, true
}
