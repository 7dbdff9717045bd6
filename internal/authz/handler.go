package authz

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atlas-bms/atlas/internal/platform/httpx"
	"github.com/atlas-bms/atlas/internal/shared"
)

// Handler exposes the administrative JSON API for groups, memberships and
// direct grants, plus the self-service permission listing.
type Handler struct {
	logger    *slog.Logger
	admin     *Admin
	service   *Service
	gate      Gate
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, admin *Admin, service *Service, gate Gate) *Handler {
	return &Handler{
		logger:    logger,
		admin:     admin,
		service:   service,
		gate:      gate,
		validator: validator.New(),
	}
}

// MountAdminRoutes registers the administrative routes, each guarded by
// the gate itself.
func (h *Handler) MountAdminRoutes(r chi.Router) {
	r.Route("/groups", func(r chi.Router) {
		r.With(h.gate.RequireAny(shared.PermGroupsView, shared.PermGroupsManage)).Get("/", h.listGroups)
		r.Group(func(r chi.Router) {
			r.Use(h.gate.Require(shared.PermGroupsManage))
			r.Post("/", h.createGroup)
			r.Route("/{groupID}", func(r chi.Router) {
				r.Get("/", h.getGroup)
				r.Put("/", h.updateGroup)
				r.Delete("/", h.deleteGroup)
				r.Put("/permissions", h.setGroupPermission)
				r.Delete("/permissions/{code}", h.removeGroupPermission)
				r.Post("/members", h.assignMember)
				r.Delete("/members/{userID}", h.removeMember)
			})
		})
	})
	r.Route("/grants", func(r chi.Router) {
		r.Use(h.gate.Require(shared.PermGrantsManage))
		r.Post("/", h.grantDirect)
		r.Delete("/", h.revokeDirect)
	})
	r.With(h.gate.Require(shared.PermPermissionsView)).Get("/permissions", h.listCatalog)
}

// MountSelfRoutes registers routes available to any authenticated user.
func (h *Handler) MountSelfRoutes(r chi.Router) {
	r.Get("/me/permissions", h.myPermissions)
}

type groupResponse struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description,omitempty"`
	Color       string `json:"color,omitempty"`
	Priority    int    `json:"priority"`
	IsSystem    bool   `json:"is_system"`
	IsActive    bool   `json:"is_active"`
	ParentID    *int64 `json:"parent_id,omitempty"`
	TenantID    *int64 `json:"tenant_id,omitempty"`
}

type groupPermissionResponse struct {
	Code       string            `json:"code"`
	Effect     string            `json:"effect"`
	Conditions map[string]string `json:"conditions,omitempty"`
}

type createGroupRequest struct {
	Name        string `json:"name" validate:"required"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
	Color       string `json:"color"`
	Priority    int    `json:"priority"`
	ParentID    *int64 `json:"parent_id"`
	TenantID    *int64 `json:"tenant_id"`
}

type updateGroupRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
	Color       string `json:"color"`
	Priority    int    `json:"priority"`
	IsActive    bool   `json:"is_active"`
	ParentID    *int64 `json:"parent_id"`
}

type setPermissionRequest struct {
	Code       string            `json:"code" validate:"required"`
	Effect     string            `json:"effect" validate:"required,oneof=ALLOW DENY"`
	Conditions map[string]string `json:"conditions"`
}

type assignMemberRequest struct {
	UserID    int64      `json:"user_id" validate:"required"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type directGrantRequest struct {
	UserID    int64      `json:"user_id" validate:"required"`
	Code      string     `json:"code" validate:"required"`
	Effect    string     `json:"effect" validate:"required,oneof=ALLOW DENY"`
	TenantID  *int64     `json:"tenant_id"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type revokeDirectRequest struct {
	UserID   int64  `json:"user_id" validate:"required"`
	Code     string `json:"code" validate:"required"`
	TenantID *int64 `json:"tenant_id"`
}

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	principal, _ := shared.PrincipalFromContext(r.Context())
	groups, err := h.admin.ListGroups(r.Context(), principal.TenantID)
	if err != nil {
		h.fail(w, r, "list groups", err)
		return
	}
	out := make([]groupResponse, 0, len(groups))
	for _, g := range groups {
		out = append(out, toGroupResponse(g))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"groups": out})
}

func (h *Handler) createGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if !h.decode(w, r, &req) {
		return
	}
	principal, _ := shared.PrincipalFromContext(r.Context())
	group := Group{
		Name:        req.Name,
		Slug:        req.Slug,
		Description: req.Description,
		Color:       req.Color,
		Priority:    req.Priority,
		IsActive:    true,
		ParentID:    req.ParentID,
		TenantID:    req.TenantID,
	}
	created, err := h.admin.CreateGroup(r.Context(), principal, group)
	if err != nil {
		h.fail(w, r, "create group", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toGroupResponse(created))
}

func (h *Handler) getGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "groupID")
	if !ok {
		return
	}
	group, perms, err := h.admin.GetGroup(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get group", err)
		return
	}
	permOut := make([]groupPermissionResponse, 0, len(perms))
	for _, gp := range perms {
		permOut = append(permOut, groupPermissionResponse{Code: gp.Code, Effect: string(gp.Effect), Conditions: gp.Conditions})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"group": toGroupResponse(group), "permissions": permOut})
}

func (h *Handler) updateGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "groupID")
	if !ok {
		return
	}
	var req updateGroupRequest
	if !h.decode(w, r, &req) {
		return
	}
	principal, _ := shared.PrincipalFromContext(r.Context())
	group := Group{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Color:       req.Color,
		Priority:    req.Priority,
		IsActive:    req.IsActive,
		ParentID:    req.ParentID,
	}
	updated, err := h.admin.UpdateGroup(r.Context(), principal, group)
	if err != nil {
		h.fail(w, r, "update group", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toGroupResponse(updated))
}

func (h *Handler) deleteGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "groupID")
	if !ok {
		return
	}
	principal, _ := shared.PrincipalFromContext(r.Context())
	if err := h.admin.DeleteGroup(r.Context(), principal, id); err != nil {
		h.fail(w, r, "delete group", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setGroupPermission(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "groupID")
	if !ok {
		return
	}
	var req setPermissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	principal, _ := shared.PrincipalFromContext(r.Context())
	codes, err := h.admin.SetGroupPermission(r.Context(), principal, id, req.Code, Effect(req.Effect), req.Conditions)
	if err != nil {
		h.fail(w, r, "set group permission", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"codes": codes})
}

func (h *Handler) removeGroupPermission(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "groupID")
	if !ok {
		return
	}
	code := chi.URLParam(r, "code")
	principal, _ := shared.PrincipalFromContext(r.Context())
	if err := h.admin.RemoveGroupPermission(r.Context(), principal, id, code); err != nil {
		h.fail(w, r, "remove group permission", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) assignMember(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "groupID")
	if !ok {
		return
	}
	var req assignMemberRequest
	if !h.decode(w, r, &req) {
		return
	}
	principal, _ := shared.PrincipalFromContext(r.Context())
	if err := h.admin.AssignGroup(r.Context(), principal, req.UserID, id, req.ExpiresAt); err != nil {
		h.fail(w, r, "assign member", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeMember(w http.ResponseWriter, r *http.Request) {
	groupID, ok := h.pathID(w, r, "groupID")
	if !ok {
		return
	}
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	principal, _ := shared.PrincipalFromContext(r.Context())
	if err := h.admin.RemoveGroupMember(r.Context(), principal, userID, groupID); err != nil {
		h.fail(w, r, "remove member", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) grantDirect(w http.ResponseWriter, r *http.Request) {
	var req directGrantRequest
	if !h.decode(w, r, &req) {
		return
	}
	principal, _ := shared.PrincipalFromContext(r.Context())
	dp := DirectPermission{
		UserID:    req.UserID,
		Code:      req.Code,
		Effect:    Effect(req.Effect),
		TenantID:  req.TenantID,
		ExpiresAt: req.ExpiresAt,
	}
	codes, err := h.admin.GrantDirect(r.Context(), principal, dp)
	if err != nil {
		h.fail(w, r, "grant direct", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"codes": codes})
}

func (h *Handler) revokeDirect(w http.ResponseWriter, r *http.Request) {
	var req revokeDirectRequest
	if !h.decode(w, r, &req) {
		return
	}
	principal, _ := shared.PrincipalFromContext(r.Context())
	if err := h.admin.RevokeDirect(r.Context(), principal, req.UserID, req.Code, req.TenantID); err != nil {
		h.fail(w, r, "revoke direct", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listCatalog(w http.ResponseWriter, r *http.Request) {
	perms, err := h.admin.catalog.List(r.Context())
	if err != nil {
		h.fail(w, r, "list catalog", err)
		return
	}
	type permResponse struct {
		Code        string `json:"code"`
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Module      string `json:"module"`
		IsSystem    bool   `json:"is_system"`
	}
	out := make([]permResponse, 0, len(perms))
	for _, p := range perms {
		out = append(out, permResponse{Code: p.Code, Name: p.Name, Description: p.Description, Module: p.Module, IsSystem: p.IsSystem})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": out})
}

func (h *Handler) myPermissions(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	codes, err := h.service.ResolvedPermissions(r.Context(), principal)
	if err != nil {
		h.fail(w, r, "my permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": codes})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body must be valid JSON")
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Path", name+" must be an integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, ErrUnknownPermission) || errors.Is(err, ErrMalformedCode) {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Permission Code", err.Error())
		return
	}
	if errors.Is(err, ErrInvalidParent) {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Parent Group", err.Error())
		return
	}
	if h.logger != nil {
		h.logger.Error("authz handler "+op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func toGroupResponse(g Group) groupResponse {
	return groupResponse{
		ID:          g.ID,
		Name:        g.Name,
		Slug:        g.Slug,
		Description: g.Description,
		Color:       g.Color,
		Priority:    g.Priority,
		IsSystem:    g.IsSystem,
		IsActive:    g.IsActive,
		ParentID:    g.ParentID,
		TenantID:    g.TenantID,
	}
}
