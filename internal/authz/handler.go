package authz

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/homecare/homecare/internal/platform/httpx"
	"github.com/homecare/homecare/internal/rbac"
	"github.com/homecare/homecare/internal/rbac/scope"
	"github.com/homecare/homecare/internal/shared"
)

// Handler exposes the administration API of the authorization core.
type Handler struct {
	logger  *slog.Logger
	service *rbac.Service
	guard   *Guard
	filter  *scope.Filter
	mw      Middleware
}

// NewHandler builds a Handler.
func NewHandler(logger *slog.Logger, service *rbac.Service, guard *Guard, filter *scope.Filter) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if filter == nil {
		filter = scope.NewFilter(scope.NewRegistry(scope.DefaultKinds()...))
	}
	return &Handler{
		logger:  logger,
		service: service,
		guard:   guard,
		filter:  filter,
		mw:      Middleware{Guard: guard, Logger: logger},
	}
}

// MountRoutes registers the routes under the given router, usually at /authz.
func (h *Handler) MountRoutes(r chi.Router) {
	system := StaticContextID(0)

	r.With(h.mw.Require(shared.PermPermissionsView, rbac.ContextSystem, system)).Get("/permissions", h.listPermissions)
	r.With(h.mw.Require(shared.PermPermissionsEdit, rbac.ContextSystem, system)).Post("/permissions", h.createPermission)
	r.With(h.mw.Require(shared.PermPermissionsEdit, rbac.ContextSystem, system)).Post("/permissions/{id}/deactivate", h.deactivatePermission)

	r.With(h.mw.Require(shared.PermRolesView, rbac.ContextCompany, PrincipalCompany())).Get("/roles", h.listRoles)
	r.Group(func(r chi.Router) {
		r.Use(h.mw.Require(shared.PermRolesEdit, rbac.ContextSystem, system))
		r.Post("/roles", h.createRole)
		r.Put("/roles/{id}/permissions", h.setRolePermissions)
		r.Post("/roles/{id}/deactivate", h.deactivateRole)
	})

	// Assignment routes check against the context of the assignment itself.
	r.Post("/assignments", h.createAssignment)
	r.Delete("/assignments/{id}", h.revokeAssignment)
	r.Post("/assignments/{id}/suspend", h.suspendAssignment)
	r.Post("/assignments/{id}/reactivate", h.reactivateAssignment)
	r.With(h.mw.Require(shared.PermAssignmentsView, rbac.ContextEstablishment, PrincipalEstablishment())).Get("/users/{userID}/assignments", h.listUserAssignments)

	r.Get("/check", h.check)
}

type permissionResponse struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Module       string `json:"module"`
	Resource     string `json:"resource"`
	Action       string `json:"action"`
	ContextLevel string `json:"context_level"`
	Description  string `json:"description,omitempty"`
	IsActive     bool   `json:"is_active"`
}

type roleResponse struct {
	ID           int64    `json:"id"`
	Name         string   `json:"name"`
	Label        string   `json:"label"`
	ContextType  string   `json:"context_type"`
	Permissions  []string `json:"permissions"`
	IsSystemRole bool     `json:"is_system_role"`
	IsActive     bool     `json:"is_active"`
}

type assignmentResponse struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"user_id"`
	RoleID      int64      `json:"role_id"`
	ContextType string     `json:"context_type"`
	ContextID   *int64     `json:"context_id"`
	Status      string     `json:"status"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	AssignedBy  int64      `json:"assigned_by,omitempty"`
	AssignedAt  time.Time  `json:"assigned_at"`
}

type checkResponse struct {
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason"`
	Permission  string `json:"permission"`
	ContextType string `json:"context_type"`
	ContextID   int64  `json:"context_id,omitempty"`
}

type createPermissionRequest struct {
	Name         string `json:"name"`
	ContextLevel string `json:"context_level"`
	Description  string `json:"description"`
}

type createRoleRequest struct {
	Name         string   `json:"name"`
	Label        string   `json:"label"`
	ContextType  string   `json:"context_type"`
	Permissions  []string `json:"permissions"`
	IsSystemRole bool     `json:"is_system_role"`
}

type setRolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type createAssignmentRequest struct {
	UserID      int64      `json:"user_id"`
	RoleID      int64      `json:"role_id"`
	ContextType string     `json:"context_type"`
	ContextID   int64      `json:"context_id"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

func toPermissionResponse(p rbac.Permission) permissionResponse {
	return permissionResponse{
		ID:           p.ID,
		Name:         p.Name,
		Module:       p.Module,
		Resource:     p.Resource,
		Action:       p.Action,
		ContextLevel: string(p.ContextLevel),
		Description:  p.Description,
		IsActive:     p.IsActive,
	}
}

func toRoleResponse(r rbac.Role) roleResponse {
	return roleResponse{
		ID:           r.ID,
		Name:         r.Name,
		Label:        r.Label,
		ContextType:  string(r.ContextType),
		Permissions:  r.PermissionNames(),
		IsSystemRole: r.IsSystemRole,
		IsActive:     r.IsActive,
	}
}

func toAssignmentResponse(a rbac.Assignment) assignmentResponse {
	return assignmentResponse{
		ID:          a.ID,
		UserID:      a.UserID,
		RoleID:      a.RoleID,
		ContextType: string(a.Context.Type),
		ContextID:   a.Context.NullableID(),
		Status:      string(a.Status),
		ExpiresAt:   a.ExpiresAt,
		AssignedBy:  a.AssignedBy,
		AssignedAt:  a.AssignedAt,
	}
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]permissionResponse, 0, len(perms))
	for _, p := range perms {
		out = append(out, toPermissionResponse(p))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := rbac.PrincipalFromContext(r.Context())
	perm, err := h.service.CreatePermission(r.Context(), actor, rbac.CreatePermissionInput{
		Name:         req.Name,
		ContextLevel: req.ContextLevel,
		Description:  req.Description,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPermissionResponse(perm))
}

func (h *Handler) deactivatePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	actor, _ := rbac.PrincipalFromContext(r.Context())
	if err := h.service.DeactivatePermission(r.Context(), actor, id); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, toRoleResponse(role))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := rbac.PrincipalFromContext(r.Context())
	role, err := h.service.CreateRole(r.Context(), actor, rbac.CreateRoleInput{
		Name:         req.Name,
		Label:        req.Label,
		ContextType:  req.ContextType,
		Permissions:  req.Permissions,
		IsSystemRole: req.IsSystemRole,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRoleResponse(role))
}

func (h *Handler) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req setRolePermissionsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := rbac.PrincipalFromContext(r.Context())
	role, err := h.service.SetRolePermissions(r.Context(), actor, id, req.Permissions)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

func (h *Handler) deactivateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	actor, _ := rbac.PrincipalFromContext(r.Context())
	if err := h.service.DeactivateRole(r.Context(), actor, id); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) createAssignment(w http.ResponseWriter, r *http.Request) {
	actor, ok := rbac.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	var req createAssignmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	ct, err := rbac.ParseContextType(req.ContextType)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if d := h.guard.Check(r.Context(), actor, shared.PermAssignmentsEdit, ct, StaticContextID(req.ContextID)); !d.Allowed {
		WriteDenied(w, d)
		return
	}
	assignment, err := h.service.AssignRole(r.Context(), actor, rbac.AssignRoleInput{
		UserID:      req.UserID,
		RoleID:      req.RoleID,
		ContextType: string(ct),
		ContextID:   req.ContextID,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toAssignmentResponse(assignment))
}

func (h *Handler) revokeAssignment(w http.ResponseWriter, r *http.Request) {
	h.transitionAssignment(w, r, (*rbac.Service).RevokeAssignment)
}

func (h *Handler) suspendAssignment(w http.ResponseWriter, r *http.Request) {
	h.transitionAssignment(w, r, (*rbac.Service).SuspendAssignment)
}

func (h *Handler) reactivateAssignment(w http.ResponseWriter, r *http.Request) {
	h.transitionAssignment(w, r, (*rbac.Service).ReactivateAssignment)
}

type assignmentTransition func(s *rbac.Service, ctx context.Context, actor rbac.Principal, id int64) error

func (h *Handler) transitionAssignment(w http.ResponseWriter, r *http.Request, apply assignmentTransition) {
	actor, ok := rbac.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	assignment, err := h.service.GetAssignment(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	c := assignment.Context
	if d := h.guard.Check(r.Context(), actor, shared.PermAssignmentsEdit, c.Type, StaticContextID(c.ID)); !d.Allowed {
		WriteDenied(w, d)
		return
	}
	if err := apply(h.service, r.Context(), actor, id); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listUserAssignments(w http.ResponseWriter, r *http.Request) {
	actor, _ := rbac.PrincipalFromContext(r.Context())
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	assignments, err := h.service.ListUserAssignments(r.Context(), userID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]assignmentResponse, 0, len(assignments))
	for _, a := range assignments {
		if !h.filter.Covers(actor, a.Context) {
			continue
		}
		out = append(out, toAssignmentResponse(a))
	}
	httpx.JSON(w, http.StatusOK, out)
}

// check answers whether the caller itself holds a permission, for UIs that
// hide controls. It always responds 200 with the decision.
func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	actor, ok := rbac.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	q := r.URL.Query()
	permission := q.Get("permission")
	if permission == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "permission is required")
		return
	}
	ct, err := rbac.ParseContextType(q.Get("context_type"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var id int64
	if raw := q.Get("context_id"); raw != "" {
		if id, err = strconv.ParseInt(raw, 10, 64); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "context_id must be an integer")
			return
		}
	}
	d := h.guard.Check(r.Context(), actor, permission, ct, StaticContextID(id))
	httpx.JSON(w, http.StatusOK, checkResponse{
		Allowed:     d.Allowed,
		Reason:      string(d.Reason),
		Permission:  d.Permission,
		ContextType: string(d.Context.Type),
		ContextID:   d.Context.ID,
	})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

// respondError maps rbac errors to problem responses.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, rbac.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "")
	case errors.Is(err, rbac.ErrDuplicate):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, rbac.ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, rbac.ErrInvalidScopeAssignment),
		errors.Is(err, rbac.ErrContextMismatch),
		errors.Is(err, rbac.ErrInactive):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable Entity", err.Error())
	case errors.Is(err, rbac.ErrProtectedRole), errors.Is(err, rbac.ErrPermissionDenied):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, rbac.ErrInvalidationFailed):
		// The write committed; the client must not assume it was rolled back.
		h.logger.Error("authz write committed without invalidation", slog.String("path", r.URL.Path), slog.Any("error", err))
		w.Header().Set("Retry-After", "1")
		httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "change saved but permission caches could not be refreshed")
	default:
		h.logger.Error("authz admin request", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
