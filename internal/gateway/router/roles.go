package router

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tenantgate/internal/domain"
	gw "tenantgate/internal/gateway"
)

type roleRequest struct {
	RoleCode string `json:"roleCode"`
}

type rolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type permissionStatusRequest struct {
	Status *int `json:"status"`
}

type userRolesView struct {
	UserID int64    `json:"userId"`
	Roles  []string `json:"roles"`
}

func (rt *Router) userRoles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := parseID(r.PathValue("userId"))
	if err != nil {
		rt.rs.Error(w, r, err, nil)
		return
	}
	store, _ := gw.StoreFromContext(ctx)
	if _, err := store.UserByID(ctx, userID); err != nil {
		rt.rs.Error(w, r, err, map[string]any{"userId": userID})
		return
	}
	codes, err := store.UserRoleCodes(ctx, userID)
	if err != nil {
		rt.rs.Error(w, r, err, nil)
		return
	}
	if codes == nil {
		codes = []string{}
	}
	rt.ok(w, http.StatusOK, userRolesView{UserID: userID, Roles: codes}, "")
}

func (rt *Router) assignRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := parseID(r.PathValue("userId"))
	if err != nil {
		rt.rs.Error(w, r, err, nil)
		return
	}
	var req roleRequest
	if err := decodeJSON(r, &req); err != nil {
		rt.rs.Error(w, r, err, nil)
		return
	}
	code := strings.TrimSpace(req.RoleCode)
	if code == "" {
		rt.rs.Error(w, r, domain.Wrap(domain.ErrBadRequest, errors.New("roleCode is required")), nil)
		return
	}

	store, _ := gw.StoreFromContext(ctx)
	if err := store.AssignRole(ctx, userID, code); err != nil {
		rt.rs.Error(w, r, err, map[string]any{"userId": userID, "roleCode": code})
		return
	}
	rt.audit(r, "role.assign", "user", strconv.FormatInt(userID, 10), code)
	rt.ok(w, http.StatusOK, roleRequest{RoleCode: code}, "role assigned")
}

func (rt *Router) removeRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := parseID(r.PathValue("userId"))
	if err != nil {
		rt.rs.Error(w, r, err, nil)
		return
	}
	code := r.PathValue("roleCode")

	store, _ := gw.StoreFromContext(ctx)
	if err := store.RemoveRole(ctx, userID, code); err != nil {
		rt.rs.Error(w, r, err, map[string]any{"userId": userID, "roleCode": code})
		return
	}
	rt.audit(r, "role.remove", "user", strconv.FormatInt(userID, 10), code)
	rt.ok(w, http.StatusOK, nil, "role removed")
}

func (rt *Router) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := r.PathValue("roleCode")
	var req rolePermissionsRequest
	if err := decodeJSON(r, &req); err != nil {
		rt.rs.Error(w, r, err, nil)
		return
	}
	if req.Permissions == nil {
		rt.rs.Error(w, r, domain.Wrap(domain.ErrBadRequest, errors.New("permissions is required")), nil)
		return
	}

	store, _ := gw.StoreFromContext(ctx)
	if err := store.SetRolePermissions(ctx, code, req.Permissions); err != nil {
		rt.rs.Error(w, r, err, map[string]any{"roleCode": code})
		return
	}
	rt.audit(r, "role.permissions", "role", code, strings.Join(req.Permissions, ","))
	rt.ok(w, http.StatusOK, req, "role permissions updated")
}

func (rt *Router) setPermissionStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := r.PathValue("code")
	var req permissionStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		rt.rs.Error(w, r, err, nil)
		return
	}
	if req.Status == nil || (*req.Status != 0 && *req.Status != 1) {
		rt.rs.Error(w, r, domain.Wrap(domain.ErrBadRequest, errors.New("status must be 0 or 1")), nil)
		return
	}

	store, _ := gw.StoreFromContext(ctx)
	if err := store.SetPermissionStatus(ctx, code, *req.Status); err != nil {
		rt.rs.Error(w, r, err, map[string]any{"permission": code})
		return
	}
	rt.audit(r, "permission.status", "permission", code, strconv.Itoa(*req.Status))
	rt.ok(w, http.StatusOK, req, "permission updated")
}

func (rt *Router) refreshPermissionCache(w http.ResponseWriter, r *http.Request) {
	rt.audit(r, "permission.cache.refresh", "tenant", "", "")
	rt.ok(w, http.StatusOK, nil, "permission cache refresh scheduled")
}

// Invalidation runs after the handler has answered with 2xx. The request
// context is bound to the tenant the mutation ran against.

func (rt *Router) invalidateSubject(r *http.Request) {
	t, _ := gw.TenantFromContext(r.Context())
	userID, err := parseID(r.PathValue("userId"))
	if err != nil {
		return
	}
	rt.deps.Invalidator.Subject(r.Context(), gw.SubjectKey{TenantCode: t.Code, UserID: userID})
}

func (rt *Router) invalidateRole(r *http.Request) {
	t, _ := gw.TenantFromContext(r.Context())
	rt.deps.Invalidator.Role(r.Context(), t.Code, r.PathValue("roleCode"))
}

func (rt *Router) invalidateTenant(r *http.Request) {
	t, _ := gw.TenantFromContext(r.Context())
	rt.deps.Invalidator.Tenant(r.Context(), t.Code)
}

func (rt *Router) audit(r *http.Request, action, resourceType, resourceID, reason string) {
	if rt.deps.Audit == nil {
		return
	}
	ctx := r.Context()
	p, _ := gw.PrincipalFromContext(ctx)
	rt.deps.Audit.Emit(domain.AuditRecord{
		Timestamp:    time.Now(),
		TenantCode:   p.TenantCode,
		RequestID:    gw.RequestIDFromContext(ctx),
		SubjectID:    p.ID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Result:       domain.AuditAllowed,
		Reason:       reason,
	})
}
