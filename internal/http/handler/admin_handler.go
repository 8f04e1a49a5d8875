package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fleetops/fleetguard/internal/domain"
	"github.com/fleetops/fleetguard/internal/http/response"
	"github.com/fleetops/fleetguard/internal/observability"
	"github.com/fleetops/fleetguard/internal/repository"
	"github.com/fleetops/fleetguard/internal/service"
)

// AdminHandler mutates roles and permissions. Every mutation invalidates
// the permission cache: globally for role-level changes, per principal for
// user grant changes.
type AdminHandler struct {
	roles       repository.RoleRepository
	permissions repository.PermissionRepository
	users       repository.UserRepository
	resolver    *service.PermissionResolver
}

func NewAdminHandler(
	roles repository.RoleRepository,
	permissions repository.PermissionRepository,
	users repository.UserRepository,
	resolver *service.PermissionResolver,
) *AdminHandler {
	return &AdminHandler{roles: roles, permissions: permissions, users: users, resolver: resolver}
}

func (h *AdminHandler) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.roles.List()
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "could not list roles", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, roles)
}

type createRoleRequest struct {
	Name             string `json:"name"`
	RequireTwoFactor bool   `json:"require_two_factor"`
	PermissionIDs    []uint `json:"permission_ids"`
}

func (h *AdminHandler) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		response.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
		return
	}
	role := &domain.Role{Name: req.Name, RequireTwoFactor: req.RequireTwoFactor}
	if err := h.roles.Create(role, req.PermissionIDs); err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "could not create role", nil)
		return
	}
	if err := h.resolver.InvalidateAll(r.Context()); err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "cache invalidation failed", nil)
		return
	}
	observability.Audit(r, "role_created")
	response.JSON(w, r, http.StatusCreated, role)
}

type setRolePermissionsRequest struct {
	PermissionIDs []uint `json:"permission_ids"`
}

func (h *AdminHandler) SetRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		response.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", "invalid role id", nil)
		return
	}
	var req setRolePermissionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", "invalid body", nil)
		return
	}
	err = h.roles.SetPermissions(uint(roleID), req.PermissionIDs)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrRoleNotFound):
		response.Error(w, r, http.StatusNotFound, "NOT_FOUND", "role not found", nil)
		return
	default:
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "could not update role", nil)
		return
	}
	// Role changes affect many principals at once, so the whole cache goes.
	if err := h.resolver.InvalidateAll(r.Context()); err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "cache invalidation failed", nil)
		return
	}
	observability.Audit(r, "role_permissions_updated")
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *AdminHandler) ListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.permissions.List()
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "could not list permissions", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, perms)
}

type createPermissionRequest struct {
	Module string `json:"module"`
	Action string `json:"action"`
}

func (h *AdminHandler) CreatePermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Module == "" || req.Action == "" {
		response.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", "module and action are required", nil)
		return
	}
	perm := &domain.Permission{Module: req.Module, Action: req.Action}
	if err := h.permissions.Create(perm); err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "could not create permission", nil)
		return
	}
	observability.Audit(r, "permission_created")
	response.JSON(w, r, http.StatusCreated, perm)
}

func (h *AdminHandler) DeletePermission(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		response.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", "invalid permission id", nil)
		return
	}
	err = h.permissions.DeleteByID(uint(id))
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrPermissionNotFound):
		response.Error(w, r, http.StatusNotFound, "NOT_FOUND", "permission not found", nil)
		return
	default:
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "could not delete permission", nil)
		return
	}
	if err := h.resolver.InvalidateAll(r.Context()); err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "cache invalidation failed", nil)
		return
	}
	observability.Audit(r, "permission_deleted")
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

type setUserRolesRequest struct {
	RoleIDs []uint `json:"role_ids"`
}

func (h *AdminHandler) SetUserRoles(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		response.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", "invalid user id", nil)
		return
	}
	var req setUserRolesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", "invalid body", nil)
		return
	}
	user, err := h.users.FindByID(uint(userID))
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrUserNotFound):
		response.Error(w, r, http.StatusNotFound, "NOT_FOUND", "user not found", nil)
		return
	default:
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "could not load user", nil)
		return
	}
	roles := make([]domain.Role, 0, len(req.RoleIDs))
	for _, roleID := range req.RoleIDs {
		role, err := h.roles.FindByID(roleID)
		if err != nil {
			if errors.Is(err, repository.ErrRoleNotFound) {
				response.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", "unknown role id", map[string]uint{"role_id": roleID})
				return
			}
			response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "could not load role", nil)
			return
		}
		roles = append(roles, *role)
	}
	user.Roles = roles
	if err := h.users.Update(user); err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "could not update user", nil)
		return
	}
	// A single principal's grants changed; targeted invalidation suffices.
	if err := h.resolver.Invalidate(r.Context(), user.ID); err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "cache invalidation failed", nil)
		return
	}
	observability.Audit(r, "user_roles_updated")
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}
