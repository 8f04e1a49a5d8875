package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fleetops/fleetguard/internal/observability"
	"github.com/fleetops/fleetguard/internal/repository"

	"golang.org/x/sync/singleflight"
)

// adminPermissions is the fixed set of manage-everything grants.
var adminPermissions = []string{"system.manage", "users.manage", "roles.manage"}

// PermissionResolver answers whether a principal holds a permission string
// in module.action form. Matching is exact: superset semantics like "manage
// implies update" must be explicit grants in the role-permission table, not
// inferred here.
type PermissionResolver struct {
	users repository.UserRepository
	cache PermissionCacheStore
	ttl   time.Duration
	group singleflight.Group
}

func NewPermissionResolver(users repository.UserRepository, cache PermissionCacheStore, ttl time.Duration) *PermissionResolver {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &PermissionResolver{users: users, cache: cache, ttl: ttl}
}

func (r *PermissionResolver) cacheKey(ctx context.Context, principalID uint, permission string) (string, error) {
	global, err := r.cache.GlobalEpoch(ctx)
	if err != nil {
		return "", err
	}
	personal, err := r.cache.PrincipalEpoch(ctx, principalID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("g%d:p%d:u%d:%s", global, personal, principalID, permission), nil
}

// HasPermission resolves one (principal, permission) pair, memoized per
// epoch. Concurrent misses for the same principal collapse into one store
// lookup.
func (r *PermissionResolver) HasPermission(ctx context.Context, principalID uint, permission string) (bool, error) {
	key, err := r.cacheKey(ctx, principalID, permission)
	if err != nil {
		return false, err
	}
	if value, found, err := r.cache.Get(ctx, key); err != nil {
		return false, err
	} else if found {
		observability.RecordRBACPermissionCacheEvent(ctx, "hit")
		return value, nil
	}
	observability.RecordRBACPermissionCacheEvent(ctx, "miss")

	granted, err := r.resolve(ctx, principalID)
	if err != nil {
		return false, err
	}
	value := granted[permission]
	if err := r.cache.Set(ctx, key, value, r.ttl); err != nil {
		return false, err
	}
	return value, nil
}

func (r *PermissionResolver) resolve(ctx context.Context, principalID uint) (map[string]bool, error) {
	result, err, _ := r.group.Do(strconv.FormatUint(uint64(principalID), 10), func() (any, error) {
		user, err := r.users.FindByID(principalID)
		if err != nil {
			if errors.Is(err, repository.ErrUserNotFound) {
				return map[string]bool{}, nil
			}
			return nil, err
		}
		granted := make(map[string]bool)
		for _, name := range user.PermissionNames() {
			granted[name] = true
		}
		return granted, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(map[string]bool), nil
}

func (r *PermissionResolver) HasAnyPermission(ctx context.Context, principalID uint, permissions ...string) (bool, error) {
	for _, permission := range permissions {
		ok, err := r.HasPermission(ctx, principalID, permission)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (r *PermissionResolver) HasAllPermissions(ctx context.Context, principalID uint, permissions ...string) (bool, error) {
	for _, permission := range permissions {
		ok, err := r.HasPermission(ctx, principalID, permission)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// CanAccessModule is the minimum visibility bar for a module, independent of
// specific CRUD rights.
func (r *PermissionResolver) CanAccessModule(ctx context.Context, principalID uint, module string) (bool, error) {
	return r.HasAnyPermission(ctx, principalID,
		module+".access", module+".read", module+".manage")
}

func (r *PermissionResolver) IsAdmin(ctx context.Context, principalID uint) (bool, error) {
	return r.HasAnyPermission(ctx, principalID, adminPermissions...)
}

// Invalidate drops one principal's cached decisions after a per-user grant
// change.
func (r *PermissionResolver) Invalidate(ctx context.Context, principalID uint) error {
	if err := r.cache.BumpPrincipalEpoch(ctx, principalID); err != nil {
		return err
	}
	observability.RecordRBACPermissionCacheEvent(ctx, "invalidate_principal")
	return nil
}

// InvalidateAll drops every cached decision after a role-level mutation,
// which can affect many principals at once.
func (r *PermissionResolver) InvalidateAll(ctx context.Context) error {
	if err := r.cache.BumpGlobalEpoch(ctx); err != nil {
		return err
	}
	observability.RecordRBACPermissionCacheEvent(ctx, "invalidate_all")
	return nil
}
