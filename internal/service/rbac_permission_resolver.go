package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bda-association/bda-portal/internal/observability"
	"github.com/bda-association/bda-portal/internal/repository"

	"golang.org/x/sync/singleflight"
)

// PermissionResolver returns the permission keys granted to a portal role.
type PermissionResolver interface {
	ResolvePermissions(ctx context.Context, role string) ([]string, error)
	Invalidate()
}

type cachedPermissions struct {
	perms     []string
	expiresAt time.Time
}

// CachedPermissionResolver keeps role permissions in memory for ttl and
// coalesces concurrent loads of the same role.
type CachedPermissionResolver struct {
	roleRepo repository.RoleRepository
	rbac     *RBACService
	ttl      time.Duration
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedPermissions
	sf    singleflight.Group
}

func NewCachedPermissionResolver(roleRepo repository.RoleRepository, rbac *RBACService, ttl time.Duration) *CachedPermissionResolver {
	return &CachedPermissionResolver{
		roleRepo: roleRepo,
		rbac:     rbac,
		ttl:      ttl,
		now:      time.Now,
		cache:    map[string]cachedPermissions{},
	}
}

func (r *CachedPermissionResolver) ResolvePermissions(ctx context.Context, role string) ([]string, error) {
	if perms, ok := r.lookup(role); ok {
		observability.RecordRBACPermissionCacheEvent(ctx, "hit")
		return perms, nil
	}
	observability.RecordRBACPermissionCacheEvent(ctx, "miss")

	result, err, shared := r.sf.Do("rbacperm:role:"+role, func() (any, error) {
		if perms, ok := r.lookup(role); ok {
			return perms, nil
		}
		rec, err := r.roleRepo.FindByName(ctx, role)
		if err != nil {
			return nil, fmt.Errorf("load role %q: %w", role, err)
		}
		perms := r.rbac.PermissionsFromRole(rec)
		if r.ttl > 0 {
			r.mu.Lock()
			r.cache[role] = cachedPermissions{perms: perms, expiresAt: r.now().Add(r.ttl)}
			r.mu.Unlock()
		}
		return perms, nil
	})
	if shared {
		observability.RecordRBACPermissionCacheEvent(ctx, "singleflight_shared")
	}
	if err != nil {
		return nil, err
	}
	perms, ok := result.([]string)
	if !ok {
		return nil, fmt.Errorf("invalid permission result type")
	}
	return perms, nil
}

func (r *CachedPermissionResolver) Invalidate() {
	r.mu.Lock()
	r.cache = map[string]cachedPermissions{}
	r.mu.Unlock()
}

func (r *CachedPermissionResolver) lookup(role string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[role]
	if !ok || !r.now().Before(entry.expiresAt) {
		return nil, false
	}
	return entry.perms, true
}
