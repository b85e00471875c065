// Package authz computes effective access for a principal against a
// resource:action pair, combining the admin override, direct user
// grants, and role grants.
package authz

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/bistbash/School-Admissions-Core-sub004/internal/auth"
)

// Permission strings consumed by the HTTP layer. The resource and action
// halves match the permissions table rows.
const (
	PermManageAPIKeys  = "api_keys:manage"
	PermReadAuditLogs  = "audit_logs:read"
	PermManageAuditLog = "audit_logs:manage"
	PermManageSecurity = "security:manage"
)

const defaultAdminTTL = 5 * time.Minute

// Resolver answers hasScopedPermission questions. Admin status is cached
// per user for a short TTL since it changes rarely and is the dominant
// fast path.
type Resolver struct {
	users auth.UserStore
	perms auth.PermissionStore

	now      func() time.Time
	adminTTL time.Duration

	mu         sync.Mutex
	adminCache map[int64]adminCacheEntry
}

type adminCacheEntry struct {
	isAdmin   bool
	expiresAt time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithAdminTTL overrides the admin-status cache lifetime.
func WithAdminTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		if ttl > 0 {
			r.adminTTL = ttl
		}
	}
}

// WithClock overrides the time source for cache expiry.
func WithClock(fn func() time.Time) Option {
	return func(r *Resolver) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewResolver constructs a Resolver over the given stores.
func NewResolver(users auth.UserStore, perms auth.PermissionStore, opts ...Option) *Resolver {
	r := &Resolver{
		users:      users,
		perms:      perms,
		now:        time.Now,
		adminTTL:   defaultAdminTTL,
		adminCache: map[int64]adminCacheEntry{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HasScopedPermission reports whether the user may perform the
// "resource:action" permission. Order matters: admin override first,
// then direct user grants, then the user's role grants. A missing user
// denies; a storage fault propagates so the caller fails closed.
func (r *Resolver) HasScopedPermission(ctx context.Context, userID int64, permission string) (bool, error) {
	user, err := r.users.Find(ctx, userID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	r.cacheAdmin(userID, user.IsAdmin)
	if user.IsAdmin {
		return true, nil
	}

	userKeys, err := r.perms.ActiveUserPermissionKeys(ctx, userID)
	if err != nil {
		return false, err
	}
	if slices.Contains(userKeys, permission) {
		return true, nil
	}

	if user.RoleID == nil {
		return false, nil
	}
	roleKeys, err := r.perms.ActiveRolePermissionKeys(ctx, *user.RoleID)
	if err != nil {
		return false, err
	}
	return slices.Contains(roleKeys, permission), nil
}

// IsAdmin reports whether the user has the admin flag, using the cache
// when the entry is still fresh. Entries expire lazily on read.
func (r *Resolver) IsAdmin(ctx context.Context, userID int64) (bool, error) {
	r.mu.Lock()
	entry, ok := r.adminCache[userID]
	if ok && r.now().Before(entry.expiresAt) {
		r.mu.Unlock()
		return entry.isAdmin, nil
	}
	delete(r.adminCache, userID)
	r.mu.Unlock()

	user, err := r.users.Find(ctx, userID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	r.cacheAdmin(userID, user.IsAdmin)
	return user.IsAdmin, nil
}

// ResetCache drops every cached admin entry. Tests use this between cases.
func (r *Resolver) ResetCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adminCache = map[int64]adminCacheEntry{}
}

func (r *Resolver) cacheAdmin(userID int64, isAdmin bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adminCache[userID] = adminCacheEntry{
		isAdmin:   isAdmin,
		expiresAt: r.now().Add(r.adminTTL),
	}
}
