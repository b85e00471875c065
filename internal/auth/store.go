package auth

import (
	"context"
	"time"
)

// UserStore reads staff accounts for authentication and permission checks.
type UserStore interface {
	Find(ctx context.Context, id int64) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
}

// APIKeyStore manages key rows. Revocation is a hard delete; there is no
// reactivation path for a revoked key.
type APIKeyStore interface {
	Create(ctx context.Context, key *APIKey) error
	FindByHash(ctx context.Context, hash string) (*APIKey, error)
	List(ctx context.Context) ([]*APIKey, error)
	Delete(ctx context.Context, id int64) error
	TouchLastUsed(ctx context.Context, id int64, at time.Time) error
}

// PermissionStore resolves active grants. Keys are canonical
// "resource:action" strings; inactive rows are filtered at the store.
type PermissionStore interface {
	ActiveUserPermissionKeys(ctx context.Context, userID int64) ([]string, error)
	ActiveRolePermissionKeys(ctx context.Context, roleID int64) ([]string, error)
	GrantRolePermission(ctx context.Context, roleID, permissionID int64, grantedBy *int64) error
	RevokeRolePermission(ctx context.Context, roleID, permissionID int64) error
	GrantUserPermission(ctx context.Context, userID, permissionID int64, grantedBy *int64) error
	RevokeUserPermission(ctx context.Context, userID, permissionID int64) error
}
