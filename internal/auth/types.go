package auth

import "time"

// Method identifies how a request was authenticated. The string values
// are part of the audit record contract.
type Method string

const (
	MethodJWT             Method = "JWT"
	MethodAPIKey          Method = "API_KEY"
	MethodUnauthenticated Method = "UNAUTHENTICATED"
)

// User is a staff account able to hold a role and direct permission grants.
type User struct {
	ID             int64
	PersonalNumber string
	Email          string
	PasswordHash   string
	IsAdmin        bool
	RoleID         *int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Role groups permissions.
type Role struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   time.Time
}

// Permission is a resource:action capability.
type Permission struct {
	ID          int64
	Resource    string
	Action      string
	Description string
	IsActive    bool
	CreatedAt   time.Time
}

// Key renders the canonical "resource:action" permission string.
func (p Permission) Key() string { return p.Resource + ":" + p.Action }

// RolePermission links a role to a permission. Rows are never hard
// deleted; revocation flips IsActive so the grant history survives.
type RolePermission struct {
	ID           int64
	RoleID       int64
	PermissionID int64
	IsActive     bool
	GrantedBy    *int64
	GrantedAt    time.Time
	RevokedAt    *time.Time
}

// UserPermission is a direct per-user grant with the same soft-revoke
// semantics as RolePermission.
type UserPermission struct {
	ID           int64
	UserID       int64
	PermissionID int64
	IsActive     bool
	GrantedBy    *int64
	GrantedAt    time.Time
	RevokedAt    *time.Time
}

// APIKey is a service credential. Only the SHA-256 hash of the key is
// persisted; the plaintext exists exactly once, at creation.
type APIKey struct {
	ID          int64
	Name        string
	KeyHash     string
	Prefix      string
	UserID      *int64
	Permissions []string
	IsActive    bool
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time
	CreatedAt   time.Time
}

// Expired reports whether the key's expiry has passed relative to now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// Principal is the authenticated identity attached to a request.
type Principal struct {
	Method Method
	User   *User
	APIKey *APIKey
}

// Authenticated reports whether any credential was verified.
func (p Principal) Authenticated() bool {
	return p.Method == MethodJWT || p.Method == MethodAPIKey
}

// UserID resolves the principal to the effective user id used for
// permission lookups. An API key without an owning user resolves to none.
func (p Principal) UserID() (int64, bool) {
	switch p.Method {
	case MethodJWT:
		if p.User != nil {
			return p.User.ID, true
		}
	case MethodAPIKey:
		if p.APIKey != nil && p.APIKey.UserID != nil {
			return *p.APIKey.UserID, true
		}
	}
	return 0, false
}

// Email returns the identity's email when one is known.
func (p Principal) Email() string {
	if p.User != nil {
		return p.User.Email
	}
	return ""
}
