package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/bistbash/School-Admissions-Core-sub004/internal/auth"
)

var (
	_ auth.UserStore       = (*UserStore)(nil)
	_ auth.APIKeyStore     = (*APIKeyStore)(nil)
	_ auth.PermissionStore = (*PermissionStore)(nil)
)

// UserStore reads staff accounts.
type UserStore struct{ p *Provider }

func NewUserStore(p *Provider) *UserStore { return &UserStore{p: p} }

const userColumns = `id, personal_number, email, password_hash, is_admin, role_id, created_at, updated_at`

func scanUser(row *sql.Row) (*auth.User, error) {
	var u auth.User
	var roleID sql.NullInt64
	err := row.Scan(&u.ID, &u.PersonalNumber, &u.Email, &u.PasswordHash, &u.IsAdmin, &roleID, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if roleID.Valid {
		u.RoleID = &roleID.Int64
	}
	return &u, nil
}

func (s *UserStore) Find(ctx context.Context, id int64) (*auth.User, error) {
	row := s.p.Current().QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1`, id)
	return scanUser(row)
}

func (s *UserStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	row := s.p.Current().QueryRowContext(ctx,
		`select `+userColumns+` from users where lower(email)=lower($1)`, email)
	return scanUser(row)
}

// APIKeyStore manages key rows. Revocation deletes the row outright.
type APIKeyStore struct{ p *Provider }

func NewAPIKeyStore(p *Provider) *APIKeyStore { return &APIKeyStore{p: p} }

func (s *APIKeyStore) Create(ctx context.Context, key *auth.APIKey) error {
	perms, _ := json.Marshal(key.Permissions)
	return s.p.Current().QueryRowContext(ctx, `
		insert into api_keys(name, key_hash, prefix, user_id, permissions, is_active, expires_at, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8) returning id`,
		key.Name, key.KeyHash, key.Prefix, key.UserID, perms, key.IsActive, key.ExpiresAt, key.CreatedAt,
	).Scan(&key.ID)
}

const apiKeyColumns = `id, name, key_hash, prefix, user_id, permissions, is_active, expires_at, last_used_at, created_at`

func scanAPIKey(scan func(dest ...any) error) (*auth.APIKey, error) {
	var (
		k          auth.APIKey
		userID     sql.NullInt64
		perms      []byte
		expiresAt  sql.NullTime
		lastUsedAt sql.NullTime
	)
	err := scan(&k.ID, &k.Name, &k.KeyHash, &k.Prefix, &userID, &perms, &k.IsActive, &expiresAt, &lastUsedAt, &k.CreatedAt)
	if err != nil {
		return nil, err
	}
	if userID.Valid {
		k.UserID = &userID.Int64
	}
	if len(perms) > 0 {
		_ = json.Unmarshal(perms, &k.Permissions)
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		k.ExpiresAt = &t
	}
	if lastUsedAt.Valid {
		t := lastUsedAt.Time
		k.LastUsedAt = &t
	}
	return &k, nil
}

func (s *APIKeyStore) FindByHash(ctx context.Context, hash string) (*auth.APIKey, error) {
	row := s.p.Current().QueryRowContext(ctx,
		`select `+apiKeyColumns+` from api_keys where key_hash=$1`, hash)
	key, err := scanAPIKey(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	return key, err
}

func (s *APIKeyStore) List(ctx context.Context) ([]*auth.APIKey, error) {
	rows, err := s.p.Current().QueryContext(ctx,
		`select `+apiKeyColumns+` from api_keys order by created_at desc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*auth.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows.Scan)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *APIKeyStore) Delete(ctx context.Context, id int64) error {
	res, err := s.p.Current().ExecContext(ctx, `delete from api_keys where id=$1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *APIKeyStore) TouchLastUsed(ctx context.Context, id int64, at time.Time) error {
	_, err := s.p.Current().ExecContext(ctx,
		`update api_keys set last_used_at=$2 where id=$1`, id, at)
	return err
}

// PermissionStore resolves active grants and records grant/revoke
// history. Revocation flips is_active and stamps revoked_at; rows stay.
type PermissionStore struct{ p *Provider }

func NewPermissionStore(p *Provider) *PermissionStore { return &PermissionStore{p: p} }

func (s *PermissionStore) ActiveUserPermissionKeys(ctx context.Context, userID int64) ([]string, error) {
	return s.keys(ctx, `
		select p.resource || ':' || p.action
		from user_permissions up
		join permissions p on p.id = up.permission_id
		where up.user_id=$1 and up.is_active and p.is_active`, userID)
}

func (s *PermissionStore) ActiveRolePermissionKeys(ctx context.Context, roleID int64) ([]string, error) {
	return s.keys(ctx, `
		select p.resource || ':' || p.action
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id=$1 and rp.is_active and p.is_active`, roleID)
}

func (s *PermissionStore) keys(ctx context.Context, query string, id int64) ([]string, error) {
	rows, err := s.p.Current().QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *PermissionStore) GrantRolePermission(ctx context.Context, roleID, permissionID int64, grantedBy *int64) error {
	_, err := s.p.Current().ExecContext(ctx, `
		insert into role_permissions(role_id, permission_id, is_active, granted_by, granted_at)
		values ($1,$2,true,$3,now())
		on conflict (role_id, permission_id)
		do update set is_active=true, granted_by=excluded.granted_by, granted_at=now(), revoked_at=null`,
		roleID, permissionID, grantedBy)
	return err
}

func (s *PermissionStore) RevokeRolePermission(ctx context.Context, roleID, permissionID int64) error {
	_, err := s.p.Current().ExecContext(ctx, `
		update role_permissions set is_active=false, revoked_at=now()
		where role_id=$1 and permission_id=$2`, roleID, permissionID)
	return err
}

func (s *PermissionStore) GrantUserPermission(ctx context.Context, userID, permissionID int64, grantedBy *int64) error {
	_, err := s.p.Current().ExecContext(ctx, `
		insert into user_permissions(user_id, permission_id, is_active, granted_by, granted_at)
		values ($1,$2,true,$3,now())
		on conflict (user_id, permission_id)
		do update set is_active=true, granted_by=excluded.granted_by, granted_at=now(), revoked_at=null`,
		userID, permissionID, grantedBy)
	return err
}

func (s *PermissionStore) RevokeUserPermission(ctx context.Context, userID, permissionID int64) error {
	_, err := s.p.Current().ExecContext(ctx, `
		update user_permissions set is_active=false, revoked_at=now()
		where user_id=$1 and permission_id=$2`, userID, permissionID)
	return err
}
