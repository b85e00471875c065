package pg

import (
	"context"
	"database/sql"
	"errors"

	"github.com/bistbash/School-Admissions-Core-sub004/internal/ids"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/ipblock"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/trust"
)

var (
	_ trust.Store   = (*TrustStore)(nil)
	_ ipblock.Store = (*BlockedIPStore)(nil)
)

// TrustStore persists trust allow-list entries.
type TrustStore struct{ p *Provider }

func NewTrustStore(p *Provider) *TrustStore { return &TrustStore{p: p} }

const trustColumns = `id, user_id, ip_address, email, reason, is_active, expires_at, created_by, created_at`

// FindCandidates fetches rows matching any supplied identifier. The
// registry applies the active/expiry semantics on top.
func (s *TrustStore) FindCandidates(ctx context.Context, userID *int64, ip, email string) ([]trust.Entry, error) {
	rows, err := s.p.Current().QueryContext(ctx, `
		select `+trustColumns+` from trusted_entries
		where ($1::bigint is not null and user_id=$1)
		   or ($2 <> '' and ip_address=$2)
		   or ($3 <> '' and lower(email)=lower($3))`,
		userID, ip, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []trust.Entry
	for rows.Next() {
		var (
			e         trust.Entry
			uid       sql.NullInt64
			ipAddr    sql.NullString
			emailCol  sql.NullString
			reason    sql.NullString
			expiresAt sql.NullTime
			createdBy sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &uid, &ipAddr, &emailCol, &reason, &e.IsActive, &expiresAt, &createdBy, &e.CreatedAt); err != nil {
			return nil, err
		}
		if uid.Valid {
			e.UserID = &uid.Int64
		}
		e.IPAddress = ipAddr.String
		e.Email = emailCol.String
		e.Reason = reason.String
		if expiresAt.Valid {
			t := expiresAt.Time
			e.ExpiresAt = &t
		}
		if createdBy.Valid {
			e.CreatedBy = &createdBy.Int64
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *TrustStore) Create(ctx context.Context, entry *trust.Entry) error {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	_, err := s.p.Current().ExecContext(ctx, `
		insert into trusted_entries(`+trustColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		entry.ID, entry.UserID, nullString(entry.IPAddress), nullString(entry.Email),
		nullString(entry.Reason), entry.IsActive, entry.ExpiresAt, entry.CreatedBy, entry.CreatedAt)
	return err
}

func (s *TrustStore) Deactivate(ctx context.Context, id string) error {
	res, err := s.p.Current().ExecContext(ctx,
		`update trusted_entries set is_active=false where id=$1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return trust.ErrNotFound
	}
	return nil
}

// BlockedIPStore persists block records keyed by exact address.
type BlockedIPStore struct{ p *Provider }

func NewBlockedIPStore(p *Provider) *BlockedIPStore { return &BlockedIPStore{p: p} }

func (s *BlockedIPStore) FindByIP(ctx context.Context, ip string) (*ipblock.BlockedIP, error) {
	row := s.p.Current().QueryRowContext(ctx, `
		select id, ip_address, reason, is_active, expires_at, blocked_by, created_at
		from blocked_ips where ip_address=$1`, ip)
	var (
		b         ipblock.BlockedIP
		reason    sql.NullString
		expiresAt sql.NullTime
		blockedBy sql.NullInt64
	)
	err := row.Scan(&b.ID, &b.IPAddress, &reason, &b.IsActive, &expiresAt, &blockedBy, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.Reason = reason.String
	if expiresAt.Valid {
		t := expiresAt.Time
		b.ExpiresAt = &t
	}
	if blockedBy.Valid {
		b.BlockedBy = &blockedBy.Int64
	}
	return &b, nil
}

func (s *BlockedIPStore) Create(ctx context.Context, block *ipblock.BlockedIP) error {
	if block.ID == "" {
		block.ID = ids.New()
	}
	// Re-blocking an address reactivates the existing row.
	_, err := s.p.Current().ExecContext(ctx, `
		insert into blocked_ips(id, ip_address, reason, is_active, expires_at, blocked_by, created_at)
		values ($1,$2,$3,$4,$5,$6,$7)
		on conflict (ip_address)
		do update set reason=excluded.reason, is_active=true, expires_at=excluded.expires_at, blocked_by=excluded.blocked_by`,
		block.ID, block.IPAddress, nullString(block.Reason), block.IsActive,
		block.ExpiresAt, block.BlockedBy, block.CreatedAt)
	return err
}

func (s *BlockedIPStore) Deactivate(ctx context.Context, ip string) error {
	res, err := s.p.Current().ExecContext(ctx,
		`update blocked_ips set is_active=false where ip_address=$1`, ip)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ipblock.ErrNotFound
	}
	return nil
}
