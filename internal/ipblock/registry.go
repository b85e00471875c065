// Package ipblock decides whether an inbound IP is blocked. Admins and
// trusted entities always bypass blocks; storage faults fail open so the
// blocklist can never take the service down with it.
package ipblock

import (
	"context"
	"errors"
	"time"

	"github.com/bistbash/School-Admissions-Core-sub004/internal/obs"
)

// ErrNotFound marks a missing block record.
var ErrNotFound = errors.New("ipblock: block not found")

// BlockedIP is a soft-deactivated block record keyed by exact address.
type BlockedIP struct {
	ID        string
	IPAddress string
	Reason    string
	IsActive  bool
	ExpiresAt *time.Time
	BlockedBy *int64
	CreatedAt time.Time
}

// Active reports whether the block currently applies.
func (b BlockedIP) Active(now time.Time) bool {
	if !b.IsActive {
		return false
	}
	return b.ExpiresAt == nil || now.Before(*b.ExpiresAt)
}

// Store persists block records.
type Store interface {
	FindByIP(ctx context.Context, ip string) (*BlockedIP, error)
	Create(ctx context.Context, block *BlockedIP) error
	Deactivate(ctx context.Context, ip string) error
}

// AdminChecker resolves whether a user id carries the admin flag.
// Satisfied by authz.Resolver.
type AdminChecker interface {
	IsAdmin(ctx context.Context, userID int64) (bool, error)
}

// TrustChecker consults the trust registry.
type TrustChecker interface {
	IsTrusted(ctx context.Context, userID *int64, ip, email string) bool
}

// Registry evaluates block checks in fixed order: admin bypass, trust
// bypass, then the block row itself.
type Registry struct {
	store  Store
	admins AdminChecker
	trust  TrustChecker
	now    func() time.Time

	// onFault runs after a detected storage fault, before the next call
	// can observe the handle. Wired to the storage provider's recreate.
	onFault func()
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithFaultHandler installs the storage recovery hook.
func WithFaultHandler(fn func()) Option {
	return func(r *Registry) { r.onFault = fn }
}

// NewRegistry constructs a Registry.
func NewRegistry(store Store, admins AdminChecker, trust TrustChecker, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		admins: admins,
		trust:  trust,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsBlocked reports whether the address is blocked for this principal.
// Every check short-circuits to "not blocked": admin first, then trust,
// then the row lookup. Storage faults log, trigger recovery, and fail
// open.
func (r *Registry) IsBlocked(ctx context.Context, ip string, userID *int64) bool {
	if ip == "" {
		return false
	}
	if userID != nil && r.admins != nil {
		isAdmin, err := r.admins.IsAdmin(ctx, *userID)
		if err != nil {
			obs.Error("ipblock", "admin lookup failed during block check", err)
			r.recover()
		} else if isAdmin {
			return false
		}
	}
	if r.trust != nil && r.trust.IsTrusted(ctx, userID, ip, "") {
		return false
	}
	block, err := r.store.FindByIP(ctx, ip)
	if err != nil {
		obs.Error("ipblock", "block lookup failed, failing open", err)
		r.recover()
		return false
	}
	if block == nil {
		return false
	}
	return block.Active(r.now())
}

// Block records a new active block for the address.
func (r *Registry) Block(ctx context.Context, block *BlockedIP) error {
	block.IsActive = true
	if block.CreatedAt.IsZero() {
		block.CreatedAt = r.now().UTC()
	}
	return r.store.Create(ctx, block)
}

// Unblock soft-deactivates the block for the address.
func (r *Registry) Unblock(ctx context.Context, ip string) error {
	return r.store.Deactivate(ctx, ip)
}

func (r *Registry) recover() {
	if r.onFault != nil {
		r.onFault()
	}
}
