// Package trust maintains the time-bounded allow-list of users, IPs,
// and emails exempt from blocking and granted elevated rate limits.
package trust

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bistbash/School-Admissions-Core-sub004/internal/obs"
)

const defaultCacheTTL = 5 * time.Minute

var (
	// ErrNoIdentifier rejects entries that match nothing.
	ErrNoIdentifier = errors.New("trust: entry needs at least one identifier")
	// ErrNotFound marks a missing entry.
	ErrNotFound = errors.New("trust: entry not found")
)

// Entry matches by user id OR ip address OR email. A match additionally
// requires IsActive and a non-expired ExpiresAt.
type Entry struct {
	ID        string
	UserID    *int64
	IPAddress string
	Email     string
	Reason    string
	IsActive  bool
	ExpiresAt *time.Time
	CreatedBy *int64
	CreatedAt time.Time
}

// Matches reports whether the entry currently applies to any of the
// supplied identifiers.
func (e Entry) Matches(userID *int64, ip, email string, now time.Time) bool {
	if !e.IsActive {
		return false
	}
	if e.ExpiresAt != nil && now.After(*e.ExpiresAt) {
		return false
	}
	if e.UserID != nil && userID != nil && *e.UserID == *userID {
		return true
	}
	if e.IPAddress != "" && ip != "" && e.IPAddress == ip {
		return true
	}
	if e.Email != "" && email != "" && strings.EqualFold(e.Email, email) {
		return true
	}
	return false
}

// Store persists trust entries.
type Store interface {
	FindCandidates(ctx context.Context, userID *int64, ip, email string) ([]Entry, error)
	Create(ctx context.Context, entry *Entry) error
	Deactivate(ctx context.Context, id string) error
}

// Registry answers isTrusted questions with a short composite-key cache
// to absorb bulk-operation load. On storage failure it fails open: logs
// the fault and reports not-trusted, which only withholds the trust
// bonus and never blocks a legitimate request.
type Registry struct {
	store Store
	ttl   time.Duration
	now   func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	trusted   bool
	expiresAt time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithCacheTTL overrides the cache lifetime.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRegistry constructs a Registry over the given store.
func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{
		store: store,
		ttl:   defaultCacheTTL,
		now:   time.Now,
		cache: map[string]cacheEntry{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsTrusted reports whether any supplied identifier matches an active,
// non-expired trust entry. No identifiers means not trusted.
func (r *Registry) IsTrusted(ctx context.Context, userID *int64, ip, email string) bool {
	if userID == nil && ip == "" && email == "" {
		return false
	}
	key := cacheKey(userID, ip, email)
	now := r.now()

	r.mu.Lock()
	if entry, ok := r.cache[key]; ok {
		if now.Before(entry.expiresAt) {
			r.mu.Unlock()
			return entry.trusted
		}
		delete(r.cache, key)
	}
	r.mu.Unlock()

	candidates, err := r.store.FindCandidates(ctx, userID, ip, email)
	if err != nil {
		obs.Error("trust", "trust lookup failed, treating as not trusted", err)
		return false
	}
	trusted := false
	for _, c := range candidates {
		if c.Matches(userID, ip, email, now) {
			trusted = true
			break
		}
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{trusted: trusted, expiresAt: now.Add(r.ttl)}
	r.mu.Unlock()
	return trusted
}

// Add persists a new entry and invalidates the cache.
func (r *Registry) Add(ctx context.Context, entry *Entry) error {
	if entry.UserID == nil && entry.IPAddress == "" && entry.Email == "" {
		return ErrNoIdentifier
	}
	entry.IsActive = true
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now().UTC()
	}
	if err := r.store.Create(ctx, entry); err != nil {
		return err
	}
	r.ResetCache()
	return nil
}

// Remove soft-deactivates an entry and invalidates the cache.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if err := r.store.Deactivate(ctx, id); err != nil {
		return err
	}
	r.ResetCache()
	return nil
}

// ResetCache drops every cached verdict.
func (r *Registry) ResetCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = map[string]cacheEntry{}
}

func cacheKey(userID *int64, ip, email string) string {
	uid := int64(0)
	hasUID := false
	if userID != nil {
		uid = *userID
		hasUID = true
	}
	return fmt.Sprintf("%v:%d|%s|%s", hasUID, uid, ip, strings.ToLower(email))
}
