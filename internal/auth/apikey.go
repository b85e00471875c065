package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bistbash/School-Admissions-Core-sub004/internal/obs"
)

const (
	// KeyPrefix marks every API key the service issues.
	KeyPrefix = "sk_"

	keySecretBytes = 32
	keyLength      = len(KeyPrefix) + keySecretBytes*2
)

// KeyService issues, verifies, and revokes API keys. The store only ever
// sees SHA-256 hashes of key material.
type KeyService struct {
	keys      APIKeyStore
	now       func() time.Time
	syncTouch bool
}

// KeyOption configures KeyService behavior.
type KeyOption func(*KeyService)

// WithKeyClock overrides the time source.
func WithKeyClock(fn func() time.Time) KeyOption {
	return func(s *KeyService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithSynchronousTouch makes the last-used update run inline instead of
// in a goroutine. Tests use this to assert the update happened.
func WithSynchronousTouch() KeyOption {
	return func(s *KeyService) { s.syncTouch = true }
}

// NewKeyService constructs a KeyService backed by the given store.
func NewKeyService(keys APIKeyStore, opts ...KeyOption) *KeyService {
	s := &KeyService{keys: keys, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidShape reports whether a presented credential even looks like one
// of our keys. Requests failing this are rejected before any lookup.
func ValidShape(raw string) bool {
	if len(raw) != keyLength || !strings.HasPrefix(raw, KeyPrefix) {
		return false
	}
	_, err := hex.DecodeString(raw[len(KeyPrefix):])
	return err == nil
}

// HashKey returns the hex-encoded SHA-256 of the raw key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Generate creates a key row and returns the plaintext exactly once.
// Callers must hand the plaintext to the requester and drop it; it is
// never persisted or logged.
func (s *KeyService) Generate(ctx context.Context, name string, userID *int64, permissions []string, expiresAt *time.Time) (string, *APIKey, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil, errors.New("auth: key name is required")
	}
	secret := make([]byte, keySecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, fmt.Errorf("generate key: %w", err)
	}
	plaintext := KeyPrefix + hex.EncodeToString(secret)
	key := &APIKey{
		Name:        name,
		KeyHash:     HashKey(plaintext),
		Prefix:      plaintext[:len(KeyPrefix)+4],
		UserID:      userID,
		Permissions: permissions,
		IsActive:    true,
		ExpiresAt:   expiresAt,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.keys.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return plaintext, key, nil
}

// Verify authenticates a presented key. On success the key's last-used
// timestamp is updated fire-and-forget: a failed update never fails the
// request.
func (s *KeyService) Verify(ctx context.Context, raw string) (*APIKey, error) {
	if !ValidShape(raw) {
		return nil, ErrMalformedKey
	}
	key, err := s.keys.FindByHash(ctx, HashKey(raw))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	if !key.IsActive {
		return nil, ErrKeyInactive
	}
	if key.Expired(s.now()) {
		return nil, ErrKeyExpired
	}
	s.touchLastUsed(key.ID)
	return key, nil
}

// Revoke hard-deletes the key row. Revoked keys cannot be reactivated.
func (s *KeyService) Revoke(ctx context.Context, id int64) error {
	return s.keys.Delete(ctx, id)
}

// List returns all key rows. Hashes are included; plaintext never is.
func (s *KeyService) List(ctx context.Context) ([]*APIKey, error) {
	return s.keys.List(ctx)
}

func (s *KeyService) touchLastUsed(id int64) {
	update := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.keys.TouchLastUsed(ctx, id, s.now().UTC()); err != nil {
			obs.Error("auth", "api key last-used update failed", err)
		}
	}
	if s.syncTouch {
		update()
		return
	}
	go update()
}
