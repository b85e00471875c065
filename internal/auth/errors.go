package auth

import "errors"

var (
	// ErrInvalidToken indicates a JWT failed signature, shape, or expiry checks.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrMalformedKey indicates a presented API key fails the cheap shape
	// check and was rejected before any storage lookup.
	ErrMalformedKey = errors.New("auth: malformed api key")

	// ErrKeyNotFound indicates no key row matches the presented hash.
	ErrKeyNotFound = errors.New("auth: api key not found")

	// ErrKeyInactive indicates the key row exists but is deactivated.
	ErrKeyInactive = errors.New("auth: api key inactive")

	// ErrKeyExpired indicates the key row exists but its expiry has passed.
	ErrKeyExpired = errors.New("auth: api key expired")

	ErrNotFound     = errors.New("auth: not found")
	ErrUnauthorized = errors.New("auth: unauthorized")
)
