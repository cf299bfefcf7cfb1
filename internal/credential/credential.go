package credential

import (
	"errors"
	"time"
)

var (
	// ErrNotLoaded indicates the store holds no credential yet.
	ErrNotLoaded = errors.New("credential: store not loaded")
	// ErrCorrupt indicates the persisted credential could not be decoded.
	ErrCorrupt = errors.New("credential: persisted record corrupt")
)

// Credential is an immutable snapshot of the provider access token. It is a
// value type on purpose: readers always receive a copy, so a renewal in
// progress can never corrupt an in-flight read.
type Credential struct {
	AccessToken string
	ClientID    string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Remaining returns the validity left at the given instant. Negative when
// already expired.
func (c Credential) Remaining(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

// Valid reports whether the credential has not yet expired.
func (c Credential) Valid(now time.Time) bool {
	return c.ExpiresAt.After(now)
}

// ExpiresWithin reports whether the credential expires within d of now.
func (c Credential) ExpiresWithin(now time.Time, d time.Duration) bool {
	return c.Remaining(now) <= d
}
