package models

import (
	"time"

	"github.com/google/uuid"
)

// RatelimitMode selects how a key's rate limit is counted.
type RatelimitMode string

const (
	// RatelimitFast counts per instance with no cross-instance
	// coordination. Approximate but cheap.
	RatelimitFast RatelimitMode = "fast"
	// RatelimitConsistent routes every check for the key through a
	// single global authority. Exact but one extra round-trip.
	RatelimitConsistent RatelimitMode = "consistent"
)

// Ratelimit is the per-key rate limit configuration. The bucket holds
// Limit tokens and refills RefillRate tokens every RefillInterval
// milliseconds, capped at Limit.
type Ratelimit struct {
	Mode           RatelimitMode `json:"type"`
	Limit          int64         `json:"limit"`
	RefillRate     int64         `json:"refillRate"`
	RefillInterval int64         `json:"refillInterval"` // milliseconds
}

// Window returns the refill interval as a duration.
func (r *Ratelimit) Window() time.Duration {
	return time.Duration(r.RefillInterval) * time.Millisecond
}

// Key is a stored API key record. The raw secret is never persisted;
// Hash is the SHA-256 of the secret and Start the display prefix.
type Key struct {
	ID          uuid.UUID       `json:"id"`
	Hash        string          `json:"-"`
	Start       string          `json:"start"`
	WorkspaceID uuid.UUID       `json:"workspace_id"`
	APIID       uuid.UUID       `json:"api_id"`
	Name        *string         `json:"name,omitempty"`
	OwnerID     *string         `json:"owner_id,omitempty"`
	Meta        map[string]any  `json:"meta,omitempty"`
	Permissions map[string]bool `json:"permissions,omitempty"`

	// Remaining is the usage credit counter. nil means unlimited.
	// Mutated only through the usagelimit package.
	Remaining *int64 `json:"remaining,omitempty"`

	Ratelimit *Ratelimit `json:"ratelimit,omitempty"`

	Expires   *time.Time `json:"expires,omitempty"`
	Enabled   bool       `json:"enabled"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"-"`
}

// Expired reports whether the key has an expiry in the past.
func (k *Key) Expired(now time.Time) bool {
	return k.Expires != nil && k.Expires.Before(now)
}

// HasPermissions reports whether every required permission is granted.
func (k *Key) HasPermissions(required []string) bool {
	for _, p := range required {
		if !k.Permissions[p] {
			return false
		}
	}
	return true
}
