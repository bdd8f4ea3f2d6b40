package ratelimit

import (
	"time"
)

// Result is the outcome of a rate limit check. The HTTP layer surfaces
// Limit/Remaining/Reset as response headers.
type Result struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	// Reset is when the bucket is fully refilled after an allow, or
	// when the next token becomes available after a deny.
	Reset time.Time
}
