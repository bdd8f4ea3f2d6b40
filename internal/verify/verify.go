package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/keygate/keygate/internal/analytics"
	"github.com/keygate/keygate/internal/cache"
	apierrors "github.com/keygate/keygate/internal/errors"
	"github.com/keygate/keygate/internal/keys"
	"github.com/keygate/keygate/internal/models"
	"github.com/keygate/keygate/internal/monitoring"
	"github.com/keygate/keygate/internal/ratelimit"
	"github.com/keygate/keygate/internal/usagelimit"
)

// ErrStoreUnavailable is returned when the key record store cannot be
// reached; the handler maps it to UPSTREAM_UNAVAILABLE.
var ErrStoreUnavailable = errors.New("key record store unavailable")

// KeyStore resolves key records on cache misses.
type KeyStore interface {
	LookupByHash(ctx context.Context, hash string) (*models.Key, error)
}

// RateLimiter checks a key's request rate under its configured mode.
type RateLimiter interface {
	Check(ctx context.Context, keyID string, cfg *models.Ratelimit) ratelimit.Result
}

// UsageLimiter atomically consumes usage credits.
type UsageLimiter interface {
	Consume(ctx context.Context, keyID uuid.UUID, cost int64) (usagelimit.Result, error)
}

// EventSink receives verification events fire-and-forget.
type EventSink interface {
	Emit(analytics.Event)
}

// RatelimitInfo is surfaced to the caller as rate limit headers.
type RatelimitInfo struct {
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
	Reset     int64 `json:"reset"` // unix ms
}

// Result is the verdict of a single verification.
type Result struct {
	Valid     bool           `json:"valid"`
	Code      apierrors.Code `json:"code,omitempty"`
	KeyID     uuid.UUID      `json:"keyId,omitempty"`
	OwnerID   *string        `json:"ownerId,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	Remaining *int64         `json:"remaining,omitempty"`
	Ratelimit *RatelimitInfo `json:"ratelimit,omitempty"`
}

// Pipeline orchestrates a single verification: resolve the key,
// validate its state, then consult the rate limiter and the usage
// limiter before combining the verdict.
type Pipeline struct {
	store       KeyStore
	cache       *cache.KeyCache
	ratelimiter RateLimiter
	usage       UsageLimiter
	events      EventSink
	region      string

	// now is replaceable in tests
	now func() time.Time
}

// NewPipeline creates a verification pipeline.
func NewPipeline(store KeyStore, keyCache *cache.KeyCache, rl RateLimiter, usage UsageLimiter, events EventSink, region string) *Pipeline {
	return &Pipeline{
		store:       store,
		cache:       keyCache,
		ratelimiter: rl,
		usage:       usage,
		events:      events,
		region:      region,
		now:         time.Now,
	}
}

// Verify decides whether the presented secret authorizes a request,
// consuming one unit of rate budget and/or one usage credit on
// success. Invalid verdicts are results, not errors; an error means an
// upstream dependency failed in a way the policy could not absorb.
func (p *Pipeline) Verify(ctx context.Context, requestID, secret string, requiredPermissions []string) (*Result, error) {
	start := p.now()

	result, key, err := p.verify(ctx, secret, requiredPermissions)
	if err != nil {
		return nil, err
	}

	outcome := "VALID"
	if !result.Valid {
		outcome = string(result.Code)
	}
	monitoring.RecordVerification(outcome, p.now().Sub(start))

	if key != nil {
		p.events.Emit(analytics.Event{
			RequestID: requestID,
			KeyID:     key.ID.String(),
			Outcome:   outcome,
			Latency:   p.now().Sub(start),
			Region:    p.region,
			Time:      start,
		})
	}

	return result, nil
}

func (p *Pipeline) verify(ctx context.Context, secret string, requiredPermissions []string) (*Result, *models.Key, error) {
	if !keys.ValidFormat(secret) {
		return &Result{Valid: false, Code: apierrors.CodeNotFound}, nil, nil
	}

	hash := keys.HashKey(secret)

	key := p.cache.Get(hash)
	if key == nil {
		var err error
		key, err = p.store.LookupByHash(ctx, hash)
		if err != nil {
			if errors.Is(err, keys.ErrKeyNotFound) {
				return &Result{Valid: false, Code: apierrors.CodeNotFound}, nil, nil
			}
			return nil, nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		p.cache.Set(hash, key)
	}

	if !key.Enabled {
		return &Result{Valid: false, Code: apierrors.CodeDisabled, KeyID: key.ID}, key, nil
	}

	if key.Expired(p.now()) {
		return &Result{Valid: false, Code: apierrors.CodeExpired, KeyID: key.ID}, key, nil
	}

	if !key.HasPermissions(requiredPermissions) {
		return &Result{Valid: false, Code: apierrors.CodeForbidden, KeyID: key.ID}, key, nil
	}

	result := &Result{
		Valid:   true,
		KeyID:   key.ID,
		OwnerID: key.OwnerID,
		Meta:    key.Meta,
	}

	if key.Ratelimit != nil {
		decision := p.ratelimiter.Check(ctx, key.ID.String(), key.Ratelimit)
		result.Ratelimit = &RatelimitInfo{
			Limit:     decision.Limit,
			Remaining: decision.Remaining,
			Reset:     decision.Reset.UnixMilli(),
		}
		if !decision.Allowed {
			result.Valid = false
			result.Code = apierrors.CodeRateLimited
			return result, key, nil
		}
	}

	if key.Remaining != nil {
		usage, err := p.usage.Consume(ctx, key.ID, 1)
		if err != nil {
			// Credits are a hard ceiling: an unreachable authority
			// fails closed here, unlike the rate limit policy.
			return nil, key, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if usage.Remaining != usagelimit.Unlimited {
			remaining := usage.Remaining
			result.Remaining = &remaining
		}
		if !usage.Allowed {
			result.Valid = false
			result.Code = apierrors.CodeUsageExceeded
			return result, key, nil
		}
	}

	return result, key, nil
}
