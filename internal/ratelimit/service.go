package ratelimit

import (
	"context"
	"time"

	"github.com/keygate/keygate/internal/cache"
	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/logging"
	"github.com/keygate/keygate/internal/models"
	"github.com/keygate/keygate/internal/monitoring"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

const authorityName = "ratelimit"

// Service dispatches rate limit checks to the mode configured per
// key and owns the failure policy when the consistent authority is
// unreachable. Both modes are first-class; neither is ever collapsed
// into the other.
type Service struct {
	local      *LocalLimiter
	consistent *ConsistentLimiter
	breaker    *gobreaker.CircuitBreaker
	failOpen   bool
	timeout    time.Duration
}

// NewService creates a rate limit service.
func NewService(redis *cache.Redis, cfg *config.RatelimitConfig) *Service {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        authorityName,
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Info().
				Str("circuit_breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
			monitoring.SetCircuitBreakerState(name, breakerStateValue(to))
		},
	})

	return &Service{
		local:      NewLocalLimiter(),
		consistent: NewConsistentLimiter(redis),
		breaker:    breaker,
		failOpen:   cfg.FailOpen,
		timeout:    cfg.AuthorityTimeout,
	}
}

// Check runs a rate limit check for the key under its configured
// mode. It never returns an error: an unreachable authority resolves
// to the deployment's fail-open/fail-closed policy, logged and counted
// but never silently swallowed.
func (s *Service) Check(ctx context.Context, keyID string, cfg *models.Ratelimit) Result {
	var result Result

	switch cfg.Mode {
	case models.RatelimitConsistent:
		start := time.Now()
		value, err := s.breaker.Execute(func() (interface{}, error) {
			checkCtx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			return s.consistent.Check(checkCtx, keyID, cfg)
		})
		monitoring.RecordAuthorityLatency(authorityName, time.Since(start))
		if err != nil {
			return s.applyPolicy(err, keyID, cfg)
		}
		result = value.(Result)

	default:
		// fast mode, also the fallback for unknown modes
		result = s.local.Check(keyID, cfg)
	}

	monitoring.RecordRatelimitDecision(string(cfg.Mode), result.Allowed)
	return result
}

// Evict drops any fast-mode bucket for the key so an administrative
// change to the key's rate limit takes effect locally at once.
func (s *Service) Evict(keyID string) {
	s.local.Evict(keyID)
}

// StartSweeper periodically drops fast-mode buckets that have idled
// back to capacity, bounding memory under high key cardinality. Runs
// until ctx is cancelled.
func (s *Service) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.local.Sweep(); n > 0 {
					log.Debug().Int("buckets", n).Msg("Swept idle rate limit buckets")
				}
			}
		}
	}()
}

// applyPolicy resolves an authority failure to an allow or deny per
// the deployment policy.
func (s *Service) applyPolicy(err error, keyID string, cfg *models.Ratelimit) Result {
	policy := "fail_closed"
	if s.failOpen {
		policy = "fail_open"
	}

	logging.LogAuthorityFailure(err, keyID, authorityName, string(cfg.Mode), s.failOpen)
	monitoring.RecordAuthorityFailure(authorityName, policy)

	return Result{
		Allowed:   s.failOpen,
		Limit:     cfg.Limit,
		Remaining: 0,
		Reset:     time.Now().Add(cfg.Window()),
	}
}

func breakerStateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	default:
		return 0
	}
}
