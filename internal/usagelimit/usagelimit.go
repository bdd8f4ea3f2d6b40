package usagelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/keygate/keygate/internal/cache"
	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/monitoring"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrKeyNotFound is returned when the key row does not exist.
var ErrKeyNotFound = errors.New("key not found")

// Unlimited is reported as the remaining value when the key has no
// credit limit configured.
const Unlimited int64 = -1

// Result is the outcome of a consume operation.
type Result struct {
	Allowed   bool
	Remaining int64
}

// Service meters usage credits. Redis holds the authoritative
// in-flight mirror of each key's remaining credits; a Lua script
// performs the check-and-decrement atomically so no two concurrent
// consumers can both observe the same pre-decrement value. Decrements
// are written behind to Postgres in batches. Credits never refill on
// their own; they only change through SetRemaining and
// IncrementRemaining, which run through the same authority.
type Service struct {
	db    *pgxpool.Pool
	redis *cache.Redis

	mu      sync.Mutex
	pending map[uuid.UUID]int64

	syncInterval time.Duration
}

// Lua script for atomic credit check-and-decrement.
// Returns: {remaining, allowed}; remaining == -1 means the mirror is
// cold and must be hydrated from the store.
const luaConsumeCredits = `
local key = KEYS[1]
local cost = tonumber(ARGV[1])

local current = redis.call('GET', key)
if not current then
    return {-1, 0}
end

current = tonumber(current)
if current < cost then
    return {current, 0}
end

local new_value = current - cost
redis.call('SET', key, new_value)
return {new_value, 1}
`

// NewService creates a usage limiter.
func NewService(db *pgxpool.Pool, redis *cache.Redis, cfg *config.UsageConfig) *Service {
	return &Service{
		db:           db,
		redis:        redis,
		pending:      make(map[uuid.UUID]int64),
		syncInterval: cfg.SyncInterval,
	}
}

// Start runs the write-behind syncer until ctx is cancelled, then
// performs a final flush so evicting the mirror never loses
// decrements.
func (s *Service) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				s.Flush(flushCtx)
				cancel()
				return
			case <-ticker.C:
				s.Flush(ctx)
			}
		}
	}()
}

// Consume atomically spends cost credits for the key. A deny never
// mutates the counter. remaining == Unlimited means the key has no
// credit limit and the consume is a no-op allow.
func (s *Service) Consume(ctx context.Context, keyID uuid.UUID, cost int64) (Result, error) {
	mirror := mirrorKey(keyID)

	for attempt := 0; attempt < 2; attempt++ {
		values, err := s.redis.Client.Eval(ctx, luaConsumeCredits, []string{mirror}, cost).Int64Slice()
		if err != nil {
			// The mirror authority is down. The store itself serializes
			// the decrement, so fall through to it rather than guessing.
			log.Warn().Err(err).Str("key_id", keyID.String()).Msg("Credit mirror unreachable, using store directly")
			return s.consumeFromStore(ctx, keyID, cost)
		}
		if len(values) != 2 {
			return Result{}, fmt.Errorf("unexpected consume result length: %d", len(values))
		}

		remaining, allowed := values[0], values[1] == 1

		if remaining == -1 {
			// Cold mirror: seed it from the store and consume through
			// the seeded mirror, never around it. Seeding the store's
			// post-decrement value instead would let concurrent
			// seeders publish values the other's decrement never saw.
			unlimited, err := s.hydrateMirror(ctx, keyID)
			if err != nil {
				return Result{}, err
			}
			if unlimited {
				return Result{Allowed: true, Remaining: Unlimited}, nil
			}
			continue
		}

		if !allowed {
			monitoring.RecordUsageDenied()
			return Result{Allowed: false, Remaining: remaining}, nil
		}

		s.addPending(keyID, cost)
		monitoring.RecordUsageConsumed(float64(cost))
		return Result{Allowed: true, Remaining: remaining}, nil
	}

	// The seeded mirror vanished before the retry. The store's
	// conditional update serializes on its own.
	return s.consumeFromStore(ctx, keyID, cost)
}

// hydrateMirror seeds a cold mirror with the store's remaining value.
// Pending write-behind decrements for the key are folded into the
// store first so a mirror rebuilt after an eviction cannot resurrect
// already-spent credits. SET NX picks exactly one winner among
// concurrent seeders; losers retry against the seeded mirror.
func (s *Service) hydrateMirror(ctx context.Context, keyID uuid.UUID) (bool, error) {
	s.mu.Lock()
	delta := s.pending[keyID]
	delete(s.pending, keyID)
	s.mu.Unlock()

	if delta > 0 {
		_, err := s.db.Exec(ctx, `
			UPDATE keys
			SET remaining = GREATEST(remaining - $1, 0)
			WHERE id = $2 AND deleted_at IS NULL AND remaining IS NOT NULL
		`, delta, keyID)
		if err != nil {
			s.addPending(keyID, delta)
			return false, fmt.Errorf("failed to fold pending credits: %w", err)
		}
	}

	var current *int64
	err := s.db.QueryRow(ctx, `
		SELECT remaining FROM keys WHERE id = $1 AND deleted_at IS NULL
	`, keyID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrKeyNotFound
		}
		return false, fmt.Errorf("failed to read credits: %w", err)
	}
	if current == nil {
		return true, nil
	}

	if err := s.redis.Client.SetNX(ctx, mirrorKey(keyID), *current, 0).Err(); err != nil {
		return false, fmt.Errorf("failed to seed credit mirror: %w", err)
	}
	return false, nil
}

// consumeFromStore decrements in Postgres, which applies the same
// no-two-winners guarantee via a conditional single-statement update.
// Used only when the mirror is unreachable; it never writes the
// mirror, so a recovered mirror rehydrates from the store.
func (s *Service) consumeFromStore(ctx context.Context, keyID uuid.UUID, cost int64) (Result, error) {
	var remaining int64
	err := s.db.QueryRow(ctx, `
		UPDATE keys
		SET remaining = remaining - $1
		WHERE id = $2 AND deleted_at IS NULL AND remaining >= $1
		RETURNING remaining
	`, cost, keyID).Scan(&remaining)
	if err == nil {
		monitoring.RecordUsageConsumed(float64(cost))
		return Result{Allowed: true, Remaining: remaining}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Result{}, fmt.Errorf("failed to decrement credits: %w", err)
	}

	// Either the key is gone, has no credit limit, or is exhausted.
	var current *int64
	err = s.db.QueryRow(ctx, `
		SELECT remaining FROM keys WHERE id = $1 AND deleted_at IS NULL
	`, keyID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Result{}, ErrKeyNotFound
		}
		return Result{}, fmt.Errorf("failed to read credits: %w", err)
	}

	if current == nil {
		return Result{Allowed: true, Remaining: Unlimited}, nil
	}

	monitoring.RecordUsageDenied()
	return Result{Allowed: false, Remaining: *current}, nil
}

// SetRemaining sets the key's credits to an absolute value, or to
// unlimited when value is nil. Pending write-behind decrements for the
// key are discarded because the new value supersedes them.
//
// Ordering matters here. The mirror is replaced first, then the
// pending entry is dropped, then the store is written: any consume
// racing this call either decremented the old mirror (superseded,
// dropped with the pending entry) or decrements the new one and lands
// in pending after the clear. The mirror can therefore only ever run
// at or below the store, never above it.
func (s *Service) SetRemaining(ctx context.Context, keyID uuid.UUID, value *int64) error {
	mirror := mirrorKey(keyID)

	if value == nil {
		tag, err := s.db.Exec(ctx, `
			UPDATE keys SET remaining = NULL WHERE id = $1 AND deleted_at IS NULL
		`, keyID)
		if err != nil {
			return fmt.Errorf("failed to set credits: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrKeyNotFound
		}
		if err := s.redis.Client.Del(ctx, mirror).Err(); err != nil {
			log.Warn().Err(err).Str("key_id", keyID.String()).Msg("Failed to drop credit mirror")
		}
		s.mu.Lock()
		delete(s.pending, keyID)
		s.mu.Unlock()
		return nil
	}

	s.setMirror(ctx, keyID, *value)

	s.mu.Lock()
	delete(s.pending, keyID)
	s.mu.Unlock()

	tag, err := s.db.Exec(ctx, `
		UPDATE keys SET remaining = $1 WHERE id = $2 AND deleted_at IS NULL
	`, *value, keyID)
	if err != nil {
		s.redis.Client.Del(ctx, mirror)
		return fmt.Errorf("failed to set credits: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.redis.Client.Del(ctx, mirror)
		return ErrKeyNotFound
	}
	return nil
}

// Lua script to adjust the mirror only when it exists; creating it
// from nothing would fabricate a value the store never held.
const luaAdjustMirror = `
if redis.call('EXISTS', KEYS[1]) == 1 then
    return redis.call('INCRBY', KEYS[1], ARGV[1])
end
return -1
`

// IncrementRemaining adds delta credits to the key and returns the new
// store value. Runs through the same authority path as Consume so a
// concurrent consume cannot be lost.
func (s *Service) IncrementRemaining(ctx context.Context, keyID uuid.UUID, delta int64) (int64, error) {
	var remaining int64
	err := s.db.QueryRow(ctx, `
		UPDATE keys
		SET remaining = COALESCE(remaining, 0) + $1
		WHERE id = $2 AND deleted_at IS NULL
		RETURNING remaining
	`, delta, keyID).Scan(&remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrKeyNotFound
		}
		return 0, fmt.Errorf("failed to increment credits: %w", err)
	}

	if err := s.redis.Client.Eval(ctx, luaAdjustMirror, []string{mirrorKey(keyID)}, delta).Err(); err != nil && err != redis.Nil {
		log.Warn().Err(err).Str("key_id", keyID.String()).Msg("Failed to adjust credit mirror")
	}

	return remaining, nil
}

// Flush writes all pending decrements to the store. Failed batches
// are re-queued for the next cycle.
func (s *Service) Flush(ctx context.Context) {
	s.mu.Lock()
	batch := s.pending
	s.pending = make(map[uuid.UUID]int64)
	s.mu.Unlock()

	for keyID, cost := range batch {
		_, err := s.db.Exec(ctx, `
			UPDATE keys
			SET remaining = GREATEST(remaining - $1, 0)
			WHERE id = $2 AND deleted_at IS NULL AND remaining IS NOT NULL
		`, cost, keyID)
		if err != nil {
			log.Error().Err(err).
				Str("key_id", keyID.String()).
				Int64("cost", cost).
				Msg("Failed to sync credits to store")
			s.addPending(keyID, cost)
		}
	}
}

func (s *Service) addPending(keyID uuid.UUID, cost int64) {
	s.mu.Lock()
	s.pending[keyID] += cost
	s.mu.Unlock()
}

func (s *Service) setMirror(ctx context.Context, keyID uuid.UUID, value int64) {
	if err := s.redis.Client.Set(ctx, mirrorKey(keyID), value, 0).Err(); err != nil {
		log.Warn().Err(err).Str("key_id", keyID.String()).Msg("Failed to seed credit mirror")
	}
}

func mirrorKey(keyID uuid.UUID) string {
	return fmt.Sprintf("credits:%s", keyID.String())
}
