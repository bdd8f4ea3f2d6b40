package cache

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// invalidationChannel carries best-effort key invalidations between
// instances. Delivery is not guaranteed; the cache TTL is the bound.
const invalidationChannel = "keygate:key:invalidate"

// Redis wraps the shared Redis client used by the counter authorities
// and the cache invalidation fan-out.
type Redis struct {
	Client *redis.Client
}

// NewRedis creates a Redis client from a URL and verifies connectivity.
func NewRedis(url string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}

	log.Info().Msg("Redis connection established")
	return &Redis{Client: client}, nil
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.Client.Close()
}

// Health checks if Redis is reachable.
func (r *Redis) Health(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

// PublishInvalidation notifies other instances that a cached key hash
// is stale. Best-effort: failures are logged and ignored.
func (r *Redis) PublishInvalidation(ctx context.Context, hash string) {
	if err := r.Client.Publish(ctx, invalidationChannel, hash).Err(); err != nil {
		log.Warn().Err(err).Msg("Failed to publish cache invalidation")
	}
}

// SubscribeInvalidations feeds remote invalidations into the local key
// cache until ctx is cancelled.
func (r *Redis) SubscribeInvalidations(ctx context.Context, keys *KeyCache) {
	sub := r.Client.Subscribe(ctx, invalidationChannel)
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				keys.InvalidateHash(msg.Payload)
			}
		}
	}()
}
