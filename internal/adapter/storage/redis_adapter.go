package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyPrefix = "market:idem:"
	idempotencyKeyTTL    = 24 * time.Hour
)

// releaseScript deletes a key only while it still carries the marker value,
// so a key that expired and was re-taken is left alone.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

const idempotencyMarker = "1"

type RedisAdapter struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client, ttl: idempotencyKeyTTL}
}

// WithTTL overrides how long idempotency keys are held.
func (r *RedisAdapter) WithTTL(ttl time.Duration) *RedisAdapter {
	if ttl > 0 {
		r.ttl = ttl
	}
	return r
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+key, idempotencyMarker, r.ttl).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ClearIdempotency(ctx context.Context, key string) error {
	return releaseScript.Run(ctx, r.client, []string{idempotencyKeyPrefix + key}, idempotencyMarker).Err()
}
