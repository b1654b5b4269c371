package idempotency

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock key only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker provides distributed single-flight locks. Deployments with
// more than one orchestrator replica use it for the per-payment lock; a
// lock that is never released falls back to the key TTL.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker creates a locker over an existing Redis client.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, prefix: "sardis:lock:"}
}

// Acquire implements Locker. It polls SET NX with a short interval up to
// the bounded wait; release is owner-checked so a stale holder can never
// drop a successor's lock.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (bool, func(), error) {
	token := uuid.NewString()
	redisKey := l.prefix + key
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
		if err != nil {
			return false, nil, err
		}
		if ok {
			release := func() {
				rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = releaseScript.Run(rctx, l.client, []string{redisKey}, token).Err()
			}
			return true, release, nil
		}
		if time.Now().After(deadline) {
			return false, nil, nil
		}
		select {
		case <-ctx.Done():
			return false, nil, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}
