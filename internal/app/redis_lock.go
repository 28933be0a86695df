package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Deletes the key only while it still holds this owner's token.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a single-instance Redis lock keyed per provisioning target.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{
		client: client,
		prefix: normalizeRedisPrefix(prefix) + ":lock",
	}
}

// Acquire tries once to take the lock. acquired is false when another owner holds it.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	noop := func() {}
	if l == nil || l.client == nil {
		return noop, true, nil
	}
	if ttl < time.Second {
		ttl = time.Second
	}

	fullKey := fmt.Sprintf("%s:%s", l.prefix, key)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return noop, false, fmt.Errorf("acquire lock %s: %w", fullKey, err)
	}
	if !ok {
		return noop, false, nil
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseLockScript.Run(releaseCtx, l.client, []string{fullKey}, token).Err(); err != nil {
			log.Printf("level=warn component=redis_lock msg=\"lock release failed\" key=%s err=%v", fullKey, err)
		}
	}
	return release, true, nil
}
