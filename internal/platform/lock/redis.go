package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultLockTTL   = 30 * time.Second
	defaultRetryWait = 25 * time.Millisecond
	maxRetryWait     = 500 * time.Millisecond
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker holds keys as SET NX PX entries so replicas sharing the Redis
// instance serialize on the same identities.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

func NewRedisLocker(client *redis.Client, logger zerolog.Logger) *RedisLocker {
	return &RedisLocker{
		client: client,
		prefix: "bridge:lock:",
		ttl:    defaultLockTTL,
		logger: logger.With().Str("component", "lock").Logger(),
	}
}

func (l *RedisLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	keys = normalize(keys)
	held := make([]string, 0, len(keys))
	for _, k := range keys {
		if err := l.acquire(ctx, l.prefix+k, token); err != nil {
			l.release(held, token)
			return nil, err
		}
		held = append(held, l.prefix+k)
	}
	return func() { l.release(held, token) }, nil
}

func (l *RedisLocker) acquire(ctx context.Context, key, token string) error {
	wait := defaultRetryWait
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("lock %s: %w", key, ctx.Err())
		case <-time.After(wait):
		}
		if wait *= 2; wait > maxRetryWait {
			wait = maxRetryWait
		}
	}
}

func (l *RedisLocker) release(keys []string, token string) {
	// Release must run even when the caller's context is already cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(keys) - 1; i >= 0; i-- {
		if err := releaseScript.Run(ctx, l.client, []string{keys[i]}, token).Err(); err != nil {
			l.logger.Warn().Err(err).Str("key", keys[i]).Msg("failed to release lock")
		}
	}
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
