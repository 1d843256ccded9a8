package revocation

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "timepulse:revoked:"

// RedisLedger stores revocation records as plain keys with EX set to the remaining token
// lifetime, so Redis expires them when the token would have expired anyway.
type RedisLedger struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisLedger wraps an existing client. If prefix is empty "timepulse:revoked:" is used.
func NewRedisLedger(rdb redis.UniversalClient, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisLedger{rdb: rdb, prefix: prefix}
}

// DialRedis parses redisURL (redis://:pass@host:6379/0) and pings the server once.
func DialRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func (l *RedisLedger) key(id string) string { return l.prefix + id }

// Revoke implements Ledger.
func (l *RedisLedger) Revoke(ctx context.Context, id, userID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := l.rdb.Set(ctx, l.key(id), userID, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// IsRevoked implements Ledger.
func (l *RedisLedger) IsRevoked(ctx context.Context, id string) (bool, error) {
	n, err := l.rdb.Exists(ctx, l.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

// Ping reports whether Redis answers; used by readiness checks.
func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}
