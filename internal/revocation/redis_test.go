package revocation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisLedger(t *testing.T) (*RedisLedger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLedger(rdb, ""), mr
}

func TestRedisLedger_RevokeSetsTTL(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestRedisLedger(t)

	require.NoError(t, l.Revoke(ctx, "jti-1", "u1", 90*time.Second))

	assert.Equal(t, 90*time.Second, mr.TTL(defaultPrefix+"jti-1"))
	v, err := mr.Get(defaultPrefix + "jti-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", v)

	revoked, err := l.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestRedisLedger_RecordExpiresWithToken(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestRedisLedger(t)

	require.NoError(t, l.Revoke(ctx, "jti-1", "u1", time.Minute))
	mr.FastForward(time.Minute)

	revoked, err := l.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRedisLedger_ExpiredTokenNotWritten(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestRedisLedger(t)

	require.NoError(t, l.Revoke(ctx, "jti-1", "u1", 0))
	assert.False(t, mr.Exists(defaultPrefix+"jti-1"))
}

func TestRedisLedger_UnavailableFailsClosed(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestRedisLedger(t)
	mr.Close()

	_, err := l.IsRevoked(ctx, "jti-1")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, l.Revoke(ctx, "jti-1", "u1", time.Minute), ErrUnavailable)
}
