package revocation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeNow) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestMemoryLedger() (*MemoryLedger, *fakeNow) {
	clock := &fakeNow{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	l := NewMemoryLedger()
	l.nowF = clock.now
	return l, clock
}

func TestMemoryLedger_RevokeThenExpire(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestMemoryLedger()

	require.NoError(t, l.Revoke(ctx, "jti-1", "u1", 10*time.Minute))
	revoked, err := l.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	clock.advance(10 * time.Minute)
	revoked, err = l.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked, "record must not outlive the token")
	assert.Equal(t, 0, l.Len(), "expired record is dropped on lookup")
}

func TestMemoryLedger_NonPositiveTTLWritesNothing(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestMemoryLedger()

	require.NoError(t, l.Revoke(ctx, "jti-1", "u1", 0))
	require.NoError(t, l.Revoke(ctx, "jti-2", "u1", -time.Second))
	assert.Equal(t, 0, l.Len())
}

func TestMemoryLedger_UnknownIsNotRevoked(t *testing.T) {
	l, _ := newTestMemoryLedger()
	revoked, err := l.IsRevoked(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestMemoryLedger_Sweep(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestMemoryLedger()
	require.NoError(t, l.Revoke(ctx, "short", "u1", time.Minute))
	require.NoError(t, l.Revoke(ctx, "long", "u1", time.Hour))

	clock.advance(2 * time.Minute)
	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Len())
}

func TestRemainingTTL(t *testing.T) {
	now := time.Now()
	assert.Equal(t, time.Minute, RemainingTTL(now, now.Add(time.Minute)))
	assert.Equal(t, time.Duration(0), RemainingTTL(now, now.Add(-time.Minute)))
}

func TestSessionKey(t *testing.T) {
	assert.Equal(t, "sess:abc", SessionKey("abc"))
}
