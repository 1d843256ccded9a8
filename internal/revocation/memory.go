package revocation

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger is an in-process Ledger for single-instance and development deployments.
// Expired records are dropped lazily on lookup and by Sweep.
type MemoryLedger struct {
	mu   sync.RWMutex
	m    map[string]record
	nowF func() time.Time
}

// NewMemoryLedger returns an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		m:    make(map[string]record),
		nowF: time.Now,
	}
}

// Revoke implements Ledger.
func (l *MemoryLedger) Revoke(ctx context.Context, id, userID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.m[id] = record{ID: id, UserID: userID, ExpiresAt: l.nowF().Add(ttl)}
	return nil
}

// IsRevoked implements Ledger.
func (l *MemoryLedger) IsRevoked(ctx context.Context, id string) (bool, error) {
	l.mu.RLock()
	r, ok := l.m[id]
	l.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if !r.ExpiresAt.After(l.nowF()) {
		l.mu.Lock()
		if cur, ok := l.m[id]; ok && cur.ExpiresAt.Equal(r.ExpiresAt) {
			delete(l.m, id)
		}
		l.mu.Unlock()
		return false, nil
	}
	return true, nil
}

// Sweep deletes every expired record and returns how many were removed.
func (l *MemoryLedger) Sweep() int {
	now := l.nowF()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, r := range l.m {
		if !r.ExpiresAt.After(now) {
			delete(l.m, id)
			n++
		}
	}
	return n
}

// Len returns the number of held records, expired or not.
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.m)
}

// RunJanitor sweeps every interval until ctx is done.
func (l *MemoryLedger) RunJanitor(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Sweep()
		}
	}
}
