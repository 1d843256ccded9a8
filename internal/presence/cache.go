package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Cache is the process-local presence table. Versions are issued from one monotonic
// sequence (nanosecond wall time, bumped when the clock does not advance), so every
// version this instance hands out is comparable with its Snapshot.AsOf.
//
// Changes relayed from other instances are ordered by the version their origin issued,
// then re-stamped from the local sequence before they reach local subscribers.
type Cache struct {
	mu       sync.RWMutex
	entries  map[string]Entry
	versions map[string]int64 // last local version per identity, kept after Clear
	origin   map[string]int64 // version the last applied change carried at its origin
	floor    int64            // highest origin version among pruned tombstones
	last     int64
	now      func() time.Time
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		entries:  make(map[string]Entry),
		versions: make(map[string]int64),
		origin:   make(map[string]int64),
		now:      time.Now,
	}
}

// next must be called with mu held.
func (c *Cache) next() int64 {
	v := c.now().UnixNano()
	if v <= c.last {
		v = c.last + 1
	}
	c.last = v
	return v
}

// Upsert replaces the identity's entry with e and assigns it a new version. When e
// describes the state already held, only UpdatedAt is refreshed and changed is false.
func (c *Cache) Upsert(e Entry) (stored Entry, changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()
	if cur, ok := c.entries[e.Identity]; ok && cur.sameState(e) {
		cur.UpdatedAt = now
		c.entries[e.Identity] = cur
		return cur, false
	}
	e.UpdatedAt = now
	e.Version = c.next()
	c.entries[e.Identity] = e
	c.versions[e.Identity] = e.Version
	c.origin[e.Identity] = e.Version
	return e, true
}

// Clear removes the identity's entry. It returns the removed entry, the version assigned
// to the removal, and whether anything was removed. Clearing an absent identity is a no-op.
func (c *Cache) Clear(identity string) (removed Entry, version int64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed, ok = c.entries[identity]
	if !ok {
		return Entry{}, c.versions[identity], false
	}
	delete(c.entries, identity)
	version = c.next()
	c.versions[identity] = version
	c.origin[identity] = version
	return removed, version, true
}

// ApplyRemote applies an event produced by another instance if its origin version is
// strictly newer than anything applied for that identity. The applied change gets a local
// version; the returned event carries it and is what local subscribers must receive.
func (c *Cache) ApplyRemote(ev Event) (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen, ok := c.origin[ev.Identity]
	if !ok {
		seen = c.floor
	}
	if ev.Version <= seen {
		return Event{}, false
	}
	if ev.Version > c.last {
		c.last = ev.Version
	}
	now := c.now().UTC()
	switch ev.Type {
	case EventStarted:
		e, ok := ev.Entry()
		if !ok {
			return Event{}, false
		}
		e.UpdatedAt = now
		e.Version = c.next()
		c.entries[e.Identity] = e
		c.versions[e.Identity] = e.Version
		c.origin[e.Identity] = ev.Version
		return StartedEvent(e), true
	case EventStopped:
		delete(c.entries, ev.Identity)
		out := ev
		out.Version = c.next()
		out.Origin = ""
		c.versions[ev.Identity] = out.Version
		c.origin[ev.Identity] = ev.Version
		return out, true
	default:
		return Event{}, false
	}
}

// Prune drops the version records of identities that have had no running timer for
// longer than maxAge. A relayed event older than every pruned record is rejected.
func (c *Cache) Prune(maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-maxAge).UnixNano()
	n := 0
	for id, v := range c.versions {
		if _, running := c.entries[id]; running || v >= cutoff {
			continue
		}
		if o := c.origin[id]; o > c.floor {
			c.floor = o
		}
		delete(c.versions, id)
		delete(c.origin, id)
		n++
	}
	return n
}

// RunJanitor prunes version records older than maxAge every interval until ctx is done.
func (c *Cache) RunJanitor(ctx context.Context, interval, maxAge time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Prune(maxAge)
		}
	}
}

// Get returns the identity's entry if it has a running timer.
func (c *Cache) Get(identity string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[identity]
	return e, ok
}

// Snapshot returns every entry ordered by identity. Used to answer a fresh client's
// initial state request, not as a propagation path.
func (c *Cache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return Snapshot{Entries: out, AsOf: c.next()}
}

// Len returns the number of identities with a running timer.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
