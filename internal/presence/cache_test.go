package presence

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFrozenCache(at time.Time) *Cache {
	c := NewCache()
	c.now = func() time.Time { return at }
	return c
}

func entry(identity, task string, started time.Time) Entry {
	return Entry{Identity: identity, Task: Task{ProjectID: "p1", TaskID: task}, Label: "Work on " + task, StartedAt: started}
}

func TestCache_UpsertReplacesNotDuplicates(t *testing.T) {
	c := NewCache()
	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	first, changed := c.Upsert(entry("u1", "t1", t0))
	require.True(t, changed)
	second, changed := c.Upsert(entry("u1", "t2", t0.Add(time.Minute)))
	require.True(t, changed)

	assert.Equal(t, 1, c.Len())
	got, ok := c.Get("u1")
	require.True(t, ok)
	assert.Equal(t, "t2", got.Task.TaskID)
	assert.Greater(t, second.Version, first.Version)
}

func TestCache_UpsertSameStateIsIdempotent(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	c := newFrozenCache(t0)

	first, _ := c.Upsert(entry("u1", "t1", t0))
	c.now = func() time.Time { return t0.Add(time.Second) }
	again, changed := c.Upsert(entry("u1", "t1", t0))

	assert.False(t, changed)
	assert.Equal(t, first.Version, again.Version)
	assert.Equal(t, t0.Add(time.Second), again.UpdatedAt)
}

func TestCache_VersionsStrictlyIncreaseWithFrozenClock(t *testing.T) {
	c := newFrozenCache(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	var prev int64
	for i := range 5 {
		e, _ := c.Upsert(entry("u1", fmt.Sprintf("t%d", i), time.Unix(int64(i), 0)))
		assert.Greater(t, e.Version, prev)
		prev = e.Version
	}
}

func TestCache_Clear(t *testing.T) {
	c := NewCache()
	start, _ := c.Upsert(entry("u1", "t1", time.Now()))

	removed, v, ok := c.Clear("u1")
	require.True(t, ok)
	assert.Equal(t, "t1", removed.Task.TaskID)
	assert.Greater(t, v, start.Version)
	assert.Equal(t, 0, c.Len())

	_, _, ok = c.Clear("u1")
	assert.False(t, ok, "clearing an absent identity is a no-op")
}

func TestCache_SnapshotAsOfCoversEntries(t *testing.T) {
	c := NewCache()
	c.Upsert(entry("u2", "t1", time.Now()))
	c.Upsert(entry("u1", "t1", time.Now()))

	snap := c.Snapshot()
	require.Len(t, snap.Entries, 2)
	assert.Equal(t, "u1", snap.Entries[0].Identity)
	for _, e := range snap.Entries {
		assert.Less(t, e.Version, snap.AsOf)
	}

	later, _ := c.Upsert(entry("u3", "t1", time.Now()))
	assert.Greater(t, later.Version, snap.AsOf)
}

func TestCache_ApplyRemoteStrictlyNewer(t *testing.T) {
	c := NewCache()
	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	start := StartedEvent(Entry{Identity: "u1", Task: Task{ProjectID: "p", TaskID: "t"}, StartedAt: t0, Version: 100})
	_, ok := c.ApplyRemote(start)
	require.True(t, ok)
	_, ok = c.ApplyRemote(start)
	assert.False(t, ok, "re-applying the same version is a no-op")

	stop := StoppedEvent("u1", t0.Add(time.Hour), 3600, 200)
	_, ok = c.ApplyRemote(stop)
	require.True(t, ok)
	_, ok = c.Get("u1")
	assert.False(t, ok)

	late := start
	late.Version = 150
	_, ok = c.ApplyRemote(late)
	assert.False(t, ok, "a start older than the stop is discarded")
	_, ok = c.Get("u1")
	assert.False(t, ok)
}

func TestCache_LocalVersionsExceedRemote(t *testing.T) {
	c := newFrozenCache(time.Unix(0, 10))
	c.ApplyRemote(StartedEvent(Entry{Identity: "u9", Task: Task{TaskID: "t"}, StartedAt: time.Unix(1, 0), Version: 1_000}))

	e, _ := c.Upsert(entry("u1", "t1", time.Now()))
	assert.Greater(t, e.Version, int64(1_000))
}

// A relayed change issued before a snapshot this instance already served must still be
// newer than that snapshot once applied here.
func TestCache_ApplyRemoteRestampsAboveServedSnapshot(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	origin := newFrozenCache(t0)
	local := newFrozenCache(t0.Add(time.Second))

	stored, _ := origin.Upsert(entry("u1", "t1", t0))
	remote := StartedEvent(stored)
	remote.Origin = "inst-b"

	snap := local.Snapshot()
	require.Less(t, remote.Version, snap.AsOf)

	applied, ok := local.ApplyRemote(remote)
	require.True(t, ok)
	assert.Greater(t, applied.Version, snap.AsOf)
	assert.Empty(t, applied.Origin)
	got, ok := local.Get("u1")
	require.True(t, ok)
	assert.Equal(t, applied.Version, got.Version)

	stop := StoppedEvent("u1", t0, 5, stored.Version+1)
	applied, ok = local.ApplyRemote(stop)
	require.True(t, ok, "ordering between relayed changes follows their origin versions")
	assert.Greater(t, applied.Version, got.Version)
}

func TestCache_PruneDropsOldTombstonesOnly(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	c := newFrozenCache(t0)
	c.Upsert(entry("u1", "t1", t0))
	c.Upsert(entry("u2", "t1", t0))
	c.Clear("u2")
	_, ok := c.ApplyRemote(StoppedEvent("u3", t0, 1, t0.UnixNano()-5))
	require.True(t, ok)

	c.now = func() time.Time { return t0.Add(10 * time.Minute) }
	assert.Equal(t, 2, c.Prune(5*time.Minute))
	assert.Len(t, c.versions, 1)
	_, ok = c.Get("u1")
	assert.True(t, ok, "running entries keep their records")

	stale := StartedEvent(Entry{Identity: "u3", Task: Task{TaskID: "t"}, StartedAt: t0, Version: t0.UnixNano() - 10})
	_, ok = c.ApplyRemote(stale)
	assert.False(t, ok, "older than a pruned record")
}

func TestCache_AtMostOneEntryPerIdentityUnderContention(t *testing.T) {
	c := NewCache()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Upsert(entry("u1", fmt.Sprintf("t%d", i), time.Unix(int64(i), 0)))
			if i%3 == 0 {
				c.Clear("u1")
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 1)
}

func TestEvent_EntryRoundTrip(t *testing.T) {
	e := entry("u1", "t1", time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	e.Version = 42
	got, ok := StartedEvent(e).Entry()
	require.True(t, ok)
	assert.Equal(t, e.Task, got.Task)
	assert.Equal(t, int64(42), got.Version)

	_, ok = StoppedEvent("u1", time.Now(), 1, 43).Entry()
	assert.False(t, ok)
}
