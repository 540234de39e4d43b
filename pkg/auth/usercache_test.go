package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

func newTestUserCache(t *testing.T, store UserStore, mutate func(*UserCacheConfig)) (*UserRecordCache, *testClock) {
	t.Helper()
	cfg := DefaultUserCacheConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewUserRecordCache(store, cfg, nil)
	require.NoError(t, err)
	clock := newTestClock()
	c.now = clock.Now
	t.Cleanup(c.Close)
	return c, clock
}

func TestLookupType_Parse(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"id", "email", "subject"} {
		lt, err := ParseLookupType(s)
		require.NoError(t, err)
		assert.Equal(t, s, string(lt))
	}
	_, err := ParseLookupType("phone")
	require.Error(t, err)
	assert.True(t, sserr.IsValidation(err))
}

func TestNewLookupKey_NormalizesEmail(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "email:a@b.com", NewLookupKey(LookupEmail, " A@B.com ").String())
	assert.Equal(t, "subject:ABC", NewLookupKey(LookupSubject, "ABC").String())
}

func TestUserCacheConfig_Validate(t *testing.T) {
	t.Parallel()
	cfg := DefaultUserCacheConfig()
	assert.Nil(t, cfg.Validate())

	cfg.RefreshThreshold = 1.5
	assert.NotNil(t, cfg.Validate())

	cfg = DefaultUserCacheConfig()
	cfg.MaxEntries = 0
	assert.NotNil(t, cfg.Validate())

	_, err := NewUserRecordCache(nil, DefaultUserCacheConfig(), nil)
	assert.Error(t, err)
}

// ===========================================================================
// Lookup
// ===========================================================================

func TestUserRecordCache_GetOrFetch_CachesUnderAllKeys(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	u := store.seed(Identity{Email: "a@b.com", Subject: "abc123", Roles: []string{"admin"}, Active: true})
	c, _ := newTestUserCache(t, store, nil)

	got, found, err := c.GetOrFetch(context.Background(), NewLookupKey(LookupSubject, "abc123"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, 1, store.lookups())

	for _, key := range []LookupKey{
		NewLookupKey(LookupID, u.ID),
		NewLookupKey(LookupEmail, "A@B.com"),
		NewLookupKey(LookupSubject, "abc123"),
	} {
		got, found, err := c.GetOrFetch(context.Background(), key)
		require.NoError(t, err)
		require.True(t, found, key.String())
		assert.Equal(t, u.ID, got.ID)
	}
	assert.Equal(t, 1, store.lookups(), "served from cache")

	s := c.Stats()
	assert.Equal(t, uint64(3), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.Equal(t, 3, s.Entries)
	assert.InDelta(t, 0.75, s.HitRate, 0.001)
}

func TestUserRecordCache_GetOrFetch_NotFound(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	c, _ := newTestUserCache(t, store, nil)

	_, found, err := c.GetOrFetch(context.Background(), NewLookupKey(LookupEmail, "x@y.com"))
	require.NoError(t, err)
	assert.False(t, found)

	_, found, _ = c.GetOrFetch(context.Background(), NewLookupKey(LookupEmail, "x@y.com"))
	assert.False(t, found)
	assert.Equal(t, 2, store.lookups(), "absence is not cached")
}

func TestUserRecordCache_GetOrFetch_StoreError(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.setErr(errors.New("connection refused"))
	c, _ := newTestUserCache(t, store, nil)

	_, _, err := c.GetOrFetch(context.Background(), NewLookupKey(LookupID, "u1"))
	require.Error(t, err)
	assert.True(t, sserr.HasCode(err, sserr.CodeUnavailableStore))
	assert.Equal(t, uint64(1), c.Stats().Errors)
}

func TestUserRecordCache_GetOrFetch_KeepsTimeoutErrors(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.setErr(sserr.New(sserr.CodeTimeoutDatabase, "query timed out"))
	c, _ := newTestUserCache(t, store, nil)

	_, _, err := c.GetOrFetch(context.Background(), NewLookupKey(LookupID, "u1"))
	assert.True(t, sserr.HasCode(err, sserr.CodeTimeoutDatabase))
}

func TestUserRecordCache_ReturnsCopies(t *testing.T) {
	t.Parallel()
	c, _ := newTestUserCache(t, newFakeStore(), nil)
	c.Put(Identity{ID: "u1", Roles: []string{"admin"}})

	got, ok := c.Get(NewLookupKey(LookupID, "u1"))
	require.True(t, ok)
	got.Roles[0] = "mutated"

	again, _ := c.Get(NewLookupKey(LookupID, "u1"))
	assert.Equal(t, []string{"admin"}, again.Roles)
}

// ===========================================================================
// Expiry and refresh
// ===========================================================================

func TestUserRecordCache_ExpiredEntryRefetched(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	u := store.seed(Identity{Email: "a@b.com", Active: true})
	c, clock := newTestUserCache(t, store, nil)
	key := NewLookupKey(LookupID, u.ID)

	_, _, err := c.GetOrFetch(context.Background(), key)
	require.NoError(t, err)

	clock.Advance(16 * time.Minute)
	_, ok := c.Get(key)
	assert.False(t, ok)

	_, found, err := c.GetOrFetch(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 2, store.lookups())
}

func TestUserRecordCache_StaleHitRefreshesInBackground(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	u := store.seed(Identity{Email: "a@b.com", DisplayName: "Old", Active: true})
	c, clock := newTestUserCache(t, store, nil)
	key := NewLookupKey(LookupID, u.ID)

	_, _, err := c.GetOrFetch(context.Background(), key)
	require.NoError(t, err)

	name := "New"
	_, err = store.Update(context.Background(), u.ID, UserUpdate{DisplayName: &name})
	require.NoError(t, err)

	clock.Advance(13 * time.Minute) // past 0.8 x 15m
	got, found, err := c.GetOrFetch(context.Background(), key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Old", got.DisplayName, "stale value returned immediately")

	assert.Eventually(t, func() bool {
		got, ok := c.Get(key)
		return ok && got.DisplayName == "New"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), c.Stats().BackgroundRefreshes)
}

func TestUserRecordCache_OneRefreshPerKey(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	u := store.seed(Identity{Email: "a@b.com", Active: true})
	c, clock := newTestUserCache(t, store, nil)
	key := NewLookupKey(LookupID, u.ID)
	_, _, err := c.GetOrFetch(context.Background(), key)
	require.NoError(t, err)

	release := make(chan struct{})
	store.mu.Lock()
	store.onGet = func() { <-release }
	store.mu.Unlock()
	clock.Advance(13 * time.Minute)

	for range 10 {
		_, found, err := c.GetOrFetch(context.Background(), key)
		require.NoError(t, err)
		require.True(t, found)
	}
	close(release)

	assert.Eventually(t, func() bool { return store.lookups() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), c.Stats().BackgroundRefreshes)
}

func TestUserRecordCache_RefreshDropsDeletedRecord(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	u := store.seed(Identity{Email: "a@b.com", Subject: "abc", Active: true})
	c, clock := newTestUserCache(t, store, nil)
	c.Put(u)

	store.mu.Lock()
	delete(store.users, u.ID)
	store.mu.Unlock()

	clock.Advance(13 * time.Minute)
	_, found, err := c.GetOrFetch(context.Background(), NewLookupKey(LookupID, u.ID))
	require.NoError(t, err)
	assert.True(t, found)

	assert.Eventually(t, func() bool { return c.Stats().Entries == 0 }, time.Second, 5*time.Millisecond)
}

func TestUserRecordCache_PurgeExpired(t *testing.T) {
	t.Parallel()
	c, clock := newTestUserCache(t, newFakeStore(), nil)
	c.Put(Identity{ID: "u1", Email: "a@b.com"})
	clock.Advance(10 * time.Minute)
	c.Put(Identity{ID: "u2"})
	clock.Advance(6 * time.Minute)

	s := c.Stats()
	assert.Equal(t, 1, s.ValidEntries)
	assert.Equal(t, 2, s.ExpiredEntries)

	assert.Equal(t, 2, c.PurgeExpired())
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestUserRecordCache_JanitorPurges(t *testing.T) {
	t.Parallel()
	c, clock := newTestUserCache(t, newFakeStore(), func(cfg *UserCacheConfig) {
		cfg.CleanupInterval = 5 * time.Millisecond
	})
	c.Put(Identity{ID: "u1"})
	clock.Advance(time.Hour)

	c.Start(context.Background())
	c.Start(context.Background())
	assert.Eventually(t, func() bool { return c.Stats().Entries == 0 }, time.Second, 5*time.Millisecond)
	c.Close()
	c.Close()
}

// ===========================================================================
// Bounds and invalidation
// ===========================================================================

func TestUserRecordCache_EvictsLeastRecentlyInserted(t *testing.T) {
	t.Parallel()
	c, _ := newTestUserCache(t, newFakeStore(), func(cfg *UserCacheConfig) { cfg.MaxEntries = 3 })

	c.Put(Identity{ID: "u1"})
	c.Put(Identity{ID: "u2"})
	c.Put(Identity{ID: "u3"})

	// Reads do not protect u1.
	_, ok := c.Get(NewLookupKey(LookupID, "u1"))
	require.True(t, ok)

	c.Put(Identity{ID: "u4"})
	_, ok = c.Get(NewLookupKey(LookupID, "u1"))
	assert.False(t, ok)
	_, ok = c.Get(NewLookupKey(LookupID, "u4"))
	assert.True(t, ok)

	s := c.Stats()
	assert.Equal(t, 3, s.Entries)
	assert.Equal(t, uint64(1), s.Evictions)
}

func TestUserRecordCache_InvalidateDropsAllKeys(t *testing.T) {
	t.Parallel()
	c, _ := newTestUserCache(t, newFakeStore(), nil)
	u := Identity{ID: "u1", Email: "a@b.com", Subject: "abc"}
	c.Put(u)
	c.Put(Identity{ID: "u2", Email: "c@d.com"})

	c.Invalidate(NewLookupKey(LookupEmail, "A@B.COM"))
	for _, k := range lookupKeys(u) {
		_, ok := c.Get(k)
		assert.False(t, ok, k.String())
	}
	_, ok := c.Get(NewLookupKey(LookupID, "u2"))
	assert.True(t, ok)

	c.InvalidateIdentity(Identity{ID: "u2", Email: "c@d.com"})
	assert.Equal(t, 0, c.Stats().Entries)

	c.Put(u)
	c.Clear()
	assert.Equal(t, 0, c.Stats().Entries)
}

func inflightFetches(c *UserRecordCache) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight
}

func TestUserRecordCache_InvalidateDuringFetchIsNotUndone(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	u := store.seed(Identity{Email: "a@b.com", Subject: "abc", Active: true})
	entered := make(chan struct{})
	release := make(chan struct{})
	store.onGet = func() {
		entered <- struct{}{}
		<-release
	}
	c, _ := newTestUserCache(t, store, nil)
	key := NewLookupKey(LookupID, u.ID)

	type result struct {
		id    Identity
		found bool
		err   error
	}
	done := make(chan result, 1)
	go func() {
		id, found, err := c.GetOrFetch(context.Background(), key)
		done <- result{id, found, err}
	}()

	<-entered
	c.InvalidateIdentity(u)
	close(release)
	res := <-done

	require.NoError(t, res.err)
	require.True(t, res.found, "caller still gets the record")
	assert.Equal(t, u.ID, res.id.ID)
	for _, k := range lookupKeys(u) {
		_, ok := c.Get(k)
		assert.False(t, ok, k.String())
	}

	// A fetch that starts after the invalidation caches normally.
	store.onGet = nil
	_, _, err := c.GetOrFetch(context.Background(), key)
	require.NoError(t, err)
	_, ok := c.Get(key)
	assert.True(t, ok)
}

func TestUserRecordCache_ClearDuringFetchIsNotUndone(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.seed(Identity{Email: "a@b.com", Active: true})
	entered := make(chan struct{})
	release := make(chan struct{})
	store.onGet = func() {
		entered <- struct{}{}
		<-release
	}
	c, _ := newTestUserCache(t, store, nil)

	done := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrFetch(context.Background(), NewLookupKey(LookupEmail, "a@b.com"))
		done <- err
	}()
	<-entered
	c.Clear()
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 0, c.Stats().Entries)
	assert.Equal(t, 0, inflightFetches(c))
}

func TestUserRecordCache_RefreshDiscardedAfterInvalidate(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	u := store.seed(Identity{Email: "a@b.com", DisplayName: "Old", Active: true})
	c, clock := newTestUserCache(t, store, nil)
	key := NewLookupKey(LookupID, u.ID)
	_, _, err := c.GetOrFetch(context.Background(), key)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	store.mu.Lock()
	store.onGet = func() {
		entered <- struct{}{}
		<-release
	}
	store.mu.Unlock()

	clock.Advance(13 * time.Minute)
	_, found, err := c.GetOrFetch(context.Background(), key)
	require.NoError(t, err)
	require.True(t, found)

	<-entered
	c.InvalidateIdentity(u)
	close(release)

	assert.Eventually(t, func() bool { return inflightFetches(c) == 0 }, time.Second, 5*time.Millisecond)
	_, ok := c.Get(key)
	assert.False(t, ok, "refresh must not resurrect an invalidated record")
}
