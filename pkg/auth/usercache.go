package auth

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// LookupType names the identifier a user record is looked up by.
type LookupType string

const (
	LookupID      LookupType = "id"
	LookupEmail   LookupType = "email"
	LookupSubject LookupType = "subject"
)

// ParseLookupType parses "id", "email" or "subject".
func ParseLookupType(s string) (LookupType, error) {
	switch t := LookupType(s); t {
	case LookupID, LookupEmail, LookupSubject:
		return t, nil
	default:
		return "", sserr.Validationf("auth: unknown lookup type %q (use id, email or subject)", s)
	}
}

// LookupKey identifies a user record in the [UserRecordCache].
type LookupKey struct {
	Type  LookupType
	Value string
}

// NewLookupKey builds a key, normalizing email values.
func NewLookupKey(t LookupType, value string) LookupKey {
	if t == LookupEmail {
		value = NormalizeEmail(value)
	}
	return LookupKey{Type: t, Value: value}
}

func (k LookupKey) String() string { return string(k.Type) + ":" + k.Value }

// lookupKeys returns every key an identity is reachable under.
func lookupKeys(id Identity) []LookupKey {
	keys := make([]LookupKey, 0, 3)
	if id.ID != "" {
		keys = append(keys, LookupKey{Type: LookupID, Value: id.ID})
	}
	if id.Email != "" {
		keys = append(keys, NewLookupKey(LookupEmail, id.Email))
	}
	if id.Subject != "" {
		keys = append(keys, LookupKey{Type: LookupSubject, Value: id.Subject})
	}
	return keys
}

// ---------------------------------------------------------------------------
// UserCacheConfig
// ---------------------------------------------------------------------------

// UserCacheConfig configures a [UserRecordCache].
type UserCacheConfig struct {
	TTL        time.Duration `env:"TTL" envDefault:"15m" yaml:"ttl" json:"ttl"`
	MaxEntries int           `env:"MAX_ENTRIES" envDefault:"2000" yaml:"max_entries" json:"max_entries"`

	// RefreshThreshold is the fraction of TTL after which a hit schedules
	// a background refresh.
	RefreshThreshold float64 `env:"REFRESH_THRESHOLD" envDefault:"0.8" yaml:"refresh_threshold" json:"refresh_threshold"`

	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"5m" yaml:"cleanup_interval" json:"cleanup_interval"`

	// RefreshTimeout bounds one background refresh.
	RefreshTimeout time.Duration `env:"REFRESH_TIMEOUT" envDefault:"10s" yaml:"refresh_timeout" json:"refresh_timeout"`
}

// DefaultUserCacheConfig returns 15m TTL, 2000 entries and a 0.8 refresh
// threshold.
func DefaultUserCacheConfig() UserCacheConfig {
	return UserCacheConfig{
		TTL:              15 * time.Minute,
		MaxEntries:       2000,
		RefreshThreshold: 0.8,
		CleanupInterval:  5 * time.Minute,
		RefreshTimeout:   10 * time.Second,
	}
}

// Validate checks the configuration.
func (c *UserCacheConfig) Validate() *sserr.Error {
	switch {
	case c.TTL <= 0:
		return sserr.Validation("auth: user cache TTL must be positive")
	case c.MaxEntries <= 0:
		return sserr.Validation("auth: user cache max entries must be positive")
	case c.RefreshThreshold <= 0 || c.RefreshThreshold > 1:
		return sserr.Validationf("auth: user cache refresh threshold %v must be in (0, 1]", c.RefreshThreshold)
	case c.CleanupInterval <= 0 || c.RefreshTimeout <= 0:
		return sserr.Validation("auth: user cache intervals must be positive")
	}
	return nil
}

// UserCacheStats is a point-in-time view of a [UserRecordCache].
type UserCacheStats struct {
	Hits                uint64  `json:"hits"`
	Misses              uint64  `json:"misses"`
	HitRate             float64 `json:"hit_rate"`
	Evictions           uint64  `json:"evictions"`
	BackgroundRefreshes uint64  `json:"background_refreshes"`
	StoreQueries        uint64  `json:"store_queries"`
	Errors              uint64  `json:"errors"`
	Entries             int     `json:"entries"`
	ValidEntries        int     `json:"valid_entries"`
	ExpiredEntries      int     `json:"expired_entries"`
	MaxEntries          int     `json:"max_entries"`
	TTLSeconds          float64 `json:"ttl_seconds"`
	RefreshThreshold    float64 `json:"refresh_threshold"`
}

// ---------------------------------------------------------------------------
// UserRecordCache
// ---------------------------------------------------------------------------

// UserRecordCache caches user records from a [UserStore] under each of
// their lookup keys (id, email, subject).
//
// A hit older than RefreshThreshold x TTL is returned immediately and a
// background refresh is scheduled for that key; one refresh per key runs
// at a time. The cache is bounded to MaxEntries keys and evicts the least
// recently inserted key when full. Reads never reorder entries.
//
// UserRecordCache is safe for concurrent use.
type UserRecordCache struct {
	store  UserStore
	cfg    UserCacheConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries *simplelru.LRU[LookupKey, cacheEntry[Identity]]

	// A store read that started before an invalidation of one of its keys
	// must not repopulate the cache. epoch counts invalidations; while
	// fetches are in flight, invalidated records the epoch at which each
	// key was last dropped and clearedAt the epoch of the last Clear.
	epoch       uint64
	clearedAt   uint64
	inflight    int
	invalidated map[LookupKey]uint64

	refreshes singleflight.Group

	hits, misses, evictions, refreshed, queries, errs atomic.Uint64

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewUserRecordCache creates a cache over store.
func NewUserRecordCache(store UserStore, cfg UserCacheConfig, logger *slog.Logger) (*UserRecordCache, error) {
	if store == nil {
		return nil, sserr.Validation("auth: user cache requires a store")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	entries, err := simplelru.NewLRU[LookupKey, cacheEntry[Identity]](cfg.MaxEntries, nil)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "auth: failed to create user cache")
	}
	return &UserRecordCache{
		store:   store,
		cfg:     cfg,
		logger:  loggerOrDefault(logger),
		now:     time.Now,
		entries:     entries,
		invalidated: make(map[LookupKey]uint64),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

// Get returns a cached, unexpired record. It never touches the store.
func (c *UserRecordCache) Get(key LookupKey) (Identity, bool) {
	e, ok := c.peekValid(key)
	if !ok {
		return Identity{}, false
	}
	return e.value.Clone(), true
}

// GetOrFetch returns the record for key from the cache, or from the store
// on a miss. A record the store does not have is reported as
// (Identity{}, false, nil). Store failures carry
// [sserr.CodeUnavailableStore].
func (c *UserRecordCache) GetOrFetch(ctx context.Context, key LookupKey) (Identity, bool, error) {
	if e, ok := c.peekValid(key); ok {
		c.hits.Add(1)
		if float64(e.age(c.now())) > c.cfg.RefreshThreshold*float64(c.cfg.TTL) {
			c.scheduleRefresh(key)
		}
		return e.value.Clone(), true, nil
	}
	c.misses.Add(1)

	start := c.beginFetch()
	id, found, err := c.fetch(ctx, key)
	if err != nil || !found {
		c.endFetch(start, key, nil)
		if err != nil {
			c.errs.Add(1)
			return Identity{}, false, asStoreError(err, "auth: user lookup failed")
		}
		return Identity{}, false, nil
	}
	c.endFetch(start, key, &id)
	return id.Clone(), true, nil
}

// Put caches the identity under all of its lookup keys.
func (c *UserRecordCache) Put(id Identity) {
	keys := lookupKeys(id)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.addLocked(keys, id, now)
}

func (c *UserRecordCache) addLocked(keys []LookupKey, id Identity, now time.Time) {
	for _, k := range keys {
		if c.entries.Add(k, cacheEntry[Identity]{value: id.Clone(), storedAt: now, ttl: c.cfg.TTL}) {
			c.evictions.Add(1)
		}
	}
}

// beginFetch registers a store read and returns the epoch it started at.
func (c *UserRecordCache) beginFetch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight++
	return c.epoch
}

// endFetch caches id unless key, one of id's keys, or the whole cache was
// invalidated after the read began. It returns whether id was cached.
func (c *UserRecordCache) endFetch(start uint64, key LookupKey, id *Identity) bool {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() {
		c.inflight--
		if c.inflight == 0 {
			clear(c.invalidated)
		}
	}()
	if id == nil {
		return false
	}
	keys := lookupKeys(*id)
	if c.clearedAt > start || c.invalidated[key] > start {
		return false
	}
	for _, k := range keys {
		if c.invalidated[k] > start {
			return false
		}
	}
	c.addLocked(keys, *id, now)
	return true
}

// removeLocked drops keys and records the invalidation for in-flight
// fetches.
func (c *UserRecordCache) removeLocked(keys ...LookupKey) {
	c.epoch++
	for _, k := range keys {
		c.entries.Remove(k)
		if c.inflight > 0 {
			c.invalidated[k] = c.epoch
		}
	}
}

// Invalidate drops key and, when it maps to a cached record, every other
// key of that record.
func (c *UserRecordCache) Invalidate(key LookupKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries.Peek(key); ok {
		c.removeLocked(lookupKeys(e.value)...)
	}
	c.removeLocked(key)
}

// InvalidateIdentity drops every key of id.
func (c *UserRecordCache) InvalidateIdentity(id Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(lookupKeys(id)...)
}

// Clear drops every entry.
func (c *UserRecordCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.clearedAt = c.epoch
	c.entries.Purge()
}

// PurgeExpired removes expired entries and returns how many were removed.
func (c *UserRecordCache) PurgeExpired() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for _, k := range c.entries.Keys() {
		if e, ok := c.entries.Peek(k); ok && !e.valid(now) {
			c.entries.Remove(k)
			removed++
		}
	}
	return removed
}

// Start runs the expired-entry janitor until ctx is done or Close is
// called.
func (c *UserRecordCache) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				if n := c.PurgeExpired(); n > 0 {
					c.logger.Debug("auth: purged expired user cache entries", "removed", n)
				}
			}
		}
	}()
}

// Close stops the janitor started by Start and waits for it to exit. It is
// safe to call more than once, and without Start.
func (c *UserRecordCache) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	if c.started.Load() {
		<-c.done
	}
}

// Stats returns the cache counters and entry counts.
func (c *UserRecordCache) Stats() UserCacheStats {
	now := c.now()
	s := UserCacheStats{
		Hits:                c.hits.Load(),
		Misses:              c.misses.Load(),
		Evictions:           c.evictions.Load(),
		BackgroundRefreshes: c.refreshed.Load(),
		StoreQueries:        c.queries.Load(),
		Errors:              c.errs.Load(),
		MaxEntries:          c.cfg.MaxEntries,
		TTLSeconds:          c.cfg.TTL.Seconds(),
		RefreshThreshold:    c.cfg.RefreshThreshold,
	}
	s.HitRate = hitRate(s.Hits, s.Misses)

	c.mu.Lock()
	for _, k := range c.entries.Keys() {
		if e, ok := c.entries.Peek(k); ok {
			if e.valid(now) {
				s.ValidEntries++
			} else {
				s.ExpiredEntries++
			}
		}
	}
	s.Entries = c.entries.Len()
	c.mu.Unlock()
	return s
}

// peekValid returns the entry for key, dropping it if it has expired.
func (c *UserRecordCache) peekValid(key LookupKey) (cacheEntry[Identity], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Peek(key)
	if !ok {
		return cacheEntry[Identity]{}, false
	}
	if !e.valid(c.now()) {
		c.entries.Remove(key)
		return cacheEntry[Identity]{}, false
	}
	return e, true
}

func (c *UserRecordCache) fetch(ctx context.Context, key LookupKey) (Identity, bool, error) {
	c.queries.Add(1)
	switch key.Type {
	case LookupID:
		return c.store.GetByID(ctx, key.Value)
	case LookupEmail:
		return c.store.GetByEmail(ctx, key.Value)
	case LookupSubject:
		return c.store.GetBySubject(ctx, key.Value)
	default:
		return Identity{}, false, sserr.Validationf("auth: unknown lookup type %q", key.Type)
	}
}

// scheduleRefresh starts a background refresh of key unless one is
// already running. The caller never waits for it.
func (c *UserRecordCache) scheduleRefresh(key LookupKey) {
	// DoChan runs fn on its own goroutine. Its result channel is buffered,
	// so it is safe to drop.
	_ = c.refreshes.DoChan(key.String(), func() (any, error) {
		c.refresh(key)
		return nil, nil
	})
}

func (c *UserRecordCache) refresh(key LookupKey) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RefreshTimeout)
	defer cancel()

	c.refreshed.Add(1)
	start := c.beginFetch()
	id, found, err := c.fetch(ctx, key)
	switch {
	case err != nil:
		c.endFetch(start, key, nil)
		c.errs.Add(1)
		c.logger.Warn("auth: background user refresh failed",
			"lookup_type", string(key.Type),
			"error", err,
		)
	case !found:
		c.endFetch(start, key, nil)
		c.Invalidate(key)
	default:
		if !c.endFetch(start, key, &id) {
			c.logger.Debug("auth: discarded background refresh of invalidated user",
				"lookup_type", string(key.Type),
			)
		}
	}
}

// asStoreError keeps platform errors that already say why the store
// failed and wraps anything else as a store outage.
func asStoreError(err error, msg string) error {
	if e, ok := sserr.AsError(err); ok && (sserr.IsUnavailable(e) || sserr.IsTimeout(e)) {
		return e
	}
	return sserr.StoreUnavailable(err, msg)
}
