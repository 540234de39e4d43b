package auth

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// SharedResultStore is an optional cross-replica tier behind the
// in-process [AuthResultCache].
//
// Clear must advance Generation and make every entry written before it
// unreachable. Replicas tag their local copies with the generation they
// observed and drop them once the shared generation moves on, so a Clear
// on one replica reaches the local tier of the others within
// [AuthCacheConfig.GenerationCheckInterval].
type SharedResultStore interface {
	Generation(ctx context.Context) (int64, error)
	Get(ctx context.Context, tokenHash string) (SharedResult, bool, error)
	Set(ctx context.Context, tokenHash string, id Identity, ttl time.Duration) error
	Delete(ctx context.Context, tokenHash string) error
	Clear(ctx context.Context) error
}

// SharedResult is an entry read from a [SharedResultStore]. ExpiresAt is
// when the entry stops being valid; copies must not outlive it.
type SharedResult struct {
	Identity  Identity  `json:"identity"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AuthCacheConfig configures an [AuthResultCache].
type AuthCacheConfig struct {
	TTL        time.Duration `env:"TTL" envDefault:"5m" yaml:"ttl" json:"ttl"`
	MaxEntries int           `env:"MAX_ENTRIES" envDefault:"10000" yaml:"max_entries" json:"max_entries"`

	// GenerationCheckInterval bounds how long a local entry may be served
	// after another replica cleared the shared tier. Zero checks on every
	// read. Ignored without a shared tier.
	GenerationCheckInterval time.Duration `env:"GENERATION_CHECK_INTERVAL" envDefault:"1s" yaml:"generation_check_interval" json:"generation_check_interval"`
}

// DefaultAuthCacheConfig returns a 5 minute TTL, 10000 entries and a one
// second generation check.
func DefaultAuthCacheConfig() AuthCacheConfig {
	return AuthCacheConfig{TTL: 5 * time.Minute, MaxEntries: 10000, GenerationCheckInterval: time.Second}
}

// Validate checks the configuration.
func (c *AuthCacheConfig) Validate() *sserr.Error {
	if c.TTL <= 0 {
		return sserr.Validation("auth: auth cache TTL must be positive")
	}
	if c.MaxEntries <= 0 {
		return sserr.Validation("auth: auth cache max entries must be positive")
	}
	if c.GenerationCheckInterval < 0 {
		return sserr.Validation("auth: auth cache generation check interval must not be negative")
	}
	return nil
}

// AuthCacheStats is a point-in-time view of an [AuthResultCache].
type AuthCacheStats struct {
	Hits         uint64  `json:"hits"`
	Misses       uint64  `json:"misses"`
	HitRate      float64 `json:"hit_rate"`
	SharedHits   uint64  `json:"shared_hits"`
	SharedErrors uint64  `json:"shared_errors"`
	Evictions    uint64  `json:"evictions"`
	Clears       uint64  `json:"clears"`
	Entries      int     `json:"entries"`
	MaxEntries   int     `json:"max_entries"`
	TTLSeconds   float64 `json:"ttl_seconds"`
	Shared       bool    `json:"shared"`
}

// AuthResultCache maps token hashes to fully resolved identities so a
// repeated token skips verification and the user store.
//
// Only successful resolutions belong here, and never past the expiry of
// the token they were resolved from. Shared-tier failures are logged and
// read as misses.
type AuthResultCache struct {
	cfg    AuthCacheConfig
	shared SharedResultStore
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries *simplelru.LRU[string, authEntry]

	// Last shared generation seen and when it was read.
	genMu        sync.Mutex
	gen          int64
	genCheckedAt time.Time

	hits, misses, sharedHits, sharedErrs, evictions, clears atomic.Uint64
}

// NewAuthResultCache creates the cache. shared may be nil.
func NewAuthResultCache(cfg AuthCacheConfig, shared SharedResultStore, logger *slog.Logger) (*AuthResultCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	entries, err := simplelru.NewLRU[string, authEntry](cfg.MaxEntries, nil)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "auth: failed to create auth cache")
	}
	return &AuthResultCache{
		cfg:     cfg,
		shared:  shared,
		logger:  loggerOrDefault(logger),
		now:     time.Now,
		entries: entries,
	}, nil
}

// authEntry is a local copy tagged with the shared generation it was
// written under.
type authEntry struct {
	cacheEntry[Identity]
	generation int64
}

// Get returns the identity cached for tokenHash.
func (c *AuthResultCache) Get(ctx context.Context, tokenHash string) (Identity, bool) {
	var gen int64
	if c.shared != nil {
		gen = c.generation(ctx)
	}
	if id, ok := c.getLocal(tokenHash, gen); ok {
		c.hits.Add(1)
		return id, true
	}
	if c.shared != nil {
		res, found, err := c.shared.Get(ctx, tokenHash)
		if err != nil {
			c.sharedErrs.Add(1)
			c.logger.WarnContext(ctx, "auth: shared auth cache read failed",
				"token_hash", hashPrefix(tokenHash),
				"error", err,
			)
		} else if ttl := c.ttlFor(res.ExpiresAt); found && ttl > 0 {
			c.hits.Add(1)
			c.sharedHits.Add(1)
			c.putLocal(tokenHash, res.Identity, ttl, gen)
			return res.Identity.Clone(), true
		}
	}
	c.misses.Add(1)
	return Identity{}, false
}

// Set caches id for tokenHash in both tiers. The entry lives for the
// configured TTL, cut short at expiresAt when that is set; a token that
// has already expired is not cached.
func (c *AuthResultCache) Set(ctx context.Context, tokenHash string, id Identity, expiresAt time.Time) {
	ttl := c.ttlFor(expiresAt)
	if ttl <= 0 {
		return
	}
	if c.shared == nil {
		c.putLocal(tokenHash, id, ttl, 0)
		return
	}
	c.putLocal(tokenHash, id, ttl, c.generation(ctx))
	if err := c.shared.Set(ctx, tokenHash, id.Clone(), ttl); err != nil {
		c.sharedErrs.Add(1)
		c.logger.WarnContext(ctx, "auth: shared auth cache write failed",
			"token_hash", hashPrefix(tokenHash),
			"error", err,
		)
	}
}

// Invalidate drops tokenHash from both tiers.
func (c *AuthResultCache) Invalidate(ctx context.Context, tokenHash string) {
	c.mu.Lock()
	c.entries.Remove(tokenHash)
	c.mu.Unlock()
	if c.shared == nil {
		return
	}
	if err := c.shared.Delete(ctx, tokenHash); err != nil {
		c.sharedErrs.Add(1)
		c.logger.WarnContext(ctx, "auth: shared auth cache delete failed", "error", err)
	}
}

// Clear drops every cached result. A shared-tier failure is returned so an
// operator clearing after a suspected compromise learns that other
// replicas may still hold entries.
func (c *AuthResultCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.entries.Purge()
	c.mu.Unlock()
	c.clears.Add(1)

	if c.shared == nil {
		return nil
	}
	// Reread the generation on the next access.
	defer func() {
		c.genMu.Lock()
		c.genCheckedAt = time.Time{}
		c.genMu.Unlock()
	}()
	if err := c.shared.Clear(ctx); err != nil {
		c.sharedErrs.Add(1)
		return sserr.Wrap(err, sserr.CodeUnavailableDependency, "auth: failed to clear shared auth cache")
	}
	return nil
}

// Stats returns the cache counters.
func (c *AuthResultCache) Stats() AuthCacheStats {
	c.mu.Lock()
	n := c.entries.Len()
	c.mu.Unlock()
	s := AuthCacheStats{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		SharedHits:   c.sharedHits.Load(),
		SharedErrors: c.sharedErrs.Load(),
		Evictions:    c.evictions.Load(),
		Clears:       c.clears.Load(),
		Entries:      n,
		MaxEntries:   c.cfg.MaxEntries,
		TTLSeconds:   c.cfg.TTL.Seconds(),
		Shared:       c.shared != nil,
	}
	s.HitRate = hitRate(s.Hits, s.Misses)
	return s
}

func (c *AuthResultCache) getLocal(tokenHash string, gen int64) (Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Peek(tokenHash)
	if !ok {
		return Identity{}, false
	}
	if !e.valid(c.now()) || (c.shared != nil && e.generation != gen) {
		c.entries.Remove(tokenHash)
		return Identity{}, false
	}
	return e.value.Clone(), true
}

func (c *AuthResultCache) putLocal(tokenHash string, id Identity, ttl time.Duration, gen int64) {
	entry := authEntry{
		cacheEntry: cacheEntry[Identity]{value: id.Clone(), storedAt: c.now(), ttl: ttl},
		generation: gen,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries.Add(tokenHash, entry) {
		c.evictions.Add(1)
	}
}

// ttlFor caps the configured TTL at expiresAt. The result is not positive
// when expiresAt has passed.
func (c *AuthResultCache) ttlFor(expiresAt time.Time) time.Duration {
	ttl := c.cfg.TTL
	if !expiresAt.IsZero() {
		ttl = min(ttl, expiresAt.Sub(c.now()))
	}
	return ttl
}

// generation returns the shared generation, rereading it once
// GenerationCheckInterval has elapsed. A failed read keeps the last known
// value until the next interval.
func (c *AuthResultCache) generation(ctx context.Context) int64 {
	now := c.now()
	c.genMu.Lock()
	gen := c.gen
	fresh := !c.genCheckedAt.IsZero() && now.Sub(c.genCheckedAt) < c.cfg.GenerationCheckInterval
	c.genMu.Unlock()
	if fresh {
		return gen
	}

	next, err := c.shared.Generation(ctx)
	c.genMu.Lock()
	defer c.genMu.Unlock()
	c.genCheckedAt = now
	if err != nil {
		c.sharedErrs.Add(1)
		c.logger.WarnContext(ctx, "auth: shared auth cache generation read failed", "error", err)
		return c.gen
	}
	c.gen = next
	return next
}
