package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/StricklySoft/stricklysoft-identity/pkg/auth"
	"github.com/StricklySoft/stricklysoft-identity/pkg/clients/redis"
	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// DefaultResultPrefix namespaces the shared auth cache keys.
const DefaultResultPrefix = "identity:auth"

// Commands is the part of [redis.Client] the result store uses.
type Commands interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Incr(ctx context.Context, key string) (int64, error)
	Health(ctx context.Context) error
}

var _ Commands = (*redis.Client)(nil)

// RedisResultStore is the cross-replica [auth.SharedResultStore] tier.
//
// Entries are stored as JSON [auth.SharedResult] values under
// {prefix}:{generation}:{token hash} with the TTL given by the cache. The
// generation counter lives at {prefix}:gen. Clear increments it, so every
// earlier Redis entry is unreachable at once; local copies held by other
// replicas are dropped when their next generation check sees the new
// value. Orphaned entries expire on their own TTL.
type RedisResultStore struct {
	cmd    Commands
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

var (
	_ auth.SharedResultStore = (*RedisResultStore)(nil)
	_ auth.HealthChecker     = (*RedisResultStore)(nil)
)

// NewRedisResultStore returns a result store writing under prefix, or
// [DefaultResultPrefix] when prefix is empty.
func NewRedisResultStore(cmd Commands, prefix string, logger *slog.Logger) *RedisResultStore {
	if prefix == "" {
		prefix = DefaultResultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisResultStore{cmd: cmd, prefix: prefix, logger: logger, now: time.Now}
}

// Generation returns the current generation; a missing counter is 0.
func (s *RedisResultStore) Generation(ctx context.Context) (int64, error) {
	raw, ok, err := s.cmd.Get(ctx, s.genKey())
	if err != nil || !ok {
		return 0, err
	}
	gen, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, sserr.Wrap(err, sserr.CodeInternal, "store: shared auth cache generation is not an integer")
	}
	return gen, nil
}

func (s *RedisResultStore) Get(ctx context.Context, tokenHash string) (auth.SharedResult, bool, error) {
	key, err := s.entryKey(ctx, tokenHash)
	if err != nil {
		return auth.SharedResult{}, false, err
	}
	raw, ok, err := s.cmd.Get(ctx, key)
	if err != nil || !ok {
		return auth.SharedResult{}, false, err
	}

	var res auth.SharedResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil || res.ExpiresAt.IsZero() {
		if err == nil {
			err = sserr.New(sserr.CodeInternal, "store: shared auth entry has no expiry")
		}
		// A value we cannot read is dropped and treated as a miss.
		s.logger.WarnContext(ctx, "store: discarding undecodable shared auth entry",
			"token_hash", shortHash(tokenHash),
			"error", err,
		)
		_, _ = s.cmd.Del(ctx, key)
		return auth.SharedResult{}, false, nil
	}
	return res, true, nil
}

// Set writes id for tokenHash. A non-positive ttl writes nothing.
func (s *RedisResultStore) Set(ctx context.Context, tokenHash string, id auth.Identity, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(auth.SharedResult{Identity: id, ExpiresAt: s.now().Add(ttl).UTC()})
	if err != nil {
		return sserr.Wrap(err, sserr.CodeInternal, "store: failed to encode identity")
	}
	key, err := s.entryKey(ctx, tokenHash)
	if err != nil {
		return err
	}
	return s.cmd.Set(ctx, key, data, ttl)
}

func (s *RedisResultStore) Delete(ctx context.Context, tokenHash string) error {
	key, err := s.entryKey(ctx, tokenHash)
	if err != nil {
		return err
	}
	_, err = s.cmd.Del(ctx, key)
	return err
}

// Clear advances the generation.
func (s *RedisResultStore) Clear(ctx context.Context) error {
	gen, err := s.cmd.Incr(ctx, s.genKey())
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "store: shared auth cache cleared", "generation", gen)
	return nil
}

// Health pings Redis.
func (s *RedisResultStore) Health(ctx context.Context) error {
	return s.cmd.Health(ctx)
}

func (s *RedisResultStore) genKey() string { return s.prefix + ":gen" }

func (s *RedisResultStore) entryKey(ctx context.Context, tokenHash string) (string, error) {
	gen, err := s.Generation(ctx)
	if err != nil {
		return "", err
	}
	return s.prefix + ":" + strconv.FormatInt(gen, 10) + ":" + tokenHash, nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
