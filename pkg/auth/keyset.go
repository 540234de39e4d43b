package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// maxKeySetBytes bounds the JWKS response body.
const maxKeySetBytes = 1 << 20

// HTTPClient is the transport used to fetch key sets. *http.Client
// satisfies it; [NewKeySetHTTPClient] builds one with retries.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// KeyResolver resolves a signing key by key id. [*KeySetCache] implements
// it.
type KeyResolver interface {
	GetKey(ctx context.Context, kid string) (crypto.PublicKey, error)
}

// ---------------------------------------------------------------------------
// KeySetConfig
// ---------------------------------------------------------------------------

// KeySetConfig configures a [KeySetCache] and its HTTP transport.
type KeySetConfig struct {
	// URL is the JWKS endpoint. When empty and a tenant id is configured
	// on [RemoteConfig], the provider's default keys endpoint is used.
	URL string `env:"URL" yaml:"url" json:"url"`

	// TTL is how long a fetched key set is considered fresh.
	TTL time.Duration `env:"TTL" envDefault:"1h" yaml:"ttl" json:"ttl"`

	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT" envDefault:"5s" yaml:"connect_timeout" json:"connect_timeout"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s" yaml:"request_timeout" json:"request_timeout"`

	// MaxRetries is the number of transport-level retries per fetch.
	MaxRetries int `env:"MAX_RETRIES" envDefault:"3" yaml:"max_retries" json:"max_retries"`

	UserAgent string `env:"USER_AGENT" envDefault:"stricklysoft-identity/1.0" yaml:"user_agent" json:"user_agent"`
}

// DefaultKeySetConfig returns the default key set settings with no URL.
func DefaultKeySetConfig() KeySetConfig {
	return KeySetConfig{
		TTL:            time.Hour,
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 10 * time.Second,
		MaxRetries:     3,
		UserAgent:      "stricklysoft-identity/1.0",
	}
}

// Validate checks the configuration.
func (c *KeySetConfig) Validate() *sserr.Error {
	if c.URL == "" {
		return sserr.Validation("auth: key set URL must not be empty")
	}
	if c.TTL <= 0 {
		return sserr.Validation("auth: key set TTL must be positive")
	}
	if c.ConnectTimeout <= 0 || c.RequestTimeout <= 0 {
		return sserr.Validation("auth: key set timeouts must be positive")
	}
	if c.MaxRetries < 0 {
		return sserr.Validation("auth: key set max retries must be non-negative")
	}
	return nil
}

// NewKeySetHTTPClient returns an *http.Client that retries transient
// failures (connection errors, 429 and 5xx) up to cfg.MaxRetries times
// with the configured connect and per-attempt timeouts.
func NewKeySetHTTPClient(cfg KeySetConfig, logger *slog.Logger) *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.MaxRetries
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = keySetRetryLogger{logger: loggerOrDefault(logger)}
	rc.HTTPClient.Timeout = cfg.RequestTimeout
	if t, ok := rc.HTTPClient.Transport.(*http.Transport); ok {
		t.DialContext = (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext
		t.TLSHandshakeTimeout = cfg.ConnectTimeout
	}
	return rc.StandardClient()
}

// keySetRetryLogger adapts slog to retryablehttp.LeveledLogger, demoting
// the per-attempt chatter to debug.
type keySetRetryLogger struct {
	logger *slog.Logger
}

func (l keySetRetryLogger) Error(msg string, kv ...any) {
	l.logger.Warn("auth: jwks transport: "+msg, kv...)
}

func (l keySetRetryLogger) Warn(msg string, kv ...any) {
	l.logger.Warn("auth: jwks transport: "+msg, kv...)
}

func (l keySetRetryLogger) Info(msg string, kv ...any) {
	l.logger.Debug("auth: jwks transport: "+msg, kv...)
}

func (l keySetRetryLogger) Debug(msg string, kv ...any) {
	l.logger.Debug("auth: jwks transport: "+msg, kv...)
}

// ---------------------------------------------------------------------------
// KeySetCache
// ---------------------------------------------------------------------------

// keySet is an immutable snapshot of the provider's signing keys.
type keySet struct {
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time
}

// KeySetStats is a point-in-time view of a [KeySetCache].
type KeySetStats struct {
	Cached          bool    `json:"cached"`
	KeyCount        int     `json:"key_count"`
	AgeSeconds      float64 `json:"age_seconds"`
	TTLSeconds      float64 `json:"ttl_seconds"`
	Valid           bool    `json:"valid"`
	Fetches         uint64  `json:"fetches"`
	FetchFailures   uint64  `json:"fetch_failures"`
	ForcedRefreshes uint64  `json:"forced_refreshes"`
	StaleServes     uint64  `json:"stale_serves"`
	LastError       string  `json:"last_error,omitempty"`
}

// KeySetCache holds the remote provider's public signing keys.
//
// A key id missing from the cached set, or a set older than TTL, triggers
// one refetch of the whole set. Refetches are serialized; a caller that
// waited behind another caller's fetch uses that result instead of
// fetching again. When a fetch fails the last good set is served; before
// the first successful fetch a failure is reported as
// [sserr.CodeUnavailableKeyProvider].
//
// KeySetCache is safe for concurrent use.
type KeySetCache struct {
	cfg    KeySetConfig
	client HTTPClient
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time

	// refreshMu serializes fetches; mu guards the fields below it and is
	// never held across a fetch.
	refreshMu sync.Mutex

	mu       sync.Mutex
	set      *keySet
	attempts uint64
	lastErr  error
	stats    KeySetStats
}

// NewKeySetCache creates a cache over cfg.URL. A nil client gets
// [NewKeySetHTTPClient]; a nil logger gets slog.Default().
func NewKeySetCache(cfg KeySetConfig, client HTTPClient, logger *slog.Logger) (*KeySetCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = loggerOrDefault(logger)
	if client == nil {
		client = NewKeySetHTTPClient(cfg, logger)
	}
	return &KeySetCache{
		cfg:    cfg,
		client: client,
		logger: logger,
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}, nil
}

// GetKey returns the public key for kid.
func (c *KeySetCache) GetKey(ctx context.Context, kid string) (crypto.PublicKey, error) {
	set, attempt := c.snapshot()
	if set != nil && c.fresh(set) {
		if key, ok := set.keys[kid]; ok {
			return key, nil
		}
	}

	set, err := c.refresh(ctx, attempt, false)
	if err != nil {
		return nil, err
	}
	if key, ok := set.keys[kid]; ok {
		return key, nil
	}
	c.logger.WarnContext(ctx, "auth: signing key not found after refetch",
		"kid", kid,
		"key_count", len(set.keys),
	)
	return nil, sserr.UnknownKey(kid)
}

// ForceRefresh refetches the key set regardless of its age. On failure the
// previous set stays in place and the error is returned.
func (c *KeySetCache) ForceRefresh(ctx context.Context) error {
	c.mu.Lock()
	c.stats.ForcedRefreshes++
	c.mu.Unlock()

	_, err := c.refresh(ctx, 0, true)
	return err
}

// Prefetch warms the cache. Failures are logged, not returned.
func (c *KeySetCache) Prefetch(ctx context.Context) {
	_, attempt := c.snapshot()
	if _, err := c.refresh(ctx, attempt, false); err != nil {
		c.logger.WarnContext(ctx, "auth: key set prefetch failed", "error", err)
		return
	}
	c.logger.InfoContext(ctx, "auth: key set prefetched", "key_count", c.Stats().KeyCount)
}

// Stats returns a snapshot of the cache state and counters.
func (c *KeySetCache) Stats() KeySetStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.TTLSeconds = c.cfg.TTL.Seconds()
	if c.set != nil {
		age := c.now().Sub(c.set.fetchedAt)
		s.Cached = true
		s.KeyCount = len(c.set.keys)
		s.AgeSeconds = age.Seconds()
		s.Valid = age < c.cfg.TTL
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

func (c *KeySetCache) snapshot() (*keySet, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set, c.attempts
}

func (c *KeySetCache) fresh(set *keySet) bool {
	return c.now().Sub(set.fetchedAt) < c.cfg.TTL
}

// refresh fetches a new set unless another caller already attempted a
// fetch after observed was read. force skips that check.
func (c *KeySetCache) refresh(ctx context.Context, observed uint64, force bool) (*keySet, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	c.mu.Lock()
	if !force && c.attempts != observed {
		set, lastErr := c.set, c.lastErr
		c.mu.Unlock()
		return c.settle(ctx, set, lastErr)
	}
	c.mu.Unlock()

	keys, err := c.fetch(ctx)

	c.mu.Lock()
	c.attempts++
	if err != nil {
		c.lastErr = err
		c.stats.FetchFailures++
		set := c.set
		c.mu.Unlock()
		if force {
			return set, sserr.KeyProviderUnavailable(err, "auth: key set refresh failed")
		}
		return c.settle(ctx, set, err)
	}
	c.set = &keySet{keys: keys, fetchedAt: c.now()}
	c.lastErr = nil
	c.stats.Fetches++
	set := c.set
	c.mu.Unlock()

	c.logger.DebugContext(ctx, "auth: key set refreshed", "key_count", len(keys))
	return set, nil
}

// settle turns a failed fetch into a stale serve when a set exists.
func (c *KeySetCache) settle(ctx context.Context, set *keySet, fetchErr error) (*keySet, error) {
	if fetchErr == nil {
		return set, nil
	}
	if set == nil {
		return nil, sserr.KeyProviderUnavailable(fetchErr, "auth: signing keys unavailable")
	}
	c.mu.Lock()
	c.stats.StaleServes++
	c.mu.Unlock()
	c.logger.WarnContext(ctx, "auth: key set refresh failed, serving stale keys",
		"error", fetchErr,
		"age", c.now().Sub(set.fetchedAt).String(),
	)
	return set, nil
}

func (c *KeySetCache) fetch(ctx context.Context) (keys map[string]crypto.PublicKey, err error) {
	ctx, span := startSpan(ctx, c.tracer, "auth.KeySet.Refresh")
	defer func() {
		finishSpan(span, err)
		span.End()
	}()
	span.SetAttributes(attribute.String("http.url", c.cfg.URL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to create key set request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: key set request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth: key set endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetBytes+1))
	if err != nil {
		return nil, fmt.Errorf("auth: failed to read key set response: %w", err)
	}
	if len(body) > maxKeySetBytes {
		return nil, fmt.Errorf("auth: key set response exceeds %d bytes", maxKeySetBytes)
	}

	keys, skipped, err := parseKeySet(body)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		c.logger.DebugContext(ctx, "auth: skipped unusable keys in key set", "skipped", skipped)
	}
	span.SetAttributes(attribute.Int("auth.key_count", len(keys)))
	return keys, nil
}

// parseKeySet decodes a JWKS document. Each key is decoded on its own so a
// single malformed entry does not discard the set. Keys without a kid,
// keys not meant for signatures, and anything other than RSA or EC public
// keys are skipped.
func parseKeySet(body []byte) (map[string]crypto.PublicKey, int, error) {
	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, 0, fmt.Errorf("auth: failed to parse key set JSON: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(doc.Keys))
	skipped := 0
	for _, raw := range doc.Keys {
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(raw); err != nil {
			skipped++
			continue
		}
		if jwk.KeyID == "" || (jwk.Use != "" && jwk.Use != "sig") {
			skipped++
			continue
		}
		if !jwk.IsPublic() {
			jwk = jwk.Public()
		}
		switch k := jwk.Key.(type) {
		case *rsa.PublicKey:
			keys[jwk.KeyID] = k
		case *ecdsa.PublicKey:
			keys[jwk.KeyID] = k
		default:
			skipped++
		}
	}
	if len(keys) == 0 {
		return nil, skipped, fmt.Errorf("auth: key set contains no usable signing keys")
	}
	return keys, skipped, nil
}

func loggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
