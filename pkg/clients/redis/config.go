// Package redis is the traced Redis client behind the shared tier of the
// auth result cache.
//
// The client wraps go-redis (github.com/redis/go-redis/v9) and exposes only
// the commands that tier needs. Every command opens an OpenTelemetry span
// carrying db.system, db.redis.database_index and a truncated
// db.statement, and every failure is returned as an *sserr.Error.
//
//	cfg := redis.DefaultConfig()
//	cfg.Password = redis.Secret(os.Getenv("IDENTITY_REDIS_PASSWORD"))
//	client, err := redis.NewClient(ctx, *cfg)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
// Tests inject a mock [Cmdable] with [NewFromClient].
package redis

import (
	"fmt"
	"net/url"
	"time"
)

// maxStatementTruncateLen bounds statements recorded in spans. Keys embed
// token hashes, so statements are kept short.
const maxStatementTruncateLen = 100

// Connection defaults.
const (
	DefaultHost = "localhost"
	DefaultPort = 6379
	DefaultDB   = 0

	DefaultPoolSize     = 10
	DefaultMinIdleConns = 2
	DefaultMaxRetries   = 2

	// The shared tier sits on the authentication hot path, so timeouts
	// are tighter than a general purpose client would use.
	DefaultDialTimeout  = 2 * time.Second
	DefaultReadTimeout  = 500 * time.Millisecond
	DefaultWriteTimeout = 500 * time.Millisecond

	// DefaultHealthTimeout applies to Health when the caller's context has
	// no deadline.
	DefaultHealthTimeout = 5 * time.Second
)

// Secret keeps the Redis password out of logs and serialized config.
type Secret string

const redacted = "[REDACTED]"

func (s Secret) String() string   { return redacted }
func (s Secret) GoString() string { return redacted }

// Value returns the raw password.
func (s Secret) Value() string { return string(s) }

func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Config is the Redis connection configuration. When URI is set it wins
// over Host, Port, DB and Password.
//
// The env tags are relative; the service mounts this struct under
// IDENTITY_REDIS.
type Config struct {
	// URI is a "redis://" or "rediss://" (TLS) connection string.
	URI string `env:"URI" yaml:"uri" json:"uri,omitempty"`

	Host     string `env:"HOST" envDefault:"localhost" yaml:"host" json:"host,omitempty"`
	Port     int    `env:"PORT" envDefault:"6379" yaml:"port" json:"port,omitempty"`
	DB       int    `env:"DB" yaml:"db" json:"db"`
	Password Secret `env:"PASSWORD" yaml:"password" json:"-"`

	PoolSize     int `env:"POOL_SIZE" envDefault:"10" yaml:"pool_size" json:"pool_size,omitempty"`
	MinIdleConns int `env:"MIN_IDLE_CONNS" envDefault:"2" yaml:"min_idle_conns" json:"min_idle_conns,omitempty"`

	// MaxRetries of -1 disables retries.
	MaxRetries int `env:"MAX_RETRIES" envDefault:"2" yaml:"max_retries" json:"max_retries,omitempty"`

	DialTimeout  time.Duration `env:"DIAL_TIMEOUT" envDefault:"2s" yaml:"dial_timeout" json:"dial_timeout,omitempty"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"500ms" yaml:"read_timeout" json:"read_timeout,omitempty"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"500ms" yaml:"write_timeout" json:"write_timeout,omitempty"`

	TLSEnabled bool `env:"TLS_ENABLED" yaml:"tls_enabled" json:"tls_enabled,omitempty"`
}

// DefaultConfig returns a local development configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:         DefaultHost,
		Port:         DefaultPort,
		DB:           DefaultDB,
		PoolSize:     DefaultPoolSize,
		MinIdleConns: DefaultMinIdleConns,
		MaxRetries:   DefaultMaxRetries,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}
}

// Validate fills zero pool and timeout settings and checks the rest.
// Host, Port and DB are not checked when URI is set.
func (c *Config) Validate() error {
	c.applyDefaults()

	if c.URI != "" {
		u, err := url.Parse(c.URI)
		if err != nil {
			return fmt.Errorf("redis: config URI is invalid: %w", err)
		}
		if u.Scheme != "redis" && u.Scheme != "rediss" {
			return fmt.Errorf("redis: config URI scheme must be redis:// or rediss://, got %q", u.Scheme)
		}
		return nil
	}

	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	switch {
	case c.Port < 1 || c.Port > 65535:
		return fmt.Errorf("redis: config port must be between 1 and 65535, got %d", c.Port)
	case c.DB < 0:
		return fmt.Errorf("redis: config db must not be negative, got %d", c.DB)
	case c.PoolSize < 1:
		return fmt.Errorf("redis: config pool_size must be >= 1, got %d", c.PoolSize)
	case c.MinIdleConns < 0:
		return fmt.Errorf("redis: config min_idle_conns must be >= 0, got %d", c.MinIdleConns)
	case c.PoolSize < c.MinIdleConns:
		return fmt.Errorf("redis: config pool_size (%d) must be >= min_idle_conns (%d)", c.PoolSize, c.MinIdleConns)
	case c.DialTimeout < 0, c.ReadTimeout < 0, c.WriteTimeout < 0:
		return fmt.Errorf("redis: config timeouts must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.MinIdleConns == 0 {
		c.MinIdleConns = DefaultMinIdleConns
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

// truncateStatement cuts s to [maxStatementTruncateLen] runes.
func truncateStatement(s string) string {
	runes := []rune(s)
	if len(runes) <= maxStatementTruncateLen {
		return s
	}
	return string(runes[:maxStatementTruncateLen]) + "..."
}
