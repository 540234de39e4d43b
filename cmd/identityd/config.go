package main

import (
	"log/slog"
	"strings"
	"time"

	"github.com/StricklySoft/stricklysoft-identity/pkg/auth"
	"github.com/StricklySoft/stricklysoft-identity/pkg/clients/postgres"
	"github.com/StricklySoft/stricklysoft-identity/pkg/clients/redis"
	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// Store drivers.
const (
	driverPostgres = "postgres"
	driverMemory   = "memory"
)

// Config is the identityd configuration. Every variable is prefixed with
// IDENTITY_, e.g. IDENTITY_AUTH_METHOD or IDENTITY_REMOTE_TENANT_ID. A
// YAML or JSON file named by IDENTITY_CONFIG_FILE is read before the
// environment.
type Config struct {
	Version  string `env:"VERSION" envDefault:"dev" yaml:"version" json:"version"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info" yaml:"log_level" json:"log_level"`

	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080" yaml:"http_addr" json:"http_addr"`
	GRPCAddr string `env:"GRPC_ADDR" envDefault:":9090" yaml:"grpc_addr" json:"grpc_addr"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s" yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// AuthMethod is "remote", "local" or "both".
	AuthMethod string `env:"AUTH_METHOD" envDefault:"both" yaml:"auth_method" json:"auth_method"`

	AdminRoles []string `env:"ADMIN_ROLES" envDefault:"admin" yaml:"admin_roles" json:"admin_roles"`

	Remote    auth.RemoteConfig    `env:"REMOTE" yaml:"remote" json:"remote"`
	Local     auth.LocalConfig     `env:"LOCAL" yaml:"local" json:"local"`
	UserCache auth.UserCacheConfig `env:"USER_CACHE" yaml:"user_cache" json:"user_cache"`
	AuthCache auth.AuthCacheConfig `env:"AUTH_CACHE" yaml:"auth_cache" json:"auth_cache"`

	ProvisioningGrace time.Duration `env:"PROVISIONING_GRACE" envDefault:"5s" yaml:"provisioning_grace" json:"provisioning_grace"`
	PersistTimeout    time.Duration `env:"PERSIST_TIMEOUT" envDefault:"10s" yaml:"persist_timeout" json:"persist_timeout"`

	// StoreDriver is "postgres" or "memory".
	StoreDriver string          `env:"STORE_DRIVER" envDefault:"postgres" yaml:"store_driver" json:"store_driver"`
	Postgres    postgres.Config `env:"POSTGRES" yaml:"postgres" json:"postgres"`

	// SharedCacheEnabled puts a Redis tier behind the in-process auth
	// result cache so replicas share resolutions and Clear.
	SharedCacheEnabled bool         `env:"SHARED_CACHE_ENABLED" yaml:"shared_cache_enabled" json:"shared_cache_enabled"`
	SharedCachePrefix  string       `env:"SHARED_CACHE_PREFIX" yaml:"shared_cache_prefix" json:"shared_cache_prefix"`
	Redis              redis.Config `env:"REDIS" yaml:"redis" json:"redis"`
}

// Validate checks the configuration of every enabled component. Derived
// remote settings (issuers, key set URL) are filled in place.
func (c *Config) Validate() error {
	method, err := auth.ParseAuthMethod(c.AuthMethod)
	if err != nil {
		return err
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.HTTPAddr == "" {
		return sserr.Validation("identityd: http address must not be empty")
	}
	if c.ShutdownTimeout <= 0 {
		return sserr.Validation("identityd: shutdown timeout must be positive")
	}
	if method.RemoteEnabled() {
		if err := c.Remote.Validate(); err != nil {
			return err
		}
	}
	if method.LocalEnabled() {
		if err := c.Local.Validate(); err != nil {
			return err
		}
	}
	if err := c.UserCache.Validate(); err != nil {
		return err
	}
	if err := c.AuthCache.Validate(); err != nil {
		return err
	}

	switch c.StoreDriver {
	case driverPostgres:
		if err := c.Postgres.Validate(); err != nil {
			return sserr.Wrap(err, sserr.CodeValidation, "identityd: invalid postgres configuration")
		}
	case driverMemory:
	default:
		return sserr.Validationf("identityd: unknown store driver %q (use postgres or memory)", c.StoreDriver)
	}

	if c.SharedCacheEnabled {
		if err := c.Redis.Validate(); err != nil {
			return sserr.Wrap(err, sserr.CodeValidation, "identityd: invalid redis configuration")
		}
	}
	return nil
}

// method returns the parsed auth method. Call after Validate.
func (c *Config) method() auth.AuthMethod {
	m, _ := auth.ParseAuthMethod(c.AuthMethod)
	return m
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, sserr.Validationf("identityd: unknown log level %q", s)
	}
	return level, nil
}
