//go:build integration

// Package containers starts the backing services used by integration
// tests. Everything here carries the "integration" build tag so unit test
// builds do not pull in Docker dependencies.
//
//	pg, err := containers.StartPostgres(ctx)
//	if err != nil { ... }
//	defer pg.Terminate(ctx)
//
//	cfg := postgres.Config{URI: pg.ConnectionString}
package containers

import (
	"context"
	"fmt"

	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// ===========================================================================
// PostgreSQL
// ===========================================================================

// Settings of the user store test database.
const (
	DefaultPostgresImage    = "docker.io/postgres:16-alpine"
	DefaultPostgresDatabase = "identity_test"
	DefaultPostgresUser     = "identity"
	DefaultPostgresPassword = "identity-test-password"
)

// Postgres is a running PostgreSQL container.
type Postgres struct {
	Container *tcpostgres.PostgresContainer

	// ConnectionString is a postgres:// URI with sslmode=disable, ready
	// for postgres.Config.URI.
	ConnectionString string
}

// Terminate stops and removes the container.
func (p *Postgres) Terminate(ctx context.Context) error {
	return p.Container.Terminate(ctx)
}

// StartPostgres starts a PostgreSQL 16 container and waits until it
// accepts connections. The container is terminated if the connection
// string cannot be resolved.
func StartPostgres(ctx context.Context) (*Postgres, error) {
	container, err := tcpostgres.Run(ctx,
		DefaultPostgresImage,
		tcpostgres.WithDatabase(DefaultPostgresDatabase),
		tcpostgres.WithUsername(DefaultPostgresUser),
		tcpostgres.WithPassword(DefaultPostgresPassword),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("containers: failed to start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("containers: failed to get postgres connection string: %w", err)
	}
	return &Postgres{Container: container, ConnectionString: connStr}, nil
}

// ===========================================================================
// Redis
// ===========================================================================

// DefaultRedisImage is the image backing the shared auth cache tier in tests.
const DefaultRedisImage = "docker.io/redis:7-alpine"

// Redis is a running Redis container without authentication.
type Redis struct {
	Container *tcredis.RedisContainer

	// ConnectionString is a redis:// URI, ready for redis.Config.URI.
	ConnectionString string
}

// Terminate stops and removes the container.
func (r *Redis) Terminate(ctx context.Context) error {
	return r.Container.Terminate(ctx)
}

// StartRedis starts a Redis 7 container.
func StartRedis(ctx context.Context) (*Redis, error) {
	container, err := tcredis.Run(ctx, DefaultRedisImage)
	if err != nil {
		return nil, fmt.Errorf("containers: failed to start redis container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("containers: failed to get redis connection string: %w", err)
	}
	return &Redis{Container: container, ConnectionString: connStr}, nil
}
