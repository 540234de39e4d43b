// Command identityd resolves bearer tokens into user and service
// identities. It serves the admin and health endpoints over HTTP and
// authenticates gRPC calls with the same resolver.
//
// Configuration comes from IDENTITY_* environment variables and an
// optional file named by IDENTITY_CONFIG_FILE:
//
//	IDENTITY_AUTH_METHOD=both \
//	IDENTITY_REMOTE_TENANT_ID=... IDENTITY_REMOTE_AUDIENCE=api://identity \
//	IDENTITY_LOCAL_SIGNING_KEY=... \
//	IDENTITY_POSTGRES_URI=postgres://identity@db/identity \
//	identityd
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/StricklySoft/stricklysoft-identity/pkg/config"
)

func main() {
	cfg := config.MustLoad[Config](
		config.New().WithEnvPrefix("IDENTITY").WithFileFromEnv("IDENTITY_CONFIG_FILE"),
	)

	level, _ := parseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("identityd: exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	// The service outlives the signal context.
	if err := a.service.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	logger.Info("identityd: started",
		"version", cfg.Version,
		"auth_methods", a.resolver.EnabledMethods(),
		"store", cfg.StoreDriver,
		"shared_cache", cfg.SharedCacheEnabled,
	)

	<-ctx.Done()
	logger.Info("identityd: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return a.service.Stop(shutdownCtx)
}
