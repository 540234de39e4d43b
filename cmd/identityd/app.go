package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/StricklySoft/stricklysoft-identity/pkg/admin"
	"github.com/StricklySoft/stricklysoft-identity/pkg/auth"
	"github.com/StricklySoft/stricklysoft-identity/pkg/clients/postgres"
	"github.com/StricklySoft/stricklysoft-identity/pkg/clients/redis"
	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
	"github.com/StricklySoft/stricklysoft-identity/pkg/lifecycle"
	"github.com/StricklySoft/stricklysoft-identity/pkg/store"
)

const serviceName = "identityd"

// healthMethodPrefix is served without credentials.
const healthMethodPrefix = "/grpc.health.v1.Health/"

// app owns every long-lived object of the process. Each cache is built
// exactly once here and shared by the HTTP and gRPC surfaces.
type app struct {
	cfg    Config
	logger *slog.Logger

	store    auth.UserStore
	keys     *auth.KeySetCache
	users    *auth.UserRecordCache
	shared   *store.RedisResultStore
	resolver *auth.IdentityResolver

	httpServer *http.Server
	grpcServer *grpc.Server
	grpcHealth *health.Server
	service    *lifecycle.Service

	prefetchOnce sync.Once

	// closers release clients in reverse order after the service stops.
	closers []func()
}

// newApp connects the store and shared cache and assembles the resolver
// and servers. cfg must be validated.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.openSharedCache(ctx); err != nil {
		return nil, err
	}
	if err := a.buildResolver(); err != nil {
		return nil, err
	}
	if err := a.buildServers(); err != nil {
		return nil, err
	}
	if err := a.buildService(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.StoreDriver {
	case driverMemory:
		a.logger.Warn("identityd: using in-memory user store; records are lost on restart")
		a.store = store.NewMemoryStore()
		return nil
	default:
		client, err := postgres.NewClient(ctx, a.cfg.Postgres)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, client.Close)
		pg := store.NewPostgresStore(client, a.logger)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		a.store = pg
		return nil
	}
}

func (a *app) openSharedCache(ctx context.Context) error {
	if !a.cfg.SharedCacheEnabled {
		return nil
	}
	client, err := redis.NewClient(ctx, a.cfg.Redis)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	a.shared = store.NewRedisResultStore(client, a.cfg.SharedCachePrefix, a.logger)
	return nil
}

func (a *app) buildResolver() error {
	method := a.cfg.method()

	users, err := auth.NewUserRecordCache(a.store, a.cfg.UserCache, a.logger)
	if err != nil {
		return err
	}
	a.users = users

	var shared auth.SharedResultStore
	if a.shared != nil {
		shared = a.shared
	}
	results, err := auth.NewAuthResultCache(a.cfg.AuthCache, shared, a.logger)
	if err != nil {
		return err
	}

	deps := auth.ResolverDeps{
		Method:         method,
		Store:          a.store,
		Users:          users,
		Results:        results,
		Logger:         a.logger,
		PersistTimeout: a.cfg.PersistTimeout,
	}

	if method.RemoteEnabled() {
		keys, err := auth.NewKeySetCache(a.cfg.Remote.KeySet, nil, a.logger)
		if err != nil {
			return err
		}
		remote, err := auth.NewRemoteTokenVerifier(a.cfg.Remote, keys, a.logger)
		if err != nil {
			return err
		}
		a.keys = keys
		deps.Remote = remote
		deps.KeySet = keys
		deps.Provisioner = auth.NewProvisioner(a.store,
			auth.NewProvisioningLock(a.cfg.ProvisioningGrace), a.logger)
	}
	if method.LocalEnabled() {
		local, err := auth.NewLocalTokenVerifier(a.cfg.Local)
		if err != nil {
			return err
		}
		deps.Local = local
	}

	resolver, err := auth.NewIdentityResolver(deps)
	if err != nil {
		return err
	}
	a.resolver = resolver
	return nil
}

func (a *app) buildServers() error {
	opts := admin.Options{
		Resolver: a.resolver,
		Manager:  a.resolver,
		Roles:    a.cfg.AdminRoles,
		Logger:   a.logger,
		Health: &admin.HealthOptions{
			Manager: a.resolver,
			Store:   a.store,
			Service: serviceInfo{a},
		},
	}
	if a.shared != nil {
		opts.Health.SharedCache = a.shared
	}
	router, err := admin.NewRouter(opts)
	if err != nil {
		return err
	}
	a.httpServer = &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(a.logger.Handler(), slog.LevelWarn),
	}

	if a.cfg.GRPCAddr != "" {
		a.grpcServer = grpc.NewServer(
			grpc.ChainUnaryInterceptor(skipHealthUnary(auth.UnaryServerInterceptor(a.resolver, a.logger))),
			grpc.ChainStreamInterceptor(skipHealthStream(auth.StreamServerInterceptor(a.resolver, a.logger))),
		)
		a.grpcHealth = health.NewServer()
		healthpb.RegisterHealthServer(a.grpcServer, a.grpcHealth)
	}
	return nil
}

// serviceInfo defers to the lifecycle service, which is built after the
// router that reports it.
type serviceInfo struct{ a *app }

func (s serviceInfo) Info() lifecycle.Info { return s.a.service.Info() }

func (a *app) buildService() error {
	b := lifecycle.NewServiceBuilder(serviceName, a.cfg.Version).
		WithLogger(a.logger).
		WithComponent(lifecycle.Component{
			Name: "user-cache-janitor",
			Start: func(ctx context.Context) error {
				a.users.Start(ctx)
				return nil
			},
			Stop: func(context.Context) error {
				a.users.Close()
				return nil
			},
		})

	if a.keys != nil {
		b = b.WithComponent(lifecycle.Component{
			Name: "key-set-prefetch",
			Start: func(ctx context.Context) error {
				a.prefetchOnce.Do(func() {
					go a.keys.Prefetch(context.WithoutCancel(ctx))
				})
				return nil
			},
		})
	}

	b = b.WithComponent(lifecycle.Component{
		Name:  "http",
		Start: a.startHTTP,
		Stop:  a.stopHTTP,
	})
	if a.grpcServer != nil {
		b = b.WithComponent(lifecycle.Component{
			Name:  "grpc",
			Start: a.startGRPC,
			Stop:  a.stopGRPC,
		})
	}

	b = b.OnStateChange(func(_, to lifecycle.State) {
		if a.grpcHealth == nil {
			return
		}
		if to == lifecycle.StateRunning {
			a.grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		} else {
			a.grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		}
	})

	svc, err := b.Build()
	if err != nil {
		return err
	}
	a.service = svc
	return nil
}

func (a *app) startHTTP(context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return sserr.Wrapf(err, sserr.CodeInternal, "identityd: listen on %s", a.cfg.HTTPAddr)
	}
	a.logger.Info("identityd: http listening", "addr", ln.Addr().String())
	go func() {
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("identityd: http server stopped", "error", err)
		}
	}()
	return nil
}

func (a *app) stopHTTP(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

func (a *app) startGRPC(context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.GRPCAddr)
	if err != nil {
		return sserr.Wrapf(err, sserr.CodeInternal, "identityd: listen on %s", a.cfg.GRPCAddr)
	}
	a.logger.Info("identityd: grpc listening", "addr", ln.Addr().String())
	go func() {
		if err := a.grpcServer.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			a.logger.Error("identityd: grpc server stopped", "error", err)
		}
	}()
	return nil
}

// stopGRPC drains in-flight calls and forces the stop when ctx ends first.
func (a *app) stopGRPC(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		a.grpcServer.Stop()
		return ctx.Err()
	}
}

// close waits for background login writes and releases clients.
func (a *app) close() {
	if a.resolver != nil {
		a.resolver.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func skipHealthUnary(next grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, healthMethodPrefix) {
			return handler(ctx, req)
		}
		return next(ctx, req, info, handler)
	}
}

func skipHealthStream(next grpc.StreamServerInterceptor) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if strings.HasPrefix(info.FullMethod, healthMethodPrefix) {
			return handler(srv, ss)
		}
		return next(srv, ss, info, handler)
	}
}
