package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"tenantgate/internal/domain"
	gw "tenantgate/internal/gateway"
	"tenantgate/internal/gateway/adapter/auditlog"
	"tenantgate/internal/gateway/adapter/inmem"
	"tenantgate/internal/gateway/adapter/keyring"
	"tenantgate/internal/gateway/adapter/postgres"
	"tenantgate/internal/gateway/adapter/redis"
	"tenantgate/internal/gateway/adapter/tenantdb"
	"tenantgate/internal/gateway/adapter/upstream"
	"tenantgate/internal/gateway/authn"
	"tenantgate/internal/gateway/authz"
	"tenantgate/internal/gateway/router"
	"tenantgate/internal/gateway/scope"
	"tenantgate/internal/gateway/tenant"
	"tenantgate/internal/platform/config"
	"tenantgate/internal/platform/server"
	"tenantgate/internal/platform/telemetry"
)

const (
	maxBodyBytes   = 1 << 20 // 1MB
	upstreamRetry  = 2
	auditBuffer    = 1024
	invalidateWait = 5 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	// Logging
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	// Telemetry
	shutdown, err := telemetry.Setup(context.Background(), "tenantgate")
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			slog.Error("telemetry shutdown error", "error", err)
		}
	}()
	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics initialization: %w", err)
	}

	// Audit
	sink := auditlog.New(logger.With("component", "audit"), auditBuffer, metrics.RecordAuditDrop)

	// Upstreams
	identity := upstream.NewIdentityClient(cfg.Upstream.UnifiedAuthURL, cfg.Upstream.Timeout, upstreamRetry, metrics.RecordUpstreamCall, upstream.WithLogger(logger))
	remoteRegistry := upstream.NewRegistryClient(cfg.Upstream.TenantRegistryURL, cfg.Upstream.Timeout, upstreamRetry, metrics.RecordUpstreamCall, upstream.WithLogger(logger))
	registry := inmem.NewTenantRegistry(cfg.Tenant.Static, remoteRegistry, 1024, cfg.Tenant.CacheTTL)

	resolver, err := tenant.NewResolver(tenant.Config{
		Strict:         cfg.Tenant.Strict,
		Patterns:       cfg.Tenant.DomainPatterns,
		LocalDomains:   cfg.Tenant.LocalDomains,
		DefaultTenant:  cfg.Tenant.DefaultTenant,
		DemoDatabase:   cfg.Database.DemoDatabase,
		DatabasePrefix: cfg.Database.DatabasePrefix,
	}, registry)
	if err != nil {
		return fmt.Errorf("tenant resolver: %w", err)
	}

	// Tenant databases
	pool := tenantdb.NewManager(func(ctx context.Context, t domain.Tenant) (*sql.DB, error) {
		db, err := sql.Open("postgres", cfg.Database.DSN(t.Database))
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetConnMaxIdleTime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	}, int64(cfg.Database.MaxLeases), cfg.Database.AcquireTimeout,
		tenantdb.WithLeaseObserver(metrics.AddTenantLeases))

	// Permission cache
	var (
		cache     gw.PermissionCache
		cachePing func(context.Context) error
		srv       *server.Server
	)
	switch cfg.Cache.Backend {
	case "redis":
		rdb, err := redis.NewClient(ctx, cfg.Cache.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rdb.Close()
		cache = redis.NewPermissionCache(rdb, "tenantgate:perm", cfg.Cache.TTL, func(ctx context.Context, event string) {
			metrics.RecordCacheEvent(ctx, "redis", event)
		})
		cachePing = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	default:
		cache = inmem.NewPermissionCache(cfg.Cache.Size, cfg.Cache.TTL, func(ctx context.Context, event string) {
			metrics.RecordCacheEvent(ctx, "memory", event)
		})
	}
	invalidator := authz.NewInvalidator(cache, invalidateWait, cfg.Cache.Backend, metrics)

	// Pipeline
	keys, err := newKeyring(cfg.Token)
	if err != nil {
		return err
	}
	auth, err := authn.New(authn.Config{
		Internal: authn.InternalConfig{
			Enabled:        cfg.Internal.Enabled,
			TrustedCIDRs:   cfg.Internal.TrustedCIDRs,
			ServiceToken:   cfg.Internal.ServiceToken,
			KindergartenID: cfg.Internal.KindergartenID,
		},
		RoleFallback: cfg.RoleFallback.Enabled,
		FallbackRole: cfg.RoleFallback.Code,
	}, keys, identity, authn.WithMetrics(metrics), authn.WithAudit(sink))
	if err != nil {
		return fmt.Errorf("authentication gateway: %w", err)
	}

	routes := make([]router.Route, len(cfg.Routes))
	for i, r := range cfg.Routes {
		routes[i] = router.Route{Prefix: r.Prefix, Read: r.Read, Write: r.Write, Scoped: r.Scoped}
	}
	rt, err := router.New(router.Config{
		BackendURL:   cfg.BackendURL,
		Routes:       routes,
		MaxBodyBytes: maxBodyBytes,
		Dev:          !cfg.Production(),
	}, router.Deps{
		Resolver:    resolver,
		Pool:        pool,
		Open:        postgres.Opener(postgres.WithQueryTimeout(cfg.Database.QueryTimeout)),
		Auth:        auth,
		Issuer:      keys,
		Identity:    identity,
		Authz:       authz.New(cache, authz.WithMetrics(metrics)),
		Scope:       scope.NewEnforcer(sink, scope.WithRequestID(gw.RequestIDFromContext)),
		Invalidator: invalidator,
		Audit:       sink,
		Metrics:     metrics,
		Ready: func(ctx context.Context) error {
			if err := srv.Ready(ctx); err != nil {
				return err
			}
			if cachePing != nil {
				return cachePing(ctx)
			}
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("router initialization: %w", err)
	}

	srv = server.New(cfg.GatewayAddr, rt.Mount(metrics, logger))
	srv.OnShutdown(invalidator.Drain)
	srv.OnShutdown(sink.Close)
	srv.OnShutdown(func(context.Context) error { return pool.Close() })

	slog.Info("tenantgate starting",
		"addr", cfg.GatewayAddr,
		"env", cfg.AppEnv,
		"strict_tenants", cfg.Tenant.Strict,
		"backend_url", cfg.BackendURL,
		"unified_auth_url", cfg.Upstream.UnifiedAuthURL,
		"cache_backend", cfg.Cache.Backend,
		"routes", len(routes),
		"internal_bypass", cfg.Internal.Enabled,
	)

	return srv.Run(ctx)
}

func newKeyring(cfg config.TokenConfig) (*keyring.Keyring, error) {
	previous := make([]keyring.Key, len(cfg.PreviousKeys))
	for i, k := range cfg.PreviousKeys {
		previous[i] = keyring.Key{ID: k.ID, Secret: []byte(k.Secret)}
	}
	keys, err := keyring.New(keyring.Key{ID: cfg.KeyID, Secret: []byte(cfg.Secret)}, previous, cfg.TTL)
	if err != nil {
		return nil, fmt.Errorf("token keyring: %w", err)
	}
	return keys, nil
}
