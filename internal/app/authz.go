package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/homecare/homecare/internal/audit"
	"github.com/homecare/homecare/internal/authz"
	"github.com/homecare/homecare/internal/observability"
	"github.com/homecare/homecare/internal/rbac"
	"github.com/homecare/homecare/internal/rbac/permcache"
	"github.com/homecare/homecare/internal/rbac/scope"
)

// AuthzParams groups what the authorization core needs from the process.
type AuthzParams struct {
	Logger  *slog.Logger
	Config  *Config
	Store   rbac.Store
	Audit   audit.Sink
	Redis   *redis.Client
	Metrics *observability.Metrics
}

// Authz is the assembled authorization core.
type Authz struct {
	Catalog     *rbac.CatalogSource
	Resolver    *rbac.Resolver
	Cache       *permcache.Cache
	Broadcaster *permcache.Broadcaster
	Filter      *scope.Filter
	Guard       *authz.Guard
	Service     *rbac.Service
	Handler     *authz.Handler

	logger *slog.Logger
	config *Config
}

// NewAuthz wires resolver, cache, guard and service from configuration.
func NewAuthz(p AuthzParams) (*Authz, error) {
	if p.Store == nil {
		return nil, errors.New("app: authz store is required")
	}
	cfg := p.Config
	if cfg == nil {
		cfg = &Config{AuthzCacheBackend: CacheBackendMemory, AuthzSystemAdminBypass: true}
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := p.Audit
	if sink == nil {
		sink = audit.NewLogSink(logger)
	}

	a := &Authz{logger: logger, config: cfg}
	a.Catalog = rbac.NewCatalogSource(p.Store, logger)
	a.Resolver = rbac.NewResolver(p.Store, p.Store, rbac.WithSystemAdminBypass(cfg.AuthzSystemAdminBypass))

	backend, err := cacheBackend(cfg, p.Redis)
	if err != nil {
		return nil, err
	}
	opts := []permcache.Option{
		permcache.WithTTL(cfg.CacheTTL()),
		permcache.WithResolutionTimeout(cfg.ResolutionTimeout()),
		permcache.WithLogger(logger),
	}
	if p.Metrics != nil {
		m, err := permcache.NewMetrics(p.Metrics.Registerer())
		if err != nil {
			return nil, err
		}
		opts = append(opts, permcache.WithMetrics(m))
	}
	if cfg.AuthzCacheBackend == CacheBackendMemory && cfg.AuthzInvalidationBroadcast && p.Redis != nil {
		a.Broadcaster = permcache.NewBroadcaster(p.Redis, logger)
		opts = append(opts, permcache.WithInvalidationHook(a.Broadcaster.Publish))
	}
	a.Cache = permcache.New(a.Resolver, backend, opts...)
	if cfg.AuthzCacheBackend == CacheBackendMemory && cfg.IsProduction() {
		logger.Warn("authz cache is process local; invalidations reach other replicas only through best-effort broadcast, set AUTHZ_CACHE_BACKEND=redis when running more than one replica",
			slog.Bool("broadcast", a.Broadcaster != nil))
	}

	a.Filter = scope.NewFilter(scope.NewRegistry(scope.DefaultKinds()...), scope.WithSystemAdminBypass(cfg.AuthzSystemAdminBypass))
	guardCfg := authz.GuardConfig{
		Permissions:              a.Cache,
		Filter:                   a.Filter,
		Audit:                    sink,
		Logger:                   logger,
		ResolutionTimeout:        cfg.ResolutionTimeout(),
		DisableSystemAdminBypass: !cfg.AuthzSystemAdminBypass,
	}
	if p.Metrics != nil {
		guardCfg.Observer = p.Metrics
	}
	a.Guard = authz.NewGuard(guardCfg)
	a.Service = rbac.NewService(rbac.ServiceConfig{
		Store:   p.Store,
		Cache:   a.Cache,
		Audit:   sink,
		Catalog: a.Catalog,
		Logger:  logger,
	})
	a.Handler = authz.NewHandler(logger, a.Service, a.Guard, a.Filter)
	return a, nil
}

func cacheBackend(cfg *Config, client *redis.Client) (permcache.Backend, error) {
	switch cfg.AuthzCacheBackend {
	case CacheBackendRedis:
		if client == nil {
			return nil, errors.New("app: redis cache backend requires a redis client")
		}
		return permcache.NewRedisBackend(client), nil
	case CacheBackendNone:
		return permcache.NewPassthroughBackend(), nil
	default:
		entries := cfg.AuthzCacheMaxEntries
		if entries <= 0 {
			entries = 10000
		}
		return permcache.NewMemoryBackend(entries, cfg.CacheTTL()), nil
	}
}

// Start loads the catalog, subscribes to remote invalidations and keeps the
// catalog fresh until ctx is done.
func (a *Authz) Start(ctx context.Context) error {
	if err := a.Service.RefreshCatalog(ctx); err != nil {
		return err
	}
	if a.Broadcaster != nil {
		if err := a.Broadcaster.Listen(ctx, a.Cache.ApplyRemoteInvalidation); err != nil {
			return err
		}
	}
	go a.Catalog.Run(ctx, a.config.AuthzCatalogRefresh)
	a.logger.Info("authz core started",
		slog.String("cache_backend", a.config.AuthzCacheBackend),
		slog.Duration("cache_ttl", a.config.CacheTTL()),
		slog.Bool("admin_bypass", a.config.AuthzSystemAdminBypass))
	return nil
}
