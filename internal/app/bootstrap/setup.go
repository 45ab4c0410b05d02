package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"ipguard/internal/admission"
	"ipguard/internal/anomaly"
	"ipguard/internal/auth"
	"ipguard/internal/blocklist"
	"ipguard/internal/config"
	"ipguard/internal/database"
	"ipguard/internal/geo"
	"ipguard/internal/geolite"
	"ipguard/internal/identity"
	"ipguard/internal/jobs/maintenance"
	"ipguard/internal/jobs/runtime"
	"ipguard/internal/pipeline"
	"ipguard/internal/ratelimit"
	"ipguard/internal/requestlog"
	"ipguard/internal/support"
)

const defaultRequestLogWorkers = 4

// Components holds the wired request path and the sweeps.
type Components struct {
	Redis      *redis.Client
	Store      database.Store
	Resolver   *identity.Resolver
	Gate       *admission.Gate
	Limiter    *ratelimit.Limiter
	Policies   *ratelimit.PolicyTable
	RequestLog *requestlog.Logger
	Detector   *anomaly.Detector
	Purger     *maintenance.Purger
	Blocklist  *blocklist.Service
	Feeds      *blocklist.FeedImporter
	Pipeline   *pipeline.Runner

	closers []func()
}

// Setup loads settings, opens the database and builds the components.
// redisClient may be nil, in which case everything runs instance-local.
func Setup(ctx context.Context, redisClient *redis.Client) (*Components, error) {
	config.ReadSettings()

	if redisClient != nil {
		config.EnableRedisSynchronization(ctx, redisClient)
		geolite.EnableRedisDistribution(ctx, redisClient)
	}

	if _, err := database.SetupDB(); err != nil {
		return nil, fmt.Errorf("failed to set up database: %w", err)
	}
	config.SetBetweenTime()

	geo.LoadDefault()

	return Build(ctx, redisClient)
}

// Build wires the components on top of an initialised database.
func Build(ctx context.Context, redisClient *redis.Client) (*Components, error) {
	cfg := config.GetConfig()
	store := database.Store{}

	c := &Components{Redis: redisClient, Store: store}

	policies, err := ratelimit.PolicyTableFromConfig(cfg.RateLimits)
	if err != nil {
		return nil, fmt.Errorf("invalid rate limit policies: %w", err)
	}
	c.Policies = policies

	var counters ratelimit.CounterStore
	if redisClient != nil {
		counters = ratelimit.NewRedisCounterStore(redisClient)
	} else {
		memory := ratelimit.NewMemoryCounterStore(time.Minute)
		c.closers = append(c.closers, memory.Close)
		counters = memory
	}
	c.Limiter = ratelimit.NewLimiter(counters)

	c.Gate = admission.NewGate(store, admission.WithPolicySource(admissionPolicy))

	var logOpts []requestlog.Option
	if cfg.Geolocation.Enabled {
		logOpts = append(logOpts, requestlog.WithGeolocator(newGeolocator(redisClient)))
	}
	c.RequestLog = requestlog.New(store, logOpts...)
	c.RequestLog.Start(support.GetEnvInt("REQUEST_LOG_WORKERS", defaultRequestLogWorkers))
	c.closers = append(c.closers, c.RequestLog.Close)

	c.Detector = anomaly.NewDetector(store, anomaly.WithSettingsSource(anomaly.SettingsFromConfig))
	c.Purger = maintenance.NewPurger(store, maintenance.WithMaxAgeSource(config.GetSuspiciousMaxAge))
	c.Blocklist = blocklist.NewService(store)
	c.Feeds = blocklist.NewFeedImporter(store)

	c.Resolver = identity.NewResolver(identity.WithAuthenticator(auth.BearerAuthenticator{}))
	c.Pipeline = pipeline.NewRunner(c.Resolver, []pipeline.Stage{
		admission.Stage{Gate: c.Gate},
		ratelimit.Stage{Limiter: c.Limiter, Table: c.Policies},
	}, c.RequestLog)

	log.Debug("Components wired", "rate_limited_endpoints", c.Policies.Endpoints(), "redis", redisClient != nil)
	return c, nil
}

// StartRoutines launches the periodic sweeps on g. They return once ctx is
// done.
func (c *Components) StartRoutines(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error {
		runtime.StartAnomalySweepRoutine(ctx, c.Detector)
		return nil
	})
	g.Go(func() error {
		maintenance.StartSuspiciousCleanupRoutine(ctx, c.Purger)
		return nil
	})
	g.Go(func() error {
		runtime.StartFeedRefreshRoutine(ctx, c.Feeds)
		return nil
	})
	g.Go(func() error {
		runtime.StartGeoLiteUpdateRoutine(ctx)
		return nil
	})
}

// Close flushes the request log and releases local stores.
func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

func admissionPolicy() admission.Policy {
	cfg := config.GetConfig().Admission
	timeout := config.LookupTimeout(cfg.LookupTimeoutMs, admission.DefaultLookupTimeout)
	return admission.Policy{
		FailOpen: cfg.FailOpen,
		Timeout:  support.GetEnvDuration("ADMISSION_LOOKUP_TIMEOUT", timeout),
	}
}

func newGeolocator(redisClient *redis.Client) geo.Geolocator {
	var cache geo.Cache = geo.NewMemoryCache()
	if redisClient != nil {
		cache = geo.NewRedisCache(redisClient)
	}

	cfg := config.GetConfig().Geolocation
	timeout := config.LookupTimeout(cfg.LookupTimeoutMs, geo.DefaultLookupTimeout)

	return geo.NewCachedLocator(geo.DefaultCityReader(), cache,
		geo.WithCacheTTL(config.GetGeolocationCacheTTL()),
		geo.WithLookupTimeout(support.GetEnvDuration("GEO_LOOKUP_TIMEOUT", timeout)),
	)
}
