// Command gatewayd is the gateway's composition root: it loads
// configuration, wires every collaborator, and runs the HTTP server
// until a termination signal asks it to drain. Structure (env loading,
// signal-driven shutdown honoring a grace period, a lifecycle.Manager
// collecting closers in construction order) follows the teacher's
// pkg/cedros/app.go composition root, generalized to this gateway's own
// collaborator set.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/nexusx/gateway/internal/auth"
	"github.com/nexusx/gateway/internal/billing"
	"github.com/nexusx/gateway/internal/bundle"
	"github.com/nexusx/gateway/internal/circuitbreaker"
	"github.com/nexusx/gateway/internal/config"
	"github.com/nexusx/gateway/internal/demandsignal"
	"github.com/nexusx/gateway/internal/httpserver"
	"github.com/nexusx/gateway/internal/idempotency"
	"github.com/nexusx/gateway/internal/lifecycle"
	"github.com/nexusx/gateway/internal/logger"
	"github.com/nexusx/gateway/internal/metrics"
	"github.com/nexusx/gateway/internal/money"
	"github.com/nexusx/gateway/internal/paywall"
	"github.com/nexusx/gateway/internal/proxy"
	"github.com/nexusx/gateway/internal/ratelimit"
	"github.com/nexusx/gateway/internal/reliability"
	"github.com/nexusx/gateway/internal/resolver"
	"github.com/nexusx/gateway/internal/store"
	"github.com/nexusx/gateway/internal/store/memory"
	"github.com/nexusx/gateway/internal/store/mongo"
	"github.com/nexusx/gateway/internal/store/postgres"
	"github.com/nexusx/gateway/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("NEXUSX_CONFIG_FILE"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "nexusx-gateway",
		Version:     version(),
		Environment: cfg.Logging.Environment,
	})

	lm := lifecycle.NewManager()
	defer func() {
		if err := lm.Close(); err != nil {
			log.Error().Err(err).Msg("lifecycle teardown had errors")
		}
	}()

	// metrics.New(nil) registers against prometheus.DefaultRegisterer so
	// that the /metrics route's promhttp.Handler() (which always serves
	// the default registry) reflects what's actually been collected.
	m := metrics.New(nil)

	dataStore, err := openStore(cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("open store failed")
	}
	if withMetrics, ok := dataStore.(interface{ WithMetrics(*metrics.Metrics) }); ok {
		withMetrics.WithMetrics(m)
	}
	lm.Register("store", dataStore)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lm.Register("redis", rdb)

	pool := worker.New(cfg.Worker.PoolSize, cfg.Worker.QueueDepth, log)
	lm.Register("worker_pool", pool)

	breaker := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker, log)
	emitter := demandsignal.New(rdb, log)
	reliabilityAgg := reliability.New(rdb, log)

	// persistenceBreaker isolates the store's hot read/write paths
	// (listing resolution, transaction persist) from a degraded
	// backend, bound to the breaker.Manager's ServicePersistence slot.
	persistenceBreaker := func(fn func() (interface{}, error)) (interface{}, error) {
		return breaker.Execute(circuitbreaker.ServicePersistence, fn)
	}

	routeResolver := resolver.New(dataStore, cfg.Resolver.CacheTTL.Duration, persistenceBreaker)
	lm.RegisterFunc("route_resolver", func() error { routeResolver.Close(); return nil })

	submit := func(task func(ctx context.Context)) { pool.Submit(task) }

	authn := auth.New(dataStore, submit, log)
	proxyEngine := proxy.New(
		time.Duration(cfg.Upstream.TimeoutMs)*time.Millisecond,
		cfg.Upstream.MaxBodySizeMiB*1024*1024,
	)
	biller := billing.New(dataStore, emitter, money.RateFromFloat(cfg.Billing.PlatformFeeRate), submit, persistenceBreaker, log)
	bundleEngine := bundle.New(dataStore, routeResolver, log)

	challenger := paywall.New(routeResolver, breaker, emitter, cfg.X402.FacilitatorURL, paywall.Config{
		Network:           cfg.X402.Network,
		PlatformAddress:   cfg.X402.PlatformAddress,
		AssetAddress:      cfg.X402.AssetAddress,
		MaxTimeoutSeconds: cfg.X402.ChallengeTimeoutSeconds,
		VerifyTimeout:     time.Duration(cfg.X402.VerifyTimeoutMs) * time.Millisecond,
		SettleTimeout:     time.Duration(cfg.X402.SettleTimeoutMs) * time.Millisecond,
		SandboxEnabled:    cfg.X402.SandboxEnabled,
	}, log)

	limiter := ratelimit.New()
	lm.RegisterFunc("rate_limiter", func() error { limiter.Close(); return nil })

	idempotencyStore := idempotency.NewMemoryStore()
	lm.RegisterFunc("idempotency_store", func() error { idempotencyStore.Stop(); return nil })

	srv := httpserver.New(httpserver.Deps{
		Config:      cfg,
		Store:       dataStore,
		Authn:       authn,
		Challenger:  challenger,
		RateLimiter: limiter,
		Resolver:    routeResolver,
		Proxy:       proxyEngine,
		Biller:      biller,
		Bundles:     bundleEngine,
		Reliability: reliabilityAgg,
		Breaker:     breaker,
		Metrics:     m,
		Emitter:     emitter,
		Idempotency: idempotencyStore,
		Submit:      submit,
		Logger:      log,
	})

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Address).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatal().Err(err).Msg("http server failed")
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace.Duration)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
}

// openStore constructs the storage backend named by cfg.Backend.
func openStore(cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return memory.New(), nil
	case "postgres":
		return postgres.New(cfg.PostgresURL, cfg.PostgresPool)
	case "mongo":
		return mongo.New(cfg.MongoURL, cfg.MongoDB)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// version is overridden at build time via -ldflags.
var buildVersion = "dev"

func version() string {
	return buildVersion
}
