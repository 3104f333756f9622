package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"

	"mutelu/internal/adapters/eventbus"
	server "mutelu/internal/adapters/http_server"
	"mutelu/internal/adapters/memcache"
	"mutelu/internal/adapters/observability"
	redisad "mutelu/internal/adapters/redis"
	"mutelu/internal/adapters/routing"
	"mutelu/internal/app"
	"mutelu/internal/domain"
	"mutelu/internal/shared"
	"mutelu/internal/storage/memory"
	mysqlrepo "mutelu/internal/storage/mysql"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := shared.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	// set global logger (console in dev, JSON otherwise)
	observability.InstallGlobal(observability.NewLogger(cfg.AppEnv, cfg.LogLevel))

	reg := observability.InitRegistry()
	observability.Serve(cfg.MetricsAddr, reg)

	store, closeStore := openStore(ctx, cfg)
	defer closeStore()

	places := loadPlaces(ctx, cfg, store)
	catalog := app.NewCatalog(places)
	log.Info().Int("places", catalog.Len()).Msg("catalog loaded")

	cache, closeCache := openCache(ctx, cfg)
	defer closeCache()

	// routing: rate-limited OSRM client behind a circuit breaker
	osrm, err := routing.New(cfg.Routing.BaseURL, cfg.Routing.Timeout,
		routing.WithRateLimit(cfg.Routing.Interval, cfg.Routing.Burst))
	if err != nil {
		log.Fatal().Err(err).Msg("routing client")
	}
	provider := routing.NewBreaker(osrm, routing.BreakerConfig{
		Name:        "osrm",
		MaxFailures: cfg.Routing.BreakerFailures,
		OpenFor:     cfg.Routing.BreakerOpenFor,
	})
	resolver := app.NewResolver(provider, app.ResolverConfig{
		Region:            cfg.Region,
		Workers:           cfg.Routing.Workers,
		MaxRouteMeters:    cfg.Routing.MaxRouteMeters,
		MaxStraightMeters: cfg.Routing.MaxStraightMeters,
	})

	tracker := app.NewTracker(store, cache, cfg.CacheTTL, app.ScorePolicy(cfg.Affinity.ScorePolicy))

	var sink domain.EventSink = tracker
	if cfg.Events.Async {
		bus := eventbus.New(cfg.Events.Buffer)
		if err := bus.Start(ctx, tracker); err != nil {
			log.Fatal().Err(err).Msg("event bus")
		}
		defer func() {
			if err := bus.Close(); err != nil {
				log.Warn().Err(err).Msg("event bus close")
			}
		}()
		sink = bus
		log.Info().Int64("buffer", cfg.Events.Buffer).Msg("interaction events are asynchronous")
	}

	ledger := app.NewLedger(store, sink, app.LedgerConfig{
		Cooldown:        cfg.CheckIn.Cooldown,
		MeritPoints:     cfg.CheckIn.MeritPoints,
		ProximityMeters: cfg.CheckIn.ProximityMeters,
	})
	svc := app.NewService(catalog, tracker, sink, app.NewDispatcher(resolver), ledger, app.ServiceConfig{
		DefaultTop:       cfg.Recommend.DefaultTop,
		FallbackTop:      cfg.Recommend.FallbackTop,
		NearestPrefilter: cfg.Nearest.Prefilter,
		NearestTop:       cfg.Nearest.Top,
	})

	go janitor(ctx, tracker, cfg.Affinity)

	// http
	srv := server.New(server.Options{RateLimit: cfg.RateLimit.Requests, RateLimitWindow: cfg.RateLimit.Window})
	srv.Mount("/metrics", observability.MetricsHandler(reg))
	srv.MountHandlers(&server.Handlers{S: svc, AdminKey: cfg.AdminKey})

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("store", cfg.Store).Str("cache", cfg.Cache).Msg("API listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
}

func openStore(ctx context.Context, cfg shared.Config) (domain.Store, func()) {
	if cfg.Store != "mysql" {
		log.Warn().Msg("using in-memory store; data is lost on restart")
		return memory.New(), func() {}
	}
	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("sql.Open failed")
	}
	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("db.Ping failed")
	}
	log.Info().Msg("database connection ok")
	return mysqlrepo.New(db), func() { _ = db.Close() }
}

// loadPlaces prefers what the store already holds and falls back to
// importing catalog_path into it.
func loadPlaces(ctx context.Context, cfg shared.Config, store domain.Store) []domain.Place {
	places, err := store.ListPlaces(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("list places")
	}
	if len(places) > 0 || cfg.CatalogPath == "" {
		if len(places) == 0 {
			log.Warn().Msg("catalog is empty and catalog_path is not set")
		}
		return places
	}

	places, err = app.LoadCatalogFile(cfg.CatalogPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.CatalogPath).Msg("load catalog")
	}
	res, err := app.ImportPlaces(ctx, store, places, cfg.Region, cfg.Import.Workers)
	if err != nil {
		log.Fatal().Err(err).Msg("import catalog")
	}
	log.Info().
		Int64("upserted", res.Upserted).
		Int64("failed", res.Failed).
		Int64("outside_region", res.OutsideRegion).
		Msg("catalog imported")
	return places
}

func openCache(ctx context.Context, cfg shared.Config) (domain.Cache, func()) {
	switch cfg.Cache {
	case "redis":
		c := redisad.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
		if err := c.Ping(ctx); err != nil {
			// profiles fall through to the store on every miss
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable at startup")
		}
		return c, func() { _ = c.Close() }
	case "memory":
		return memcache.New(cfg.CacheTTL, 2*cfg.CacheTTL), func() {}
	default:
		return nil, func() {}
	}
}

// janitor enforces the interaction retention window.
func janitor(ctx context.Context, t *app.Tracker, cfg shared.AffinityConfig) {
	if cfg.PurgeInterval <= 0 || cfg.RetentionDays <= 0 {
		log.Info().Msg("interaction retention disabled")
		return
	}
	tick := time.NewTicker(cfg.PurgeInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			n, err := t.PurgeOlderThan(ctx, cfg.RetentionDays)
			if err != nil {
				log.Error().Err(err).Msg("interaction purge failed")
				continue
			}
			log.Info().Int64("purged", n).Int("retention_days", cfg.RetentionDays).Msg("interaction purge done")
		}
	}
}
