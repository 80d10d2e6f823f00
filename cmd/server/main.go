package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"fieldtrack/internal/auth"
	"fieldtrack/internal/config"
	"fieldtrack/internal/domain"
	"fieldtrack/internal/events"
	"fieldtrack/internal/geofence"
	"fieldtrack/internal/health"
	"fieldtrack/internal/ingest"
	"fieldtrack/internal/notify"
	"fieldtrack/internal/pipeline"
	"fieldtrack/internal/sched"
	"fieldtrack/internal/store"
	transport "fieldtrack/internal/transport/http"
	"fieldtrack/internal/visits"
	"fieldtrack/internal/workflow"
)

func main() {
	setupLogging()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := store.NewPostgresStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection failed")
	}
	defer pg.Close()

	redis, err := store.NewRedisStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection failed")
	}
	defer redis.Close()

	bus := events.NewBus()

	registry := geofence.NewRegistry(pg, cfg.GeofenceCacheTTL)
	evaluator := geofence.NewEvaluator(registry, redis, pg, bus)

	visitCfg := visits.Config{
		ClusterRadiusM:  cfg.ClusterRadiusM,
		MaxGap:          cfg.MaxGap,
		MinDwellTime:    cfg.MinDwellTime,
		AccuracyCutoffM: cfg.AccuracyCutoffM,
		Location:        time.Local,
	}
	tracker := visits.NewTracker(visitCfg, pg, pg)
	routeSvc := visits.NewService(visitCfg, pg, pg, tracker)

	monitor := health.NewMonitor(health.Config{
		BatteryLowPct:     cfg.BatteryLowPct,
		BatteryWarningPct: cfg.BatteryWarningPct,
		OfflineWindow:     cfg.OfflineWindow,
		ActiveHoursStart:  cfg.ActiveHoursStart,
		ActiveHoursEnd:    cfg.ActiveHoursEnd,
		Location:          time.Local,
	}, pg, redis, bus)

	dbChan := make(chan *domain.LocationPing, cfg.DBChannelSize)
	worker := pipeline.NewWorker(redis, evaluator, monitor, tracker, bus, dbChan)
	dispatcher := pipeline.NewDispatcher(cfg.ShardWorkers, cfg.ShardQueueSize, worker)
	dbWriter := pipeline.NewDBWriter(dbChan, pg, cfg.DBBatchSize, cfg.DBFlushIntervalMS)

	ingestor := ingest.NewIngestor(ingest.Config{
		StalenessWindow: cfg.StalenessWindow,
		FutureSkewLimit: cfg.FutureSkewLimit,
	}, dispatcher)

	notifyChannel := notify.NewPubSubChannel(redis, store.ChannelNotify)
	notifier := notify.NewDispatcher(pg, notifyChannel, cfg.NotifyPollInterval, cfg.NotifyMaxRetries)

	engine := workflow.NewEngine(
		workflow.NewLoader(cfg.RulesPath),
		pg,
		redis,
		notifier,
		&alertBroadcaster{redis: redis},
		&engineStats{pg: pg, redis: redis},
		time.Local,
	)
	engine.RegisterAutoOp("close_open_clusters", func(ctx context.Context) (string, error) {
		n := tracker.CloseAll(ctx)
		return fmt.Sprintf("closed %d open clusters", n), nil
	})
	engine.RegisterAutoOp("resolve_offline_alerts", workflow.ResolveOfflineAlertsOp(pg))
	if err := engine.Start(bus); err != nil {
		log.Fatal().Err(err).Msg("workflow rules failed to load")
	}

	scheduler := sched.NewScheduler(redis, cfg.TickInterval, cfg.LockTTL)
	scheduler.Register("offline-sweep", func(ctx context.Context) {
		if err := monitor.SweepOffline(ctx, time.Now()); err != nil {
			log.Error().Err(err).Msg("offline sweep failed")
		}
	})
	scheduler.Register("workflow-tick", engine.Tick)

	httpServer := transport.NewServer(ingestor, pg, redis, registry, routeSvc, engine, time.Local)
	authn := auth.NewAuthenticator(cfg, redis)
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           httpServer.Router(authn),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dispatcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		dbWriter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		scheduler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		notifier.Run(gctx)
		return nil
	})
	g.Go(func() error {
		watchGeofenceInvalidation(gctx, redis, registry)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("port", cfg.HTTPPort).Int("shards", cfg.ShardWorkers).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server exited with error")
	}
	log.Info().Msg("server stopped")
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	level, err := zerolog.ParseLevel(getEnvDefault("LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if os.Getenv("LOG_PRETTY") == "true" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// watchGeofenceInvalidation listens for cross-instance cache busts published
// by the geofence CRUD handlers.
func watchGeofenceInvalidation(ctx context.Context, redis *store.RedisStore, registry *geofence.Registry) {
	sub := redis.Subscribe(ctx, store.ChannelInvalidate)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
			registry.Invalidate()
		case <-ctx.Done():
			return
		}
	}
}

// alertBroadcaster carries workflow alert actions onto the operator feed.
type alertBroadcaster struct {
	redis *store.RedisStore
}

func (b *alertBroadcaster) Broadcast(ctx context.Context, payload interface{}) error {
	return b.redis.PublishJSON(ctx, store.ChannelAlerts, payload)
}

// engineStats joins the two stores behind the workflow condition predicates.
type engineStats struct {
	pg    *store.PostgresStore
	redis *store.RedisStore
}

func (s *engineStats) CountOpenAlerts(ctx context.Context) (int, error) {
	return s.pg.CountOpenAlerts(ctx)
}

func (s *engineStats) ActiveUserCount(ctx context.Context, since time.Time) (int, error) {
	return s.redis.ActiveUserCount(ctx, since)
}
