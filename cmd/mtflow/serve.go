package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/mtflow/mtflow/internal/broker"
	"github.com/mtflow/mtflow/internal/broker/fyers"
	"github.com/mtflow/mtflow/internal/catalog"
	"github.com/mtflow/mtflow/internal/config"
	"github.com/mtflow/mtflow/internal/deliveries"
	"github.com/mtflow/mtflow/internal/events"
	"github.com/mtflow/mtflow/internal/exits"
	"github.com/mtflow/mtflow/internal/intents"
	adminhttp "github.com/mtflow/mtflow/internal/interfaces/http"
	"github.com/mtflow/mtflow/internal/interfaces/http/handlers"
	"github.com/mtflow/mtflow/internal/monitoring"
	"github.com/mtflow/mtflow/internal/persistence/postgres"
	"github.com/mtflow/mtflow/internal/scheduler"
	"github.com/mtflow/mtflow/internal/signals"
	"github.com/mtflow/mtflow/internal/watchlist"
)

const tickBuffer = 1024

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info().Str("version", version).Msg("mtflow starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage.
	dbCfg := postgres.DefaultConfig()
	dbCfg.DSN = cfg.Database.DSN()
	dbCfg.MaxOpenConns = cfg.Database.MaxOpenConns
	dbCfg.MaxIdleConns = cfg.Database.MaxIdleConns
	dbCfg.QueryTimeout = cfg.Database.QueryTimeout

	dbm, err := postgres.NewManager(dbCfg)
	if err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	defer dbm.Close()
	repo := dbm.Repository()

	var cache *redis.Client
	if cfg.Redis.Enabled {
		cache = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := cache.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable, catalog cache disabled")
			cache = nil
		}
	}

	// Exchange timezone for signal-day bucketing.
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		loc = time.FixedZone("IST", 5*3600+1800)
	}

	// Services.
	recorder := events.NewRecorder(repo.Events, logger, "system")
	brokerMgr := broker.NewManager(repo, recorder, logger)
	brokerMgr.Register(fyers.New(fyers.Config{
		ClientID:    cfg.Fyers.ClientID,
		SecretKey:   cfg.Fyers.SecretKey,
		RedirectURL: cfg.Fyers.RedirectURL,
		BaseURL:     cfg.Fyers.BaseURL,
		DataURL:     cfg.Fyers.DataURL,
		WSURL:       cfg.Fyers.WSURL,
	}, logger))

	fanout := deliveries.NewManager(repo, recorder, logger)
	signalMgr := signals.NewManager(repo, fanout, recorder, logger, loc)
	entryPipeline := intents.NewPipeline(repo, fanout, brokerMgr, recorder, logger)
	exitPipeline := exits.NewPipeline(repo, brokerMgr, recorder, logger)
	watchlistSvc := watchlist.NewService(repo, logger)
	catalogSvc := catalog.NewService(repo.Instruments, cache, logger)
	exitMonitor := exits.NewMonitor(repo, exitPipeline, watchlistSvc, logger)

	metrics := monitoring.NewMetricsRegistry()
	brokerMgr.SetMetrics(metrics)
	fanout.SetMetrics(metrics)
	signalMgr.SetMetrics(metrics)
	exitPipeline.SetMetrics(metrics)
	exitMonitor.SetMetrics(metrics)

	poller := monitoring.NewPoller(repo.Monitoring, metrics, cfg.Monitoring.PollInterval, logger)
	go poller.Run(ctx)

	// Maintenance jobs.
	sched := scheduler.New(logger)
	jobs := []struct {
		schedule string
		job      scheduler.Job
	}{
		{cfg.Jobs.SignalExpiry, scheduler.NewSignalExpiryJob(signalMgr, logger)},
		{cfg.Jobs.SessionExpiry, scheduler.NewSessionExpiryJob(repo.Sessions, recorder, logger)},
		{cfg.Jobs.EntryReconcile, scheduler.NewEntryReconcileJob(entryPipeline, logger)},
		{cfg.Jobs.ExitRetry, scheduler.NewExitRetryJob(exitPipeline, logger)},
		{cfg.Jobs.WatchlistSync, scheduler.NewWatchlistSyncJob(watchlistSvc, logger)},
		{cfg.Jobs.InstrumentSync, scheduler.NewInstrumentSyncJob(catalogSvc, brokerMgr, repo.UserBrokers, logger)},
	}
	for _, j := range jobs {
		if j.schedule == "" {
			continue
		}
		if err := sched.AddJob(j.schedule, j.job); err != nil {
			return fmt.Errorf("schedule %s: %w", j.job.Name(), err)
		}
	}
	sched.Start()
	defer sched.Stop()

	// Tick feed: watchlist union → data broker stream → exit monitor.
	ticks := make(chan broker.Tick, tickBuffer)
	go exitMonitor.Run(ctx, ticks)
	go func() {
		symbols, err := watchlistSvc.WatchedSymbols(ctx)
		if err != nil || len(symbols) == 0 {
			logger.Warn().Err(err).Msg("no watched symbols, tick feed idle")
			return
		}
		if err := brokerMgr.RunFeed(ctx, symbols, ticks); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("tick feed stopped")
		}
	}()

	// Admin HTTP server.
	h := handlers.NewHandlers(handlers.Deps{
		Repo:       repo,
		Signals:    signalMgr,
		Deliveries: fanout,
		Entries:    entryPipeline,
		Exits:      exitPipeline,
		Brokers:    brokerMgr,
		Catalog:    catalogSvc,
		Watchlists: watchlistSvc,
		Health:     poller,
		Ping:       func() error { return dbm.Health(context.Background()) },
		RedisPing: func() error {
			if cache == nil {
				return nil
			}
			return cache.Ping(context.Background()).Err()
		},
	}, logger)

	server, err := adminhttp.NewServer(cfg.Server, cfg.Engine.APIToken, h, metrics, logger)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("http server failed")
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}
