package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mtflow/mtflow/internal/broker"
	"github.com/mtflow/mtflow/internal/broker/fyers"
	"github.com/mtflow/mtflow/internal/catalog"
	"github.com/mtflow/mtflow/internal/config"
	"github.com/mtflow/mtflow/internal/events"
	"github.com/mtflow/mtflow/internal/persistence/postgres"
)

// runSyncInstruments is the one-shot catalog refresh: resolve the data
// broker, pull its instrument master, bulk-upsert, exit.
func runSyncInstruments(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)

	dbCfg := postgres.DefaultConfig()
	dbCfg.DSN = cfg.Database.DSN()
	dbCfg.QueryTimeout = cfg.Database.QueryTimeout

	dbm, err := postgres.NewManager(dbCfg)
	if err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	defer dbm.Close()
	repo := dbm.Repository()

	recorder := events.NewRecorder(repo.Events, logger, "cli")
	brokerMgr := broker.NewManager(repo, recorder, logger)
	brokerMgr.Register(fyers.New(fyers.Config{
		ClientID:    cfg.Fyers.ClientID,
		SecretKey:   cfg.Fyers.SecretKey,
		RedirectURL: cfg.Fyers.RedirectURL,
		BaseURL:     cfg.Fyers.BaseURL,
		DataURL:     cfg.Fyers.DataURL,
		WSURL:       cfg.Fyers.WSURL,
	}, logger))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	ub, err := repo.UserBrokers.FindDataBroker(ctx)
	if err != nil {
		return fmt.Errorf("no active data broker: %w", err)
	}
	adapter, _, err := brokerMgr.AdapterFor(ctx, ub)
	if err != nil {
		return err
	}

	svc := catalog.NewService(repo.Instruments, nil, logger)
	n, err := svc.Sync(ctx, adapter)
	if err != nil {
		return err
	}

	logger.Info().Int("instruments", n).Msg("catalog refreshed")
	return nil
}
