// mtflow is the paper/live trading backend: signal intake, delivery fan-out,
// entry and exit pipelines, broker sessions and the admin API.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName = "mtflow"
	version = "v1.4.2"
)

var configPath string

func main() {
	zerolog.TimeFieldFormat = time.RFC3339

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Multi-timeframe trading backend",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "Path to the YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the trading backend",
		Long:  "Boots the database, broker adapters, schedulers, tick feed and the admin HTTP server.",
		RunE:  runServe,
	}

	syncCmd := &cobra.Command{
		Use:   "sync-instruments",
		Short: "Refresh the instrument catalog",
		Long:  "Downloads the data broker's instrument master and bulk-upserts the catalog, then exits.",
		RunE:  runSyncInstruments,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", appName, version)
		},
	}

	rootCmd.AddCommand(serveCmd, syncCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func setupLogger(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	// "auto" picks console output on a terminal, JSON when piped.
	console := format == "console"
	if format == "auto" || format == "" {
		console = term.IsTerminal(int(os.Stderr.Fd()))
	}

	var logger zerolog.Logger
	if console {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	logger = logger.Level(lvl).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}
