package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"transitdelay.dev/gtfs"
	"transitdelay.dev/gtfs/config"
	"transitdelay.dev/gtfs/logging"
	"transitdelay.dev/gtfs/metrics"
	"transitdelay.dev/gtfs/publisher"
	"transitdelay.dev/gtfs/snapshot"
	"transitdelay.dev/gtfs/storage"
)

var rootCmd = &cobra.Command{
	Use:          "gtfs-delays",
	Short:        "GTFS delay pipeline",
	Long:         "Keeps a GTFS static schedule current and records realtime arrival delays against it",
	SilenceUsage: true,
}

var (
	configPath string
	backend    string
	dsn        string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVarP(&backend, "backend", "", "", "Storage backend (sqlite, postgres, memory)")
	rootCmd.PersistentFlags().StringVarP(&dsn, "dsn", "", "", "Storage DSN: sqlite file path or postgres connection string")

	rootCmd.AddCommand(initDBCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(loadStaticCmd)
	rootCmd.AddCommand(distancesCmd)
	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(delaysCmd)
	rootCmd.AddCommand(manifestDiffCmd)
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Everything a command needs, built from config and flags.
type app struct {
	command   string
	cfg       *config.Config
	logger    *slog.Logger
	storage   storage.Storage
	manager   *gtfs.Manager
	metrics   *metrics.Collector
	metricSrv *http.Server
	publisher *publisher.NATSPublisher
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if backend != "" {
		cfg.Storage.Backend = backend
	}
	if dsn != "" {
		cfg.Storage.DSN = dsn
	}

	logger := logging.Init(cfg.LogLevel, os.Stderr)
	return cfg, logger, nil
}

func setup(cmd *cobra.Command) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("loading timezone: %w", err)
	}

	s, err := storage.Open(cfg.Storage.Backend, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	a := &app{command: cmd.Name(), cfg: cfg, logger: logger, storage: s}
	a.metrics = metrics.NewCollector()

	a.manager = gtfs.NewManager(s, snapshot.Paths{
		Staging:  cfg.Paths.Staging,
		Active:   cfg.Paths.Active,
		Archive:  cfg.Paths.Archive,
		Manifest: cfg.Paths.Manifest,
	}, loc, logger)
	a.manager.Metrics = a.metrics
	a.manager.Feeds = gtfs.FeedConfig{
		VehiclePositionsURL: cfg.Realtime.VehiclePositionsURL,
		TripUpdatesURL:      cfg.Realtime.TripUpdatesURL,
		APIKey:              cfg.Realtime.APIKey,
		APIKeyParam:         cfg.Realtime.APIKeyParam,
		Timeout:             cfg.Realtime.Timeout,
		MaxSize:             cfg.Realtime.MaxSize,
		CacheTTL:            cfg.Realtime.CacheTTL,
	}

	loader := a.manager.Loader()
	loader.InProcess = *cfg.Reprocess.InProcess
	loader.Command = cfg.Reprocess.Command

	if cfg.NATS.URL != "" {
		p, err := publisher.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.Subject, a.metrics, logger)
		if err != nil {
			// Publication is optional; the run goes on without it.
			logger.Warn("nats unavailable, delays won't be published", "error", err)
		} else {
			a.publisher = p
			a.manager.Publisher = p
		}
	}

	return a, nil
}

// Serves /metrics until Close. Only long-running commands call it.
func (a *app) serveMetrics() {
	if a.cfg.Metrics.Addr != "" {
		a.metricSrv = a.metrics.Serve(a.cfg.Metrics.Addr)
	}
}

func (a *app) Close() {
	if url := a.cfg.Metrics.PushgatewayURL; url != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := a.metrics.Push(ctx, url, a.cfg.Metrics.Job, map[string]string{"command": a.command})
		cancel()
		if err != nil {
			a.logger.Warn("pushing metrics", "url", url, "error", err)
		}
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.metricSrv != nil {
		a.metricSrv.Shutdown(context.Background())
	}
	if err := a.storage.Close(); err != nil {
		a.logger.Warn("closing storage", "error", err)
	}
}
