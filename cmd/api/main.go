package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeeve/lakehouse/internal/config"
	"github.com/freeeve/lakehouse/internal/fileio"
	"github.com/freeeve/lakehouse/internal/httpapi"
	"github.com/freeeve/lakehouse/internal/ingest"
	"github.com/freeeve/lakehouse/internal/logx"
	"github.com/freeeve/lakehouse/internal/metrics"
	"github.com/freeeve/lakehouse/internal/table"
)

func main() {
	var (
		configPath = flag.String("config", "lakehouse.yaml", "server config file (missing = defaults)")

		// Overrides for the most common settings
		addr      = flag.String("addr", "", "listen address (overrides config)")
		tablePath = flag.String("table", "", "table root directory (overrides config)")
		ingestDir = flag.String("ingest-dir", "", "directory to watch for .jsonl files (overrides config, enables ingest)")
		logLevel  = flag.String("log-level", "", "log level (overrides config)")
	)
	flag.Parse()

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		fallback := logx.NewLogger()
		fallback.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *tablePath != "" {
		cfg.Table.Path = *tablePath
	}
	if *ingestDir != "" {
		cfg.Ingest.Enabled = true
		cfg.Ingest.WatchDir = *ingestDir
	}
	if *logLevel != "" {
		cfg.Logger.Level = *logLevel
	}

	logger, err := logx.NewLoggerWithOptions(os.Stdout, cfg.Logger.Level, cfg.Logger.JSON)
	if err != nil {
		fallback := logx.NewLogger()
		fallback.Fatal().Err(err).Msg("create logger")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector()
	tbl, err := table.Open(ctx, table.Config{
		FileIO:  fileio.NewLocal(),
		Root:    cfg.Table.Path,
		Logger:  logger.With().Str("component", "table").Logger(),
		Metrics: collector,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.Table.Path).Msg("open table")
	}
	defer tbl.Close()

	// Log table stats
	stats, err := tbl.Stats(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("read table stats")
	}
	logger.Info().
		Str("path", cfg.Table.Path).
		Int64("schema", stats.SchemaID).
		Int64("latest_snapshot", stats.LatestSnapshot).
		Int("live_files", stats.LiveFiles).
		Msg("table opened")

	// Start statsd reporter if configured
	if cfg.Metrics.StatsdAddress != "" {
		client, err := metrics.Dial(cfg.Metrics.StatsdAddress, cfg.Metrics.Prefix)
		if err != nil {
			logger.Fatal().Err(err).Msg("dial statsd")
		}
		defer client.Close()
		reporter := metrics.NewReporter(collector, client, logger.With().Str("component", "metrics").Logger())
		go reporter.Run(ctx, cfg.Metrics.Interval)
		logger.Info().Str("address", cfg.Metrics.StatsdAddress).Msg("started statsd reporter")
	}

	// Start HTTP server
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.NewRouter(logger.With().Str("component", "http").Logger(), tbl),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("api server")
		}
	}()

	// Background maintenance
	if cfg.Compaction.Interval > 0 {
		tbl.StartBackgroundCompaction(cfg.Compaction.Interval, cfg.Compaction.Concurrency)
		logger.Info().Dur("interval", cfg.Compaction.Interval).Msg("started background compaction")
	}
	if cfg.Compaction.ExpireInterval > 0 {
		go expireLoop(ctx, tbl, cfg.Compaction.ExpireInterval, logger)
		logger.Info().Dur("interval", cfg.Compaction.ExpireInterval).Msg("started snapshot expiration")
	}

	// Start ingest worker if configured
	if cfg.Ingest.Enabled {
		worker, err := ingest.NewWorker(ingest.Config{
			WatchDir:     cfg.Ingest.WatchDir,
			ProcessedDir: cfg.Ingest.ProcessedDir,
			PollInterval: cfg.Ingest.PollInterval,
			CommitUser:   cfg.Table.CommitUser,
			Logger:       logger.With().Str("component", "ingest").Logger(),
		}, tbl)
		if err != nil {
			logger.Fatal().Err(err).Msg("create ingest worker")
		}
		if worker != nil {
			go func() {
				if err := worker.Run(ctx); err != nil && err != context.Canceled {
					logger.Error().Err(err).Msg("ingest worker stopped")
				}
			}()
		}
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	// Shutdown HTTP server first
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown error")
	}
	tbl.StopBackgroundCompaction()

	logger.Info().Msg("shutdown complete")
}

// expireLoop expires snapshots every interval until ctx is done.
func expireLoop(ctx context.Context, tbl *table.Table, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := tbl.ExpireSnapshots(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("expire snapshots failed")
			}
		}
	}
}
