package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/freeeve/lakehouse/internal/fileio"
	"github.com/freeeve/lakehouse/internal/ingest"
	"github.com/freeeve/lakehouse/internal/logx"
	"github.com/freeeve/lakehouse/internal/metrics"
	"github.com/freeeve/lakehouse/internal/table"
)

func main() {
	defaultUser := "ingest"
	if env := os.Getenv("LAKEHOUSE_COMMIT_USER"); env != "" {
		defaultUser = env
	}

	var (
		tableDir     = flag.String("table", "./data/table", "Table root directory")
		inputDir     = flag.String("dir", "", "Directory of .jsonl[.zst] files named <identifier>[-anything].jsonl")
		processedDir = flag.String("processed", "", "Directory for committed files (default <dir>/processed)")
		commitUser   = flag.String("commit-user", defaultUser, "Commit user of the ingest commits")
		compact      = flag.Bool("compact", false, "Run a full compaction after ingesting")
	)
	flag.Parse()

	if *inputDir == "" {
		fmt.Fprintln(os.Stderr, "Usage: ingest --dir <dir> [options]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	logger := logx.NewLogger()
	logger.Info().
		Str("dir", *inputDir).
		Str("table", *tableDir).
		Str("commit_user", *commitUser).
		Msg("starting ingest")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	collector := metrics.NewCollector()
	tbl, err := table.Open(ctx, table.Config{
		FileIO:  fileio.NewLocal(),
		Root:    *tableDir,
		Logger:  logger,
		Metrics: collector,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("open table")
	}
	defer tbl.Close()

	worker, err := ingest.NewWorker(ingest.Config{
		WatchDir:     *inputDir,
		ProcessedDir: *processedDir,
		CommitUser:   *commitUser,
		Logger:       logger,
	}, tbl)
	if err != nil {
		logger.Fatal().Err(err).Msg("create ingest worker")
	}

	startTime := time.Now()
	files, err := worker.ProcessNewFiles(ctx)
	if err != nil {
		logger.Error().Err(err).Int("files", files).Msg("ingest stopped")
		os.Exit(1)
	}

	if *compact && files > 0 {
		id, err := tbl.Compact(ctx, true)
		if err != nil {
			logger.Fatal().Err(err).Msg("compaction failed")
		}
		logger.Info().Int64("snapshot", id).Msg("compacted")
	}

	stats := collector.Stats()
	elapsed := time.Since(startTime)
	logger.Info().
		Int("files", files).
		Uint64("rows", stats.RowsIngested).
		Uint64("commits", stats.Commits).
		Dur("elapsed", elapsed).
		Float64("rows_per_sec", float64(stats.RowsIngested)/elapsed.Seconds()).
		Msg("ingest complete")
}
