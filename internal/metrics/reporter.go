package metrics

import (
	"context"
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// Sink is the part of statsd.Statter the reporter uses.
type Sink interface {
	Inc(stat string, value int64, rate float32, tags ...statsd.Tag) error
	Gauge(stat string, value int64, rate float32, tags ...statsd.Tag) error
}

// Reporter pushes a collector to statsd. Counters are sent as deltas since
// the previous push, table shape as gauges.
type Reporter struct {
	c    *Collector
	sink Sink
	log  zerolog.Logger
	last Stats
}

// NewReporter reports c to sink.
func NewReporter(c *Collector, sink Sink, log zerolog.Logger) *Reporter {
	return &Reporter{c: c, sink: sink, log: log}
}

// Dial connects a buffered statsd client to address with every stat prefixed.
func Dial(address, prefix string) (statsd.Statter, error) {
	client, err := statsd.NewClientWithConfig(&statsd.ClientConfig{
		Address:       address,
		Prefix:        prefix,
		UseBuffered:   true,
		FlushInterval: 300 * time.Millisecond,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "statsd %s", address)
	}
	return client, nil
}

// Report pushes the current stats once.
func (r *Reporter) Report() error {
	cur := r.c.Stats()
	prev := r.last
	r.last = cur
	counters := []struct {
		name      string
		cur, prev uint64
	}{
		{"commit.success", cur.Commits, prev.Commits},
		{"commit.attempt", cur.CommitAttempts, prev.CommitAttempts},
		{"commit.conflict", cur.CommitConflicts, prev.CommitConflicts},
		{"commit.failure", cur.CommitFailures, prev.CommitFailures},
		{"write.flush", cur.Flushes, prev.Flushes},
		{"write.rows", cur.RowsWritten, prev.RowsWritten},
		{"write.bytes", cur.BytesWritten, prev.BytesWritten},
		{"write.stall", cur.WriteStalls, prev.WriteStalls},
		{"compaction.task", cur.Compactions, prev.Compactions},
		{"compaction.input_files", cur.CompactionInput, prev.CompactionInput},
		{"compaction.output_files", cur.CompactionOutput, prev.CompactionOutput},
		{"expire.snapshots", cur.SnapshotsExpired, prev.SnapshotsExpired},
		{"expire.files", cur.FilesDeleted, prev.FilesDeleted},
		{"orphan.removed", cur.OrphansRemoved, prev.OrphansRemoved},
		{"scan", cur.Scans, prev.Scans},
		{"ingest.files", cur.FilesIngested, prev.FilesIngested},
		{"ingest.rows", cur.RowsIngested, prev.RowsIngested},
	}
	var err error
	for _, c := range counters {
		if c.cur == c.prev {
			continue
		}
		err = errors.CombineErrors(err, r.sink.Inc(c.name, int64(c.cur-c.prev), 1))
	}
	err = errors.CombineErrors(err, r.sink.Gauge("table.latest_snapshot", cur.LatestSnapshot, 1))
	err = errors.CombineErrors(err, r.sink.Gauge("table.live_files", cur.LiveFiles, 1))
	err = errors.CombineErrors(err, r.sink.Gauge("table.sorted_runs", cur.SortedRuns, 1))
	return err
}

// Run reports every interval until ctx is done, then reports once more.
func (r *Reporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := r.Report(); err != nil {
				r.log.Warn().Err(err).Msg("final metrics report failed")
			}
			return
		case <-ticker.C:
			if err := r.Report(); err != nil {
				r.log.Warn().Err(err).Msg("metrics report failed")
			}
		}
	}
}
