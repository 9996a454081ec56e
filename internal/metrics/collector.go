// Package metrics counts table activity and pushes it to statsd.
package metrics

import (
	"sync/atomic"
	"time"
)

// Collector collects statistics for one table instance. The zero value is
// ready to use and every method is safe for concurrent use.
type Collector struct {
	// Atomic counters for real-time stats
	commits          uint64
	commitAttempts   uint64
	commitConflicts  uint64
	commitFailures   uint64
	flushes          uint64
	rowsWritten      uint64
	bytesWritten     uint64
	compactions      uint64
	compactionInput  uint64
	compactionOutput uint64
	writeStalls      uint64
	snapshotsExpired uint64
	filesDeleted     uint64
	orphansRemoved   uint64
	scans            uint64
	filesIngested    uint64
	rowsIngested     uint64
	ingestNanos      uint64

	// Cached table shape (updated after each commit)
	latestSnapshot int64
	liveFiles      int64
	sortedRuns     int64
}

// NewCollector creates a new collector.
func NewCollector() *Collector {
	return &Collector{}
}

// IncrementCommitAttempts counts one try to publish a snapshot.
func (c *Collector) IncrementCommitAttempts() {
	atomic.AddUint64(&c.commitAttempts, 1)
}

// IncrementCommits counts a published snapshot.
func (c *Collector) IncrementCommits() {
	atomic.AddUint64(&c.commits, 1)
}

// IncrementConflicts counts a lost create-if-absent race.
func (c *Collector) IncrementConflicts() {
	atomic.AddUint64(&c.commitConflicts, 1)
}

// IncrementCommitFailures counts a commit that gave up.
func (c *Collector) IncrementCommitFailures() {
	atomic.AddUint64(&c.commitFailures, 1)
}

// AddFlush counts a write buffer flush of rows records into bytes.
func (c *Collector) AddFlush(rows, bytes int64) {
	atomic.AddUint64(&c.flushes, 1)
	atomic.AddUint64(&c.rowsWritten, uint64(rows))
	atomic.AddUint64(&c.bytesWritten, uint64(bytes))
}

// AddCompaction counts a finished compaction task.
func (c *Collector) AddCompaction(inputFiles, outputFiles int) {
	atomic.AddUint64(&c.compactions, 1)
	atomic.AddUint64(&c.compactionInput, uint64(inputFiles))
	atomic.AddUint64(&c.compactionOutput, uint64(outputFiles))
}

// IncrementWriteStalls counts a writer blocked on compaction.
func (c *Collector) IncrementWriteStalls() {
	atomic.AddUint64(&c.writeStalls, 1)
}

// AddExpired counts expired snapshots and the files they released.
func (c *Collector) AddExpired(snapshots, files int) {
	atomic.AddUint64(&c.snapshotsExpired, uint64(snapshots))
	atomic.AddUint64(&c.filesDeleted, uint64(files))
}

// AddOrphansRemoved counts deleted orphan files.
func (c *Collector) AddOrphansRemoved(n int) {
	atomic.AddUint64(&c.orphansRemoved, uint64(n))
}

// IncrementScans counts a started scan.
func (c *Collector) IncrementScans() {
	atomic.AddUint64(&c.scans, 1)
}

// AddIngested counts one ingested file of rows records that took d.
func (c *Collector) AddIngested(rows int, d time.Duration) {
	atomic.AddUint64(&c.filesIngested, 1)
	atomic.AddUint64(&c.rowsIngested, uint64(rows))
	atomic.AddUint64(&c.ingestNanos, uint64(d))
}

// SetTableStats updates the cached table shape.
func (c *Collector) SetTableStats(latestSnapshot, liveFiles int64) {
	atomic.StoreInt64(&c.latestSnapshot, latestSnapshot)
	atomic.StoreInt64(&c.liveFiles, liveFiles)
}

// SetSortedRuns records the sorted run count of the most recently flushed bucket.
func (c *Collector) SetSortedRuns(n int) {
	atomic.StoreInt64(&c.sortedRuns, int64(n))
}

// Stats is a point-in-time copy of a Collector.
type Stats struct {
	Commits          uint64 `json:"commits"`
	CommitAttempts   uint64 `json:"commit_attempts"`
	CommitConflicts  uint64 `json:"commit_conflicts"`
	CommitFailures   uint64 `json:"commit_failures"`
	Flushes          uint64 `json:"flushes"`
	RowsWritten      uint64 `json:"rows_written"`
	BytesWritten     uint64 `json:"bytes_written"`
	Compactions      uint64 `json:"compactions"`
	CompactionInput  uint64 `json:"compaction_input_files"`
	CompactionOutput uint64 `json:"compaction_output_files"`
	WriteStalls      uint64 `json:"write_stalls"`
	SnapshotsExpired uint64 `json:"snapshots_expired"`
	FilesDeleted     uint64 `json:"files_deleted"`
	OrphansRemoved   uint64 `json:"orphans_removed"`
	Scans            uint64 `json:"scans"`
	FilesIngested    uint64 `json:"files_ingested"`
	RowsIngested     uint64 `json:"rows_ingested"`
	IngestMillis     uint64 `json:"ingest_ms"`
	LatestSnapshot   int64  `json:"latest_snapshot"`
	LiveFiles        int64  `json:"live_files"`
	SortedRuns       int64  `json:"sorted_runs"`
}

// Stats returns the current statistics
func (c *Collector) Stats() Stats {
	return Stats{
		Commits:          atomic.LoadUint64(&c.commits),
		CommitAttempts:   atomic.LoadUint64(&c.commitAttempts),
		CommitConflicts:  atomic.LoadUint64(&c.commitConflicts),
		CommitFailures:   atomic.LoadUint64(&c.commitFailures),
		Flushes:          atomic.LoadUint64(&c.flushes),
		RowsWritten:      atomic.LoadUint64(&c.rowsWritten),
		BytesWritten:     atomic.LoadUint64(&c.bytesWritten),
		Compactions:      atomic.LoadUint64(&c.compactions),
		CompactionInput:  atomic.LoadUint64(&c.compactionInput),
		CompactionOutput: atomic.LoadUint64(&c.compactionOutput),
		WriteStalls:      atomic.LoadUint64(&c.writeStalls),
		SnapshotsExpired: atomic.LoadUint64(&c.snapshotsExpired),
		FilesDeleted:     atomic.LoadUint64(&c.filesDeleted),
		OrphansRemoved:   atomic.LoadUint64(&c.orphansRemoved),
		Scans:            atomic.LoadUint64(&c.scans),
		FilesIngested:    atomic.LoadUint64(&c.filesIngested),
		RowsIngested:     atomic.LoadUint64(&c.rowsIngested),
		IngestMillis:     uint64(time.Duration(atomic.LoadUint64(&c.ingestNanos)).Milliseconds()),
		LatestSnapshot:   atomic.LoadInt64(&c.latestSnapshot),
		LiveFiles:        atomic.LoadInt64(&c.liveFiles),
		SortedRuns:       atomic.LoadInt64(&c.sortedRuns),
	}
}
