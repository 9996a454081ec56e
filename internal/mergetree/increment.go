package mergetree

import (
	"context"
	"fmt"

	"github.com/freeeve/lakehouse/internal/spec"
)

// CommitIncrement is everything one bucket writer produced since its last
// PrepareCommit. NewFiles and Changelog go into an APPEND snapshot,
// CompactBefore/CompactAfter into a COMPACT snapshot.
type CommitIncrement struct {
	Partition     []byte
	Bucket        int
	TotalBuckets  int
	NewFiles      []*spec.DataFileMeta
	Changelog     []*spec.DataFileMeta
	CompactBefore []*spec.DataFileMeta
	CompactAfter  []*spec.DataFileMeta
}

// IsEmpty reports whether the increment carries no file changes.
func (c *CommitIncrement) IsEmpty() bool {
	return len(c.NewFiles) == 0 && len(c.Changelog) == 0 && len(c.CompactBefore) == 0 && len(c.CompactAfter) == 0
}

func (c *CommitIncrement) String() string {
	return fmt.Sprintf("{partition=%x, bucket=%d, new=%d, changelog=%d, compact=%d->%d}",
		c.Partition, c.Bucket, len(c.NewFiles), len(c.Changelog), len(c.CompactBefore), len(c.CompactAfter))
}

// Entries turns files into manifest entries of this increment's bucket.
func (c *CommitIncrement) Entries(files []*spec.DataFileMeta) []*spec.ManifestEntry {
	out := make([]*spec.ManifestEntry, len(files))
	for i, f := range files {
		out[i] = spec.NewEntry(spec.EntryAdd, c.Partition, c.Bucket, c.TotalBuckets, f)
	}
	return out
}

// CompactResult is the outcome of one compaction task.
type CompactResult struct {
	Before []*spec.DataFileMeta
	After  []*spec.DataFileMeta
}

// Compactor runs compactions of one bucket in the background.
type Compactor interface {
	// Trigger starts a compaction of levels when one is due, or of every run
	// when full is set. It returns false when a task is already running or
	// nothing needs compacting. The compactor must not keep levels.
	Trigger(levels *Levels, full bool) bool
	// Result returns the result of a finished task, or nil. With block set
	// it waits for a running task.
	Result(ctx context.Context, block bool) (*CompactResult, error)
	// Running reports whether a task is in flight.
	Running() bool
	// Cancel stops a running task and waits for it. Its outputs are deleted.
	Cancel()
}
