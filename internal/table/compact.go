package table

import (
	"context"
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/freeeve/lakehouse/internal/commit"
	"github.com/freeeve/lakehouse/internal/compact"
	"github.com/freeeve/lakehouse/internal/errs"
	"github.com/freeeve/lakehouse/internal/mergetree"
)

// Compact compacts every bucket of the latest snapshot and commits the
// result as one COMPACT snapshot. With full set each bucket is rewritten
// into a single run at the highest level; otherwise only buckets the picker
// selects are compacted. It returns 0 when there was nothing to do.
func (t *Table) Compact(ctx context.Context, full bool) (int64, error) {
	snap, err := t.snapshots.Latest(ctx)
	if err != nil || snap == nil {
		return 0, err
	}
	entries, err := t.liveEntries(ctx, snap, nil)
	if err != nil {
		return 0, err
	}
	return t.compactBuckets(ctx, groupByBucket(entries), full)
}

// compactBuckets runs a dedicated compaction of buckets. It commits under a
// fresh commit user so it never collides with the identifiers of writers.
func (t *Table) compactBuckets(ctx context.Context, buckets []bucketFiles, full bool) (int64, error) {
	s, err := t.refreshSchema(ctx)
	if err != nil {
		return 0, err
	}
	for _, b := range buckets {
		for _, f := range b.files {
			if f.SchemaID > s.ID {
				return 0, errs.SchemaIncompatible("file %s was written under schema %d, newer than %d", f.FileName, f.SchemaID, s.ID)
			}
		}
	}
	opts := t.Options()
	opts.WriteOnly = false
	cfg := t.commitConfig("compact-"+uuid.NewString(), s.ID)
	cfg.NewUser = true
	c := commit.New(cfg)

	incs := make([]*mergetree.CommitIncrement, len(buckets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.IOMaxConcurrency, 1))
	for i, b := range buckets {
		g.Go(func() error {
			w, err := t.newWriter(s, opts, b.partition, b.bucket, b.files)
			if err != nil {
				return err
			}
			defer w.Close(context.WithoutCancel(ctx))
			if err := w.Compact(gctx, full); err != nil {
				return err
			}
			incs[i], err = w.PrepareCommit(gctx, true)
			return err
		})
	}
	err = g.Wait()
	cm := &commit.Committable{Identifier: math.MaxInt64}
	for _, inc := range incs {
		if inc != nil && !inc.IsEmpty() {
			cm.Increments = append(cm.Increments, inc)
		}
	}
	if err != nil {
		c.Abort(context.WithoutCancel(ctx), cm)
		return 0, errors.Wrap(err, "compact")
	}
	if cm.IsEmpty() {
		return 0, nil
	}
	return c.Commit(ctx, cm)
}

// StartBackgroundCompaction compacts buckets with too many sorted runs every
// interval. It is meant for tables written with write-only writers.
func (t *Table) StartBackgroundCompaction(interval time.Duration, concurrency int) {
	t.bgMu.Lock()
	defer t.bgMu.Unlock()
	if t.scheduler != nil {
		return
	}
	t.scheduler = compact.NewScheduler(t.planCompaction, concurrency, t.log)
	t.scheduler.Start(interval)
}

// StopBackgroundCompaction stops the loop started by
// StartBackgroundCompaction and waits for a running round.
func (t *Table) StopBackgroundCompaction() {
	t.bgMu.Lock()
	s := t.scheduler
	t.scheduler = nil
	t.bgMu.Unlock()
	if s != nil {
		s.Stop()
	}
}

// planCompaction lists the buckets of the latest snapshot whose sorted runs
// exceed the compaction trigger. Each task commits on its own.
func (t *Table) planCompaction(ctx context.Context) ([]compact.Task, error) {
	snap, err := t.snapshots.Latest(ctx)
	if err != nil || snap == nil {
		return nil, err
	}
	entries, err := t.liveEntries(ctx, snap, nil)
	if err != nil {
		return nil, err
	}
	opts := t.Options()
	var tasks []compact.Task
	for _, b := range groupByBucket(entries) {
		levels, err := mergetree.RestoreLevels(opts.NumLevels, b.files)
		if err != nil {
			return nil, err
		}
		if levels.NumberOfSortedRuns() <= opts.CompactionTrigger {
			continue
		}
		tasks = append(tasks, compact.Task{
			Partition: b.partition,
			Bucket:    b.bucket,
			Run: func(ctx context.Context) error {
				_, err := t.compactBuckets(ctx, []bucketFiles{b}, false)
				return err
			},
		})
	}
	return tasks, nil
}
