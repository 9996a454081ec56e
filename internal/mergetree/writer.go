package mergetree

import (
	"context"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/freeeve/lakehouse/internal/config"
	"github.com/freeeve/lakehouse/internal/errs"
	"github.com/freeeve/lakehouse/internal/merge"
	"github.com/freeeve/lakehouse/internal/metrics"
	"github.com/freeeve/lakehouse/internal/spec"
)

// WriterConfig configures a bucket writer.
type WriterConfig struct {
	Store        *RunStore
	Levels       *Levels // restored from the latest snapshot
	Options      config.Options
	Compactor    Compactor // nil disables compaction
	TotalBuckets int
	Logger       zerolog.Logger
	Metrics      *metrics.Collector
}

// Writer is the single writer of one bucket. It assigns sequence numbers,
// buffers rows, flushes level-0 files and drives compaction.
type Writer struct {
	mu        sync.Mutex
	store     *RunStore
	levels    *Levels
	buffer    *WriteBuffer
	compactor Compactor
	opts      config.Options
	log       zerolog.Logger
	metrics   *metrics.Collector

	nextSeq       int64
	retainHistory bool
	inc           CommitIncrement
	closed        bool
}

// NewWriter creates a bucket writer. Sequence numbers continue after the
// highest one in the restored levels.
func NewWriter(cfg WriterConfig) *Writer {
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewCollector()
	}
	compactor := cfg.Compactor
	if cfg.Options.WriteOnly {
		compactor = nil
	}
	w := &Writer{
		store:     cfg.Store,
		levels:    cfg.Levels,
		buffer:    NewWriteBuffer(),
		compactor: compactor,
		opts:      cfg.Options,
		log: cfg.Logger.With().
			Hex("partition", cfg.Store.Partition()).
			Int("bucket", cfg.Store.Bucket()).Logger(),
		metrics:       m,
		nextSeq:       cfg.Levels.MaxSequenceNumber() + 1,
		retainHistory: RetainHistory(cfg.Options),
	}
	w.inc = w.emptyIncrement(cfg.TotalBuckets)
	return w
}

// RetainHistory reports whether storage must keep every version of a key
// after its newest retraction. Only deduplicate tables can drop them.
func RetainHistory(opts config.Options) bool {
	return opts.MergeEngine != config.MergeEngineDeduplicate
}

func (w *Writer) emptyIncrement(totalBuckets int) CommitIncrement {
	return CommitIncrement{
		Partition:    w.store.Partition(),
		Bucket:       w.store.Bucket(),
		TotalBuckets: totalBuckets,
	}
}

// Write buffers one row and flushes when the buffer is full.
func (w *Writer) Write(ctx context.Context, row spec.Row) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errs.ErrClosed
	}
	if err := w.store.Schema().CheckRow(row); err != nil {
		return err
	}
	w.buffer.Put(&spec.KeyValue{
		Key:   w.store.Schema().KeyOf(row.Fields),
		Seq:   w.nextSeq,
		Kind:  row.Kind,
		Value: row.Fields,
	})
	w.nextSeq++
	if w.buffer.Size() >= w.opts.WriteBufferSize {
		return w.flush(ctx)
	}
	return nil
}

// Flush writes the buffer as a level-0 file.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flush(ctx)
}

func (w *Writer) flush(ctx context.Context) error {
	records := w.buffer.Drain()
	if len(records) == 0 {
		return nil
	}
	if w.opts.ChangelogProducer == config.ChangelogInput {
		meta, err := w.store.WriteChangelog(ctx, records)
		if err != nil {
			return errors.Wrap(err, "write changelog")
		}
		w.inc.Changelog = append(w.inc.Changelog, meta)
	}
	deduped, err := merge.Collect(merge.NewCompactionIterator(merge.NewSliceIterator(records), w.retainHistory, false))
	if err != nil {
		return err
	}
	meta, err := w.store.Append(ctx, deduped)
	if err != nil {
		return errors.Wrap(err, "flush write buffer")
	}
	w.levels.AddLevel0File(meta)
	w.inc.NewFiles = append(w.inc.NewFiles, meta)
	w.metrics.AddFlush(meta.RowCount, meta.FileSize)
	w.metrics.SetSortedRuns(w.levels.NumberOfSortedRuns())
	w.log.Debug().Str("file", meta.FileName).Int64("rows", meta.RowCount).Msg("flushed write buffer")
	return w.maybeCompact(ctx)
}

// maybeCompact collects a finished compaction, starts a new one when due,
// and stalls the writer while there are too many sorted runs.
func (w *Writer) maybeCompact(ctx context.Context) error {
	if w.compactor == nil {
		return nil
	}
	if err := w.applyResult(ctx, false); err != nil {
		return err
	}
	w.compactor.Trigger(w.levels, false)
	for w.levels.NumberOfSortedRuns() > w.opts.StopTrigger && w.compactor.Running() {
		w.metrics.IncrementWriteStalls()
		w.log.Info().Int("sorted_runs", w.levels.NumberOfSortedRuns()).Msg("write stalled on compaction")
		if err := w.applyResult(ctx, true); err != nil {
			return err
		}
		w.compactor.Trigger(w.levels, false)
	}
	return nil
}

// applyResult folds a finished compaction into the levels and the pending
// increment. Files produced and consumed before any commit saw them are
// deleted right away.
func (w *Writer) applyResult(ctx context.Context, block bool) error {
	res, err := w.compactor.Result(ctx, block)
	if err != nil {
		return errors.Wrap(err, "compaction")
	}
	if res == nil {
		return nil
	}
	if err := w.levels.Update(res.Before, res.After); err != nil {
		return err
	}
	kept := make(map[string]bool, len(res.After))
	for _, f := range res.After {
		kept[f.FileName] = true
	}
	var intermediate []*spec.DataFileMeta
	for _, f := range res.Before {
		i := slices.IndexFunc(w.inc.CompactAfter, func(a *spec.DataFileMeta) bool {
			return a.FileName == f.FileName && a.Level == f.Level
		})
		if i < 0 {
			w.inc.CompactBefore = append(w.inc.CompactBefore, f)
			continue
		}
		w.inc.CompactAfter = slices.Delete(w.inc.CompactAfter, i, i+1)
		if !kept[f.FileName] {
			intermediate = append(intermediate, f)
		}
	}
	w.inc.CompactAfter = append(w.inc.CompactAfter, res.After...)
	// An upgraded file shares its path with the original.
	intermediate = slices.DeleteFunc(intermediate, func(f *spec.DataFileMeta) bool {
		return slices.ContainsFunc(w.inc.CompactBefore, func(b *spec.DataFileMeta) bool { return b.Path == f.Path })
	})
	if err := w.store.Delete(ctx, intermediate); err != nil {
		w.log.Warn().Err(err).Msg("delete intermediate compaction files")
	}
	w.metrics.SetSortedRuns(w.levels.NumberOfSortedRuns())
	return nil
}

// Compact flushes, waits for a running compaction and then runs one more,
// of every sorted run when full is set.
func (w *Writer) Compact(ctx context.Context, full bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errs.ErrClosed
	}
	if err := w.flush(ctx); err != nil {
		return err
	}
	if w.compactor == nil {
		return nil
	}
	if err := w.applyResult(ctx, true); err != nil {
		return err
	}
	if !w.compactor.Trigger(w.levels, full) {
		return nil
	}
	return w.applyResult(ctx, true)
}

// PrepareCommit flushes and returns the changes since the last call. With
// waitCompaction set it waits for a running compaction so its result is
// part of the increment.
func (w *Writer) PrepareCommit(ctx context.Context, waitCompaction bool) (*CommitIncrement, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, errs.ErrClosed
	}
	if err := w.flush(ctx); err != nil {
		return nil, err
	}
	if w.compactor != nil {
		if err := w.applyResult(ctx, waitCompaction); err != nil {
			return nil, err
		}
	}
	inc := w.inc
	w.inc = w.emptyIncrement(inc.TotalBuckets)
	return &inc, nil
}

// SortedRuns returns the current number of sorted runs.
func (w *Writer) SortedRuns() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.levels.NumberOfSortedRuns()
}

// Levels returns the files of the bucket per level as this writer sees them.
func (w *Writer) Levels() []LevelSortedRun {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.levels.LevelSortedRuns()
}

// Close cancels compaction and deletes files not yet handed out by
// PrepareCommit. Buffered rows are dropped.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.compactor != nil {
		w.compactor.Cancel()
	}
	w.buffer.Drain()
	return w.store.Delete(ctx, UncommittedFiles(&w.inc))
}

// UncommittedFiles returns the files an increment created.
func UncommittedFiles(inc *CommitIncrement) []*spec.DataFileMeta {
	return slices.Concat(inc.NewFiles, inc.Changelog, CompactOutputs(inc.CompactBefore, inc.CompactAfter))
}

// CompactOutputs returns the files of after that compaction wrote. Files
// only moved to another level keep the path of their input and are left out.
func CompactOutputs(before, after []*spec.DataFileMeta) []*spec.DataFileMeta {
	in := make(map[string]bool, len(before))
	for _, f := range before {
		in[f.Path] = true
	}
	var out []*spec.DataFileMeta
	for _, f := range after {
		if !in[f.Path] {
			out = append(out, f)
		}
	}
	return out
}
