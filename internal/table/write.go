package table

import (
	"context"
	"hash/crc32"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/freeeve/lakehouse/internal/commit"
	"github.com/freeeve/lakehouse/internal/config"
	"github.com/freeeve/lakehouse/internal/errs"
	"github.com/freeeve/lakehouse/internal/mergetree"
	"github.com/freeeve/lakehouse/internal/spec"
)

// Write routes rows to one writer per bucket. It belongs to a single
// commit user; rows of one key must always go through the same Write.
type Write struct {
	t      *Table
	schema *spec.TableSchema
	opts   config.Options
	log    zerolog.Logger

	mu       sync.Mutex
	writers  map[spec.BucketKey]*mergetree.Writer
	order    []spec.BucketKey
	restored map[spec.BucketKey][]*spec.DataFileMeta
	closed   bool
}

// NewWrite creates a write under the current schema. Once the schema
// changes the write fails with errs.ErrSchemaIncompatible; its rows and
// compactions would drop the columns added since.
func (t *Table) NewWrite(commitUser string) *Write {
	t.mu.RLock()
	s, opts := t.schema, t.opts
	t.mu.RUnlock()
	return &Write{
		t:       t,
		schema:  s,
		opts:    opts,
		log:     t.log.With().Str("commit_user", commitUser).Logger(),
		writers: make(map[spec.BucketKey]*mergetree.Writer),
	}
}

// Write routes each row to its partition and bucket.
func (w *Write) Write(ctx context.Context, rows ...spec.Row) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errs.ErrClosed
	}
	if err := w.checkSchema(w.t.Schema()); err != nil {
		return err
	}
	for _, row := range rows {
		if err := w.schema.CheckRow(row); err != nil {
			return err
		}
		partition := w.schema.PartitionOf(row.Fields)
		wr, err := w.writer(ctx, partition, BucketOf(w.schema, row.Fields, w.opts.Bucket))
		if err != nil {
			return err
		}
		if err := wr.Write(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// BucketOf returns the bucket of a row: the hash of its primary key without
// partition columns, modulo the bucket count.
func BucketOf(s *spec.TableSchema, fields []any, buckets int) int {
	idx := s.TrimmedKeyIndexes()
	types := make([]spec.DataType, len(idx))
	for i, j := range idx {
		types[i] = s.Fields[j].Type
	}
	return int(crc32.ChecksumIEEE(spec.EncodeRowKey(types, idx, fields)) % uint32(max(buckets, 1)))
}

func (w *Write) writer(ctx context.Context, partition []byte, bucket int) (*mergetree.Writer, error) {
	key := spec.BucketKey{Partition: string(partition), Bucket: bucket}
	if wr, ok := w.writers[key]; ok {
		return wr, nil
	}
	if w.restored == nil {
		if err := w.restore(ctx); err != nil {
			return nil, err
		}
	}
	wr, err := w.t.newWriter(w.schema, w.opts, partition, bucket, w.restored[key])
	if err != nil {
		return nil, err
	}
	w.writers[key] = wr
	w.order = append(w.order, key)
	return wr, nil
}

// restore loads the live files of the latest snapshot once; buckets are
// restored from it as rows first reach them.
func (w *Write) restore(ctx context.Context) error {
	w.restored = make(map[spec.BucketKey][]*spec.DataFileMeta)
	snap, err := w.t.snapshots.Latest(ctx)
	if err != nil || snap == nil {
		return err
	}
	entries, err := w.t.liveEntries(ctx, snap, nil)
	if err != nil {
		return errors.Wrapf(err, "restore from snapshot %d", snap.ID)
	}
	for _, e := range entries {
		if e.File.SchemaID > w.schema.ID {
			w.restored = nil
			return errs.SchemaIncompatible("file %s was written under schema %d, write is at schema %d",
				e.File.FileName, e.File.SchemaID, w.schema.ID)
		}
		w.restored[e.BucketKey()] = append(w.restored[e.BucketKey()], e.File)
	}
	w.log.Debug().Int64("snapshot", snap.ID).Int("files", len(entries)).Msg("restored bucket files")
	return nil
}

// PrepareCommit flushes every bucket and returns their changes as one
// committable under identifier. Buckets flush in parallel. With
// waitCompaction set, running compactions are awaited so their results are
// part of the commit.
func (w *Write) PrepareCommit(ctx context.Context, waitCompaction bool, identifier int64) (*commit.Committable, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, errs.ErrClosed
	}
	cur, err := w.t.refreshSchema(ctx)
	if err != nil {
		return nil, err
	}
	if err := w.checkSchema(cur); err != nil {
		return nil, err
	}
	incs := make([]*mergetree.CommitIncrement, len(w.order))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(w.opts.IOMaxConcurrency, 1))
	for i, key := range w.order {
		wr := w.writers[key]
		g.Go(func() error {
			inc, err := wr.PrepareCommit(gctx, waitCompaction)
			incs[i] = inc
			return err
		})
	}
	err = g.Wait()
	cm := &commit.Committable{Identifier: identifier}
	for _, inc := range incs {
		if inc != nil && !inc.IsEmpty() {
			cm.Increments = append(cm.Increments, inc)
		}
	}
	if err != nil {
		// Increments already taken from their writers are no longer
		// tracked by them.
		w.t.committer("", w.schema.ID).Abort(context.WithoutCancel(ctx), cm)
		return nil, errors.Wrap(err, "prepare commit")
	}
	return cm, nil
}

func (w *Write) checkSchema(cur *spec.TableSchema) error {
	if cur.ID != w.schema.ID {
		return errs.SchemaIncompatible("write was created under schema %d, table is at schema %d", w.schema.ID, cur.ID)
	}
	return nil
}

// Close closes every bucket writer. Files not handed out by PrepareCommit
// are deleted.
func (w *Write) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	var err error
	for _, key := range w.order {
		err = errors.CombineErrors(err, w.writers[key].Close(ctx))
	}
	return err
}
