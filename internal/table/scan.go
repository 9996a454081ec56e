package table

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/freeeve/lakehouse/internal/config"
	"github.com/freeeve/lakehouse/internal/errs"
	"github.com/freeeve/lakehouse/internal/merge"
	"github.com/freeeve/lakehouse/internal/mergetree"
	"github.com/freeeve/lakehouse/internal/spec"
)

// ScanOptions select what a scan reads.
type ScanOptions struct {
	// SnapshotID is the snapshot to read; 0 reads the latest one.
	SnapshotID      int64
	PartitionFilter spec.PartitionFilter
	KeyRange        *spec.KeyRange
}

// RowIterator yields rows lazily, one bucket at a time.
type RowIterator struct {
	it       merge.Iterator
	snapshot int64
}

// Next returns the next row, or nil at the end.
func (r *RowIterator) Next() (*spec.Row, error) {
	kv, err := r.it.Next()
	if err != nil || kv == nil {
		return nil, err
	}
	row := kv.Row()
	return &row, nil
}

// SnapshotID returns the snapshot the iterator reads, 0 for an empty table.
func (r *RowIterator) SnapshotID() int64 { return r.snapshot }

// Close releases open files.
func (r *RowIterator) Close() error { return r.it.Close() }

// CollectRows drains and closes it.
func CollectRows(it *RowIterator) ([]spec.Row, error) {
	defer it.Close()
	var out []spec.Row
	for {
		row, err := it.Next()
		if err != nil {
			return nil, err
		}
		if row == nil {
			return out, nil
		}
		out = append(out, *row)
	}
}

func emptyRows(snapshot int64) *RowIterator {
	return &RowIterator{it: merge.NewSliceIterator(nil), snapshot: snapshot}
}

// Scan reads the merged rows of a snapshot. Every key appears at most once,
// as an insert, with the merge engine applied to all its versions. Rows come
// ordered by partition, bucket and key.
func (t *Table) Scan(ctx context.Context, o ScanOptions) (*RowIterator, error) {
	t.metrics.IncrementScans()
	snap, err := t.Snapshot(ctx, o.SnapshotID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return emptyRows(0), nil
	}
	entries, err := t.liveEntries(ctx, snap, o.PartitionFilter)
	if err != nil {
		return nil, err
	}
	buckets := groupByBucket(entries)
	s, opts := t.Schema(), t.Options()
	it := merge.NewConcatIterator(len(buckets), func(i int) (merge.Iterator, error) {
		return t.mergedView(ctx, s, opts, buckets[i].partition, buckets[i].bucket, buckets[i].files, o.KeyRange)
	})
	return &RowIterator{it: it, snapshot: snap.ID}, nil
}

// Lookup returns the merged row of one primary key in a snapshot, 0 for the
// latest, or nil when the key is absent. key holds a value per primary key
// column. Only the key's bucket is read, and files whose key range or key
// index rules the key out are skipped.
func (t *Table) Lookup(ctx context.Context, snapshotID int64, key []any) (*spec.Row, error) {
	t.metrics.IncrementScans()
	s, opts := t.Schema(), t.Options()
	idx := s.KeyIndexes()
	if len(key) != len(idx) {
		return nil, errs.SchemaIncompatible("lookup needs %d key values, got %d", len(idx), len(key))
	}
	fields := make([]any, len(s.Fields))
	for i, j := range idx {
		if f := s.Fields[j]; key[i] == nil || !f.Type.Accepts(key[i]) {
			return nil, errs.SchemaIncompatible("key column %q is %s, got %T", f.Name, f.Type, key[i])
		}
		fields[j] = key[i]
	}
	partition := s.PartitionOf(fields)
	bucket := BucketOf(s, fields, opts.Bucket)

	snap, err := t.Snapshot(ctx, snapshotID)
	if err != nil || snap == nil {
		return nil, err
	}
	entries, err := t.liveEntries(ctx, snap, spec.PartitionEquals(partition))
	if err != nil {
		return nil, err
	}
	var files []*spec.DataFileMeta
	for _, e := range entries {
		if e.Bucket == bucket {
			files = append(files, e.File)
		}
	}
	if len(files) == 0 {
		return nil, nil
	}
	it, err := t.mergedView(ctx, s, opts, partition, bucket, files, spec.PointKey(s.KeyOf(fields)))
	if err != nil {
		return nil, err
	}
	defer it.Close()
	kv, err := it.Next()
	if err != nil || kv == nil {
		return nil, err
	}
	row := kv.Row()
	return &row, nil
}

// mergedView merges the sorted runs of one bucket with the table's merge
// engine.
func (t *Table) mergedView(ctx context.Context, s *spec.TableSchema, opts config.Options, partition []byte, bucket int, files []*spec.DataFileMeta, keyRange *spec.KeyRange) (merge.Iterator, error) {
	levels, err := mergetree.RestoreLevels(opts.NumLevels, files)
	if err != nil {
		return nil, err
	}
	fn, err := merge.NewFunction(opts, s)
	if err != nil {
		return nil, err
	}
	store := t.runStore(s, opts, partition, bucket)
	return merge.Merge(store.OpenMergeView(ctx, levels.LevelSortedRuns(), keyRange), fn), nil
}

// IncrementalScan returns the changes committed after snapshot from up to
// and including snapshot to. With changelog-producer=input the changelog
// files written with each commit are replayed in commit order. Otherwise
// every bucket a commit touched is diffed between the two snapshots, which
// yields one change per key. from may be 0 to start at the empty table.
func (t *Table) IncrementalScan(ctx context.Context, from, to int64) (*RowIterator, error) {
	t.metrics.IncrementScans()
	if from < 0 || to < from {
		return nil, errors.Newf("invalid snapshot range (%d, %d]", from, to)
	}
	if from == to {
		return emptyRows(to), nil
	}
	snaps, err := t.snapshots.Range(ctx, from+1, to)
	if err != nil {
		return nil, err
	}
	s, opts := t.Schema(), t.Options()
	if opts.ChangelogProducer == config.ChangelogInput {
		return t.changelogScan(ctx, s, opts, snaps)
	}
	return t.diffScan(ctx, s, opts, from, snaps)
}

func (t *Table) changelogScan(ctx context.Context, s *spec.TableSchema, opts config.Options, snaps []*spec.Snapshot) (*RowIterator, error) {
	var files []*spec.ManifestEntry
	for _, snap := range snaps {
		if snap.ChangelogManifestList == "" {
			continue
		}
		metas, err := t.lists.Read(ctx, snap.ChangelogManifestList)
		if err != nil {
			return nil, err
		}
		entries, err := t.manifests(snap.SchemaID).ReadEntries(ctx, metas, nil)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Kind == spec.EntryAdd {
				files = append(files, e)
			}
		}
	}
	it := merge.NewConcatIterator(len(files), func(i int) (merge.Iterator, error) {
		e := files[i]
		return t.runStore(s, opts, e.Partition, e.Bucket).OpenFile(ctx, e.File, nil)
	})
	return &RowIterator{it: it, snapshot: snaps[len(snaps)-1].ID}, nil
}

func (t *Table) diffScan(ctx context.Context, s *spec.TableSchema, opts config.Options, from int64, snaps []*spec.Snapshot) (*RowIterator, error) {
	touched := make(map[spec.BucketKey]bool)
	for _, snap := range snaps {
		if snap.CommitKind == spec.CommitCompact {
			continue // compaction never changes what a key reads as
		}
		metas, err := t.lists.Read(ctx, snap.DeltaManifestList)
		if err != nil {
			return nil, err
		}
		entries, err := t.manifests(snap.SchemaID).ReadEntries(ctx, metas, nil)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			touched[e.BucketKey()] = true
		}
	}

	last := snaps[len(snaps)-1]
	after, err := t.touchedFiles(ctx, last, touched)
	if err != nil {
		return nil, err
	}
	before := map[spec.BucketKey][]*spec.DataFileMeta{}
	if from > 0 {
		snap, err := t.snapshots.Get(ctx, from)
		if err != nil {
			return nil, err
		}
		if before, err = t.touchedFiles(ctx, snap, touched); err != nil {
			return nil, err
		}
	}

	keys := make([]spec.BucketKey, 0, len(touched))
	for k := range touched {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b spec.BucketKey) int {
		if a.Partition != b.Partition {
			if a.Partition < b.Partition {
				return -1
			}
			return 1
		}
		return a.Bucket - b.Bucket
	})
	it := merge.NewConcatIterator(len(keys), func(i int) (merge.Iterator, error) {
		k := keys[i]
		b, err := t.mergedView(ctx, s, opts, []byte(k.Partition), k.Bucket, before[k], nil)
		if err != nil {
			return nil, err
		}
		a, err := t.mergedView(ctx, s, opts, []byte(k.Partition), k.Bucket, after[k], nil)
		if err != nil {
			b.Close()
			return nil, err
		}
		return merge.Diff(b, a), nil
	})
	return &RowIterator{it: it, snapshot: last.ID}, nil
}

// touchedFiles returns the live files of snap in the touched buckets.
func (t *Table) touchedFiles(ctx context.Context, snap *spec.Snapshot, touched map[spec.BucketKey]bool) (map[spec.BucketKey][]*spec.DataFileMeta, error) {
	entries, err := t.liveEntries(ctx, snap, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[spec.BucketKey][]*spec.DataFileMeta)
	for _, e := range entries {
		if k := e.BucketKey(); touched[k] {
			out[k] = append(out[k], e.File)
		}
	}
	return out, nil
}
