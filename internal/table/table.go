// Package table is the entry point to a lakehouse table. It routes rows to
// bucket writers, commits their increments as snapshots, reads merged
// snapshots and changelogs, and runs table maintenance.
package table

import (
	"bytes"
	"context"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/freeeve/lakehouse/internal/compact"
	"github.com/freeeve/lakehouse/internal/config"
	"github.com/freeeve/lakehouse/internal/errs"
	"github.com/freeeve/lakehouse/internal/fileio"
	"github.com/freeeve/lakehouse/internal/format"
	"github.com/freeeve/lakehouse/internal/manifest"
	"github.com/freeeve/lakehouse/internal/mergetree"
	"github.com/freeeve/lakehouse/internal/metrics"
	"github.com/freeeve/lakehouse/internal/schema"
	"github.com/freeeve/lakehouse/internal/snapshot"
	"github.com/freeeve/lakehouse/internal/spec"
)

const defaultManifestCacheSize = 1024

// Config configures a Table.
type Config struct {
	FileIO  fileio.FileIO
	Root    string
	Logger  zerolog.Logger
	Metrics *metrics.Collector

	// ManifestCacheSize bounds the number of decoded manifest files kept in
	// memory. Zero uses the default.
	ManifestCacheSize int
}

// Table is an open table. It is safe for concurrent use; writers obtained
// from NewWrite are not.
type Table struct {
	mu     sync.RWMutex
	schema *spec.TableSchema
	opts   config.Options

	fio       fileio.FileIO
	root      string
	codec     *format.Codec
	schemas   *schema.Manager
	snapshots *snapshot.Manager
	lists     *manifest.ManifestList
	cache     *manifest.Cache
	log       zerolog.Logger
	metrics   *metrics.Collector

	bgMu      sync.Mutex
	scheduler *compact.Scheduler
}

// Create publishes s as the first schema of a new table at cfg.Root and
// opens it.
func Create(ctx context.Context, cfg Config, s *spec.TableSchema) (*Table, error) {
	created, err := schema.NewManager(cfg.FileIO, fileio.Join(cfg.Root)).Create(ctx, s)
	if err != nil {
		return nil, errors.Wrap(err, "create table")
	}
	return open(cfg, created)
}

// Open opens the table at cfg.Root with its latest schema.
func Open(ctx context.Context, cfg Config) (*Table, error) {
	s, err := schema.NewManager(cfg.FileIO, fileio.Join(cfg.Root)).Latest(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "open table %s", cfg.Root)
	}
	return open(cfg, s)
}

func open(cfg Config, s *spec.TableSchema) (*Table, error) {
	opts, err := config.FromMap(s.Options)
	if err != nil {
		return nil, errs.SchemaIncompatible("schema %d options: %v", s.ID, err)
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewCollector()
	}
	cacheSize := cfg.ManifestCacheSize
	if cacheSize <= 0 {
		cacheSize = defaultManifestCacheSize
	}
	codec, err := format.NewCodec()
	if err != nil {
		return nil, err
	}

	root := fileio.Join(cfg.Root)
	fio := fileio.NewLimited(fileio.NewRetrying(cfg.FileIO, fileio.Backoff{
		MaxRetries: opts.IOMaxRetries,
		MinWait:    opts.IORetryWait,
		MaxWait:    opts.IORetryWait << max(opts.IOMaxRetries, 0),
	}), max(opts.IOMaxConcurrency, 1))

	return &Table{
		schema:    s,
		opts:      opts,
		fio:       fio,
		root:      root,
		codec:     codec,
		schemas:   schema.NewManager(fio, root),
		snapshots: snapshot.NewManager(fio, root),
		lists:     manifest.NewManifestList(fio, root),
		cache:     manifest.NewCache(cacheSize),
		log:       cfg.Logger.With().Str("table", root).Logger(),
		metrics:   m,
	}, nil
}

// Close stops background compaction and releases the codec.
func (t *Table) Close() error {
	t.StopBackgroundCompaction()
	t.codec.Close()
	return nil
}

// Root returns the table directory.
func (t *Table) Root() string { return t.root }

// Schema returns the current schema.
func (t *Table) Schema() *spec.TableSchema {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.schema
}

// Options returns the options of the current schema.
func (t *Table) Options() config.Options {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.opts
}

// Metrics returns the table's collector.
func (t *Table) Metrics() *metrics.Collector { return t.metrics }

// AlterSchema applies changes as a new schema version. Writes created
// before fail with errs.ErrSchemaIncompatible from then on.
func (t *Table) AlterSchema(ctx context.Context, changes ...spec.SchemaChange) (*spec.TableSchema, error) {
	s, err := t.schemas.Commit(ctx, changes...)
	if err != nil {
		return nil, err
	}
	opts, err := config.FromMap(s.Options)
	if err != nil {
		return nil, errs.SchemaIncompatible("schema %d options: %v", s.ID, err)
	}
	t.mu.Lock()
	t.schema, t.opts = s, opts
	t.mu.Unlock()
	t.log.Info().Int64("schema", s.ID).Int("changes", len(changes)).Msg("altered schema")
	return s, nil
}

// refreshSchema picks up schema versions committed by other processes and
// returns the newest one.
func (t *Table) refreshSchema(ctx context.Context) (*spec.TableSchema, error) {
	s, err := t.schemas.Latest(ctx)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.ID > t.schema.ID {
		opts, err := config.FromMap(s.Options)
		if err != nil {
			return nil, errs.SchemaIncompatible("schema %d options: %v", s.ID, err)
		}
		t.schema, t.opts = s, opts
	}
	return t.schema, nil
}

// Schemas returns every schema version, oldest first.
func (t *Table) Schemas(ctx context.Context) ([]*spec.TableSchema, error) {
	ids, err := t.schemas.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*spec.TableSchema, 0, len(ids))
	for _, id := range ids {
		s, err := t.schemas.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Snapshot reads snapshot id; 0 reads the latest one. It returns nil for a
// table without snapshots.
func (t *Table) Snapshot(ctx context.Context, id int64) (*spec.Snapshot, error) {
	if id == 0 {
		return t.snapshots.Latest(ctx)
	}
	return t.snapshots.Get(ctx, id)
}

// Snapshots returns every retained snapshot, oldest first.
func (t *Table) Snapshots(ctx context.Context) ([]*spec.Snapshot, error) {
	ids, err := t.snapshots.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*spec.Snapshot, 0, len(ids))
	for _, id := range ids {
		s, err := t.snapshots.Get(ctx, id)
		if err != nil {
			if errors.Is(err, errs.ErrSnapshotNotFound) {
				continue // expired meanwhile
			}
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// LatestCommitIdentifier returns the identifier of the newest retained
// snapshot committed by commitUser, or -1 when there is none. Writers resume
// their identifier sequence from it after a restart.
func (t *Table) LatestCommitIdentifier(ctx context.Context, commitUser string) (int64, error) {
	latest, err := t.snapshots.LatestID(ctx)
	if err != nil || latest == 0 {
		return -1, err
	}
	earliest, err := t.snapshots.EarliestID(ctx)
	if err != nil {
		return -1, err
	}
	for id := latest; id >= earliest; id-- {
		s, err := t.snapshots.Get(ctx, id)
		if err != nil {
			if errors.Is(err, errs.ErrSnapshotNotFound) {
				break
			}
			return -1, err
		}
		if s.CommitUser == commitUser {
			return s.CommitIdentifier, nil
		}
	}
	return -1, nil
}

// Files returns the live files of snapshot id (0 for the latest), ordered by
// partition, bucket and level.
func (t *Table) Files(ctx context.Context, id int64, filter spec.PartitionFilter) ([]*spec.ManifestEntry, error) {
	snap, err := t.Snapshot(ctx, id)
	if err != nil || snap == nil {
		return nil, err
	}
	return t.liveEntries(ctx, snap, filter)
}

// Stats summarizes the latest snapshot.
type Stats struct {
	SchemaID         int64         `json:"schema_id"`
	LatestSnapshot   int64         `json:"latest_snapshot"`
	EarliestSnapshot int64         `json:"earliest_snapshot"`
	TotalRecords     int64         `json:"total_records"`
	LiveFiles        int           `json:"live_files"`
	TotalFileSize    int64         `json:"total_file_size"`
	Buckets          int           `json:"buckets"`
	MaxSortedRuns    int           `json:"max_sorted_runs"`
	Metrics          metrics.Stats `json:"metrics"`
}

// Stats resolves the latest snapshot and refreshes the table gauges.
func (t *Table) Stats(ctx context.Context) (Stats, error) {
	st := Stats{SchemaID: t.Schema().ID}
	snap, err := t.snapshots.Latest(ctx)
	if err != nil {
		return st, err
	}
	if snap != nil {
		entries, err := t.liveEntries(ctx, snap, nil)
		if err != nil {
			return st, err
		}
		if st.EarliestSnapshot, err = t.snapshots.EarliestID(ctx); err != nil {
			return st, err
		}
		st.LatestSnapshot = snap.ID
		st.TotalRecords = snap.TotalRecordCount
		st.LiveFiles = len(entries)
		buckets := groupByBucket(entries)
		st.Buckets = len(buckets)
		for _, b := range buckets {
			st.TotalFileSize += spec.TotalFileSize(b.files)
			levels, err := mergetree.RestoreLevels(t.Options().NumLevels, b.files)
			if err != nil {
				return st, err
			}
			st.MaxSortedRuns = max(st.MaxSortedRuns, levels.NumberOfSortedRuns())
		}
	}
	t.metrics.SetTableStats(st.LatestSnapshot, int64(st.LiveFiles))
	st.Metrics = t.metrics.Stats()
	return st, nil
}

func (t *Table) manifests(schemaID int64) *manifest.ManifestFile {
	return manifest.NewManifestFile(t.fio, t.root, schemaID, t.Options().ManifestTargetFileSize, t.cache)
}

func (t *Table) runStore(s *spec.TableSchema, opts config.Options, partition []byte, bucket int) *mergetree.RunStore {
	var fpp float64
	if opts.BloomFilterEnabled {
		fpp = opts.BloomFilterFPP
	}
	return mergetree.NewRunStore(mergetree.RunStoreConfig{
		FileIO:          t.fio,
		Codec:           t.codec,
		Root:            t.root,
		Schema:          s,
		Partition:       partition,
		Bucket:          bucket,
		TargetFileSize:  opts.TargetFileSize,
		KeyIndexFPP:     fpp,
		KeyIndexMaxSize: int(opts.IndexInManifestThreshold),
	})
}

// newWriter creates the writer of one bucket over its live files.
func (t *Table) newWriter(s *spec.TableSchema, opts config.Options, partition []byte, bucket int, files []*spec.DataFileMeta) (*mergetree.Writer, error) {
	levels, err := mergetree.RestoreLevels(opts.NumLevels, files)
	if err != nil {
		return nil, err
	}
	store := t.runStore(s, opts, partition, bucket)
	var compactor mergetree.Compactor
	if !opts.WriteOnly {
		compactor = compact.NewManager(compact.ManagerConfig{
			Store:         store,
			Picker:        compact.NewUniversalPicker(opts),
			RetainHistory: mergetree.RetainHistory(opts),
			NumLevels:     levels.NumberOfLevels(),
			Logger:        t.log,
			Metrics:       t.metrics,
		})
	}
	return mergetree.NewWriter(mergetree.WriterConfig{
		Store:        store,
		Levels:       levels,
		Options:      opts,
		Compactor:    compactor,
		TotalBuckets: opts.Bucket,
		Logger:       t.log,
		Metrics:      t.metrics,
	}), nil
}

// liveEntries resolves the live files of snap.
func (t *Table) liveEntries(ctx context.Context, snap *spec.Snapshot, filter spec.PartitionFilter) ([]*spec.ManifestEntry, error) {
	var metas []*spec.ManifestFileMeta
	for _, name := range []string{snap.BaseManifestList, snap.DeltaManifestList} {
		m, err := t.lists.Read(ctx, name)
		if err != nil {
			return nil, err
		}
		metas = append(metas, m...)
	}
	return t.manifests(snap.SchemaID).Resolve(ctx, metas, filter)
}

// bucketFiles are the live files of one bucket.
type bucketFiles struct {
	partition []byte
	bucket    int
	files     []*spec.DataFileMeta
}

// groupByBucket groups entries by bucket, ordered by partition then bucket.
func groupByBucket(entries []*spec.ManifestEntry) []bucketFiles {
	idx := make(map[spec.BucketKey]int)
	var out []bucketFiles
	for _, e := range entries {
		k := e.BucketKey()
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, bucketFiles{partition: e.Partition, bucket: e.Bucket})
		}
		out[i].files = append(out[i].files, e.File)
	}
	slices.SortFunc(out, func(a, b bucketFiles) int {
		if c := bytes.Compare(a.partition, b.partition); c != 0 {
			return c
		}
		return a.bucket - b.bucket
	})
	return out
}
