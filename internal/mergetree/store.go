package mergetree

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/freeeve/lakehouse/internal/errs"
	"github.com/freeeve/lakehouse/internal/fileio"
	"github.com/freeeve/lakehouse/internal/format"
	"github.com/freeeve/lakehouse/internal/merge"
	"github.com/freeeve/lakehouse/internal/spec"
)

// RunStore reads and writes the sorted runs of one bucket.
type RunStore struct {
	fio            fileio.FileIO
	codec          *format.Codec
	root           string
	paths          *PathFactory
	schema         *spec.TableSchema
	proj           *format.Projection
	partition      []byte
	bucket         int
	targetFileSize int64
	indexFPP       float64
	indexMaxSize   int
}

// RunStoreConfig configures a RunStore.
type RunStoreConfig struct {
	FileIO         fileio.FileIO
	Codec          *format.Codec
	Root           string
	Schema         *spec.TableSchema // schema files are written and read under
	Partition      []byte
	Bucket         int
	TargetFileSize int64
	// KeyIndexFPP enables key indexes on data files; see
	// format.WriterOptions.
	KeyIndexFPP     float64
	KeyIndexMaxSize int
}

// NewRunStore creates the run store of one bucket.
func NewRunStore(cfg RunStoreConfig) *RunStore {
	return &RunStore{
		fio:            cfg.FileIO,
		codec:          cfg.Codec,
		root:           cfg.Root,
		paths:          NewPathFactory(cfg.Schema),
		schema:         cfg.Schema,
		proj:           format.NewProjection(cfg.Schema),
		partition:      cfg.Partition,
		bucket:         cfg.Bucket,
		targetFileSize: cfg.TargetFileSize,
		indexFPP:       cfg.KeyIndexFPP,
		indexMaxSize:   cfg.KeyIndexMaxSize,
	}
}

// Partition returns the encoded partition of the bucket.
func (s *RunStore) Partition() []byte { return s.partition }

// Bucket returns the bucket number.
func (s *RunStore) Bucket() int { return s.bucket }

// Schema returns the schema files are written under.
func (s *RunStore) Schema() *spec.TableSchema { return s.schema }

// Append writes a batch sorted by key then sequence number as one new
// level-0 file. A failed write leaves no file behind.
func (s *RunStore) Append(ctx context.Context, batch []*spec.KeyValue) (*spec.DataFileMeta, error) {
	rel := s.paths.NewDataFile(s.partition, s.bucket, 0)
	return s.writeOne(ctx, rel, batch, s.dataOptions(0, spec.FileSourceAppend))
}

// WriteChangelog writes records as they were written into a changelog file.
func (s *RunStore) WriteChangelog(ctx context.Context, batch []*spec.KeyValue) (*spec.DataFileMeta, error) {
	rel := s.paths.NewChangelogFile(s.partition, s.bucket)
	return s.writeOne(ctx, rel, batch, format.WriterOptions{Source: spec.FileSourceAppend, Kind: spec.FileKindChangelog})
}

func (s *RunStore) dataOptions(level int, source spec.FileSource) format.WriterOptions {
	return format.WriterOptions{
		Level:           level,
		Source:          source,
		KeyIndexFPP:     s.indexFPP,
		KeyIndexMaxSize: s.indexMaxSize,
	}
}

func (s *RunStore) writeOne(ctx context.Context, rel string, batch []*spec.KeyValue, opts format.WriterOptions) (*spec.DataFileMeta, error) {
	w := format.NewWriter(s.fio, s.codec, s.root, rel, s.schema, opts)
	for _, kv := range batch {
		if err := w.Write(kv); err != nil {
			w.Abort()
			return nil, err
		}
	}
	return w.Close(ctx)
}

// WriteRuns drains it into files at level, rolling at the target file size.
// The files form one sorted run. On failure every file already written is
// deleted.
func (s *RunStore) WriteRuns(ctx context.Context, it merge.Iterator, level int) ([]*spec.DataFileMeta, error) {
	rw := format.NewRollingWriter(s.targetFileSize, func() *format.Writer {
		rel := s.paths.NewDataFile(s.partition, s.bucket, level)
		return format.NewWriter(s.fio, s.codec, s.root, rel, s.schema, s.dataOptions(level, spec.FileSourceCompact))
	})
	fail := func(err error) ([]*spec.DataFileMeta, error) {
		err = errors.CombineErrors(err, it.Close())
		return nil, errors.CombineErrors(err, s.Delete(context.WithoutCancel(ctx), rw.Abort()))
	}
	for {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		kv, err := it.Next()
		if err != nil {
			return fail(err)
		}
		if kv == nil {
			break
		}
		if err := rw.Write(ctx, kv); err != nil {
			return fail(err)
		}
	}
	if err := it.Close(); err != nil {
		return fail(err)
	}
	files, err := rw.Close(ctx)
	if err != nil {
		return nil, errors.CombineErrors(err, s.Delete(context.WithoutCancel(ctx), files))
	}
	return files, nil
}

// OpenFile returns a lazy iterator over the records of f within keyRange.
func (s *RunStore) OpenFile(ctx context.Context, f *spec.DataFileMeta, keyRange *spec.KeyRange) (merge.Iterator, error) {
	r, err := format.Open(ctx, s.fio, s.codec, fileio.Join(s.root, f.Path))
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", f.FileName)
	}
	return r.Iterator(keyRange, s.proj), nil
}

// OpenRun returns a lazy iterator over one sorted run. Files are opened one
// at a time as the iterator reaches them; files outside keyRange are skipped,
// and for a single key so are files whose key index rules it out.
func (s *RunStore) OpenRun(ctx context.Context, run SortedRun, keyRange *spec.KeyRange) merge.Iterator {
	point, isPoint := keyRange.Point()
	var files []*spec.DataFileMeta
	for _, f := range run.Files() {
		if !keyRange.Overlaps(f.MinKey, f.MaxKey) {
			continue
		}
		if isPoint && !format.MayContainKey(f.EmbeddedIndex, point) {
			continue
		}
		files = append(files, f)
	}
	return merge.NewConcatIterator(len(files), func(i int) (merge.Iterator, error) {
		return s.OpenFile(ctx, files[i], keyRange)
	})
}

// OpenMergeView returns one iterator per run, in the order given (newest
// first). Each call opens fresh iterators, so a view can be restarted by
// calling it again. Versions are not merged across runs.
func (s *RunStore) OpenMergeView(ctx context.Context, runs []LevelSortedRun, keyRange *spec.KeyRange) []merge.Iterator {
	iters := make([]merge.Iterator, len(runs))
	for i, r := range runs {
		iters[i] = s.OpenRun(ctx, r.Run, keyRange)
	}
	return iters
}

// Delete removes files written by this store. Missing files are ignored.
func (s *RunStore) Delete(ctx context.Context, files []*spec.DataFileMeta) error {
	var err error
	for _, f := range files {
		if derr := s.fio.Delete(ctx, fileio.Join(s.root, f.Path)); derr != nil && !errors.Is(derr, errs.ErrNotFound) {
			err = errors.CombineErrors(err, derr)
		}
	}
	return err
}
