package mergetree

import (
	"context"
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/freeeve/lakehouse/internal/config"
	"github.com/freeeve/lakehouse/internal/errs"
	"github.com/freeeve/lakehouse/internal/fileio"
	"github.com/freeeve/lakehouse/internal/format"
	"github.com/freeeve/lakehouse/internal/merge"
	"github.com/freeeve/lakehouse/internal/spec"
)

func testSchema(opts map[string]string) *spec.TableSchema {
	return spec.NewSchema([]spec.DataField{
		{Name: "k", Type: spec.DataType{Root: spec.TypeBigInt}},
		{Name: "v", Type: spec.DataType{Root: spec.TypeString, Nullable: true}},
	}, []string{"k"}, nil, opts)
}

func file(name string, level int, minKey, maxKey byte, maxSeq int64) *spec.DataFileMeta {
	return &spec.DataFileMeta{
		FileName: name,
		Path:     name,
		FileSize: 10,
		MinKey:   []byte{minKey},
		MaxKey:   []byte{maxKey},
		MaxSeq:   maxSeq,
		Level:    level,
	}
}

func runNames(runs []LevelSortedRun) string {
	s := ""
	for _, r := range runs {
		s += fmt.Sprintf("L%d[", r.Level)
		for _, f := range r.Run.Files() {
			s += f.FileName + " "
		}
		s += "]"
	}
	return s
}

func TestLevels(t *testing.T) {
	l, err := NewLevels(4, []*spec.DataFileMeta{
		file("a", 0, 1, 5, 10),
		file("b", 0, 2, 3, 20),
		file("c", 2, 5, 6, 1),
		file("d", 2, 1, 4, 2),
	})
	if err != nil {
		t.Fatalf("NewLevels: %v", err)
	}
	if got := runNames(l.LevelSortedRuns()); got != "L0[b ]L0[a ]L2[d c ]" {
		t.Errorf("runs = %s", got)
	}
	if l.NumberOfSortedRuns() != 3 || l.NonEmptyHighestLevel() != 2 || l.MaxSequenceNumber() != 20 {
		t.Errorf("runs, highest, seq = %d, %d, %d", l.NumberOfSortedRuns(), l.NonEmptyHighestLevel(), l.MaxSequenceNumber())
	}

	if err := l.Update(
		[]*spec.DataFileMeta{file("a", 0, 1, 5, 10), file("b", 0, 2, 3, 20)},
		[]*spec.DataFileMeta{file("e", 1, 1, 5, 20)},
	); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := runNames(l.LevelSortedRuns()); got != "L1[e ]L2[d c ]" {
		t.Errorf("runs after update = %s", got)
	}

	if _, err := NewLevels(4, []*spec.DataFileMeta{file("x", 1, 1, 5, 1), file("y", 1, 3, 8, 1)}); err == nil {
		t.Errorf("overlapping level-1 files accepted")
	}
	if _, err := NewLevels(4, []*spec.DataFileMeta{file("x", 4, 1, 5, 1)}); err == nil {
		t.Errorf("file above max level accepted")
	}
}

func TestRestoreLevelsGrowsToFitFiles(t *testing.T) {
	files := []*spec.DataFileMeta{file("a", 0, 1, 2, 9), file("z", 5, 1, 9, 1)}
	l, err := RestoreLevels(3, files)
	if err != nil {
		t.Fatalf("RestoreLevels: %v", err)
	}
	if l.NumberOfLevels() != 6 || l.NonEmptyHighestLevel() != 5 {
		t.Errorf("levels, highest = %d, %d, want 6, 5", l.NumberOfLevels(), l.NonEmptyHighestLevel())
	}
	if got := runNames(l.LevelSortedRuns()); got != "L0[a ]L5[z ]" {
		t.Errorf("runs = %s", got)
	}
	if l, err := RestoreLevels(3, nil); err != nil || l.NumberOfLevels() != 3 {
		t.Errorf("RestoreLevels(3, nil) = %v, %v, want 3 levels", l, err)
	}
	if _, err := RestoreLevels(3, []*spec.DataFileMeta{file("x", 2, 1, 5, 1), file("y", 2, 3, 8, 1)}); err == nil {
		t.Errorf("overlapping level-2 files accepted")
	}
}

func TestWriteBufferDrainSorted(t *testing.T) {
	s := testSchema(nil)
	b := NewWriteBuffer()
	for i, k := range []int64{3, 1, 2, 1} {
		b.Put(&spec.KeyValue{Key: s.KeyOf([]any{k, nil}), Seq: int64(10 - i), Kind: spec.RowKindInsert, Value: []any{k, nil}})
	}
	if b.Len() != 4 || b.Size() <= 0 {
		t.Errorf("Len, Size = %d, %d", b.Len(), b.Size())
	}
	out := b.Drain()
	got := ""
	for _, kv := range out {
		got += fmt.Sprintf("%v/%d ", kv.Value[0], kv.Seq)
	}
	if got != "1/7 1/9 2/8 3/10 " {
		t.Errorf("Drain order = %s", got)
	}
	if b.Len() != 0 || b.Size() != 0 {
		t.Errorf("buffer not empty after Drain")
	}
}

func TestPathFactory(t *testing.T) {
	s := spec.NewSchema([]spec.DataField{
		{Name: "dt", Type: spec.DataType{Root: spec.TypeString}},
		{Name: "k", Type: spec.DataType{Root: spec.TypeBigInt}},
	}, []string{"dt", "k"}, []string{"dt"}, nil)
	p := NewPathFactory(s)
	part := s.PartitionOf([]any{"2024 01", int64(1)})
	if got := p.BucketDir(part, 3); got != "dt=2024%2001/bucket-3" {
		t.Errorf("BucketDir = %q", got)
	}
	if got := NewPathFactory(testSchema(nil)).BucketDir(nil, 0); got != "bucket-0" {
		t.Errorf("unpartitioned BucketDir = %q", got)
	}
}

func newStore(t *testing.T, fio fileio.FileIO, s *spec.TableSchema) *RunStore {
	t.Helper()
	codec, err := format.NewCodec()
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	t.Cleanup(codec.Close)
	return NewRunStore(RunStoreConfig{FileIO: fio, Codec: codec, Root: "t", Schema: s, TargetFileSize: 1 << 20})
}

func kv(s *spec.TableSchema, seq int64, kind spec.RowKind, k int64, v any) *spec.KeyValue {
	return &spec.KeyValue{Key: s.KeyOf([]any{k, v}), Seq: seq, Kind: kind, Value: []any{k, v}}
}

func TestRunStoreAppendAndView(t *testing.T) {
	ctx := context.Background()
	s := testSchema(nil)
	fio := fileio.NewMemory()
	store := newStore(t, fio, s)

	older, err := store.Append(ctx, []*spec.KeyValue{
		kv(s, 1, spec.RowKindInsert, 1, "a"),
		kv(s, 2, spec.RowKindInsert, 2, "b"),
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	newer, err := store.Append(ctx, []*spec.KeyValue{
		kv(s, 3, spec.RowKindUpdateAfter, 1, "a2"),
		kv(s, 4, spec.RowKindInsert, 3, "c"),
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	levels, err := NewLevels(3, []*spec.DataFileMeta{older, newer})
	if err != nil {
		t.Fatalf("NewLevels: %v", err)
	}
	fn, err := merge.NewFunction(config.Default(), s)
	if err != nil {
		t.Fatalf("NewFunction: %v", err)
	}
	view := func(r *spec.KeyRange) string {
		out, err := merge.Collect(merge.Merge(store.OpenMergeView(ctx, levels.LevelSortedRuns(), r), fn))
		if err != nil {
			t.Fatalf("Collect: %v", err)
		}
		got := ""
		for _, kv := range out {
			got += kv.Row().String()
		}
		return got
	}
	if got := view(nil); got != "+I[1, a2]+I[2, b]+I[3, c]" {
		t.Errorf("view = %s", got)
	}
	// Restartable: a second call opens fresh iterators.
	if got := view(spec.NewKeyRange(s, []any{int64(2)}, nil)); got != "+I[2, b]+I[3, c]" {
		t.Errorf("ranged view = %s", got)
	}
}

func TestPointLookupSkipsFilesByKeyIndex(t *testing.T) {
	ctx := context.Background()
	s := testSchema(nil)
	fn, err := merge.NewFunction(config.Default(), s)
	if err != nil {
		t.Fatalf("NewFunction: %v", err)
	}

	lookup := func(fpp float64, key int64) (string, int) {
		fio := fileio.NewMemory()
		store := newStore(t, fio, s)
		store.indexFPP, store.indexMaxSize = fpp, 500
		// Every file's key range covers 50; none holds it.
		var files []*spec.DataFileMeta
		for j := int64(0); j < 10; j++ {
			f, err := store.Append(ctx, []*spec.KeyValue{
				kv(s, 2*j+1, spec.RowKindInsert, j, "lo"),
				kv(s, 2*j+2, spec.RowKindInsert, 100+j, "hi"),
			})
			if err != nil {
				t.Fatalf("Append: %v", err)
			}
			files = append(files, f)
		}
		levels, err := NewLevels(3, files)
		if err != nil {
			t.Fatalf("NewLevels: %v", err)
		}
		before := fio.Calls(fileio.OpRead)
		r := spec.PointKey(s.KeyOf([]any{key, nil}))
		out, err := merge.Collect(merge.Merge(store.OpenMergeView(ctx, levels.LevelSortedRuns(), r), fn))
		if err != nil {
			t.Fatalf("Collect: %v", err)
		}
		got := ""
		for _, kv := range out {
			got += kv.Row().String()
		}
		return got, fio.Calls(fileio.OpRead) - before
	}

	if got, reads := lookup(0, 50); got != "" || reads != 10 {
		t.Errorf("without index: rows %q, reads %d, want none, 10", got, reads)
	}
	if got, reads := lookup(0.01, 50); got != "" || reads > 1 {
		t.Errorf("with index: rows %q, reads %d, want none, at most 1", got, reads)
	}
	if got, reads := lookup(0.01, 103); got != "+I[103, hi]" || reads < 1 || reads > 2 {
		t.Errorf("with index: rows %q, reads %d, want +I[103, hi], 1", got, reads)
	}
}

func TestRunStoreAppendFailureLeavesNoFile(t *testing.T) {
	ctx := context.Background()
	s := testSchema(nil)
	fio := fileio.NewMemory()
	store := newStore(t, fio, s)
	fio.FailNext(fileio.OpCreate, 1)
	_, err := store.Append(ctx, []*spec.KeyValue{kv(s, 1, spec.RowKindInsert, 1, "a")})
	if !errors.Is(err, errs.ErrIOFailure) {
		t.Errorf("Append err = %v, want ErrIOFailure", err)
	}
	if paths := fio.Paths("t/"); len(paths) != 0 {
		t.Errorf("files left after failed append: %v", paths)
	}
}

func TestWriteRunsRolls(t *testing.T) {
	ctx := context.Background()
	s := testSchema(nil)
	fio := fileio.NewMemory()
	store := NewRunStore(RunStoreConfig{FileIO: fio, Codec: newStore(t, fio, s).codec, Root: "t", Schema: s, TargetFileSize: 1})
	var in []*spec.KeyValue
	for i := range 4 {
		in = append(in, kv(s, int64(i+1), spec.RowKindInsert, int64(i), "x"))
	}
	files, err := store.WriteRuns(ctx, merge.NewSliceIterator(in), 2)
	if err != nil {
		t.Fatalf("WriteRuns: %v", err)
	}
	if len(files) != 4 {
		t.Fatalf("wrote %d files, want 4", len(files))
	}
	if _, err := NewSortedRun(files); err != nil {
		t.Errorf("output is not a sorted run: %v", err)
	}
	for _, f := range files {
		if f.Level != 2 || f.Source != spec.FileSourceCompact {
			t.Errorf("file %s level %d source %s", f.FileName, f.Level, f.Source)
		}
	}
}

// stubCompactor hands back a canned result.
type stubCompactor struct {
	result    *CompactResult
	triggered int
	cancelled bool
}

func (c *stubCompactor) Trigger(*Levels, bool) bool { c.triggered++; return true }

func (c *stubCompactor) Result(context.Context, bool) (*CompactResult, error) {
	r := c.result
	c.result = nil
	return r, nil
}

func (c *stubCompactor) Running() bool { return false }
func (c *stubCompactor) Cancel()       { c.cancelled = true }

func newWriter(t *testing.T, fio fileio.FileIO, s *spec.TableSchema, c Compactor) *Writer {
	t.Helper()
	opts, err := config.FromMap(s.Options)
	if err != nil {
		t.Fatalf("FromMap: %v", err)
	}
	levels, err := NewLevels(opts.NumLevels, nil)
	if err != nil {
		t.Fatalf("NewLevels: %v", err)
	}
	return NewWriter(WriterConfig{
		Store:        newStore(t, fio, s),
		Levels:       levels,
		Options:      opts,
		Compactor:    c,
		TotalBuckets: 1,
		Logger:       zerolog.Nop(),
	})
}

func TestWriterPrepareCommit(t *testing.T) {
	ctx := context.Background()
	s := testSchema(map[string]string{"changelog-producer": "input"})
	fio := fileio.NewMemory()
	w := newWriter(t, fio, s, nil)

	rows := []spec.Row{
		{Kind: spec.RowKindInsert, Fields: []any{int64(1), "a"}},
		{Kind: spec.RowKindInsert, Fields: []any{int64(2), "b"}},
		{Kind: spec.RowKindUpdateAfter, Fields: []any{int64(1), "a2"}},
	}
	for _, r := range rows {
		if err := w.Write(ctx, r); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	inc, err := w.PrepareCommit(ctx, false)
	if err != nil {
		t.Fatalf("PrepareCommit: %v", err)
	}
	if len(inc.NewFiles) != 1 || len(inc.Changelog) != 1 {
		t.Fatalf("increment = %v", inc)
	}
	// Deduplicate storage keeps only the newest version per key, while the
	// changelog keeps every input row.
	if inc.NewFiles[0].RowCount != 2 || inc.Changelog[0].RowCount != 3 {
		t.Errorf("rows data, changelog = %d, %d, want 2, 3", inc.NewFiles[0].RowCount, inc.Changelog[0].RowCount)
	}
	if inc.NewFiles[0].MinSeq != 2 || inc.NewFiles[0].MaxSeq != 3 {
		t.Errorf("seq range = [%d,%d], want [2,3]", inc.NewFiles[0].MinSeq, inc.NewFiles[0].MaxSeq)
	}

	again, err := w.PrepareCommit(ctx, false)
	if err != nil {
		t.Fatalf("PrepareCommit: %v", err)
	}
	if !again.IsEmpty() {
		t.Errorf("second increment = %v, want empty", again)
	}

	bad := spec.Row{Kind: spec.RowKindInsert, Fields: []any{"not a bigint", "x"}}
	if err := w.Write(ctx, bad); !errors.Is(err, errs.ErrSchemaIncompatible) {
		t.Errorf("bad row err = %v, want ErrSchemaIncompatible", err)
	}
}

func TestWriterSequenceContinues(t *testing.T) {
	ctx := context.Background()
	s := testSchema(nil)
	fio := fileio.NewMemory()
	levels, err := NewLevels(3, []*spec.DataFileMeta{file("old", 1, 1, 2, 41)})
	if err != nil {
		t.Fatalf("NewLevels: %v", err)
	}
	w := NewWriter(WriterConfig{Store: newStore(t, fio, s), Levels: levels, Options: config.Default(), Logger: zerolog.Nop()})
	if err := w.Write(ctx, spec.Row{Kind: spec.RowKindInsert, Fields: []any{int64(9), nil}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	inc, err := w.PrepareCommit(ctx, false)
	if err != nil {
		t.Fatalf("PrepareCommit: %v", err)
	}
	if got := inc.NewFiles[0].MinSeq; got != 42 {
		t.Errorf("first sequence = %d, want 42", got)
	}
}

func TestWriterCompactionAccounting(t *testing.T) {
	ctx := context.Background()
	s := testSchema(nil)
	fio := fileio.NewMemory()
	c := &stubCompactor{}
	w := newWriter(t, fio, s, c)

	if err := w.Write(ctx, spec.Row{Kind: spec.RowKindInsert, Fields: []any{int64(1), "a"}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	l0 := w.Levels()[0].Run.Files()[0]

	// First compaction upgrades the fresh file, a second one rewrites the
	// upgraded copy. The rewrite's input never reaches a snapshot.
	mid := l0.Upgrade(1)
	c.result = &CompactResult{Before: []*spec.DataFileMeta{l0}, After: []*spec.DataFileMeta{mid}}
	if err := w.Compact(ctx, false); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	final := &spec.DataFileMeta{FileName: "data-final", Path: "bucket-0/level-2/data-final", MinKey: l0.MinKey, MaxKey: l0.MaxKey, Level: 2}
	c.result = &CompactResult{Before: []*spec.DataFileMeta{mid}, After: []*spec.DataFileMeta{final}}
	if err := w.Compact(ctx, true); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	inc, err := w.PrepareCommit(ctx, true)
	if err != nil {
		t.Fatalf("PrepareCommit: %v", err)
	}
	if len(inc.NewFiles) != 1 || len(inc.CompactBefore) != 1 || len(inc.CompactAfter) != 1 {
		t.Fatalf("increment = %v", inc)
	}
	if inc.CompactBefore[0].Level != 0 || inc.CompactAfter[0].FileName != "data-final" {
		t.Errorf("compact %v -> %v", inc.CompactBefore[0], inc.CompactAfter[0])
	}
	if got := runNames(w.Levels()); got != "L2[data-final ]" {
		t.Errorf("levels = %s", got)
	}
	if c.triggered == 0 {
		t.Errorf("compactor never triggered")
	}

	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !c.cancelled {
		t.Errorf("Close did not cancel compaction")
	}
}

func TestWriterCloseDeletesUncommitted(t *testing.T) {
	ctx := context.Background()
	s := testSchema(nil)
	fio := fileio.NewMemory()
	w := newWriter(t, fio, s, nil)
	if err := w.Write(ctx, spec.Row{Kind: spec.RowKindInsert, Fields: []any{int64(1), "a"}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(fio.Paths("t/")) != 1 {
		t.Fatalf("flush wrote %v", fio.Paths("t/"))
	}
	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if paths := fio.Paths("t/"); len(paths) != 0 {
		t.Errorf("files left after Close: %v", paths)
	}
	if err := w.Write(ctx, spec.Row{Kind: spec.RowKindInsert, Fields: []any{int64(2), "b"}}); !errors.Is(err, errs.ErrClosed) {
		t.Errorf("Write after Close err = %v, want ErrClosed", err)
	}
}
