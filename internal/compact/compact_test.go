package compact

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/freeeve/lakehouse/internal/config"
	"github.com/freeeve/lakehouse/internal/fileio"
	"github.com/freeeve/lakehouse/internal/format"
	"github.com/freeeve/lakehouse/internal/mergetree"
	"github.com/freeeve/lakehouse/internal/spec"
)

func run(level int, size int64) mergetree.LevelSortedRun {
	return mergetree.LevelSortedRun{
		Level: level,
		Run:   mergetree.SingleRun(&spec.DataFileMeta{FileName: "f", FileSize: size, Level: level}),
	}
}

func TestUniversalPicker(t *testing.T) {
	p := &UniversalPicker{MaxSizeAmp: 200, SizeRatio: 1, Trigger: 5}
	tests := []struct {
		name   string
		runs   []mergetree.LevelSortedRun
		level  int // -1 for no pick
		picked int
	}{
		{"below trigger", []mergetree.LevelSortedRun{run(0, 1), run(0, 1), run(0, 1)}, -1, 0},
		{"size amplification", []mergetree.LevelSortedRun{run(0, 100), run(0, 100), run(0, 100), run(0, 100), run(5, 100)}, 5, 5},
		{"size ratio", []mergetree.LevelSortedRun{run(0, 1), run(0, 1), run(0, 2), run(3, 10), run(4, 1000)}, 2, 3},
		{"no similar runs", []mergetree.LevelSortedRun{run(0, 1), run(0, 10), run(1, 100), run(2, 1000), run(5, 1000000)}, -1, 0},
		{"forced by run count", []mergetree.LevelSortedRun{run(0, 1), run(0, 10), run(1, 100), run(2, 1000), run(3, 10000), run(5, 1000000)}, 1, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := p.Pick(6, tt.runs)
			if tt.level < 0 {
				if u != nil {
					t.Errorf("Pick = level %d with %d files, want nil", u.OutputLevel, len(u.Files))
				}
				return
			}
			if u == nil {
				t.Fatalf("Pick = nil, want level %d", tt.level)
			}
			if u.OutputLevel != tt.level || len(u.Files) != tt.picked {
				t.Errorf("Pick = level %d with %d files, want level %d with %d", u.OutputLevel, len(u.Files), tt.level, tt.picked)
			}
		})
	}
}

func TestFullUnit(t *testing.T) {
	if u := FullUnit(3, []mergetree.LevelSortedRun{run(2, 10)}); u != nil {
		t.Errorf("FullUnit of a clean max-level run = %v, want nil", u)
	}
	withDeletes := mergetree.LevelSortedRun{Level: 2, Run: mergetree.SingleRun(&spec.DataFileMeta{FileName: "d", Level: 2, DeleteRowCount: 1})}
	if u := FullUnit(3, []mergetree.LevelSortedRun{withDeletes}); u == nil || u.OutputLevel != 2 {
		t.Errorf("FullUnit with deletes = %v, want level 2", u)
	}
	if u := FullUnit(3, []mergetree.LevelSortedRun{run(0, 1), run(1, 1)}); u == nil || len(u.Files) != 2 {
		t.Errorf("FullUnit = %v, want both files", u)
	}
}

type bucket struct {
	fio    *fileio.Memory
	schema *spec.TableSchema
	store  *mergetree.RunStore
	opts   config.Options
}

func newBucket(t *testing.T, opts map[string]string) *bucket {
	t.Helper()
	s := spec.NewSchema([]spec.DataField{
		{Name: "k", Type: spec.DataType{Root: spec.TypeBigInt}},
		{Name: "v", Type: spec.DataType{Root: spec.TypeString, Nullable: true}},
	}, []string{"k"}, nil, opts)
	o, err := config.FromMap(s.Options)
	if err != nil {
		t.Fatalf("FromMap: %v", err)
	}
	codec, err := format.NewCodec()
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	t.Cleanup(codec.Close)
	fio := fileio.NewMemory()
	return &bucket{
		fio:    fio,
		schema: s,
		opts:   o,
		store:  mergetree.NewRunStore(mergetree.RunStoreConfig{FileIO: fio, Codec: codec, Root: "t", Schema: s, TargetFileSize: o.TargetFileSize}),
	}
}

func (b *bucket) manager() *Manager {
	return NewManager(ManagerConfig{
		Store:         b.store,
		Picker:        NewUniversalPicker(b.opts),
		RetainHistory: mergetree.RetainHistory(b.opts),
		NumLevels:     b.opts.NumLevels,
		Logger:        zerolog.Nop(),
	})
}

func (b *bucket) writer(t *testing.T, c mergetree.Compactor) *mergetree.Writer {
	t.Helper()
	levels, err := mergetree.NewLevels(b.opts.NumLevels, nil)
	if err != nil {
		t.Fatalf("NewLevels: %v", err)
	}
	return mergetree.NewWriter(mergetree.WriterConfig{
		Store:        b.store,
		Levels:       levels,
		Options:      b.opts,
		Compactor:    c,
		TotalBuckets: 1,
		Logger:       zerolog.Nop(),
	})
}

func (b *bucket) flush(t *testing.T, w *mergetree.Writer, rows ...spec.Row) {
	t.Helper()
	ctx := context.Background()
	for _, r := range rows {
		if err := w.Write(ctx, r); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestFullCompactionThroughWriter(t *testing.T) {
	ctx := context.Background()
	b := newBucket(t, map[string]string{"num-levels": "3", "num-sorted-run.compaction-trigger": "2"})
	w := b.writer(t, b.manager())

	b.flush(t, w, spec.NewRow(int64(1), "a"), spec.NewRow(int64(2), "b"))
	b.flush(t, w,
		spec.Row{Kind: spec.RowKindUpdateAfter, Fields: []any{int64(1), "a2"}},
		spec.Row{Kind: spec.RowKindDelete, Fields: []any{int64(2), "b"}})
	b.flush(t, w, spec.NewRow(int64(3), "c"))
	if err := w.Compact(ctx, true); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	runs := w.Levels()
	if len(runs) != 1 || runs[0].Level != 2 {
		t.Fatalf("runs after full compaction = %d, first at level %d", len(runs), runs[0].Level)
	}
	files := runs[0].Run.Files()
	if len(files) != 1 || files[0].RowCount != 2 || files[0].DeleteRowCount != 0 {
		t.Fatalf("output = %v", files)
	}
	it, err := b.store.OpenFile(ctx, files[0], nil)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	got := ""
	for {
		kv, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if kv == nil {
			break
		}
		got += kv.Row().String()
	}
	if got != "+U[1, a2]+I[3, c]" {
		t.Errorf("compacted rows = %s", got)
	}

	inc, err := w.PrepareCommit(ctx, true)
	if err != nil {
		t.Fatalf("PrepareCommit: %v", err)
	}
	if len(inc.NewFiles) != 3 || len(inc.CompactBefore) != 3 || len(inc.CompactAfter) != 1 {
		t.Errorf("increment = %v", inc)
	}
	// Only the three flushed files and the final output are left.
	if paths := b.fio.Paths("t/"); len(paths) != 4 {
		t.Errorf("files = %v, want 4", paths)
	}
}

func TestRewriterUpgradesSingleFile(t *testing.T) {
	b := newBucket(t, map[string]string{"num-levels": "3"})
	f := &spec.DataFileMeta{FileName: "x", Path: "bucket-0/level-0/x", Level: 0}
	u := &Unit{OutputLevel: 1, Files: []*spec.DataFileMeta{f}, Runs: []mergetree.LevelSortedRun{{Level: 0, Run: mergetree.SingleRun(f)}}}
	res, err := NewRewriter(b.store, false, 3).Rewrite(context.Background(), u, false)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if len(res.After) != 1 || res.After[0].Level != 1 || res.After[0].Path != f.Path {
		t.Errorf("After = %v, want the same file at level 1", res.After)
	}
	if out := Outputs(res); len(out) != 0 {
		t.Errorf("Outputs = %v, want none", out)
	}
	if b.fio.Calls(fileio.OpRead) != 0 {
		t.Errorf("upgrade read the file")
	}
}

func TestManagerCancelDeletesOutput(t *testing.T) {
	b := newBucket(t, map[string]string{"num-levels": "3"})
	w := b.writer(t, nil)
	b.flush(t, w, spec.NewRow(int64(1), "a"))
	b.flush(t, w, spec.NewRow(int64(2), "b"))

	levels, err := mergetree.NewLevels(3, nil)
	if err != nil {
		t.Fatalf("NewLevels: %v", err)
	}
	for _, r := range w.Levels() {
		levels.AddLevel0File(r.Run.Files()[0])
	}
	m := b.manager()
	if !m.Trigger(levels, true) {
		t.Fatalf("Trigger = false")
	}
	if m.Trigger(levels, true) {
		t.Errorf("second Trigger started another task")
	}
	m.Cancel()
	if m.Running() {
		t.Errorf("Running after Cancel")
	}
	if paths := b.fio.Paths("t/bucket-0/level-2/"); len(paths) != 0 {
		t.Errorf("output left after Cancel: %v", paths)
	}
	res, err := m.Result(context.Background(), true)
	if res != nil || err != nil {
		t.Errorf("Result after Cancel = %v, %v", res, err)
	}
}

func TestSchedulerRunOnce(t *testing.T) {
	var active, peak, ran atomic.Int32
	boom := errors.New("boom")
	plan := func(context.Context) ([]Task, error) {
		var tasks []Task
		for i := range 6 {
			tasks = append(tasks, Task{Bucket: i, Run: func(context.Context) error {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				active.Add(-1)
				ran.Add(1)
				if i == 3 {
					return boom
				}
				return nil
			}})
		}
		return tasks, nil
	}
	s := NewScheduler(plan, 2, zerolog.Nop())
	if err := s.RunOnce(context.Background()); !errors.Is(err, boom) {
		t.Errorf("RunOnce err = %v, want boom", err)
	}
	if ran.Load() != 6 {
		t.Errorf("ran %d tasks, want 6", ran.Load())
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestSchedulerBackground(t *testing.T) {
	rounds := make(chan struct{}, 16)
	plan := func(context.Context) ([]Task, error) {
		select {
		case rounds <- struct{}{}:
		default:
		}
		return nil, nil
	}
	s := NewScheduler(plan, 1, zerolog.Nop())
	s.Start(time.Millisecond)
	s.Start(time.Millisecond) // no-op while running
	select {
	case <-rounds:
	case <-time.After(5 * time.Second):
		t.Fatal("no background round ran")
	}
	s.Stop()
	if s.Running() {
		t.Errorf("Running after Stop")
	}
	s.Stop()
}
