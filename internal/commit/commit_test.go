package commit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/freeeve/lakehouse/internal/config"
	"github.com/freeeve/lakehouse/internal/errs"
	"github.com/freeeve/lakehouse/internal/fileio"
	"github.com/freeeve/lakehouse/internal/manifest"
	"github.com/freeeve/lakehouse/internal/mergetree"
	"github.com/freeeve/lakehouse/internal/metrics"
	"github.com/freeeve/lakehouse/internal/snapshot"
	"github.com/freeeve/lakehouse/internal/spec"
)

type table struct {
	fio     *fileio.Memory
	opts    config.Options
	metrics *metrics.Collector
}

func newTable() *table {
	opts := config.Default()
	opts.CommitMinRetryWait = time.Millisecond
	opts.CommitMaxRetryWait = 5 * time.Millisecond
	return &table{fio: fileio.NewMemory(), opts: opts, metrics: metrics.NewCollector()}
}

func (tb *table) committer(user string) *Committer {
	return New(Config{
		FileIO:     tb.fio,
		Root:       "t",
		Snapshots:  snapshot.NewManager(tb.fio, "t"),
		Manifests:  manifest.NewManifestFile(tb.fio, "t", 0, tb.opts.ManifestTargetFileSize, nil),
		Lists:      manifest.NewManifestList(tb.fio, "t"),
		Options:    tb.opts,
		CommitUser: user,
		Logger:     zerolog.Nop(),
		Metrics:    tb.metrics,
	})
}

// live returns the live file names of snapshot id.
func (tb *table) live(t *testing.T, id int64) string {
	t.Helper()
	ctx := context.Background()
	snap, err := snapshot.NewManager(tb.fio, "t").Get(ctx, id)
	if err != nil {
		t.Fatalf("Get(%d): %v", id, err)
	}
	lists := manifest.NewManifestList(tb.fio, "t")
	var metas []*spec.ManifestFileMeta
	for _, name := range []string{snap.BaseManifestList, snap.DeltaManifestList} {
		m, err := lists.Read(ctx, name)
		if err != nil {
			t.Fatalf("Read list: %v", err)
		}
		metas = append(metas, m...)
	}
	entries, err := manifest.NewManifestFile(tb.fio, "t", 0, 1<<20, nil).Resolve(ctx, metas, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	s := ""
	for _, e := range entries {
		s += fmt.Sprintf("%s%d:%s@%d ", e.Partition, e.Bucket, e.File.FileName, e.File.Level)
	}
	return s
}

func (tb *table) snapshot(t *testing.T, id int64) *spec.Snapshot {
	t.Helper()
	s, err := snapshot.NewManager(tb.fio, "t").Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%d): %v", id, err)
	}
	return s
}

func file(name string, level int, rows int64) *spec.DataFileMeta {
	return &spec.DataFileMeta{
		FileName: name,
		Path:     fmt.Sprintf("bucket-0/level-%d/%s", level, name),
		FileSize: 100,
		RowCount: rows,
		MinKey:   []byte{1},
		MaxKey:   []byte{9},
		Level:    level,
	}
}

func keyed(f *spec.DataFileMeta, min, max byte) *spec.DataFileMeta {
	f.MinKey, f.MaxKey = []byte{min}, []byte{max}
	return f
}

func appendOf(id int64, bucket int, files ...*spec.DataFileMeta) *Committable {
	return &Committable{
		Identifier: id,
		Increments: []*mergetree.CommitIncrement{{Bucket: bucket, TotalBuckets: 4, NewFiles: files}},
	}
}

func compactOf(id int64, before, after []*spec.DataFileMeta) *Committable {
	return &Committable{
		Identifier: id,
		Increments: []*mergetree.CommitIncrement{{TotalBuckets: 4, CompactBefore: before, CompactAfter: after}},
	}
}

func TestAppendThenCompact(t *testing.T) {
	ctx := context.Background()
	tb := newTable()
	c := tb.committer("u")

	id, err := c.Commit(ctx, appendOf(1, 0, file("a", 0, 10), file("b", 0, 5)))
	if err != nil || id != 1 {
		t.Fatalf("Commit = %d, %v, want 1", id, err)
	}

	a, b := file("a", 0, 10), file("b", 0, 5)
	cm := compactOf(2, []*spec.DataFileMeta{a, b}, []*spec.DataFileMeta{file("d", 5, 12)})
	cm.Increments[0].NewFiles = []*spec.DataFileMeta{file("c", 0, 1)}
	id, err = c.Commit(ctx, cm)
	if err != nil || id != 3 {
		t.Fatalf("Commit = %d, %v, want 3", id, err)
	}
	if got := tb.snapshot(t, 2).CommitKind; got != spec.CommitAppend {
		t.Errorf("snapshot 2 kind = %s, want APPEND", got)
	}
	s3 := tb.snapshot(t, 3)
	if s3.CommitKind != spec.CommitCompact || s3.CommitIdentifier != 2 {
		t.Errorf("snapshot 3 = %s identifier %d", s3.CommitKind, s3.CommitIdentifier)
	}
	if s3.TotalRecordCount != 13 || s3.DeltaRecordCount != -3 {
		t.Errorf("record counts total %d delta %d, want 13, -3", s3.TotalRecordCount, s3.DeltaRecordCount)
	}
	if got := tb.live(t, 3); got != "0:c@0 0:d@5 " {
		t.Errorf("live = %s", got)
	}
	if got := tb.live(t, 1); got != "0:a@0 0:b@0 " {
		t.Errorf("snapshot 1 changed: %s", got)
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tb := newTable()
	c := tb.committer("u")
	for _, id := range []int64{1, 2} {
		if _, err := c.Commit(ctx, appendOf(id, 0, file(fmt.Sprint("f", id), 0, 1))); err != nil {
			t.Fatalf("Commit(%d): %v", id, err)
		}
	}

	// A restarted writer replays identifiers 1 and 2.
	again := tb.committer("u")
	if id, err := again.Commit(ctx, appendOf(2, 0, file("f2", 0, 1))); err != nil || id != 2 {
		t.Errorf("replayed Commit = %d, %v, want 2", id, err)
	}
	if id, err := again.Commit(ctx, appendOf(1, 0, file("f1", 0, 1))); err != nil || id != 2 {
		t.Errorf("replayed older Commit = %d, %v, want 2", id, err)
	}
	// Another user with the same identifier is a different commit.
	if id, err := tb.committer("v").Commit(ctx, appendOf(2, 1, file("g", 0, 1))); err != nil || id != 3 {
		t.Errorf("other user Commit = %d, %v, want 3", id, err)
	}
	ids, err := snapshot.NewManager(tb.fio, "t").List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 3 {
		t.Errorf("snapshots = %v, want 3", ids)
	}
}

func TestEmptyCommitRecordsIdentifier(t *testing.T) {
	ctx := context.Background()
	tb := newTable()
	wm := int64(7)
	cm := &Committable{Identifier: 1, Watermark: &wm, LogOffsets: map[int32]int64{0: 42}}
	id, err := tb.committer("u").Commit(ctx, cm)
	if err != nil || id != 1 {
		t.Fatalf("Commit = %d, %v", id, err)
	}
	s := tb.snapshot(t, 1)
	if s.Watermark == nil || *s.Watermark != 7 || s.LogOffsets[0] != 42 {
		t.Errorf("snapshot = watermark %v offsets %v", s.Watermark, s.LogOffsets)
	}
}

func TestNewUserSkipsHistoryLookup(t *testing.T) {
	ctx := context.Background()
	tb := newTable()
	w := tb.committer("w")
	for i := int64(1); i <= 5; i++ {
		if _, err := w.Commit(ctx, appendOf(i, 0, file(fmt.Sprintf("f%d", i), 0, 1))); err != nil {
			t.Fatalf("Commit(%d): %v", i, err)
		}
	}
	// Only a walk through the history reads snapshot 3.
	if err := tb.fio.Overwrite(ctx, snapshot.NewManager(tb.fio, "t").Path(3), []byte("{")); err != nil {
		t.Fatalf("Overwrite: %v", err)
	}
	if _, err := tb.committer("other").Commit(ctx, appendOf(1, 1, file("x", 0, 1))); err == nil {
		t.Fatalf("history lookup read past a corrupt snapshot")
	}

	c := tb.committer("compact-1")
	c.newUser = true
	cm := compactOf(1, []*spec.DataFileMeta{file("f1", 0, 1)}, []*spec.DataFileMeta{file("g", 1, 1)})
	cm.Increments[0].NewFiles = []*spec.DataFileMeta{file("y", 0, 1)}
	id, err := c.Commit(ctx, cm)
	if err != nil || id != 7 {
		t.Fatalf("Commit = %d, %v, want 7", id, err)
	}
	if c.lastOwn != 7 {
		t.Errorf("lastOwn = %d, want 7", c.lastOwn)
	}
	if got := tb.snapshot(t, 6).CommitKind; got != spec.CommitAppend {
		t.Errorf("snapshot 6 kind = %s, want APPEND", got)
	}
}

func TestWatermarkNeverMovesBack(t *testing.T) {
	ctx := context.Background()
	tb := newTable()
	c := tb.committer("u")
	for i, w := range []int64{10, 5, 20} {
		cm := appendOf(int64(i+1), 0, file(fmt.Sprint("f", i), 0, 1))
		cm.Watermark = &w
		if _, err := c.Commit(ctx, cm); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}
	for id, want := range map[int64]int64{1: 10, 2: 10, 3: 20} {
		if got := tb.snapshot(t, id).Watermark; got == nil || *got != want {
			t.Errorf("snapshot %d watermark = %v, want %d", id, got, want)
		}
	}
	// A compaction carries the watermark over.
	cm := compactOf(4, []*spec.DataFileMeta{file("f0", 0, 1)}, []*spec.DataFileMeta{file("f0", 1, 1)})
	if _, err := c.Commit(ctx, cm); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got := tb.snapshot(t, 4).Watermark; got == nil || *got != 20 {
		t.Errorf("compact watermark = %v, want 20", got)
	}
}

func TestConcurrentAppendsAreGapFree(t *testing.T) {
	ctx := context.Background()
	tb := newTable()
	tb.opts.CommitMaxRetries = 200
	const users, commits = 4, 5

	var wg sync.WaitGroup
	for u := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := tb.committer(fmt.Sprint("user-", u))
			for i := range commits {
				name := fmt.Sprintf("u%d-%d", u, i)
				if _, err := c.Commit(ctx, appendOf(int64(i+1), u, file(name, 0, 1))); err != nil {
					t.Errorf("user %d commit %d: %v", u, i, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	ids, err := snapshot.NewManager(tb.fio, "t").List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != users*commits {
		t.Fatalf("snapshots = %v, want %d", ids, users*commits)
	}
	for i, id := range ids {
		if id != int64(i+1) {
			t.Fatalf("snapshot ids have a gap: %v", ids)
		}
	}
	if s := tb.snapshot(t, ids[len(ids)-1]); s.TotalRecordCount != users*commits {
		t.Errorf("total records = %d, want %d", s.TotalRecordCount, users*commits)
	}
	if st := tb.metrics.Stats(); st.Commits != users*commits || st.CommitAttempts < st.Commits {
		t.Errorf("stats = %+v", st)
	}
}

// raceOnce runs competing before the first create of snapshot id.
func raceOnce(t *testing.T, tb *table, id int64, competing func()) {
	path := snapshot.NewManager(tb.fio, "t").Path(id)
	raced := false
	tb.fio.OnCreate = func(p string) {
		if raced || p != path {
			return
		}
		raced = true
		competing()
	}
	t.Cleanup(func() { tb.fio.OnCreate = nil })
}

func TestConflictRetriesAndCleansUp(t *testing.T) {
	ctx := context.Background()
	tb := newTable()
	raceOnce(t, tb, 1, func() {
		if _, err := tb.committer("other").Commit(ctx, appendOf(1, 1, file("x", 0, 1))); err != nil {
			t.Errorf("competing Commit: %v", err)
		}
	})

	id, err := tb.committer("u").Commit(ctx, appendOf(1, 0, file("a", 0, 1)))
	if err != nil || id != 2 {
		t.Fatalf("Commit = %d, %v, want 2", id, err)
	}
	if got := tb.live(t, 2); got != "0:a@0 1:x@0 " {
		t.Errorf("live = %s", got)
	}
	if tb.metrics.Stats().CommitConflicts != 1 {
		t.Errorf("conflicts = %d, want 1", tb.metrics.Stats().CommitConflicts)
	}

	// Every manifest and list left is referenced by a snapshot.
	referenced := map[string]bool{}
	for _, sid := range []int64{1, 2} {
		s := tb.snapshot(t, sid)
		lists := manifest.NewManifestList(tb.fio, "t")
		for _, l := range s.ManifestLists() {
			referenced[l] = true
			metas, err := lists.Read(ctx, l)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			for _, m := range metas {
				referenced[m.FileName] = true
			}
		}
	}
	for _, p := range tb.fio.Paths("t/" + manifest.Dir + "/") {
		if !referenced[fileio.Base(p)] {
			t.Errorf("unreferenced %s left after conflict", p)
		}
	}
}

func TestConflictGivesUp(t *testing.T) {
	ctx := context.Background()
	tb := newTable()
	tb.opts.CommitMaxRetries = 2
	c := tb.committer("u")
	other := tb.committer("other")
	n := 0
	tb.fio.OnCreate = func(p string) {
		if p != snapshot.NewManager(tb.fio, "t").Path(int64(n+1)) || n >= 10 {
			return
		}
		n++
		if _, err := other.Commit(ctx, appendOf(int64(n), 1, file(fmt.Sprint("x", n), 0, 1))); err != nil {
			t.Errorf("competing Commit: %v", err)
		}
	}
	_, err := c.Commit(ctx, appendOf(1, 0, file("a", 0, 1)))
	if !errs.IsConflict(err) {
		t.Errorf("Commit err = %v, want conflict", err)
	}
	if tb.metrics.Stats().CommitFailures != 1 {
		t.Errorf("failures = %d, want 1", tb.metrics.Stats().CommitFailures)
	}
}

func TestCompactionConflictFails(t *testing.T) {
	ctx := context.Background()
	tb := newTable()
	if _, err := tb.committer("w").Commit(ctx, appendOf(1, 0, file("a", 0, 1), file("b", 0, 1))); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := tb.committer("c1").Commit(ctx, compactOf(1,
		[]*spec.DataFileMeta{file("a", 0, 1)}, []*spec.DataFileMeta{file("a", 1, 1)})); err != nil {
		t.Fatalf("first compaction: %v", err)
	}

	out := file("merged", 2, 2)
	if err := tb.fio.CreateIfAbsent(ctx, fileio.Join("t", out.Path), []byte("x")); err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}
	_, err := tb.committer("c2").Commit(ctx, compactOf(1,
		[]*spec.DataFileMeta{file("a", 0, 1), file("b", 0, 1)}, []*spec.DataFileMeta{out}))
	if !errs.IsConflict(err) {
		t.Fatalf("stale compaction err = %v, want conflict", err)
	}
	if ok, _ := tb.fio.Exists(ctx, fileio.Join("t", out.Path)); ok {
		t.Errorf("output of failed compaction was not deleted")
	}
	if got := tb.live(t, 2); got != "0:b@0 0:a@1 " {
		t.Errorf("live = %s", got)
	}
}

func TestCompactionOutputOverlapFails(t *testing.T) {
	ctx := context.Background()
	tb := newTable()
	if _, err := tb.committer("w").Commit(ctx, appendOf(1, 0, keyed(file("a", 0, 2), 1, 3), keyed(file("b", 0, 2), 2, 4))); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	// Two writers compact disjoint inputs into level 2.
	if _, err := tb.committer("c1").Commit(ctx, compactOf(1,
		[]*spec.DataFileMeta{keyed(file("a", 0, 2), 1, 3)}, []*spec.DataFileMeta{keyed(file("a2", 2, 2), 1, 3)})); err != nil {
		t.Fatalf("first compaction: %v", err)
	}
	out := keyed(file("b2", 2, 2), 2, 4)
	if err := tb.fio.CreateIfAbsent(ctx, fileio.Join("t", out.Path), []byte("x")); err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}
	_, err := tb.committer("c2").Commit(ctx, compactOf(1,
		[]*spec.DataFileMeta{keyed(file("b", 0, 2), 2, 4)}, []*spec.DataFileMeta{out}))
	if !errs.IsConflict(err) {
		t.Fatalf("overlapping compaction err = %v, want conflict", err)
	}
	if ok, _ := tb.fio.Exists(ctx, fileio.Join("t", out.Path)); ok {
		t.Errorf("output of failed compaction was not deleted")
	}
	if got := tb.live(t, 2); got != "0:b@0 0:a2@2 " {
		t.Errorf("live = %s", got)
	}

	// Replacing the overlapping file, or landing on another level, is fine.
	id, err := tb.committer("c3").Commit(ctx, compactOf(1,
		[]*spec.DataFileMeta{keyed(file("b", 0, 2), 2, 4), keyed(file("a2", 2, 2), 1, 3)},
		[]*spec.DataFileMeta{keyed(file("ab", 2, 4), 1, 4)}))
	if err != nil || id != 3 {
		t.Fatalf("Commit = %d, %v, want 3", id, err)
	}
	if got := tb.live(t, 3); got != "0:ab@2 " {
		t.Errorf("live = %s", got)
	}
}

func TestCompactionConflictOnRetry(t *testing.T) {
	ctx := context.Background()
	tb := newTable()
	if _, err := tb.committer("w").Commit(ctx, appendOf(1, 0, file("a", 0, 1))); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	// An append to another bucket and a compaction of ours land while we
	// claim snapshot 2. Only the compaction conflicts.
	raceOnce(t, tb, 2, func() {
		if _, err := tb.committer("w2").Commit(ctx, appendOf(1, 3, file("z", 0, 1))); err != nil {
			t.Errorf("competing append: %v", err)
		}
		if _, err := tb.committer("c1").Commit(ctx, compactOf(1,
			[]*spec.DataFileMeta{file("a", 0, 1)}, []*spec.DataFileMeta{file("a1", 1, 1)})); err != nil {
			t.Errorf("competing compaction: %v", err)
		}
	})
	_, err := tb.committer("c2").Commit(ctx, compactOf(1,
		[]*spec.DataFileMeta{file("a", 0, 1)}, []*spec.DataFileMeta{file("a2", 1, 1)}))
	if !errs.IsConflict(err) {
		t.Fatalf("Commit err = %v, want conflict", err)
	}
	if got := tb.live(t, 3); got != "0:a1@1 3:z@0 " {
		t.Errorf("live = %s", got)
	}
}

func TestCompactionRetryWithoutOverlap(t *testing.T) {
	ctx := context.Background()
	tb := newTable()
	if _, err := tb.committer("w").Commit(ctx, appendOf(1, 0, file("a", 0, 1))); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	raceOnce(t, tb, 2, func() {
		if _, err := tb.committer("w2").Commit(ctx, appendOf(1, 0, file("b", 0, 1))); err != nil {
			t.Errorf("competing append: %v", err)
		}
	})
	id, err := tb.committer("c").Commit(ctx, compactOf(1,
		[]*spec.DataFileMeta{file("a", 0, 1)}, []*spec.DataFileMeta{file("a", 1, 1)}))
	if err != nil || id != 3 {
		t.Fatalf("Commit = %d, %v, want 3", id, err)
	}
	if got := tb.live(t, 3); got != "0:b@0 0:a@1 " {
		t.Errorf("live = %s", got)
	}
}

func TestOverwrite(t *testing.T) {
	ctx := context.Background()
	tb := newTable()
	c := tb.committer("u")
	cm := &Committable{Identifier: 1, Increments: []*mergetree.CommitIncrement{
		{Partition: []byte("p1"), TotalBuckets: 4, NewFiles: []*spec.DataFileMeta{file("a", 0, 3)}},
		{Partition: []byte("p2"), TotalBuckets: 4, NewFiles: []*spec.DataFileMeta{file("b", 0, 4)}},
	}}
	if _, err := c.Commit(ctx, cm); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	ow := &Committable{Identifier: 2, Increments: []*mergetree.CommitIncrement{
		{Partition: []byte("p1"), TotalBuckets: 4, NewFiles: []*spec.DataFileMeta{file("c", 0, 1)}},
	}}
	id, err := c.Overwrite(ctx, spec.PartitionEquals("p1"), ow)
	if err != nil || id != 2 {
		t.Fatalf("Overwrite = %d, %v, want 2", id, err)
	}
	s := tb.snapshot(t, 2)
	if s.CommitKind != spec.CommitOverwrite || s.TotalRecordCount != 5 {
		t.Errorf("snapshot = %s total %d, want OVERWRITE 5", s.CommitKind, s.TotalRecordCount)
	}
	if got := tb.live(t, 2); got != "p10:c@0 p20:b@0 " {
		t.Errorf("live = %s", got)
	}

	if _, err := c.Overwrite(ctx, nil, &Committable{Identifier: 3}); err != nil {
		t.Fatalf("Overwrite all: %v", err)
	}
	if got := tb.live(t, 3); got != "" {
		t.Errorf("live after truncate = %q", got)
	}
}

func TestAbortDeletesFiles(t *testing.T) {
	ctx := context.Background()
	tb := newTable()
	f := file("a", 0, 1)
	if err := tb.fio.CreateIfAbsent(ctx, fileio.Join("t", f.Path), []byte("x")); err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}
	tb.committer("u").Abort(ctx, appendOf(1, 0, f))
	if paths := tb.fio.Paths("t/bucket-0/"); len(paths) != 0 {
		t.Errorf("files after Abort: %v", paths)
	}
}

func TestCommitSurfacesIOFailure(t *testing.T) {
	ctx := context.Background()
	tb := newTable()
	tb.fio.FailNext(fileio.OpCreate, 1)
	_, err := tb.committer("u").Commit(ctx, appendOf(1, 0, file("a", 0, 1)))
	if !errors.Is(err, errs.ErrIOFailure) {
		t.Errorf("Commit err = %v, want ErrIOFailure", err)
	}
	if paths := tb.fio.Paths("t/"); len(paths) != 0 {
		t.Errorf("files left after failed commit: %v", paths)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{Preparing: "preparing", Committing: "committing", Committed: "committed", Conflicted: "conflicted", Failed: "failed"} {
		if s.String() != want {
			t.Errorf("State(%d) = %s, want %s", int(s), s, want)
		}
	}
}
