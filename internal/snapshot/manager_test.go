package snapshot

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/freeeve/lakehouse/internal/errs"
	"github.com/freeeve/lakehouse/internal/fileio"
	"github.com/freeeve/lakehouse/internal/spec"
)

func snap(id int64) *spec.Snapshot {
	return &spec.Snapshot{
		Version:           spec.CurrentSnapshotVersion,
		ID:                id,
		BaseManifestList:  "manifest-list-base",
		DeltaManifestList: "manifest-list-delta",
		CommitUser:        "test",
		CommitIdentifier:  id,
		CommitKind:        spec.CommitAppend,
	}
}

func TestEmptyTable(t *testing.T) {
	ctx := context.Background()
	m := NewManager(fileio.NewMemory(), "t")
	if id, err := m.LatestID(ctx); err != nil || id != 0 {
		t.Errorf("LatestID = %d, %v, want 0, nil", id, err)
	}
	if s, err := m.Latest(ctx); err != nil || s != nil {
		t.Errorf("Latest = %v, %v, want nil, nil", s, err)
	}
	if id, err := m.EarliestID(ctx); err != nil || id != 0 {
		t.Errorf("EarliestID = %d, %v, want 0, nil", id, err)
	}
	if _, err := m.Get(ctx, 1); !errors.Is(err, errs.ErrSnapshotNotFound) {
		t.Errorf("Get(1) err = %v, want ErrSnapshotNotFound", err)
	}
}

func TestTryCreate(t *testing.T) {
	ctx := context.Background()
	m := NewManager(fileio.NewMemory(), "t")
	if err := m.TryCreate(ctx, snap(1)); err != nil {
		t.Fatalf("TryCreate: %v", err)
	}
	err := m.TryCreate(ctx, snap(1))
	if !errors.Is(err, errs.ErrAlreadyExists) {
		t.Errorf("second TryCreate err = %v, want ErrAlreadyExists", err)
	}
	got, err := m.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CommitUser != "test" || got.CommitKind != spec.CommitAppend {
		t.Errorf("Get(1) = %+v", got)
	}
}

func TestLatestScansPastStaleHint(t *testing.T) {
	ctx := context.Background()
	fio := fileio.NewMemory()
	writer := NewManager(fio, "t")
	for id := int64(1); id <= 5; id++ {
		if err := writer.TryCreate(ctx, snap(id)); err != nil {
			t.Fatalf("TryCreate(%d): %v", id, err)
		}
	}
	if err := writer.CommitLatestHint(ctx, 2); err != nil {
		t.Fatalf("CommitLatestHint: %v", err)
	}

	reader := NewManager(fio, "t")
	if id, err := reader.LatestID(ctx); err != nil || id != 5 {
		t.Errorf("LatestID = %d, %v, want 5, nil", id, err)
	}

	if err := fio.Overwrite(ctx, "t/snapshot/LATEST", []byte("garbage")); err != nil {
		t.Fatalf("Overwrite: %v", err)
	}
	if id, err := NewManager(fio, "t").LatestID(ctx); err != nil || id != 5 {
		t.Errorf("LatestID with garbled hint = %d, %v, want 5, nil", id, err)
	}
}

func TestEarliestAfterExpiration(t *testing.T) {
	ctx := context.Background()
	fio := fileio.NewMemory()
	m := NewManager(fio, "t")
	for id := int64(1); id <= 4; id++ {
		if err := m.TryCreate(ctx, snap(id)); err != nil {
			t.Fatalf("TryCreate(%d): %v", id, err)
		}
	}
	if id, err := m.EarliestID(ctx); err != nil || id != 1 {
		t.Errorf("EarliestID = %d, %v, want 1, nil", id, err)
	}
	if err := m.CommitEarliestHint(ctx, 1); err != nil {
		t.Fatalf("CommitEarliestHint: %v", err)
	}
	for _, id := range []int64{1, 2} {
		if err := m.Delete(ctx, id); err != nil {
			t.Fatalf("Delete(%d): %v", id, err)
		}
	}
	if id, err := m.EarliestID(ctx); err != nil || id != 3 {
		t.Errorf("EarliestID with stale hint = %d, %v, want 3, nil", id, err)
	}
	ids, err := m.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 2 || ids[0] != 3 || ids[1] != 4 {
		t.Errorf("List = %v, want [3 4]", ids)
	}
	snaps, err := m.Range(ctx, 3, 4)
	if err != nil || len(snaps) != 2 {
		t.Errorf("Range(3, 4) = %d snapshots, %v", len(snaps), err)
	}
	if _, err := m.Range(ctx, 1, 4); !errors.Is(err, errs.ErrSnapshotNotFound) {
		t.Errorf("Range over expired ids err = %v, want ErrSnapshotNotFound", err)
	}
}
