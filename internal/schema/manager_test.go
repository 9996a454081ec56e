package schema

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/freeeve/lakehouse/internal/errs"
	"github.com/freeeve/lakehouse/internal/fileio"
	"github.com/freeeve/lakehouse/internal/spec"
)

func testSchema() *spec.TableSchema {
	return spec.NewSchema([]spec.DataField{
		{Name: "id", Type: spec.DataType{Root: spec.TypeBigInt}},
		{Name: "v", Type: spec.DataType{Root: spec.TypeInt, Nullable: true}},
	}, []string{"id"}, nil, map[string]string{"bucket": "2"})
}

func TestCreateAndLatest(t *testing.T) {
	ctx := context.Background()
	fio := fileio.NewMemory()
	m := NewManager(fio, "t")

	if _, err := m.Latest(ctx); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("Latest on empty table err = %v, want ErrNotFound", err)
	}
	s, err := m.Create(ctx, testSchema())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.ID != 0 || s.TimeMillis == 0 {
		t.Errorf("created schema id, time = %d, %d", s.ID, s.TimeMillis)
	}
	if _, err := m.Create(ctx, testSchema()); !errors.Is(err, errs.ErrAlreadyExists) {
		t.Errorf("second Create err = %v, want ErrAlreadyExists", err)
	}

	got, err := NewManager(fio, "t").Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got.ID != 0 || len(got.Fields) != 2 || got.Options["bucket"] != "2" {
		t.Errorf("Latest = %+v", got)
	}
}

func TestCreateRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	m := NewManager(fileio.NewMemory(), "t")

	s := testSchema()
	s.PrimaryKeys = nil
	if _, err := m.Create(ctx, s); !errors.Is(err, errs.ErrSchemaIncompatible) {
		t.Errorf("no primary key err = %v, want ErrSchemaIncompatible", err)
	}
	s = testSchema()
	s.Options["merge-engine"] = "bogus"
	if _, err := m.Create(ctx, s); !errors.Is(err, errs.ErrSchemaIncompatible) {
		t.Errorf("bad option err = %v, want ErrSchemaIncompatible", err)
	}
}

func TestCommitEvolves(t *testing.T) {
	ctx := context.Background()
	fio := fileio.NewMemory()
	m := NewManager(fio, "t")
	if _, err := m.Create(ctx, testSchema()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	next, err := m.Commit(ctx,
		spec.AddColumn{Name: "w", Type: spec.DataType{Root: spec.TypeString, Nullable: true}},
		spec.UpdateColumnType{Name: "v", Type: spec.DataType{Root: spec.TypeBigInt}},
	)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if next.ID != 1 || len(next.Fields) != 3 || next.Fields[1].Type.Root != spec.TypeBigInt {
		t.Errorf("evolved schema = %+v", next)
	}
	ids, err := m.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 2 || ids[1] != 1 {
		t.Errorf("List = %v, want [0 1]", ids)
	}
	old, err := NewManager(fio, "t").Get(ctx, 0)
	if err != nil {
		t.Fatalf("Get(0): %v", err)
	}
	if len(old.Fields) != 2 {
		t.Errorf("schema 0 was modified: %+v", old)
	}

	if _, err := m.Commit(ctx, spec.SetOption{Key: "merge-engine", Value: "partial-update"}); !errors.Is(err, errs.ErrSchemaIncompatible) {
		t.Errorf("merge engine change err = %v, want ErrSchemaIncompatible", err)
	}
	if _, err := m.Commit(ctx, spec.DropColumn{Name: "id"}); !errors.Is(err, errs.ErrSchemaIncompatible) {
		t.Errorf("drop key err = %v, want ErrSchemaIncompatible", err)
	}
}

func TestCommitRetriesRace(t *testing.T) {
	ctx := context.Background()
	fio := fileio.NewMemory()
	m := NewManager(fio, "t")
	if _, err := m.Create(ctx, testSchema()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	other := NewManager(fio, "t")
	raced := false
	fio.OnCreate = func(path string) {
		if raced || path != m.Path(1) {
			return
		}
		raced = true
		if _, err := other.Commit(ctx, spec.UpdateComment{Comment: "other"}); err != nil {
			t.Errorf("competing Commit: %v", err)
		}
	}

	next, err := m.Commit(ctx, spec.SetOption{Key: "write-only", Value: "true"})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if next.ID != 2 || next.Comment != "other" || next.Options["write-only"] != "true" {
		t.Errorf("Commit after race = id %d comment %q options %v", next.ID, next.Comment, next.Options)
	}
}
