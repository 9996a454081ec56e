package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/freeeve/lakehouse/internal/fileio"
	"github.com/freeeve/lakehouse/internal/spec"
	"github.com/freeeve/lakehouse/internal/table"
)

func testTable(t *testing.T) *table.Table {
	t.Helper()
	s := spec.NewSchema([]spec.DataField{
		{Name: "k", Type: spec.DataType{Root: spec.TypeBigInt}},
		{Name: "v", Type: spec.DataType{Root: spec.TypeString, Nullable: true}},
	}, []string{"k"}, nil, map[string]string{
		"bucket":                "1",
		"commit.min-retry-wait": "1 ms",
		"commit.max-retry-wait": "5 ms",
	})
	tbl, err := table.Create(context.Background(), table.Config{
		FileIO: fileio.NewMemory(),
		Root:   "t",
		Logger: zerolog.Nop(),
	}, s)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { tbl.Close() })
	return tbl
}

func newWorker(t *testing.T, tbl *table.Table) (*Worker, string) {
	t.Helper()
	dir := t.TempDir()
	w, err := NewWorker(Config{WatchDir: dir, Logger: zerolog.Nop()}, tbl)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	return w, dir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func writeZstd(t *testing.T, dir, name, content string) {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	writeFile(t, dir, name, string(enc.EncodeAll([]byte(content), nil)))
}

func scanAll(t *testing.T, tbl *table.Table) string {
	t.Helper()
	it, err := tbl.Scan(context.Background(), table.ScanOptions{})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	rows, err := table.CollectRows(it)
	if err != nil {
		t.Fatalf("CollectRows: %v", err)
	}
	var sb strings.Builder
	for _, r := range rows {
		sb.WriteString(r.String())
	}
	return sb.String()
}

func TestProcessNewFiles(t *testing.T) {
	ctx := context.Background()
	tbl := testTable(t)
	w, dir := newWorker(t, tbl)

	writeFile(t, dir, "000001.jsonl", `{"k": 1, "v": "a"}
{"k": 2, "v": "b"}
`)
	writeZstd(t, dir, "2-changes.jsonl.zst", `{"k": 1, "v": "a2", "_kind": "+U"}
{"k": 2, "_kind": "-D"}
{"k": 3}
`)
	writeFile(t, dir, "notes.jsonl", `{"k": 9}`)
	writeFile(t, dir, "3.csv", "k,v")

	n, err := w.ProcessNewFiles(ctx)
	if err != nil {
		t.Fatalf("ProcessNewFiles: %v", err)
	}
	if n != 2 {
		t.Errorf("committed = %d, want 2", n)
	}
	if got, want := scanAll(t, tbl), "+I[1, a2]+I[3, NULL]"; got != want {
		t.Errorf("scan = %s, want %s", got, want)
	}

	for _, name := range []string{"000001.jsonl", "2-changes.jsonl.zst"} {
		if _, err := os.Stat(filepath.Join(dir, "processed", name)); err != nil {
			t.Errorf("%s not moved: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.jsonl")); err != nil {
		t.Errorf("notes.jsonl should stay: %v", err)
	}
	if got := tbl.Metrics().Stats().RowsIngested; got != 5 {
		t.Errorf("rows ingested = %d, want 5", got)
	}
}

func TestReplayedFileIsSkipped(t *testing.T) {
	ctx := context.Background()
	tbl := testTable(t)
	w, dir := newWorker(t, tbl)

	writeFile(t, dir, "5.jsonl", `{"k": 1, "v": "a"}`)
	if _, err := w.ProcessNewFiles(ctx); err != nil {
		t.Fatalf("ProcessNewFiles: %v", err)
	}

	// A crash before the move leaves a committed file behind.
	writeFile(t, dir, "5.jsonl", `{"k": 1, "v": "a"}`)
	writeFile(t, dir, "4.jsonl", `{"k": 1, "v": "old"}`)
	n, err := w.ProcessNewFiles(ctx)
	if err != nil {
		t.Fatalf("ProcessNewFiles: %v", err)
	}
	if n != 0 {
		t.Errorf("committed = %d, want 0", n)
	}
	snaps, err := tbl.Snapshots(ctx)
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	if len(snaps) != 1 {
		t.Errorf("snapshots = %d, want 1", len(snaps))
	}
	if got, want := scanAll(t, tbl), "+I[1, a]"; got != want {
		t.Errorf("scan = %s, want %s", got, want)
	}
}

func TestBadFileStopsBatch(t *testing.T) {
	ctx := context.Background()
	tbl := testTable(t)
	w, dir := newWorker(t, tbl)

	writeFile(t, dir, "1.jsonl", `{"k": 1, "v": "a"}`)
	writeFile(t, dir, "2.jsonl", `{"k": "x"}`)
	writeFile(t, dir, "3.jsonl", `{"k": 3}`)
	n, err := w.ProcessNewFiles(ctx)
	if err == nil {
		t.Fatal("expected an error for 2.jsonl")
	}
	if n != 1 {
		t.Errorf("committed = %d, want 1", n)
	}
	if _, err := os.Stat(filepath.Join(dir, "3.jsonl")); err != nil {
		t.Errorf("3.jsonl should wait behind 2.jsonl: %v", err)
	}
	if got, want := scanAll(t, tbl), "+I[1, a]"; got != want {
		t.Errorf("scan = %s, want %s", got, want)
	}
}

func TestDecodeRow(t *testing.T) {
	s := spec.NewSchema([]spec.DataField{
		{Name: "k", Type: spec.DataType{Root: spec.TypeBigInt}},
		{Name: "n", Type: spec.DataType{Root: spec.TypeInt, Nullable: true}},
		{Name: "d", Type: spec.DataType{Root: spec.TypeDouble, Nullable: true}},
		{Name: "b", Type: spec.DataType{Root: spec.TypeBoolean, Nullable: true}},
	}, []string{"k"}, nil, nil)

	tests := []struct {
		line    string
		want    string
		wantErr bool
	}{
		{`{"k": 9007199254740993, "n": 7, "d": 1.5, "b": true}`, "+I[9007199254740993, 7, 1.5, true]", false},
		{`{"k": 1, "_kind": "DELETE"}`, "-D[1, NULL, NULL, NULL]", false},
		{`{"k": 1, "_kind": "?"}`, "", true},
		{`{"k": 1, "extra": 2}`, "", true},
		{`{"k": "1"}`, "", true},
		{`not json`, "", true},
	}
	for _, tt := range tests {
		row, err := DecodeRow(s, []byte(tt.line))
		if (err != nil) != tt.wantErr {
			t.Errorf("DecodeRow(%s) error = %v, wantErr %v", tt.line, err, tt.wantErr)
			continue
		}
		if err == nil && row.String() != tt.want {
			t.Errorf("DecodeRow(%s) = %s, want %s", tt.line, row.String(), tt.want)
		}
	}
}

func TestFileIdentifier(t *testing.T) {
	tests := []struct {
		name string
		id   int64
		ok   bool
	}{
		{"000042.jsonl", 42, true},
		{"7-orders.jsonl.zst", 7, true},
		{"orders.jsonl", 0, false},
	}
	for _, tt := range tests {
		id, ok := fileIdentifier(tt.name)
		if id != tt.id || ok != tt.ok {
			t.Errorf("fileIdentifier(%q) = %d, %v, want %d, %v", tt.name, id, ok, tt.id, tt.ok)
		}
	}
}
