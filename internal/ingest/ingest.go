// Package ingest watches a directory for JSON lines files and commits each
// one into a table.
//
// A file is named after its commit identifier: a leading decimal number,
// optionally followed by anything, e.g. 000042.jsonl or 42-orders.jsonl.zst.
// Each line is one JSON object keyed by column name; an optional "_kind"
// field (+I, -U, +U, -D) sets the row kind. Files commit in identifier order
// and move to the processed directory afterwards. A file whose identifier is
// already committed is moved without writing, so a crash between commit and
// move never applies a file twice.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/freeeve/lakehouse/internal/spec"
	"github.com/freeeve/lakehouse/internal/table"
)

// kindField is the reserved column carrying the row kind.
const kindField = "_kind"

// Config configures the ingest worker.
type Config struct {
	WatchDir     string        // Directory to watch for .jsonl files
	ProcessedDir string        // Directory to move committed files to
	PollInterval time.Duration // How often to check for new files
	CommitUser   string        // Commit user of the ingest commits
	MaxLineSize  int           // Longest accepted line in bytes, default 16MB
	Logger       zerolog.Logger
}

// Worker watches a folder and commits the files it finds.
type Worker struct {
	cfg Config
	t   *table.Table
	log zerolog.Logger
}

// NewWorker creates a new ingest worker. It returns nil when WatchDir is
// empty.
func NewWorker(cfg Config, t *table.Table) (*Worker, error) {
	if cfg.WatchDir == "" {
		return nil, nil // Disabled
	}
	if cfg.ProcessedDir == "" {
		cfg.ProcessedDir = filepath.Join(cfg.WatchDir, "processed")
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.CommitUser == "" {
		cfg.CommitUser = "ingest"
	}
	if cfg.MaxLineSize == 0 {
		cfg.MaxLineSize = 16 << 20
	}

	// Ensure directories exist
	if err := os.MkdirAll(cfg.WatchDir, 0755); err != nil {
		return nil, errors.Wrap(err, "create watch dir")
	}
	if err := os.MkdirAll(cfg.ProcessedDir, 0755); err != nil {
		return nil, errors.Wrap(err, "create processed dir")
	}

	return &Worker{cfg: cfg, t: t, log: cfg.Logger}, nil
}

// Run polls the watch directory until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().
		Str("watch_dir", w.cfg.WatchDir).
		Str("processed_dir", w.cfg.ProcessedDir).
		Str("commit_user", w.cfg.CommitUser).
		Msg("ingest worker started")

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.ProcessNewFiles(ctx); err != nil && ctx.Err() == nil {
			w.log.Warn().Err(err).Msg("process files failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type pending struct {
	name       string
	identifier int64
}

// ProcessNewFiles commits every file in the watch directory, oldest
// identifier first, and returns how many it committed. It stops at the first
// failing file so identifiers stay in order.
func (w *Worker) ProcessNewFiles(ctx context.Context) (int, error) {
	files, err := w.scanDir()
	if err != nil || len(files) == 0 {
		return 0, err
	}
	last, err := w.t.LatestCommitIdentifier(ctx, w.cfg.CommitUser)
	if err != nil {
		return 0, err
	}

	committed := 0
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return committed, err
		}
		if f.identifier <= last {
			w.log.Info().Str("file", f.name).Int64("identifier", f.identifier).Msg("already committed, skipping")
		} else {
			id, rows, err := w.processFile(ctx, f)
			if err != nil {
				return committed, errors.Wrapf(err, "ingest %s", f.name)
			}
			w.log.Info().
				Str("file", f.name).
				Int64("identifier", f.identifier).
				Int64("snapshot", id).
				Int("rows", rows).
				Msg("file committed")
			last = f.identifier
			committed++
		}

		// Move to processed folder
		src := filepath.Join(w.cfg.WatchDir, f.name)
		dst := filepath.Join(w.cfg.ProcessedDir, f.name)
		if err := os.Rename(src, dst); err != nil {
			w.log.Warn().Err(err).Str("file", f.name).Msg("move to processed failed")
		}
	}
	return committed, nil
}

// scanDir lists the ingestible files sorted by identifier.
func (w *Worker) scanDir() ([]pending, error) {
	entries, err := os.ReadDir(w.cfg.WatchDir)
	if err != nil {
		return nil, err
	}
	var files []pending
	for _, e := range entries {
		if e.IsDir() || !isJSONLFile(e.Name()) {
			continue
		}
		id, ok := fileIdentifier(e.Name())
		if !ok {
			w.log.Warn().Str("file", e.Name()).Msg("file name has no numeric identifier, ignoring")
			continue
		}
		files = append(files, pending{name: e.Name(), identifier: id})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].identifier != files[j].identifier {
			return files[i].identifier < files[j].identifier
		}
		return files[i].name < files[j].name
	})
	return files, nil
}

// processFile writes the rows of one file and commits them.
func (w *Worker) processFile(ctx context.Context, f pending) (int64, int, error) {
	start := time.Now()
	fh, err := os.Open(filepath.Join(w.cfg.WatchDir, f.name))
	if err != nil {
		return 0, 0, err
	}
	defer fh.Close()

	var r io.Reader = fh
	if strings.HasSuffix(f.name, ".zst") {
		dec, err := zstd.NewReader(fh)
		if err != nil {
			return 0, 0, err
		}
		defer dec.Close()
		r = dec
	}

	s := w.t.Schema()
	wr := w.t.NewWrite(w.cfg.CommitUser)
	defer wr.Close(context.WithoutCancel(ctx))

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), w.cfg.MaxLineSize)
	line, rows := 0, 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		row, err := DecodeRow(s, b)
		if err != nil {
			return 0, 0, errors.Wrapf(err, "line %d", line)
		}
		if err := wr.Write(ctx, row); err != nil {
			return 0, 0, errors.Wrapf(err, "line %d", line)
		}
		rows++
	}
	if err := sc.Err(); err != nil {
		return 0, 0, err
	}

	cm, err := wr.PrepareCommit(ctx, false, f.identifier)
	if err != nil {
		return 0, 0, err
	}
	c := w.t.NewCommit(w.cfg.CommitUser)
	id, err := c.Commit(ctx, cm)
	if err != nil {
		return 0, 0, err
	}
	w.t.Metrics().AddIngested(rows, time.Since(start))
	return id, rows, nil
}

// DecodeRow converts one JSON object into a row of s. Missing columns are
// null.
func DecodeRow(s *spec.TableSchema, line []byte) (spec.Row, error) {
	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return spec.Row{}, errors.Wrap(err, "decode json")
	}
	row := spec.Row{Kind: spec.RowKindInsert, Fields: make([]any, len(s.Fields))}
	if raw, ok := obj[kindField]; ok {
		str, _ := raw.(string)
		kind, ok := spec.ParseRowKind(str)
		if !ok {
			return spec.Row{}, errors.Newf("invalid %s %v", kindField, raw)
		}
		row.Kind = kind
		delete(obj, kindField)
	}
	for i, f := range s.Fields {
		v, err := spec.FromJSON(f.Type, obj[f.Name])
		if err != nil {
			return spec.Row{}, errors.Wrapf(err, "column %s", f.Name)
		}
		row.Fields[i] = v
		delete(obj, f.Name)
	}
	for name := range obj {
		return spec.Row{}, errors.Newf("unknown column %s", name)
	}
	return row, nil
}

func isJSONLFile(name string) bool {
	return strings.HasSuffix(name, ".jsonl") || strings.HasSuffix(name, ".jsonl.zst")
}

// fileIdentifier parses the leading digits of name.
func fileIdentifier(name string) (int64, bool) {
	end := 0
	for end < len(name) && name[end] >= '0' && name[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(name[:end], 10, 64)
	return id, err == nil
}
