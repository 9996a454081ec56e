package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/freeeve/lakehouse/internal/config"
	"github.com/freeeve/lakehouse/internal/errs"
	"github.com/freeeve/lakehouse/internal/mergetree"
	"github.com/freeeve/lakehouse/internal/spec"
	"github.com/freeeve/lakehouse/internal/table"
)

const (
	defaultRowLimit = 1000
	maxRowLimit     = 100000
)

// Handler serves one table.
type Handler struct {
	t   *table.Table
	log zerolog.Logger
}

// NewRouter creates the HTTP router of a table.
func NewRouter(log zerolog.Logger, t *table.Table) http.Handler {
	h := &Handler{t: t, log: log}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(func(next http.Handler) http.Handler { return AccessLog(log, next) })
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Get("/readyz", h.health)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/schema", h.schema)
		r.Get("/schemas", h.schemas)
		r.Get("/snapshots", h.snapshots)
		r.Get("/snapshots/{id}", h.snapshot)
		r.Get("/snapshots/{id}/files", h.files)
		r.Get("/scan", h.scan)
		r.Get("/lookup", h.lookup)
		r.Get("/changes", h.changes)
		r.Get("/stats", h.stats)
		r.Post("/compact", h.compact)
		r.Post("/expire", h.expire)
		r.Post("/orphans", h.orphans)
	})

	// pprof endpoints
	r.Mount("/debug", middleware.Profiler())
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) schema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.t.Schema())
}

func (h *Handler) schemas(w http.ResponseWriter, r *http.Request) {
	all, err := h.t.Schemas(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, all)
}

func (h *Handler) snapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.t.Snapshots(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]*SnapshotResponse, len(snaps))
	for i, s := range snaps {
		out[i] = ToSnapshotResponse(s)
	}
	writeJSON(w, out)
}

// snapshotID parses the {id} parameter; "latest" is 0.
func snapshotID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	if raw == "latest" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid snapshot id %q", raw)
	}
	return id, nil
}

func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	id, err := snapshotID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	s, err := h.t.Snapshot(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if s == nil {
		h.fail(w, r, errs.SnapshotNotFound(id))
		return
	}
	writeJSON(w, ToSnapshotResponse(s))
}

func (h *Handler) files(w http.ResponseWriter, r *http.Request) {
	id, err := snapshotID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	s := h.t.Schema()
	filter, err := partitionFilter(s, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	entries, err := h.t.Files(r.Context(), id, filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	paths := mergetree.NewPathFactory(s)
	out := make([]FileResponse, len(entries))
	for i, e := range entries {
		out[i] = FileResponse{
			Partition: paths.PartitionDir(e.Partition),
			Bucket:    e.Bucket,
			Level:     e.File.Level,
			Path:      e.File.Path,
			Size:      e.File.FileSize,
			Rows:      e.File.RowCount,
			Deletes:   e.File.DeleteRowCount,
			MinSeq:    e.File.MinSeq,
			MaxSeq:    e.File.MaxSeq,
			Source:    e.File.Source.String(),
		}
	}
	writeJSON(w, out)
}

// scan serves GET /v1/scan?snapshot=N&partition=k=v&from=K&to=K&limit=N.
// from and to bound the primary key; a composite key takes comma separated
// values.
func (h *Handler) scan(w http.ResponseWriter, r *http.Request) {
	s := h.t.Schema()
	q := r.URL.Query()
	var opts table.ScanOptions
	var err error
	if opts.SnapshotID, err = int64Param(q.Get("snapshot"), 0); err != nil {
		h.fail(w, r, err)
		return
	}
	if opts.PartitionFilter, err = partitionFilter(s, r); err != nil {
		h.fail(w, r, err)
		return
	}
	lower, err := keyParam(s, q.Get("from"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	upper, err := keyParam(s, q.Get("to"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if lower != nil || upper != nil {
		opts.KeyRange = spec.NewKeyRange(s, lower, upper)
	}
	it, err := h.t.Scan(r.Context(), opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeRows(w, r, s, it)
}

// lookup serves GET /v1/lookup?key=K&snapshot=N with the full primary key.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) {
	s := h.t.Schema()
	q := r.URL.Query()
	id, err := int64Param(q.Get("snapshot"), 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	key, err := keyParam(s, q.Get("key"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if len(key) != len(s.PrimaryKeys) {
		h.fail(w, r, badRequest("key needs all %d key columns", len(s.PrimaryKeys)))
		return
	}
	row, err := h.t.Lookup(r.Context(), id, key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if row == nil {
		h.fail(w, r, errs.NotFound("key "+q.Get("key")))
		return
	}
	writeJSON(w, ToRowResponse(s, *row))
}

// changes serves GET /v1/changes?from=N&to=N; to defaults to the latest
// snapshot.
func (h *Handler) changes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := int64Param(q.Get("from"), 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	to, err := int64Param(q.Get("to"), 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if to == 0 {
		latest, err := h.t.Snapshot(r.Context(), 0)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if latest != nil {
			to = latest.ID
		}
	}
	if to < from {
		h.fail(w, r, badRequest("to %d is before from %d", to, from))
		return
	}
	it, err := h.t.IncrementalScan(r.Context(), from, to)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeRows(w, r, h.t.Schema(), it)
}

func (h *Handler) writeRows(w http.ResponseWriter, r *http.Request, s *spec.TableSchema, it *table.RowIterator) {
	defer it.Close()
	limit, err := int64Param(r.URL.Query().Get("limit"), defaultRowLimit)
	if err != nil || limit <= 0 || limit > maxRowLimit {
		h.fail(w, r, badRequest("limit must be in 1..%d", maxRowLimit))
		return
	}
	resp := RowsResponse{Snapshot: it.SnapshotID(), Rows: []RowResponse{}}
	for {
		row, err := it.Next()
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if row == nil {
			break
		}
		if int64(len(resp.Rows)) == limit {
			resp.Truncated = true
			break
		}
		resp.Rows = append(resp.Rows, ToRowResponse(s, *row))
	}
	writeJSON(w, resp)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.t.Stats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, st)
}

// compact serves POST /v1/compact?full=true.
func (h *Handler) compact(w http.ResponseWriter, r *http.Request) {
	full, _ := strconv.ParseBool(r.URL.Query().Get("full"))
	id, err := h.t.Compact(r.Context(), full)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.log.Info().Int64("snapshot", id).Bool("full", full).Msg("compaction requested via API")
	writeJSON(w, map[string]any{"snapshot": id, "full": full})
}

func (h *Handler) expire(w http.ResponseWriter, r *http.Request) {
	res, err := h.t.ExpireSnapshots(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, res)
}

// orphans serves POST /v1/orphans?older_than=24h. Without older_than the
// table's orphan-file.older-than applies.
func (h *Handler) orphans(w http.ResponseWriter, r *http.Request) {
	olderThan := h.t.Options().OrphanFileOlderThan
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := config.ParseDuration(raw)
		if err != nil {
			h.fail(w, r, badRequest("invalid older_than %q", raw))
			return
		}
		olderThan = d
	}
	n, err := h.t.RemoveOrphanFiles(r.Context(), olderThan)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"removed": n})
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), errBadRequest)
}

// fail maps an error to a status code and writes it.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, errs.ErrSchemaIncompatible):
		status = http.StatusBadRequest
	case errors.Is(err, errs.ErrSnapshotNotFound), errors.Is(err, errs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errs.ErrConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("rid", GetRequestID(r.Context())).Str("path", r.URL.Path).Msg("request failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// partitionFilter builds a filter from partition=k=v parameters. Every
// partition column must be given; several values of one column are ORed.
func partitionFilter(s *spec.TableSchema, r *http.Request) (spec.PartitionFilter, error) {
	raw := r.URL.Query()["partition"]
	if len(raw) == 0 {
		return nil, nil
	}
	byCol := map[string][]string{}
	for _, p := range raw {
		for _, kv := range strings.Split(p, ",") {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return nil, badRequest("partition %q is not k=v", kv)
			}
			byCol[k] = append(byCol[k], v)
		}
	}
	combos := [][]any{{}}
	for _, col := range s.PartitionKeys {
		vals, ok := byCol[col]
		if !ok {
			return nil, badRequest("partition column %s missing", col)
		}
		t := s.Fields[s.FieldIndex(col)].Type
		var next [][]any
		for _, raw := range vals {
			v, err := spec.ParseValue(t, raw)
			if err != nil {
				return nil, badRequest("partition %s=%s: %v", col, raw, err)
			}
			for _, c := range combos {
				next = append(next, append(append([]any(nil), c...), v))
			}
		}
		combos = next
		delete(byCol, col)
	}
	for col := range byCol {
		return nil, badRequest("%s is not a partition column", col)
	}
	in := make(spec.PartitionIn, len(combos))
	for i, c := range combos {
		in[i] = spec.NewPartitionEquals(s, c...)
	}
	if len(in) == 1 {
		return in[0], nil
	}
	return in, nil
}

// keyParam parses comma separated primary key values; a prefix of the key
// is allowed.
func keyParam(s *spec.TableSchema, raw string) ([]any, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	if len(parts) > len(s.PrimaryKeys) {
		return nil, badRequest("key has %d values, table has %d key columns", len(parts), len(s.PrimaryKeys))
	}
	out := make([]any, len(parts))
	for i, p := range parts {
		col := s.PrimaryKeys[i]
		v, err := spec.ParseValue(s.Fields[s.FieldIndex(col)].Type, p)
		if err != nil {
			return nil, badRequest("key %s=%s: %v", col, p, err)
		}
		out[i] = v
	}
	return out, nil
}

func int64Param(raw string, def int64) (int64, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, badRequest("invalid number %q", raw)
	}
	return n, nil
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
