package format

import (
	"bytes"
	"context"
	"hash/crc32"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/freeeve/lakehouse/internal/errs"
	"github.com/freeeve/lakehouse/internal/fileio"
	"github.com/freeeve/lakehouse/internal/spec"
)

// WriterOptions describe the file being written.
type WriterOptions struct {
	Level  int
	Source spec.FileSource
	Kind   spec.FileKind
	// KeyIndexFPP enables the key index at this false positive rate. An
	// index that would encode larger than KeyIndexMaxSize is dropped.
	KeyIndexFPP     float64
	KeyIndexMaxSize int
}

// Writer accumulates one data file in memory and writes it on Close. Nothing
// is visible on storage until Close succeeds.
type Writer struct {
	fio      fileio.FileIO
	codec    *Codec
	root     string
	rel      string
	schemaID int64
	ids      []int32
	opts     WriterOptions

	body    []byte
	count   uint32
	deletes uint32
	minKey  []byte
	maxKey  []byte
	lastSeq int64
	minSeq  int64
	maxSeq  int64
	closed  bool

	keyHashes []uint64
}

// NewWriter starts a file at root/rel written under schema s.
func NewWriter(fio fileio.FileIO, codec *Codec, root, rel string, s *spec.TableSchema, opts WriterOptions) *Writer {
	return &Writer{
		fio:      fio,
		codec:    codec,
		root:     root,
		rel:      rel,
		schemaID: s.ID,
		ids:      s.FieldIDs(),
		opts:     opts,
	}
}

// Write appends kv. Keys must be ascending; versions of one key must be
// ascending by sequence number.
func (w *Writer) Write(kv *spec.KeyValue) error {
	if w.closed {
		return errs.ErrClosed
	}
	if w.count > 0 {
		c := bytes.Compare(kv.Key, w.maxKey)
		if c < 0 || (c == 0 && kv.Seq <= w.lastSeq) {
			return errors.AssertionFailedf("%s: record %x/%d out of order after %x/%d",
				w.rel, kv.Key, kv.Seq, w.maxKey, w.lastSeq)
		}
	}
	if w.opts.KeyIndexFPP > 0 && (w.count == 0 || !bytes.Equal(kv.Key, w.maxKey)) {
		w.keyHashes = append(w.keyHashes, keyHash(kv.Key))
	}
	var err error
	if w.body, err = appendRecord(w.body, kv, w.ids); err != nil {
		return errors.Wrapf(err, "write %s", w.rel)
	}
	if w.count == 0 {
		w.minKey = append([]byte(nil), kv.Key...)
		w.minSeq, w.maxSeq = kv.Seq, kv.Seq
	}
	if kv.Seq < w.minSeq {
		w.minSeq = kv.Seq
	}
	if kv.Seq > w.maxSeq {
		w.maxSeq = kv.Seq
	}
	if kv.Kind.IsRetract() {
		w.deletes++
	}
	w.maxKey = append(w.maxKey[:0], kv.Key...)
	w.lastSeq = kv.Seq
	w.count++
	return nil
}

// EstimatedSize is the uncompressed body size so far.
func (w *Writer) EstimatedSize() int64 {
	return int64(len(w.body))
}

// RecordCount is the number of records written so far.
func (w *Writer) RecordCount() int {
	return int(w.count)
}

// LastKey returns the key of the last record written.
func (w *Writer) LastKey() []byte {
	return w.maxKey
}

// Close compresses and writes the file. An empty writer writes nothing and
// returns nil meta. If the write fails the partial file is removed.
func (w *Writer) Close(ctx context.Context) (*spec.DataFileMeta, error) {
	if w.closed {
		return nil, errs.ErrClosed
	}
	w.closed = true
	if w.count == 0 {
		return nil, nil
	}

	index, err := w.keyIndex()
	if err != nil {
		return nil, err
	}

	h := &Header{
		RecordCount: w.count,
		Checksum:    crc32.ChecksumIEEE(w.body),
		MinSeq:      w.minSeq,
		MaxSeq:      w.maxSeq,
		SchemaID:    w.schemaID,
		DeleteCount: w.deletes,
		MinKey:      w.minKey,
		MaxKey:      w.maxKey,
	}
	data := encodeHeader(h)
	data = w.codec.encoder.EncodeAll(w.body, data)
	w.body = nil

	path := fileio.Join(w.root, w.rel)
	if err := w.fio.CreateIfAbsent(ctx, path, data); err != nil {
		// A retried create whose first attempt landed reports AlreadyExists.
		// File names are unique, so the file there is ours.
		if !errors.Is(err, errs.ErrAlreadyExists) {
			if derr := w.fio.Delete(context.WithoutCancel(ctx), path); derr != nil && !errors.Is(derr, errs.ErrNotFound) {
				err = errors.CombineErrors(err, derr)
			}
			return nil, err
		}
	}

	return &spec.DataFileMeta{
		FileName:       fileio.Base(w.rel),
		Path:           w.rel,
		FileSize:       int64(len(data)),
		RowCount:       int64(w.count),
		MinKey:         h.MinKey,
		MaxKey:         append([]byte(nil), h.MaxKey...),
		MinSeq:         w.minSeq,
		MaxSeq:         w.maxSeq,
		SchemaID:       w.schemaID,
		Level:          w.opts.Level,
		CreationTime:   time.Now().UTC().Truncate(time.Millisecond),
		DeleteRowCount: int64(w.deletes),
		Source:         w.opts.Source,
		Kind:           w.opts.Kind,
		EmbeddedIndex:  index,
	}, nil
}

func (w *Writer) keyIndex() ([]byte, error) {
	if len(w.keyHashes) == 0 {
		return nil, nil
	}
	x := NewKeyIndex(len(w.keyHashes), w.opts.KeyIndexFPP)
	for _, h := range w.keyHashes {
		x.addHash(h)
	}
	w.keyHashes = nil
	data, err := x.MarshalBinary()
	if err != nil || len(data) > w.opts.KeyIndexMaxSize {
		return nil, err
	}
	return data, nil
}

// Abort drops buffered records.
func (w *Writer) Abort() {
	w.closed = true
	w.body, w.keyHashes = nil, nil
}

// RollingWriter splits a sorted stream into files of about target size. It
// only rolls between keys, so every version of a key lands in one file and
// the files of a run stay key-disjoint.
type RollingWriter struct {
	newWriter func() *Writer
	target    int64
	current   *Writer
	written   []*spec.DataFileMeta
}

// NewRollingWriter rolls to a fresh writer from newWriter at target bytes.
func NewRollingWriter(target int64, newWriter func() *Writer) *RollingWriter {
	return &RollingWriter{newWriter: newWriter, target: target}
}

// Write appends kv, closing the current file first when it is full and kv
// starts a new key.
func (r *RollingWriter) Write(ctx context.Context, kv *spec.KeyValue) error {
	if r.current != nil && r.current.EstimatedSize() >= r.target && !bytes.Equal(kv.Key, r.current.LastKey()) {
		if err := r.roll(ctx); err != nil {
			return err
		}
	}
	if r.current == nil {
		r.current = r.newWriter()
	}
	return r.current.Write(kv)
}

func (r *RollingWriter) roll(ctx context.Context) error {
	meta, err := r.current.Close(ctx)
	r.current = nil
	if err != nil {
		return err
	}
	if meta != nil {
		r.written = append(r.written, meta)
	}
	return nil
}

// Close finishes the last file and returns every file written.
func (r *RollingWriter) Close(ctx context.Context) ([]*spec.DataFileMeta, error) {
	if r.current != nil {
		if err := r.roll(ctx); err != nil {
			return r.written, err
		}
	}
	return r.written, nil
}

// Abort drops the current file. Files already rolled are returned so the
// caller can delete them.
func (r *RollingWriter) Abort() []*spec.DataFileMeta {
	if r.current != nil {
		r.current.Abort()
		r.current = nil
	}
	return r.written
}
