package format

import (
	"bytes"
	"context"
	"hash/crc32"

	"github.com/cockroachdb/errors"

	"github.com/freeeve/lakehouse/internal/fileio"
	"github.com/freeeve/lakehouse/internal/spec"
)

// Reader is an open data file with its body decompressed in memory.
type Reader struct {
	path   string
	header *Header
	body   []byte
}

// Open reads and verifies the data file at path.
func Open(ctx context.Context, fio fileio.FileIO, codec *Codec, path string) (*Reader, error) {
	data, err := fio.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	return decodeFile(codec, path, data)
}

func decodeFile(codec *Codec, path string, data []byte) (*Reader, error) {
	header, n, err := decodeHeader(data)
	if err != nil {
		return nil, errors.Wrapf(err, "data file %s", path)
	}
	body, err := codec.decoder.DecodeAll(data[n:], nil)
	if err != nil {
		return nil, errors.Wrapf(err, "data file %s: decompress", path)
	}
	if crc32.ChecksumIEEE(body) != header.Checksum {
		return nil, errors.Newf("data file %s: checksum mismatch", path)
	}
	return &Reader{path: path, header: header, body: body}, nil
}

// Header returns the file header.
func (r *Reader) Header() *Header {
	return r.header
}

// Iterator returns the records whose key is in keyRange (nil for all), with
// values projected onto the read schema.
func (r *Reader) Iterator(keyRange *spec.KeyRange, proj *Projection) *RecordIterator {
	return &RecordIterator{
		path:     r.path,
		d:        decoder{buf: r.body},
		keyRange: keyRange,
		proj:     proj,
		expect:   r.header.RecordCount,
	}
}

// RecordIterator walks a file's records in order.
type RecordIterator struct {
	path     string
	d        decoder
	keyRange *spec.KeyRange
	proj     *Projection
	read     uint32
	expect   uint32
	done     bool
}

// Next returns the next record, or nil at the end.
func (it *RecordIterator) Next() (*spec.KeyValue, error) {
	for !it.done {
		if it.d.done() {
			it.done = true
			if it.read != it.expect {
				return nil, errors.Newf("data file %s: read %d records, header says %d", it.path, it.read, it.expect)
			}
			return nil, nil
		}
		key, err := it.d.key()
		if err != nil {
			return nil, errors.Wrapf(err, "data file %s", it.path)
		}
		it.read++
		if it.keyRange.Before(key) {
			if err := it.d.skip(); err != nil {
				return nil, errors.Wrapf(err, "data file %s", it.path)
			}
			continue
		}
		if it.keyRange.After(key) {
			it.done = true
			return nil, nil
		}
		kv := &spec.KeyValue{Key: bytes.Clone(key)}
		if err := it.d.rest(kv, it.proj); err != nil {
			return nil, errors.Wrapf(err, "data file %s", it.path)
		}
		return kv, nil
	}
	return nil, nil
}

// Close releases the iterator.
func (it *RecordIterator) Close() error {
	it.done = true
	return nil
}

// ReadAll opens path and returns all of its records.
func ReadAll(ctx context.Context, fio fileio.FileIO, codec *Codec, path string, proj *Projection) ([]*spec.KeyValue, error) {
	r, err := Open(ctx, fio, codec, path)
	if err != nil {
		return nil, err
	}
	it := r.Iterator(nil, proj)
	defer it.Close()
	var out []*spec.KeyValue
	for {
		kv, err := it.Next()
		if err != nil {
			return nil, err
		}
		if kv == nil {
			return out, nil
		}
		out = append(out, kv)
	}
}
