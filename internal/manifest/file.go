// Package manifest records which data files are live in each snapshot.
//
// A manifest file is an immutable batch of ADD/DELETE entries. A manifest
// list is the ordered set of manifest files that, replayed in order, yields
// the live files of a snapshot. Both are Avro object containers.
package manifest

import (
	"bytes"
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/freeeve/lakehouse/internal/errs"
	"github.com/freeeve/lakehouse/internal/fileio"
	"github.com/freeeve/lakehouse/internal/spec"
)

// Dir is the manifest directory below the table root.
const Dir = "manifest"

// ManifestFile reads and writes manifest files of one table.
type ManifestFile struct {
	fio        fileio.FileIO
	root       string
	schemaID   int64
	targetSize int64
	cache      *Cache
}

// NewManifestFile creates a manifest file store. cache may be nil.
func NewManifestFile(fio fileio.FileIO, root string, schemaID, targetSize int64, cache *Cache) *ManifestFile {
	return &ManifestFile{fio: fio, root: root, schemaID: schemaID, targetSize: targetSize, cache: cache}
}

// Path returns the full path of a manifest file.
func (m *ManifestFile) Path(name string) string {
	return fileio.Join(m.root, Dir, name)
}

// WriteDelta writes removed files as DELETE entries followed by added files
// as ADD entries into one new manifest file. An empty delta writes nothing
// and returns nil.
func (m *ManifestFile) WriteDelta(ctx context.Context, added, removed []*spec.ManifestEntry) (*spec.ManifestFileMeta, error) {
	entries := make([]*spec.ManifestEntry, 0, len(added)+len(removed))
	for _, e := range removed {
		d := *e
		d.Kind = spec.EntryDelete
		entries = append(entries, &d)
	}
	for _, e := range added {
		a := *e
		a.Kind = spec.EntryAdd
		entries = append(entries, &a)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return m.writeOne(ctx, entries)
}

// Write writes entries as they are, rolling to a new file at the target size.
func (m *ManifestFile) Write(ctx context.Context, entries []*spec.ManifestEntry) ([]*spec.ManifestFileMeta, error) {
	var (
		out   []*spec.ManifestFileMeta
		batch []*spec.ManifestEntry
		size  int64
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		meta, err := m.writeOne(ctx, batch)
		if err != nil {
			return err
		}
		out = append(out, meta)
		batch, size = nil, 0
		return nil
	}
	for _, e := range entries {
		batch = append(batch, e)
		size += estimatedEntrySize(e)
		if size >= m.targetSize {
			if err := flush(); err != nil {
				return out, err
			}
		}
	}
	if err := flush(); err != nil {
		return out, err
	}
	return out, nil
}

func estimatedEntrySize(e *spec.ManifestEntry) int64 {
	f := e.File
	return int64(96 + len(e.Partition) + len(f.FileName) + len(f.Path) + len(f.MinKey) + len(f.MaxKey))
}

func (m *ManifestFile) writeOne(ctx context.Context, entries []*spec.ManifestEntry) (*spec.ManifestFileMeta, error) {
	records := make([]avroEntry, len(entries))
	meta := &spec.ManifestFileMeta{
		FileName: "manifest-" + uuid.NewString(),
		SchemaID: m.schemaID,
	}
	for i, e := range entries {
		if err := checkEntry(e); err != nil {
			return nil, errors.Wrap(err, "write manifest")
		}
		records[i] = toAvroEntry(e)
		if e.Kind == spec.EntryAdd {
			meta.NumAddedFiles++
		} else {
			meta.NumDeletedFiles++
		}
		if i == 0 || bytes.Compare(e.Partition, meta.PartitionStats.MinValues) < 0 {
			meta.PartitionStats.MinValues = e.Partition
		}
		if i == 0 || bytes.Compare(e.Partition, meta.PartitionStats.MaxValues) > 0 {
			meta.PartitionStats.MaxValues = e.Partition
		}
	}
	data, err := encodeOCF(entrySchemaJSON, records)
	if err != nil {
		return nil, err
	}
	if err := m.fio.CreateIfAbsent(ctx, m.Path(meta.FileName), data); err != nil && !errors.Is(err, errs.ErrAlreadyExists) {
		return nil, err
	}
	meta.FileSize = int64(len(data))
	if m.cache != nil {
		m.cache.Put(meta.FileName, entries)
	}
	return meta, nil
}

// Read returns the entries of a manifest file, validated.
func (m *ManifestFile) Read(ctx context.Context, name string) ([]*spec.ManifestEntry, error) {
	if m.cache != nil {
		if entries, ok := m.cache.Get(name); ok {
			return entries, nil
		}
	}
	data, err := m.fio.Read(ctx, m.Path(name))
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.CorruptManifest(name, "manifest file is missing")
		}
		return nil, err
	}
	records, err := decodeOCF[avroEntry](data)
	if err != nil {
		return nil, errs.WrapCorrupt(err, name)
	}
	entries := make([]*spec.ManifestEntry, len(records))
	for i := range records {
		e := fromAvroEntry(&records[i])
		if err := checkEntry(e); err != nil {
			return nil, errs.WrapCorrupt(errors.Wrapf(err, "entry %d", i), name)
		}
		entries[i] = e
	}
	if m.cache != nil {
		m.cache.Put(name, entries)
	}
	return entries, nil
}

// Delete removes a manifest file and drops it from the cache.
func (m *ManifestFile) Delete(ctx context.Context, name string) error {
	if m.cache != nil {
		m.cache.Invalidate(name)
	}
	err := m.fio.Delete(ctx, m.Path(name))
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	return err
}

// checkEntry validates the structure of an entry.
func checkEntry(e *spec.ManifestEntry) error {
	f := e.File
	switch {
	case f == nil:
		return errors.New("entry has no file")
	case e.Kind != spec.EntryAdd && e.Kind != spec.EntryDelete:
		return errors.Newf("invalid entry kind %d", e.Kind)
	case f.FileName == "" || f.Path == "":
		return errors.New("entry has no file name")
	case e.Bucket < 0 || (e.TotalBuckets > 0 && e.Bucket >= e.TotalBuckets):
		return errors.Newf("%s: bucket %d out of range %d", f.FileName, e.Bucket, e.TotalBuckets)
	case f.Level < 0:
		return errors.Newf("%s: negative level %d", f.FileName, f.Level)
	case f.MinSeq > f.MaxSeq:
		return errors.Newf("%s: sequence range [%d,%d] inverted", f.FileName, f.MinSeq, f.MaxSeq)
	case bytes.Compare(f.MinKey, f.MaxKey) > 0:
		return errors.Newf("%s: key range inverted", f.FileName)
	case f.RowCount < 0 || f.FileSize < 0:
		return errors.Newf("%s: negative size", f.FileName)
	}
	return nil
}
