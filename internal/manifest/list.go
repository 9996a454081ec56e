package manifest

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/freeeve/lakehouse/internal/errs"
	"github.com/freeeve/lakehouse/internal/fileio"
	"github.com/freeeve/lakehouse/internal/spec"
)

// ManifestList reads and writes manifest lists.
type ManifestList struct {
	fio  fileio.FileIO
	root string
}

// NewManifestList creates a manifest list store.
func NewManifestList(fio fileio.FileIO, root string) *ManifestList {
	return &ManifestList{fio: fio, root: root}
}

// Path returns the full path of a manifest list.
func (l *ManifestList) Path(name string) string {
	return fileio.Join(l.root, Dir, name)
}

// Write stores metas, in order, as a new manifest list and returns its name.
// An empty list is valid.
func (l *ManifestList) Write(ctx context.Context, metas []*spec.ManifestFileMeta) (string, error) {
	records := make([]avroFileMeta, len(metas))
	for i, m := range metas {
		records[i] = toAvroFileMeta(m)
	}
	data, err := encodeOCF(fileMetaSchemaJSON, records)
	if err != nil {
		return "", err
	}
	name := "manifest-list-" + uuid.NewString()
	if err := l.fio.CreateIfAbsent(ctx, l.Path(name), data); err != nil && !errors.Is(err, errs.ErrAlreadyExists) {
		return "", err
	}
	return name, nil
}

// Read returns the manifest file metas of a list, in order.
func (l *ManifestList) Read(ctx context.Context, name string) ([]*spec.ManifestFileMeta, error) {
	data, err := l.fio.Read(ctx, l.Path(name))
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.CorruptManifest(name, "manifest list is missing")
		}
		return nil, err
	}
	records, err := decodeOCF[avroFileMeta](data)
	if err != nil {
		return nil, errs.WrapCorrupt(err, name)
	}
	out := make([]*spec.ManifestFileMeta, len(records))
	for i := range records {
		m := fromAvroFileMeta(&records[i])
		if m.FileName == "" || m.NumAddedFiles < 0 || m.NumDeletedFiles < 0 {
			return nil, errs.CorruptManifest(name, "entry %d is malformed", i)
		}
		out[i] = m
	}
	return out, nil
}

// Delete removes a manifest list. A missing list is not an error.
func (l *ManifestList) Delete(ctx context.Context, name string) error {
	err := l.fio.Delete(ctx, l.Path(name))
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	return err
}
