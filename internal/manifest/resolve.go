package manifest

import (
	"cmp"
	"context"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/freeeve/lakehouse/internal/errs"
	"github.com/freeeve/lakehouse/internal/spec"
)

// readConcurrency bounds parallel manifest file reads of one resolve.
const readConcurrency = 8

// ReadEntries returns the entries of metas in list order, skipping manifest
// files whose partition stats cannot match filter. filter may be nil.
func (m *ManifestFile) ReadEntries(ctx context.Context, metas []*spec.ManifestFileMeta, filter spec.PartitionFilter) ([]*spec.ManifestEntry, error) {
	parts := make([][]*spec.ManifestEntry, len(metas))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(readConcurrency)
	for i, meta := range metas {
		if filter != nil && !filter.MayMatch(meta.PartitionStats.MinValues, meta.PartitionStats.MaxValues) {
			continue
		}
		g.Go(func() error {
			entries, err := m.Read(gctx, meta.FileName)
			if err != nil {
				return err
			}
			if filter != nil {
				kept := make([]*spec.ManifestEntry, 0, len(entries))
				for _, e := range entries {
					if filter.Match(e.Partition) {
						kept = append(kept, e)
					}
				}
				entries = kept
			}
			parts[i] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []*spec.ManifestEntry
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

// Resolve replays metas in order and returns the live files as ADD entries,
// sorted by partition, bucket, level and file name. Adding a live file twice
// or deleting a file that is not live is a corrupt manifest.
func (m *ManifestFile) Resolve(ctx context.Context, metas []*spec.ManifestFileMeta, filter spec.PartitionFilter) ([]*spec.ManifestEntry, error) {
	entries, err := m.ReadEntries(ctx, metas, filter)
	if err != nil {
		return nil, err
	}
	return Replay(entries)
}

// Replay applies entries in order to an empty live set.
func Replay(entries []*spec.ManifestEntry) ([]*spec.ManifestEntry, error) {
	live := make(map[spec.Identifier]*spec.ManifestEntry, len(entries))
	for _, e := range entries {
		id := e.Identifier()
		switch e.Kind {
		case spec.EntryAdd:
			if _, ok := live[id]; ok {
				return nil, errs.CorruptManifest(e.File.FileName, "file %s added twice", id)
			}
			live[id] = e
		case spec.EntryDelete:
			if _, ok := live[id]; !ok {
				return nil, errs.CorruptManifest(e.File.FileName, "delete of file %s that is not live", id)
			}
			delete(live, id)
		}
	}
	out := make([]*spec.ManifestEntry, 0, len(live))
	for _, e := range live {
		out = append(out, e)
	}
	SortEntries(out)
	return out, nil
}

// SortEntries orders entries by partition, bucket, level and file name.
func SortEntries(entries []*spec.ManifestEntry) {
	slices.SortFunc(entries, func(a, b *spec.ManifestEntry) int {
		return cmp.Or(
			cmp.Compare(string(a.Partition), string(b.Partition)),
			cmp.Compare(a.Bucket, b.Bucket),
			cmp.Compare(a.File.Level, b.File.Level),
			cmp.Compare(a.File.FileName, b.File.FileName),
		)
	})
}

// MergeBase returns the base manifest list of the next snapshot: base
// followed by delta. When that reaches minCount manifest files, the live set
// is rewritten as compacted ADD-only manifests. written lists the manifest
// files created, so a caller that abandons the result can delete them.
func (m *ManifestFile) MergeBase(ctx context.Context, base, delta []*spec.ManifestFileMeta, minCount int) (merged, written []*spec.ManifestFileMeta, err error) {
	merged = make([]*spec.ManifestFileMeta, 0, len(base)+len(delta))
	merged = append(merged, base...)
	merged = append(merged, delta...)
	if minCount <= 0 || len(merged) < minCount {
		return merged, nil, nil
	}
	live, err := m.Resolve(ctx, merged, nil)
	if err != nil {
		return nil, nil, err
	}
	written, err = m.Write(ctx, live)
	if err != nil {
		for _, w := range written {
			_ = m.Delete(context.WithoutCancel(ctx), w.FileName)
		}
		return nil, nil, err
	}
	return written, written, nil
}
