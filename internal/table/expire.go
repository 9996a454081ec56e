package table

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/freeeve/lakehouse/internal/errs"
	"github.com/freeeve/lakehouse/internal/fileio"
	"github.com/freeeve/lakehouse/internal/manifest"
	"github.com/freeeve/lakehouse/internal/schema"
	"github.com/freeeve/lakehouse/internal/snapshot"
	"github.com/freeeve/lakehouse/internal/spec"
)

// ExpireResult counts what an expiration removed.
type ExpireResult struct {
	Snapshots     int `json:"snapshots"`
	DataFiles     int `json:"data_files"`
	ManifestFiles int `json:"manifest_files"`
}

// ExpireSnapshots drops old snapshots and every file only they reference.
// The newest snapshot.num-retained.min snapshots are always kept, snapshots
// beyond snapshot.num-retained.max are always dropped, and in between a
// snapshot is dropped once it is older than snapshot.time-retained.
func (t *Table) ExpireSnapshots(ctx context.Context) (ExpireResult, error) {
	var res ExpireResult
	latest, err := t.snapshots.LatestID(ctx)
	if err != nil || latest == 0 {
		return res, err
	}
	earliest, err := t.snapshots.EarliestID(ctx)
	if err != nil {
		return res, err
	}
	opts := t.Options()
	hi := latest - int64(max(opts.SnapshotNumRetainedMin, 1)) + 1
	end := min(max(latest-int64(max(opts.SnapshotNumRetainedMax, 1))+1, earliest), hi)
	cutoff := time.Now().Add(-opts.SnapshotTimeRetained).UnixMilli()
	for ; end < hi; end++ {
		s, err := t.snapshots.Get(ctx, end)
		if err != nil {
			return res, err
		}
		if s.TimeMillis > cutoff {
			break
		}
	}
	if end <= earliest {
		return res, nil
	}
	return t.expireUntil(ctx, earliest, latest, end)
}

// expireUntil drops snapshots earliest..end-1.
func (t *Table) expireUntil(ctx context.Context, earliest, latest, end int64) (ExpireResult, error) {
	var res ExpireResult
	kept, err := t.snapshots.Get(ctx, end)
	if err != nil {
		return res, err
	}
	live, err := t.liveEntries(ctx, kept, nil)
	if err != nil {
		return res, err
	}
	inUse := make(map[string]bool, len(live))
	for _, e := range live {
		inUse[e.File.Path] = true
	}

	expired := make([]*spec.Snapshot, 0, end-earliest)
	for id := earliest; id < end; id++ {
		s, err := t.snapshots.Get(ctx, id)
		if err != nil {
			if errors.Is(err, errs.ErrSnapshotNotFound) {
				continue // a previous run was interrupted
			}
			return res, err
		}
		expired = append(expired, s)
	}

	// Data files a delta up to the kept snapshot removed are unreachable
	// unless the kept snapshot still has them under another level.
	var dataFiles []string
	seen := make(map[string]bool)
	for id := earliest + 1; id <= end; id++ {
		s := kept
		if id != end {
			if s, err = t.snapshots.Get(ctx, id); err != nil {
				if errors.Is(err, errs.ErrSnapshotNotFound) {
					continue
				}
				return res, err
			}
		}
		entries, err := t.listEntries(ctx, s, s.DeltaManifestList)
		if err != nil {
			return res, err
		}
		for _, e := range entries {
			if e.Kind == spec.EntryDelete && !inUse[e.File.Path] && !seen[e.File.Path] {
				seen[e.File.Path] = true
				dataFiles = append(dataFiles, e.File.Path)
			}
		}
	}
	for _, s := range expired {
		if s.ChangelogManifestList == "" {
			continue
		}
		entries, err := t.listEntries(ctx, s, s.ChangelogManifestList)
		if err != nil {
			return res, err
		}
		for _, e := range entries {
			if !seen[e.File.Path] {
				seen[e.File.Path] = true
				dataFiles = append(dataFiles, e.File.Path)
			}
		}
	}
	res.DataFiles = t.deleteAll(ctx, dataFiles, func(p string) string { return fileio.Join(t.root, p) })

	// Manifests and lists still referenced by a retained snapshot stay.
	refs := manifest.NewRefCounter()
	for id := end; id <= latest; id++ {
		s := kept
		if id != end {
			if s, err = t.snapshots.Get(ctx, id); err != nil {
				return res, err
			}
		}
		if err := t.acquire(ctx, refs, s); err != nil {
			return res, err
		}
	}
	var manifests, lists []string
	for _, s := range expired {
		for _, list := range s.ManifestLists() {
			if refs.Referenced(list) || seen[list] {
				continue
			}
			seen[list] = true
			metas, err := t.lists.Read(ctx, list)
			if err != nil && !errors.Is(err, errs.ErrNotFound) {
				return res, err
			}
			for _, m := range metas {
				if !refs.Referenced(m.FileName) && !seen[m.FileName] {
					seen[m.FileName] = true
					manifests = append(manifests, m.FileName)
				}
			}
			lists = append(lists, list)
		}
	}
	mf := t.manifests(kept.SchemaID)
	res.ManifestFiles = t.deleteAll(ctx, manifests, mf.Path)
	t.deleteAll(ctx, lists, t.lists.Path)
	for _, m := range manifests {
		t.cache.Invalidate(m)
	}

	for _, s := range expired {
		if err := t.snapshots.Delete(ctx, s.ID); err != nil {
			return res, err
		}
		res.Snapshots++
	}
	if err := t.snapshots.CommitEarliestHint(ctx, end); err != nil {
		return res, err
	}
	t.metrics.AddExpired(res.Snapshots, res.DataFiles)
	t.log.Info().
		Int64("from", earliest).
		Int64("to", end-1).
		Int("data_files", res.DataFiles).
		Int("manifests", res.ManifestFiles).
		Msg("expired snapshots")
	return res, nil
}

// listEntries reads the entries of one manifest list of s.
func (t *Table) listEntries(ctx context.Context, s *spec.Snapshot, list string) ([]*spec.ManifestEntry, error) {
	metas, err := t.lists.Read(ctx, list)
	if err != nil {
		return nil, err
	}
	return t.manifests(s.SchemaID).ReadEntries(ctx, metas, nil)
}

// acquire references every manifest list and manifest file of s.
func (t *Table) acquire(ctx context.Context, refs *manifest.RefCounter, s *spec.Snapshot) error {
	for _, list := range s.ManifestLists() {
		refs.Acquire(list)
		metas, err := t.lists.Read(ctx, list)
		if err != nil {
			return err
		}
		for _, m := range metas {
			refs.Acquire(m.FileName)
		}
	}
	return nil
}

// deleteAll deletes names in parallel and returns how many were removed.
// Failures are logged; the files become orphans.
func (t *Table) deleteAll(ctx context.Context, names []string, path func(string) string) int {
	deleted := make([]bool, len(names))
	var g errgroup.Group
	g.SetLimit(max(t.Options().IOMaxConcurrency, 1))
	for i, name := range names {
		g.Go(func() error {
			err := t.fio.Delete(ctx, path(name))
			switch {
			case err == nil:
				deleted[i] = true
			case errors.Is(err, errs.ErrNotFound):
			default:
				t.log.Warn().Err(err).Str("file", name).Msg("delete expired file")
			}
			return nil
		})
	}
	_ = g.Wait()
	n := 0
	for _, d := range deleted {
		if d {
			n++
		}
	}
	return n
}

// RemoveOrphanFiles deletes files below the table root that no retained
// snapshot references and that are older than olderThan. A negative
// olderThan uses orphan-file.older-than. Files of commits still in flight
// are younger than any sane threshold and survive.
func (t *Table) RemoveOrphanFiles(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		olderThan = t.Options().OrphanFileOlderThan
	}
	cutoff := time.Now().Add(-olderThan)
	used, err := t.referencedFiles(ctx)
	if err != nil {
		return 0, err
	}
	files, err := t.fio.List(ctx, t.root)
	if err != nil {
		return 0, err
	}
	var orphans []string
	for _, f := range files {
		rel := fileio.Rel(t.root, f.Path)
		if strings.HasPrefix(rel, snapshot.Dir+"/") || strings.HasPrefix(rel, schema.Dir+"/") {
			continue
		}
		if used[rel] || f.ModTime.After(cutoff) {
			continue
		}
		t.log.Warn().Err(errs.OrphanFile(rel, "not referenced by any snapshot")).Msg("removing orphan file")
		orphans = append(orphans, rel)
	}
	n := t.deleteAll(ctx, orphans, func(p string) string { return fileio.Join(t.root, p) })
	t.metrics.AddOrphansRemoved(n)
	return n, nil
}

// referencedFiles returns the root-relative paths of every manifest list,
// manifest file and data file a retained snapshot references.
func (t *Table) referencedFiles(ctx context.Context) (map[string]bool, error) {
	snaps, err := t.Snapshots(ctx)
	if err != nil {
		return nil, err
	}
	used := make(map[string]bool)
	for _, s := range snaps {
		mf := t.manifests(s.SchemaID)
		for _, list := range s.ManifestLists() {
			if used[fileio.Rel(t.root, t.lists.Path(list))] {
				continue
			}
			used[fileio.Rel(t.root, t.lists.Path(list))] = true
			metas, err := t.lists.Read(ctx, list)
			if err != nil {
				return nil, err
			}
			for _, m := range metas {
				p := fileio.Rel(t.root, mf.Path(m.FileName))
				if used[p] {
					continue
				}
				used[p] = true
				entries, err := mf.Read(ctx, m.FileName)
				if err != nil {
					return nil, err
				}
				for _, e := range entries {
					used[e.File.Path] = true
				}
			}
		}
	}
	return used, nil
}
