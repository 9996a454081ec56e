// Package snapshot stores snapshot files and the LATEST/EARLIEST hints.
//
// Snapshot ids are gap free. A snapshot exists once its file exists; the
// hints only speed up discovery and may lag behind the files.
package snapshot

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/freeeve/lakehouse/internal/errs"
	"github.com/freeeve/lakehouse/internal/fileio"
	"github.com/freeeve/lakehouse/internal/spec"
)

const (
	// Dir is the snapshot directory below the table root.
	Dir = "snapshot"

	filePrefix   = "snapshot-"
	latestHint   = "LATEST"
	earliestHint = "EARLIEST"
)

// Manager reads and creates snapshots of one table.
type Manager struct {
	fio  fileio.FileIO
	root string

	// latest is the highest id this instance has seen. It only seeds the
	// forward scan in LatestID and is never trusted for a commit.
	latest atomic.Int64
}

// NewManager creates a snapshot manager for the table at root.
func NewManager(fio fileio.FileIO, root string) *Manager {
	return &Manager{fio: fio, root: root}
}

// Path returns the snapshot file path of id.
func (m *Manager) Path(id int64) string {
	return fileio.Join(m.root, Dir, filePrefix+strconv.FormatInt(id, 10))
}

func (m *Manager) hintPath(name string) string {
	return fileio.Join(m.root, Dir, name)
}

// Exists reports whether snapshot id exists.
func (m *Manager) Exists(ctx context.Context, id int64) (bool, error) {
	return m.fio.Exists(ctx, m.Path(id))
}

// Get reads snapshot id.
func (m *Manager) Get(ctx context.Context, id int64) (*spec.Snapshot, error) {
	data, err := m.fio.Read(ctx, m.Path(id))
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.SnapshotNotFound(id)
		}
		return nil, err
	}
	s, err := spec.UnmarshalSnapshot(data)
	if err != nil {
		return nil, errors.Wrapf(err, "snapshot %d", id)
	}
	if s.ID != id {
		return nil, errors.Newf("snapshot file %d holds id %d", id, s.ID)
	}
	return s, nil
}

// LatestID returns the id of the newest snapshot, or 0 for an empty table.
// It starts from the LATEST hint or the cached id, whichever is higher, and
// scans forward until the next id does not exist.
func (m *Manager) LatestID(ctx context.Context) (int64, error) {
	start := m.latest.Load()
	if hint, ok, err := m.readHint(ctx, latestHint); err != nil {
		return 0, err
	} else if ok && hint > start {
		start = hint
	}
	if start == 0 {
		ids, err := m.List(ctx)
		if err != nil {
			return 0, err
		}
		if len(ids) > 0 {
			start = ids[len(ids)-1]
		}
	}
	id := start
	for {
		ok, err := m.Exists(ctx, id+1)
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		id++
	}
	m.observe(id)
	return id, nil
}

// Latest returns the newest snapshot, or nil for an empty table.
func (m *Manager) Latest(ctx context.Context) (*spec.Snapshot, error) {
	id, err := m.LatestID(ctx)
	if err != nil || id == 0 {
		return nil, err
	}
	return m.Get(ctx, id)
}

// EarliestID returns the id of the oldest retained snapshot, or 0 for an
// empty table. Expiration deletes snapshots oldest first, so the EARLIEST
// hint can only be too low.
func (m *Manager) EarliestID(ctx context.Context) (int64, error) {
	hint, ok, err := m.readHint(ctx, earliestHint)
	if err != nil {
		return 0, err
	}
	if !ok {
		ids, err := m.List(ctx)
		if err != nil || len(ids) == 0 {
			return 0, err
		}
		hint = ids[0]
	}
	latest, err := m.LatestID(ctx)
	if err != nil || latest == 0 {
		return 0, err
	}
	for id := max(hint, 1); id <= latest; id++ {
		ok, err := m.Exists(ctx, id)
		if err != nil {
			return 0, err
		}
		if ok {
			return id, nil
		}
	}
	return latest, nil
}

// TryCreate publishes snap with create-if-absent. It returns an error marked
// errs.ErrAlreadyExists when another commit took the id first.
func (m *Manager) TryCreate(ctx context.Context, snap *spec.Snapshot) error {
	data, err := snap.Marshal()
	if err != nil {
		return errors.Wrap(err, "encode snapshot")
	}
	if err := m.fio.CreateIfAbsent(ctx, m.Path(snap.ID), data); err != nil {
		return err
	}
	m.observe(snap.ID)
	return nil
}

// CommitLatestHint records id in the LATEST hint.
func (m *Manager) CommitLatestHint(ctx context.Context, id int64) error {
	return m.fio.Overwrite(ctx, m.hintPath(latestHint), []byte(strconv.FormatInt(id, 10)))
}

// CommitEarliestHint records id in the EARLIEST hint.
func (m *Manager) CommitEarliestHint(ctx context.Context, id int64) error {
	return m.fio.Overwrite(ctx, m.hintPath(earliestHint), []byte(strconv.FormatInt(id, 10)))
}

// List returns the ids of all snapshot files, ascending. Listing may be stale.
func (m *Manager) List(ctx context.Context) ([]int64, error) {
	files, err := m.fio.List(ctx, fileio.Join(m.root, Dir))
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, f := range files {
		name := fileio.Base(f.Path)
		if !strings.HasPrefix(name, filePrefix) {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimPrefix(name, filePrefix), 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// Range reads snapshots from..to inclusive. Missing ids are an error.
func (m *Manager) Range(ctx context.Context, from, to int64) ([]*spec.Snapshot, error) {
	var out []*spec.Snapshot
	for id := from; id <= to; id++ {
		s, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Delete removes snapshot id. A missing snapshot is not an error.
func (m *Manager) Delete(ctx context.Context, id int64) error {
	err := m.fio.Delete(ctx, m.Path(id))
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	return err
}

func (m *Manager) observe(id int64) {
	for {
		cur := m.latest.Load()
		if id <= cur || m.latest.CompareAndSwap(cur, id) {
			return
		}
	}
}

func (m *Manager) readHint(ctx context.Context, name string) (int64, bool, error) {
	data, err := m.fio.Read(ctx, m.hintPath(name))
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	id, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || id < 0 {
		// A torn or garbled hint is ignored; the forward scan recovers.
		return 0, false, nil
	}
	return id, true, nil
}
