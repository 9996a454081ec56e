// Package mergetree is the per-bucket LSM: a write buffer, level-0 files that
// may overlap, and key-disjoint sorted runs at levels 1 and above.
package mergetree

import (
	"bytes"
	"cmp"
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/freeeve/lakehouse/internal/spec"
)

// SortedRun is a key-ordered list of files whose key ranges do not overlap.
type SortedRun struct {
	files []*spec.DataFileMeta
}

// NewSortedRun sorts files by min key and checks they are key-disjoint.
func NewSortedRun(files []*spec.DataFileMeta) (SortedRun, error) {
	files = slices.Clone(files)
	slices.SortFunc(files, func(a, b *spec.DataFileMeta) int {
		return bytes.Compare(a.MinKey, b.MinKey)
	})
	run := SortedRun{files: files}
	if err := run.Validate(); err != nil {
		return SortedRun{}, err
	}
	return run, nil
}

// SingleRun wraps one file.
func SingleRun(f *spec.DataFileMeta) SortedRun {
	return SortedRun{files: []*spec.DataFileMeta{f}}
}

// Files returns the files in key order. Callers must not modify the slice.
func (r SortedRun) Files() []*spec.DataFileMeta { return r.files }

// IsEmpty reports whether the run has no files.
func (r SortedRun) IsEmpty() bool { return len(r.files) == 0 }

// TotalSize sums the file sizes of the run.
func (r SortedRun) TotalSize() int64 { return spec.TotalFileSize(r.files) }

// Validate checks that files are ordered and key-disjoint.
func (r SortedRun) Validate() error {
	for i := 1; i < len(r.files); i++ {
		prev, cur := r.files[i-1], r.files[i]
		if bytes.Compare(prev.MaxKey, cur.MinKey) >= 0 {
			return errors.AssertionFailedf("sorted run overlaps: %s max %x >= %s min %x",
				prev.FileName, prev.MaxKey, cur.FileName, cur.MinKey)
		}
	}
	return nil
}

// LevelSortedRun is a sorted run tagged with its level.
type LevelSortedRun struct {
	Level int
	Run   SortedRun
}

// Levels holds the files of one bucket. Level 0 files are kept newest first;
// every higher level is a single sorted run. Levels is not safe for
// concurrent use; the bucket writer guards it.
type Levels struct {
	level0 []*spec.DataFileMeta
	levels []SortedRun // levels[i] is level i+1
}

// NewLevels places files into numLevels levels.
func NewLevels(numLevels int, files []*spec.DataFileMeta) (*Levels, error) {
	if numLevels < 2 {
		return nil, errors.Newf("need at least 2 levels, got %d", numLevels)
	}
	l := &Levels{levels: make([]SortedRun, numLevels-1)}
	byLevel := make(map[int][]*spec.DataFileMeta)
	for _, f := range files {
		if f.Level < 0 || f.Level >= numLevels {
			return nil, errors.Newf("file %s level %d outside [0,%d)", f.FileName, f.Level, numLevels)
		}
		if f.Level == 0 {
			l.level0 = append(l.level0, f)
			continue
		}
		byLevel[f.Level] = append(byLevel[f.Level], f)
	}
	sortLevel0(l.level0)
	for level, fs := range byLevel {
		run, err := NewSortedRun(fs)
		if err != nil {
			return nil, errors.Wrapf(err, "level %d", level)
		}
		l.levels[level-1] = run
	}
	return l, nil
}

// RestoreLevels places committed files into at least numLevels levels. A
// bucket compacted before num-levels shrank keeps files above the new
// maximum; its levels grow to hold them.
func RestoreLevels(numLevels int, files []*spec.DataFileMeta) (*Levels, error) {
	for _, f := range files {
		numLevels = max(numLevels, f.Level+1)
	}
	return NewLevels(numLevels, files)
}

// sortLevel0 orders newest first: by max sequence number, then file name for
// a stable order.
func sortLevel0(files []*spec.DataFileMeta) {
	slices.SortFunc(files, func(a, b *spec.DataFileMeta) int {
		return cmp.Or(
			cmp.Compare(b.MaxSeq, a.MaxSeq),
			cmp.Compare(b.FileName, a.FileName),
		)
	})
}

// NumberOfLevels includes level 0.
func (l *Levels) NumberOfLevels() int { return len(l.levels) + 1 }

// MaxLevel is the highest level number.
func (l *Levels) MaxLevel() int { return len(l.levels) }

// Level0 returns the level-0 files, newest first.
func (l *Levels) Level0() []*spec.DataFileMeta { return l.level0 }

// RunOfLevel returns the sorted run of level >= 1.
func (l *Levels) RunOfLevel(level int) SortedRun { return l.levels[level-1] }

// AddLevel0File adds a freshly flushed file.
func (l *Levels) AddLevel0File(f *spec.DataFileMeta) {
	l.level0 = append(l.level0, f)
	sortLevel0(l.level0)
}

// Update replaces before with after. Files in after go to the level recorded
// in their meta.
func (l *Levels) Update(before, after []*spec.DataFileMeta) error {
	gone := make(map[string]map[int]bool, len(before))
	for _, f := range before {
		if gone[f.FileName] == nil {
			gone[f.FileName] = make(map[int]bool)
		}
		gone[f.FileName][f.Level] = true
	}
	removed := func(f *spec.DataFileMeta) bool { return gone[f.FileName][f.Level] }

	l.level0 = slices.DeleteFunc(slices.Clone(l.level0), removed)
	perLevel := make([][]*spec.DataFileMeta, len(l.levels))
	for i, run := range l.levels {
		perLevel[i] = slices.DeleteFunc(slices.Clone(run.files), removed)
	}
	for _, f := range after {
		switch {
		case f.Level == 0:
			l.level0 = append(l.level0, f)
		case f.Level < 0 || f.Level > len(l.levels):
			return errors.Newf("file %s level %d outside [0,%d]", f.FileName, f.Level, len(l.levels))
		default:
			perLevel[f.Level-1] = append(perLevel[f.Level-1], f)
		}
	}
	sortLevel0(l.level0)
	for i, fs := range perLevel {
		run, err := NewSortedRun(fs)
		if err != nil {
			return errors.Wrapf(err, "level %d", i+1)
		}
		l.levels[i] = run
	}
	return nil
}

// LevelSortedRuns returns every sorted run, newest first: each level-0 file
// is its own run, followed by the non-empty levels in ascending order.
func (l *Levels) LevelSortedRuns() []LevelSortedRun {
	runs := make([]LevelSortedRun, 0, len(l.level0)+len(l.levels))
	for _, f := range l.level0 {
		runs = append(runs, LevelSortedRun{Level: 0, Run: SingleRun(f)})
	}
	for i, run := range l.levels {
		if !run.IsEmpty() {
			runs = append(runs, LevelSortedRun{Level: i + 1, Run: run})
		}
	}
	return runs
}

// NumberOfSortedRuns counts level-0 files plus non-empty levels.
func (l *Levels) NumberOfSortedRuns() int {
	n := len(l.level0)
	for _, run := range l.levels {
		if !run.IsEmpty() {
			n++
		}
	}
	return n
}

// NonEmptyHighestLevel returns the highest level holding files, or -1.
func (l *Levels) NonEmptyHighestLevel() int {
	for i := len(l.levels) - 1; i >= 0; i-- {
		if !l.levels[i].IsEmpty() {
			return i + 1
		}
	}
	if len(l.level0) > 0 {
		return 0
	}
	return -1
}

// MaxSequenceNumber returns the highest sequence number in any file, or 0.
func (l *Levels) MaxSequenceNumber() int64 {
	var seq int64
	for _, f := range l.AllFiles() {
		seq = max(seq, f.MaxSeq)
	}
	return seq
}

// AllFiles returns every file, level 0 first.
func (l *Levels) AllFiles() []*spec.DataFileMeta {
	var out []*spec.DataFileMeta
	for _, run := range l.LevelSortedRuns() {
		out = append(out, run.Run.files...)
	}
	return out
}

// TotalFileSize sums the size of every file.
func (l *Levels) TotalFileSize() int64 {
	return spec.TotalFileSize(l.AllFiles())
}
