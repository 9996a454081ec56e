package compact

import (
	"context"

	"github.com/freeeve/lakehouse/internal/merge"
	"github.com/freeeve/lakehouse/internal/mergetree"
	"github.com/freeeve/lakehouse/internal/spec"
)

// Rewriter executes a unit against the run store of its bucket.
type Rewriter struct {
	store         *mergetree.RunStore
	retainHistory bool
	maxLevel      int
}

// NewRewriter creates a rewriter. retainHistory is false only for tables
// that keep the newest version of a key alone.
func NewRewriter(store *mergetree.RunStore, retainHistory bool, numLevels int) *Rewriter {
	return &Rewriter{store: store, retainHistory: retainHistory, maxLevel: numLevels - 1}
}

// DropDelete reports whether a unit writing to outputLevel holds the oldest
// data of the bucket, so retractions left at the head of a key can go.
func DropDelete(outputLevel int, levels *mergetree.Levels) bool {
	return outputLevel != 0 && outputLevel >= levels.NonEmptyHighestLevel()
}

// Rewrite merges the unit's runs into new files at the output level. A unit
// of one file is moved up a level without rewriting, unless it lands in the
// max level still carrying retractions.
func (r *Rewriter) Rewrite(ctx context.Context, u *Unit, dropDelete bool) (*mergetree.CompactResult, error) {
	if len(u.Files) == 1 {
		f := u.Files[0]
		if f.Level == u.OutputLevel {
			return &mergetree.CompactResult{}, nil
		}
		if u.OutputLevel != r.maxLevel || f.DeleteRowCount == 0 {
			return &mergetree.CompactResult{
				Before: []*spec.DataFileMeta{f},
				After:  []*spec.DataFileMeta{f.Upgrade(u.OutputLevel)},
			}, nil
		}
	}

	iters := r.store.OpenMergeView(ctx, u.Runs, nil)
	it := merge.NewCompactionIterator(merge.NewMergeIterator(iters), r.retainHistory, dropDelete)
	after, err := r.store.WriteRuns(ctx, it, u.OutputLevel)
	if err != nil {
		return nil, err
	}
	return &mergetree.CompactResult{Before: u.Files, After: after}, nil
}
