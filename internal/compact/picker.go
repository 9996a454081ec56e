// Package compact picks sorted runs of a bucket to merge, rewrites them into
// a higher level and schedules that work in the background.
package compact

import (
	"github.com/freeeve/lakehouse/internal/config"
	"github.com/freeeve/lakehouse/internal/mergetree"
	"github.com/freeeve/lakehouse/internal/spec"
)

// Unit is one picked compaction: the files of the picked runs and the level
// their merged output goes to.
type Unit struct {
	OutputLevel int
	Files       []*spec.DataFileMeta
	Runs        []mergetree.LevelSortedRun
}

// Picker chooses runs to compact. Runs are ordered newest first.
type Picker interface {
	Pick(numLevels int, runs []mergetree.LevelSortedRun) *Unit
}

// UniversalPicker is size-tiered: it prefers a full compaction when the
// newer runs dwarf the oldest one, then the smallest run of newest runs whose
// sizes are within the size ratio of each other, and finally forces a pick
// when the run count exceeds the trigger.
type UniversalPicker struct {
	MaxSizeAmp int // percent
	SizeRatio  int // percent
	Trigger    int // sorted runs
}

// NewUniversalPicker reads the picker knobs from table options.
func NewUniversalPicker(opts config.Options) *UniversalPicker {
	return &UniversalPicker{
		MaxSizeAmp: opts.MaxSizeAmplificationPercent,
		SizeRatio:  opts.SizeRatio,
		Trigger:    opts.CompactionTrigger,
	}
}

// Pick returns the unit to compact, or nil.
func (p *UniversalPicker) Pick(numLevels int, runs []mergetree.LevelSortedRun) *Unit {
	maxLevel := numLevels - 1

	if u := p.pickForSizeAmp(maxLevel, runs); u != nil {
		return u
	}
	if u := p.pickForSizeRatio(maxLevel, runs); u != nil {
		return u
	}
	if len(runs) > p.Trigger {
		// Too many runs: merge the newest ones down to the trigger.
		return p.pickSizeRatio(maxLevel, runs, len(runs)-p.Trigger+1, true)
	}
	return nil
}

func (p *UniversalPicker) pickForSizeAmp(maxLevel int, runs []mergetree.LevelSortedRun) *Unit {
	if len(runs) < p.Trigger {
		return nil
	}
	var candidate int64
	for _, r := range runs[:len(runs)-1] {
		candidate += r.Run.TotalSize()
	}
	earliest := runs[len(runs)-1].Run.TotalSize()
	if candidate*100 > int64(p.MaxSizeAmp)*earliest {
		return newUnit(maxLevel, runs)
	}
	return nil
}

func (p *UniversalPicker) pickForSizeRatio(maxLevel int, runs []mergetree.LevelSortedRun) *Unit {
	if len(runs) < p.Trigger {
		return nil
	}
	return p.pickSizeRatio(maxLevel, runs, 1, false)
}

func (p *UniversalPicker) pickSizeRatio(maxLevel int, runs []mergetree.LevelSortedRun, count int, force bool) *Unit {
	var candidate int64
	for _, r := range runs[:count] {
		candidate += r.Run.TotalSize()
	}
	for _, next := range runs[count:] {
		if candidate*int64(100+p.SizeRatio)/100 < next.Run.TotalSize() {
			break
		}
		candidate += next.Run.TotalSize()
		count++
	}
	if force || count > 1 {
		return createUnit(runs, maxLevel, count)
	}
	return nil
}

// createUnit picks the first count runs. Output goes just below the next
// run's level so the result stays above it; it never goes to level 0.
func createUnit(runs []mergetree.LevelSortedRun, maxLevel, count int) *Unit {
	var outputLevel int
	if count == len(runs) {
		outputLevel = maxLevel
	} else {
		outputLevel = max(0, runs[count].Level-1)
	}
	if outputLevel == 0 {
		for _, next := range runs[count:] {
			count++
			if next.Level != 0 {
				outputLevel = next.Level
				break
			}
		}
	}
	if count == len(runs) {
		outputLevel = maxLevel
	}
	return newUnit(outputLevel, runs[:count])
}

func newUnit(outputLevel int, runs []mergetree.LevelSortedRun) *Unit {
	u := &Unit{OutputLevel: outputLevel, Runs: runs}
	for _, r := range runs {
		u.Files = append(u.Files, r.Run.Files()...)
	}
	return u
}

// FullUnit picks every run into the max level. It returns nil when the bucket
// already is one run at the max level with nothing left to drop.
func FullUnit(numLevels int, runs []mergetree.LevelSortedRun) *Unit {
	maxLevel := numLevels - 1
	if len(runs) == 0 {
		return nil
	}
	if len(runs) == 1 && runs[0].Level == maxLevel {
		var deletes int64
		for _, f := range runs[0].Run.Files() {
			deletes += f.DeleteRowCount
		}
		if deletes == 0 {
			return nil
		}
	}
	return newUnit(maxLevel, runs)
}
