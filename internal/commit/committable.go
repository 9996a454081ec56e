// Package commit publishes writer increments as snapshots with optimistic
// concurrency: build the next snapshot from the latest one, then claim its id
// with create-if-absent and retry on conflict.
package commit

import (
	"maps"
	"slices"

	"github.com/freeeve/lakehouse/internal/mergetree"
	"github.com/freeeve/lakehouse/internal/spec"
)

// Committable is the pending commit of one writer: every bucket increment it
// prepared under one commit identifier. Identifiers of a commit user increase
// with every commit; a committable whose identifier is already in the
// snapshot history is not committed again.
type Committable struct {
	Identifier int64
	Watermark  *int64
	LogOffsets map[int32]int64
	Increments []*mergetree.CommitIncrement
}

// IsEmpty reports whether no increment carries a file.
func (c *Committable) IsEmpty() bool {
	for _, inc := range c.Increments {
		if !inc.IsEmpty() {
			return false
		}
	}
	return true
}

type changes struct {
	newFiles      []*spec.ManifestEntry
	changelog     []*spec.ManifestEntry
	compactBefore []*spec.ManifestEntry
	compactAfter  []*spec.ManifestEntry
}

func (c *Committable) changes() changes {
	var ch changes
	for _, inc := range c.Increments {
		ch.newFiles = append(ch.newFiles, inc.Entries(inc.NewFiles)...)
		ch.changelog = append(ch.changelog, inc.Entries(inc.Changelog)...)
		ch.compactBefore = append(ch.compactBefore, inc.Entries(inc.CompactBefore)...)
		ch.compactAfter = append(ch.compactAfter, inc.Entries(inc.CompactAfter)...)
	}
	return ch
}

// compactOutputs returns the files the committable's compactions wrote.
func (c *Committable) compactOutputs() []*spec.DataFileMeta {
	var out []*spec.DataFileMeta
	for _, inc := range c.Increments {
		out = append(out, mergetree.CompactOutputs(inc.CompactBefore, inc.CompactAfter)...)
	}
	return out
}

// uncommitted returns every file the committable created.
func (c *Committable) uncommitted() []*spec.DataFileMeta {
	var out []*spec.DataFileMeta
	for _, inc := range c.Increments {
		out = append(out, mergetree.UncommittedFiles(inc)...)
	}
	return out
}

// Merge folds several committables with the same identifier into one.
func Merge(cs ...*Committable) *Committable {
	if len(cs) == 1 {
		return cs[0]
	}
	out := &Committable{LogOffsets: map[int32]int64{}}
	for _, c := range cs {
		out.Identifier = max(out.Identifier, c.Identifier)
		out.Watermark = maxWatermark(out.Watermark, c.Watermark)
		maps.Copy(out.LogOffsets, c.LogOffsets)
		out.Increments = append(out.Increments, c.Increments...)
	}
	return out
}

// sortByIdentifier groups committables by identifier, ascending.
func sortByIdentifier(cs []*Committable) []*Committable {
	byID := map[int64][]*Committable{}
	for _, c := range cs {
		byID[c.Identifier] = append(byID[c.Identifier], c)
	}
	ids := slices.Sorted(maps.Keys(byID))
	out := make([]*Committable, len(ids))
	for i, id := range ids {
		out[i] = Merge(byID[id]...)
	}
	return out
}

func maxWatermark(a, b *int64) *int64 {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *b > *a:
		return b
	}
	return a
}
