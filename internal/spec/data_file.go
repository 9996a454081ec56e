package spec

import (
	"bytes"
	"fmt"
	"time"
)

// FileSource records why a data file was written.
type FileSource uint8

const (
	FileSourceAppend FileSource = iota
	FileSourceCompact
)

func (s FileSource) String() string {
	if s == FileSourceCompact {
		return "compact"
	}
	return "append"
}

// FileKind separates merge-tree data files from changelog files.
type FileKind uint8

const (
	FileKindData FileKind = iota
	FileKindChangelog
)

func (k FileKind) String() string {
	if k == FileKindChangelog {
		return "changelog"
	}
	return "data"
}

// DataFileMeta describes one immutable file. Path is relative to the table root.
type DataFileMeta struct {
	FileName       string
	Path           string
	FileSize       int64
	RowCount       int64
	MinKey         []byte
	MaxKey         []byte
	MinSeq         int64
	MaxSeq         int64
	SchemaID       int64
	Level          int
	CreationTime   time.Time
	DeleteRowCount int64
	Source         FileSource
	Kind           FileKind
	// EmbeddedIndex is the file's encoded key index, nil when it has none.
	EmbeddedIndex []byte
}

// OverlapsKeys reports whether the file's key range intersects [min, max].
func (f *DataFileMeta) OverlapsKeys(min, max []byte) bool {
	return bytes.Compare(f.MinKey, max) <= 0 && bytes.Compare(min, f.MaxKey) <= 0
}

func (f *DataFileMeta) String() string {
	return fmt.Sprintf("{%s, level=%d, rows=%d, seq=[%d,%d], size=%d}",
		f.FileName, f.Level, f.RowCount, f.MinSeq, f.MaxSeq, f.FileSize)
}

// Upgrade returns a copy placed at level.
func (f DataFileMeta) Upgrade(level int) *DataFileMeta {
	f.Level = level
	return &f
}

// TotalFileSize sums file sizes.
func TotalFileSize(files []*DataFileMeta) int64 {
	var n int64
	for _, f := range files {
		n += f.FileSize
	}
	return n
}

// TotalRowCount sums row counts.
func TotalRowCount(files []*DataFileMeta) int64 {
	var n int64
	for _, f := range files {
		n += f.RowCount
	}
	return n
}
