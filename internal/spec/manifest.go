package spec

import (
	"fmt"
)

// EntryKind is ADD or DELETE.
type EntryKind uint8

const (
	EntryAdd EntryKind = iota
	EntryDelete
)

func (k EntryKind) String() string {
	if k == EntryDelete {
		return "DELETE"
	}
	return "ADD"
}

// ManifestEntry adds or removes one file from the live set.
type ManifestEntry struct {
	Kind         EntryKind
	Partition    []byte
	Bucket       int
	TotalBuckets int
	File         *DataFileMeta
}

// Identifier uniquely names a file within a table.
type Identifier struct {
	Partition string
	Bucket    int
	Level     int
	FileName  string
}

func (id Identifier) String() string {
	return fmt.Sprintf("{%x, bucket=%d, level=%d, %s}", id.Partition, id.Bucket, id.Level, id.FileName)
}

// Identifier returns the entry's file identity.
func (e *ManifestEntry) Identifier() Identifier {
	return Identifier{
		Partition: string(e.Partition),
		Bucket:    e.Bucket,
		Level:     e.File.Level,
		FileName:  e.File.FileName,
	}
}

// BucketKey names the (partition, bucket) pair the entry belongs to.
func (e *ManifestEntry) BucketKey() BucketKey {
	return BucketKey{Partition: string(e.Partition), Bucket: e.Bucket}
}

// BucketKey identifies one bucket of one partition.
type BucketKey struct {
	Partition string
	Bucket    int
}

// NewEntry builds an entry for file.
func NewEntry(kind EntryKind, partition []byte, bucket, totalBuckets int, file *DataFileMeta) *ManifestEntry {
	return &ManifestEntry{
		Kind:         kind,
		Partition:    partition,
		Bucket:       bucket,
		TotalBuckets: totalBuckets,
		File:         file,
	}
}

// BinaryTableStats holds min/max encoded partition values of a manifest file.
type BinaryTableStats struct {
	MinValues  []byte
	MaxValues  []byte
	NullCounts []int64
}

// ManifestFileMeta summarizes a manifest file for the manifest list.
type ManifestFileMeta struct {
	FileName        string
	FileSize        int64
	NumAddedFiles   int64
	NumDeletedFiles int64
	PartitionStats  BinaryTableStats
	SchemaID        int64
}

func (m *ManifestFileMeta) String() string {
	return fmt.Sprintf("{%s, size=%d, added=%d, deleted=%d, schema=%d}",
		m.FileName, m.FileSize, m.NumAddedFiles, m.NumDeletedFiles, m.SchemaID)
}
