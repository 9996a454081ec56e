package manifest

import (
	"time"

	"github.com/freeeve/lakehouse/internal/spec"
)

const entrySchemaJSON = `{
  "type": "record",
  "name": "ManifestEntry",
  "namespace": "lakehouse.manifest",
  "fields": [
    {"name": "kind", "type": "int"},
    {"name": "partition", "type": "bytes"},
    {"name": "bucket", "type": "int"},
    {"name": "total_buckets", "type": "int"},
    {"name": "file", "type": {
      "type": "record",
      "name": "DataFileMeta",
      "fields": [
        {"name": "file_name", "type": "string"},
        {"name": "path", "type": "string"},
        {"name": "file_size", "type": "long"},
        {"name": "row_count", "type": "long"},
        {"name": "min_key", "type": "bytes"},
        {"name": "max_key", "type": "bytes"},
        {"name": "min_seq", "type": "long"},
        {"name": "max_seq", "type": "long"},
        {"name": "schema_id", "type": "long"},
        {"name": "level", "type": "int"},
        {"name": "creation_time", "type": "long"},
        {"name": "delete_row_count", "type": "long"},
        {"name": "source", "type": "int"},
        {"name": "file_kind", "type": "int"},
        {"name": "embedded_index", "type": "bytes", "default": ""}
      ]
    }}
  ]
}`

const fileMetaSchemaJSON = `{
  "type": "record",
  "name": "ManifestFileMeta",
  "namespace": "lakehouse.manifest",
  "fields": [
    {"name": "file_name", "type": "string"},
    {"name": "file_size", "type": "long"},
    {"name": "num_added_files", "type": "long"},
    {"name": "num_deleted_files", "type": "long"},
    {"name": "partition_stats", "type": {
      "type": "record",
      "name": "BinaryTableStats",
      "fields": [
        {"name": "min_values", "type": "bytes"},
        {"name": "max_values", "type": "bytes"},
        {"name": "null_counts", "type": {"type": "array", "items": "long"}}
      ]
    }},
    {"name": "schema_id", "type": "long"}
  ]
}`

type avroDataFile struct {
	FileName       string `avro:"file_name"`
	Path           string `avro:"path"`
	FileSize       int64  `avro:"file_size"`
	RowCount       int64  `avro:"row_count"`
	MinKey         []byte `avro:"min_key"`
	MaxKey         []byte `avro:"max_key"`
	MinSeq         int64  `avro:"min_seq"`
	MaxSeq         int64  `avro:"max_seq"`
	SchemaID       int64  `avro:"schema_id"`
	Level          int32  `avro:"level"`
	CreationTime   int64  `avro:"creation_time"`
	DeleteRowCount int64  `avro:"delete_row_count"`
	Source         int32  `avro:"source"`
	FileKind       int32  `avro:"file_kind"`
	EmbeddedIndex  []byte `avro:"embedded_index"`
}

type avroEntry struct {
	Kind         int32        `avro:"kind"`
	Partition    []byte       `avro:"partition"`
	Bucket       int32        `avro:"bucket"`
	TotalBuckets int32        `avro:"total_buckets"`
	File         avroDataFile `avro:"file"`
}

type avroStats struct {
	MinValues  []byte  `avro:"min_values"`
	MaxValues  []byte  `avro:"max_values"`
	NullCounts []int64 `avro:"null_counts"`
}

type avroFileMeta struct {
	FileName        string    `avro:"file_name"`
	FileSize        int64     `avro:"file_size"`
	NumAddedFiles   int64     `avro:"num_added_files"`
	NumDeletedFiles int64     `avro:"num_deleted_files"`
	PartitionStats  avroStats `avro:"partition_stats"`
	SchemaID        int64     `avro:"schema_id"`
}

func toAvroEntry(e *spec.ManifestEntry) avroEntry {
	f := e.File
	return avroEntry{
		Kind:         int32(e.Kind),
		Partition:    e.Partition,
		Bucket:       int32(e.Bucket),
		TotalBuckets: int32(e.TotalBuckets),
		File: avroDataFile{
			FileName:       f.FileName,
			Path:           f.Path,
			FileSize:       f.FileSize,
			RowCount:       f.RowCount,
			MinKey:         f.MinKey,
			MaxKey:         f.MaxKey,
			MinSeq:         f.MinSeq,
			MaxSeq:         f.MaxSeq,
			SchemaID:       f.SchemaID,
			Level:          int32(f.Level),
			CreationTime:   f.CreationTime.UnixMilli(),
			DeleteRowCount: f.DeleteRowCount,
			Source:         int32(f.Source),
			FileKind:       int32(f.Kind),
			EmbeddedIndex:  f.EmbeddedIndex,
		},
	}
}

func fromAvroEntry(a *avroEntry) *spec.ManifestEntry {
	f := &a.File
	var partition []byte
	if len(a.Partition) > 0 {
		partition = a.Partition
	}
	var index []byte
	if len(f.EmbeddedIndex) > 0 {
		index = f.EmbeddedIndex
	}
	return &spec.ManifestEntry{
		Kind:         spec.EntryKind(a.Kind),
		Partition:    partition,
		Bucket:       int(a.Bucket),
		TotalBuckets: int(a.TotalBuckets),
		File: &spec.DataFileMeta{
			FileName:       f.FileName,
			Path:           f.Path,
			FileSize:       f.FileSize,
			RowCount:       f.RowCount,
			MinKey:         f.MinKey,
			MaxKey:         f.MaxKey,
			MinSeq:         f.MinSeq,
			MaxSeq:         f.MaxSeq,
			SchemaID:       f.SchemaID,
			Level:          int(f.Level),
			CreationTime:   time.UnixMilli(f.CreationTime).UTC(),
			DeleteRowCount: f.DeleteRowCount,
			Source:         spec.FileSource(f.Source),
			Kind:           spec.FileKind(f.FileKind),
			EmbeddedIndex:  index,
		},
	}
}

func toAvroFileMeta(m *spec.ManifestFileMeta) avroFileMeta {
	return avroFileMeta{
		FileName:        m.FileName,
		FileSize:        m.FileSize,
		NumAddedFiles:   m.NumAddedFiles,
		NumDeletedFiles: m.NumDeletedFiles,
		PartitionStats: avroStats{
			MinValues:  m.PartitionStats.MinValues,
			MaxValues:  m.PartitionStats.MaxValues,
			NullCounts: m.PartitionStats.NullCounts,
		},
		SchemaID: m.SchemaID,
	}
}

func fromAvroFileMeta(a *avroFileMeta) *spec.ManifestFileMeta {
	return &spec.ManifestFileMeta{
		FileName:        a.FileName,
		FileSize:        a.FileSize,
		NumAddedFiles:   a.NumAddedFiles,
		NumDeletedFiles: a.NumDeletedFiles,
		PartitionStats: spec.BinaryTableStats{
			MinValues:  a.PartitionStats.MinValues,
			MaxValues:  a.PartitionStats.MaxValues,
			NullCounts: a.PartitionStats.NullCounts,
		},
		SchemaID: a.SchemaID,
	}
}
