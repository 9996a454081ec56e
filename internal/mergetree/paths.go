package mergetree

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/freeeve/lakehouse/internal/fileio"
	"github.com/freeeve/lakehouse/internal/spec"
)

// DataFileSuffix ends every data and changelog file name.
const DataFileSuffix = ".data"

// PathFactory names data files below the table root:
// [{k=v/...}/]bucket-{n}/level-{k}/data-{uuid}.data and
// [{k=v/...}/]bucket-{n}/changelog-{uuid}.data. Paths are relative.
//
// The level segment is the level a file was written at. A file upgraded to
// a higher level by compaction is not moved and keeps its path, so readers
// take the level from DataFileMeta.Level, never from the path.
type PathFactory struct {
	names []string
	types []spec.DataType
}

// NewPathFactory builds a path factory for the partition columns of s.
func NewPathFactory(s *spec.TableSchema) *PathFactory {
	return &PathFactory{names: s.PartitionKeys, types: s.PartitionTypes()}
}

// PartitionDir renders an encoded partition as k=v directories. It returns ""
// for unpartitioned tables.
func (p *PathFactory) PartitionDir(partition []byte) string {
	if len(p.names) == 0 || len(partition) == 0 {
		return ""
	}
	values, err := spec.DecodeKey(p.types, partition)
	if err != nil {
		return "partition-" + fmt.Sprintf("%x", partition)
	}
	parts := make([]string, len(p.names))
	for i, name := range p.names {
		v := "__NULL__"
		if values[i] != nil {
			v = url.PathEscape(fmt.Sprint(values[i]))
		}
		parts[i] = name + "=" + v
	}
	return strings.Join(parts, "/")
}

// BucketDir returns the relative directory of a bucket.
func (p *PathFactory) BucketDir(partition []byte, bucket int) string {
	return fileio.Join(p.PartitionDir(partition), "bucket-"+strconv.Itoa(bucket))
}

// NewDataFile returns a fresh relative data file path at level.
func (p *PathFactory) NewDataFile(partition []byte, bucket, level int) string {
	return fileio.Join(p.BucketDir(partition, bucket), "level-"+strconv.Itoa(level), "data-"+uuid.NewString()+DataFileSuffix)
}

// NewChangelogFile returns a fresh relative changelog file path.
func (p *PathFactory) NewChangelogFile(partition []byte, bucket int) string {
	return fileio.Join(p.BucketDir(partition, bucket), "changelog-"+uuid.NewString()+DataFileSuffix)
}
