package spec

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// CurrentSnapshotVersion is written into every snapshot file.
const CurrentSnapshotVersion = 3

// CommitKind is the reason a snapshot was created.
type CommitKind uint8

const (
	CommitAppend CommitKind = iota
	CommitCompact
	CommitOverwrite
)

func (k CommitKind) String() string {
	switch k {
	case CommitAppend:
		return "APPEND"
	case CommitCompact:
		return "COMPACT"
	case CommitOverwrite:
		return "OVERWRITE"
	}
	return "UNKNOWN"
}

// MarshalText implements encoding.TextMarshaler.
func (k CommitKind) MarshalText() ([]byte, error) {
	if k > CommitOverwrite {
		return nil, errors.Newf("invalid commit kind %d", k)
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *CommitKind) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "APPEND":
		*k = CommitAppend
	case "COMPACT":
		*k = CommitCompact
	case "OVERWRITE":
		*k = CommitOverwrite
	default:
		return errors.Newf("invalid commit kind %q", b)
	}
	return nil
}

// Snapshot is the immutable record of one commit. Its manifest lists fully
// determine the live file set at this id.
type Snapshot struct {
	Version               int             `json:"version"`
	ID                    int64           `json:"id"`
	SchemaID              int64           `json:"schemaId"`
	BaseManifestList      string          `json:"baseManifestList"`
	DeltaManifestList     string          `json:"deltaManifestList"`
	ChangelogManifestList string          `json:"changelogManifestList,omitempty"`
	CommitUser            string          `json:"commitUser"`
	CommitIdentifier      int64           `json:"commitIdentifier"`
	CommitKind            CommitKind      `json:"commitKind"`
	TimeMillis            int64           `json:"timeMillis"`
	LogOffsets            map[int32]int64 `json:"logOffsets"`
	TotalRecordCount      int64           `json:"totalRecordCount"`
	DeltaRecordCount      int64           `json:"deltaRecordCount"`
	ChangelogRecordCount  int64           `json:"changelogRecordCount,omitempty"`
	Watermark             *int64          `json:"watermark,omitempty"`
}

// Time returns the commit time.
func (s *Snapshot) Time() time.Time {
	return time.UnixMilli(s.TimeMillis)
}

// ManifestLists returns every manifest list the snapshot references.
func (s *Snapshot) ManifestLists() []string {
	out := []string{s.BaseManifestList, s.DeltaManifestList}
	if s.ChangelogManifestList != "" {
		out = append(out, s.ChangelogManifestList)
	}
	return out
}

// Marshal encodes the snapshot as indented JSON.
func (s *Snapshot) Marshal() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// UnmarshalSnapshot decodes and sanity-checks a snapshot file.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "decode snapshot")
	}
	if s.ID <= 0 {
		return nil, errors.Newf("snapshot has invalid id %d", s.ID)
	}
	if s.BaseManifestList == "" || s.DeltaManifestList == "" {
		return nil, errors.Newf("snapshot %d has no manifest lists", s.ID)
	}
	return &s, nil
}
