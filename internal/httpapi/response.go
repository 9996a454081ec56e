package httpapi

import (
	"time"

	"github.com/freeeve/lakehouse/internal/spec"
)

// SnapshotResponse is the JSON form of a snapshot.
type SnapshotResponse struct {
	ID                   int64           `json:"id"`
	SchemaID             int64           `json:"schema_id"`
	Kind                 string          `json:"kind"`
	CommitUser           string          `json:"commit_user"`
	CommitIdentifier     int64           `json:"commit_identifier"`
	Time                 time.Time       `json:"time"`
	TotalRecordCount     int64           `json:"total_record_count"`
	DeltaRecordCount     int64           `json:"delta_record_count"`
	ChangelogRecordCount int64           `json:"changelog_record_count,omitempty"`
	Watermark            *int64          `json:"watermark,omitempty"`
	LogOffsets           map[int32]int64 `json:"log_offsets,omitempty"`
}

// ToSnapshotResponse converts a snapshot to its JSON form.
func ToSnapshotResponse(s *spec.Snapshot) *SnapshotResponse {
	if s == nil {
		return nil
	}
	return &SnapshotResponse{
		ID:                   s.ID,
		SchemaID:             s.SchemaID,
		Kind:                 s.CommitKind.String(),
		CommitUser:           s.CommitUser,
		CommitIdentifier:     s.CommitIdentifier,
		Time:                 s.Time().UTC(),
		TotalRecordCount:     s.TotalRecordCount,
		DeltaRecordCount:     s.DeltaRecordCount,
		ChangelogRecordCount: s.ChangelogRecordCount,
		Watermark:            s.Watermark,
		LogOffsets:           s.LogOffsets,
	}
}

// FileResponse describes one live data file.
type FileResponse struct {
	Partition string `json:"partition,omitempty"` // k=v path form
	Bucket    int    `json:"bucket"`
	Level     int    `json:"level"`
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	Rows      int64  `json:"rows"`
	Deletes   int64  `json:"deletes,omitempty"`
	MinSeq    int64  `json:"min_seq"`
	MaxSeq    int64  `json:"max_seq"`
	Source    string `json:"source"`
}

// RowResponse is one row keyed by column name.
type RowResponse struct {
	Kind   string         `json:"kind"`
	Values map[string]any `json:"values"`
}

// ToRowResponse names the fields of row after the columns of s.
func ToRowResponse(s *spec.TableSchema, row spec.Row) RowResponse {
	values := make(map[string]any, len(s.Fields))
	for i, f := range s.Fields {
		if i < len(row.Fields) {
			values[f.Name] = row.Fields[i]
		}
	}
	return RowResponse{Kind: row.Kind.ShortString(), Values: values}
}

// RowsResponse is a page of scan or changelog rows.
type RowsResponse struct {
	Snapshot  int64         `json:"snapshot"`
	Rows      []RowResponse `json:"rows"`
	Truncated bool          `json:"truncated,omitempty"`
}
