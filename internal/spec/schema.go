package spec

import (
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/freeeve/lakehouse/internal/errs"
)

// CurrentSchemaVersion is written into every schema file.
const CurrentSchemaVersion = 1

// DataField is one column. IDs are stable across renames and never reused.
type DataField struct {
	ID          int32    `json:"id"`
	Name        string   `json:"name"`
	Type        DataType `json:"type"`
	Description string   `json:"description,omitempty"`
}

// TableSchema is immutable once published; evolution writes a new id.
type TableSchema struct {
	Version        int               `json:"version"`
	ID             int64             `json:"id"`
	Fields         []DataField       `json:"fields"`
	HighestFieldID int32             `json:"highestFieldId"`
	PartitionKeys  []string          `json:"partitionKeys"`
	PrimaryKeys    []string          `json:"primaryKeys"`
	Options        map[string]string `json:"options"`
	Comment        string            `json:"comment,omitempty"`
	TimeMillis     int64             `json:"timeMillis"`
}

// NewSchema assigns field ids in order and returns schema id 0.
func NewSchema(fields []DataField, primaryKeys, partitionKeys []string, options map[string]string) *TableSchema {
	s := &TableSchema{
		Version:       CurrentSchemaVersion,
		Fields:        make([]DataField, len(fields)),
		PrimaryKeys:   slices.Clone(primaryKeys),
		PartitionKeys: slices.Clone(partitionKeys),
		Options:       make(map[string]string, len(options)),
	}
	for i, f := range fields {
		f.ID = int32(i)
		s.Fields[i] = f
	}
	s.HighestFieldID = int32(len(fields) - 1)
	for k, v := range options {
		s.Options[k] = v
	}
	return s
}

// Validate checks the structural rules every published schema must satisfy.
func (s *TableSchema) Validate() error {
	if len(s.Fields) == 0 {
		return errors.New("schema has no fields")
	}
	if len(s.PrimaryKeys) == 0 {
		return errors.New("schema has no primary key")
	}
	names := make(map[string]bool, len(s.Fields))
	ids := make(map[int32]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return errors.Newf("field %d has no name", f.ID)
		}
		if names[f.Name] {
			return errors.Newf("duplicate field name %q", f.Name)
		}
		if ids[f.ID] {
			return errors.Newf("duplicate field id %d", f.ID)
		}
		if f.ID > s.HighestFieldID {
			return errors.Newf("field %q id %d above highest field id %d", f.Name, f.ID, s.HighestFieldID)
		}
		names[f.Name] = true
		ids[f.ID] = true
	}
	for _, k := range s.PrimaryKeys {
		i := s.FieldIndex(k)
		if i < 0 {
			return errors.Newf("primary key %q is not a field", k)
		}
		if s.Fields[i].Type.Nullable {
			return errors.Newf("primary key %q must be NOT NULL", k)
		}
	}
	for _, k := range s.PartitionKeys {
		if s.FieldIndex(k) < 0 {
			return errors.Newf("partition key %q is not a field", k)
		}
		if !slices.Contains(s.PrimaryKeys, k) {
			return errors.Newf("partition key %q must be part of the primary key", k)
		}
	}
	return nil
}

// FieldIndex returns the position of name, or -1.
func (s *TableSchema) FieldIndex(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// FieldIndexByID returns the position of the field with id, or -1.
func (s *TableSchema) FieldIndexByID(id int32) int {
	for i, f := range s.Fields {
		if f.ID == id {
			return i
		}
	}
	return -1
}

// FieldNames lists the column names in order.
func (s *TableSchema) FieldNames() []string {
	out := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		out[i] = f.Name
	}
	return out
}

// KeyIndexes returns the field positions of the primary key columns.
func (s *TableSchema) KeyIndexes() []int {
	return s.indexes(s.PrimaryKeys)
}

// PartitionIndexes returns the field positions of the partition columns.
func (s *TableSchema) PartitionIndexes() []int {
	return s.indexes(s.PartitionKeys)
}

// TrimmedKeyIndexes returns the primary key columns that are not partition
// columns. Within one partition these alone identify a row, and bucket hashing
// uses them so a key always lands in the same bucket.
func (s *TableSchema) TrimmedKeyIndexes() []int {
	var out []int
	for _, k := range s.PrimaryKeys {
		if !slices.Contains(s.PartitionKeys, k) {
			out = append(out, s.FieldIndex(k))
		}
	}
	if len(out) == 0 {
		return s.KeyIndexes()
	}
	return out
}

func (s *TableSchema) indexes(names []string) []int {
	out := make([]int, len(names))
	for i, n := range names {
		out[i] = s.FieldIndex(n)
	}
	return out
}

// KeyTypes returns the types of the primary key columns.
func (s *TableSchema) KeyTypes() []DataType {
	return s.types(s.KeyIndexes())
}

// PartitionTypes returns the types of the partition columns.
func (s *TableSchema) PartitionTypes() []DataType {
	return s.types(s.PartitionIndexes())
}

func (s *TableSchema) types(idx []int) []DataType {
	out := make([]DataType, len(idx))
	for i, j := range idx {
		out[i] = s.Fields[j].Type
	}
	return out
}

// FieldTypes returns every field type in order.
func (s *TableSchema) FieldTypes() []DataType {
	out := make([]DataType, len(s.Fields))
	for i, f := range s.Fields {
		out[i] = f.Type
	}
	return out
}

// FieldIDs returns every field id in order.
func (s *TableSchema) FieldIDs() []int32 {
	out := make([]int32, len(s.Fields))
	for i, f := range s.Fields {
		out[i] = f.ID
	}
	return out
}

// KeyOf encodes the primary key of row.
func (s *TableSchema) KeyOf(row []any) []byte {
	return EncodeRowKey(s.KeyTypes(), s.KeyIndexes(), row)
}

// PartitionOf encodes the partition of row. Unpartitioned tables return nil.
func (s *TableSchema) PartitionOf(row []any) []byte {
	if len(s.PartitionKeys) == 0 {
		return nil
	}
	return EncodeRowKey(s.PartitionTypes(), s.PartitionIndexes(), row)
}

// CheckRow validates a row against the schema.
func (s *TableSchema) CheckRow(r Row) error {
	if !r.Kind.Valid() {
		return errs.SchemaIncompatible("schema %d: invalid row kind %d", s.ID, r.Kind)
	}
	if len(r.Fields) != len(s.Fields) {
		return errs.SchemaIncompatible("schema %d: row has %d fields, want %d", s.ID, len(r.Fields), len(s.Fields))
	}
	for i, f := range s.Fields {
		v := r.Fields[i]
		if v == nil {
			if !f.Type.Nullable {
				return errs.SchemaIncompatible("schema %d: column %q is NOT NULL", s.ID, f.Name)
			}
			continue
		}
		if !f.Type.Accepts(v) {
			return errs.SchemaIncompatible("schema %d: column %q is %s, got %T", s.ID, f.Name, f.Type, v)
		}
	}
	return nil
}

// Copy returns a deep copy.
func (s *TableSchema) Copy() *TableSchema {
	out := *s
	out.Fields = slices.Clone(s.Fields)
	out.PartitionKeys = slices.Clone(s.PartitionKeys)
	out.PrimaryKeys = slices.Clone(s.PrimaryKeys)
	out.Options = make(map[string]string, len(s.Options))
	for k, v := range s.Options {
		out.Options[k] = v
	}
	return &out
}
