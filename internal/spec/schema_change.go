package spec

import (
	"slices"

	"github.com/freeeve/lakehouse/internal/errs"
)

// SchemaChange is one evolution step. Exactly one of the pointer-free variants
// below implements it; ApplyChanges applies a list in order.
type SchemaChange interface {
	apply(s *TableSchema) error
}

// SetOption sets a table option.
type SetOption struct{ Key, Value string }

// RemoveOption removes a table option.
type RemoveOption struct{ Key string }

// UpdateComment replaces the table comment.
type UpdateComment struct{ Comment string }

// AddColumn appends a nullable column. Existing files read it as NULL.
type AddColumn struct {
	Name        string
	Type        DataType
	Description string
	// After places the column after the named one; empty appends at the end,
	// First places it at the front.
	After string
	First bool
}

// RenameColumn renames a non-key column.
type RenameColumn struct{ From, To string }

// DropColumn removes a non-key column.
type DropColumn struct{ Name string }

// UpdateColumnType widens a non-key column type.
type UpdateColumnType struct {
	Name string
	Type DataType
}

// UpdateColumnNullability relaxes NOT NULL on a non-key column.
type UpdateColumnNullability struct {
	Name     string
	Nullable bool
}

// UpdateColumnComment sets a column description.
type UpdateColumnComment struct{ Name, Description string }

// ApplyChanges returns a new schema with id+1. The input is not modified.
func ApplyChanges(s *TableSchema, changes ...SchemaChange) (*TableSchema, error) {
	next := s.Copy()
	next.ID = s.ID + 1
	for _, c := range changes {
		if err := c.apply(next); err != nil {
			return nil, err
		}
	}
	if err := next.Validate(); err != nil {
		return nil, errs.SchemaIncompatible("schema %d: %v", next.ID, err)
	}
	return next, nil
}

func (c SetOption) apply(s *TableSchema) error {
	if c.Key == "bucket" && s.Options["bucket"] != "" && s.Options["bucket"] != c.Value {
		return errs.SchemaIncompatible("option bucket cannot be changed from %s to %s", s.Options["bucket"], c.Value)
	}
	s.Options[c.Key] = c.Value
	return nil
}

func (c RemoveOption) apply(s *TableSchema) error {
	if c.Key == "bucket" {
		return errs.SchemaIncompatible("option bucket cannot be removed")
	}
	delete(s.Options, c.Key)
	return nil
}

func (c UpdateComment) apply(s *TableSchema) error {
	s.Comment = c.Comment
	return nil
}

func (c AddColumn) apply(s *TableSchema) error {
	if s.FieldIndex(c.Name) >= 0 {
		return errs.SchemaIncompatible("column %q already exists", c.Name)
	}
	if !c.Type.Nullable {
		return errs.SchemaIncompatible("added column %q must be nullable", c.Name)
	}
	s.HighestFieldID++
	f := DataField{ID: s.HighestFieldID, Name: c.Name, Type: c.Type, Description: c.Description}
	switch {
	case c.First:
		s.Fields = slices.Insert(s.Fields, 0, f)
	case c.After != "":
		i := s.FieldIndex(c.After)
		if i < 0 {
			return errs.SchemaIncompatible("column %q does not exist", c.After)
		}
		s.Fields = slices.Insert(s.Fields, i+1, f)
	default:
		s.Fields = append(s.Fields, f)
	}
	return nil
}

func (c RenameColumn) apply(s *TableSchema) error {
	i, err := nonKeyColumn(s, c.From)
	if err != nil {
		return err
	}
	if s.FieldIndex(c.To) >= 0 {
		return errs.SchemaIncompatible("column %q already exists", c.To)
	}
	s.Fields[i].Name = c.To
	return nil
}

func (c DropColumn) apply(s *TableSchema) error {
	i, err := nonKeyColumn(s, c.Name)
	if err != nil {
		return err
	}
	if len(s.Fields) == 1 {
		return errs.SchemaIncompatible("cannot drop the last column")
	}
	s.Fields = slices.Delete(s.Fields, i, i+1)
	return nil
}

func (c UpdateColumnType) apply(s *TableSchema) error {
	i, err := nonKeyColumn(s, c.Name)
	if err != nil {
		return err
	}
	old := s.Fields[i].Type
	if !old.CanWidenTo(c.Type) {
		return errs.SchemaIncompatible("column %q cannot change from %s to %s", c.Name, old, c.Type)
	}
	s.Fields[i].Type = DataType{Root: c.Type.Root, Nullable: old.Nullable}
	return nil
}

func (c UpdateColumnNullability) apply(s *TableSchema) error {
	i, err := nonKeyColumn(s, c.Name)
	if err != nil {
		return err
	}
	if s.Fields[i].Type.Nullable && !c.Nullable {
		return errs.SchemaIncompatible("column %q cannot become NOT NULL", c.Name)
	}
	s.Fields[i].Type.Nullable = c.Nullable
	return nil
}

func (c UpdateColumnComment) apply(s *TableSchema) error {
	i := s.FieldIndex(c.Name)
	if i < 0 {
		return errs.SchemaIncompatible("column %q does not exist", c.Name)
	}
	s.Fields[i].Description = c.Description
	return nil
}

func nonKeyColumn(s *TableSchema, name string) (int, error) {
	i := s.FieldIndex(name)
	if i < 0 {
		return -1, errs.SchemaIncompatible("column %q does not exist", name)
	}
	if slices.Contains(s.PrimaryKeys, name) || slices.Contains(s.PartitionKeys, name) {
		return -1, errs.SchemaIncompatible("key column %q cannot be changed", name)
	}
	return i, nil
}
