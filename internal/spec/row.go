package spec

import (
	"fmt"
	"strings"
)

// RowKind tags a row with the change it carries.
type RowKind uint8

const (
	RowKindInsert       RowKind = 0
	RowKindUpdateBefore RowKind = 1
	RowKindUpdateAfter  RowKind = 2
	RowKindDelete       RowKind = 3
)

// ShortString returns the changelog notation (+I, -U, +U, -D).
func (k RowKind) ShortString() string {
	switch k {
	case RowKindInsert:
		return "+I"
	case RowKindUpdateBefore:
		return "-U"
	case RowKindUpdateAfter:
		return "+U"
	case RowKindDelete:
		return "-D"
	}
	return "?"
}

func (k RowKind) String() string {
	switch k {
	case RowKindInsert:
		return "INSERT"
	case RowKindUpdateBefore:
		return "UPDATE_BEFORE"
	case RowKindUpdateAfter:
		return "UPDATE_AFTER"
	case RowKindDelete:
		return "DELETE"
	}
	return fmt.Sprintf("RowKind(%d)", uint8(k))
}

// IsRetract reports whether the row withdraws a previous value.
func (k RowKind) IsRetract() bool {
	return k == RowKindUpdateBefore || k == RowKindDelete
}

// Valid reports whether k is one of the four kinds.
func (k RowKind) Valid() bool {
	return k <= RowKindDelete
}

// ParseRowKind accepts both notations.
func ParseRowKind(s string) (RowKind, bool) {
	switch strings.ToUpper(s) {
	case "+I", "INSERT", "":
		return RowKindInsert, true
	case "-U", "UPDATE_BEFORE":
		return RowKindUpdateBefore, true
	case "+U", "UPDATE_AFTER":
		return RowKindUpdateAfter, true
	case "-D", "DELETE":
		return RowKindDelete, true
	}
	return 0, false
}

// Row is a logical table row: one value per schema field, nil for NULL.
type Row struct {
	Kind   RowKind
	Fields []any
}

// NewRow builds an INSERT row.
func NewRow(fields ...any) Row {
	return Row{Kind: RowKindInsert, Fields: fields}
}

func (r Row) String() string {
	parts := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		parts[i] = formatValue(f)
	}
	return r.Kind.ShortString() + "[" + strings.Join(parts, ", ") + "]"
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return fmt.Sprintf("%x", x)
	case string:
		return x
	}
	return fmt.Sprint(v)
}

// KeyValue is the storage form of a row: encoded primary key, sequence number,
// kind and the full field values.
type KeyValue struct {
	Key   []byte
	Seq   int64
	Kind  RowKind
	Value []any
}

// Row converts the key value back into a logical row.
func (kv *KeyValue) Row() Row {
	return Row{Kind: kv.Kind, Fields: kv.Value}
}

// Clone returns a copy whose slices do not alias kv.
func (kv *KeyValue) Clone() *KeyValue {
	out := &KeyValue{
		Key:   append([]byte(nil), kv.Key...),
		Seq:   kv.Seq,
		Kind:  kv.Kind,
		Value: make([]any, len(kv.Value)),
	}
	copy(out.Value, kv.Value)
	return out
}
