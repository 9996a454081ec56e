package spec

import (
	"bytes"
	"fmt"
	"math"
	"strings"

	"github.com/cockroachdb/errors"
)

// TypeRoot is the logical type of a column.
type TypeRoot uint8

const (
	TypeBoolean TypeRoot = iota + 1
	TypeInt
	TypeBigInt
	TypeDouble
	TypeString
	TypeBytes
)

var typeRootNames = map[TypeRoot]string{
	TypeBoolean: "BOOLEAN",
	TypeInt:     "INT",
	TypeBigInt:  "BIGINT",
	TypeDouble:  "DOUBLE",
	TypeString:  "STRING",
	TypeBytes:   "BYTES",
}

func (r TypeRoot) String() string {
	if s, ok := typeRootNames[r]; ok {
		return s
	}
	return fmt.Sprintf("TypeRoot(%d)", uint8(r))
}

// DataType is a column type with nullability.
type DataType struct {
	Root     TypeRoot
	Nullable bool
}

// String renders the type as "BIGINT" or "BIGINT NOT NULL".
func (t DataType) String() string {
	if t.Nullable {
		return t.Root.String()
	}
	return t.Root.String() + " NOT NULL"
}

// ParseDataType parses the String form. VARCHAR and LONG aliases are accepted.
func ParseDataType(s string) (DataType, error) {
	fields := strings.Fields(strings.ToUpper(strings.TrimSpace(s)))
	if len(fields) == 0 {
		return DataType{}, errors.New("empty data type")
	}
	t := DataType{Nullable: true}
	switch fields[0] {
	case "BOOLEAN", "BOOL":
		t.Root = TypeBoolean
	case "INT", "INTEGER":
		t.Root = TypeInt
	case "BIGINT", "LONG":
		t.Root = TypeBigInt
	case "DOUBLE", "FLOAT64":
		t.Root = TypeDouble
	case "STRING", "VARCHAR", "TEXT":
		t.Root = TypeString
	case "BYTES", "BINARY", "VARBINARY":
		t.Root = TypeBytes
	default:
		return DataType{}, errors.Newf("unknown data type %q", s)
	}
	switch rest := strings.Join(fields[1:], " "); rest {
	case "":
	case "NOT NULL":
		t.Nullable = false
	case "NULL":
	default:
		return DataType{}, errors.Newf("unknown data type modifier %q in %q", rest, s)
	}
	return t, nil
}

// MarshalText implements encoding.TextMarshaler for JSON schema files.
func (t DataType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *DataType) UnmarshalText(b []byte) error {
	parsed, err := ParseDataType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Accepts reports whether v is a valid Go value for the type. NULL is checked
// separately against Nullable.
func (t DataType) Accepts(v any) bool {
	switch v.(type) {
	case bool:
		return t.Root == TypeBoolean
	case int32:
		return t.Root == TypeInt
	case int64:
		return t.Root == TypeBigInt
	case float64:
		return t.Root == TypeDouble
	case string:
		return t.Root == TypeString
	case []byte:
		return t.Root == TypeBytes
	}
	return false
}

// CanWidenTo reports whether values of t can be read as to without loss.
func (t DataType) CanWidenTo(to DataType) bool {
	if t.Root == to.Root {
		return true
	}
	switch t.Root {
	case TypeInt:
		return to.Root == TypeBigInt || to.Root == TypeDouble
	case TypeBigInt:
		return to.Root == TypeDouble
	}
	return false
}

// Cast converts v, stored under an older type, to t. Only widenings accepted by
// CanWidenTo are performed; other values are returned unchanged.
func (t DataType) Cast(v any) any {
	switch x := v.(type) {
	case int32:
		switch t.Root {
		case TypeBigInt:
			return int64(x)
		case TypeDouble:
			return float64(x)
		}
	case int64:
		if t.Root == TypeDouble {
			return float64(x)
		}
	}
	return v
}

// CompareValues orders two non-null values of the same type.
func CompareValues(a, b any) int {
	switch x := a.(type) {
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	case int32:
		return cmpOrdered(x, b.(int32))
	case int64:
		return cmpOrdered(x, b.(int64))
	case float64:
		y := b.(float64)
		if math.IsNaN(x) || math.IsNaN(y) {
			return cmpOrdered(math.Float64bits(x), math.Float64bits(y))
		}
		return cmpOrdered(x, y)
	case string:
		return strings.Compare(x, b.(string))
	case []byte:
		return bytes.Compare(x, b.([]byte))
	}
	panic(fmt.Sprintf("spec: cannot compare %T", a))
}

func cmpOrdered[T int32 | int64 | float64 | uint64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// ValuesEqual compares two values, either of which may be NULL.
func ValuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ab, ok := a.([]byte); ok {
		bb, ok := b.([]byte)
		return ok && bytes.Equal(ab, bb)
	}
	return a == b
}

// RowsEqual compares two rows field by field.
func RowsEqual(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !ValuesEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}
