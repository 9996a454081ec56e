package spec

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// ParseValue parses the text form of a value of type t, as it appears in
// query strings and command lines. NULL (any case) is the null value. BYTES
// are base64.
func ParseValue(t DataType, s string) (any, error) {
	if strings.EqualFold(s, "null") {
		return nil, nil
	}
	switch t.Root {
	case TypeBoolean:
		return strconv.ParseBool(s)
	case TypeInt:
		n, err := strconv.ParseInt(s, 10, 32)
		return int32(n), err
	case TypeBigInt:
		return strconv.ParseInt(s, 10, 64)
	case TypeDouble:
		return strconv.ParseFloat(s, 64)
	case TypeString:
		return s, nil
	case TypeBytes:
		return base64.StdEncoding.DecodeString(s)
	}
	return nil, errors.Newf("unsupported type %s", t)
}

// FromJSON converts a value decoded by encoding/json with UseNumber into the
// Go value of type t.
func FromJSON(t DataType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch x := v.(type) {
	case json.Number:
		switch t.Root {
		case TypeInt:
			n, err := strconv.ParseInt(x.String(), 10, 32)
			return int32(n), err
		case TypeBigInt:
			return x.Int64()
		case TypeDouble:
			return x.Float64()
		}
	case float64:
		switch t.Root {
		case TypeInt:
			return int32(x), nil
		case TypeBigInt:
			return int64(x), nil
		case TypeDouble:
			return x, nil
		}
	case bool:
		if t.Root == TypeBoolean {
			return x, nil
		}
	case string:
		switch t.Root {
		case TypeString:
			return x, nil
		case TypeBytes:
			return base64.StdEncoding.DecodeString(x)
		}
	}
	return nil, errors.Newf("cannot convert %T to %s", v, t)
}
