package merge

import (
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/freeeve/lakehouse/internal/spec"
)

// Aggregate function names, as used in fields.<col>.aggregate-function.
const (
	AggSum               = "sum"
	AggProduct           = "product"
	AggMax               = "max"
	AggMin               = "min"
	AggLastValue         = "last_value"
	AggLastNonNullValue  = "last_non_null_value"
	AggFirstValue        = "first_value"
	AggFirstNonNullValue = "first_non_null_value"
	AggBoolAnd           = "bool_and"
	AggBoolOr            = "bool_or"
	AggListAgg           = "listagg"
)

// Aggregator folds the values of one column in sequence order.
type Aggregator interface {
	Reset()
	Add(v any)
	Result() any
}

// NewAggregator returns the named aggregator for a column of type t.
func NewAggregator(name string, t spec.DataType) (Aggregator, error) {
	numeric := t.Root == spec.TypeInt || t.Root == spec.TypeBigInt || t.Root == spec.TypeDouble
	switch name {
	case AggSum, AggProduct:
		if !numeric {
			return nil, errors.Newf("%s needs a numeric column, got %s", name, t)
		}
		return &arith{product: name == AggProduct}, nil
	case AggMax, AggMin:
		if t.Root == spec.TypeBoolean {
			return nil, errors.Newf("%s is not defined for %s", name, t)
		}
		return &extreme{max: name == AggMax}, nil
	case AggLastValue:
		return &last{}, nil
	case AggLastNonNullValue:
		return &last{skipNull: true}, nil
	case AggFirstValue:
		return &first{}, nil
	case AggFirstNonNullValue:
		return &first{skipNull: true}, nil
	case AggBoolAnd, AggBoolOr:
		if t.Root != spec.TypeBoolean {
			return nil, errors.Newf("%s needs a BOOLEAN column, got %s", name, t)
		}
		return &boolAgg{and: name == AggBoolAnd}, nil
	case AggListAgg:
		if t.Root != spec.TypeString {
			return nil, errors.Newf("%s needs a STRING column, got %s", name, t)
		}
		return &listAgg{delimiter: ","}, nil
	}
	return nil, errors.Newf("unknown aggregate function %q", name)
}

// arith is sum or product. NULL inputs are ignored.
type arith struct {
	product bool
	acc     any
}

func (a *arith) Reset() { a.acc = nil }

func (a *arith) Add(v any) {
	if v == nil {
		return
	}
	if a.acc == nil {
		a.acc = v
		return
	}
	switch x := a.acc.(type) {
	case int32:
		y := v.(int32)
		if a.product {
			a.acc = x * y
		} else {
			a.acc = x + y
		}
	case int64:
		y := v.(int64)
		if a.product {
			a.acc = x * y
		} else {
			a.acc = x + y
		}
	case float64:
		y := v.(float64)
		if a.product {
			a.acc = x * y
		} else {
			a.acc = x + y
		}
	}
}

func (a *arith) Result() any { return a.acc }

type extreme struct {
	max bool
	acc any
}

func (e *extreme) Reset() { e.acc = nil }

func (e *extreme) Add(v any) {
	if v == nil {
		return
	}
	if e.acc == nil {
		e.acc = v
		return
	}
	c := spec.CompareValues(v, e.acc)
	if (e.max && c > 0) || (!e.max && c < 0) {
		e.acc = v
	}
}

func (e *extreme) Result() any { return e.acc }

type last struct {
	skipNull bool
	acc      any
}

func (l *last) Reset() { l.acc = nil }

func (l *last) Add(v any) {
	if v == nil && l.skipNull {
		return
	}
	l.acc = v
}

func (l *last) Result() any { return l.acc }

type first struct {
	skipNull bool
	seen     bool
	acc      any
}

func (f *first) Reset() {
	f.acc = nil
	f.seen = false
}

func (f *first) Add(v any) {
	if f.seen || (v == nil && f.skipNull) {
		return
	}
	f.acc = v
	f.seen = true
}

func (f *first) Result() any { return f.acc }

type boolAgg struct {
	and bool
	acc any
}

func (b *boolAgg) Reset() { b.acc = nil }

func (b *boolAgg) Add(v any) {
	if v == nil {
		return
	}
	x := v.(bool)
	if b.acc == nil {
		b.acc = x
		return
	}
	if b.and {
		b.acc = b.acc.(bool) && x
	} else {
		b.acc = b.acc.(bool) || x
	}
}

func (b *boolAgg) Result() any { return b.acc }

type listAgg struct {
	delimiter string
	parts     []string
}

func (l *listAgg) Reset() { l.parts = l.parts[:0] }

func (l *listAgg) Add(v any) {
	if v == nil {
		return
	}
	l.parts = append(l.parts, v.(string))
}

func (l *listAgg) Result() any {
	if len(l.parts) == 0 {
		return nil
	}
	return strings.Join(l.parts, l.delimiter)
}
