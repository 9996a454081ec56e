package merge

import (
	"github.com/cockroachdb/errors"

	"github.com/freeeve/lakehouse/internal/config"
	"github.com/freeeve/lakehouse/internal/spec"
)

// Function combines all versions of one key. Versions are added in ascending
// sequence order. Result returns false when the key has no visible row.
type Function interface {
	Reset()
	Add(kv *spec.KeyValue)
	Result() (*spec.KeyValue, bool)
}

// NewFunction returns the merge function configured for s.
func NewFunction(opts config.Options, s *spec.TableSchema) (Function, error) {
	switch opts.MergeEngine {
	case config.MergeEngineDeduplicate, "":
		return &Deduplicate{}, nil
	case config.MergeEnginePartialUpdate:
		return NewPartialUpdate(len(s.Fields)), nil
	case config.MergeEngineAggregation:
		return NewAggregate(opts, s)
	}
	return nil, errors.Newf("unknown merge engine %q", opts.MergeEngine)
}

// Deduplicate keeps the newest version. A retraction as the newest version
// hides the key.
type Deduplicate struct {
	latest *spec.KeyValue
}

func (d *Deduplicate) Reset() { d.latest = nil }

func (d *Deduplicate) Add(kv *spec.KeyValue) { d.latest = kv }

func (d *Deduplicate) Result() (*spec.KeyValue, bool) {
	if d.latest == nil || d.latest.Kind.IsRetract() {
		return nil, false
	}
	return insertOf(d.latest, d.latest.Value), true
}

// PartialUpdate takes each column from the newest version where it is not
// NULL. A retraction discards everything older than it, so backfill stops
// there, and a retraction as the newest version hides the key.
type PartialUpdate struct {
	width  int
	acc    []any
	latest *spec.KeyValue
}

// NewPartialUpdate creates a partial-update function for rows of width fields.
func NewPartialUpdate(width int) *PartialUpdate {
	return &PartialUpdate{width: width}
}

func (p *PartialUpdate) Reset() {
	p.acc = nil
	p.latest = nil
}

func (p *PartialUpdate) Add(kv *spec.KeyValue) {
	p.latest = kv
	if kv.Kind.IsRetract() {
		p.acc = nil
		return
	}
	if p.acc == nil {
		p.acc = make([]any, p.width)
	}
	for i, v := range kv.Value {
		if v != nil && i < p.width {
			p.acc[i] = v
		}
	}
}

func (p *PartialUpdate) Result() (*spec.KeyValue, bool) {
	if p.latest == nil || p.latest.Kind.IsRetract() {
		return nil, false
	}
	return insertOf(p.latest, p.acc), true
}

// Aggregate folds each value column with its configured aggregate function.
// Primary key columns keep the newest value. A retraction resets the
// accumulators.
type Aggregate struct {
	aggs   []Aggregator
	latest *spec.KeyValue
	rows   int
}

// NewAggregate builds the per-column aggregators from opts.
func NewAggregate(opts config.Options, s *spec.TableSchema) (*Aggregate, error) {
	a := &Aggregate{aggs: make([]Aggregator, len(s.Fields))}
	keys := make(map[int]bool)
	for _, i := range s.KeyIndexes() {
		keys[i] = true
	}
	for i, f := range s.Fields {
		name := opts.AggregateFunction(f.Name)
		if keys[i] {
			name = AggLastValue
		}
		agg, err := NewAggregator(name, f.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "column %s", f.Name)
		}
		a.aggs[i] = agg
	}
	return a, nil
}

func (a *Aggregate) Reset() {
	for _, agg := range a.aggs {
		agg.Reset()
	}
	a.latest = nil
	a.rows = 0
}

func (a *Aggregate) Add(kv *spec.KeyValue) {
	a.latest = kv
	if kv.Kind.IsRetract() {
		for _, agg := range a.aggs {
			agg.Reset()
		}
		a.rows = 0
		return
	}
	for i, agg := range a.aggs {
		if i < len(kv.Value) {
			agg.Add(kv.Value[i])
		}
	}
	a.rows++
}

func (a *Aggregate) Result() (*spec.KeyValue, bool) {
	if a.latest == nil || a.rows == 0 {
		return nil, false
	}
	out := make([]any, len(a.aggs))
	for i, agg := range a.aggs {
		out[i] = agg.Result()
	}
	return insertOf(a.latest, out), true
}

// insertOf returns the merged row for a key as an INSERT carrying the
// newest version's key and sequence number.
func insertOf(latest *spec.KeyValue, value []any) *spec.KeyValue {
	out := make([]any, len(value))
	copy(out, value)
	return &spec.KeyValue{Key: latest.Key, Seq: latest.Seq, Kind: spec.RowKindInsert, Value: out}
}
