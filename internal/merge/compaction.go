package merge

import (
	"bytes"

	"github.com/freeeve/lakehouse/internal/spec"
)

// CompactionIterator applies storage-level deduplication to a merged stream.
// It never applies a merge policy; it only drops versions no read can see:
//
//   - versions older than the newest retraction of a key, since every merge
//     function discards them when it reaches the retraction;
//   - with retainHistory off (deduplicate tables), every version but the newest;
//   - with dropDelete on, a retraction left at the head of a key, which is
//     only safe when the output holds the oldest data of the bucket.
type CompactionIterator struct {
	groups        groupIterator
	retainHistory bool
	dropDelete    bool
	buf           []*spec.KeyValue
	out           []*spec.KeyValue
}

// NewCompactionIterator wraps a merged stream of all versions.
func NewCompactionIterator(in Iterator, retainHistory, dropDelete bool) *CompactionIterator {
	return &CompactionIterator{groups: groupIterator{in: in}, retainHistory: retainHistory, dropDelete: dropDelete}
}

// Next returns the next surviving version, or nil at the end.
func (c *CompactionIterator) Next() (*spec.KeyValue, error) {
	for len(c.out) == 0 {
		group, err := c.groups.nextGroup(c.buf)
		if err != nil || group == nil {
			return nil, err
		}
		c.buf = group
		c.out = c.survivors(group)
	}
	kv := c.out[0]
	c.out = c.out[1:]
	return kv, nil
}

func (c *CompactionIterator) survivors(group []*spec.KeyValue) []*spec.KeyValue {
	start := 0
	for i := len(group) - 1; i >= 0; i-- {
		if group[i].Kind.IsRetract() {
			start = i
			break
		}
	}
	if !c.retainHistory {
		start = len(group) - 1
	}
	kept := group[start:]
	if c.dropDelete && len(kept) > 0 && kept[0].Kind.IsRetract() {
		kept = kept[1:]
	}
	// group aliases c.buf, which the next call reuses.
	return append([]*spec.KeyValue(nil), kept...)
}

func (c *CompactionIterator) Close() error {
	return c.groups.in.Close()
}

// DiffIterator compares two merged views, each holding at most one row per
// key, and yields the change events that turn before into after: INSERT for
// new keys, UPDATE_BEFORE then UPDATE_AFTER for changed rows, DELETE for
// removed keys.
type DiffIterator struct {
	before, after Iterator
	b, a          *spec.KeyValue
	started       bool
	pending       *spec.KeyValue
}

// Diff returns the changelog between before and after.
func Diff(before, after Iterator) *DiffIterator {
	return &DiffIterator{before: before, after: after}
}

func (d *DiffIterator) advanceBefore() (err error) {
	d.b, err = d.before.Next()
	return err
}

func (d *DiffIterator) advanceAfter() (err error) {
	d.a, err = d.after.Next()
	return err
}

// Next returns the next change event, or nil at the end.
func (d *DiffIterator) Next() (*spec.KeyValue, error) {
	if d.pending != nil {
		kv := d.pending
		d.pending = nil
		return kv, nil
	}
	if !d.started {
		d.started = true
		if err := d.advanceBefore(); err != nil {
			return nil, err
		}
		if err := d.advanceAfter(); err != nil {
			return nil, err
		}
	}
	for d.b != nil || d.a != nil {
		switch {
		case d.a == nil || (d.b != nil && bytes.Compare(d.b.Key, d.a.Key) < 0):
			out := withKind(d.b, spec.RowKindDelete)
			return out, d.advanceBefore()
		case d.b == nil || bytes.Compare(d.a.Key, d.b.Key) < 0:
			out := withKind(d.a, spec.RowKindInsert)
			return out, d.advanceAfter()
		default:
			b, a := d.b, d.a
			if err := d.advanceBefore(); err != nil {
				return nil, err
			}
			if err := d.advanceAfter(); err != nil {
				return nil, err
			}
			if spec.RowsEqual(b.Value, a.Value) {
				continue
			}
			d.pending = withKind(a, spec.RowKindUpdateAfter)
			return withKind(b, spec.RowKindUpdateBefore), nil
		}
	}
	return nil, nil
}

func withKind(kv *spec.KeyValue, kind spec.RowKind) *spec.KeyValue {
	out := *kv
	out.Kind = kind
	return &out
}

func (d *DiffIterator) Close() error {
	err := d.before.Close()
	if aerr := d.after.Close(); err == nil {
		err = aerr
	}
	return err
}
