// Package merge combines key-ordered runs into one logical key stream.
//
// Runs are iterators over spec.KeyValue ordered by key and, within a key, by
// ascending sequence number. MergeIterator interleaves them without dropping
// anything; FunctionIterator then collapses each key with a merge Function,
// and CompactionIterator drops only the versions proven dead.
package merge

import (
	"bytes"
	"container/heap"

	"github.com/cockroachdb/errors"

	"github.com/freeeve/lakehouse/internal/spec"
)

// Iterator is a lazy key-ordered sequence. Next returns nil at the end.
type Iterator interface {
	Next() (*spec.KeyValue, error)
	Close() error
}

// SliceIterator wraps a sorted slice.
type SliceIterator struct {
	kvs []*spec.KeyValue
	pos int
}

// NewSliceIterator creates an iterator over kvs.
func NewSliceIterator(kvs []*spec.KeyValue) *SliceIterator {
	return &SliceIterator{kvs: kvs}
}

// Next returns the next record, or nil if exhausted.
func (s *SliceIterator) Next() (*spec.KeyValue, error) {
	if s.pos >= len(s.kvs) {
		return nil, nil
	}
	kv := s.kvs[s.pos]
	s.pos++
	return kv, nil
}

func (s *SliceIterator) Close() error { return nil }

// ConcatIterator chains iterators that are opened one at a time, in order.
// A sorted run of several key-disjoint files reads through one.
type ConcatIterator struct {
	n    int
	next int
	open func(i int) (Iterator, error)
	cur  Iterator
}

// NewConcatIterator chains n iterators produced by open(0..n-1).
func NewConcatIterator(n int, open func(i int) (Iterator, error)) *ConcatIterator {
	return &ConcatIterator{n: n, open: open}
}

// Next returns the next record, opening the next iterator when the current
// one is exhausted.
func (c *ConcatIterator) Next() (*spec.KeyValue, error) {
	for {
		if c.cur == nil {
			if c.next >= c.n {
				return nil, nil
			}
			it, err := c.open(c.next)
			if err != nil {
				return nil, err
			}
			c.cur = it
			c.next++
		}
		kv, err := c.cur.Next()
		if err != nil || kv != nil {
			return kv, err
		}
		err = c.cur.Close()
		c.cur = nil
		if err != nil {
			return nil, err
		}
	}
}

// Close closes the open iterator and skips the rest.
func (c *ConcatIterator) Close() error {
	c.next = c.n
	if c.cur == nil {
		return nil
	}
	err := c.cur.Close()
	c.cur = nil
	return err
}

// heapItem wraps an iterator with its current record for heap operations.
type heapItem struct {
	iter    Iterator
	current *spec.KeyValue
	index   int // input priority, lower is newer
}

// mergeHeap orders by key, then ascending seq, then older input first, so the
// last record of a key is the one that wins.
type mergeHeap []*heapItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if cmp := bytes.Compare(h[i].current.Key, h[j].current.Key); cmp != 0 {
		return cmp < 0
	}
	if h[i].current.Seq != h[j].current.Seq {
		return h[i].current.Seq < h[j].current.Seq
	}
	return h[i].index > h[j].index
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) {
	*h = append(*h, x.(*heapItem))
}

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MergeIterator merges sorted iterators into one sorted stream. Every record
// of every input is returned; records of one key come out grouped, ascending
// by sequence number, with ties broken toward the lower input index last.
type MergeIterator struct {
	iters []Iterator
	heap  mergeHeap
	init  bool
}

// NewMergeIterator merges iters. iters[0] has the highest priority.
func NewMergeIterator(iters []Iterator) *MergeIterator {
	return &MergeIterator{iters: iters}
}

func (m *MergeIterator) start() error {
	m.init = true
	m.heap = make(mergeHeap, 0, len(m.iters))
	for i, iter := range m.iters {
		kv, err := iter.Next()
		if err != nil {
			return err
		}
		if kv != nil {
			m.heap = append(m.heap, &heapItem{iter: iter, current: kv, index: i})
		}
	}
	heap.Init(&m.heap)
	return nil
}

// Next returns the next record, or nil if all inputs are exhausted.
func (m *MergeIterator) Next() (*spec.KeyValue, error) {
	if !m.init {
		if err := m.start(); err != nil {
			return nil, err
		}
	}
	if len(m.heap) == 0 {
		return nil, nil
	}
	item := m.heap[0]
	kv := item.current
	next, err := item.iter.Next()
	if err != nil {
		return nil, err
	}
	if next != nil {
		if bytes.Compare(next.Key, kv.Key) < 0 {
			return nil, errors.AssertionFailedf("merge input %d out of order: %x after %x", item.index, next.Key, kv.Key)
		}
		item.current = next
		heap.Fix(&m.heap, 0)
	} else {
		heap.Pop(&m.heap)
	}
	return kv, nil
}

// Close closes every input.
func (m *MergeIterator) Close() error {
	var err error
	for _, it := range m.iters {
		err = errors.CombineErrors(err, it.Close())
	}
	m.heap = nil
	return err
}

// groupIterator yields the records of one key at a time.
type groupIterator struct {
	in      Iterator
	pending *spec.KeyValue
	done    bool
}

// nextGroup returns every record of the next key, or nil at the end.
func (g *groupIterator) nextGroup(buf []*spec.KeyValue) ([]*spec.KeyValue, error) {
	buf = buf[:0]
	if g.done {
		return nil, nil
	}
	if g.pending == nil {
		kv, err := g.in.Next()
		if err != nil {
			return nil, err
		}
		if kv == nil {
			g.done = true
			return nil, nil
		}
		g.pending = kv
	}
	buf = append(buf, g.pending)
	g.pending = nil
	for {
		kv, err := g.in.Next()
		if err != nil {
			return nil, err
		}
		if kv == nil {
			g.done = true
			return buf, nil
		}
		if !bytes.Equal(kv.Key, buf[0].Key) {
			g.pending = kv
			return buf, nil
		}
		buf = append(buf, kv)
	}
}

// FunctionIterator collapses each key of a merged stream with a Function.
// Keys whose result is suppressed are skipped.
type FunctionIterator struct {
	groups groupIterator
	fn     Function
	buf    []*spec.KeyValue
}

// NewFunctionIterator applies fn to each key of in.
func NewFunctionIterator(in Iterator, fn Function) *FunctionIterator {
	return &FunctionIterator{groups: groupIterator{in: in}, fn: fn}
}

// Next returns the next merged row, or nil at the end.
func (f *FunctionIterator) Next() (*spec.KeyValue, error) {
	for {
		group, err := f.groups.nextGroup(f.buf)
		if err != nil || group == nil {
			return nil, err
		}
		f.buf = group
		f.fn.Reset()
		for _, kv := range group {
			f.fn.Add(kv)
		}
		if kv, ok := f.fn.Result(); ok {
			return kv, nil
		}
	}
}

func (f *FunctionIterator) Close() error {
	return f.groups.in.Close()
}

// Merge merges runs (runs[0] newest) and collapses every key with fn.
func Merge(runs []Iterator, fn Function) Iterator {
	return NewFunctionIterator(NewMergeIterator(runs), fn)
}

// Collect drains it and closes it.
func Collect(it Iterator) ([]*spec.KeyValue, error) {
	var out []*spec.KeyValue
	for {
		kv, err := it.Next()
		if err != nil {
			return nil, errors.CombineErrors(err, it.Close())
		}
		if kv == nil {
			return out, it.Close()
		}
		out = append(out, kv)
	}
}
