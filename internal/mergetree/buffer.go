package mergetree

import (
	"bytes"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"github.com/freeeve/lakehouse/internal/spec"
)

type bufferKey struct {
	key []byte
	seq int64
}

func bufferLess(a, b bufferKey) bool {
	if c := bytes.Compare(a.key, b.key); c != 0 {
		return c < 0
	}
	return a.seq < b.seq
}

// WriteBuffer is the in-memory sorted buffer of a bucket writer. Every
// version is kept; (key, seq) is unique because one writer assigns
// sequence numbers per bucket.
type WriteBuffer struct {
	data  atomic.Pointer[skipmap.FuncMap[bufferKey, *spec.KeyValue]]
	size  atomic.Int64
	count atomic.Int64
}

// NewWriteBuffer returns an empty buffer.
func NewWriteBuffer() *WriteBuffer {
	b := &WriteBuffer{}
	b.data.Store(skipmap.NewFunc[bufferKey, *spec.KeyValue](bufferLess))
	return b
}

// Put adds kv.
func (b *WriteBuffer) Put(kv *spec.KeyValue) {
	b.data.Load().Store(bufferKey{key: kv.Key, seq: kv.Seq}, kv)
	b.size.Add(estimateSize(kv))
	b.count.Add(1)
}

// Size is the estimated memory held, in bytes.
func (b *WriteBuffer) Size() int64 { return b.size.Load() }

// Len is the number of buffered records.
func (b *WriteBuffer) Len() int { return int(b.count.Load()) }

// Drain returns every record sorted by key then sequence number and empties
// the buffer.
func (b *WriteBuffer) Drain() []*spec.KeyValue {
	old := b.data.Swap(skipmap.NewFunc[bufferKey, *spec.KeyValue](bufferLess))
	b.size.Store(0)
	b.count.Store(0)
	out := make([]*spec.KeyValue, 0, old.Len())
	old.Range(func(_ bufferKey, kv *spec.KeyValue) bool {
		out = append(out, kv)
		return true
	})
	return out
}

// estimateSize approximates the memory of one record: key, value slots and
// variable-length payloads.
func estimateSize(kv *spec.KeyValue) int64 {
	n := int64(48 + len(kv.Key) + 16*len(kv.Value))
	for _, v := range kv.Value {
		switch x := v.(type) {
		case string:
			n += int64(len(x))
		case []byte:
			n += int64(len(x))
		}
	}
	return n
}
