package format

import (
	"hash/fnv"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/cockroachdb/errors"
)

// Key index: a bloom filter over the distinct keys of one data file. It is
// small enough to live in the file's manifest entry, so a point lookup can
// rule out a file without reading it.
//
// Encoding:
//   - Version (1): 1
//   - HashCount (1)
//   - Bits: bitset binary form (bit length, then 64-bit words)

const keyIndexVersion = 1

// KeyIndex is a bloom filter over encoded primary keys.
type KeyIndex struct {
	bits *bitset.BitSet
	k    uint8
}

// NewKeyIndex sizes a filter for n keys at false positive rate fpp.
func NewKeyIndex(n int, fpp float64) *KeyIndex {
	n = max(n, 1)
	m := math.Ceil(-float64(n) * math.Log(fpp) / (math.Ln2 * math.Ln2))
	m = max(m, 64)
	k := math.Round(m / float64(n) * math.Ln2)
	k = min(max(k, 1), 30)
	return &KeyIndex{bits: bitset.New(uint(m)), k: uint8(k)}
}

func keyHash(key []byte) uint64 {
	h := fnv.New64a()
	h.Write(key)
	return h.Sum64()
}

// eachBit calls fn for each of the k bit positions of hash h, derived from
// its two halves.
func (x *KeyIndex) eachBit(h uint64, fn func(bit uint) bool) bool {
	m := uint64(x.bits.Len())
	h1, h2 := h&math.MaxUint32, h>>32|1
	for i := uint64(0); i < uint64(x.k); i++ {
		if !fn(uint((h1 + i*h2) % m)) {
			return false
		}
	}
	return true
}

// Add records key.
func (x *KeyIndex) Add(key []byte) {
	x.addHash(keyHash(key))
}

func (x *KeyIndex) addHash(h uint64) {
	x.eachBit(h, func(bit uint) bool {
		x.bits.Set(bit)
		return true
	})
}

// MayContain reports false only when key was never added.
func (x *KeyIndex) MayContain(key []byte) bool {
	return x.eachBit(keyHash(key), x.bits.Test)
}

// MarshalBinary encodes the index.
func (x *KeyIndex) MarshalBinary() ([]byte, error) {
	bits, err := x.bits.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "encode key index")
	}
	return append([]byte{keyIndexVersion, x.k}, bits...), nil
}

// DecodeKeyIndex decodes an index written by MarshalBinary.
func DecodeKeyIndex(data []byte) (*KeyIndex, error) {
	if len(data) < 2 {
		return nil, errors.New("key index too short")
	}
	if data[0] != keyIndexVersion {
		return nil, errors.Newf("unsupported key index version: %d", data[0])
	}
	x := &KeyIndex{bits: &bitset.BitSet{}, k: data[1]}
	if err := x.bits.UnmarshalBinary(data[2:]); err != nil {
		return nil, errors.Wrap(err, "decode key index")
	}
	if x.k == 0 || x.bits.Len() == 0 {
		return nil, errors.New("empty key index")
	}
	return x, nil
}

// MayContainKey checks the encoded index of a file. A file without one, or
// with one that does not decode, may hold any key.
func MayContainKey(index, key []byte) bool {
	if len(index) == 0 {
		return true
	}
	x, err := DecodeKeyIndex(index)
	if err != nil {
		return true
	}
	return x.MayContain(key)
}
