package spec

import (
	"bytes"
)

// PartitionFilter selects partitions by their encoded value.
type PartitionFilter interface {
	// Match reports whether one encoded partition is selected.
	Match(partition []byte) bool
	// MayMatch reports whether any partition in [min, max] could be selected.
	MayMatch(min, max []byte) bool
}

// PartitionEquals selects exactly one partition.
type PartitionEquals []byte

// NewPartitionEquals encodes values with the schema's partition types.
func NewPartitionEquals(s *TableSchema, values ...any) PartitionEquals {
	return PartitionEquals(EncodeKey(s.PartitionTypes(), values))
}

func (p PartitionEquals) Match(partition []byte) bool {
	return bytes.Equal(p, partition)
}

func (p PartitionEquals) MayMatch(min, max []byte) bool {
	return bytes.Compare(min, p) <= 0 && bytes.Compare(p, max) <= 0
}

// PartitionIn selects any of a set of partitions.
type PartitionIn []PartitionEquals

func (p PartitionIn) Match(partition []byte) bool {
	for _, e := range p {
		if e.Match(partition) {
			return true
		}
	}
	return false
}

func (p PartitionIn) MayMatch(min, max []byte) bool {
	for _, e := range p {
		if e.MayMatch(min, max) {
			return true
		}
	}
	return false
}

// KeyRange bounds encoded primary keys: Lower inclusive, Upper exclusive.
// A nil bound is unbounded.
type KeyRange struct {
	Lower []byte
	Upper []byte
}

// NewKeyRange encodes primary-key bounds. Either side may be nil.
func NewKeyRange(s *TableSchema, lower, upper []any) *KeyRange {
	r := &KeyRange{}
	if lower != nil {
		r.Lower = EncodeKey(s.KeyTypes(), lower)
	}
	if upper != nil {
		r.Upper = EncodeKey(s.KeyTypes(), upper)
	}
	return r
}

// PointKey returns a range holding exactly one key.
func PointKey(key []byte) *KeyRange {
	upper := append(append([]byte(nil), key...), 0)
	return &KeyRange{Lower: key, Upper: upper}
}

// Point returns the key of a range that holds exactly one key, as built by
// PointKey.
func (r *KeyRange) Point() ([]byte, bool) {
	if r == nil || r.Lower == nil || len(r.Upper) != len(r.Lower)+1 {
		return nil, false
	}
	if r.Upper[len(r.Lower)] != 0 || !bytes.Equal(r.Upper[:len(r.Lower)], r.Lower) {
		return nil, false
	}
	return r.Lower, true
}

// Contains reports whether key is in range. A nil range contains everything.
func (r *KeyRange) Contains(key []byte) bool {
	if r == nil {
		return true
	}
	if r.Lower != nil && bytes.Compare(key, r.Lower) < 0 {
		return false
	}
	if r.Upper != nil && bytes.Compare(key, r.Upper) >= 0 {
		return false
	}
	return true
}

// Before reports whether key is below the range.
func (r *KeyRange) Before(key []byte) bool {
	return r != nil && r.Lower != nil && bytes.Compare(key, r.Lower) < 0
}

// After reports whether key is at or above the upper bound.
func (r *KeyRange) After(key []byte) bool {
	return r != nil && r.Upper != nil && bytes.Compare(key, r.Upper) >= 0
}

// Overlaps reports whether the closed interval [min, max] meets the range.
func (r *KeyRange) Overlaps(min, max []byte) bool {
	if r == nil {
		return true
	}
	if r.Upper != nil && bytes.Compare(min, r.Upper) >= 0 {
		return false
	}
	if r.Lower != nil && bytes.Compare(max, r.Lower) < 0 {
		return false
	}
	return true
}
