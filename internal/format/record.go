package format

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"

	"github.com/freeeve/lakehouse/internal/spec"
)

// appendRecord encodes one key value. ids gives the field id of each value.
func appendRecord(buf []byte, kv *spec.KeyValue, ids []int32) ([]byte, error) {
	if len(kv.Value) != len(ids) {
		return nil, errors.AssertionFailedf("record has %d values, schema has %d fields", len(kv.Value), len(ids))
	}
	buf = binary.AppendUvarint(buf, uint64(len(kv.Key)))
	buf = append(buf, kv.Key...)
	buf = binary.AppendVarint(buf, kv.Seq)
	buf = append(buf, byte(kv.Kind))
	buf = binary.AppendUvarint(buf, uint64(len(kv.Value)))
	for i, v := range kv.Value {
		buf = binary.AppendVarint(buf, int64(ids[i]))
		var err error
		if buf, err = appendValue(buf, v); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func appendValue(buf []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return append(buf, tagNull), nil
	case bool:
		b := byte(0)
		if x {
			b = 1
		}
		return append(buf, tagBool, b), nil
	case int32:
		return binary.AppendVarint(append(buf, tagInt), int64(x)), nil
	case int64:
		return binary.AppendVarint(append(buf, tagBigInt), x), nil
	case float64:
		return binary.LittleEndian.AppendUint64(append(buf, tagDouble), math.Float64bits(x)), nil
	case string:
		buf = binary.AppendUvarint(append(buf, tagString), uint64(len(x)))
		return append(buf, x...), nil
	case []byte:
		buf = binary.AppendUvarint(append(buf, tagBytes), uint64(len(x)))
		return append(buf, x...), nil
	}
	return nil, errors.Newf("unsupported value type %T", v)
}

// decoder walks an uncompressed body.
type decoder struct {
	buf []byte
	off int
}

var errTruncated = errors.New("record truncated")

func (d *decoder) uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.off:])
	if n <= 0 {
		return 0, errTruncated
	}
	d.off += n
	return v, nil
}

func (d *decoder) varint() (int64, error) {
	v, n := binary.Varint(d.buf[d.off:])
	if n <= 0 {
		return 0, errTruncated
	}
	d.off += n
	return v, nil
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || d.off+n > len(d.buf) {
		return nil, errTruncated
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) u8() (byte, error) {
	if d.off >= len(d.buf) {
		return 0, errTruncated
	}
	b := d.buf[d.off]
	d.off++
	return b, nil
}

func (d *decoder) done() bool {
	return d.off >= len(d.buf)
}

// key decodes the next record's key and leaves the decoder at the seq.
func (d *decoder) key() ([]byte, error) {
	n, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	return d.take(int(n))
}

// rest decodes seq, kind and values of a record whose key was just read.
func (d *decoder) rest(kv *spec.KeyValue, p *Projection) error {
	var err error
	if kv.Seq, err = d.varint(); err != nil {
		return err
	}
	kind, err := d.u8()
	if err != nil {
		return err
	}
	kv.Kind = spec.RowKind(kind)
	if !kv.Kind.Valid() {
		return errors.Newf("invalid row kind %d", kind)
	}
	n, err := d.uvarint()
	if err != nil {
		return err
	}
	kv.Value = make([]any, p.width())
	for i := uint64(0); i < n; i++ {
		id, err := d.varint()
		if err != nil {
			return err
		}
		v, err := d.value()
		if err != nil {
			return err
		}
		p.place(kv.Value, int32(id), v)
	}
	return nil
}

// skip advances past the seq, kind and values of a record.
func (d *decoder) skip() error {
	if _, err := d.varint(); err != nil {
		return err
	}
	if _, err := d.u8(); err != nil {
		return err
	}
	n, err := d.uvarint()
	if err != nil {
		return err
	}
	for i := uint64(0); i < n; i++ {
		if _, err := d.varint(); err != nil {
			return err
		}
		if _, err := d.value(); err != nil {
			return err
		}
	}
	return nil
}

func (d *decoder) value() (any, error) {
	tag, err := d.u8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagNull:
		return nil, nil
	case tagBool:
		b, err := d.u8()
		return b == 1, err
	case tagInt:
		v, err := d.varint()
		return int32(v), err
	case tagBigInt:
		return d.varint()
	case tagDouble:
		b, err := d.take(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
	case tagString, tagBytes:
		n, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		b, err := d.take(int(n))
		if err != nil {
			return nil, err
		}
		if tag == tagString {
			return string(b), nil
		}
		return append([]byte(nil), b...), nil
	}
	return nil, errors.Newf("unknown value tag %d", tag)
}

// Projection maps stored field ids onto the positions of a read schema.
// Values of dropped columns are skipped, added columns read as NULL and
// widened columns are cast to the new type.
type Projection struct {
	index map[int32]int
	types []spec.DataType
}

// NewProjection builds the projection for reading under s.
func NewProjection(s *spec.TableSchema) *Projection {
	p := &Projection{index: make(map[int32]int, len(s.Fields)), types: s.FieldTypes()}
	for i, f := range s.Fields {
		p.index[f.ID] = i
	}
	return p
}

func (p *Projection) width() int {
	return len(p.types)
}

func (p *Projection) place(dst []any, id int32, v any) {
	i, ok := p.index[id]
	if !ok || v == nil {
		return
	}
	dst[i] = p.types[i].Cast(v)
}
