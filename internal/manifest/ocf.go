package manifest

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/hamba/avro/v2/ocf"
)

// encodeOCF writes records into an Avro object container compressed with
// zstandard.
func encodeOCF[T any](schema string, records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := ocf.NewEncoder(schema, &buf, ocf.WithCodec(ocf.ZStandard))
	if err != nil {
		return nil, errors.Wrap(err, "create avro encoder")
	}
	for i := range records {
		if err := enc.Encode(records[i]); err != nil {
			return nil, errors.Wrap(err, "encode avro record")
		}
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "close avro encoder")
	}
	return buf.Bytes(), nil
}

// decodeOCF reads every record of an Avro object container.
func decodeOCF[T any](data []byte) ([]T, error) {
	dec, err := ocf.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "open avro container")
	}
	var out []T
	for dec.HasNext() {
		var rec T
		if err := dec.Decode(&rec); err != nil {
			return nil, errors.Wrap(err, "decode avro record")
		}
		out = append(out, rec)
	}
	if err := dec.Error(); err != nil {
		return nil, errors.Wrap(err, "read avro container")
	}
	return out, nil
}
