// Package format reads and writes the sorted data files of a bucket.
package format

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
)

// Data file format: one sorted run fragment, keys ascending, versions of a
// key ascending by sequence number.
//
// File structure:
//   Header (48 bytes fixed):
//     - Magic (4): "LKV1"
//     - Version (2): 1
//     - Flags (2): reserved
//     - RecordCount (4)
//     - Checksum (4): CRC32 of uncompressed body
//     - MinSeq (8), MaxSeq (8)
//     - SchemaID (8): schema the file was written under
//     - DeleteCount (4): retraction rows
//     - MinKeyLen (2), MaxKeyLen (2)
//   MinKey, MaxKey (variable)
//   Body (compressed with zstd), one record after another:
//     - uvarint key length, key bytes
//     - varint seq, kind (1)
//     - uvarint field count, then per field: varint field id, type tag (1), payload
//
// Values are tagged with field ids rather than positions, so a file written
// under an older schema can be read under a newer one.

const (
	Magic          = "LKV1"
	Version        = 1
	fixedHeaderLen = 48
)

// value type tags
const (
	tagNull   byte = 0
	tagBool   byte = 1
	tagInt    byte = 2
	tagBigInt byte = 3
	tagDouble byte = 4
	tagString byte = 5
	tagBytes  byte = 6
)

// Header is the decoded file header.
type Header struct {
	RecordCount uint32
	Checksum    uint32
	MinSeq      int64
	MaxSeq      int64
	SchemaID    int64
	DeleteCount uint32
	MinKey      []byte
	MaxKey      []byte
}

func encodeHeader(h *Header) []byte {
	buf := make([]byte, fixedHeaderLen, fixedHeaderLen+len(h.MinKey)+len(h.MaxKey))
	copy(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.RecordCount)
	binary.LittleEndian.PutUint32(buf[12:16], h.Checksum)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.MinSeq))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(h.MaxSeq))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(h.SchemaID))
	binary.LittleEndian.PutUint32(buf[40:44], h.DeleteCount)
	binary.LittleEndian.PutUint16(buf[44:46], uint16(len(h.MinKey)))
	binary.LittleEndian.PutUint16(buf[46:48], uint16(len(h.MaxKey)))
	buf = append(buf, h.MinKey...)
	return append(buf, h.MaxKey...)
}

// decodeHeader returns the header and its encoded length.
func decodeHeader(buf []byte) (*Header, int, error) {
	if len(buf) < fixedHeaderLen {
		return nil, 0, errors.New("header too short")
	}
	if string(buf[0:4]) != Magic {
		return nil, 0, errors.Newf("invalid magic: %q", buf[0:4])
	}
	if v := binary.LittleEndian.Uint16(buf[4:6]); v != Version {
		return nil, 0, errors.Newf("unsupported version: %d", v)
	}
	h := &Header{
		RecordCount: binary.LittleEndian.Uint32(buf[8:12]),
		Checksum:    binary.LittleEndian.Uint32(buf[12:16]),
		MinSeq:      int64(binary.LittleEndian.Uint64(buf[16:24])),
		MaxSeq:      int64(binary.LittleEndian.Uint64(buf[24:32])),
		SchemaID:    int64(binary.LittleEndian.Uint64(buf[32:40])),
		DeleteCount: binary.LittleEndian.Uint32(buf[40:44]),
	}
	minLen := int(binary.LittleEndian.Uint16(buf[44:46]))
	maxLen := int(binary.LittleEndian.Uint16(buf[46:48]))
	end := fixedHeaderLen + minLen + maxLen
	if len(buf) < end {
		return nil, 0, errors.New("header keys truncated")
	}
	h.MinKey = append([]byte(nil), buf[fixedHeaderLen:fixedHeaderLen+minLen]...)
	h.MaxKey = append([]byte(nil), buf[fixedHeaderLen+minLen:end]...)
	return h, end, nil
}

// Codec holds the zstd encoder and decoder shared by every reader and writer
// of one table. EncodeAll and DecodeAll are safe for concurrent use.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCodec creates the compression state.
func NewCodec() (*Codec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, errors.Wrap(err, "create zstd encoder")
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, errors.Wrap(err, "create zstd decoder")
	}
	return &Codec{encoder: encoder, decoder: decoder}, nil
}

// Close releases the encoder and decoder.
func (c *Codec) Close() {
	c.encoder.Close()
	c.decoder.Close()
}
