// Package wire implements the little cursor-over-bytes primitives the
// MTProto wire format is built from: little/big-endian integer I/O and
// the padded "binary string" codec (spec.md §4.1), grounded on the
// reference implementation's Bytedata helper.
package wire

import (
	"encoding/binary"
	"errors"
)

// Errors returned by the binary-string and integer codecs.
var (
	ErrOverflow       = errors.New("wire: string too long to encode")
	ErrMalformed      = errors.New("wire: malformed binary string")
	ErrUnexpectedEOF  = errors.New("wire: unexpected end of data")
	ErrTrailingBytes  = errors.New("wire: trailing bytes after decode")
)

// Reader is a cursor over an immutable byte span.
type Reader struct {
	data []byte
	pos  int
}

// NewReader wraps b in a Reader. b is not copied; callers must not
// mutate it while the Reader is in use.
func NewReader(b []byte) *Reader {
	return &Reader{data: b}
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int { return len(r.data) - r.pos }

// Read returns the next n bytes and advances the cursor.
func (r *Reader) Read(n int) ([]byte, error) {
	if n < 0 || r.Len() < n {
		return nil, ErrUnexpectedEOF
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ReadByte reads a single byte.
func (r *Reader) ReadByte() (byte, error) {
	b, err := r.Read(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Uint32LE reads a 4-byte little-endian unsigned integer.
func (r *Reader) Uint32LE() (uint32, error) {
	b, err := r.Read(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Uint64LE reads an 8-byte little-endian unsigned integer.
func (r *Reader) Uint64LE() (uint64, error) {
	b, err := r.Read(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Int64LE reads an 8-byte little-endian signed integer.
func (r *Reader) Int64LE() (int64, error) {
	v, err := r.Uint64LE()
	return int64(v), err
}

// Uint32BE reads a 4-byte big-endian unsigned integer.
func (r *Reader) Uint32BE() (uint32, error) {
	b, err := r.Read(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// ShortString decodes the "short string" binary-string codec of
// spec.md §4.1: a 1-byte length for L < 254, or 0xFE followed by a
// 3-byte little-endian length for 254 <= L <= 2^24-1, payload, then
// zero padding to the next 4-byte boundary (counted from the start of
// the whole field). A length byte of 255 is malformed.
func (r *Reader) ShortString() ([]byte, error) {
	start := r.pos
	lenByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	var length int
	switch {
	case lenByte == 0xFF:
		return nil, ErrMalformed
	case lenByte == 0xFE:
		b, err := r.Read(3)
		if err != nil {
			return nil, err
		}
		length = int(b[0]) | int(b[1])<<8 | int(b[2])<<16
	default:
		length = int(lenByte)
	}
	payload, err := r.Read(length)
	if err != nil {
		return nil, err
	}
	fieldLen := r.pos - start
	if pad := (4 - fieldLen%4) % 4; pad > 0 {
		if _, err := r.Read(pad); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// LongString decodes the "long string" codec: a 4-byte little-endian
// length followed by exactly that many bytes, with no padding.
func (r *Reader) LongString() ([]byte, error) {
	length, err := r.Uint32LE()
	if err != nil {
		return nil, err
	}
	return r.Read(int(length))
}
