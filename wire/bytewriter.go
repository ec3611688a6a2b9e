package wire

import "encoding/binary"

// Writer accumulates bytes for an outbound MTProto frame.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Write appends raw bytes.
func (w *Writer) Write(b []byte) {
	w.buf = append(w.buf, b...)
}

// WriteByte appends a single byte.
func (w *Writer) WriteByte(b byte) {
	w.buf = append(w.buf, b)
}

// Uint32LE appends a 4-byte little-endian unsigned integer.
func (w *Writer) Uint32LE(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// Uint64LE appends an 8-byte little-endian unsigned integer.
func (w *Writer) Uint64LE(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// Int64LE appends an 8-byte little-endian signed integer.
func (w *Writer) Int64LE(v int64) {
	w.Uint64LE(uint64(v))
}

// ShortString encodes data with the "short string" codec of spec.md
// §4.1. Returns ErrOverflow if data is longer than 2^24-1 bytes.
func (w *Writer) ShortString(data []byte) error {
	l := len(data)
	start := len(w.buf)
	switch {
	case l < 254:
		w.WriteByte(byte(l))
		w.Write(data)
	case l <= 0xFFFFFF:
		w.WriteByte(0xFE)
		w.WriteByte(byte(l))
		w.WriteByte(byte(l >> 8))
		w.WriteByte(byte(l >> 16))
		w.Write(data)
	default:
		return ErrOverflow
	}
	fieldLen := len(w.buf) - start
	if pad := (4 - fieldLen%4) % 4; pad > 0 {
		w.Write(make([]byte, pad))
	}
	return nil
}

// LongString encodes data with the "long string" codec: a 4-byte
// little-endian length followed by exactly that many bytes.
func (w *Writer) LongString(data []byte) {
	w.Uint32LE(uint32(len(data)))
	w.Write(data)
}
