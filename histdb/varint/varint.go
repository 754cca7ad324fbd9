package varint

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrShortBuffer = errors.New("varint: read past end of buffer")
	ErrOverflow    = errors.New("varint: value overflows 64 bits")
)

// Writer appends varint-encoded values to a growing buffer.
// A Writer must not be shared between concurrent builds.
type Writer struct {
	buf []byte
}

// NewWriter creates a writer with the given initial capacity
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

func (w *Writer) Uvarint(v uint64) {
	w.buf = protowire.AppendVarint(w.buf, v)
}

// Svarint writes v zigzag encoded so small magnitudes stay short.
func (w *Writer) Svarint(v int64) {
	w.buf = protowire.AppendVarint(w.buf, protowire.EncodeZigZag(v))
}

func (w *Writer) Byte(b byte) {
	w.buf = append(w.buf, b)
}

// Raw copies p verbatim.
func (w *Writer) Raw(p []byte) {
	w.buf = append(w.buf, p...)
}

// Bytes returns the written bytes. The slice aliases the writer's buffer
// until the next write or Reset.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) Len() int { return len(w.buf) }

func (w *Writer) Reset() { w.buf = w.buf[:0] }

// Reader is a forward-only cursor over an immutable byte slice.
// It never mutates the source and never reads past its end.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(p []byte) *Reader {
	return &Reader{buf: p}
}

func (r *Reader) Uvarint() (uint64, error) {
	if r.pos >= len(r.buf) {
		return 0, ErrShortBuffer
	}
	v, n := protowire.ConsumeVarint(r.buf[r.pos:])
	if n < 0 {
		return 0, consumeError(n)
	}
	r.pos += n
	return v, nil
}

func (r *Reader) Svarint() (int64, error) {
	v, err := r.Uvarint()
	if err != nil {
		return 0, err
	}
	return protowire.DecodeZigZag(v), nil
}

func (r *Reader) Byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, ErrShortBuffer
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

// Raw returns the next n bytes as a sub-slice of the source without copying.
func (r *Reader) Raw(n int) ([]byte, error) {
	if n < 0 || n > len(r.buf)-r.pos {
		return nil, ErrShortBuffer
	}
	p := r.buf[r.pos : r.pos+n : r.pos+n]
	r.pos += n
	return p, nil
}

// Pos is the number of bytes consumed so far.
func (r *Reader) Pos() int { return r.pos }

func (r *Reader) Len() int { return len(r.buf) }

func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) EOF() bool { return r.pos >= len(r.buf) }

// consumeError maps protowire's negative length codes; -1 is truncation.
func consumeError(n int) error {
	if n == -1 {
		return ErrShortBuffer
	}
	return ErrOverflow
}
