package codec

import (
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrBufferFull is returned when a value does not fit in the remaining output
// capacity.
var ErrBufferFull = errors.New("output buffer full")

// Writer is an encode cursor over a fixed output buffer. A value that does
// not fit is rejected as a whole: the bytes written before the failing call
// are kept and nothing of the failing value remains.
type Writer struct {
	buf []byte
	n   int
	enc *msgpack.Encoder
}

// NewWriter returns a Writer that encodes into buf[:len(buf)].
func NewWriter(buf []byte) *Writer {
	w := &Writer{buf: buf}
	w.enc = msgpack.NewEncoder(w)
	return w
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return w.n
}

// Cap returns the total output capacity.
func (w *Writer) Cap() int {
	return len(w.buf)
}

// Bytes returns the encoded bytes. The slice aliases the output buffer.
func (w *Writer) Bytes() []byte {
	return w.buf[:w.n]
}

// Truncate discards everything written after the first n bytes. It is used
// to drop a reply that could only be encoded partially.
func (w *Writer) Truncate(n int) {
	if n >= 0 && n < w.n {
		w.n = n
	}
}

// Write implements io.Writer for the encoder. It never writes partially.
func (w *Writer) Write(p []byte) (int, error) {
	if len(p) > len(w.buf)-w.n {
		return 0, ErrBufferFull
	}
	copy(w.buf[w.n:], p)
	w.n += len(p)
	return len(p), nil
}

// WriteByte implements io.ByteWriter so the encoder uses the buffer directly.
func (w *Writer) WriteByte(c byte) error {
	if w.n >= len(w.buf) {
		return ErrBufferFull
	}
	w.buf[w.n] = c
	w.n++
	return nil
}

// WriteString implements io.StringWriter.
func (w *Writer) WriteString(s string) (int, error) {
	if len(s) > len(w.buf)-w.n {
		return 0, ErrBufferFull
	}
	copy(w.buf[w.n:], s)
	w.n += len(s)
	return len(s), nil
}

// atomic runs fn and rolls the cursor back if it fails.
func (w *Writer) atomic(fn func() error) error {
	mark := w.n
	if err := fn(); err != nil {
		w.n = mark
		return err
	}
	return nil
}

// WriteInt encodes a signed integer in its most compact form.
func (w *Writer) WriteInt(v int64) error {
	return w.atomic(func() error { return w.enc.EncodeInt(v) })
}

// WriteUint encodes an unsigned integer in its most compact form.
func (w *Writer) WriteUint(v uint64) error {
	return w.atomic(func() error { return w.enc.EncodeUint(v) })
}

// WriteBool encodes a bool.
func (w *Writer) WriteBool(v bool) error {
	return w.atomic(func() error { return w.enc.EncodeBool(v) })
}

// WriteNil encodes nil.
func (w *Writer) WriteNil() error {
	return w.atomic(w.enc.EncodeNil)
}

// WriteStr encodes s as a MessagePack str.
func (w *Writer) WriteStr(s string) error {
	return w.atomic(func() error { return w.enc.EncodeString(s) })
}

// WriteBin encodes b as a MessagePack bin.
func (w *Writer) WriteBin(b []byte) error {
	return w.atomic(func() error { return w.enc.EncodeBytes(b) })
}

// WriteArrayHeader encodes an array length.
func (w *Writer) WriteArrayHeader(n int) error {
	return w.atomic(func() error { return w.enc.EncodeArrayLen(n) })
}

// WriteMapHeader encodes a map length.
func (w *Writer) WriteMapHeader(n int) error {
	return w.atomic(func() error { return w.enc.EncodeMapLen(n) })
}

// WriteExt encodes data as an extension value of the given type.
func (w *Writer) WriteExt(typ int8, data []byte) error {
	return w.atomic(func() error {
		if err := w.enc.EncodeExtHeader(typ, len(data)); err != nil {
			return err
		}
		_, err := w.Write(data)
		return err
	})
}
