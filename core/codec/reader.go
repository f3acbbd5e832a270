package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

var (
	ErrTypeMismatch = errors.New("unexpected MessagePack type")
	ErrExtTooLarge  = errors.New("extension payload exceeds destination buffer")
	ErrNegative     = errors.New("negative value for unsigned field")
)

// Reader is a decode cursor over a fixed MessagePack buffer. Every read either
// consumes exactly one value or fails; a failed read may leave the cursor
// anywhere inside the value it was decoding.
type Reader struct {
	src *bytes.Reader
	dec *msgpack.Decoder
}

// NewReader returns a Reader positioned at the start of data.
func NewReader(data []byte) *Reader {
	src := bytes.NewReader(data)
	return &Reader{
		src: src,
		dec: msgpack.NewDecoder(src),
	}
}

// Remaining returns the number of bytes not yet consumed.
func (r *Reader) Remaining() int {
	return r.src.Len()
}

// Peek returns the type code of the next value without consuming it.
func (r *Reader) Peek() (byte, error) {
	return r.dec.PeekCode()
}

// ReadInt decodes a signed or unsigned integer into an int64.
func (r *Reader) ReadInt() (int64, error) {
	c, err := r.Peek()
	if err != nil {
		return 0, err
	}
	if !isInt(c) {
		return 0, fmt.Errorf("%w: code 0x%02x is not an integer", ErrTypeMismatch, c)
	}
	if c == msgpcode.Uint64 {
		v, err := r.dec.DecodeUint64()
		if err != nil {
			return 0, err
		}
		if v > 1<<63-1 {
			return 0, fmt.Errorf("%w: %d overflows int64", ErrTypeMismatch, v)
		}
		return int64(v), nil
	}
	return r.dec.DecodeInt64()
}

// ReadUint decodes a non-negative integer. Signed encodings are accepted as
// long as the value is not negative.
func (r *Reader) ReadUint() (uint64, error) {
	c, err := r.Peek()
	if err != nil {
		return 0, err
	}
	if !isInt(c) {
		return 0, fmt.Errorf("%w: code 0x%02x is not an integer", ErrTypeMismatch, c)
	}
	if isSigned(c) {
		v, err := r.dec.DecodeInt64()
		if err != nil {
			return 0, err
		}
		if v < 0 {
			return 0, ErrNegative
		}
		return uint64(v), nil
	}
	return r.dec.DecodeUint64()
}

// ReadArrayHeader decodes an array length. Nothing is consumed when the next
// value is not an array.
func (r *Reader) ReadArrayHeader() (int, error) {
	c, err := r.Peek()
	if err != nil {
		return 0, err
	}
	if !msgpcode.IsFixedArray(c) && c != msgpcode.Array16 && c != msgpcode.Array32 {
		return 0, fmt.Errorf("%w: code 0x%02x is not an array", ErrTypeMismatch, c)
	}
	return r.dec.DecodeArrayLen()
}

// ReadMapHeader decodes a map length. Nothing is consumed when the next value
// is not a map.
func (r *Reader) ReadMapHeader() (int, error) {
	c, err := r.Peek()
	if err != nil {
		return 0, err
	}
	if !msgpcode.IsFixedMap(c) && c != msgpcode.Map16 && c != msgpcode.Map32 {
		return 0, fmt.Errorf("%w: code 0x%02x is not a map", ErrTypeMismatch, c)
	}
	return r.dec.DecodeMapLen()
}

// ReadString decodes a str value.
func (r *Reader) ReadString() (string, error) {
	c, err := r.Peek()
	if err != nil {
		return "", err
	}
	if !msgpcode.IsString(c) {
		return "", fmt.Errorf("%w: code 0x%02x is not a string", ErrTypeMismatch, c)
	}
	return r.dec.DecodeString()
}

// ReadBool decodes a bool value.
func (r *Reader) ReadBool() (bool, error) {
	c, err := r.Peek()
	if err != nil {
		return false, err
	}
	if c != msgpcode.True && c != msgpcode.False {
		return false, fmt.Errorf("%w: code 0x%02x is not a bool", ErrTypeMismatch, c)
	}
	return r.dec.DecodeBool()
}

// ReadBin decodes a bin value. A nil value decodes as a nil slice.
func (r *Reader) ReadBin() ([]byte, error) {
	c, err := r.Peek()
	if err != nil {
		return nil, err
	}
	if c != msgpcode.Nil && c != msgpcode.Bin8 && c != msgpcode.Bin16 && c != msgpcode.Bin32 {
		return nil, fmt.Errorf("%w: code 0x%02x is not bin", ErrTypeMismatch, c)
	}
	return r.dec.DecodeBytes()
}

// ReadExt decodes an extension value into dst and returns its type and the
// number of bytes copied. The payload must fit in dst; a larger payload fails
// with ErrExtTooLarge before anything is copied.
func (r *Reader) ReadExt(dst []byte) (typ int8, n int, err error) {
	c, err := r.Peek()
	if err != nil {
		return 0, 0, err
	}
	if !isExt(c) {
		return 0, 0, fmt.Errorf("%w: code 0x%02x is not an extension", ErrTypeMismatch, c)
	}
	typ, size, err := r.dec.DecodeExtHeader()
	if err != nil {
		return 0, 0, err
	}
	if size > len(dst) {
		return typ, size, fmt.Errorf("%w: %d > %d", ErrExtTooLarge, size, len(dst))
	}
	// The decoder reads straight from src without buffering ahead.
	if _, err := io.ReadFull(r.src, dst[:size]); err != nil {
		return 0, 0, fmt.Errorf("reading extension payload: %w", err)
	}
	return typ, size, nil
}

// Skip consumes the next value whatever its type.
func (r *Reader) Skip() error {
	return r.dec.Skip()
}

func isInt(c byte) bool {
	if msgpcode.IsFixedNum(c) {
		return true
	}
	switch c {
	case msgpcode.Uint8, msgpcode.Uint16, msgpcode.Uint32, msgpcode.Uint64,
		msgpcode.Int8, msgpcode.Int16, msgpcode.Int32, msgpcode.Int64:
		return true
	}
	return false
}

func isSigned(c byte) bool {
	if c >= msgpcode.NegFixedNumLow {
		return true
	}
	switch c {
	case msgpcode.Int8, msgpcode.Int16, msgpcode.Int32, msgpcode.Int64:
		return true
	}
	return false
}

func isExt(c byte) bool {
	switch c {
	case msgpcode.FixExt1, msgpcode.FixExt2, msgpcode.FixExt4, msgpcode.FixExt8, msgpcode.FixExt16,
		msgpcode.Ext8, msgpcode.Ext16, msgpcode.Ext32:
		return true
	}
	return false
}
