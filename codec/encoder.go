package codec

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/pkg/errors"
)

var (
	// Encoding is the byte order used by every codec format.
	Encoding = binary.BigEndian

	errInvalidStringLength    = errors.New("invalid string length")
	errInvalidArrayLength     = errors.New("invalid array length")
	errInvalidByteSliceLength = errors.New("invalid byteslice length")
)

// PacketEncoder is used to serialize an object.
type PacketEncoder interface {
	PutInt8(in int8)
	PutInt64(in int64)
	PutArrayLength(in int) error
	PutBytes(in []byte) error
	PutString(in string) error
	PutStringMap(in map[string]string) error
}

// Encoder is a struct that can be serialized.
type Encoder interface {
	Encode(e PacketEncoder) error
}

// Encode serializes the struct to bytes. The first pass computes the length,
// the second fills a buffer of exactly that size.
func Encode(e Encoder) ([]byte, error) {
	lenEnc := new(LenEncoder)
	if err := e.Encode(lenEnc); err != nil {
		return nil, err
	}

	b := make([]byte, lenEnc.Length)
	if err := e.Encode(NewByteEncoder(b)); err != nil {
		return nil, err
	}
	return b, nil
}

// sortedKeys returns the keys of m in ascending order so maps always encode
// to the same bytes.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LenEncoder is a PacketEncoder that tracks the running length of serialized
// bytes.
type LenEncoder struct {
	Length int
}

// PutInt8 increments length for an int8.
func (e *LenEncoder) PutInt8(in int8) {
	e.Length++
}

// PutInt64 increments length for an int64.
func (e *LenEncoder) PutInt64(in int64) {
	e.Length += 8
}

// PutArrayLength increments length for an array size.
func (e *LenEncoder) PutArrayLength(in int) error {
	if in > math.MaxInt32 {
		return errInvalidArrayLength
	}
	e.Length += 4
	return nil
}

// PutBytes increments length for a size-prefixed byte array.
func (e *LenEncoder) PutBytes(in []byte) error {
	e.Length += 4
	if in == nil {
		return nil
	}
	if len(in) > math.MaxInt32 {
		return errInvalidByteSliceLength
	}
	e.Length += len(in)
	return nil
}

// PutString increments length for a string.
func (e *LenEncoder) PutString(in string) error {
	if len(in) > math.MaxInt16 {
		return errInvalidStringLength
	}
	e.Length += 2 + len(in)
	return nil
}

// PutStringMap increments length for a string map. A nil map costs only the
// length prefix.
func (e *LenEncoder) PutStringMap(in map[string]string) error {
	if err := e.PutArrayLength(len(in)); err != nil {
		return err
	}
	for k, v := range in {
		if err := e.PutString(k); err != nil {
			return err
		}
		if err := e.PutString(v); err != nil {
			return err
		}
	}
	return nil
}

// ByteEncoder is a PacketEncoder that serializes data into a byte slice.
type ByteEncoder struct {
	b   []byte
	off int
}

// NewByteEncoder creates a new ByteEncoder with the given backing
// pre-allocated byte slice.
func NewByteEncoder(b []byte) *ByteEncoder {
	return &ByteEncoder{b: b}
}

// Bytes returns the underlying byte slice.
func (e *ByteEncoder) Bytes() []byte {
	return e.b
}

// PutInt8 serializes an int8.
func (e *ByteEncoder) PutInt8(in int8) {
	e.b[e.off] = byte(in)
	e.off++
}

func (e *ByteEncoder) putInt16(in int16) {
	Encoding.PutUint16(e.b[e.off:], uint16(in))
	e.off += 2
}

func (e *ByteEncoder) putInt32(in int32) {
	Encoding.PutUint32(e.b[e.off:], uint32(in))
	e.off += 4
}

// PutInt64 serializes an int64.
func (e *ByteEncoder) PutInt64(in int64) {
	Encoding.PutUint64(e.b[e.off:], uint64(in))
	e.off += 8
}

// PutArrayLength serializes an array length as an int32.
func (e *ByteEncoder) PutArrayLength(in int) error {
	e.putInt32(int32(in))
	return nil
}

// PutBytes serializes a size-prefixed byte slice. Nil is written as -1.
func (e *ByteEncoder) PutBytes(in []byte) error {
	if in == nil {
		e.putInt32(-1)
		return nil
	}
	e.putInt32(int32(len(in)))
	copy(e.b[e.off:], in)
	e.off += len(in)
	return nil
}

// PutString serializes a size-prefixed string.
func (e *ByteEncoder) PutString(in string) error {
	e.putInt16(int16(len(in)))
	copy(e.b[e.off:], in)
	e.off += len(in)
	return nil
}

// PutStringMap serializes a map as a count followed by key/value pairs in
// ascending key order. Nil is written as -1.
func (e *ByteEncoder) PutStringMap(in map[string]string) error {
	if in == nil {
		e.putInt32(-1)
		return nil
	}
	if err := e.PutArrayLength(len(in)); err != nil {
		return err
	}
	for _, k := range sortedKeys(in) {
		if err := e.PutString(k); err != nil {
			return err
		}
		if err := e.PutString(in[k]); err != nil {
			return err
		}
	}
	return nil
}
