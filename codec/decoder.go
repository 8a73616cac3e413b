package codec

import (
	"math"

	"github.com/pkg/errors"
)

// ErrInsufficientData is returned when a decoder runs past the end of its
// buffer.
var ErrInsufficientData = errors.New("insufficient data to decode packet")

// PacketDecoder is used to deserialize an object written by a PacketEncoder.
type PacketDecoder interface {
	GetInt8() (int8, error)
	GetInt64() (int64, error)
	GetArrayLength() (int, error)
	GetBytes() ([]byte, error)
	GetString() (string, error)
	GetStringMap() (map[string]string, error)
	Remaining() int
}

// Decoder is a struct that can be deserialized.
type Decoder interface {
	Decode(d PacketDecoder) error
}

// Decode deserializes b into the struct.
func Decode(b []byte, d Decoder) error {
	return d.Decode(NewByteDecoder(b))
}

// ByteDecoder reads values from a byte slice in the order a ByteEncoder
// wrote them.
type ByteDecoder struct {
	b   []byte
	off int
}

// NewByteDecoder creates a ByteDecoder reading from b.
func NewByteDecoder(b []byte) *ByteDecoder {
	return &ByteDecoder{b: b}
}

// Remaining returns the number of unread bytes.
func (d *ByteDecoder) Remaining() int {
	return len(d.b) - d.off
}

func (d *ByteDecoder) need(n int) error {
	if n < 0 || d.Remaining() < n {
		return ErrInsufficientData
	}
	return nil
}

// GetInt8 reads an int8.
func (d *ByteDecoder) GetInt8() (int8, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	v := int8(d.b[d.off])
	d.off++
	return v, nil
}

func (d *ByteDecoder) getInt16() (int16, error) {
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := int16(Encoding.Uint16(d.b[d.off:]))
	d.off += 2
	return v, nil
}

func (d *ByteDecoder) getInt32() (int32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := int32(Encoding.Uint32(d.b[d.off:]))
	d.off += 4
	return v, nil
}

// GetInt64 reads an int64.
func (d *ByteDecoder) GetInt64() (int64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := int64(Encoding.Uint64(d.b[d.off:]))
	d.off += 8
	return v, nil
}

// GetArrayLength reads an array length. -1 denotes a nil array.
func (d *ByteDecoder) GetArrayLength() (int, error) {
	n, err := d.getInt32()
	if err != nil {
		return 0, err
	}
	if n < -1 || int(n) > d.Remaining() {
		return 0, errInvalidArrayLength
	}
	return int(n), nil
}

// getRawBytes reads length bytes. The result is a copy.
func (d *ByteDecoder) getRawBytes(length int) ([]byte, error) {
	if err := d.need(length); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, d.b[d.off:d.off+length])
	d.off += length
	return out, nil
}

// GetBytes reads a size-prefixed byte slice written by PutBytes.
func (d *ByteDecoder) GetBytes() ([]byte, error) {
	n, err := d.getInt32()
	if err != nil {
		return nil, err
	}
	if n == -1 {
		return nil, nil
	}
	if n < 0 || n > math.MaxInt32 {
		return nil, errInvalidByteSliceLength
	}
	return d.getRawBytes(int(n))
}

// GetString reads a size-prefixed string.
func (d *ByteDecoder) GetString() (string, error) {
	n, err := d.getInt16()
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", errInvalidStringLength
	}
	if err := d.need(int(n)); err != nil {
		return "", err
	}
	s := string(d.b[d.off : d.off+int(n)])
	d.off += int(n)
	return s, nil
}

// GetStringMap reads a map written by PutStringMap.
func (d *ByteDecoder) GetStringMap() (map[string]string, error) {
	n, err := d.GetArrayLength()
	if err != nil {
		return nil, err
	}
	if n == -1 {
		return nil, nil
	}
	m := make(map[string]string, n)
	for i := 0; i < n; i++ {
		k, err := d.GetString()
		if err != nil {
			return nil, err
		}
		v, err := d.GetString()
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}
