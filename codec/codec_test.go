package codec

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type testRecord struct {
	small int8
	num   int64
	data  []byte
	name  string
	meta  map[string]string
}

func (r *testRecord) Encode(e PacketEncoder) error {
	e.PutInt8(r.small)
	e.PutInt64(r.num)
	if err := e.PutBytes(r.data); err != nil {
		return err
	}
	if err := e.PutString(r.name); err != nil {
		return err
	}
	return e.PutStringMap(r.meta)
}

func (r *testRecord) Decode(d PacketDecoder) error {
	var err error
	if r.small, err = d.GetInt8(); err != nil {
		return err
	}
	if r.num, err = d.GetInt64(); err != nil {
		return err
	}
	if r.data, err = d.GetBytes(); err != nil {
		return err
	}
	if r.name, err = d.GetString(); err != nil {
		return err
	}
	r.meta, err = d.GetStringMap()
	return err
}

// Ensure a record survives an envelope round trip.
func TestMarshalUnmarshal(t *testing.T) {
	rec := &testRecord{
		small: -3,
		num:   1 << 40,
		data:  []byte("hello"),
		name:  "foo",
		meta:  map[string]string{"b": "2", "a": "1"},
	}
	buf, err := Marshal(rec, MsgTypeLocalRecord)
	require.NoError(t, err)

	out := new(testRecord)
	require.NoError(t, Unmarshal(buf, out, MsgTypeLocalRecord))
	require.Equal(t, rec, out)
}

// Ensure nil slices and maps keep their nil-ness.
func TestMarshalUnmarshalNil(t *testing.T) {
	rec := &testRecord{name: "x"}
	buf, err := Marshal(rec, MsgTypeLocalRecord)
	require.NoError(t, err)

	out := new(testRecord)
	require.NoError(t, Unmarshal(buf, out, MsgTypeLocalRecord))
	require.Nil(t, out.data)
	require.Nil(t, out.meta)
}

// Ensure map encoding does not depend on insertion order.
func TestEncodeDeterministicMap(t *testing.T) {
	a := &testRecord{meta: map[string]string{"x": "1", "y": "2", "z": "3"}}
	b := &testRecord{meta: map[string]string{"z": "3", "x": "1", "y": "2"}}
	for i := 0; i < 10; i++ {
		ab, err := Encode(a)
		require.NoError(t, err)
		bb, err := Encode(b)
		require.NoError(t, err)
		require.Equal(t, ab, bb)
	}
}

// Ensure truncated data is reported rather than panicking.
func TestDecodeTruncated(t *testing.T) {
	rec := &testRecord{name: "foo", data: []byte("bar")}
	payload, err := Encode(rec)
	require.NoError(t, err)

	err = Decode(payload[:len(payload)-3], new(testRecord))
	require.Error(t, err)
}

// Ensure UnmarshalEnvelope returns an error if there is not enough data for an
// envelope.
func TestUnmarshalEnvelopeUnderflow(t *testing.T) {
	_, err := UnmarshalEnvelope([]byte{}, MsgTypeCloudEntries)
	require.True(t, errors.Is(err, ErrInvalidEnvelope))
}

// Ensure UnmarshalEnvelope returns an error if the magic number is different.
func TestUnmarshalEnvelopeUnexpectedMagicNumber(t *testing.T) {
	_, err := UnmarshalEnvelope([]byte("foobarbazqux"), MsgTypeCloudEntries)
	require.True(t, errors.Is(err, ErrInvalidEnvelope))
}

// Ensure UnmarshalEnvelope returns an error if the protocol version is
// unknown.
func TestUnmarshalEnvelopeUnexpectedProtoVersion(t *testing.T) {
	msg := MarshalEnvelope([]byte("payload"), MsgTypeCloudEntries)
	msg[4] = 0x01
	_, err := UnmarshalEnvelope(msg, MsgTypeCloudEntries)
	require.Error(t, err)
}

// Ensure UnmarshalEnvelope rejects a payload of another type.
func TestUnmarshalEnvelopeTypeMismatch(t *testing.T) {
	msg := MarshalEnvelope([]byte("payload"), MsgTypeCloudEntries)
	_, err := UnmarshalEnvelope(msg, MsgTypeStoredBlob)
	require.Error(t, err)
}

// Ensure UnmarshalEnvelope returns an error if the CRC flag is set but no CRC
// is present.
func TestUnmarshalEnvelopeMissingCRC(t *testing.T) {
	msg := MarshalEnvelope([]byte("payload"), MsgTypeCloudEntries)
	msg[5] = envelopeMinHeaderLen
	_, err := UnmarshalEnvelope(msg, MsgTypeCloudEntries)
	require.Error(t, err)
}

// Ensure UnmarshalEnvelope returns an error if the CRC flag is set but the
// CRC doesn't match.
func TestUnmarshalEnvelopeMismatchedCRC(t *testing.T) {
	msg := MarshalEnvelope([]byte("payload"), MsgTypeCloudEntries)
	msg[len(msg)-1] ^= 0x01
	_, err := UnmarshalEnvelope(msg, MsgTypeCloudEntries)
	require.Error(t, err)
}

// Ensure an empty payload is a valid envelope.
func TestEnvelopeEmptyPayload(t *testing.T) {
	msg := MarshalEnvelope(nil, MsgTypeCloudEntries)
	payload, err := UnmarshalEnvelope(msg, MsgTypeCloudEntries)
	require.NoError(t, err)
	require.Empty(t, payload)
}
