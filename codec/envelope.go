package codec

import (
	"bytes"
	"fmt"
	"hash/crc32"

	"github.com/pkg/errors"
)

// MsgType indicates the type of payload contained by an envelope.
type MsgType byte

const (
	// MsgTypeCloudEntries is the serialized name-to-entry map stored as the
	// remote blob.
	MsgTypeCloudEntries MsgType = iota + 1

	// MsgTypeContentInfo is the recipient and signature info produced by
	// encryption.
	MsgTypeContentInfo

	// MsgTypeLocalRecord is a local vault record.
	MsgTypeLocalRecord

	// MsgTypeStoredBlob is a blob persisted by the vault server.
	MsgTypeStoredBlob

	// MsgTypePrivateKey and MsgTypePublicKey are exported key files.
	MsgTypePrivateKey
	MsgTypePublicKey
)

func (m MsgType) String() string {
	switch m {
	case MsgTypeCloudEntries:
		return "CloudEntries"
	case MsgTypeContentInfo:
		return "ContentInfo"
	case MsgTypeLocalRecord:
		return "LocalRecord"
	case MsgTypeStoredBlob:
		return "StoredBlob"
	case MsgTypePrivateKey:
		return "PrivateKey"
	case MsgTypePublicKey:
		return "PublicKey"
	default:
		return fmt.Sprintf("MsgType(%d)", byte(m))
	}
}

const (
	// envelopeProtoV0 is version 0 of the envelope protocol.
	envelopeProtoV0 = 0x00

	// envelopeMinHeaderLen is the minimum length of the envelope header, i.e.
	// without CRC-32C set.
	envelopeMinHeaderLen = 8

	// envelopeCRCHeaderLen is the header length with the CRC-32C present.
	envelopeCRCHeaderLen = envelopeMinHeaderLen + 4

	flagCRC = 0
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

var (
	// envelopeMagicNumber marks codec envelopes. It is restricted to invalid
	// UTF-8 so text files never match.
	envelopeMagicNumber    = []byte{0xB9, 0x0E, 0x43, 0xB4}
	envelopeMagicNumberLen = len(envelopeMagicNumber)

	// ErrInvalidEnvelope is returned for any malformed envelope.
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

// MarshalEnvelope wraps payload in an envelope of the given type. The payload
// is always protected by a CRC-32C.
func MarshalEnvelope(payload []byte, msgType MsgType) []byte {
	var (
		buf = make([]byte, envelopeCRCHeaderLen+len(payload))
		pos = 0
	)
	copy(buf[pos:], envelopeMagicNumber)
	pos += envelopeMagicNumberLen
	buf[pos] = envelopeProtoV0 // Version
	pos++
	buf[pos] = byte(envelopeCRCHeaderLen) // HeaderLen
	pos++
	buf[pos] = setBit(0x00, flagCRC) // Flags
	pos++
	buf[pos] = byte(msgType) // MsgType
	pos++
	Encoding.PutUint32(buf[pos:], crc32.Checksum(payload, crc32cTable))
	pos += 4
	if pos != envelopeCRCHeaderLen {
		panic(fmt.Sprintf("Payload position (%d) does not match expected HeaderLen (%d)",
			pos, envelopeCRCHeaderLen))
	}
	copy(buf[pos:], payload)
	return buf
}

// UnmarshalEnvelope validates the envelope and returns its payload.
func UnmarshalEnvelope(data []byte, expectedType MsgType) ([]byte, error) {
	if len(data) < envelopeMinHeaderLen {
		return nil, errors.Wrap(ErrInvalidEnvelope, "data missing envelope header")
	}
	if !bytes.Equal(data[:envelopeMagicNumberLen], envelopeMagicNumber) {
		return nil, errors.Wrap(ErrInvalidEnvelope, "unexpected envelope magic number")
	}
	if data[4] != envelopeProtoV0 {
		return nil, errors.Wrapf(ErrInvalidEnvelope, "unknown envelope protocol: %v", data[4])
	}

	var (
		headerLen  = int(data[5])
		flags      = data[6]
		actualType = MsgType(data[7])
	)
	if headerLen < envelopeMinHeaderLen || headerLen > len(data) {
		return nil, errors.Wrap(ErrInvalidEnvelope, "incorrect envelope header size")
	}
	if actualType != expectedType {
		return nil, errors.Wrapf(ErrInvalidEnvelope, "MsgType mismatch: expected %v, got %v",
			expectedType, actualType)
	}
	payload := data[headerLen:]

	if hasBit(flags, flagCRC) {
		if headerLen != envelopeCRCHeaderLen {
			return nil, errors.Wrap(ErrInvalidEnvelope, "incorrect envelope header size")
		}
		crc := Encoding.Uint32(data[envelopeMinHeaderLen:headerLen])
		if c := crc32.Checksum(payload, crc32cTable); c != crc {
			return nil, errors.Wrapf(ErrInvalidEnvelope, "crc mismatch: expected %d, got %d", crc, c)
		}
	}
	return payload, nil
}

// Marshal encodes e and wraps it in an envelope.
func Marshal(e Encoder, msgType MsgType) ([]byte, error) {
	payload, err := Encode(e)
	if err != nil {
		return nil, err
	}
	return MarshalEnvelope(payload, msgType), nil
}

// Unmarshal unwraps an envelope and decodes its payload into d. Trailing
// bytes after the decoded struct are an error.
func Unmarshal(data []byte, d Decoder, msgType MsgType) error {
	payload, err := UnmarshalEnvelope(data, msgType)
	if err != nil {
		return err
	}
	dec := NewByteDecoder(payload)
	if err := d.Decode(dec); err != nil {
		return err
	}
	if dec.Remaining() != 0 {
		return errors.Wrapf(ErrInvalidEnvelope, "%d trailing bytes", dec.Remaining())
	}
	return nil
}

// hasBit checks if the given bit position is set on the provided byte.
func hasBit(n byte, pos uint8) bool {
	val := n & (1 << pos)
	return (val > 0)
}

func setBit(n byte, pos uint8) byte {
	return n | (1 << pos)
}
