package encryption

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"os"

	"github.com/natefinch/atomic"
	"github.com/pkg/errors"

	"github.com/vaultsync-io/vaultsync/codec"
)

const (
	// KeyIDLength is the length of a key identifier in bytes.
	KeyIDLength = 8

	keyFormatV0 = 0
)

// PublicKey is a recipient and signature verification key.
type PublicKey struct {
	id       []byte
	exchange *ecdh.PublicKey
	verify   ed25519.PublicKey
}

// PrivateKey decrypts messages addressed to its public key and signs
// outgoing messages.
type PrivateKey struct {
	exchange *ecdh.PrivateKey
	seed     []byte
	public   *PublicKey
}

// GenerateKeyPair creates a new random key pair.
func GenerateKeyPair() (*PrivateKey, error) {
	exchange, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	_, signing, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return newPrivateKey(exchange, signing.Seed())
}

func newPrivateKey(exchange *ecdh.PrivateKey, seed []byte) (*PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errors.Wrap(ErrInvalidKey, "bad signing seed length")
	}
	signing := ed25519.NewKeyFromSeed(seed)
	pub, err := newPublicKey(exchange.PublicKey().Bytes(), signing.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return &PrivateKey{exchange: exchange, seed: append([]byte(nil), seed...), public: pub}, nil
}

func newPublicKey(exchange, verify []byte) (*PublicKey, error) {
	ex, err := ecdh.X25519().NewPublicKey(exchange)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidKey, err.Error())
	}
	if len(verify) != ed25519.PublicKeySize {
		return nil, errors.Wrap(ErrInvalidKey, "bad verification key length")
	}
	digest, err := Hash(append(append([]byte(nil), exchange...), verify...), SHA512)
	if err != nil {
		return nil, err
	}
	return &PublicKey{
		id:       digest[:KeyIDLength],
		exchange: ex,
		verify:   append(ed25519.PublicKey(nil), verify...),
	}, nil
}

// ID returns the key identifier: the first bytes of the SHA-512 of the key
// material.
func (k *PublicKey) ID() []byte {
	return k.id
}

// String returns the hex key identifier.
func (k *PublicKey) String() string {
	return hex.EncodeToString(k.id)
}

// Equal reports whether both keys hold the same material.
func (k *PublicKey) Equal(other *PublicKey) bool {
	if k == nil || other == nil {
		return k == other
	}
	return bytes.Equal(k.id, other.id) && k.exchange.Equal(other.exchange)
}

// Public returns the public half of the key pair.
func (k *PrivateKey) Public() *PublicKey {
	return k.public
}

// ID returns the identifier of the public half.
func (k *PrivateKey) ID() []byte {
	return k.public.id
}

type publicKeyFile struct {
	exchange []byte
	verify   []byte
}

func (f *publicKeyFile) Encode(e codec.PacketEncoder) error {
	e.PutInt8(keyFormatV0)
	if err := e.PutBytes(f.exchange); err != nil {
		return err
	}
	return e.PutBytes(f.verify)
}

func (f *publicKeyFile) Decode(d codec.PacketDecoder) error {
	version, err := d.GetInt8()
	if err != nil {
		return err
	}
	if version != keyFormatV0 {
		return errors.Wrapf(ErrInvalidKey, "unknown key format %d", version)
	}
	if f.exchange, err = d.GetBytes(); err != nil {
		return err
	}
	f.verify, err = d.GetBytes()
	return err
}

type privateKeyFile struct {
	exchange []byte
	seed     []byte
}

func (f *privateKeyFile) Encode(e codec.PacketEncoder) error {
	e.PutInt8(keyFormatV0)
	if err := e.PutBytes(f.exchange); err != nil {
		return err
	}
	return e.PutBytes(f.seed)
}

func (f *privateKeyFile) Decode(d codec.PacketDecoder) error {
	version, err := d.GetInt8()
	if err != nil {
		return err
	}
	if version != keyFormatV0 {
		return errors.Wrapf(ErrInvalidKey, "unknown key format %d", version)
	}
	if f.exchange, err = d.GetBytes(); err != nil {
		return err
	}
	f.seed, err = d.GetBytes()
	return err
}

// Marshal serializes the public key.
func (k *PublicKey) Marshal() ([]byte, error) {
	return codec.Marshal(&publicKeyFile{exchange: k.exchange.Bytes(), verify: k.verify}, codec.MsgTypePublicKey)
}

// Marshal serializes the private key.
func (k *PrivateKey) Marshal() ([]byte, error) {
	return codec.Marshal(&privateKeyFile{exchange: k.exchange.Bytes(), seed: k.seed}, codec.MsgTypePrivateKey)
}

// ParsePublicKey parses a key produced by PublicKey.Marshal.
func ParsePublicKey(data []byte) (*PublicKey, error) {
	f := new(publicKeyFile)
	if err := codec.Unmarshal(data, f, codec.MsgTypePublicKey); err != nil {
		return nil, errors.Wrap(ErrInvalidKey, err.Error())
	}
	return newPublicKey(f.exchange, f.verify)
}

// ParsePrivateKey parses a key produced by PrivateKey.Marshal.
func ParsePrivateKey(data []byte) (*PrivateKey, error) {
	f := new(privateKeyFile)
	if err := codec.Unmarshal(data, f, codec.MsgTypePrivateKey); err != nil {
		return nil, errors.Wrap(ErrInvalidKey, err.Error())
	}
	exchange, err := ecdh.X25519().NewPrivateKey(f.exchange)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidKey, err.Error())
	}
	return newPrivateKey(exchange, f.seed)
}

// SaveKeyPair atomically writes the private key to path and its public key
// to path + ".pub".
func SaveKeyPair(key *PrivateKey, path string) error {
	priv, err := key.Marshal()
	if err != nil {
		return err
	}
	pub, err := key.Public().Marshal()
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(path, bytes.NewReader(priv)); err != nil {
		return errors.Wrap(err, "failed to write private key")
	}
	if err := os.Chmod(path, 0600); err != nil {
		return err
	}
	return errors.Wrap(atomic.WriteFile(path+".pub", bytes.NewReader(pub)),
		"failed to write public key")
}

// LoadPrivateKey reads a private key file.
func LoadPrivateKey(path string) (*PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePrivateKey(data)
}

// LoadPublicKey reads a public key file.
func LoadPublicKey(path string) (*PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePublicKey(data)
}
