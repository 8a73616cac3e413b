package encryption

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"

	aeadsubtle "github.com/google/tink/go/aead/subtle"
	kwpsubtle "github.com/google/tink/go/kwp/subtle"
	sigsubtle "github.com/google/tink/go/signature/subtle"
	"github.com/google/tink/go/subtle"
	"github.com/google/tink/go/subtle/random"
	"github.com/pkg/errors"

	"github.com/vaultsync-io/vaultsync/codec"
)

const (
	// DataKeyLength is the length of the per-message AES-256-GCM key.
	DataKeyLength = 32

	contentInfoV0 = 0
	kekInfo       = "vaultsync/kek/v0"
)

// Crypto encrypts data for a set of recipients and signs it with a private
// key. The meta returned by Encrypt holds the recipient list and signature.
// The value is the ciphertext.
type Crypto struct{}

// NewCrypto returns a Crypto.
func NewCrypto() *Crypto {
	return &Crypto{}
}

type recipientInfo struct {
	id      []byte
	wrapped []byte
}

type contentInfo struct {
	ephemeral  []byte
	signerID   []byte
	signature  []byte
	recipients []recipientInfo
}

func (c *contentInfo) Encode(e codec.PacketEncoder) error {
	e.PutInt8(contentInfoV0)
	if err := e.PutBytes(c.ephemeral); err != nil {
		return err
	}
	if err := e.PutBytes(c.signerID); err != nil {
		return err
	}
	if err := e.PutBytes(c.signature); err != nil {
		return err
	}
	if err := e.PutArrayLength(len(c.recipients)); err != nil {
		return err
	}
	for _, r := range c.recipients {
		if err := e.PutBytes(r.id); err != nil {
			return err
		}
		if err := e.PutBytes(r.wrapped); err != nil {
			return err
		}
	}
	return nil
}

func (c *contentInfo) Decode(d codec.PacketDecoder) error {
	version, err := d.GetInt8()
	if err != nil {
		return err
	}
	if version != contentInfoV0 {
		return errors.Errorf("unknown content info version %d", version)
	}
	if c.ephemeral, err = d.GetBytes(); err != nil {
		return err
	}
	if c.signerID, err = d.GetBytes(); err != nil {
		return err
	}
	if c.signature, err = d.GetBytes(); err != nil {
		return err
	}
	n, err := d.GetArrayLength()
	if err != nil {
		return err
	}
	if n < 0 {
		return errors.New("missing recipients")
	}
	c.recipients = make([]recipientInfo, n)
	for i := range c.recipients {
		if c.recipients[i].id, err = d.GetBytes(); err != nil {
			return err
		}
		if c.recipients[i].wrapped, err = d.GetBytes(); err != nil {
			return err
		}
	}
	return nil
}

// deriveKEK derives the key-encryption key shared by the ephemeral key and a
// recipient.
func deriveKEK(shared, ephemeral, recipient []byte) (*kwpsubtle.KWP, error) {
	salt := append(append([]byte(nil), ephemeral...), recipient...)
	kek, err := subtle.ComputeHKDF(string(SHA256), shared, salt, []byte(kekInfo), DataKeyLength)
	if err != nil {
		return nil, err
	}
	return kwpsubtle.NewKWP(kek)
}

// Encrypt signs data with signer and encrypts it for every recipient.
func (c *Crypto) Encrypt(data []byte, signer *PrivateKey, recipients []*PublicKey) (meta, value []byte, err error) {
	if len(data) == 0 {
		return nil, nil, ErrEmptyData
	}
	if len(recipients) == 0 {
		return nil, nil, ErrNoRecipients
	}
	if signer == nil {
		return nil, nil, errors.Wrap(ErrInvalidKey, "missing signing key")
	}

	dek := random.GetRandomBytes(DataKeyLength)
	aead, err := aeadsubtle.NewAESGCM(dek)
	if err != nil {
		return nil, nil, err
	}
	value, err = aead.Encrypt(data, nil)
	if err != nil {
		return nil, nil, err
	}

	ephemeral, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	info := &contentInfo{
		ephemeral:  ephemeral.PublicKey().Bytes(),
		signerID:   signer.ID(),
		recipients: make([]recipientInfo, 0, len(recipients)),
	}
	for _, r := range recipients {
		if r == nil {
			return nil, nil, errors.Wrap(ErrInvalidKey, "nil recipient")
		}
		shared, err := ephemeral.ECDH(r.exchange)
		if err != nil {
			return nil, nil, err
		}
		kwp, err := deriveKEK(shared, info.ephemeral, r.exchange.Bytes())
		if err != nil {
			return nil, nil, err
		}
		wrapped, err := kwp.Wrap(dek)
		if err != nil {
			return nil, nil, err
		}
		info.recipients = append(info.recipients, recipientInfo{id: r.ID(), wrapped: wrapped})
	}

	sig, err := sigsubtle.NewED25519Signer(signer.seed)
	if err != nil {
		return nil, nil, err
	}
	if info.signature, err = sig.Sign(data); err != nil {
		return nil, nil, err
	}

	meta, err = codec.Marshal(info, codec.MsgTypeContentInfo)
	if err != nil {
		return nil, nil, err
	}
	return meta, value, nil
}

// Decrypt opens a message produced by Encrypt with recipient and verifies the
// signature against one of signers. Empty meta and value decrypt to empty
// data.
func (c *Crypto) Decrypt(meta, value []byte, recipient *PrivateKey, signers []*PublicKey) ([]byte, error) {
	if len(meta) == 0 && len(value) == 0 {
		return nil, nil
	}
	if recipient == nil {
		return nil, errors.Wrap(ErrInvalidKey, "missing private key")
	}
	info := new(contentInfo)
	if err := codec.Unmarshal(meta, info, codec.MsgTypeContentInfo); err != nil {
		return nil, errors.Wrap(ErrInvalidContentInfo, err.Error())
	}

	var wrapped []byte
	for _, r := range info.recipients {
		if bytes.Equal(r.id, recipient.ID()) {
			wrapped = r.wrapped
			break
		}
	}
	if wrapped == nil {
		return nil, ErrRecipientNotFound
	}

	ephemeral, err := ecdh.X25519().NewPublicKey(info.ephemeral)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidContentInfo, err.Error())
	}
	shared, err := recipient.exchange.ECDH(ephemeral)
	if err != nil {
		return nil, errors.Wrap(ErrDecryptionFailed, err.Error())
	}
	kwp, err := deriveKEK(shared, info.ephemeral, recipient.exchange.PublicKey().Bytes())
	if err != nil {
		return nil, err
	}
	dek, err := kwp.Unwrap(wrapped)
	if err != nil {
		return nil, errors.Wrap(ErrDecryptionFailed, err.Error())
	}
	aead, err := aeadsubtle.NewAESGCM(dek)
	if err != nil {
		return nil, errors.Wrap(ErrDecryptionFailed, err.Error())
	}
	data, err := aead.Decrypt(value, nil)
	if err != nil {
		return nil, errors.Wrap(ErrDecryptionFailed, err.Error())
	}

	var signer *PublicKey
	for _, s := range signers {
		if s != nil && bytes.Equal(s.ID(), info.signerID) {
			signer = s
			break
		}
	}
	if signer == nil {
		return nil, ErrSignerNotFound
	}
	verifier, err := sigsubtle.NewED25519Verifier(signer.verify)
	if err != nil {
		return nil, err
	}
	if err := verifier.Verify(info.signature, data); err != nil {
		return nil, errors.Wrap(ErrSignatureVerification, err.Error())
	}
	return data, nil
}

// Hash returns the digest of data.
func (c *Crypto) Hash(data []byte, alg HashAlgorithm) ([]byte, error) {
	return Hash(data, alg)
}
