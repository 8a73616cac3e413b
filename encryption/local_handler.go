package encryption

import (
	"os"

	aeadsubtle "github.com/google/tink/go/aead/subtle"
	kwpsubtle "github.com/google/tink/go/kwp/subtle"
	"github.com/google/tink/go/subtle/random"
	"github.com/pkg/errors"
)

// MasterKeyEnv is the environment variable holding the local master key. It
// must be 16 or 32 bytes long.
const MasterKeyEnv = "VAULTSYNC_LOCAL_MASTER_KEY"

// LocalEncryptionHandler seals local vault records at rest. Every record gets
// a fresh data key that is wrapped with the master key.
type LocalEncryptionHandler struct {
	keyWrapper *kwpsubtle.KWP
}

// NewLocalEncryptionHandler creates a handler using the master key from the
// environment.
func NewLocalEncryptionHandler() (*LocalEncryptionHandler, error) {
	masterKey := os.Getenv(MasterKeyEnv)
	if masterKey == "" {
		return nil, errors.Wrapf(ErrInvalidKey, "%s is not set", MasterKeyEnv)
	}
	return NewLocalEncryptionHandlerWithKey([]byte(masterKey))
}

// NewLocalEncryptionHandlerWithKey creates a handler using the given master
// key.
func NewLocalEncryptionHandlerWithKey(masterKey []byte) (*LocalEncryptionHandler, error) {
	kwp, err := kwpsubtle.NewKWP(masterKey)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidKey, err.Error())
	}
	return &LocalEncryptionHandler{keyWrapper: kwp}, nil
}

// Seal encrypts data and prepends the wrapped data key.
//
// |  byte 0  |  byte 1 .. n  |  byte n+1 .. |
// |----------|---------------|--------------|
// | key size |  wrapped key  |  ciphertext  |
func (h *LocalEncryptionHandler) Seal(data []byte) ([]byte, error) {
	dek := random.GetRandomBytes(DataKeyLength)
	aead, err := aeadsubtle.NewAESGCM(dek)
	if err != nil {
		return nil, err
	}
	ciphertext, err := aead.Encrypt(data, nil)
	if err != nil {
		return nil, err
	}
	wrappedKey, err := h.keyWrapper.Wrap(dek)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, 1+len(wrappedKey)+len(ciphertext))
	sealed = append(sealed, byte(len(wrappedKey)))
	sealed = append(sealed, wrappedKey...)
	return append(sealed, ciphertext...), nil
}

// Read reverses Seal.
func (h *LocalEncryptionHandler) Read(sealed []byte) ([]byte, error) {
	if len(sealed) < 1 {
		return nil, errors.Wrap(ErrDecryptionFailed, "sealed data is empty")
	}
	keyEnd := int(sealed[0]) + 1
	if len(sealed) < keyEnd {
		return nil, errors.Wrap(ErrDecryptionFailed, "sealed data is truncated")
	}
	dek, err := h.keyWrapper.Unwrap(sealed[1:keyEnd])
	if err != nil {
		return nil, errors.Wrap(ErrDecryptionFailed, err.Error())
	}
	aead, err := aeadsubtle.NewAESGCM(dek)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Decrypt(sealed[keyEnd:], nil)
	if err != nil {
		return nil, errors.Wrap(ErrDecryptionFailed, err.Error())
	}
	return plaintext, nil
}
