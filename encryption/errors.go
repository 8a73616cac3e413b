package encryption

import "github.com/pkg/errors"

var (
	// ErrEmptyData is returned when asked to encrypt nothing.
	ErrEmptyData = errors.New("data is empty")

	// ErrNoRecipients is returned when encrypting for an empty recipient set.
	ErrNoRecipients = errors.New("no recipients given")

	// ErrInvalidKey is returned for malformed or missing key material.
	ErrInvalidKey = errors.New("invalid key")

	// ErrInvalidContentInfo is returned when the encryption meta can't be
	// parsed.
	ErrInvalidContentInfo = errors.New("invalid content info")

	// ErrRecipientNotFound is returned when the private key is not among the
	// recipients of a message.
	ErrRecipientNotFound = errors.New("private key is not a recipient")

	// ErrDecryptionFailed is returned when the data key can't be unwrapped or
	// the ciphertext fails authentication.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrSignerNotFound is returned when no trusted public key matches the
	// signer of a message.
	ErrSignerNotFound = errors.New("signer not found")

	// ErrSignatureVerification is returned when a signature does not verify.
	ErrSignatureVerification = errors.New("signature verification failed")

	// ErrUnsupportedHash is returned for an unknown hash algorithm.
	ErrUnsupportedHash = errors.New("unsupported hash algorithm")
)

// IsRecipientNotFound returns true if the error means the private key can't
// open the message.
func IsRecipientNotFound(err error) bool {
	return errors.Is(err, ErrRecipientNotFound)
}

// IsVerificationError returns true if the error is a signature failure of
// any kind.
func IsVerificationError(err error) bool {
	return errors.Is(err, ErrSignerNotFound) || errors.Is(err, ErrSignatureVerification)
}
