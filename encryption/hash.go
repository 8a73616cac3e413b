package encryption

import (
	"github.com/google/tink/go/subtle"
	"github.com/pkg/errors"
)

// HashAlgorithm names a hash function understood by Tink.
type HashAlgorithm string

// Supported hash algorithms.
const (
	SHA256 HashAlgorithm = "SHA256"
	SHA384 HashAlgorithm = "SHA384"
	SHA512 HashAlgorithm = "SHA512"
)

// Hash returns the digest of data.
func Hash(data []byte, alg HashAlgorithm) ([]byte, error) {
	newHash := subtle.GetHashFunc(string(alg))
	if newHash == nil {
		return nil, errors.Wrapf(ErrUnsupportedHash, "%q", alg)
	}
	h := newHash()
	h.Write(data)
	return h.Sum(nil), nil
}
