package keystore

import "github.com/pkg/errors"

var (
	// ErrOutOfSync is returned when an operation needs the cloud state but
	// RetrieveCloudEntries has not succeeded yet.
	ErrOutOfSync = errors.New("cloud key store is not synchronized")

	// ErrNotFound is returned when a name is absent where it must exist.
	ErrNotFound = errors.New("entry not found")

	// ErrAlreadyExists is returned when a name is present where it must not
	// exist.
	ErrAlreadyExists = errors.New("entry already exists")

	// ErrInvalidMeta is returned when caller meta uses a reserved key.
	ErrInvalidMeta = errors.New("meta uses a reserved key")

	// ErrInvalidInput is returned for empty names or empty batches.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidFormat is returned when the cloud blob can't be decoded.
	ErrInvalidFormat = errors.New("invalid cloud entries format")

	// ErrInconsistentState is returned when the local and cloud views of an
	// entry disagree in a way reconciliation can't fix.
	ErrInconsistentState = errors.New("local and cloud state are inconsistent")
)

// IsOutOfSync returns true if the store must be synchronized first.
func IsOutOfSync(err error) bool {
	return errors.Is(err, ErrOutOfSync)
}

// IsNotFound returns true if the error is a missing entry.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists returns true if the error is a name collision.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}
