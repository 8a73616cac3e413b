package vault

import (
	"fmt"

	"github.com/pkg/errors"
)

// Service error codes returned by the vault.
const (
	ErrorCodeTokenExpired = 20304
	ErrorCodeInvalidToken = 40100
	ErrorCodeForbidden    = 40300
	ErrorCodeConflict     = 40900
	ErrorCodeRateLimited  = 42900
	ErrorCodeInvalidBody  = 40000
	ErrorCodeInternal     = 50000
)

var (
	// ErrTamperedResponse is returned when the server's answer does not match
	// the request. It is never retried.
	ErrTamperedResponse = errors.New("vault response does not match request")

	// ErrConflict is returned when a push's guard hash is stale.
	ErrConflict = errors.New("vault value was modified concurrently")

	// ErrTokenExpired is returned when the access token has expired.
	ErrTokenExpired = errors.New("access token expired")

	// ErrKeysNotUpdated is returned by a rotation with nothing to rotate.
	ErrKeysNotUpdated = errors.New("neither public keys nor private key given")

	// ErrNoPublicKeys is returned when a recipient set would be empty.
	ErrNoPublicKeys = errors.New("public key list is empty")

	// ErrSignerNotRecipient is returned when a rotation would leave the
	// signing key unable to read the value it writes.
	ErrSignerNotRecipient = errors.New("private key is not among the new public keys")

	// ErrEmptyData is returned when rotating an empty value.
	ErrEmptyData = errors.New("value is empty")

	// ErrInvalidHashHeader is returned when a response carries no usable
	// hash.
	ErrInvalidHashHeader = errors.New("missing or invalid hash header")
)

// ServiceError is an error reported by the vault service.
type ServiceError struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("vault service error %d (http %d): %s", e.Code, e.StatusCode, e.Message)
}

// Is maps service error codes to the package's sentinel errors.
func (e *ServiceError) Is(target error) bool {
	switch target {
	case ErrTokenExpired:
		return e.Code == ErrorCodeTokenExpired
	case ErrConflict:
		return e.Code == ErrorCodeConflict
	}
	return false
}

// IsTokenExpired returns true if the error means the token must be renewed.
func IsTokenExpired(err error) bool {
	return errors.Is(err, ErrTokenExpired)
}

// IsConflict returns true if the error is a failed compare-and-swap.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsTampered returns true if the server returned something other than what
// was asked for.
func IsTampered(err error) bool {
	return errors.Is(err, ErrTamperedResponse)
}
