package door

import "errors"

// Open rejections. Transports collapse all of them into a single "not
// authorized" answer.
var (
	// ErrNoWindow indicates an open attempt without a preceding ring.
	ErrNoWindow = errors.New("door: no active authorization window")
	// ErrSecretMismatch indicates the presented secret does not match the
	// active window.
	ErrSecretMismatch = errors.New("door: secret mismatch")
	// ErrUnauthorized indicates the access key was rejected.
	ErrUnauthorized = errors.New("door: unauthorized")
)

// IsRejected reports whether err is one of the open rejections above.
func IsRejected(err error) bool {
	return errors.Is(err, ErrNoWindow) || errors.Is(err, ErrSecretMismatch) || errors.Is(err, ErrUnauthorized)
}
