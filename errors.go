package flashkv

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Status classifies a StorageError the way spec.md §7 requires:
// callers branch on Status rather than inspecting error strings.
type Status int

const (
	// StatusOK is never attached to an error; it exists so the zero
	// Status is distinguishable from a real failure.
	StatusOK Status = iota
	StatusInvalidArgument
	StatusNotFound
	StatusCorruption
	StatusIOError
	StatusNotSupported
)

func (s Status) String() string {
	switch s {
	case StatusInvalidArgument:
		return "InvalidArgument"
	case StatusNotFound:
		return "NotFound"
	case StatusCorruption:
		return "Corruption"
	case StatusIOError:
		return "IOError"
	case StatusNotSupported:
		return "NotSupported"
	default:
		return "OK"
	}
}

// StorageError wraps a cockroachdb/errors-produced cause with the
// Status the engine's public API projects to callers. Every error
// flashkv returns from a public method is a *StorageError, so
// errors.As always finds one.
type StorageError struct {
	status Status
	cause  error
}

func newStorageError(status Status, cause error) *StorageError {
	return &StorageError{status: status, cause: cause}
}

// Status reports the classification assigned at the error's origin.
func (e *StorageError) Status() Status { return e.status }

// Error satisfies the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("flashkv: %s: %v", e.status, e.cause)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As.
func (e *StorageError) Unwrap() error { return e.cause }

// IsNotFound reports whether err is (or wraps) a NotFound StorageError.
func IsNotFound(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.status == StatusNotFound
}

// Sentinels wrapped by the constructors below.
var (
	errSentinelNotFound = errors.New("key not found")
	errClosed           = errors.New("database is closed")
)

func errNotFound() error {
	return newStorageError(StatusNotFound, errSentinelNotFound)
}

func errInvalidArgument(format string, args ...any) error {
	return newStorageError(StatusInvalidArgument, errors.Newf(format, args...))
}

func errCorruption(format string, args ...any) error {
	return newStorageError(StatusCorruption, errors.Newf(format, args...))
}

func errIO(cause error) error {
	return newStorageError(StatusIOError, errors.Wrap(cause, "I/O failure"))
}

func errNotSupported(format string, args ...any) error {
	return newStorageError(StatusNotSupported, errors.Newf(format, args...))
}
