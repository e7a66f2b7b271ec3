// Package errdefs defines the error kinds shared across Buildhive components.
//
// Components return these typed errors; only the gRPC layer in pkg/api
// translates them into status codes.
package errdefs

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrInvalidArgument indicates a malformed resource name, bad digest,
	// negative read limit or a hash mismatch on write.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound indicates an absent blob, action, operation or job.
	ErrNotFound = errors.New("not found")

	// ErrOutOfRange indicates a read offset past the end of a blob.
	ErrOutOfRange = errors.New("out of range")

	// ErrUpdateNotAllowed indicates a write to an immutable or write-once cache.
	ErrUpdateNotAllowed = errors.New("update not allowed")

	// ErrCancelled indicates an operation cancelled by the client or lost
	// with its bot session.
	ErrCancelled = errors.New("cancelled")

	// ErrRetryExceeded indicates a job that failed more times than the
	// scheduler retry limit.
	ErrRetryExceeded = errors.New("retries exceeded")

	// ErrBackendUnavailable indicates a storage backend I/O failure.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// InvalidArgumentf wraps ErrInvalidArgument with a formatted message.
func InvalidArgumentf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalidArgument)...)
}

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// OutOfRangef wraps ErrOutOfRange with a formatted message.
func OutOfRangef(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrOutOfRange)...)
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ToStatus converts a component error into a gRPC status error. Unknown
// errors map to codes.Internal.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrOutOfRange):
		return status.Error(codes.OutOfRange, err.Error())
	case errors.Is(err, ErrUpdateNotAllowed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrCancelled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, ErrRetryExceeded):
		return status.Error(codes.Internal, err.Error())
	case errors.Is(err, ErrBackendUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
