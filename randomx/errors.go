package randomx

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by this package is an *Error whose Kind
// is one of these, so callers can match with errors.Is.
var (
	// ErrAllocation reports that native memory could not be allocated,
	// for example a large-page request on a system without large pages.
	ErrAllocation = errors.New("allocation failed")

	// ErrConfig reports an invalid or unsupported flags/backing-store
	// combination. It is raised before any native call is made.
	ErrConfig = errors.New("invalid configuration")

	// ErrNative reports a native failure sentinel not covered by the
	// other kinds, such as an all-zero hash output.
	ErrNative = errors.New("native failure")

	// ErrParameter reports an invalid argument: an empty seed, or item
	// ranges that are out of bounds or overlap.
	ErrParameter = errors.New("invalid parameter")

	// ErrClosed reports use of a handle after Close.
	ErrClosed = errors.New("handle closed")

	// ErrUnavailable reports a build without the native library.
	ErrUnavailable = errors.New("native library unavailable")
)

// Error is a failure at the native boundary.
type Error struct {
	// Op is the operation that failed, e.g. "new cache".
	Op string
	// Kind is one of the Err* sentinels.
	Kind error
	// Detail is an optional human-readable explanation.
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("randomx: %s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("randomx: %s: %v: %s", e.Op, e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Kind }

func newError(op string, kind error, format string, args ...any) *Error {
	e := &Error{Op: op, Kind: kind}
	if format != "" {
		e.Detail = fmt.Sprintf(format, args...)
	}
	return e
}

// checkFlags re-labels a flag validation failure with the calling operation.
func checkFlags(op string, f Flags) error {
	if err := f.Validate(); err != nil {
		var e *Error
		if errors.As(err, &e) {
			return newError(op, e.Kind, "%s", e.Detail)
		}
		return err
	}
	return nil
}
