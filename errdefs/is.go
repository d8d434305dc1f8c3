package errdefs

import "errors"

// IsNotFound reports whether err (or something it wraps) is an ErrNotFound.
func IsNotFound(err error) bool {
	var e ErrNotFound
	return errors.As(err, &e)
}

// IsForbidden reports whether err (or something it wraps) is an ErrForbidden.
func IsForbidden(err error) bool {
	var e ErrForbidden
	return errors.As(err, &e)
}

// IsInvalidParameter reports whether err (or something it wraps) is an ErrInvalidParameter.
func IsInvalidParameter(err error) bool {
	var e ErrInvalidParameter
	return errors.As(err, &e)
}

// IsResourceExhausted reports whether err (or something it wraps) is an ErrResourceExhausted.
func IsResourceExhausted(err error) bool {
	var e ErrResourceExhausted
	return errors.As(err, &e)
}

// IsUnavailable reports whether err (or something it wraps) is an ErrUnavailable.
func IsUnavailable(err error) bool {
	var e ErrUnavailable
	return errors.As(err, &e)
}

// IsCancelled reports whether err (or something it wraps) is an ErrCancelled.
func IsCancelled(err error) bool {
	var e ErrCancelled
	return errors.As(err, &e)
}

// IsDeadlineExceeded reports whether err (or something it wraps) is an ErrDeadlineExceeded.
func IsDeadlineExceeded(err error) bool {
	var e ErrDeadlineExceeded
	return errors.As(err, &e)
}

// IsConflict reports whether err (or something it wraps) is an ErrConflict.
func IsConflict(err error) bool {
	var e ErrConflict
	return errors.As(err, &e)
}

// IsFatal reports whether err (or something it wraps) is an ErrFatal.
func IsFatal(err error) bool {
	var e ErrFatal
	return errors.As(err, &e)
}
