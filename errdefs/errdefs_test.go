package errdefs

import (
	"errors"
	"testing"

	"gotest.tools/v3/assert"
)

var errBoom = errors.New("boom")

func TestClassificationRoundTrips(t *testing.T) {
	cases := []struct {
		name string
		err  error
		is   func(error) bool
	}{
		{"NotFound", NotFound(errBoom), IsNotFound},
		{"Forbidden", Forbidden(errBoom), IsForbidden},
		{"InvalidParameter", InvalidParameter(errBoom), IsInvalidParameter},
		{"ResourceExhausted", ResourceExhausted(errBoom), IsResourceExhausted},
		{"Unavailable", Unavailable(errBoom), IsUnavailable},
		{"Cancelled", Cancelled(errBoom), IsCancelled},
		{"DeadlineExceeded", DeadlineExceeded(errBoom), IsDeadlineExceeded},
		{"Conflict", Conflict(errBoom), IsConflict},
		{"Fatal", Fatal(errBoom), IsFatal},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Assert(t, c.is(c.err))
		})
	}
}

func TestClassificationsAreMutuallyExclusive(t *testing.T) {
	err := NotFound(errBoom)
	assert.Assert(t, IsNotFound(err))
	assert.Assert(t, !IsForbidden(err))
	assert.Assert(t, !IsConflict(err))
}

func TestCauseAndUnwrapReachTheOriginalError(t *testing.T) {
	err := Forbidden(errBoom)
	c, ok := err.(interface{ Cause() error })
	assert.Assert(t, ok)
	assert.Equal(t, c.Cause(), errBoom)
	assert.Assert(t, errors.Is(err, errBoom))
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := ResourceExhausted(errBoom)
	assert.Equal(t, err.Error(), "resource exhausted: boom")
}

func TestWrappingNilCauseOmitsColon(t *testing.T) {
	err := Unavailable(nil)
	assert.Equal(t, err.Error(), "unavailable")
}
