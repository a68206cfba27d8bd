package domain

import "errors"

var (
	// ErrOrderNotFound is returned when an order id does not resolve to a stored aggregate
	ErrOrderNotFound = errors.New("order not found")

	// ErrOrderExists is returned when creating an aggregate that is already stored
	ErrOrderExists = errors.New("order already exists")

	// ErrUnauthorized is returned when a callback carries the wrong shared secret
	ErrUnauthorized = errors.New("invalid webhook secret")

	// ErrMalformedCallback is returned when a callback payload has no usable image list
	ErrMalformedCallback = errors.New("malformed callback payload")

	// ErrSlotLimitExceeded signals more distinct slots reporting than an order dispatches
	ErrSlotLimitExceeded = errors.New("slot limit exceeded")

	// ErrVersionConflict is returned by the record store when a concurrent writer won
	ErrVersionConflict = errors.New("order version conflict")

	// ErrInvalidSlot is returned for dispatch requests that can never succeed
	ErrInvalidSlot = errors.New("invalid slot request")

	// ErrArtifactRejected is returned when a candidate image URL does not resolve
	ErrArtifactRejected = errors.New("artifact rejected")

	// ErrNoChange lets a merge function skip the write
	ErrNoChange = errors.New("no change")
)

// RetryableError wraps transient errors that the caller may retry
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err is marked transient
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}
