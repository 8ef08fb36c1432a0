package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAuthRequired means the token is missing or the server rejected it.
	// Never retried automatically; the caller must re-authenticate.
	ErrAuthRequired = errors.New("authentication required")
)

// StatusError is a non-2xx response other than 401. Treated as transient.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// ProtocolError means the response body matched none of the tolerated
// envelope shapes. The caller treats the result as empty and reports the
// anomaly instead of crashing.
type ProtocolError struct {
	Endpoint string
	Detail   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on %s: %s", e.Endpoint, e.Detail)
}

// IsTransient reports whether the error is worth retrying later: network
// failures and non-auth HTTP errors. Auth failures, cancellations and
// protocol errors are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthRequired) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pe *ProtocolError
	return !errors.As(err, &pe)
}

// IsCanceled reports whether the error is a cancellation of the request's
// context, i.e. the operation was superseded rather than failed.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
