package shared

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Failure classes for calls that leave the process. The concrete cause
// stays wrapped underneath; callers branch with errors.Is.
var (
	// ErrAuth means a cloud API rejected our credentials. Never retried;
	// the operator has to re-authenticate.
	ErrAuth = errors.New("authentication rejected")

	// ErrTransient covers failures a later attempt may clear: rate
	// limits, 5xx responses, timeouts, connection resets.
	ErrTransient = errors.New("transient failure")

	// ErrSchemaMissing means a required table or sheet does not exist in
	// the backing store.
	ErrSchemaMissing = errors.New("schema missing")

	// ErrInvalidData marks a payload that fails validation. The datum is
	// discarded and the run continues.
	ErrInvalidData = errors.New("invalid data")
)

// ClassifyStatus maps a non-2xx HTTP status from a cloud API onto the
// failure classes above.
func ClassifyStatus(op string, code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%s: status %d: %w", op, code, ErrAuth)
	case code == http.StatusNotFound:
		return fmt.Errorf("%s: status %d: %w", op, code, ErrSchemaMissing)
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%s: status %d: %w", op, code, ErrTransient)
	default:
		return fmt.Errorf("%s: unexpected status %d", op, code)
	}
}

// ClassifyNetErr wraps transport-level failures (no HTTP status received)
// as transient unless the context was cancelled.
func ClassifyNetErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %v: %w", op, err, ErrTransient)
}
