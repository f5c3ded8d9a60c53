// Package httpretry retries requests to remote trust services.
package httpretry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// StatusError is returned for responses with an unexpected status.
type StatusError struct {
	StatusCode int
	Status     string
	// Message is the error reported by the server, if any.
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %s", e.Status)
	}
	return fmt.Sprintf("request failed with status %s: %s", e.Status, e.Message)
}

// Retryable reports whether a request failing with err may succeed when sent again.
// Transport errors and 5xx responses are retryable, other responses are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= http.StatusInternalServerError
	}
	return true
}

// Do runs op until it succeeds, fails with a non-retryable error, ctx is done, or retryFor has passed.
// A retryFor of zero runs op exactly once.
func Do(ctx context.Context, retryFor time.Duration, op func() error) error {
	if retryFor <= 0 {
		return op()
	}
	policy := backoff.WithContext(backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(retryFor)), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
