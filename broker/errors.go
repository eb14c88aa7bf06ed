package broker

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited is matched by errors.Is against *RateLimitedError.
	ErrRateLimited = errors.New("rate limited")

	// ErrDegraded is matched by errors.Is against *DegradedError.
	ErrDegraded = errors.New("credential refresh degraded")
)

// RateLimitedError is returned when local admission control defers a call.
// The caller should back off for RetryAfter; the broker never waits on its
// behalf.
type RateLimitedError struct {
	Identity   string
	Service    string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %s on %s, retry after %s", e.Identity, e.Service, e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// DegradedError is returned when the refresh scheduler has exhausted its
// retries for a cache entry. Err is the most recent refresh failure.
type DegradedError struct {
	Identity string
	Err      error
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("credential for %s degraded: %v", e.Identity, e.Err)
}

func (e *DegradedError) Unwrap() error {
	return e.Err
}

func (e *DegradedError) Is(target error) bool {
	return target == ErrDegraded
}
