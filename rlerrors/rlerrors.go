// Package rlerrors defines a sentinel error taxonomy, following the teacher's
// auth/errors.go convention of package-level errors.New sentinels that
// calling code compares with errors.Is rather than parsing error strings.
// No package in this module returns these sentinels: failures surface as
// wrapped store or fmt errors, and lease.Acquire reports a rejection as a
// Lease with Granted false.
package rlerrors

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrNamespaceNotFound reports that a namespace name has no registered
	// id.
	ErrNamespaceNotFound = errors.New("rlerrors: namespace not found")
	// ErrNamespaceExists reports that a namespace name is already
	// registered.
	ErrNamespaceExists = errors.New("rlerrors: namespace already exists")
	// ErrEntityNotFound reports that an operation needed an entity's
	// metadata that does not exist.
	ErrEntityNotFound = errors.New("rlerrors: entity not found")
	// ErrEntityExists reports that an entity id is already registered.
	ErrEntityExists = errors.New("rlerrors: entity already exists")
	// ErrLimitExceeded reports that an acquire found insufficient tokens.
	ErrLimitExceeded = errors.New("rlerrors: limit exceeded")
	// ErrUnsupportedBackend reports that a store.Repository lacks an
	// operation its Capabilities() declared absent.
	ErrUnsupportedBackend = errors.New("rlerrors: operation unsupported by backend")
	// ErrInvalidLimitConfig reports that a limit's capacity, refill amount,
	// or refill period failed validation.
	ErrInvalidLimitConfig = errors.New("rlerrors: invalid limit configuration")
)

// RetryPolicy wraps github.com/cenkalti/backoff/v4 with exponential backoff
// settings for callers that retry an operation. The module's own retries do
// not use it: RedisRepository calls backoff directly, and the lease protocol
// runs its own bounded loop.
type RetryPolicy struct {
	MaxElapsedTime time.Duration
	MaxInterval    time.Duration
}

// DefaultRetryPolicy is tuned for sub-second optimistic-concurrency retries,
// not for waiting out a downstream outage — callers needing the latter
// should wrap a RetryPolicy of their own around this module's calls instead.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxElapsedTime: 2 * time.Second, MaxInterval: 200 * time.Millisecond}
}

// Do runs op with exponential backoff per p, honoring ctx cancellation.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = p.MaxElapsedTime
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}
