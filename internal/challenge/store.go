// Package challenge holds pending one-time codes keyed by identity.
//
// A key has at most one live challenge. Issuing for a key that already has one
// supersedes it, and every successful, expired or exhausted verification destroys
// the entry, so a code can never be accepted twice.
package challenge

import (
	"context"
	"time"

	"github.com/ankitkr9911/Cipherstorm/internal/domain"
)

// DefaultMaxAttempts bounds invalid verifications per challenge.
const DefaultMaxAttempts = 5

// Expired challenges are retained this long past their expiry so a late
// verification reports "expired" rather than "absent".
const expiredRetention = 10 * time.Minute

// Store is the contract shared by the in-memory and Redis implementations.
// Errors are returned only for infrastructure faults; business outcomes are
// reported through domain.VerifyResult.
type Store interface {
	// Issue creates or supersedes the challenge for key.
	Issue(ctx context.Context, key, code string, ttl time.Duration, pending *domain.PendingTransaction) (*domain.Challenge, error)
	// Reissue swaps the code and validity window of a live challenge, keeping its
	// payload and attempt counter. The result is VerifyOK on success.
	Reissue(ctx context.Context, key, code string, ttl time.Duration) (domain.VerifyResult, *domain.Challenge, error)
	// Verify checks code against the challenge for key. The challenge is returned
	// only with VerifyOK, or with VerifyInvalid to expose the attempt count.
	Verify(ctx context.Context, key, code string) (domain.VerifyResult, *domain.Challenge, error)
	// Cancel removes the challenge for key. Cancelling an absent key is not an error.
	Cancel(ctx context.Context, key string) error
	// Sweep purges challenges expired for longer than the retention window and
	// reports how many were removed.
	Sweep(ctx context.Context) (int, error)
	Close() error
}

// Option configures a store.
type Option func(*options)

type options struct {
	maxAttempts int
	now         func() time.Time
}

// WithMaxAttempts sets the invalid-attempt bound.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{maxAttempts: DefaultMaxAttempts, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
