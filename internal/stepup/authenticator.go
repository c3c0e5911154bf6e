/**
 * @description
 * Step-up authentication for high-risk transfers. A challenge moves through
 * NoChallenge -> Issued -> (Verified | Expired | Failed-MaxAttempts); there is
 * no path from NoChallenge straight to Verified.
 *
 * @dependencies
 * - internal/challenge: persistence of the pending code and its payload.
 * - Notifier: out-of-band delivery of the code (RabbitMQ in production).
 */

package stepup

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ankitkr9911/Cipherstorm/internal/challenge"
	"github.com/ankitkr9911/Cipherstorm/internal/domain"
	"github.com/ankitkr9911/Cipherstorm/internal/metrics"
)

const (
	// DefaultTTL is the validity window of an issued code.
	DefaultTTL = 10 * time.Minute
	codeDigits = 6
)

var (
	ErrChallengeAbsent     = errors.New("no pending challenge")
	ErrChallengeExpired    = errors.New("challenge expired")
	ErrChallengeInvalid    = errors.New("invalid verification code")
	ErrMaxAttemptsExceeded = errors.New("maximum verification attempts exceeded")
	ErrDeliveryFailed      = errors.New("verification code delivery failed")
)

// InvalidCodeError reports a wrong code together with the attempts left before
// the challenge is destroyed. It matches ErrChallengeInvalid under errors.Is.
type InvalidCodeError struct {
	Remaining int
}

func (e *InvalidCodeError) Error() string {
	return fmt.Sprintf("%s (%d attempts remaining)", ErrChallengeInvalid.Error(), e.Remaining)
}

func (e *InvalidCodeError) Is(target error) bool {
	return target == ErrChallengeInvalid
}

// Notifier delivers a code to a destination such as an email address.
type Notifier interface {
	SendCode(ctx context.Context, destination, code string) error
}

// Authenticator issues and verifies one-time codes.
type Authenticator struct {
	store       challenge.Store
	notifier    Notifier
	logger      *slog.Logger
	ttl         time.Duration
	maxAttempts int
	newCode     func() (string, error)
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithTTL overrides the code validity window.
func WithTTL(ttl time.Duration) Option {
	return func(a *Authenticator) {
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

// WithMaxAttempts must match the bound configured on the store; it is used to
// report remaining attempts.
func WithMaxAttempts(n int) Option {
	return func(a *Authenticator) {
		if n > 0 {
			a.maxAttempts = n
		}
	}
}

// WithCodeGenerator replaces the random code source. Tests only.
func WithCodeGenerator(fn func() (string, error)) Option {
	return func(a *Authenticator) {
		if fn != nil {
			a.newCode = fn
		}
	}
}

// NewAuthenticator wires a challenge store and a notifier.
func NewAuthenticator(store challenge.Store, notifier Notifier, logger *slog.Logger, opts ...Option) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Authenticator{
		store:       store,
		notifier:    notifier,
		logger:      logger.With("component", "stepup"),
		ttl:         DefaultTTL,
		maxAttempts: challenge.DefaultMaxAttempts,
		newCode:     GenerateCode,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// GenerateCode returns a uniformly random six-digit code.
func GenerateCode() (string, error) {
	limit := big.NewInt(1_000_000)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

// SendCode opens a challenge for identity carrying pending and delivers the code
// to destination. When delivery fails the challenge stays open and the returned
// error wraps ErrDeliveryFailed, so the caller can offer a resend.
func (a *Authenticator) SendCode(ctx context.Context, identity, destination string, pending *domain.PendingTransaction) (*domain.Challenge, error) {
	code, err := a.newCode()
	if err != nil {
		return nil, err
	}

	c, err := a.store.Issue(ctx, identity, code, a.ttl, pending)
	if err != nil {
		return nil, fmt.Errorf("issue challenge: %w", err)
	}
	metrics.StepUpEventsTotal.WithLabelValues("issued").Inc()
	a.logger.Info("challenge issued", "identity", identity, "expires_at", c.ExpiresAt)

	if err := a.deliver(ctx, identity, destination, code); err != nil {
		return c, err
	}
	return c, nil
}

// Resend replaces the code of a live challenge and delivers it again. The
// attempt counter is not reset.
func (a *Authenticator) Resend(ctx context.Context, identity, destination string) (*domain.Challenge, error) {
	code, err := a.newCode()
	if err != nil {
		return nil, err
	}

	result, c, err := a.store.Reissue(ctx, identity, code, a.ttl)
	if err != nil {
		return nil, fmt.Errorf("reissue challenge: %w", err)
	}
	switch result {
	case domain.VerifyOK:
	case domain.VerifyExpired:
		metrics.StepUpEventsTotal.WithLabelValues("expired").Inc()
		return nil, ErrChallengeExpired
	default:
		metrics.StepUpEventsTotal.WithLabelValues("absent").Inc()
		return nil, ErrChallengeAbsent
	}
	metrics.StepUpEventsTotal.WithLabelValues("resent").Inc()

	if err := a.deliver(ctx, identity, destination, code); err != nil {
		return c, err
	}
	return c, nil
}

// Verify checks code for identity. On success the challenge, and the payload it
// guards, is returned and destroyed.
func (a *Authenticator) Verify(ctx context.Context, identity, code string) (*domain.Challenge, error) {
	result, c, err := a.store.Verify(ctx, identity, code)
	if err != nil {
		return nil, fmt.Errorf("verify challenge: %w", err)
	}
	metrics.StepUpEventsTotal.WithLabelValues(eventFor(result)).Inc()

	switch result {
	case domain.VerifyOK:
		a.logger.Info("challenge verified", "identity", identity)
		return c, nil
	case domain.VerifyInvalid:
		remaining := a.maxAttempts
		if c != nil {
			remaining = a.maxAttempts - c.Attempts
		}
		if remaining < 0 {
			remaining = 0
		}
		a.logger.Warn("invalid verification code", "identity", identity, "remaining", remaining)
		return nil, &InvalidCodeError{Remaining: remaining}
	case domain.VerifyExpired:
		return nil, ErrChallengeExpired
	case domain.VerifyExhausted:
		a.logger.Warn("challenge destroyed after too many attempts", "identity", identity)
		return nil, ErrMaxAttemptsExceeded
	default:
		return nil, ErrChallengeAbsent
	}
}

// Cancel discards any pending challenge for identity.
func (a *Authenticator) Cancel(ctx context.Context, identity string) error {
	if err := a.store.Cancel(ctx, identity); err != nil {
		return fmt.Errorf("cancel challenge: %w", err)
	}
	metrics.StepUpEventsTotal.WithLabelValues("cancelled").Inc()
	return nil
}

// Sweep purges expired challenges. It is scheduled by cron in cmd/main.go.
func (a *Authenticator) Sweep(ctx context.Context) (int, error) {
	n, err := a.store.Sweep(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep challenges: %w", err)
	}
	if n > 0 {
		metrics.StepUpEventsTotal.WithLabelValues("swept").Add(float64(n))
		a.logger.Info("expired challenges swept", "count", n)
	}
	return n, nil
}

func (a *Authenticator) deliver(ctx context.Context, identity, destination, code string) error {
	if a.notifier == nil {
		return fmt.Errorf("%w: no notifier configured", ErrDeliveryFailed)
	}
	if err := a.notifier.SendCode(ctx, destination, code); err != nil {
		metrics.StepUpEventsTotal.WithLabelValues("delivery_failed").Inc()
		a.logger.Warn("code delivery failed", "identity", identity, "error", err)
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	return nil
}

func eventFor(result domain.VerifyResult) string {
	if result == domain.VerifyOK {
		return "verified"
	}
	return result.String()
}
