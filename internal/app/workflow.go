/**
 * @description
 * This file contains the core business logic for the transaction-service. The `Workflow`
 * struct gates every transfer behind the fraud scorer, coordinating between the feature
 * enricher, the database repository, the step-up authenticator and the message broker.
 *
 * Key features:
 * - Scores every candidate transfer before anything is persisted.
 * - Commits negatives immediately; withholds positives behind a one-time code.
 * - Replays the withheld candidate verbatim, flagged as fraud, once the code is verified.
 * - Publishes a `transaction.committed` event after every commit.
 *
 * @dependencies
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store, internal/stepup: For domain models, data access and OTP.
 * - internal/metrics, internal/traces: Prometheus counters and OpenTelemetry spans.
 * - pkg/rabbitmq: For domain events.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ankitkr9911/Cipherstorm/internal/domain"
	"github.com/ankitkr9911/Cipherstorm/internal/enrich"
	"github.com/ankitkr9911/Cipherstorm/internal/metrics"
	"github.com/ankitkr9911/Cipherstorm/internal/stepup"
	"github.com/ankitkr9911/Cipherstorm/internal/store"
	"github.com/ankitkr9911/Cipherstorm/internal/traces"
	"github.com/ankitkr9911/Cipherstorm/pkg/rabbitmq"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	DefaultScorerTimeout = 10 * time.Second
	DefaultHistoryLimit  = 20
	MaxHistoryLimit      = 100
	rateLimitWindow      = time.Minute

	// Amounts must fit the transactions.amount NUMERIC(18, 2) column unchanged.
	amountScale = 2
)

var maxAmount = decimal.New(1, 16)

var (
	ErrProfileNotFound     = errors.New("user profile not found")
	ErrInvalidTransaction  = errors.New("invalid transaction request")
	ErrScorerUnavailable   = errors.New("fraud scorer unavailable")
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrTransactionNotFound = store.ErrTransactionNotFound
)

// RateLimitError matches ErrRateLimited and carries the Retry-After hint.
type RateLimitError struct {
	Scope             string
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s for %s; retry after %ds", ErrRateLimited.Error(), e.Scope, e.RetryAfterSeconds)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// FeatureEnricher derives contextual features for a request. It never fails.
type FeatureEnricher interface {
	Enrich(ctx context.Context, rc enrich.RequestContext) domain.EnrichedFeatures
}

// FraudScorer classifies one candidate transaction.
type FraudScorer interface {
	Score(ctx context.Context, req domain.ScoreRequest) (*domain.FraudVerdict, error)
}

// StepUpAuthenticator issues and checks one-time codes keyed by identity.
type StepUpAuthenticator interface {
	SendCode(ctx context.Context, identity, destination string, pending *domain.PendingTransaction) (*domain.Challenge, error)
	Resend(ctx context.Context, identity, destination string) (*domain.Challenge, error)
	Verify(ctx context.Context, identity, code string) (*domain.Challenge, error)
	Cancel(ctx context.Context, identity string) error
}

// Workflow is the fraud-gated transaction workflow.
type Workflow struct {
	repo          store.Repository
	enricher      FeatureEnricher
	scorer        FraudScorer
	stepUp        StepUpAuthenticator
	events        rabbitmq.Publisher
	limiter       RateLimiter
	submitLimit   int
	verifyLimit   int
	scorerTimeout time.Duration
	loc           *time.Location
	now           func() time.Time
	newID         func() uuid.UUID
	logger        *slog.Logger
}

type Option func(*Workflow)

func WithScorerTimeout(d time.Duration) Option {
	return func(w *Workflow) {
		if d > 0 {
			w.scorerTimeout = d
		}
	}
}

// WithLocation sets the timezone the time-of-day features are computed in.
func WithLocation(loc *time.Location) Option {
	return func(w *Workflow) {
		if loc != nil {
			w.loc = loc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Workflow) {
		if now != nil {
			w.now = now
		}
	}
}

func WithIDGenerator(fn func() uuid.UUID) Option {
	return func(w *Workflow) {
		if fn != nil {
			w.newID = fn
		}
	}
}

// WithRateLimiter enables per-user limits on submissions and code checks, in
// requests per minute. A non-positive limit disables that scope.
func WithRateLimiter(limiter RateLimiter, submitPerMinute, verifyPerMinute int) Option {
	return func(w *Workflow) {
		w.limiter = limiter
		w.submitLimit = submitPerMinute
		w.verifyLimit = verifyPerMinute
	}
}

// NewWorkflow creates a new transaction workflow instance.
func NewWorkflow(
	repo store.Repository,
	enricher FeatureEnricher,
	scorer FraudScorer,
	stepUp StepUpAuthenticator,
	events rabbitmq.Publisher,
	logger *slog.Logger,
	opts ...Option,
) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Workflow{
		repo:          repo,
		enricher:      enricher,
		scorer:        scorer,
		stepUp:        stepUp,
		events:        events,
		scorerTimeout: DefaultScorerTimeout,
		loc:           time.UTC,
		now:           time.Now,
		newID:         uuid.New,
		logger:        logger.With("component", "workflow"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ResolveInternalUserID converts a Clerk user id string (e.g., "user_abc123") into the
// internal UUID used by our database.
func (w *Workflow) ResolveInternalUserID(ctx context.Context, clerkUserID string) (string, error) {
	return w.repo.FindUserIDByClerkUserID(ctx, clerkUserID)
}

// Submit scores a transfer request and either commits it or opens a step-up
// challenge holding the scored candidate.
func (w *Workflow) Submit(ctx context.Context, userID uuid.UUID, req domain.TransactionRequest, rc enrich.RequestContext) (*domain.Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "workflow.submit", traces.UserID(userID.String()), traces.Amount(req.Amount.String()))
	defer span.End()

	outcome, err := w.submit(ctx, userID, req, rc)
	switch {
	case err == nil:
		metrics.SubmissionsTotal.WithLabelValues(outcome.Kind.String()).Inc()
	case errors.Is(err, ErrInvalidTransaction), errors.Is(err, ErrRateLimited), errors.Is(err, ErrProfileNotFound):
		metrics.SubmissionsTotal.WithLabelValues("rejected").Inc()
	default:
		metrics.SubmissionsTotal.WithLabelValues("error").Inc()
		traces.RecordError(span, err)
	}
	return outcome, err
}

func (w *Workflow) submit(ctx context.Context, userID uuid.UUID, req domain.TransactionRequest, rc enrich.RequestContext) (*domain.Outcome, error) {
	if err := w.enforceRateLimit(ctx, ScopeSubmit, userID, w.submitLimit); err != nil {
		return nil, err
	}

	// 1. Load the payer profile
	profile, err := w.loadProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	// 2. Validate
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	// 3. Enrich. Time features use the workflow clock in the configured timezone.
	now := w.now().In(w.loc)
	rc.At = now
	features := w.enricher.Enrich(ctx, rc)

	// 4-5. History signals
	lastLocation, err := w.repo.FindLastLocation(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load last location: %w", err)
	}
	historyCount, err := w.repo.CountTransactionsByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}

	candidate := domain.Transaction{
		ID:                w.newID(),
		UserID:            userID,
		Amount:            req.Amount,
		TransactionType:   strings.TrimSpace(req.TransactionType),
		PaymentInstrument: strings.TrimSpace(req.PaymentInstrument),
		PayerHandle:       profile.PaymentHandle,
		BeneficiaryHandle: strings.TrimSpace(req.RecipientHandle),
		EnrichedFeatures:  features,
		CreatedAt:         now,
	}

	// 6. Score
	verdict, err := w.score(ctx, domain.ScoreRequest{
		Candidate:    candidate,
		Profile:      *profile,
		HistoryCount: historyCount,
		LastLocation: lastLocation,
	})
	if err != nil {
		return nil, err
	}

	// 7. Branch on the verdict
	if !verdict.IsFraud {
		candidate.IsFraud = domain.BoolPtr(false)
		if err := w.commit(ctx, &candidate, false); err != nil {
			return nil, err
		}
		return &domain.Outcome{Kind: domain.OutcomeCommitted, Transaction: &candidate, Verdict: verdict}, nil
	}

	pending := &domain.PendingTransaction{
		Transaction:  candidate,
		HistoryCount: historyCount,
		LastLocation: lastLocation,
		Verdict:      *verdict,
	}
	_, err = w.stepUp.SendCode(ctx, profile.PaymentHandle, profile.Email, pending)
	if err != nil && !errors.Is(err, stepup.ErrDeliveryFailed) {
		return nil, fmt.Errorf("failed to open step-up challenge: %w", err)
	}
	w.logger.Info("transaction withheld pending step-up",
		"user_id", userID, "transaction_id", candidate.ID, "delivery_failed", err != nil)

	return &domain.Outcome{
		Kind:        domain.OutcomeChallengeRequired,
		Verdict:     verdict,
		Pending:     pending,
		DeliveryErr: err,
	}, nil
}

// ConfirmChallenge verifies code against the caller's open challenge and, on
// success, commits the withheld transaction unchanged except for fraud=true.
func (w *Workflow) ConfirmChallenge(ctx context.Context, userID uuid.UUID, code string) (*domain.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "workflow.confirm", traces.UserID(userID.String()))
	defer span.End()

	if err := w.enforceRateLimit(ctx, ScopeVerify, userID, w.verifyLimit); err != nil {
		return nil, err
	}

	profile, err := w.loadProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	challenge, err := w.stepUp.Verify(ctx, profile.PaymentHandle, strings.TrimSpace(code))
	if err != nil {
		return nil, err
	}
	if challenge.Pending == nil || challenge.Pending.Transaction.UserID != userID {
		w.logger.Error("verified challenge does not carry a transaction for this user", "user_id", userID)
		return nil, stepup.ErrChallengeAbsent
	}

	tx := challenge.Pending.Transaction
	tx.IsFraud = domain.BoolPtr(true)
	if err := w.commit(ctx, &tx, true); err != nil {
		traces.RecordError(span, err)
		w.logger.Error("verified transaction could not be committed", "user_id", userID, "transaction_id", tx.ID, "error", err)
		return nil, err
	}
	return &tx, nil
}

// ResendChallenge delivers a fresh code for the caller's open challenge.
func (w *Workflow) ResendChallenge(ctx context.Context, userID uuid.UUID) (*domain.Challenge, error) {
	if err := w.enforceRateLimit(ctx, ScopeVerify, userID, w.verifyLimit); err != nil {
		return nil, err
	}
	profile, err := w.loadProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	return w.stepUp.Resend(ctx, profile.PaymentHandle, profile.Email)
}

// CancelChallenge drops the caller's open challenge, if any.
func (w *Workflow) CancelChallenge(ctx context.Context, userID uuid.UUID) error {
	profile, err := w.loadProfile(ctx, userID)
	if err != nil {
		return err
	}
	return w.stepUp.Cancel(ctx, profile.PaymentHandle)
}

// ListTransactions returns the caller's transactions, newest first.
func (w *Workflow) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	txs, err := w.repo.FindTransactionsByUserID(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, nil
}

// GetTransaction returns one of the caller's transactions. Other users'
// transactions are reported as not found.
func (w *Workflow) GetTransaction(ctx context.Context, userID, transactionID uuid.UUID) (*domain.Transaction, error) {
	tx, err := w.repo.FindTransactionByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.UserID != userID {
		return nil, ErrTransactionNotFound
	}
	return tx, nil
}

// DeleteTransaction removes one of the caller's transactions.
func (w *Workflow) DeleteTransaction(ctx context.Context, userID, transactionID uuid.UUID) error {
	deleted, err := w.repo.DeleteTransaction(ctx, transactionID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}
	if !deleted {
		return ErrTransactionNotFound
	}
	w.logger.Info("transaction deleted", "user_id", userID, "transaction_id", transactionID)
	return nil
}

func (w *Workflow) loadProfile(ctx context.Context, userID uuid.UUID) (*domain.Profile, error) {
	profile, err := w.repo.FindProfileByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrProfileNotFound) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	return profile, nil
}

func validateRequest(req domain.TransactionRequest) error {
	switch {
	case !req.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be greater than zero", ErrInvalidTransaction)
	case !req.Amount.Equal(req.Amount.Round(amountScale)):
		return fmt.Errorf("%w: amount must have at most %d decimal places", ErrInvalidTransaction, amountScale)
	case req.Amount.GreaterThanOrEqual(maxAmount):
		return fmt.Errorf("%w: amount exceeds the maximum", ErrInvalidTransaction)
	case strings.TrimSpace(req.TransactionType) == "":
		return fmt.Errorf("%w: transaction_type is required", ErrInvalidTransaction)
	case strings.TrimSpace(req.PaymentInstrument) == "":
		return fmt.Errorf("%w: payment_instrument is required", ErrInvalidTransaction)
	case strings.TrimSpace(req.RecipientHandle) == "":
		return fmt.Errorf("%w: recipient_handle is required", ErrInvalidTransaction)
	}
	return nil
}

func (w *Workflow) score(ctx context.Context, req domain.ScoreRequest) (*domain.FraudVerdict, error) {
	ctx, span := traces.StartSpan(ctx, "workflow.score", traces.TransactionID(req.Candidate.ID.String()))
	defer span.End()

	scoreCtx, cancel := context.WithTimeout(ctx, w.scorerTimeout)
	defer cancel()

	start := time.Now()
	verdict, err := w.scorer.Score(scoreCtx, req)
	if err == nil && verdict == nil {
		err = errors.New("scorer returned no verdict")
	}
	if err != nil {
		metrics.ScorerDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		traces.RecordError(span, err)
		w.logger.Error("fraud scoring failed", "transaction_id", req.Candidate.ID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrScorerUnavailable, err)
	}

	result := "negative"
	if verdict.IsFraud {
		result = "positive"
	}
	metrics.ScorerDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	span.SetAttributes(traces.IsFraud(verdict.IsFraud))
	return verdict, nil
}

// commit persists tx exactly once and announces it.
func (w *Workflow) commit(ctx context.Context, tx *domain.Transaction, steppedUp bool) error {
	isFraud := tx.IsFraud != nil && *tx.IsFraud
	ctx, span := traces.StartSpan(ctx, "workflow.commit", traces.TransactionID(tx.ID.String()), traces.IsFraud(isFraud))
	defer span.End()

	if err := w.repo.CreateTransaction(ctx, tx); err != nil {
		traces.RecordError(span, err)
		return fmt.Errorf("failed to persist transaction: %w", err)
	}
	metrics.CommitsTotal.WithLabelValues(strconv.FormatBool(isFraud)).Inc()
	w.logger.Info("transaction committed", "user_id", tx.UserID, "transaction_id", tx.ID, "is_fraud", isFraud, "stepped_up", steppedUp)

	if w.events == nil {
		return nil
	}
	event := domain.TransactionCommittedEvent{
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		Amount:        tx.Amount,
		IsFraud:       isFraud,
		SteppedUp:     steppedUp,
		CommittedAt:   w.now().UTC(),
	}
	if err := w.events.PublishTransactionCommitted(ctx, event); err != nil {
		w.logger.Warn("failed to publish transaction.committed", "transaction_id", tx.ID, "error", err)
	}
	return nil
}

func (w *Workflow) enforceRateLimit(ctx context.Context, scope string, userID uuid.UUID, limit int) error {
	if w.limiter == nil || limit <= 0 {
		return nil
	}
	count, retryAfter, err := w.limiter.ConsumeRateLimit(ctx, scope, userID.String(), limit, rateLimitWindow)
	if err != nil {
		// Limiter outages do not block transfers.
		w.logger.Warn("rate limiter unavailable", "scope", scope, "error", err)
		return nil
	}
	if count > limit {
		return &RateLimitError{Scope: scope, RetryAfterSeconds: retryAfter}
	}
	return nil
}
