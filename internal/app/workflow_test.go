package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ankitkr9911/Cipherstorm/internal/challenge"
	"github.com/ankitkr9911/Cipherstorm/internal/domain"
	"github.com/ankitkr9911/Cipherstorm/internal/enrich"
	"github.com/ankitkr9911/Cipherstorm/internal/logging"
	"github.com/ankitkr9911/Cipherstorm/internal/stepup"
	"github.com/ankitkr9911/Cipherstorm/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type workflowRepoStub struct {
	store.Repository

	mu           sync.Mutex
	profiles     map[uuid.UUID]*domain.Profile
	history      map[uuid.UUID]int
	lastLocation *domain.Location
	created      []domain.Transaction
	createErr    error
}

func newWorkflowRepoStub() *workflowRepoStub {
	return &workflowRepoStub{
		profiles: make(map[uuid.UUID]*domain.Profile),
		history:  make(map[uuid.UUID]int),
	}
}

func (s *workflowRepoStub) addUser(handle string, priorTransactions int) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.profiles[id] = &domain.Profile{UserID: id, PaymentHandle: handle, Email: handle + "@mail.test", FullName: "Test " + handle}
	s.history[id] = priorTransactions
	return id
}

func (s *workflowRepoStub) FindProfileByUserID(ctx context.Context, userID uuid.UUID) (*domain.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, store.ErrProfileNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *workflowRepoStub) FindLastLocation(ctx context.Context, userID uuid.UUID) (*domain.Location, error) {
	return s.lastLocation, nil
}

func (s *workflowRepoStub) CountTransactionsByUserID(ctx context.Context, userID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history[userID], nil
}

func (s *workflowRepoStub) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.created = append(s.created, *tx)
	s.history[tx.UserID]++
	return nil
}

func (s *workflowRepoStub) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.created {
		if s.created[i].ID == transactionID {
			tx := s.created[i]
			return &tx, nil
		}
	}
	return nil, store.ErrTransactionNotFound
}

func (s *workflowRepoStub) DeleteTransaction(ctx context.Context, transactionID uuid.UUID, userID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.created {
		if s.created[i].ID == transactionID && s.created[i].UserID == userID {
			s.created = append(s.created[:i], s.created[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *workflowRepoStub) FindTransactionsByUserID(ctx context.Context, userID uuid.UUID, limit int, offset int) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Transaction
	for i := len(s.created) - 1; i >= 0; i-- {
		if s.created[i].UserID == userID {
			out = append(out, s.created[i])
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *workflowRepoStub) persisted() []domain.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Transaction(nil), s.created...)
}

type scorerStub struct {
	mu       sync.Mutex
	fn       func(ctx context.Context, req domain.ScoreRequest) (*domain.FraudVerdict, error)
	requests []domain.ScoreRequest
}

func (s *scorerStub) Score(ctx context.Context, req domain.ScoreRequest) (*domain.FraudVerdict, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	return s.fn(ctx, req)
}

func fixedVerdict(isFraud bool) func(context.Context, domain.ScoreRequest) (*domain.FraudVerdict, error) {
	return func(context.Context, domain.ScoreRequest) (*domain.FraudVerdict, error) {
		return &domain.FraudVerdict{IsFraud: isFraud, Details: map[string]any{"final_prediction": isFraud}}, nil
	}
}

type enricherStub struct {
	mu   sync.Mutex
	seen []enrich.RequestContext
}

func (e *enricherStub) Enrich(_ context.Context, rc enrich.RequestContext) domain.EnrichedFeatures {
	e.mu.Lock()
	e.seen = append(e.seen, rc)
	e.mu.Unlock()

	tod := enrich.TimeFeatures(rc.At)
	lat, lon := 19.07, 72.88
	return domain.EnrichedFeatures{
		DeviceID:       "dev-42",
		IPAddress:      "49.36.10.20",
		Country:        "India",
		City:           "Mumbai",
		Latitude:       &lat,
		Longitude:      &lon,
		InitiationMode: domain.DefaultInitiationMode,
		DayOfWeek:      tod.DayOfWeek,
		Hour:           tod.Hour,
		Minute:         tod.Minute,
		IsNight:        tod.IsNight,
	}
}

type codeNotifier struct {
	mu   sync.Mutex
	sent map[string][]string
	fail error
}

func (n *codeNotifier) SendCode(_ context.Context, destination, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	if n.sent == nil {
		n.sent = make(map[string][]string)
	}
	n.sent[destination] = append(n.sent[destination], code)
	return nil
}

func (n *codeNotifier) setFail(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fail = err
}

func (n *codeNotifier) lastCode(t *testing.T, destination string) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	codes := n.sent[destination]
	require.NotEmpty(t, codes, "no code delivered to %s", destination)
	return codes[len(codes)-1]
}

func (n *codeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, codes := range n.sent {
		total += len(codes)
	}
	return total
}

type publisherStub struct {
	mu        sync.Mutex
	committed []domain.TransactionCommittedEvent
	err       error
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return p.err
}

func (p *publisherStub) PublishTransactionCommitted(ctx context.Context, event domain.TransactionCommittedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.committed = append(p.committed, event)
	return nil
}

func (p *publisherStub) PublishOTPRequested(ctx context.Context, event domain.OTPRequestedEvent) error {
	return p.err
}

func (p *publisherStub) Close() {}

type workflowHarness struct {
	repo      *workflowRepoStub
	scorer    *scorerStub
	enricher  *enricherStub
	notifier  *codeNotifier
	publisher *publisherStub
	workflow  *Workflow
}

func newWorkflowHarness(t *testing.T, scorerFn func(context.Context, domain.ScoreRequest) (*domain.FraudVerdict, error), opts ...Option) *workflowHarness {
	t.Helper()
	h := &workflowHarness{
		repo:      newWorkflowRepoStub(),
		scorer:    &scorerStub{fn: scorerFn},
		enricher:  &enricherStub{},
		notifier:  &codeNotifier{},
		publisher: &publisherStub{},
	}
	logger := logging.Discard()
	challenges := challenge.NewMemoryStore(challenge.WithMaxAttempts(3))
	t.Cleanup(func() { _ = challenges.Close() })
	auth := stepup.NewAuthenticator(challenges, h.notifier, logger, stepup.WithMaxAttempts(3))

	h.workflow = NewWorkflow(h.repo, h.enricher, h.scorer, auth, h.publisher, logger, opts...)
	return h
}

func transferRequest(amount string) domain.TransactionRequest {
	return domain.TransactionRequest{
		Amount:            decimal.RequireFromString(amount),
		TransactionType:   "P2P",
		PaymentInstrument: "UPI",
		RecipientHandle:   "merchant@upi",
	}
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

func TestWorkflow_NegativeVerdictCommitsImmediately(t *testing.T) {
	h := newWorkflowHarness(t, fixedVerdict(false))
	userID := h.repo.addUser("alice@upi", 1)

	outcome, err := h.workflow.Submit(context.Background(), userID, transferRequest("250.00"), enrich.RequestContext{DeviceCookie: "dev-42"})
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeCommitted, outcome.Kind)
	require.NotNil(t, outcome.Transaction)
	require.NotNil(t, outcome.Transaction.IsFraud)
	assert.False(t, *outcome.Transaction.IsFraud)
	assert.Nil(t, outcome.Pending)

	persisted := h.repo.persisted()
	require.Len(t, persisted, 1)
	assert.Equal(t, *outcome.Transaction, persisted[0])
	assert.Equal(t, "alice@upi", persisted[0].PayerHandle)
	assert.Equal(t, "merchant@upi", persisted[0].BeneficiaryHandle)

	assert.Zero(t, h.notifier.count(), "no challenge for a negative verdict")
	require.Len(t, h.publisher.committed, 1)
	assert.Equal(t, persisted[0].ID, h.publisher.committed[0].TransactionID)
	assert.False(t, h.publisher.committed[0].SteppedUp)
}

func TestWorkflow_PositiveVerdictWithheldUntilVerified(t *testing.T) {
	h := newWorkflowHarness(t, fixedVerdict(true))
	userID := h.repo.addUser("bob@upi", 3)
	ctx := context.Background()

	outcome, err := h.workflow.Submit(ctx, userID, transferRequest("50000"), enrich.RequestContext{})
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeChallengeRequired, outcome.Kind)
	require.NotNil(t, outcome.Pending)
	assert.NoError(t, outcome.DeliveryErr)
	assert.True(t, outcome.Verdict.IsFraud)
	assert.Empty(t, h.repo.persisted(), "positive verdict must not be persisted before verification")

	require.Len(t, h.scorer.requests, 1)
	scored := h.scorer.requests[0]
	assert.Equal(t, 3, scored.HistoryCount)
	assert.True(t, decimal.RequireFromString("50000").Equal(scored.Candidate.Amount))
	assert.Equal(t, "bob@upi", scored.Profile.PaymentHandle)

	code := h.notifier.lastCode(t, "bob@upi@mail.test")

	_, err = h.workflow.ConfirmChallenge(ctx, userID, wrongCode(code))
	require.ErrorIs(t, err, stepup.ErrChallengeInvalid)
	var invalid *stepup.InvalidCodeError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, 2, invalid.Remaining)
	assert.Empty(t, h.repo.persisted())

	committed, err := h.workflow.ConfirmChallenge(ctx, userID, code)
	require.NoError(t, err)
	require.NotNil(t, committed.IsFraud)
	assert.True(t, *committed.IsFraud)

	persisted := h.repo.persisted()
	require.Len(t, persisted, 1)
	expected := outcome.Pending.Transaction
	expected.IsFraud = domain.BoolPtr(true)
	assert.Equal(t, expected, persisted[0], "replayed transaction must match the scored candidate")

	require.Len(t, h.publisher.committed, 1)
	assert.True(t, h.publisher.committed[0].SteppedUp)
	assert.True(t, h.publisher.committed[0].IsFraud)

	_, err = h.workflow.ConfirmChallenge(ctx, userID, code)
	assert.ErrorIs(t, err, stepup.ErrChallengeAbsent, "a verified challenge cannot be replayed")
	assert.Len(t, h.repo.persisted(), 1)
}

func TestWorkflow_AttemptsExhaustedDiscardsPending(t *testing.T) {
	h := newWorkflowHarness(t, fixedVerdict(true))
	userID := h.repo.addUser("carol@upi", 0)
	ctx := context.Background()

	_, err := h.workflow.Submit(ctx, userID, transferRequest("999"), enrich.RequestContext{})
	require.NoError(t, err)
	code := h.notifier.lastCode(t, "carol@upi@mail.test")
	bad := wrongCode(code)

	_, err = h.workflow.ConfirmChallenge(ctx, userID, bad)
	require.ErrorIs(t, err, stepup.ErrChallengeInvalid)
	_, err = h.workflow.ConfirmChallenge(ctx, userID, bad)
	require.ErrorIs(t, err, stepup.ErrChallengeInvalid)
	_, err = h.workflow.ConfirmChallenge(ctx, userID, bad)
	require.ErrorIs(t, err, stepup.ErrMaxAttemptsExceeded)

	_, err = h.workflow.ConfirmChallenge(ctx, userID, code)
	assert.ErrorIs(t, err, stepup.ErrChallengeAbsent)
	assert.Empty(t, h.repo.persisted())
}

func TestWorkflow_ScorerFailureNothingPersisted(t *testing.T) {
	h := newWorkflowHarness(t, func(context.Context, domain.ScoreRequest) (*domain.FraudVerdict, error) {
		return nil, errors.New("connection refused")
	})
	userID := h.repo.addUser("dave@upi", 2)

	outcome, err := h.workflow.Submit(context.Background(), userID, transferRequest("10"), enrich.RequestContext{})
	require.ErrorIs(t, err, ErrScorerUnavailable)
	assert.Nil(t, outcome)
	assert.Empty(t, h.repo.persisted())
	assert.Zero(t, h.notifier.count())
	assert.Empty(t, h.publisher.committed)
}

func TestWorkflow_ScorerTimeout(t *testing.T) {
	h := newWorkflowHarness(t, func(ctx context.Context, _ domain.ScoreRequest) (*domain.FraudVerdict, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, WithScorerTimeout(20*time.Millisecond))
	userID := h.repo.addUser("erin@upi", 0)

	_, err := h.workflow.Submit(context.Background(), userID, transferRequest("10"), enrich.RequestContext{})
	require.ErrorIs(t, err, ErrScorerUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, h.repo.persisted())
}

func TestWorkflow_DeliveryFailureKeepsChallengeOpen(t *testing.T) {
	h := newWorkflowHarness(t, fixedVerdict(true))
	userID := h.repo.addUser("frank@upi", 5)
	ctx := context.Background()

	h.notifier.setFail(errors.New("smtp down"))
	outcome, err := h.workflow.Submit(ctx, userID, transferRequest("75000"), enrich.RequestContext{})
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeChallengeRequired, outcome.Kind)
	require.ErrorIs(t, outcome.DeliveryErr, stepup.ErrDeliveryFailed)
	assert.Empty(t, h.repo.persisted())

	h.notifier.setFail(nil)
	_, err = h.workflow.ResendChallenge(ctx, userID)
	require.NoError(t, err)
	code := h.notifier.lastCode(t, "frank@upi@mail.test")

	committed, err := h.workflow.ConfirmChallenge(ctx, userID, code)
	require.NoError(t, err)
	assert.Equal(t, outcome.Pending.Transaction.ID, committed.ID)
}

func TestWorkflow_ConfirmIsScopedToCaller(t *testing.T) {
	h := newWorkflowHarness(t, fixedVerdict(true))
	alice := h.repo.addUser("alice@upi", 1)
	mallory := h.repo.addUser("mallory@upi", 1)
	ctx := context.Background()

	_, err := h.workflow.Submit(ctx, alice, transferRequest("40000"), enrich.RequestContext{})
	require.NoError(t, err)
	code := h.notifier.lastCode(t, "alice@upi@mail.test")

	_, err = h.workflow.ConfirmChallenge(ctx, mallory, code)
	require.ErrorIs(t, err, stepup.ErrChallengeAbsent)
	assert.Empty(t, h.repo.persisted())

	committed, err := h.workflow.ConfirmChallenge(ctx, alice, code)
	require.NoError(t, err)
	assert.Equal(t, alice, committed.UserID)
}

func TestWorkflow_CancelDropsChallenge(t *testing.T) {
	h := newWorkflowHarness(t, fixedVerdict(true))
	userID := h.repo.addUser("gina@upi", 0)
	ctx := context.Background()

	_, err := h.workflow.Submit(ctx, userID, transferRequest("100"), enrich.RequestContext{})
	require.NoError(t, err)
	code := h.notifier.lastCode(t, "gina@upi@mail.test")

	require.NoError(t, h.workflow.CancelChallenge(ctx, userID))
	_, err = h.workflow.ConfirmChallenge(ctx, userID, code)
	assert.ErrorIs(t, err, stepup.ErrChallengeAbsent)

	_, err = h.workflow.ResendChallenge(ctx, userID)
	assert.ErrorIs(t, err, stepup.ErrChallengeAbsent)
}

func TestWorkflow_RejectsInvalidRequests(t *testing.T) {
	h := newWorkflowHarness(t, fixedVerdict(false))
	userID := h.repo.addUser("hana@upi", 0)

	tests := []struct {
		name   string
		mutate func(*domain.TransactionRequest)
	}{
		{name: "zero amount", mutate: func(r *domain.TransactionRequest) { r.Amount = decimal.Zero }},
		{name: "negative amount", mutate: func(r *domain.TransactionRequest) { r.Amount = decimal.NewFromInt(-5) }},
		{name: "sub-cent amount", mutate: func(r *domain.TransactionRequest) { r.Amount = decimal.RequireFromString("0.001") }},
		{name: "three decimal places", mutate: func(r *domain.TransactionRequest) { r.Amount = decimal.RequireFromString("10.005") }},
		{name: "amount too large", mutate: func(r *domain.TransactionRequest) { r.Amount = decimal.New(1, 16) }},
		{name: "missing type", mutate: func(r *domain.TransactionRequest) { r.TransactionType = " " }},
		{name: "missing instrument", mutate: func(r *domain.TransactionRequest) { r.PaymentInstrument = "" }},
		{name: "missing recipient", mutate: func(r *domain.TransactionRequest) { r.RecipientHandle = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := transferRequest("10")
			tt.mutate(&req)
			_, err := h.workflow.Submit(context.Background(), userID, req, enrich.RequestContext{})
			assert.ErrorIs(t, err, ErrInvalidTransaction)
		})
	}
	assert.Empty(t, h.scorer.requests, "invalid requests are never scored")
}

func TestWorkflow_AcceptsTrailingZeroScale(t *testing.T) {
	h := newWorkflowHarness(t, fixedVerdict(false))
	userID := h.repo.addUser("omar@upi", 0)

	outcome, err := h.workflow.Submit(context.Background(), userID, transferRequest("10.500"), enrich.RequestContext{})
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeCommitted, outcome.Kind)
	assert.True(t, outcome.Transaction.Amount.Equal(decimal.RequireFromString("10.5")))
}

func TestWorkflow_UnknownProfile(t *testing.T) {
	h := newWorkflowHarness(t, fixedVerdict(false))

	_, err := h.workflow.Submit(context.Background(), uuid.New(), transferRequest("10"), enrich.RequestContext{})
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestWorkflow_TimeFeaturesUseConfiguredZone(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	// 2024-01-01 18:05 UTC is Monday 23:35 in IST.
	fixed := time.Date(2024, 1, 1, 18, 5, 0, 0, time.UTC)
	h := newWorkflowHarness(t, fixedVerdict(false), WithLocation(ist), WithClock(func() time.Time { return fixed }))
	userID := h.repo.addUser("ivan@upi", 0)

	outcome, err := h.workflow.Submit(context.Background(), userID, transferRequest("10"), enrich.RequestContext{})
	require.NoError(t, err)

	tx := outcome.Transaction
	assert.Equal(t, 0, tx.DayOfWeek)
	assert.Equal(t, 23, tx.Hour)
	assert.Equal(t, 35, tx.Minute)
	assert.True(t, tx.IsNight)
	assert.True(t, fixed.Equal(tx.CreatedAt))
}

func TestWorkflow_SubmitRateLimited(t *testing.T) {
	h := newWorkflowHarness(t, fixedVerdict(false), WithRateLimiter(NewMemoryRateLimiter(), 1, 1))
	userID := h.repo.addUser("judy@upi", 0)
	ctx := context.Background()

	_, err := h.workflow.Submit(ctx, userID, transferRequest("10"), enrich.RequestContext{})
	require.NoError(t, err)

	_, err = h.workflow.Submit(ctx, userID, transferRequest("10"), enrich.RequestContext{})
	require.ErrorIs(t, err, ErrRateLimited)
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, ScopeSubmit, rle.Scope)
	assert.Positive(t, rle.RetryAfterSeconds)

	other := h.repo.addUser("kim@upi", 0)
	_, err = h.workflow.Submit(ctx, other, transferRequest("10"), enrich.RequestContext{})
	assert.NoError(t, err, "limits are per user")
}

func TestWorkflow_CommitFailureSurfaces(t *testing.T) {
	h := newWorkflowHarness(t, fixedVerdict(false))
	h.repo.createErr = errors.New("db down")
	userID := h.repo.addUser("leo@upi", 0)

	_, err := h.workflow.Submit(context.Background(), userID, transferRequest("10"), enrich.RequestContext{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrScorerUnavailable)
	assert.Empty(t, h.publisher.committed)
}

func TestWorkflow_HistoryIsOwnerScoped(t *testing.T) {
	h := newWorkflowHarness(t, fixedVerdict(false))
	owner := h.repo.addUser("mia@upi", 0)
	other := h.repo.addUser("ned@upi", 0)
	ctx := context.Background()

	first, err := h.workflow.Submit(ctx, owner, transferRequest("10"), enrich.RequestContext{})
	require.NoError(t, err)
	second, err := h.workflow.Submit(ctx, owner, transferRequest("20"), enrich.RequestContext{})
	require.NoError(t, err)

	list, err := h.workflow.ListTransactions(ctx, owner, 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.Transaction.ID, list[0].ID)

	_, err = h.workflow.GetTransaction(ctx, other, first.Transaction.ID)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
	got, err := h.workflow.GetTransaction(ctx, owner, first.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Transaction.ID, got.ID)

	assert.ErrorIs(t, h.workflow.DeleteTransaction(ctx, other, first.Transaction.ID), ErrTransactionNotFound)
	require.NoError(t, h.workflow.DeleteTransaction(ctx, owner, first.Transaction.ID))
	_, err = h.workflow.GetTransaction(ctx, owner, first.Transaction.ID)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}
