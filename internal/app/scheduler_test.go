package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ankitkr9911/Cipherstorm/internal/challenge"
	"github.com/ankitkr9911/Cipherstorm/internal/domain"
	"github.com/ankitkr9911/Cipherstorm/internal/logging"
	"github.com/ankitkr9911/Cipherstorm/internal/stepup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (s *countingSweeper) Sweep(context.Context) (int, error) {
	s.calls.Add(1)
	return 0, s.err
}

func TestScheduler_RejectsBadSchedule(t *testing.T) {
	s := NewScheduler(&countingSweeper{}, "not a schedule", logging.Discard())
	assert.Error(t, s.Start())
}

func TestScheduler_RunsSweep(t *testing.T) {
	sweeper := &countingSweeper{}
	s := NewScheduler(sweeper, "@every 1s", logging.Discard())
	require.NoError(t, s.Start())
	defer s.Stop()

	assert.Eventually(t, func() bool { return sweeper.calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
}

func TestScheduler_SweepErrorIsLogged(t *testing.T) {
	sweeper := &countingSweeper{err: errors.New("redis down")}
	s := NewScheduler(sweeper, "@every 1m", logging.Discard())

	s.SweepExpiredChallenges()
	assert.EqualValues(t, 1, sweeper.calls.Load())
}

func TestScheduler_PurgesExpiredChallenges(t *testing.T) {
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := challenge.NewMemoryStore(challenge.WithClock(clock))
	auth := stepup.NewAuthenticator(store, &codeNotifier{}, logging.Discard(), stepup.WithTTL(time.Minute))

	_, err := auth.SendCode(context.Background(), "old@upi", "old@mail.test", &domain.PendingTransaction{})
	require.NoError(t, err)
	require.Equal(t, 1, store.Len())

	now = now.Add(2 * time.Minute)
	NewScheduler(auth, "@every 1m", logging.Discard()).SweepExpiredChallenges()
	require.Equal(t, 1, store.Len(), "recently expired challenges are retained")

	now = now.Add(time.Hour)
	NewScheduler(auth, "@every 1m", logging.Discard()).SweepExpiredChallenges()
	assert.Zero(t, store.Len())
}
