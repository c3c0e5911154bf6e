package challenge

import (
	"context"
	"crypto/subtle"
	"hash/fnv"
	"sync"
	"time"

	"github.com/ankitkr9911/Cipherstorm/internal/domain"
)

const shardCount = 64

type shard struct {
	mu      sync.Mutex
	entries map[string]*domain.Challenge
}

// MemoryStore keeps challenges in process memory. Keys are striped across a
// fixed pool of shards; every operation on a key runs under that shard's lock.
type MemoryStore struct {
	shards [shardCount]shard
	opts   options
}

// NewMemoryStore creates an empty in-memory challenge store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{opts: buildOptions(opts)}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*domain.Challenge)
	}
	return s
}

func (s *MemoryStore) shard(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}

func (s *MemoryStore) Issue(_ context.Context, key, code string, ttl time.Duration, pending *domain.PendingTransaction) (*domain.Challenge, error) {
	now := s.opts.now()
	c := &domain.Challenge{
		Key:       key,
		Code:      code,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		Pending:   pending,
	}

	sh := s.shard(key)
	sh.mu.Lock()
	sh.entries[key] = c
	sh.mu.Unlock()

	out := *c
	return &out, nil
}

func (s *MemoryStore) Reissue(_ context.Context, key, code string, ttl time.Duration) (domain.VerifyResult, *domain.Challenge, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.entries[key]
	if !ok {
		return domain.VerifyAbsent, nil, nil
	}
	now := s.opts.now()
	if c.Expired(now) {
		delete(sh.entries, key)
		return domain.VerifyExpired, nil, nil
	}

	c.Code = code
	c.IssuedAt = now
	c.ExpiresAt = now.Add(ttl)
	out := *c
	return domain.VerifyOK, &out, nil
}

func (s *MemoryStore) Verify(_ context.Context, key, code string) (domain.VerifyResult, *domain.Challenge, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.entries[key]
	if !ok {
		return domain.VerifyAbsent, nil, nil
	}
	if c.Expired(s.opts.now()) {
		delete(sh.entries, key)
		return domain.VerifyExpired, nil, nil
	}
	if subtle.ConstantTimeCompare([]byte(c.Code), []byte(code)) != 1 {
		c.Attempts++
		if c.Attempts >= s.opts.maxAttempts {
			delete(sh.entries, key)
			return domain.VerifyExhausted, nil, nil
		}
		out := *c
		out.Code = ""
		return domain.VerifyInvalid, &out, nil
	}

	delete(sh.entries, key)
	return domain.VerifyOK, c, nil
}

func (s *MemoryStore) Cancel(_ context.Context, key string) error {
	sh := s.shard(key)
	sh.mu.Lock()
	delete(sh.entries, key)
	sh.mu.Unlock()
	return nil
}

// Sweep drops challenges whose retention window has passed. Challenges that
// expired more recently stay so a late Verify still reports VerifyExpired.
func (s *MemoryStore) Sweep(ctx context.Context) (int, error) {
	cutoff := s.opts.now().Add(-expiredRetention)
	removed := 0
	for i := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, c := range sh.entries {
			if c.Expired(cutoff) {
				delete(sh.entries, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Len reports the number of stored challenges, expired or not.
func (s *MemoryStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

func (s *MemoryStore) Close() error {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		sh.entries = make(map[string]*domain.Challenge)
		sh.mu.Unlock()
	}
	return nil
}
