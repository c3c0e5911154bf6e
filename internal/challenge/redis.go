package challenge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ankitkr9911/Cipherstorm/internal/domain"
	"github.com/redis/go-redis/v9"
)

var reissueScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {"absent"}
end
local expires = tonumber(redis.call("HGET", KEYS[1], "expires_at"))
if tonumber(ARGV[1]) > expires then
  redis.call("DEL", KEYS[1])
  return {"expired"}
end
redis.call("HSET", KEYS[1], "code", ARGV[2], "issued_at", ARGV[1], "expires_at", ARGV[3])
redis.call("PEXPIREAT", KEYS[1], ARGV[4])
local fields = redis.call("HMGET", KEYS[1], "issued_at", "expires_at", "attempts", "pending")
return {"ok", fields[1], fields[2], fields[3], fields[4]}
`)

var verifyScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {"absent"}
end
local expires = tonumber(redis.call("HGET", KEYS[1], "expires_at"))
if tonumber(ARGV[1]) > expires then
  redis.call("DEL", KEYS[1])
  return {"expired"}
end
if redis.call("HGET", KEYS[1], "code") ~= ARGV[2] then
  local attempts = redis.call("HINCRBY", KEYS[1], "attempts", 1)
  if attempts >= tonumber(ARGV[3]) then
    redis.call("DEL", KEYS[1])
    return {"exhausted"}
  end
  local fields = redis.call("HMGET", KEYS[1], "issued_at", "expires_at")
  return {"invalid", fields[1], fields[2], tostring(attempts)}
end
local fields = redis.call("HMGET", KEYS[1], "issued_at", "expires_at", "attempts", "pending")
redis.call("DEL", KEYS[1])
return {"ok", fields[1], fields[2], fields[3], fields[4]}
`)

// RedisStore keeps challenges in Redis hashes so every instance of the service
// sees the same state. Each operation is a single MULTI block or Lua script,
// which makes per-key operations atomic across processes. Codes are stored hashed.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	opts   options
}

// NewRedisStore creates a Redis backed challenge store.
func NewRedisStore(client redis.UniversalClient, prefix string, opts ...Option) *RedisStore {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "cipherstorm"
	}
	return &RedisStore{
		client: client,
		prefix: trimmedPrefix,
		opts:   buildOptions(opts),
	}
}

func (r *RedisStore) redisKey(key string) string {
	return fmt.Sprintf("%s:otp:%s", r.prefix, key)
}

func hashCode(key, code string) string {
	sum := sha256.Sum256([]byte(key + ":" + code))
	return hex.EncodeToString(sum[:])
}

func (r *RedisStore) Issue(ctx context.Context, key, code string, ttl time.Duration, pending *domain.PendingTransaction) (*domain.Challenge, error) {
	now := r.opts.now()
	c := &domain.Challenge{
		Key:       key,
		Code:      code,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		Pending:   pending,
	}

	payload := ""
	if pending != nil {
		raw, err := json.Marshal(pending)
		if err != nil {
			return nil, fmt.Errorf("encode pending transaction: %w", err)
		}
		payload = string(raw)
	}

	rk := r.redisKey(key)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, rk)
		pipe.HSet(ctx, rk,
			"code", hashCode(key, code),
			"issued_at", now.UnixMilli(),
			"expires_at", c.ExpiresAt.UnixMilli(),
			"attempts", 0,
			"pending", payload,
		)
		pipe.PExpireAt(ctx, rk, c.ExpiresAt.Add(expiredRetention))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("issue challenge: %w", err)
	}
	return c, nil
}

func (r *RedisStore) Reissue(ctx context.Context, key, code string, ttl time.Duration) (domain.VerifyResult, *domain.Challenge, error) {
	now := r.opts.now()
	expiresAt := now.Add(ttl)
	raw, err := reissueScript.Run(ctx, r.client, []string{r.redisKey(key)},
		now.UnixMilli(),
		hashCode(key, code),
		expiresAt.UnixMilli(),
		expiresAt.Add(expiredRetention).UnixMilli(),
	).Result()
	if err != nil {
		return domain.VerifyAbsent, nil, fmt.Errorf("reissue challenge: %w", err)
	}

	result, fields, err := parseScriptReply(raw)
	if err != nil || result != domain.VerifyOK {
		return result, nil, err
	}
	c, err := decodeChallenge(key, fields)
	if err != nil {
		return domain.VerifyAbsent, nil, err
	}
	c.Code = code
	return domain.VerifyOK, c, nil
}

func (r *RedisStore) Verify(ctx context.Context, key, code string) (domain.VerifyResult, *domain.Challenge, error) {
	raw, err := verifyScript.Run(ctx, r.client, []string{r.redisKey(key)},
		r.opts.now().UnixMilli(),
		hashCode(key, code),
		r.opts.maxAttempts,
	).Result()
	if err != nil {
		return domain.VerifyAbsent, nil, fmt.Errorf("verify challenge: %w", err)
	}

	result, fields, err := parseScriptReply(raw)
	if err != nil {
		return result, nil, err
	}
	switch result {
	case domain.VerifyOK:
		c, err := decodeChallenge(key, fields)
		if err != nil {
			return domain.VerifyAbsent, nil, err
		}
		c.Code = code
		return result, c, nil
	case domain.VerifyInvalid:
		if len(fields) < 3 {
			return result, nil, fmt.Errorf("unexpected verify reply length: %d", len(fields))
		}
		c, err := decodeChallenge(key, []string{fields[0], fields[1], fields[2], ""})
		if err != nil {
			return result, nil, err
		}
		return result, c, nil
	default:
		return result, nil, nil
	}
}

func (r *RedisStore) Cancel(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("cancel challenge: %w", err)
	}
	return nil
}

// Sweep is a no-op: Redis expires challenge keys on its own.
func (r *RedisStore) Sweep(context.Context) (int, error) {
	return 0, nil
}

// Close leaves the shared client open; its owner closes it.
func (r *RedisStore) Close() error {
	return nil
}

func parseScriptReply(raw interface{}) (domain.VerifyResult, []string, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) == 0 {
		return domain.VerifyAbsent, nil, fmt.Errorf("unexpected challenge script reply: %T", raw)
	}

	strs := make([]string, 0, len(values))
	for _, v := range values {
		switch t := v.(type) {
		case string:
			strs = append(strs, t)
		case int64:
			strs = append(strs, strconv.FormatInt(t, 10))
		case nil:
			strs = append(strs, "")
		default:
			return domain.VerifyAbsent, nil, fmt.Errorf("unexpected challenge script value: %T", v)
		}
	}

	var result domain.VerifyResult
	switch strs[0] {
	case "ok":
		result = domain.VerifyOK
	case "invalid":
		result = domain.VerifyInvalid
	case "expired":
		result = domain.VerifyExpired
	case "exhausted":
		result = domain.VerifyExhausted
	case "absent":
		result = domain.VerifyAbsent
	default:
		return domain.VerifyAbsent, nil, fmt.Errorf("unexpected challenge script status: %q", strs[0])
	}
	return result, strs[1:], nil
}

// decodeChallenge expects issued_at, expires_at, attempts, pending.
func decodeChallenge(key string, fields []string) (*domain.Challenge, error) {
	if len(fields) < 4 {
		return nil, fmt.Errorf("unexpected challenge field count: %d", len(fields))
	}
	issuedAt, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode issued_at: %w", err)
	}
	expiresAt, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode expires_at: %w", err)
	}
	attempts, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, fmt.Errorf("decode attempts: %w", err)
	}

	c := &domain.Challenge{
		Key:       key,
		IssuedAt:  time.UnixMilli(issuedAt),
		ExpiresAt: time.UnixMilli(expiresAt),
		Attempts:  attempts,
	}
	if fields[3] != "" {
		var pending domain.PendingTransaction
		if err := json.Unmarshal([]byte(fields[3]), &pending); err != nil {
			return nil, fmt.Errorf("decode pending transaction: %w", err)
		}
		c.Pending = &pending
	}
	return c, nil
}
