package session

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenRevoker tracks revoked tokens until expiry.
type TokenRevoker interface {
	Revoke(jti string, ttl time.Duration) error
	IsRevoked(jti string) (bool, error)
}

// UserTokenRevoker also records a per-user cutoff: credentials issued before
// the cutoff are rejected.
type UserTokenRevoker interface {
	TokenRevoker
	RevokeUser(subject string, since time.Time, ttl time.Duration) error
	RevokedAfter(subject string) (time.Time, error)
}

type userCutoff struct {
	at      time.Time
	expires time.Time
}

// MemoryTokenRevoker keeps revoked tokens in-memory (single instance only).
type MemoryTokenRevoker struct {
	mu      sync.Mutex
	tokens  map[string]time.Time
	cutoffs map[string]userCutoff
}

// NewMemoryTokenRevoker builds an in-memory revoker.
func NewMemoryTokenRevoker() *MemoryTokenRevoker {
	return &MemoryTokenRevoker{
		tokens:  make(map[string]time.Time),
		cutoffs: make(map[string]userCutoff),
	}
}

// Revoke marks a token as revoked until its expiry.
func (r *MemoryTokenRevoker) Revoke(jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	r.mu.Lock()
	r.tokens[jti] = time.Now().Add(ttl)
	r.mu.Unlock()
	return nil
}

// IsRevoked checks if the token is revoked.
func (r *MemoryTokenRevoker) IsRevoked(jti string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	expiry, ok := r.tokens[jti]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiry) {
		delete(r.tokens, jti)
		return false, nil
	}
	return true, nil
}

// RevokeUser moves the user's cutoff forward; it never moves backwards.
func (r *MemoryTokenRevoker) RevokeUser(subject string, since time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	since = since.UTC().Truncate(time.Second)
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.cutoffs[subject]
	if ok && current.at.After(since) && time.Now().Before(current.expires) {
		return nil
	}
	r.cutoffs[subject] = userCutoff{at: since, expires: time.Now().Add(ttl)}
	return nil
}

// RevokedAfter returns the user's cutoff, or the zero time when none is active.
func (r *MemoryTokenRevoker) RevokedAfter(subject string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.cutoffs[subject]
	if !ok {
		return time.Time{}, nil
	}
	if time.Now().After(current.expires) {
		delete(r.cutoffs, subject)
		return time.Time{}, nil
	}
	return current.at, nil
}

// keep the larger of the stored and proposed cutoff, refreshing the ttl
var raiseCutoffScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current and tonumber(current) >= tonumber(ARGV[1]) then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

// RedisTokenRevoker stores revoked tokens in Redis with TTL.
type RedisTokenRevoker struct {
	client *redis.Client
}

// NewRedisTokenRevoker builds a Redis-backed revoker.
func NewRedisTokenRevoker(client *redis.Client) *RedisTokenRevoker {
	return &RedisTokenRevoker{client: client}
}

// Revoke marks a token as revoked until expiry.
func (r *RedisTokenRevoker) Revoke(jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return r.client.Set(ctx, revocationKey(jti), "1", ttl).Err()
}

// IsRevoked checks if the token is revoked.
func (r *RedisTokenRevoker) IsRevoked(jti string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	res, err := r.client.Exists(ctx, revocationKey(jti)).Result()
	if err != nil {
		return false, err
	}
	return res > 0, nil
}

// RevokeUser stores the cutoff as unix seconds.
func (r *RedisTokenRevoker) RevokeUser(subject string, since time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return raiseCutoffScript.Run(ctx, r.client,
		[]string{userCutoffKey(subject)},
		since.UTC().Unix(), ttl.Milliseconds(),
	).Err()
}

// RevokedAfter returns the user's cutoff, or the zero time when none is active.
func (r *RedisTokenRevoker) RevokedAfter(subject string) (time.Time, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	raw, err := r.client.Get(ctx, userCutoffKey(subject)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

func revocationKey(jti string) string {
	return "revoked:" + jti
}

func userCutoffKey(subject string) string {
	return "revoked:user:" + subject
}
