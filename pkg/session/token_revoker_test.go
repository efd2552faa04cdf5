package session

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryTokenRevokerUserCutoffMonotonic(t *testing.T) {
	r := NewMemoryTokenRevoker()
	first := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	second := time.Now().UTC().Truncate(time.Second)

	if err := r.RevokeUser("1", first, time.Hour); err != nil {
		t.Fatalf("revoke user first: %v", err)
	}
	if err := r.RevokeUser("1", first.Add(-time.Minute), time.Hour); err != nil {
		t.Fatalf("revoke user older cutoff: %v", err)
	}
	got, err := r.RevokedAfter("1")
	if err != nil {
		t.Fatalf("revoked after first: %v", err)
	}
	if !got.Equal(first) {
		t.Fatalf("expected first cutoff to be kept, got %v", got)
	}

	if err := r.RevokeUser("1", second, time.Hour); err != nil {
		t.Fatalf("revoke user second: %v", err)
	}
	got, err = r.RevokedAfter("1")
	if err != nil {
		t.Fatalf("revoked after second: %v", err)
	}
	if !got.Equal(second) {
		t.Fatalf("expected newest cutoff, got %v", got)
	}
}

func TestMemoryTokenRevokerExpires(t *testing.T) {
	r := NewMemoryTokenRevoker()
	if err := r.Revoke("jti-1", time.Millisecond); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	revoked, err := r.IsRevoked("jti-1")
	if err != nil {
		t.Fatalf("is revoked: %v", err)
	}
	if revoked {
		t.Fatalf("expected revocation to lapse")
	}
}

func newTestRedisRevoker(t *testing.T) (*RedisTokenRevoker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisTokenRevoker(client), mr
}

func TestRedisTokenRevokerRevokeWithTTL(t *testing.T) {
	r, mr := newTestRedisRevoker(t)

	if err := r.Revoke("jti-2", time.Minute); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	revoked, err := r.IsRevoked("jti-2")
	if err != nil {
		t.Fatalf("is revoked: %v", err)
	}
	if !revoked {
		t.Fatalf("expected jti to be revoked")
	}

	mr.FastForward(2 * time.Minute)
	revoked, err = r.IsRevoked("jti-2")
	if err != nil {
		t.Fatalf("is revoked after ttl: %v", err)
	}
	if revoked {
		t.Fatalf("expected revocation to expire")
	}
}

func TestRedisTokenRevokerUserCutoffMonotonic(t *testing.T) {
	r, _ := newTestRedisRevoker(t)
	first := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	second := time.Now().UTC().Truncate(time.Second)

	got, err := r.RevokedAfter("7")
	if err != nil {
		t.Fatalf("revoked after empty: %v", err)
	}
	if !got.IsZero() {
		t.Fatalf("expected no cutoff, got %v", got)
	}

	if err := r.RevokeUser("7", first, time.Hour); err != nil {
		t.Fatalf("revoke user first: %v", err)
	}
	if err := r.RevokeUser("7", first.Add(-time.Minute), time.Hour); err != nil {
		t.Fatalf("revoke user older: %v", err)
	}
	got, err = r.RevokedAfter("7")
	if err != nil {
		t.Fatalf("revoked after first: %v", err)
	}
	if !got.Equal(first) {
		t.Fatalf("expected first cutoff to be kept, got %v", got)
	}

	if err := r.RevokeUser("7", second, time.Hour); err != nil {
		t.Fatalf("revoke user second: %v", err)
	}
	got, err = r.RevokedAfter("7")
	if err != nil {
		t.Fatalf("revoked after second: %v", err)
	}
	if !got.Equal(second) {
		t.Fatalf("expected newest cutoff, got %v", got)
	}
}
