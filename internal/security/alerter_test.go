package security

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestAlerter(t *testing.T) (*AuditAlerter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	alerter, err := NewAuditAlerter(client, "test:alerts")
	if err != nil {
		t.Fatalf("new alerter: %v", err)
	}
	return alerter, mr
}

func TestAuditAlerterObserveTriggers(t *testing.T) {
	alerter, _ := newTestAlerter(t)
	var last AlertResult
	for i := 0; i < 10; i++ {
		result, err := alerter.Observe(context.Background(), "login", "rejected", "127.0.0.1")
		if err != nil {
			t.Fatalf("observe: %v", err)
		}
		if i < 9 && result.Triggered {
			t.Fatalf("triggered early at %d", i+1)
		}
		last = result
	}
	if !last.Triggered || last.Count != 10 || last.Threshold != 10 {
		t.Fatalf("expected alert threshold to trigger, got %+v", last)
	}
}

func TestAuditAlerterCountsPerAddress(t *testing.T) {
	alerter, _ := newTestAlerter(t)
	for i := 0; i < 9; i++ {
		if _, err := alerter.Observe(context.Background(), "login", "rejected", "10.0.0.1"); err != nil {
			t.Fatalf("observe: %v", err)
		}
	}
	result, err := alerter.Observe(context.Background(), "login", "rejected", "10.0.0.2")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if result.Triggered || result.Count != 1 {
		t.Fatalf("expected separate counter per address, got %+v", result)
	}
}

func TestAuditAlerterWindowRollsOver(t *testing.T) {
	alerter, _ := newTestAlerter(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	alerter.now = func() time.Time { return now }
	for i := 0; i < 19; i++ {
		if _, err := alerter.Observe(context.Background(), "rate_limit", "rejected", "1.2.3.4"); err != nil {
			t.Fatalf("observe: %v", err)
		}
	}
	now = now.Add(time.Minute)
	result, err := alerter.Observe(context.Background(), "rate_limit", "rejected", "1.2.3.4")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if result.Triggered || result.Count != 1 {
		t.Fatalf("expected fresh window, got %+v", result)
	}
}

func TestAuditAlerterObserveIgnoresUnknownRule(t *testing.T) {
	alerter, _ := newTestAlerter(t)
	for _, tc := range [][2]string{{"login", "success"}, {"custom", "rejected"}} {
		result, err := alerter.Observe(context.Background(), tc[0], tc[1], "127.0.0.1")
		if err != nil {
			t.Fatalf("observe: %v", err)
		}
		if result.Triggered || result.Count != 0 {
			t.Fatalf("unexpected count for %v: %+v", tc, result)
		}
	}
}

func TestAuditAlerterRedisDown(t *testing.T) {
	alerter, mr := newTestAlerter(t)
	mr.Close()
	if _, err := alerter.Observe(context.Background(), "login", "rejected", "127.0.0.1"); err == nil {
		t.Fatalf("expected error when redis is unreachable")
	}
}

func TestNewAuditAlerterRequiresClient(t *testing.T) {
	if _, err := NewAuditAlerter(nil, ""); err == nil {
		t.Fatalf("expected error for nil client")
	}
}
