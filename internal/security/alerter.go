package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var alertCounterScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// AlertResult contains alert evaluation output.
type AlertResult struct {
	Triggered bool
	Count     int64
	Threshold int64
	Window    time.Duration
}

// AuditAlerter counts rejected security events per client address and
// reports when a rule's threshold is reached inside its window.
type AuditAlerter struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewAuditAlerter creates an alerter backed by Redis counters.
func NewAuditAlerter(client *redis.Client, prefix string) (*AuditAlerter, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "chatapp:alerts"
	}
	return &AuditAlerter{client: client, prefix: prefix, now: time.Now}, nil
}

// Observe records one event. Events without a rule are ignored.
func (a *AuditAlerter) Observe(ctx context.Context, event, outcome, ip string) (AlertResult, error) {
	result := AlertResult{}
	if a == nil || a.client == nil {
		return result, nil
	}
	threshold, window, ok := alertRule(event, outcome)
	if !ok {
		return result, nil
	}
	windowMs := window.Milliseconds()
	slot := a.now().UTC().UnixMilli() / windowMs
	key := fmt.Sprintf("%s:%s:%s:%s:%d", a.prefix, sanitizeSegment(event), sanitizeSegment(outcome), sanitizeSegment(ip), slot)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := alertCounterScript.Run(ctx, a.client, []string{key}, windowMs).Int64()
	if err != nil {
		return result, err
	}
	result.Count = count
	result.Threshold = threshold
	result.Window = window
	result.Triggered = count >= threshold
	return result, nil
}

func alertRule(event, outcome string) (threshold int64, window time.Duration, ok bool) {
	if strings.TrimSpace(outcome) != "rejected" {
		return 0, 0, false
	}
	switch strings.TrimSpace(event) {
	case "rate_limit":
		return 20, time.Minute, true
	case "login":
		return 10, 5 * time.Minute, true
	case "authenticate":
		return 25, 5 * time.Minute, true
	default:
		return 0, 0, false
	}
}

func sanitizeSegment(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}
	return strings.NewReplacer(":", "_", "|", "_", " ", "_").Replace(in)
}
