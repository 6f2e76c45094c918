package jobs

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestCheckOrganization_HourlyBlocksDespiteDailyHeadroom(t *testing.T) {
	usage := newFakeUsage()
	usage.hourUsed["org-1"] = 5
	usage.dayUsed["org-1"] = 5

	limiter := NewRateLimiter(usage, nil, RateLimiterOptions{
		DefaultQuota: Quota{HourlyLimit: 5, DailyLimit: 5000},
	}, newFakeClock(time.Now()))

	decision, err := limiter.CheckOrganization(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.CanSend {
		t.Fatal("expected hourly limit to block")
	}
	if !strings.Contains(decision.Reason, "hourly") {
		t.Errorf("expected hourly reason, got %q", decision.Reason)
	}
}

func TestCheckOrganization_DailyBlocksDespiteHourlyHeadroom(t *testing.T) {
	usage := newFakeUsage()
	usage.hourUsed["org-1"] = 10
	usage.dayUsed["org-1"] = 5000

	limiter := NewRateLimiter(usage, nil, RateLimiterOptions{
		DefaultQuota: Quota{HourlyLimit: 500, DailyLimit: 5000},
	}, newFakeClock(time.Now()))

	decision, err := limiter.CheckOrganization(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.CanSend {
		t.Fatal("expected daily limit to block")
	}
	if !strings.Contains(decision.Reason, "daily") {
		t.Errorf("expected daily reason, got %q", decision.Reason)
	}
}

func TestCheckOrganization_AllowsUnderBothLimits(t *testing.T) {
	usage := newFakeUsage()
	usage.hourUsed["org-1"] = 499
	usage.dayUsed["org-1"] = 4999

	limiter := NewRateLimiter(usage, nil, RateLimiterOptions{
		DefaultQuota: Quota{HourlyLimit: 500, DailyLimit: 5000},
	}, newFakeClock(time.Now()))

	decision, err := limiter.CheckOrganization(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.CanSend {
		t.Fatalf("expected send allowed at 499/500 and 4999/5000, got %q", decision.Reason)
	}
}

func TestCheckOrganization_ZeroLimitMeansUnlimited(t *testing.T) {
	usage := newFakeUsage()
	usage.hourUsed["org-1"] = 1_000_000

	limiter := NewRateLimiter(usage, nil, RateLimiterOptions{
		DefaultQuota: Quota{},
	}, newFakeClock(time.Now()))

	decision, err := limiter.CheckOrganization(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.CanSend {
		t.Errorf("zero quota means no cap, got blocked: %q", decision.Reason)
	}
}

func TestQuotaFor_Overrides(t *testing.T) {
	limiter := NewRateLimiter(newFakeUsage(), nil, RateLimiterOptions{
		DefaultQuota: Quota{HourlyLimit: 500, DailyLimit: 5000},
		Overrides: map[string]Quota{
			"org-vip": {HourlyLimit: 10000, DailyLimit: 100000},
		},
	}, newFakeClock(time.Now()))

	if q := limiter.QuotaFor("org-vip"); q.HourlyLimit != 10000 {
		t.Errorf("expected override quota, got %+v", q)
	}
	if q := limiter.QuotaFor("org-other"); q.HourlyLimit != 500 {
		t.Errorf("expected default quota, got %+v", q)
	}
}

func TestCheckOrganization_DoesNotConsumeQuota(t *testing.T) {
	usage := newFakeUsage()
	limiter := NewRateLimiter(usage, nil, RateLimiterOptions{
		DefaultQuota: Quota{HourlyLimit: 500, DailyLimit: 5000},
	}, newFakeClock(time.Now()))

	for i := 0; i < 10; i++ {
		if _, err := limiter.CheckOrganization(context.Background(), "org-1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if len(usage.outcomes) != 0 {
		t.Errorf("checks must not record outcomes, got %d", len(usage.outcomes))
	}
	if usage.hourUsed["org-1"] != 0 {
		t.Errorf("checks must not consume quota, got %d", usage.hourUsed["org-1"])
	}
}

func TestRecordOutcome_CountsFailuresToo(t *testing.T) {
	usage := newFakeUsage()
	limiter := NewRateLimiter(usage, nil, RateLimiterOptions{
		DefaultQuota: Quota{HourlyLimit: 500, DailyLimit: 5000},
	}, newFakeClock(time.Now()))

	ctx := context.Background()
	if err := limiter.RecordOutcome(ctx, "org-1", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := limiter.RecordOutcome(ctx, "org-1", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if usage.hourUsed["org-1"] != 2 {
		t.Errorf("expected both outcomes counted, got %d", usage.hourUsed["org-1"])
	}
	if len(usage.outcomes) != 2 || !usage.outcomes[0] || usage.outcomes[1] {
		t.Errorf("expected success then failure recorded, got %v", usage.outcomes)
	}
}

func TestMinSendInterval_LocalFallback(t *testing.T) {
	usage := newFakeUsage()
	clock := newFakeClock(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	limiter := NewRateLimiter(usage, nil, RateLimiterOptions{
		DefaultQuota:    Quota{HourlyLimit: 500, DailyLimit: 5000},
		MinSendInterval: 2 * time.Second,
	}, clock)

	ctx := context.Background()
	if err := limiter.RecordOutcome(ctx, "org-1", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decision, err := limiter.CheckOrganization(ctx, "org-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.CanSend {
		t.Fatal("expected interval gate to block immediately after a send")
	}

	clock.Advance(3 * time.Second)
	decision, err = limiter.CheckOrganization(ctx, "org-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.CanSend {
		t.Fatalf("expected send allowed after interval elapsed, got %q", decision.Reason)
	}
}

func TestMinSendInterval_RedisGateSharedAcrossNodes(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	opts := RateLimiterOptions{
		DefaultQuota:    Quota{HourlyLimit: 500, DailyLimit: 5000},
		MinSendInterval: 2 * time.Second,
	}
	nodeA := NewRateLimiter(newFakeUsage(), rdb, opts, newFakeClock(time.Now()))
	nodeB := NewRateLimiter(newFakeUsage(), rdb, opts, newFakeClock(time.Now()))

	ctx := context.Background()
	if err := nodeA.RecordOutcome(ctx, "org-1", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// node B never sent, but sees node A's gate through redis
	decision, err := nodeB.CheckOrganization(ctx, "org-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.CanSend {
		t.Fatal("expected redis interval gate to block the other node")
	}

	mr.FastForward(3 * time.Second)
	decision, err = nodeB.CheckOrganization(ctx, "org-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.CanSend {
		t.Fatalf("expected send allowed after gate expiry, got %q", decision.Reason)
	}

	// a different organization is never gated by org-1's sends
	decision, err = nodeB.CheckOrganization(ctx, "org-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.CanSend {
		t.Fatalf("expected unrelated organization to pass, got %q", decision.Reason)
	}
}
