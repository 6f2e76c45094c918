package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"courier/internal/models"
	"courier/internal/utils/logger"
)

// UsageStore is the counter slice of persistence the limiter reads and
// writes. Counters move only after a send attempt's outcome is known;
// deferrals never touch them.
type UsageStore interface {
	WindowUsage(ctx context.Context, organizationID string, windowType models.WindowType, since time.Time) (int, error)
	RecordSendOutcome(ctx context.Context, organizationID string, at time.Time, success bool) error
}

// Quota is an organization's hourly/daily send allowance.
type Quota struct {
	HourlyLimit int
	DailyLimit  int
}

// RateLimitDecision is the answer to "may this organization send right now".
type RateLimitDecision struct {
	CanSend bool
	Reason  string
}

// RateLimiterOptions configures quotas and burst smoothing.
type RateLimiterOptions struct {
	DefaultQuota    Quota
	Overrides       map[string]Quota
	MinSendInterval time.Duration
}

// RateLimiter enforces per-organization hourly/daily quotas from the shared
// counter table and a minimum interval between sends. The interval gate lives
// in Redis so multiple worker nodes see each other's sends; without Redis it
// degrades to a process-local map that only smooths this node's output.
type RateLimiter struct {
	store UsageStore
	redis *redis.Client
	opts  RateLimiterOptions
	clock Clock
	log   *logger.Logger

	mu       sync.Mutex
	lastSend map[string]time.Time
}

func NewRateLimiter(store UsageStore, rdb *redis.Client, opts RateLimiterOptions, clock Clock) *RateLimiter {
	if clock == nil {
		clock = SystemClock()
	}
	if opts.MinSendInterval <= 0 {
		opts.MinSendInterval = 2 * time.Second
	}
	return &RateLimiter{
		store:    store,
		redis:    rdb,
		opts:     opts,
		clock:    clock,
		log:      logger.New("RATELIMIT"),
		lastSend: make(map[string]time.Time),
	}
}

// MinInterval is the enforced minimum gap between an organization's sends.
// Callers pacing their own sends must wait at least this long or the interval
// gate will defer them.
func (l *RateLimiter) MinInterval() time.Duration {
	return l.opts.MinSendInterval
}

// QuotaFor resolves the effective quota for an organization.
func (l *RateLimiter) QuotaFor(organizationID string) Quota {
	if q, ok := l.opts.Overrides[organizationID]; ok {
		return q
	}
	return l.opts.DefaultQuota
}

// CheckOrganization decides whether one more send is allowed. The hourly and
// daily checks are independent; either blocks regardless of the other's
// headroom. A blocked answer is a deferral, not a failure.
func (l *RateLimiter) CheckOrganization(ctx context.Context, organizationID string) (*RateLimitDecision, error) {
	quota := l.QuotaFor(organizationID)
	now := l.clock.Now()

	if quota.HourlyLimit > 0 {
		since := now.Add(-time.Hour).UTC().Truncate(time.Hour)
		used, err := l.store.WindowUsage(ctx, organizationID, models.WindowTypeHour, since)
		if err != nil {
			return nil, fmt.Errorf("failed to read hourly usage: %w", err)
		}
		if used+1 > quota.HourlyLimit {
			return &RateLimitDecision{
				Reason: fmt.Sprintf("hourly limit reached (%d/%d)", used, quota.HourlyLimit),
			}, nil
		}
	}

	if quota.DailyLimit > 0 {
		since := dayStart(now.Add(-24 * time.Hour))
		used, err := l.store.WindowUsage(ctx, organizationID, models.WindowTypeDay, since)
		if err != nil {
			return nil, fmt.Errorf("failed to read daily usage: %w", err)
		}
		if used+1 > quota.DailyLimit {
			return &RateLimitDecision{
				Reason: fmt.Sprintf("daily limit reached (%d/%d)", used, quota.DailyLimit),
			}, nil
		}
	}

	if blocked, reason := l.intervalBlocked(ctx, organizationID, now); blocked {
		return &RateLimitDecision{Reason: reason}, nil
	}

	return &RateLimitDecision{CanSend: true}, nil
}

// RecordOutcome registers a resolved send attempt: usage counters move for
// success and failure alike, and the interval gate restarts.
func (l *RateLimiter) RecordOutcome(ctx context.Context, organizationID string, success bool) error {
	now := l.clock.Now()
	if err := l.store.RecordSendOutcome(ctx, organizationID, now, success); err != nil {
		return err
	}

	l.mu.Lock()
	l.lastSend[organizationID] = now
	l.mu.Unlock()

	if l.redis != nil {
		key := intervalKey(organizationID)
		if err := l.redis.Set(ctx, key, now.Format(time.RFC3339Nano), l.opts.MinSendInterval).Err(); err != nil {
			l.log.Warn("failed to set interval gate for %s, local map only: %v", organizationID, err)
		}
	}
	return nil
}

func (l *RateLimiter) intervalBlocked(ctx context.Context, organizationID string, now time.Time) (bool, string) {
	if l.redis != nil {
		exists, err := l.redis.Exists(ctx, intervalKey(organizationID)).Result()
		if err == nil {
			if exists > 0 {
				return true, "minimum send interval not yet elapsed"
			}
			return false, ""
		}
		l.log.Warn("interval gate unavailable for %s, falling back to local map: %v", organizationID, err)
	}

	l.mu.Lock()
	last, ok := l.lastSend[organizationID]
	l.mu.Unlock()
	if ok && now.Sub(last) < l.opts.MinSendInterval {
		return true, "minimum send interval not yet elapsed"
	}
	return false, ""
}

func intervalKey(organizationID string) string {
	return fmt.Sprintf("rate_limit:interval:%s", organizationID)
}
