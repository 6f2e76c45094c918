package jobs

import (
	"context"
	"time"

	"courier/internal/models"
	"courier/internal/utils/logger"
)

// BackoffPolicy maps a retry attempt index (0-based) to the delay before the
// next attempt.
type BackoffPolicy func(attempt int) time.Duration

// DefaultBackoff waits 5, 15, then 60 minutes, staying flat for any further
// configured retries.
func DefaultBackoff(attempt int) time.Duration {
	table := []time.Duration{5 * time.Minute, 15 * time.Minute, 60 * time.Minute}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(table) {
		return table[len(table)-1]
	}
	return table[attempt]
}

// RetryStore is the slice of the job store the retry path needs.
type RetryStore interface {
	RescheduleForRetry(ctx context.Context, job *models.Job, delay time.Duration, lastError string) (bool, error)
	MarkFailed(ctx context.Context, job *models.Job, lastError string) (bool, error)
}

// RetryOutcome reports what HandleFailure decided.
type RetryOutcome struct {
	Terminal bool
	// Applied is false when the job had already left PROCESSING, e.g. a
	// duplicate outcome report.
	Applied bool
	NextIn  time.Duration
}

// RetryManager decides between rescheduling a failed send and declaring it
// terminally failed.
type RetryManager struct {
	store   RetryStore
	backoff BackoffPolicy
	log     *logger.Logger
}

func NewRetryManager(store RetryStore, backoff BackoffPolicy) *RetryManager {
	if backoff == nil {
		backoff = DefaultBackoff
	}
	return &RetryManager{
		store:   store,
		backoff: backoff,
		log:     logger.New("RETRY"),
	}
}

// HandleFailure reschedules the job with backoff while retries remain;
// reaching max_retries forces terminal FAILED, after which the job is never
// retried automatically again.
func (m *RetryManager) HandleFailure(ctx context.Context, job *models.Job, sendErr error) (*RetryOutcome, error) {
	reason := sendErr.Error()

	if job.RetryCount < job.MaxRetries {
		delay := m.backoff(job.RetryCount)
		applied, err := m.store.RescheduleForRetry(ctx, job, delay, reason)
		if err != nil {
			return nil, err
		}
		if applied {
			m.log.Warn("job %s retry %d/%d in %s: %s", job.ID, job.RetryCount, job.MaxRetries, delay, reason)
		}
		return &RetryOutcome{Applied: applied, NextIn: delay}, nil
	}

	applied, err := m.store.MarkFailed(ctx, job, reason)
	if err != nil {
		return nil, err
	}
	if applied {
		m.log.Error("job %s failed permanently after %d retries: %s", job.ID, job.RetryCount, reason)
	}
	return &RetryOutcome{Terminal: true, Applied: applied}, nil
}
