package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"courier/internal/mailer"
	"courier/internal/models"
)

// ClaimStore is the persistence slice the dispatch loop needs.
type ClaimStore interface {
	ClaimDueJobs(ctx context.Context, limit int, nodeID string, organizationID string) ([]*models.Job, error)
	ReleaseJobs(ctx context.Context, batch []*models.Job, detail string) error
	MarkSent(ctx context.Context, job *models.Job, messageID string) (bool, error)
}

// OrgLimiter gates sends per organization.
type OrgLimiter interface {
	CheckOrganization(ctx context.Context, organizationID string) (*RateLimitDecision, error)
	RecordOutcome(ctx context.Context, organizationID string, success bool) error
	MinInterval() time.Duration
}

// DispatcherConfig tunes the polling loop.
type DispatcherConfig struct {
	NodeID            string
	PollInterval      time.Duration
	MaxConcurrentJobs int
	InterSendDelay    time.Duration
}

// Dispatcher drives claimed jobs through send/retry/terminal transitions.
// Organizations within one tick run concurrently; jobs inside one
// organization run sequentially in claimed order so the inter-send spacing
// holds.
type Dispatcher struct {
	store    ClaimStore
	limiter  OrgLimiter
	sender   mailer.Sender
	retries  *RetryManager
	progress *ProgressTracker
	cfg      DispatcherConfig
	clock    Clock
	logger   *zap.Logger
}

func NewDispatcher(
	store ClaimStore,
	limiter OrgLimiter,
	sender mailer.Sender,
	retries *RetryManager,
	progress *ProgressTracker,
	cfg DispatcherConfig,
	clock Clock,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 50
	}
	if cfg.InterSendDelay <= 0 {
		cfg.InterSendDelay = time.Second
	}
	// the in-batch pause must cover the limiter's minimum send gap, or the
	// per-job re-check defers every job after the first
	if min := limiter.MinInterval(); cfg.InterSendDelay < min {
		cfg.InterSendDelay = min
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &Dispatcher{
		store:    store,
		limiter:  limiter,
		sender:   sender,
		retries:  retries,
		progress: progress,
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
	}
}

// Start runs the polling loop until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("dispatcher started",
		zap.String("node_id", d.cfg.NodeID),
		zap.Duration("poll_interval", d.cfg.PollInterval),
		zap.Int("max_concurrent_jobs", d.cfg.MaxConcurrentJobs),
	)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped", zap.String("node_id", d.cfg.NodeID))
			return
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				d.logger.Error("dispatch tick failed", zap.Error(err))
			}
		}
	}
}

// Tick claims one batch of due jobs and processes it to completion. A failed
// tick logs and leaves recovery to the next interval.
func (d *Dispatcher) Tick(ctx context.Context) error {
	batch, err := d.store.ClaimDueJobs(ctx, d.cfg.MaxConcurrentJobs, d.cfg.NodeID, "")
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	d.logger.Info("claimed due jobs",
		zap.Int("count", len(batch)),
		zap.String("node_id", d.cfg.NodeID),
	)

	var wg sync.WaitGroup
	for organizationID, group := range groupByOrganization(batch) {
		wg.Add(1)
		go func(organizationID string, group []*models.Job) {
			defer wg.Done()
			d.processOrganization(ctx, organizationID, group)
		}(organizationID, group)
	}
	wg.Wait()
	return nil
}

// processOrganization attempts the organization's jobs in claimed order. A
// rate-limit block releases the current and all remaining jobs back to
// PENDING; that is deferral, not failure.
func (d *Dispatcher) processOrganization(ctx context.Context, organizationID string, group []*models.Job) {
	for i, job := range group {
		if ctx.Err() != nil {
			d.release(ctx, group[i:], "worker shutting down")
			return
		}

		// limits may have been consumed since the batch was claimed
		decision, err := d.limiter.CheckOrganization(ctx, organizationID)
		if err != nil {
			d.logger.Error("rate limit check failed",
				zap.String("organization_id", organizationID),
				zap.Error(err),
			)
			d.release(ctx, group[i:], "rate limiter unavailable")
			return
		}
		if !decision.CanSend {
			d.logger.Info("organization rate limited, deferring batch",
				zap.String("organization_id", organizationID),
				zap.String("reason", decision.Reason),
				zap.Int("deferred", len(group)-i),
			)
			d.release(ctx, group[i:], decision.Reason)
			return
		}

		d.attempt(ctx, job)

		if i < len(group)-1 {
			d.clock.Sleep(ctx, d.cfg.InterSendDelay)
		}
	}
}

func (d *Dispatcher) attempt(ctx context.Context, job *models.Job) {
	result, sendErr := d.sender.Send(ctx, mailer.Message{
		AccountID: job.OrganizationID,
		To:        job.RecipientEmail,
		ToName:    job.RecipientName,
		Subject:   job.Subject,
		HTMLBody:  job.BodyHTML,
		TextBody:  job.BodyText,
	})

	if sendErr != nil {
		if err := d.limiter.RecordOutcome(ctx, job.OrganizationID, false); err != nil {
			d.logger.Error("failed to record attempt", zap.String("job_id", job.ID), zap.Error(err))
		}
		outcome, err := d.retries.HandleFailure(ctx, job, &TransportError{Err: sendErr})
		if err != nil {
			d.logger.Error("failed to resolve send failure",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
			return
		}
		if outcome.Terminal && outcome.Applied {
			if err := d.progress.JobFailed(ctx, job); err != nil {
				d.logger.Error("failed to track terminal failure", zap.String("job_id", job.ID), zap.Error(err))
			}
		}
		return
	}

	applied, err := d.store.MarkSent(ctx, job, result.MessageID)
	if err != nil {
		d.logger.Error("failed to mark job sent",
			zap.String("job_id", job.ID),
			zap.String("message_id", result.MessageID),
			zap.Error(err),
		)
		return
	}
	if err := d.limiter.RecordOutcome(ctx, job.OrganizationID, true); err != nil {
		d.logger.Error("failed to record attempt", zap.String("job_id", job.ID), zap.Error(err))
	}
	if applied {
		if err := d.progress.JobSent(ctx, job); err != nil {
			d.logger.Error("failed to track delivery", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

func (d *Dispatcher) release(ctx context.Context, rest []*models.Job, reason string) {
	if len(rest) == 0 {
		return
	}
	if err := d.store.ReleaseJobs(ctx, rest, reason); err != nil {
		d.logger.Error("failed to release deferred jobs",
			zap.Int("count", len(rest)),
			zap.Error(err),
		)
	}
}
