package jobs

import (
	"context"
	"time"

	"courier/internal/events"
	"courier/internal/models"
	"courier/internal/utils/logger"
)

// ProgressStore is what the tracker needs from the campaign side: counters
// and per-recipient delivery records.
type ProgressStore interface {
	IncrementCampaignSent(ctx context.Context, campaignID string) error
	IncrementCampaignFailed(ctx context.Context, campaignID string) error
	MarkCampaignCompleted(ctx context.Context, campaignID string) (bool, error)
	MarkRecipientSent(ctx context.Context, campaignID, email, jobID string, at time.Time) error
	MarkRecipientFailed(ctx context.Context, campaignID, email, jobID, reason string) error
}

// StatsReader aggregates job counts for completion detection.
type StatsReader interface {
	GetCampaignJobStats(ctx context.Context, campaignID string) (*CampaignJobStats, error)
}

// ProgressTracker propagates per-job outcomes onto campaign counters and
// per-recipient records. Callers invoke it only when the job's own guarded
// transition actually applied, so each outcome is counted exactly once even
// if the same status update is delivered twice.
type ProgressTracker struct {
	store ProgressStore
	stats StatsReader
	log   *logger.Logger
}

func NewProgressTracker(store ProgressStore, stats StatsReader) *ProgressTracker {
	return &ProgressTracker{
		store: store,
		stats: stats,
		log:   logger.New("PROGRESS"),
	}
}

// JobSent records a successful delivery for the job's campaign and recipient.
func (t *ProgressTracker) JobSent(ctx context.Context, job *models.Job) error {
	if err := t.store.IncrementCampaignSent(ctx, job.CampaignID); err != nil {
		return t.log.Error("failed to bump sent counter for campaign %s: %v", job.CampaignID, err)
	}
	sentAt := time.Now()
	if job.SentAt != nil {
		sentAt = *job.SentAt
	}
	if err := t.store.MarkRecipientSent(ctx, job.CampaignID, job.RecipientEmail, job.ID, sentAt); err != nil {
		return t.log.Error("failed to record recipient delivery for job %s: %v", job.ID, err)
	}

	events.Emit(EventJobSent, job)
	return t.checkCompletion(ctx, job.CampaignID)
}

// JobFailed records a terminal failure (retries exhausted).
func (t *ProgressTracker) JobFailed(ctx context.Context, job *models.Job) error {
	if err := t.store.IncrementCampaignFailed(ctx, job.CampaignID); err != nil {
		return t.log.Error("failed to bump failed counter for campaign %s: %v", job.CampaignID, err)
	}
	if err := t.store.MarkRecipientFailed(ctx, job.CampaignID, job.RecipientEmail, job.ID, job.LastError); err != nil {
		return t.log.Error("failed to record recipient failure for job %s: %v", job.ID, err)
	}

	events.Emit(EventJobFailed, job)
	return t.checkCompletion(ctx, job.CampaignID)
}

// checkCompletion flips the campaign to COMPLETED once no job is pending or
// processing. The guarded campaign update makes the completion event fire
// once even when two workers finish the last jobs simultaneously.
func (t *ProgressTracker) checkCompletion(ctx context.Context, campaignID string) error {
	stats, err := t.stats.GetCampaignJobStats(ctx, campaignID)
	if err != nil {
		return t.log.Error("failed to read campaign stats for %s: %v", campaignID, err)
	}
	if stats.Total == 0 || stats.Pending > 0 || stats.Processing > 0 {
		return nil
	}

	applied, err := t.store.MarkCampaignCompleted(ctx, campaignID)
	if err != nil {
		return t.log.Error("failed to complete campaign %s: %v", campaignID, err)
	}
	if applied {
		t.log.Success("campaign %s completed: %d sent, %d failed", campaignID, stats.Sent, stats.Failed)
		events.Emit(EventCampaignCompleted, campaignID)
	}
	return nil
}
