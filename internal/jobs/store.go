package jobs

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"courier/internal/models"
)

// Store is the persistence layer for the delivery pipeline. The jobs table is
// the single source of truth for claim ownership: every status transition is a
// conditional UPDATE guarded by the expected prior status, so a repeated
// update for the same outcome is a no-op and two workers can never own the
// same job.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// legal prior statuses per transition target
var allowedFrom = map[models.JobStatus][]models.JobStatus{
	models.JobStatusProcessing: {models.JobStatusPending},
	models.JobStatusSent:       {models.JobStatusProcessing},
	models.JobStatusFailed:     {models.JobStatusProcessing},
	models.JobStatusPending:    {models.JobStatusProcessing},
	models.JobStatusCancelled:  {models.JobStatusPending},
}

// CreateJobsInBatches inserts jobs in chunks inside a single transaction:
// statement size stays bounded on large recipient lists while creation
// remains all-or-nothing.
func (s *Store) CreateJobsInBatches(ctx context.Context, jobs []*models.Job, batchSize int) error {
	if len(jobs) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = 1000
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.CreateInBatches(jobs, batchSize).Error; err != nil {
			return fmt.Errorf("failed to insert jobs: %w", err)
		}
		return nil
	})
}

// CreateRecipientsInBatches inserts per-recipient tracking rows, ignoring
// duplicates from a relaunched campaign.
func (s *Store) CreateRecipientsInBatches(ctx context.Context, recipients []*models.CampaignRecipient, batchSize int) error {
	if len(recipients) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = 1000
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "campaign_id"}, {Name: "email"}},
			DoNothing: true,
		}).
		CreateInBatches(recipients, batchSize).Error
}

// ClaimDueJobs atomically selects up to limit due PENDING jobs ordered by
// priority DESC, scheduled_for ASC, marks them PROCESSING for nodeID and
// returns them. FOR UPDATE SKIP LOCKED keeps concurrent claimers from ever
// seeing the same rows.
func (s *Store) ClaimDueJobs(ctx context.Context, limit int, nodeID string, organizationID string) ([]*models.Job, error) {
	var claimed []*models.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND scheduled_for <= ?", models.JobStatusPending, time.Now()).
			Order("priority DESC, scheduled_for ASC").
			Limit(limit)
		if organizationID != "" {
			query = query.Where("organization_id = ?", organizationID)
		}

		var rows []*models.Job
		if err := query.Find(&rows).Error; err != nil {
			return fmt.Errorf("failed to select due jobs: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]string, len(rows))
		for i, job := range rows {
			ids[i] = job.ID
		}

		result := tx.Model(&models.Job{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"status":          models.JobStatusProcessing,
				"processing_node": nodeID,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to mark jobs processing: %w", result.Error)
		}

		for _, job := range rows {
			job.Status = models.JobStatusProcessing
			job.ProcessingNode = nodeID
			if err := appendEvent(tx, job, models.JobStatusPending, models.JobStatusProcessing, nodeID, "claimed"); err != nil {
				return err
			}
		}
		claimed = rows
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReleaseJobs returns still-PROCESSING jobs to PENDING with the claim
// cleared. Used for rate-limit deferrals; carries no retry-count penalty.
// Each row is released individually so a job resolved since the claim keeps
// its status and gets no release event.
func (s *Store) ReleaseJobs(ctx context.Context, batch []*models.Job, detail string) error {
	if len(batch) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, job := range batch {
			result := tx.Model(&models.Job{}).
				Where("id = ? AND status = ?", job.ID, models.JobStatusProcessing).
				Updates(map[string]interface{}{
					"status":          models.JobStatusPending,
					"processing_node": gorm.Expr("NULL"),
				})
			if result.Error != nil {
				return fmt.Errorf("failed to release job %s: %w", job.ID, result.Error)
			}
			if result.RowsAffected == 0 {
				continue
			}
			node := job.ProcessingNode
			job.Status = models.JobStatusPending
			job.ProcessingNode = ""
			if err := appendEvent(tx, job, models.JobStatusProcessing, models.JobStatusPending, node, detail); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkSent moves a PROCESSING job to terminal SENT. Returns whether the
// transition applied; a second call for the same outcome reports false.
func (s *Store) MarkSent(ctx context.Context, job *models.Job, messageID string) (bool, error) {
	now := time.Now()
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Job{}).
			Where("id = ? AND status = ?", job.ID, models.JobStatusProcessing).
			Updates(map[string]interface{}{
				"status":          models.JobStatusSent,
				"message_id":      messageID,
				"sent_at":         now,
				"last_error":      "",
				"processing_node": gorm.Expr("NULL"),
			})
		if result.Error != nil {
			return fmt.Errorf("failed to mark job sent: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}
		applied = true
		job.Status = models.JobStatusSent
		job.MessageID = messageID
		job.SentAt = &now
		job.ProcessingNode = ""
		return appendEvent(tx, job, models.JobStatusProcessing, models.JobStatusSent, "", "delivered "+messageID)
	})
	return applied, err
}

// RescheduleForRetry puts a failed-but-retriable job back to PENDING at
// now+delay with the retry count incremented and the error recorded.
func (s *Store) RescheduleForRetry(ctx context.Context, job *models.Job, delay time.Duration, lastError string) (bool, error) {
	next := time.Now().Add(delay)
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Job{}).
			Where("id = ? AND status = ?", job.ID, models.JobStatusProcessing).
			Updates(map[string]interface{}{
				"status":          models.JobStatusPending,
				"retry_count":     gorm.Expr("retry_count + 1"),
				"scheduled_for":   next,
				"last_error":      lastError,
				"processing_node": gorm.Expr("NULL"),
			})
		if result.Error != nil {
			return fmt.Errorf("failed to reschedule job: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}
		applied = true
		node := job.ProcessingNode
		job.Status = models.JobStatusPending
		job.RetryCount++
		job.ScheduledFor = next
		job.LastError = lastError
		job.ProcessingNode = ""
		return appendEvent(tx, job, models.JobStatusProcessing, models.JobStatusPending, node,
			fmt.Sprintf("retry %d scheduled: %s", job.RetryCount, lastError))
	})
	return applied, err
}

// MarkFailed moves a PROCESSING job to terminal FAILED after retries are
// exhausted.
func (s *Store) MarkFailed(ctx context.Context, job *models.Job, lastError string) (bool, error) {
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Job{}).
			Where("id = ? AND status = ?", job.ID, models.JobStatusProcessing).
			Updates(map[string]interface{}{
				"status":          models.JobStatusFailed,
				"last_error":      lastError,
				"processing_node": gorm.Expr("NULL"),
			})
		if result.Error != nil {
			return fmt.Errorf("failed to mark job failed: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}
		applied = true
		node := job.ProcessingNode
		job.Status = models.JobStatusFailed
		job.LastError = lastError
		job.ProcessingNode = ""
		return appendEvent(tx, job, models.JobStatusProcessing, models.JobStatusFailed, node, lastError)
	})
	return applied, err
}

// UpdateJobStatus applies a guarded transition to the given status. It reports
// whether the transition applied; illegal targets are rejected outright.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, detail string) (bool, error) {
	from, ok := allowedFrom[status]
	if !ok {
		return false, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}

	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// lock the row so the prior status recorded in the event is the one
		// the transition actually moved from
		var job models.Job
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&job, "id = ?", jobID).Error; err != nil {
			return fmt.Errorf("failed to get job %s: %w", jobID, err)
		}

		legal := false
		for _, prior := range from {
			if job.Status == prior {
				legal = true
				break
			}
		}
		if !legal {
			return nil
		}

		updates := map[string]interface{}{"status": status}
		if status != models.JobStatusProcessing {
			updates["processing_node"] = gorm.Expr("NULL")
		}
		if err := tx.Model(&models.Job{}).
			Where("id = ?", jobID).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update job status: %w", err)
		}
		applied = true
		return appendEvent(tx, &job, job.Status, status, "", detail)
	})
	return applied, err
}

// CancelPendingJobs cancels still-unclaimed jobs for a campaign. A job already
// PROCESSING cannot be cancelled.
func (s *Store) CancelPendingJobs(ctx context.Context, campaignID string) (int64, error) {
	var cancelled int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []*models.Job
		if err := tx.Select("id", "campaign_id", "status").
			Where("campaign_id = ? AND status = ?", campaignID, models.JobStatusPending).
			Find(&rows).Error; err != nil {
			return fmt.Errorf("failed to list pending jobs: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]string, len(rows))
		for i, job := range rows {
			ids[i] = job.ID
		}
		result := tx.Model(&models.Job{}).
			Where("id IN ? AND status = ?", ids, models.JobStatusPending).
			Update("status", models.JobStatusCancelled)
		if result.Error != nil {
			return fmt.Errorf("failed to cancel jobs: %w", result.Error)
		}
		cancelled = result.RowsAffected
		for _, job := range rows {
			if err := appendEvent(tx, job, models.JobStatusPending, models.JobStatusCancelled, "", "cancelled"); err != nil {
				return err
			}
		}
		return nil
	})
	return cancelled, err
}

// GetJob fetches one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return &job, nil
}

// GetFailedJobs returns terminally failed jobs, newest first.
func (s *Store) GetFailedJobs(ctx context.Context, opts FailedJobsOptions) ([]*models.Job, error) {
	query := s.db.WithContext(ctx).Where("status = ?", models.JobStatusFailed)
	if opts.CampaignID != "" {
		query = query.Where("campaign_id = ?", opts.CampaignID)
	}
	if opts.OrganizationID != "" {
		query = query.Where("organization_id = ?", opts.OrganizationID)
	}
	if !opts.Since.IsZero() {
		query = query.Where("updated_at >= ?", opts.Since)
	}
	if opts.Limit > 0 {
		query = query.Limit(opts.Limit)
	}
	var failed []*models.Job
	if err := query.Order("updated_at DESC").Find(&failed).Error; err != nil {
		return nil, fmt.Errorf("failed to list failed jobs: %w", err)
	}
	return failed, nil
}

// GetCampaignJobStats aggregates job counts for one campaign.
func (s *Store) GetCampaignJobStats(ctx context.Context, campaignID string) (*CampaignJobStats, error) {
	type row struct {
		Status models.JobStatus
		Count  int
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&models.Job{}).
		Select("status, count(*) as count").
		Where("campaign_id = ?", campaignID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate campaign stats: %w", err)
	}

	stats := &CampaignJobStats{}
	for _, r := range rows {
		stats.Total += r.Count
		switch r.Status {
		case models.JobStatusPending:
			stats.Pending = r.Count
		case models.JobStatusProcessing:
			stats.Processing = r.Count
		case models.JobStatusSent:
			stats.Sent = r.Count
		case models.JobStatusFailed:
			stats.Failed = r.Count
		case models.JobStatusCancelled:
			stats.Cancelled = r.Count
		}
	}
	if stats.Total > 0 {
		done := stats.Sent + stats.Failed + stats.Cancelled
		stats.CompletionPercentage = float64(done) / float64(stats.Total) * 100
	}
	return stats, nil
}

// UpsertCampaignSchedule creates or replaces the one schedule row per
// campaign.
func (s *Store) UpsertCampaignSchedule(ctx context.Context, schedule *models.CampaignSchedule) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "campaign_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"schedule_type", "window_start_time", "window_end_time",
				"timezone", "daily_limit", "hourly_limit", "start_date", "end_date", "updated_at",
			}),
		}).
		Create(schedule).Error
	if err != nil {
		return fmt.Errorf("failed to upsert campaign schedule: %w", err)
	}
	return nil
}

// dayStart truncates t to midnight UTC; hour buckets truncate in place.
func dayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// RecordSendOutcome upserts the hour and day usage buckets for an
// organization after a send attempt resolved. Success and failure both count
// toward quota usage.
func (s *Store) RecordSendOutcome(ctx context.Context, organizationID string, at time.Time, success bool) error {
	buckets := []struct {
		windowType  models.WindowType
		windowStart time.Time
	}{
		{models.WindowTypeHour, at.UTC().Truncate(time.Hour)},
		{models.WindowTypeDay, dayStart(at)},
	}

	column := "sent_count"
	if !success {
		column = "failed_count"
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, b := range buckets {
			counter := &models.RateLimitCounter{
				OrganizationID: organizationID,
				WindowStart:    b.windowStart,
				WindowType:     b.windowType,
			}
			if success {
				counter.SentCount = 1
			} else {
				counter.FailedCount = 1
			}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{
					{Name: "organization_id"}, {Name: "window_start"}, {Name: "window_type"},
				},
				DoUpdates: clause.Assignments(map[string]interface{}{
					column:       gorm.Expr(column + " + 1"),
					"updated_at": time.Now(),
				}),
			}).Create(counter).Error
			if err != nil {
				return fmt.Errorf("failed to upsert %s counter: %w", b.windowType, err)
			}
		}
		return nil
	})
}

// WindowUsage sums attempts (sent + failed) for buckets starting at or after
// since. With hour/day-aligned buckets this is a conservative rolling window.
func (s *Store) WindowUsage(ctx context.Context, organizationID string, windowType models.WindowType, since time.Time) (int, error) {
	var total *int
	err := s.db.WithContext(ctx).Model(&models.RateLimitCounter{}).
		Select("sum(sent_count + failed_count)").
		Where("organization_id = ? AND window_type = ? AND window_start >= ?", organizationID, windowType, since).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum %s usage: %w", windowType, err)
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

// PruneCounters deletes usage buckets that ended before cutoff. Housekeeping
// only; the pipeline itself never deletes counters.
func (s *Store) PruneCounters(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("window_start < ?", cutoff).
		Delete(&models.RateLimitCounter{})
	return result.RowsAffected, result.Error
}

// PruneEvents deletes audit events older than cutoff.
func (s *Store) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.JobEvent{})
	return result.RowsAffected, result.Error
}

// GetJobEvents returns the audit trail for one job, oldest first.
func (s *Store) GetJobEvents(ctx context.Context, jobID string) ([]*models.JobEvent, error) {
	var trail []*models.JobEvent
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&trail).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list job events: %w", err)
	}
	return trail, nil
}

func appendEvent(tx *gorm.DB, job *models.Job, from, to models.JobStatus, node, detail string) error {
	event := &models.JobEvent{
		JobID:      job.ID,
		CampaignID: job.CampaignID,
		FromStatus: from,
		ToStatus:   to,
		Node:       node,
		Detail:     detail,
	}
	if err := tx.Create(event).Error; err != nil {
		return fmt.Errorf("failed to append job event: %w", err)
	}
	return nil
}
