package jobs

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"courier/internal/models"
)

// CampaignStore writes the aggregate counters and per-recipient delivery
// records that belong to the campaign/recipient collaborators. Counter
// updates are plain SQL increments so they compose with the guarded job
// transitions that gate them.
type CampaignStore struct {
	db *gorm.DB
}

func NewCampaignStore(db *gorm.DB) *CampaignStore {
	return &CampaignStore{db: db}
}

func (s *CampaignStore) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	var campaign models.Campaign
	if err := s.db.WithContext(ctx).First(&campaign, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("failed to get campaign %s: %w", id, err)
	}
	return &campaign, nil
}

// MarkCampaignSending flips the campaign to SENDING and records how many
// recipients were enrolled. Called once at launch.
func (s *CampaignStore) MarkCampaignSending(ctx context.Context, id string, totalRecipients int) error {
	err := s.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":           models.CampaignStatusSending,
			"total_recipients": totalRecipients,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark campaign sending: %w", err)
	}
	return nil
}

func (s *CampaignStore) IncrementCampaignSent(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ?", id).
		Update("sent_count", gorm.Expr("sent_count + 1")).Error
	if err != nil {
		return fmt.Errorf("failed to increment sent counter: %w", err)
	}
	return nil
}

func (s *CampaignStore) IncrementCampaignFailed(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ?", id).
		Update("failed_count", gorm.Expr("failed_count + 1")).Error
	if err != nil {
		return fmt.Errorf("failed to increment failed counter: %w", err)
	}
	return nil
}

// MarkCampaignCompleted is applied once: only a still-SENDING campaign moves.
func (s *CampaignStore) MarkCampaignCompleted(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ? AND status = ?", id, models.CampaignStatusSending).
		Update("status", models.CampaignStatusCompleted)
	if result.Error != nil {
		return false, fmt.Errorf("failed to complete campaign: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *CampaignStore) MarkRecipientSent(ctx context.Context, campaignID, email, jobID string, at time.Time) error {
	record := &models.CampaignRecipient{
		CampaignID: campaignID,
		Email:      email,
		Status:     models.RecipientStatusSent,
		JobID:      jobID,
		SentAt:     &at,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "campaign_id"}, {Name: "email"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"status":     models.RecipientStatusSent,
				"job_id":     jobID,
				"sent_at":    at,
				"error":      "",
				"updated_at": time.Now(),
			}),
		}).
		Create(record).Error
	if err != nil {
		return fmt.Errorf("failed to mark recipient sent: %w", err)
	}
	return nil
}

func (s *CampaignStore) MarkRecipientFailed(ctx context.Context, campaignID, email, jobID, reason string) error {
	record := &models.CampaignRecipient{
		CampaignID: campaignID,
		Email:      email,
		Status:     models.RecipientStatusFailed,
		JobID:      jobID,
		Error:      reason,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "campaign_id"}, {Name: "email"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"status":     models.RecipientStatusFailed,
				"job_id":     jobID,
				"error":      reason,
				"updated_at": time.Now(),
			}),
		}).
		Create(record).Error
	if err != nil {
		return fmt.Errorf("failed to mark recipient failed: %w", err)
	}
	return nil
}
