package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains common columns for all tables
type Base struct {
	ID        string    `gorm:"type:uuid;primary_key" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BeforeCreate will set a UUID rather than numeric ID
func (base *Base) BeforeCreate(tx *gorm.DB) error {
	if base.ID == "" {
		base.ID = uuid.New().String()
	}
	return nil
}

type JobStatus string
type ScheduleType string
type WindowType string
type CampaignStatus string
type RecipientStatus string

// Job status constants
const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusSent       JobStatus = "SENT"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSent, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Schedule type constants
const (
	ScheduleTypeImmediate ScheduleType = "IMMEDIATE"
	ScheduleTypeScheduled ScheduleType = "SCHEDULED"
)

// Rate-limit window type constants
const (
	WindowTypeHour WindowType = "HOUR"
	WindowTypeDay  WindowType = "DAY"
)

// Campaign status constants
const (
	CampaignStatusDraft     CampaignStatus = "DRAFT"
	CampaignStatusScheduled CampaignStatus = "SCHEDULED"
	CampaignStatusSending   CampaignStatus = "SENDING"
	CampaignStatusCompleted CampaignStatus = "COMPLETED"
	CampaignStatusFailed    CampaignStatus = "FAILED"
)

// Recipient delivery status constants
const (
	RecipientStatusPending RecipientStatus = "PENDING"
	RecipientStatusSent    RecipientStatus = "SENT"
	RecipientStatusFailed  RecipientStatus = "FAILED"
)
