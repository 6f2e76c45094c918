package models

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Job is one scheduled send attempt to one recipient for one campaign.
type Job struct {
	Base
	CampaignID          string            `gorm:"type:uuid;not null;index" json:"campaignId" validate:"required,uuid"`
	OrganizationID      string            `gorm:"type:uuid;not null;index" json:"organizationId" validate:"required,uuid"`
	RecipientEmail      string            `gorm:"not null" json:"recipientEmail" validate:"required,email"`
	RecipientName       string            `json:"recipientName"`
	Subject             string            `gorm:"not null" json:"subject" validate:"required"`
	BodyHTML            string            `json:"bodyHtml"`
	BodyText            string            `json:"bodyText"`
	PersonalizationData datatypes.JSONMap `gorm:"type:jsonb;default:'{}'" json:"personalizationData"`
	ScheduledFor        time.Time         `gorm:"not null;index:idx_jobs_due,priority:2" json:"scheduledFor"`
	Priority            int               `gorm:"not null;default:5;index:idx_jobs_due,priority:3,sort:desc" json:"priority"`
	Status              JobStatus         `gorm:"not null;default:'PENDING';index:idx_jobs_due,priority:1" json:"status"`
	RetryCount          int               `gorm:"not null;default:0" json:"retryCount"`
	MaxRetries          int               `gorm:"not null;default:3" json:"maxRetries"`
	LastError           string            `json:"lastError,omitempty"`
	ProcessingNode      string            `gorm:"default:NULL" json:"processingNode,omitempty"`
	RateLimitKey        string            `gorm:"not null;index" json:"rateLimitKey"`
	MessageID           string            `json:"messageId,omitempty"`
	SentAt              *time.Time        `json:"sentAt,omitempty"`
}

// RateLimitKeyFor derives the rate-limit key for an organization.
func RateLimitKeyFor(organizationID string) string {
	return fmt.Sprintf("org:%s", organizationID)
}

// CampaignSchedule holds the sending window configuration, one row per campaign.
type CampaignSchedule struct {
	Base
	CampaignID      string       `gorm:"type:uuid;uniqueIndex;not null" json:"campaignId" validate:"required,uuid"`
	ScheduleType    ScheduleType `gorm:"not null" json:"scheduleType" validate:"required,oneof=IMMEDIATE SCHEDULED"`
	WindowStartTime string       `json:"windowStartTime"` // time of day, "15:04"
	WindowEndTime   string       `json:"windowEndTime"`
	Timezone        string       `gorm:"not null;default:'UTC'" json:"timezone"`
	DailyLimit      int          `json:"dailyLimit"`
	HourlyLimit     int          `json:"hourlyLimit"`
	StartDate       *time.Time   `json:"startDate,omitempty"`
	EndDate         *time.Time   `json:"endDate,omitempty"`
}

// RateLimitCounter is an upsert-incremented usage bucket. Rows are keyed by
// (organization, window start, window type) and are never deleted by the core.
type RateLimitCounter struct {
	Base
	OrganizationID string     `gorm:"type:uuid;not null;uniqueIndex:idx_rate_limit_bucket" json:"organizationId"`
	WindowStart    time.Time  `gorm:"not null;uniqueIndex:idx_rate_limit_bucket" json:"windowStart"`
	WindowType     WindowType `gorm:"not null;uniqueIndex:idx_rate_limit_bucket" json:"windowType"`
	SentCount      int        `gorm:"not null;default:0" json:"sentCount"`
	FailedCount    int        `gorm:"not null;default:0" json:"failedCount"`
}

// JobEvent is an append-only audit record of a job status transition.
type JobEvent struct {
	Base
	JobID      string    `gorm:"type:uuid;not null;index" json:"jobId"`
	CampaignID string    `gorm:"type:uuid;not null;index" json:"campaignId"`
	FromStatus JobStatus `gorm:"not null" json:"fromStatus"`
	ToStatus   JobStatus `gorm:"not null" json:"toStatus"`
	Node       string    `json:"node,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Campaign carries the aggregate counters the pipeline writes back to.
// Campaign CRUD itself lives outside this service.
type Campaign struct {
	Base
	Name            string         `gorm:"not null" json:"name"`
	OrganizationID  string         `gorm:"type:uuid;not null;index" json:"organizationId"`
	FromEmail       string         `gorm:"not null" json:"fromEmail"`
	Status          CampaignStatus `gorm:"not null;default:'DRAFT'" json:"status"`
	TotalRecipients int            `gorm:"not null;default:0" json:"totalRecipients"`
	SentCount       int            `gorm:"not null;default:0" json:"sentCount"`
	FailedCount     int            `gorm:"not null;default:0" json:"failedCount"`
}

// CampaignRecipient tracks per-recipient delivery state for a campaign.
type CampaignRecipient struct {
	Base
	CampaignID string          `gorm:"type:uuid;not null;uniqueIndex:idx_campaign_recipient" json:"campaignId"`
	Email      string          `gorm:"not null;uniqueIndex:idx_campaign_recipient" json:"email"`
	Name       string          `json:"name"`
	Status     RecipientStatus `gorm:"not null;default:'PENDING'" json:"status"`
	JobID      string          `gorm:"type:uuid;default:NULL" json:"jobId,omitempty"`
	SentAt     *time.Time      `json:"sentAt,omitempty"`
	Error      string          `json:"error,omitempty"`
}
