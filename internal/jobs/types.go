package jobs

import (
	"context"
	"time"

	"courier/internal/models"
)

// Job priorities (1-10, higher is dispatched sooner)
const (
	PriorityCritical = 10
	PriorityHigh     = 8
	PriorityNormal   = 5
	PriorityLow      = 3
)

// Event names emitted on the events bus
const (
	EventJobSent           = "job.sent"
	EventJobFailed         = "job.failed"
	EventCampaignCompleted = "campaign.completed"
)

// Recipient is a single addressee with its already-personalized content.
// Personalization of subject/body happens upstream; the map is kept for audit.
type Recipient struct {
	Email           string                 `json:"email" validate:"required,email"`
	Name            string                 `json:"name"`
	BodyHTML        string                 `json:"bodyHtml"`
	BodyText        string                 `json:"bodyText"`
	Personalization map[string]interface{} `json:"personalization,omitempty"`
}

// CampaignJobStats aggregates job counts for one campaign.
type CampaignJobStats struct {
	Total                int     `json:"total"`
	Pending              int     `json:"pending"`
	Processing           int     `json:"processing"`
	Sent                 int     `json:"sent"`
	Failed               int     `json:"failed"`
	Cancelled            int     `json:"cancelled"`
	CompletionPercentage float64 `json:"completionPercentage"`
}

// FailedJobsOptions filters GetFailedJobs.
type FailedJobsOptions struct {
	CampaignID     string
	OrganizationID string
	Since          time.Time
	Limit          int
}

// Clock abstracts time for the dispatcher and factory so scheduling math and
// inter-send delays are testable without real timers.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// SystemClock returns the wall-clock implementation.
func SystemClock() Clock { return systemClock{} }

// groupByOrganization preserves claimed order within each organization.
func groupByOrganization(batch []*models.Job) map[string][]*models.Job {
	groups := make(map[string][]*models.Job)
	for _, job := range batch {
		groups[job.OrganizationID] = append(groups[job.OrganizationID], job)
	}
	return groups
}
