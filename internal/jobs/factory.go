package jobs

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/datatypes"

	"courier/internal/models"
	"courier/internal/utils/logger"
)

// FactoryStore is the persistence slice job creation needs.
type FactoryStore interface {
	CreateJobsInBatches(ctx context.Context, batch []*models.Job, batchSize int) error
	CreateRecipientsInBatches(ctx context.Context, recipients []*models.CampaignRecipient, batchSize int) error
	UpsertCampaignSchedule(ctx context.Context, schedule *models.CampaignSchedule) error
}

// LaunchStore flips the campaign into its sending state at launch.
type LaunchStore interface {
	MarkCampaignSending(ctx context.Context, campaignID string, totalRecipients int) error
}

// ImmediateJobsParams launches an immediate campaign: either staggered at
// RatePerHour or, in mass mode, everything at once with elevated priority.
type ImmediateJobsParams struct {
	Campaign    *models.Campaign `validate:"required"`
	Recipients  []Recipient      `validate:"required,min=1,dive"`
	Subject     string           `validate:"required"`
	RatePerHour int              `validate:"required,min=1"`
	MassEmail   bool
	MaxRetries  int
}

// ImmediateJobsResult reports what was created.
type ImmediateJobsResult struct {
	JobsCreated         int       `json:"jobsCreated"`
	JobIDs              []string  `json:"jobIds"`
	EstimatedCompletion time.Time `json:"estimatedCompletionTime"`
}

// ScheduledJobsParams launches a multi-day campaign confined to a daily
// time window.
type ScheduledJobsParams struct {
	Campaign    *models.Campaign `validate:"required"`
	Recipients  []Recipient      `validate:"required,min=1,dive"`
	Subject     string           `validate:"required"`
	StartDate   time.Time        `validate:"required"`
	EndDate     *time.Time
	StartTime   string `validate:"required"`
	EndTime     string `validate:"required"`
	Timezone    string
	DailyLimit  int `validate:"required,min=1"`
	HourlyLimit int
	MaxRetries  int
}

// ScheduledJobsResult reports what was created and what did not fit before
// the end date.
type ScheduledJobsResult struct {
	JobsCreated int                      `json:"jobsCreated"`
	JobIDs      []string                 `json:"jobIds"`
	Unscheduled int                      `json:"unscheduled"`
	Schedule    *models.CampaignSchedule `json:"schedule"`
}

// JobFactory validates launch input, runs the schedule math, and bulk-creates
// job rows. Nothing is persisted when validation fails.
type JobFactory struct {
	store     FactoryStore
	campaigns LaunchStore
	validate  *validator.Validate
	clock     Clock
	log       *logger.Logger
	batchSize int
}

func NewJobFactory(store FactoryStore, campaigns LaunchStore, clock Clock, batchSize int) *JobFactory {
	if clock == nil {
		clock = SystemClock()
	}
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &JobFactory{
		store:     store,
		campaigns: campaigns,
		validate:  validator.New(),
		clock:     clock,
		log:       logger.New("FACTORY"),
		batchSize: batchSize,
	}
}

// CreateImmediateJobs builds one job per recipient. Mass mode schedules
// everything at now with critical priority; otherwise sends are staggered at
// 3,600,000/RatePerHour ms and completion is estimated at count/rate hours.
func (f *JobFactory) CreateImmediateJobs(ctx context.Context, params ImmediateJobsParams) (*ImmediateJobsResult, error) {
	if err := f.validateLaunch(params.Campaign, params); err != nil {
		return nil, err
	}

	now := f.clock.Now()
	count := len(params.Recipients)

	var times []time.Time
	priority := PriorityNormal
	if params.MassEmail {
		times = make([]time.Time, count)
		for i := range times {
			times[i] = now
		}
		priority = PriorityCritical
	} else {
		times = StaggeredTimes(now, count, params.RatePerHour)
	}

	batch := f.buildJobs(params.Campaign, params.Recipients, params.Subject, times, priority, params.MaxRetries)
	if err := f.persistLaunch(ctx, params.Campaign, batch, params.Recipients); err != nil {
		return nil, err
	}

	schedule := &models.CampaignSchedule{
		CampaignID:   params.Campaign.ID,
		ScheduleType: models.ScheduleTypeImmediate,
		Timezone:     "UTC",
		HourlyLimit:  params.RatePerHour,
	}
	if err := f.store.UpsertCampaignSchedule(ctx, schedule); err != nil {
		return nil, err
	}

	f.log.Success("created %d immediate jobs for campaign %s (mass=%v)", count, params.Campaign.ID, params.MassEmail)
	return &ImmediateJobsResult{
		JobsCreated:         count,
		JobIDs:              jobIDs(batch),
		EstimatedCompletion: EstimatedCompletion(now, count, params.RatePerHour),
	}, nil
}

// CreateScheduledJobs walks calendar days from StartDate assigning each day
// up to min(DailyLimit, remaining) recipients inside the window. Recipients
// past EndDate are reported, not scheduled.
func (f *JobFactory) CreateScheduledJobs(ctx context.Context, params ScheduledJobsParams) (*ScheduledJobsResult, error) {
	if err := f.validateLaunch(params.Campaign, params); err != nil {
		return nil, err
	}

	windowParams := WindowScheduleParams{
		StartDate:  params.StartDate,
		EndDate:    params.EndDate,
		StartTime:  params.StartTime,
		EndTime:    params.EndTime,
		Timezone:   params.Timezone,
		DailyLimit: params.DailyLimit,
		Recipients: len(params.Recipients),
	}
	plan, err := ComputeWindowSchedule(windowParams)
	if err != nil {
		return nil, err
	}

	// jobs may never be scheduled before their creation time
	now := f.clock.Now()
	for i, t := range plan.Times {
		if t.Before(now) {
			plan.Times[i] = now
		}
	}

	scheduled := params.Recipients[:len(plan.Times)]
	batch := f.buildJobs(params.Campaign, scheduled, params.Subject, plan.Times, PriorityNormal, params.MaxRetries)
	if err := f.persistLaunch(ctx, params.Campaign, batch, scheduled); err != nil {
		return nil, err
	}

	schedule := ScheduleFor(params.Campaign.ID, models.ScheduleTypeScheduled, windowParams, params.HourlyLimit)
	if err := f.store.UpsertCampaignSchedule(ctx, schedule); err != nil {
		return nil, err
	}

	if plan.Unscheduled > 0 {
		f.log.Warn("campaign %s: %d recipients did not fit before the end date", params.Campaign.ID, plan.Unscheduled)
	}
	f.log.Success("created %d scheduled jobs for campaign %s across %d days", len(batch), params.Campaign.ID, plan.Days)
	return &ScheduledJobsResult{
		JobsCreated: len(batch),
		JobIDs:      jobIDs(batch),
		Unscheduled: plan.Unscheduled,
		Schedule:    schedule,
	}, nil
}

func (f *JobFactory) validateLaunch(campaign *models.Campaign, params interface{}) error {
	if campaign == nil || campaign.ID == "" {
		return &ValidationError{Field: "campaign.id", Reason: "required"}
	}
	if campaign.OrganizationID == "" {
		return &ValidationError{Field: "campaign.organizationId", Reason: "required"}
	}
	if err := f.validate.Struct(params); err != nil {
		if fields, ok := err.(validator.ValidationErrors); ok && len(fields) > 0 {
			return &ValidationError{Field: fields[0].Namespace(), Reason: fields[0].Tag()}
		}
		return &ValidationError{Reason: err.Error()}
	}
	return nil
}

func (f *JobFactory) buildJobs(campaign *models.Campaign, recipients []Recipient, subject string, times []time.Time, priority, maxRetries int) []*models.Job {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	batch := make([]*models.Job, len(recipients))
	for i, recipient := range recipients {
		batch[i] = &models.Job{
			CampaignID:          campaign.ID,
			OrganizationID:      campaign.OrganizationID,
			RecipientEmail:      recipient.Email,
			RecipientName:       recipient.Name,
			Subject:             subject,
			BodyHTML:            recipient.BodyHTML,
			BodyText:            recipient.BodyText,
			PersonalizationData: datatypes.JSONMap(recipient.Personalization),
			ScheduledFor:        times[i],
			Priority:            priority,
			Status:              models.JobStatusPending,
			MaxRetries:          maxRetries,
			RateLimitKey:        models.RateLimitKeyFor(campaign.OrganizationID),
		}
	}
	return batch
}

func (f *JobFactory) persistLaunch(ctx context.Context, campaign *models.Campaign, batch []*models.Job, recipients []Recipient) error {
	if err := f.store.CreateJobsInBatches(ctx, batch, f.batchSize); err != nil {
		return f.log.Error("failed to create jobs for campaign %s: %v", campaign.ID, err)
	}

	tracking := make([]*models.CampaignRecipient, len(recipients))
	for i, recipient := range recipients {
		tracking[i] = &models.CampaignRecipient{
			CampaignID: campaign.ID,
			Email:      recipient.Email,
			Name:       recipient.Name,
			Status:     models.RecipientStatusPending,
		}
	}
	if err := f.store.CreateRecipientsInBatches(ctx, tracking, f.batchSize); err != nil {
		return f.log.Error("failed to create recipient records for campaign %s: %v", campaign.ID, err)
	}

	if f.campaigns != nil {
		if err := f.campaigns.MarkCampaignSending(ctx, campaign.ID, len(recipients)); err != nil {
			return f.log.Error("failed to mark campaign %s sending: %v", campaign.ID, err)
		}
	}
	return nil
}

func jobIDs(batch []*models.Job) []string {
	ids := make([]string, len(batch))
	for i, job := range batch {
		ids[i] = job.ID
	}
	return ids
}
