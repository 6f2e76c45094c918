package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"courier/internal/jobs"
	"courier/internal/models"
)

// JobsHandler exposes the pipeline operations over HTTP. Campaign CRUD lives
// in another service; these endpoints only launch sends and report on them.
type JobsHandler struct {
	factory   *jobs.JobFactory
	store     *jobs.Store
	campaigns *jobs.CampaignStore
}

func NewJobsHandler(factory *jobs.JobFactory, store *jobs.Store, campaigns *jobs.CampaignStore) *JobsHandler {
	return &JobsHandler{
		factory:   factory,
		store:     store,
		campaigns: campaigns,
	}
}

type LaunchImmediateRequest struct {
	Recipients  []jobs.Recipient `json:"recipients"`
	Subject     string           `json:"subject"`
	RatePerHour int              `json:"ratePerHour"`
	MassEmail   bool             `json:"massEmail"`
	MaxRetries  int              `json:"maxRetries"`
}

// LaunchImmediate creates staggered (or mass-mode) jobs for a campaign.
func (h *JobsHandler) LaunchImmediate(c echo.Context) error {
	var req LaunchImmediateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	campaign, err := h.campaigns.GetCampaign(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "campaign not found")
	}

	result, err := h.factory.CreateImmediateJobs(c.Request().Context(), jobs.ImmediateJobsParams{
		Campaign:    campaign,
		Recipients:  req.Recipients,
		Subject:     req.Subject,
		RatePerHour: req.RatePerHour,
		MassEmail:   req.MassEmail,
		MaxRetries:  req.MaxRetries,
	})
	if err != nil {
		if jobs.IsValidationError(err) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create jobs")
	}

	return c.JSON(http.StatusCreated, result)
}

type LaunchScheduledRequest struct {
	Recipients  []jobs.Recipient `json:"recipients"`
	Subject     string           `json:"subject"`
	StartDate   time.Time        `json:"startDate"`
	EndDate     *time.Time       `json:"endDate,omitempty"`
	StartTime   string           `json:"startTime"`
	EndTime     string           `json:"endTime"`
	Timezone    string           `json:"timezone"`
	DailyLimit  int              `json:"dailyLimit"`
	HourlyLimit int              `json:"hourlyLimit"`
	MaxRetries  int              `json:"maxRetries"`
}

// LaunchScheduled creates multi-day windowed jobs for a campaign.
func (h *JobsHandler) LaunchScheduled(c echo.Context) error {
	var req LaunchScheduledRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	campaign, err := h.campaigns.GetCampaign(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "campaign not found")
	}

	result, err := h.factory.CreateScheduledJobs(c.Request().Context(), jobs.ScheduledJobsParams{
		Campaign:    campaign,
		Recipients:  req.Recipients,
		Subject:     req.Subject,
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		Timezone:    req.Timezone,
		DailyLimit:  req.DailyLimit,
		HourlyLimit: req.HourlyLimit,
		MaxRetries:  req.MaxRetries,
	})
	if err != nil {
		if jobs.IsValidationError(err) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create jobs")
	}

	return c.JSON(http.StatusCreated, result)
}

// CampaignStats returns aggregate job counts for a campaign.
func (h *JobsHandler) CampaignStats(c echo.Context) error {
	stats, err := h.store.GetCampaignJobStats(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to aggregate stats")
	}
	return c.JSON(http.StatusOK, stats)
}

// FailedJobs lists terminally failed jobs.
func (h *JobsHandler) FailedJobs(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	failed, err := h.store.GetFailedJobs(c.Request().Context(), jobs.FailedJobsOptions{
		CampaignID:     c.QueryParam("campaignId"),
		OrganizationID: c.QueryParam("organizationId"),
		Limit:          limit,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list failed jobs")
	}
	return c.JSON(http.StatusOK, failed)
}

// CancelPending cancels a campaign's still-unclaimed jobs. Jobs already
// claimed by a worker keep going.
func (h *JobsHandler) CancelPending(c echo.Context) error {
	cancelled, err := h.store.CancelPendingJobs(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to cancel jobs")
	}
	return c.JSON(http.StatusOK, map[string]int64{"cancelled": cancelled})
}

type UpdateStatusRequest struct {
	Status models.JobStatus `json:"status"`
	Detail string           `json:"detail"`
}

// UpdateStatus applies a guarded status transition to one job. The response
// reports whether the transition applied; a repeat of an already-applied
// outcome is a no-op, not an error.
func (h *JobsHandler) UpdateStatus(c echo.Context) error {
	var req UpdateStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	applied, err := h.store.UpdateJobStatus(c.Request().Context(), c.Param("id"), req.Status, req.Detail)
	if err != nil {
		if jobs.IsValidationError(err) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to update job status")
	}
	return c.JSON(http.StatusOK, map[string]bool{"applied": applied})
}

// GetJob returns one job by id.
func (h *JobsHandler) GetJob(c echo.Context) error {
	job, err := h.store.GetJob(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	return c.JSON(http.StatusOK, job)
}

// JobEvents returns the audit trail for one job.
func (h *JobsHandler) JobEvents(c echo.Context) error {
	trail, err := h.store.GetJobEvents(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list job events")
	}
	return c.JSON(http.StatusOK, trail)
}
