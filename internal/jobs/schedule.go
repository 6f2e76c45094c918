package jobs

import (
	"fmt"
	"time"

	"courier/internal/models"
)

// Pure scheduling math. No I/O here; the factory feeds the results into the
// store so identical inputs always produce identical schedules.

// SendInterval returns the gap between two staggered sends at the given
// hourly rate (3,600,000 ms / rate).
func SendInterval(ratePerHour int) time.Duration {
	return time.Duration(int64(time.Hour) / int64(ratePerHour))
}

// StaggeredTimes returns count send times starting at start, spaced by
// SendInterval(ratePerHour).
func StaggeredTimes(start time.Time, count, ratePerHour int) []time.Time {
	interval := SendInterval(ratePerHour)
	times := make([]time.Time, count)
	for i := range times {
		times[i] = start.Add(time.Duration(i) * interval)
	}
	return times
}

// EstimatedCompletion is when the last of jobCount staggered sends at
// ratePerHour should finish.
func EstimatedCompletion(start time.Time, jobCount, ratePerHour int) time.Time {
	return start.Add(time.Duration(jobCount) * SendInterval(ratePerHour))
}

// WindowScheduleParams describes a multi-day scheduled campaign: a daily
// sending window walked one calendar day at a time from StartDate.
type WindowScheduleParams struct {
	StartDate  time.Time
	EndDate    *time.Time
	StartTime  string // time of day, "15:04"
	EndTime    string
	Timezone   string
	DailyLimit int
	Recipients int
}

// WindowSchedule is the computed plan: one send time per scheduled recipient,
// in recipient order, plus the count that did not fit before EndDate.
type WindowSchedule struct {
	Times        []time.Time
	Unscheduled  int
	EmailsPerDay int
	Interval     time.Duration
	Days         int
}

// ComputeWindowSchedule assigns each day up to min(DailyLimit, remaining)
// recipients, spaced window/emailsPerDay apart inside the window, advancing a
// day at a time until recipients run out or EndDate is passed.
func ComputeWindowSchedule(p WindowScheduleParams) (*WindowSchedule, error) {
	if p.Recipients <= 0 {
		return nil, &ValidationError{Field: "recipients", Reason: "must not be empty"}
	}
	if p.DailyLimit <= 0 {
		return nil, &ValidationError{Field: "dailyLimit", Reason: "must be positive"}
	}

	startOffset, err := parseTimeOfDay(p.StartTime)
	if err != nil {
		return nil, &ValidationError{Field: "startTime", Reason: err.Error()}
	}
	endOffset, err := parseTimeOfDay(p.EndTime)
	if err != nil {
		return nil, &ValidationError{Field: "endTime", Reason: err.Error()}
	}
	if endOffset <= startOffset {
		return nil, &ValidationError{Field: "endTime", Reason: "window end must be after window start"}
	}

	loc := time.UTC
	if p.Timezone != "" {
		loc, err = time.LoadLocation(p.Timezone)
		if err != nil {
			return nil, &ValidationError{Field: "timezone", Reason: err.Error()}
		}
	}

	emailsPerDay := p.DailyLimit
	if p.Recipients < emailsPerDay {
		emailsPerDay = p.Recipients
	}
	window := endOffset - startOffset
	interval := window / time.Duration(emailsPerDay)

	schedule := &WindowSchedule{
		Times:        make([]time.Time, 0, p.Recipients),
		EmailsPerDay: emailsPerDay,
		Interval:     interval,
	}

	day := dateIn(p.StartDate, loc)
	remaining := p.Recipients
	for remaining > 0 {
		if p.EndDate != nil && day.After(dateIn(*p.EndDate, loc)) {
			break
		}
		count := emailsPerDay
		if remaining < count {
			count = remaining
		}
		windowStart := day.Add(startOffset)
		for i := 0; i < count; i++ {
			schedule.Times = append(schedule.Times, windowStart.Add(time.Duration(i)*interval))
		}
		remaining -= count
		schedule.Days++
		day = day.AddDate(0, 0, 1)
	}

	schedule.Unscheduled = remaining
	return schedule, nil
}

// parseTimeOfDay parses "15:04" into an offset from midnight.
func parseTimeOfDay(value string) (time.Duration, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", value)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// dateIn truncates t to midnight in loc.
func dateIn(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// ScheduleFor builds the CampaignSchedule row the factory upserts at launch.
func ScheduleFor(campaignID string, scheduleType models.ScheduleType, p WindowScheduleParams, hourlyLimit int) *models.CampaignSchedule {
	tz := p.Timezone
	if tz == "" {
		tz = "UTC"
	}
	return &models.CampaignSchedule{
		CampaignID:      campaignID,
		ScheduleType:    scheduleType,
		WindowStartTime: p.StartTime,
		WindowEndTime:   p.EndTime,
		Timezone:        tz,
		DailyLimit:      p.DailyLimit,
		HourlyLimit:     hourlyLimit,
		StartDate:       &p.StartDate,
		EndDate:         p.EndDate,
	}
}
