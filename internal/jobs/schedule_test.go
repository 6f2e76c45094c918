package jobs

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestSendInterval(t *testing.T) {
	if got := SendInterval(600); got != 6*time.Second {
		t.Errorf("expected 6s interval at 600/hr, got %s", got)
	}
	if got := SendInterval(3600); got != time.Second {
		t.Errorf("expected 1s interval at 3600/hr, got %s", got)
	}
}

func TestStaggeredTimes_Spacing(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	times := StaggeredTimes(start, 10, 600)

	if len(times) != 10 {
		t.Fatalf("expected 10 times, got %d", len(times))
	}
	for i := 1; i < len(times); i++ {
		if diff := times[i].Sub(times[i-1]); diff != 6*time.Second {
			t.Errorf("gap %d: expected 6s, got %s", i, diff)
		}
	}
	if diff := times[5].Sub(times[0]); diff != 30*time.Second {
		t.Errorf("expected job[5]-job[0] = 30s, got %s", diff)
	}
}

func TestStaggeredTimes_Deterministic(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	first := StaggeredTimes(start, 50, 120)
	second := StaggeredTimes(start, 50, 120)
	for i := range first {
		if !first[i].Equal(second[i]) {
			t.Fatalf("schedule not deterministic at index %d: %s vs %s", i, first[i], second[i])
		}
	}
}

func TestComputeWindowSchedule_DayBuckets(t *testing.T) {
	plan, err := ComputeWindowSchedule(WindowScheduleParams{
		StartDate:  time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		StartTime:  "09:00",
		EndTime:    "17:00",
		Timezone:   "UTC",
		DailyLimit: 10,
		Recipients: 25,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(plan.Times) != 25 {
		t.Fatalf("expected 25 scheduled times, got %d", len(plan.Times))
	}
	if plan.Unscheduled != 0 {
		t.Errorf("expected 0 unscheduled, got %d", plan.Unscheduled)
	}
	if plan.Days != 3 {
		t.Errorf("expected 3 day buckets, got %d", plan.Days)
	}
	if plan.EmailsPerDay != 10 {
		t.Errorf("expected 10 emails per day, got %d", plan.EmailsPerDay)
	}
	if plan.Interval != 48*time.Minute {
		t.Errorf("expected 48m spacing (480min/10), got %s", plan.Interval)
	}

	// bucket sizes 10, 10, 5 grouped by calendar day
	counts := map[string]int{}
	for _, ts := range plan.Times {
		counts[ts.Format("2006-01-02")]++
	}
	if counts["2026-03-02"] != 10 || counts["2026-03-03"] != 10 || counts["2026-03-04"] != 5 {
		t.Errorf("unexpected day bucket sizes: %v", counts)
	}

	// first send of each day opens the window
	if got := plan.Times[0]; !got.Equal(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("expected first send at 09:00, got %s", got)
	}
	if got := plan.Times[10]; !got.Equal(time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("expected day-2 first send at 09:00, got %s", got)
	}
	// within-day spacing
	if diff := plan.Times[1].Sub(plan.Times[0]); diff != 48*time.Minute {
		t.Errorf("expected 48m within-day spacing, got %s", diff)
	}
}

func TestComputeWindowSchedule_EndDateCutoff(t *testing.T) {
	end := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	plan, err := ComputeWindowSchedule(WindowScheduleParams{
		StartDate:  time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		EndDate:    &end,
		StartTime:  "09:00",
		EndTime:    "17:00",
		Timezone:   "UTC",
		DailyLimit: 10,
		Recipients: 25,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan.Times) != 20 {
		t.Errorf("expected 20 scheduled before cutoff, got %d", len(plan.Times))
	}
	if plan.Unscheduled != 5 {
		t.Errorf("expected 5 unscheduled past end date, got %d", plan.Unscheduled)
	}
}

func TestComputeWindowSchedule_InvalidWindow(t *testing.T) {
	_, err := ComputeWindowSchedule(WindowScheduleParams{
		StartDate:  time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		StartTime:  "17:00",
		EndTime:    "09:00",
		DailyLimit: 10,
		Recipients: 5,
	})
	if !IsValidationError(err) {
		t.Fatalf("expected validation error for inverted window, got %v", err)
	}

	_, err = ComputeWindowSchedule(WindowScheduleParams{
		StartDate:  time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		StartTime:  "09:00",
		EndTime:    "09:00",
		DailyLimit: 10,
		Recipients: 5,
	})
	if !IsValidationError(err) {
		t.Fatalf("expected validation error for empty window, got %v", err)
	}
}

func TestComputeWindowSchedule_BadInput(t *testing.T) {
	cases := []WindowScheduleParams{
		{StartTime: "9am", EndTime: "17:00", DailyLimit: 10, Recipients: 5},
		{StartTime: "09:00", EndTime: "17:00", DailyLimit: 0, Recipients: 5},
		{StartTime: "09:00", EndTime: "17:00", DailyLimit: 10, Recipients: 0},
		{StartTime: "09:00", EndTime: "17:00", Timezone: "Mars/Olympus", DailyLimit: 10, Recipients: 5},
	}
	for i, p := range cases {
		p.StartDate = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
		if _, err := ComputeWindowSchedule(p); !IsValidationError(err) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestComputeWindowSchedule_Timezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	plan, err := ComputeWindowSchedule(WindowScheduleParams{
		StartDate:  time.Date(2026, 3, 2, 0, 0, 0, 0, loc),
		StartTime:  "09:00",
		EndTime:    "17:00",
		Timezone:   "America/New_York",
		DailyLimit: 5,
		Recipients: 5,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2026, 3, 2, 9, 0, 0, 0, loc)
	if !plan.Times[0].Equal(want) {
		t.Errorf("expected first send at 09:00 New York time, got %s", plan.Times[0])
	}
}

func TestValidationErrorDetection(t *testing.T) {
	err := &ValidationError{Field: "endTime", Reason: "window end must be after window start"}
	if !IsValidationError(err) {
		t.Error("expected direct validation error to be detected")
	}
	wrapped := fmt.Errorf("launch rejected: %w", err)
	if !IsValidationError(wrapped) {
		t.Error("expected wrapped validation error to be detected")
	}
	if IsValidationError(errors.New("boom")) {
		t.Error("plain error should not be a validation error")
	}
}
