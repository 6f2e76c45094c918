package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"courier/internal/mailer"
	"courier/internal/models"
)

// fakeClock is a manually advanced clock. Sleep advances it instead of
// blocking so dispatcher tests run instantly.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) {
	c.mu.Lock()
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) sleeps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slept)
}

func (c *fakeClock) sleptDurations() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.slept...)
}

// memJobStore is an in-memory job table with the same guarded transition
// semantics as the real store.
type memJobStore struct {
	mu       sync.Mutex
	jobs     []*models.Job
	released []*models.Job
	clock    *fakeClock
}

func newMemJobStore(clock *fakeClock, jobs ...*models.Job) *memJobStore {
	return &memJobStore{jobs: jobs, clock: clock}
}

func (s *memJobStore) now() time.Time {
	if s.clock != nil {
		return s.clock.Now()
	}
	return time.Now()
}

func (s *memJobStore) add(jobs ...*models.Job) {
	s.mu.Lock()
	s.jobs = append(s.jobs, jobs...)
	s.mu.Unlock()
}

func (s *memJobStore) ClaimDueJobs(_ context.Context, limit int, nodeID string, organizationID string) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []*models.Job
	for _, job := range s.jobs {
		if job.Status != models.JobStatusPending || job.ScheduledFor.After(now) {
			continue
		}
		if organizationID != "" && job.OrganizationID != organizationID {
			continue
		}
		due = append(due, job)
	}
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].ScheduledFor.Before(due[j].ScheduledFor)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	for _, job := range due {
		job.Status = models.JobStatusProcessing
		job.ProcessingNode = nodeID
	}
	return due, nil
}

func (s *memJobStore) ReleaseJobs(_ context.Context, batch []*models.Job, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range batch {
		if job.Status != models.JobStatusProcessing {
			continue
		}
		job.Status = models.JobStatusPending
		job.ProcessingNode = ""
		s.released = append(s.released, job)
	}
	return nil
}

func (s *memJobStore) MarkSent(_ context.Context, job *models.Job, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.Status != models.JobStatusProcessing {
		return false, nil
	}
	now := s.now()
	job.Status = models.JobStatusSent
	job.MessageID = messageID
	job.SentAt = &now
	job.ProcessingNode = ""
	return true, nil
}

func (s *memJobStore) RescheduleForRetry(_ context.Context, job *models.Job, delay time.Duration, lastError string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.Status != models.JobStatusProcessing {
		return false, nil
	}
	job.Status = models.JobStatusPending
	job.RetryCount++
	job.ScheduledFor = s.now().Add(delay)
	job.LastError = lastError
	job.ProcessingNode = ""
	return true, nil
}

func (s *memJobStore) MarkFailed(_ context.Context, job *models.Job, lastError string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.Status != models.JobStatusProcessing {
		return false, nil
	}
	job.Status = models.JobStatusFailed
	job.LastError = lastError
	job.ProcessingNode = ""
	return true, nil
}

func (s *memJobStore) releasedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.released)
}

// fakeProgress records tracker calls and serves canned stats.
type fakeProgress struct {
	mu               sync.Mutex
	sentInc          map[string]int
	failedInc        map[string]int
	completed        map[string]int
	recipientsSent   map[string]string
	recipientsFailed map[string]string
	statsFn          func(campaignID string) *CampaignJobStats
}

func newFakeProgress() *fakeProgress {
	return &fakeProgress{
		sentInc:          make(map[string]int),
		failedInc:        make(map[string]int),
		completed:        make(map[string]int),
		recipientsSent:   make(map[string]string),
		recipientsFailed: make(map[string]string),
	}
}

func (p *fakeProgress) IncrementCampaignSent(_ context.Context, campaignID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sentInc[campaignID]++
	return nil
}

func (p *fakeProgress) IncrementCampaignFailed(_ context.Context, campaignID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failedInc[campaignID]++
	return nil
}

func (p *fakeProgress) MarkCampaignCompleted(_ context.Context, campaignID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed[campaignID]++
	return p.completed[campaignID] == 1, nil
}

func (p *fakeProgress) MarkRecipientSent(_ context.Context, _, email, jobID string, _ time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recipientsSent[email] = jobID
	return nil
}

func (p *fakeProgress) MarkRecipientFailed(_ context.Context, _, email, jobID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recipientsFailed[email] = jobID
	return nil
}

func (p *fakeProgress) GetCampaignJobStats(_ context.Context, campaignID string) (*CampaignJobStats, error) {
	p.mu.Lock()
	fn := p.statsFn
	p.mu.Unlock()
	if fn != nil {
		return fn(campaignID), nil
	}
	// keep campaigns incomplete unless a test says otherwise
	return &CampaignJobStats{Total: 2, Pending: 1, Sent: 1}, nil
}

// fakeUsage is an in-memory usage counter table.
type fakeUsage struct {
	mu       sync.Mutex
	hourUsed map[string]int
	dayUsed  map[string]int
	outcomes []bool
}

func newFakeUsage() *fakeUsage {
	return &fakeUsage{
		hourUsed: make(map[string]int),
		dayUsed:  make(map[string]int),
	}
}

func (u *fakeUsage) WindowUsage(_ context.Context, organizationID string, windowType models.WindowType, _ time.Time) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if windowType == models.WindowTypeHour {
		return u.hourUsed[organizationID], nil
	}
	return u.dayUsed[organizationID], nil
}

func (u *fakeUsage) RecordSendOutcome(_ context.Context, organizationID string, _ time.Time, success bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.hourUsed[organizationID]++
	u.dayUsed[organizationID]++
	u.outcomes = append(u.outcomes, success)
	return nil
}

// fakeSender records sends in order and fails configured recipients.
type fakeSender struct {
	mu   sync.Mutex
	sent []string
	fail map[string]error
}

func newFakeSender() *fakeSender {
	return &fakeSender{fail: make(map[string]error)}
}

func (s *fakeSender) Send(_ context.Context, msg mailer.Message) (*mailer.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.fail[msg.To]; ok {
		return nil, err
	}
	s.sent = append(s.sent, msg.To)
	return &mailer.Result{MessageID: fmt.Sprintf("msg-%d", len(s.sent))}, nil
}

func (s *fakeSender) sentTo() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// fakeFactoryStore records what the factory persisted.
type fakeFactoryStore struct {
	jobs       []*models.Job
	recipients []*models.CampaignRecipient
	schedules  []*models.CampaignSchedule
	batchSize  int
	createErr  error
	nextID     int
}

func (s *fakeFactoryStore) CreateJobsInBatches(_ context.Context, batch []*models.Job, batchSize int) error {
	if s.createErr != nil {
		return s.createErr
	}
	for _, job := range batch {
		if job.ID == "" {
			s.nextID++
			job.ID = fmt.Sprintf("job-%d", s.nextID)
		}
	}
	s.jobs = append(s.jobs, batch...)
	s.batchSize = batchSize
	return nil
}

func (s *fakeFactoryStore) CreateRecipientsInBatches(_ context.Context, recipients []*models.CampaignRecipient, _ int) error {
	s.recipients = append(s.recipients, recipients...)
	return nil
}

func (s *fakeFactoryStore) UpsertCampaignSchedule(_ context.Context, schedule *models.CampaignSchedule) error {
	s.schedules = append(s.schedules, schedule)
	return nil
}

// fakeLaunchStore records MarkCampaignSending calls.
type fakeLaunchStore struct {
	campaignID string
	total      int
	calls      int
}

func (s *fakeLaunchStore) MarkCampaignSending(_ context.Context, campaignID string, totalRecipients int) error {
	s.campaignID = campaignID
	s.total = totalRecipients
	s.calls++
	return nil
}

func testCampaign(id, orgID string) *models.Campaign {
	c := &models.Campaign{
		Name:           "spring launch",
		OrganizationID: orgID,
		FromEmail:      "hello@example.com",
		Status:         models.CampaignStatusDraft,
	}
	c.ID = id
	return c
}

func testRecipients(n int) []Recipient {
	out := make([]Recipient, n)
	for i := range out {
		out[i] = Recipient{
			Email:    fmt.Sprintf("user%d@example.com", i),
			Name:     fmt.Sprintf("User %d", i),
			BodyHTML: "<p>hi</p>",
		}
	}
	return out
}
