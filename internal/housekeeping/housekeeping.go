package housekeeping

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"courier/internal/config"
	"courier/internal/jobs"
	"courier/internal/utils/logger"
)

// Service prunes aged rate-limit counters and job events on a cron schedule.
// The pipeline itself never deletes either; retention is an operator concern
// and lives here, outside the core.
type Service struct {
	store *jobs.Store
	cfg   config.HousekeepingConfig
	cron  *cron.Cron
	log   *logger.Logger
}

func New(store *jobs.Store, cfg config.HousekeepingConfig) *Service {
	return &Service{
		store: store,
		cfg:   cfg,
		cron:  cron.New(),
		log:   logger.New("HOUSEKEEPING"),
	}
}

// Start registers the pruning job and begins the cron loop.
func (s *Service) Start() error {
	_, err := s.cron.AddFunc(s.cfg.CronSpec, s.prune)
	if err != nil {
		return s.log.Error("failed to register pruning job: %v", err)
	}
	s.cron.Start()
	s.log.Info("housekeeping scheduled: %s", s.cfg.CronSpec)
	return nil
}

// Stop halts the cron loop and waits for a running prune to finish.
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("housekeeping stopped")
}

func (s *Service) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	now := time.Now()
	counters, err := s.store.PruneCounters(ctx, now.Add(-s.cfg.CounterRetention))
	if err != nil {
		s.log.Error("failed to prune rate-limit counters: %v", err)
	}
	events, err := s.store.PruneEvents(ctx, now.Add(-s.cfg.EventRetention))
	if err != nil {
		s.log.Error("failed to prune job events: %v", err)
	}
	s.log.Info("pruned %d counters, %d events", counters, events)
}
