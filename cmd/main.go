package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"courier/internal/api"
	"courier/internal/config"
	"courier/internal/db"
	"courier/internal/events"
	"courier/internal/handlers"
	"courier/internal/housekeeping"
	"courier/internal/jobs"
	"courier/internal/mailer"
	"courier/internal/models"
	"courier/internal/utils"
	"courier/internal/utils/logger"
)

func main() {
	console := logger.New("courier")

	// check if .env file exists
	if _, err := os.Stat(".env"); os.IsNotExist(err) {
		console.Info("No .env file found, skipping environment variable loading")
	} else {
		console.Info("Loading environment variables from .env file")
		if err := godotenv.Load(); err != nil {
			log.Fatalf("Failed to load environment variables: %v", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	conn, err := db.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := db.Close(conn); err != nil {
			console.Error("Failed to close database connection: %v", err)
		}
	}()

	// The interval gate degrades to process-local smoothing without Redis.
	var redisClient *redis.Client
	if client, err := utils.NewRedisClient(cfg); err != nil {
		console.Warn("Redis unavailable, min-interval gate is node-local only: %v", err)
	} else {
		redisClient = client.Client
		defer client.Close()
	}

	zlog, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize zap logger: %v", err)
	}
	defer zlog.Sync()

	store := jobs.NewStore(conn)
	campaigns := jobs.NewCampaignStore(conn)
	clock := jobs.SystemClock()

	limiter := jobs.NewRateLimiter(store, redisClient, jobs.RateLimiterOptions{
		DefaultQuota: jobs.Quota{
			HourlyLimit: cfg.RateLimits.DefaultHourlyLimit,
			DailyLimit:  cfg.RateLimits.DefaultDailyLimit,
		},
		Overrides:       quotaOverrides(cfg),
		MinSendInterval: cfg.RateLimits.MinSendInterval,
	}, clock)

	factory := jobs.NewJobFactory(store, campaigns, clock, cfg.Worker.BatchInsertSize)
	retries := jobs.NewRetryManager(store, jobs.DefaultBackoff)
	progress := jobs.NewProgressTracker(campaigns, store)

	sender := mailer.NewSMTPSender(cfg.SMTP, cfg.SMTP.Username)

	dispatcher := jobs.NewDispatcher(store, limiter, sender, retries, progress, jobs.DispatcherConfig{
		NodeID:            cfg.Worker.NodeID,
		PollInterval:      cfg.Worker.PollInterval,
		MaxConcurrentJobs: cfg.Worker.MaxConcurrentJobs,
		InterSendDelay:    cfg.Worker.InterSendDelay,
	}, clock, zlog)

	// operator-visible signals for terminal outcomes
	events.On(jobs.EventJobFailed, func(data interface{}) {
		if job, ok := data.(*models.Job); ok {
			console.Error("job %s failed permanently: %s", job.ID, job.LastError)
		}
	})
	events.On(jobs.EventCampaignCompleted, func(data interface{}) {
		if id, ok := data.(string); ok {
			console.Success("campaign %s completed", id)
		}
	})

	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	go dispatcher.Start(dispatchCtx)

	keeper := housekeeping.New(store, cfg.Housekeeping)
	if err := keeper.Start(); err != nil {
		console.Error("Failed to start housekeeping: %v", err)
	}

	jobsHandler := handlers.NewJobsHandler(factory, store, campaigns)
	apiServer := api.NewServer(cfg, jobsHandler)
	go func() {
		console.Success("API server starting on %s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := apiServer.Start(); err != nil {
			console.Error("API server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stopDispatch()
	keeper.Stop()
	if err := apiServer.Shutdown(ctx); err != nil {
		console.Error("Failed to shutdown API server: %v", err)
	}

	console.Info("Servers shutdown gracefully")
}

func quotaOverrides(cfg *config.Config) map[string]jobs.Quota {
	overrides := make(map[string]jobs.Quota, len(cfg.RateLimits.Overrides))
	for org, quota := range cfg.RateLimits.Overrides {
		overrides[org] = jobs.Quota{
			HourlyLimit: quota.HourlyLimit,
			DailyLimit:  quota.DailyLimit,
		}
	}
	return overrides
}
