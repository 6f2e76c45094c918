package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	SMTP         SMTPConfig
	Worker       WorkerConfig
	RateLimits   RateLimitConfig
	Housekeeping HousekeepingConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

type RedisConfig struct {
	Addr     string
	Password string
	Username string
	DB       int
}

type SMTPConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	MaxSendRate int // messages per second the provider tolerates
}

type WorkerConfig struct {
	NodeID            string
	PollInterval      time.Duration
	MaxConcurrentJobs int
	InterSendDelay    time.Duration
	BatchInsertSize   int
}

type RateLimitConfig struct {
	DefaultHourlyLimit int
	DefaultDailyLimit  int
	MinSendInterval    time.Duration
	// Per-organization overrides, "orgID:hourly:daily" comma separated.
	Overrides map[string]OrgQuota
}

type OrgQuota struct {
	HourlyLimit int
	DailyLimit  int
}

type HousekeepingConfig struct {
	CounterRetention time.Duration
	EventRetention   time.Duration
	CronSpec         string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "localhost"),
			Port: getEnvAsInt("SERVER_PORT", 8080),
		},
		Database: DatabaseConfig{
			Host:     getEnv("POSTGRES_HOST", "localhost"),
			Port:     getEnvAsInt("POSTGRES_PORT", 5432),
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: getEnv("POSTGRES_PASSWORD", ""),
			Name:     getEnv("POSTGRES_DB", "courier"),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			Username: getEnv("REDIS_USERNAME", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		SMTP: SMTPConfig{
			Host:        getEnv("SMTP_HOST", "localhost"),
			Port:        getEnvAsInt("SMTP_PORT", 587),
			Username:    getEnv("SMTP_USERNAME", ""),
			Password:    getEnv("SMTP_PASSWORD", ""),
			MaxSendRate: getEnvAsInt("SMTP_MAX_SEND_RATE", 10),
		},
		Worker: WorkerConfig{
			NodeID:            getEnv("WORKER_NODE_ID", uuid.New().String()),
			PollInterval:      getEnvAsDuration("WORKER_POLL_INTERVAL", 30*time.Second),
			MaxConcurrentJobs: getEnvAsInt("WORKER_MAX_CONCURRENT_JOBS", 50),
			InterSendDelay:    getEnvAsDuration("WORKER_INTER_SEND_DELAY", time.Second),
			BatchInsertSize:   getEnvAsInt("WORKER_BATCH_INSERT_SIZE", 1000),
		},
		RateLimits: RateLimitConfig{
			DefaultHourlyLimit: getEnvAsInt("RATE_LIMIT_HOURLY", 500),
			DefaultDailyLimit:  getEnvAsInt("RATE_LIMIT_DAILY", 5000),
			MinSendInterval:    getEnvAsDuration("RATE_LIMIT_MIN_INTERVAL", 2*time.Second),
			Overrides:          parseQuotaOverrides(getEnv("RATE_LIMIT_OVERRIDES", "")),
		},
		Housekeeping: HousekeepingConfig{
			CounterRetention: getEnvAsDuration("HOUSEKEEPING_COUNTER_RETENTION", 7*24*time.Hour),
			EventRetention:   getEnvAsDuration("HOUSEKEEPING_EVENT_RETENTION", 30*24*time.Hour),
			CronSpec:         getEnv("HOUSEKEEPING_CRON", "0 3 * * *"),
		},
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseQuotaOverrides(raw string) map[string]OrgQuota {
	overrides := make(map[string]OrgQuota)
	if raw == "" {
		return overrides
	}
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			continue
		}
		hourly, err1 := strconv.Atoi(parts[1])
		daily, err2 := strconv.Atoi(parts[2])
		if err1 != nil || err2 != nil {
			continue
		}
		overrides[parts[0]] = OrgQuota{HourlyLimit: hourly, DailyLimit: daily}
	}
	return overrides
}
