package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application. Values come from an
// optional YAML file overridden by environment variables; the environment
// is the source of truth in deployment.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Schedulers SchedulerConfig  `yaml:"schedulers"`
	Queue      QueueConfig      `yaml:"queue"`
	Outbound   OutboundConfig   `yaml:"outbound"`
	Analytics  AnalyticsConfig  `yaml:"analytics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           int    `yaml:"port"`
	BootstrapToken string `yaml:"bootstrap_token"`
}

// DatabaseConfig holds Postgres settings.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig holds Redis connection settings. URL wins when set;
// otherwise the discrete host/port/db/password fields are used.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

// WebhookConfig holds inbound webhook signature verification settings.
type WebhookConfig struct {
	SigningSecret     string        `yaml:"signing_secret"`
	SignatureTTL      time.Duration `yaml:"signature_ttl"`
	SignatureRequired bool          `yaml:"signature_required"`
}

// SchedulerConfig holds poller intervals for the periodic workers.
type SchedulerConfig struct {
	CampaignInterval  time.Duration `yaml:"campaign_interval"`
	JourneyInterval   time.Duration `yaml:"journey_interval"`
	AnalyticsInterval time.Duration `yaml:"analytics_interval"`
}

// QueueConfig holds job substrate defaults.
type QueueConfig struct {
	Concurrency      int `yaml:"concurrency"`
	MaxAttempts      int `yaml:"max_attempts"`
	RemoveOnComplete int `yaml:"remove_on_complete"`
	RemoveOnFail     int `yaml:"remove_on_fail"`
}

// OutboundConfig holds outbound HTTP call settings (provider sends,
// journey webhook nodes, CRM pushes).
type OutboundConfig struct {
	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

// AnalyticsConfig holds attribution and rollup policy defaults.
type AnalyticsConfig struct {
	LookbackDays       int `yaml:"lookback_days"`
	RealtimeWindowMins int `yaml:"realtime_window_mins"`
	RealtimeCapMins    int `yaml:"realtime_cap_mins"`
}

// Load reads configuration from the optional YAML file at path (skipped if
// path is empty or missing), then applies environment overrides. A .env
// file in the working directory is honored when present.
func Load(path string) (*Config, error) {
	godotenv.Load()

	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Redis:  RedisConfig{Host: "localhost", Port: 6379},
		Webhook: WebhookConfig{
			SignatureTTL: 300 * time.Second,
		},
		Schedulers: SchedulerConfig{
			CampaignInterval:  30 * time.Second,
			JourneyInterval:   5 * time.Second,
			AnalyticsInterval: 5 * time.Minute,
		},
		Queue: QueueConfig{
			Concurrency:      1,
			MaxAttempts:      3,
			RemoveOnComplete: 1000,
			RemoveOnFail:     5000,
		},
		Outbound: OutboundConfig{HTTPTimeout: 10 * time.Second},
		Analytics: AnalyticsConfig{
			LookbackDays:       7,
			RealtimeWindowMins: 60,
			RealtimeCapMins:    1440,
		},
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.Database.URL, "DATABASE_URL")
	setString(&cfg.Redis.URL, "REDIS_URL")
	setString(&cfg.Redis.Host, "REDIS_HOST")
	setInt(&cfg.Redis.Port, "REDIS_PORT")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.BootstrapToken, "BOOTSTRAP_TOKEN")
	setString(&cfg.Webhook.SigningSecret, "WEBHOOK_SIGNING_SECRET")
	setMillis(&cfg.Webhook.SignatureTTL, "WEBHOOK_SIGNATURE_TTL_MS")
	setBool(&cfg.Webhook.SignatureRequired, "WEBHOOK_SIGNATURE_REQUIRED")
	setMillis(&cfg.Schedulers.CampaignInterval, "CAMPAIGN_SCHEDULER_INTERVAL_MS")
	setMillis(&cfg.Schedulers.JourneyInterval, "JOURNEY_SCHEDULER_INTERVAL_MS")
	setMillis(&cfg.Schedulers.AnalyticsInterval, "ANALYTICS_SCHEDULER_INTERVAL_MS")
	setInt(&cfg.Queue.Concurrency, "QUEUE_CONCURRENCY")
	setInt(&cfg.Queue.MaxAttempts, "QUEUE_MAX_ATTEMPTS")
	setMillis(&cfg.Outbound.HTTPTimeout, "OUTBOUND_HTTP_TIMEOUT_MS")
	setInt(&cfg.Analytics.LookbackDays, "ATTRIBUTION_LOOKBACK_DAYS")
	setInt(&cfg.Analytics.RealtimeWindowMins, "ANALYTICS_REALTIME_WINDOW_MINS")
	setInt(&cfg.Analytics.RealtimeCapMins, "ANALYTICS_REALTIME_CAP_MINS")
}

// RedisOptions builds client options from URL or discrete fields.
func (rc RedisConfig) RedisOptions() (*redis.Options, error) {
	if rc.URL != "" {
		return redis.ParseURL(rc.URL)
	}
	return &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", rc.Host, rc.Port),
		DB:       rc.DB,
		Password: rc.Password,
	}, nil
}

// Addr returns the HTTP listen address.
func (sc ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", sc.Port)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setMillis(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}
