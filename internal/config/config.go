// Package config loads the service configuration from YAML or the environment
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/savegress/complycore/pkg/models"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for complycore
type Config struct {
	Server    ServerConfig                      `yaml:"server"`
	Database  DatabaseConfig                    `yaml:"database"`
	Redis     RedisConfig                       `yaml:"redis"`
	Kafka     KafkaConfig                       `yaml:"kafka"`
	Logging   LoggingConfig                     `yaml:"logging"`
	Batch     BatchConfig                       `yaml:"batch"`
	Deadlines DeadlinesConfig                   `yaml:"deadlines"`
	Webhooks  WebhooksConfig                    `yaml:"webhooks"`
	Auth      AuthConfig                        `yaml:"auth"`
	Screening ScreeningConfig                   `yaml:"screening"`
	Regional  map[string]*models.RegionalConfig `yaml:"regional"`

	// DefaultRegion names the Regional entry used for tenants without one
	DefaultRegion string `yaml:"default_region"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port        int    `yaml:"port"`
	Environment string `yaml:"environment"`
}

// DatabaseConfig holds database configuration. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

// KafkaConfig holds the event mirror configuration
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Enabled bool     `yaml:"enabled"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// BatchConfig holds batch orchestrator configuration
type BatchConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// DeadlinesConfig holds deadline monitor configuration
type DeadlinesConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
}

// WebhooksConfig holds webhook delivery configuration
type WebhooksConfig struct {
	Workers    int           `yaml:"workers"`
	QueueSize  int           `yaml:"queue_size"`
	Timeout    time.Duration `yaml:"timeout"`
	RatePerSec float64       `yaml:"rate_per_sec"`
	Burst      int           `yaml:"burst"`
}

// AuthConfig holds job-trigger authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// ScreeningConfig holds watchlist screening configuration
type ScreeningConfig struct {
	WatchlistPath  string  `yaml:"watchlist_path"`
	MatchThreshold float64 `yaml:"match_threshold"`
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.applyRegionalDefaults()

	return cfg, nil
}

// Defaults returns the built-in configuration
func Defaults() *Config {
	return &Config{
		Server:    ServerConfig{Port: 3010, Environment: "development"},
		Database:  DatabaseConfig{MaxConns: 10},
		Redis:     RedisConfig{Addr: "localhost:6379"},
		Kafka:     KafkaConfig{Topic: "complycore.events"},
		Logging:   LoggingConfig{Level: "info"},
		Batch:     BatchConfig{Workers: 8, QueueSize: 256},
		Deadlines: DeadlinesConfig{Interval: time.Hour, Concurrency: 4},
		Webhooks: WebhooksConfig{
			Workers:    4,
			QueueSize:  1024,
			Timeout:    10 * time.Second,
			RatePerSec: 20,
			Burst:      10,
		},
		Screening: ScreeningConfig{MatchThreshold: 0.85},
		Regional: map[string]*models.RegionalConfig{
			"DEFAULT": models.DefaultRegionalConfig("DEFAULT"),
		},
		DefaultRegion: "DEFAULT",
	}
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	d := Defaults()
	cfg := &Config{
		Server: ServerConfig{
			Port:        getEnvInt("PORT", d.Server.Port),
			Environment: getEnv("ENVIRONMENT", d.Server.Environment),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			MaxConns: getEnvInt("DB_MAX_CONNS", d.Database.MaxConns),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", d.Redis.Addr),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			Enabled:  getEnvBool("REDIS_ENABLED", false),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvList("KAFKA_BROKERS"),
			Topic:   getEnv("KAFKA_TOPIC", d.Kafka.Topic),
			Enabled: getEnvBool("KAFKA_ENABLED", false),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", d.Logging.Level),
		},
		Batch: BatchConfig{
			Workers:   getEnvInt("BATCH_WORKERS", d.Batch.Workers),
			QueueSize: getEnvInt("BATCH_QUEUE_SIZE", d.Batch.QueueSize),
		},
		Deadlines: DeadlinesConfig{
			Interval:    getEnvDuration("DEADLINES_INTERVAL", d.Deadlines.Interval),
			Concurrency: getEnvInt("DEADLINES_CONCURRENCY", d.Deadlines.Concurrency),
		},
		Webhooks: WebhooksConfig{
			Workers:    getEnvInt("WEBHOOK_WORKERS", d.Webhooks.Workers),
			QueueSize:  getEnvInt("WEBHOOK_QUEUE_SIZE", d.Webhooks.QueueSize),
			Timeout:    getEnvDuration("WEBHOOK_TIMEOUT", d.Webhooks.Timeout),
			RatePerSec: getEnvFloat("WEBHOOK_RATE", d.Webhooks.RatePerSec),
			Burst:      getEnvInt("WEBHOOK_BURST", d.Webhooks.Burst),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		Screening: ScreeningConfig{
			WatchlistPath:  getEnv("WATCHLIST_PATH", ""),
			MatchThreshold: getEnvFloat("SCREENING_THRESHOLD", d.Screening.MatchThreshold),
		},
		DefaultRegion: getEnv("DEFAULT_REGION", d.DefaultRegion),
	}

	rc := models.DefaultRegionalConfig(cfg.DefaultRegion)
	rc.Timezone = getEnv("REGION_TIMEZONE", rc.Timezone)
	if v := getEnv("TTR_THRESHOLD", ""); v != "" {
		if amt, err := decimal.NewFromString(v); err == nil {
			rc.Thresholds.TTR = amt
		}
	}
	cfg.Regional = map[string]*models.RegionalConfig{cfg.DefaultRegion: rc}

	return cfg
}

func (c *Config) applyRegionalDefaults() {
	if c.Regional == nil {
		c.Regional = make(map[string]*models.RegionalConfig)
	}
	for region, rc := range c.Regional {
		if rc == nil {
			rc = &models.RegionalConfig{}
			c.Regional[region] = rc
		}
		if rc.Region == "" {
			rc.Region = region
		}
		rc.ApplyDefaults()
	}
	if _, ok := c.Regional[c.DefaultRegion]; !ok {
		c.Regional[c.DefaultRegion] = models.DefaultRegionalConfig(c.DefaultRegion)
	}
}

// RegionalDefaults returns a copy of the configured defaults for a region,
// falling back to DefaultRegion
func (c *Config) RegionalDefaults(region string) *models.RegionalConfig {
	rc, ok := c.Regional[region]
	if !ok {
		rc = c.Regional[c.DefaultRegion]
	}
	if rc == nil {
		return models.DefaultRegionalConfig(region)
	}
	cp := *rc
	cp.Holidays = append([]string(nil), rc.Holidays...)
	cp.Workweek = append([]time.Weekday(nil), rc.Workweek...)
	cp.SLADays = make(map[models.AlertSeverity]int, len(rc.SLADays))
	for k, v := range rc.SLADays {
		cp.SLADays[k] = v
	}
	return &cp
}

// IsProduction reports whether the service runs in production
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return models.NewValidationError("server.port", "must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Batch.Workers <= 0 {
		return models.NewValidationError("batch.workers", "must be positive")
	}
	if c.Deadlines.Concurrency <= 0 {
		return models.NewValidationError("deadlines.concurrency", "must be positive")
	}
	if c.Deadlines.Interval <= 0 {
		return models.NewValidationError("deadlines.interval", "must be positive")
	}
	if c.Webhooks.Workers <= 0 {
		return models.NewValidationError("webhooks.workers", "must be positive")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return models.NewValidationError("kafka.brokers", "required when kafka is enabled")
	}
	if c.IsProduction() && c.Auth.JWTSecret == "" {
		return models.NewValidationError("auth.jwt_secret", "required in production")
	}
	if c.Screening.MatchThreshold <= 0 || c.Screening.MatchThreshold > 1 {
		return models.NewValidationError("screening.match_threshold", "must be in (0, 1]")
	}
	if _, ok := c.Regional[c.DefaultRegion]; !ok {
		return models.NewValidationError("default_region", "no regional config named %q", c.DefaultRegion)
	}
	for region, rc := range c.Regional {
		if _, err := time.LoadLocation(rc.Timezone); err != nil {
			return models.NewValidationError("regional."+region+".timezone", "unknown timezone %q", rc.Timezone)
		}
		t := rc.Thresholds
		if t.KYC.GreaterThan(t.TTR) || t.TTR.GreaterThan(t.EnhancedDD) {
			return models.NewValidationError("regional."+region+".thresholds", "must satisfy kyc <= ttr <= enhanced_dd")
		}
		if !rc.Structuring.BandMin.LessThan(rc.Structuring.BandMax) {
			return models.NewValidationError("regional."+region+".structuring", "band_min must be below band_max")
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
