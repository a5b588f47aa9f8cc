package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

const (
	DefaultPoolSize        = 4
	DefaultCacheLength     = 1000
	DefaultGracePeriod     = 10 * time.Second
	DefaultSendConcurrency = 8
	DefaultTokenCacheTTL   = 24 * time.Hour
)

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type VapidConfig struct {
	PublicKey       string
	PrivateKey      string
	SubscriberEmail string
	// ProbeURL is HEAD-requested at startup to check the push service is reachable.
	ProbeURL string
}

// Enabled reports whether both VAPID keys are present.
func (v VapidConfig) Enabled() bool {
	return v.PublicKey != "" && v.PrivateKey != ""
}

type APNSConfig struct {
	KeyID      string
	TeamID     string
	BundleID   string
	P8Key      string
	Production bool
}

// Enabled reports whether enough credentials are present to sign APNs tokens.
func (a APNSConfig) Enabled() bool {
	return a.KeyID != "" && a.TeamID != "" && a.P8Key != ""
}

type FCMConfig struct {
	Enabled bool
}

// PoolConfig sizes the connection pool built for every enabled platform.
type PoolConfig struct {
	Size            int
	CacheLength     int
	GracePeriod     time.Duration
	SendConcurrency int
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID              string
	ListenAddr             string
	SubscriptionID         string
	SubscriptionDLQTopicID string
	NumPipelineWorkers     int

	CorsConfig middleware.CorsConfig
	Redis      RedisConfig
	Vapid      VapidConfig
	APNS       APNSConfig
	FCM        FCMConfig
	Pool       PoolConfig

	TopicID              string
	PubsubConsumerConfig *messagepipeline.GooglePubsubConsumerConfig
}

func envInt(key string, logger *slog.Logger, set func(int)) {
	val := os.Getenv(key)
	if val == "" {
		return
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		logger.Warn("Ignoring malformed integer override", "key", key, "value", val)
		return
	}
	logger.Debug("Overriding config value", "key", key, "source", "env")
	set(n)
}

func envString(key string, logger *slog.Logger, set func(string)) {
	if val := os.Getenv(key); val != "" {
		logger.Debug("Overriding config value", "key", key, "source", "env")
		set(val)
	}
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	// 1. Apply Environment Overrides
	if err := ApplyEnvOverrides(cfg, logger); err != nil {
		return nil, err
	}

	// 2. Final Validation
	if cfg.ProjectID == "" {
		return nil, errors.New("project_id is required (set via YAML or PROJECT_ID env var)")
	}
	if cfg.SubscriptionID == "" {
		return nil, errors.New("subscription_id is required (set via YAML or SUBSCRIPTION_ID env var)")
	}
	if cfg.APNS.Enabled() && cfg.APNS.BundleID == "" {
		return nil, errors.New("apns.bundle_id is required when APNs credentials are set")
	}
	if cfg.Pool.Size < 0 || cfg.Pool.CacheLength < 0 || cfg.Pool.SendConcurrency < 0 || cfg.Pool.GracePeriod < 0 {
		return nil, errors.New("pool settings must not be negative")
	}

	// 3. Defaults
	ApplyDefaults(cfg)

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

// ApplyEnvOverrides copies environment variables over cfg without validating the result.
func ApplyEnvOverrides(cfg *Config, logger *slog.Logger) error {
	logger.Debug("Applying environment variable overrides...")

	envString("PROJECT_ID", logger, func(v string) { cfg.ProjectID = v })
	envString("PORT", logger, func(v string) { cfg.ListenAddr = ":" + v })
	envString("SUBSCRIPTION_ID", logger, func(v string) {
		cfg.SubscriptionID = v
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(v)
	})
	envString("SUBSCRIPTION_DLQ_TOPIC_ID", logger, func(v string) { cfg.SubscriptionDLQTopicID = v })
	envInt("NUM_PIPELINE_WORKERS", logger, func(n int) {
		if n > 0 {
			cfg.NumPipelineWorkers = n
		}
	})

	// Redis Overrides
	envString("REDIS_ADDR", logger, func(v string) {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	})
	envString("REDIS_PASSWORD", logger, func(v string) { cfg.Redis.Password = v })
	envInt("REDIS_DB", logger, func(n int) { cfg.Redis.DB = n })
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Redis.Enabled = enabled
	}

	// VAPID Overrides
	envString("VAPID_PUBLIC_KEY", logger, func(v string) { cfg.Vapid.PublicKey = v })
	envString("VAPID_PRIVATE_KEY", logger, func(v string) { cfg.Vapid.PrivateKey = v })
	envString("VAPID_SUB_EMAIL", logger, func(v string) { cfg.Vapid.SubscriberEmail = v })
	envString("VAPID_PROBE_URL", logger, func(v string) { cfg.Vapid.ProbeURL = v })

	// APNs Overrides
	envString("APNS_KEY_ID", logger, func(v string) { cfg.APNS.KeyID = v })
	envString("APNS_TEAM_ID", logger, func(v string) { cfg.APNS.TeamID = v })
	envString("APNS_BUNDLE_ID", logger, func(v string) { cfg.APNS.BundleID = v })
	envString("APNS_P8_KEY", logger, func(v string) { cfg.APNS.P8Key = v })
	if val := os.Getenv("APNS_PRODUCTION"); val != "" {
		prod, _ := strconv.ParseBool(val)
		cfg.APNS.Production = prod
	}
	if val := os.Getenv("FCM_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.FCM.Enabled = enabled
	}

	// Pool Overrides
	envInt("POOL_SIZE", logger, func(n int) { cfg.Pool.Size = n })
	envInt("POOL_CACHE_LENGTH", logger, func(n int) { cfg.Pool.CacheLength = n })
	envInt("SEND_CONCURRENCY", logger, func(n int) { cfg.Pool.SendConcurrency = n })
	if val := os.Getenv("POOL_GRACE_PERIOD"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid POOL_GRACE_PERIOD %q: %w", val, err)
		}
		cfg.Pool.GracePeriod = d
	}

	// CORS Overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		var cleanOrigins []string
		for _, o := range strings.Split(corsOrigins, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	return nil
}

// ApplyDefaults fills every unset field that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}
	if cfg.Pool.Size == 0 {
		cfg.Pool.Size = DefaultPoolSize
	}
	if cfg.Pool.GracePeriod == 0 {
		cfg.Pool.GracePeriod = DefaultGracePeriod
	}
	if cfg.Pool.SendConcurrency == 0 {
		cfg.Pool.SendConcurrency = DefaultSendConcurrency
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = DefaultTokenCacheTTL
	}
	if cfg.PubsubConsumerConfig == nil && cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}
}
