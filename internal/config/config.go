// Package config loads daemon configuration from environment variables.
//
// Required variables:
//   - FLAGSYNC_API_KEY: SDK key for the remote flag service.
//   - FLAGSYNC_BASE_URL: base URL of the remote flag service.
//
// Optional variables:
//   - FLAGSYNC_DATA_DIR: directory for the local cache database (default ".").
//   - FLAGSYNC_DB_NAME: local database name (default "flagsync").
//   - FLAGSYNC_USER_KEY: user key whose segment memberships are synced.
//   - FLAGSYNC_SYNC_INTERVAL: flag polling interval (default "30s", must be > 0).
//   - FLAGSYNC_RECORD_INTERVAL: telemetry flush interval (default "1m", must be > 0).
//   - FLAGSYNC_EVENT_BATCH_SIZE: max events posted per flush (default "500", must be > 0).
//   - FLAGSYNC_IMPRESSION_BATCH_SIZE: max impressions posted per flush
//     (default "2000", must be > 0).
//   - FLAGSYNC_FLAG_SETS: comma-separated flag sets to subscribe to.
//   - FLAGSYNC_ENCRYPTION_SECRET: enables at-rest encryption of record bodies.
//   - FLAGSYNC_METRICS_ADDR: listen address for /metrics (default ":9290").
//   - LOG_LEVEL: minimum log level (default "info").
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultDBName              = "flagsync"
	defaultSyncInterval        = 30 * time.Second
	defaultRecordInterval      = time.Minute
	defaultEventBatchSize      = 500
	defaultImpressionBatchSize = 2000
	defaultMetricsAddr         = ":9290"
)

// Config holds the runtime configuration for the flagsync daemon.
type Config struct {
	APIKey              string
	BaseURL             string
	DataDir             string
	DBName              string
	UserKey             string
	SyncInterval        time.Duration
	RecordInterval      time.Duration
	EventBatchSize      int
	ImpressionBatchSize int
	FlagSets            []string
	EncryptionSecret    string
	MetricsAddr         string
	LogLevel            string
}

// Load reads configuration from environment variables, applying defaults
// where appropriate. It returns an error if required variables are missing
// or if optional values fail validation.
func Load() (Config, error) {
	apiKey := strings.TrimSpace(os.Getenv("FLAGSYNC_API_KEY"))
	if apiKey == "" {
		return Config{}, errors.New("FLAGSYNC_API_KEY is required")
	}
	baseURL := strings.TrimSpace(os.Getenv("FLAGSYNC_BASE_URL"))
	if baseURL == "" {
		return Config{}, errors.New("FLAGSYNC_BASE_URL is required")
	}

	syncInterval, err := durationEnv("FLAGSYNC_SYNC_INTERVAL", defaultSyncInterval)
	if err != nil {
		return Config{}, err
	}
	recordInterval, err := durationEnv("FLAGSYNC_RECORD_INTERVAL", defaultRecordInterval)
	if err != nil {
		return Config{}, err
	}
	eventBatchSize, err := positiveIntEnv("FLAGSYNC_EVENT_BATCH_SIZE", defaultEventBatchSize)
	if err != nil {
		return Config{}, err
	}
	impressionBatchSize, err := positiveIntEnv("FLAGSYNC_IMPRESSION_BATCH_SIZE", defaultImpressionBatchSize)
	if err != nil {
		return Config{}, err
	}

	var flagSets []string
	if v := strings.TrimSpace(os.Getenv("FLAGSYNC_FLAG_SETS")); v != "" {
		for _, set := range strings.Split(v, ",") {
			if set = strings.TrimSpace(set); set != "" {
				flagSets = append(flagSets, set)
			}
		}
	}

	return Config{
		APIKey:              apiKey,
		BaseURL:             baseURL,
		DataDir:             envOrDefault("FLAGSYNC_DATA_DIR", "."),
		DBName:              envOrDefault("FLAGSYNC_DB_NAME", defaultDBName),
		UserKey:             strings.TrimSpace(os.Getenv("FLAGSYNC_USER_KEY")),
		SyncInterval:        syncInterval,
		RecordInterval:      recordInterval,
		EventBatchSize:      eventBatchSize,
		ImpressionBatchSize: impressionBatchSize,
		FlagSets:            flagSets,
		EncryptionSecret:    os.Getenv("FLAGSYNC_ENCRYPTION_SECRET"),
		MetricsAddr:         envOrDefault("FLAGSYNC_METRICS_ADDR", defaultMetricsAddr),
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
	}, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func positiveIntEnv(key string, fallback int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return parsed, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
