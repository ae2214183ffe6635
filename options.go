package flagsync

import (
	"log/slog"
	"time"

	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/recorder"
	syncer "github.com/matt-riley/flagsync/internal/sync"
	"github.com/matt-riley/flagsync/internal/telemetry"
)

const (
	defaultDBName              = "flagsync"
	defaultSyncInterval        = 30 * time.Second
	defaultRecordInterval      = time.Minute
	defaultEventBatchSize      = 500
	defaultImpressionBatchSize = 2000
	defaultMaxBatchBytes       = 5 * 1024 * 1024
	defaultWorkers             = 2
)

type config struct {
	log                 *slog.Logger
	listener            syncer.Listener
	metrics             *telemetry.Metrics
	filters             core.FlagFilters
	dbName              string
	encryptionSecret    string
	cacheExpiration     time.Duration
	retention           time.Duration
	syncInterval        time.Duration
	recordInterval      time.Duration
	eventBatchSize      int
	impressionBatchSize int
	maxBatchBytes       int64
	workers             int
}

func defaultConfig() config {
	return config{
		log:                 slog.Default(),
		dbName:              defaultDBName,
		retention:           recorder.DefaultRetention,
		syncInterval:        defaultSyncInterval,
		recordInterval:      defaultRecordInterval,
		eventBatchSize:      defaultEventBatchSize,
		impressionBatchSize: defaultImpressionBatchSize,
		maxBatchBytes:       defaultMaxBatchBytes,
		workers:             defaultWorkers,
	}
}

// Option configures a client.
type Option func(*config)

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(c *config) {
		if log != nil {
			c.log = log
		}
	}
}

// WithListener registers a callback for sync lifecycle events.
func WithListener(l syncer.Listener) Option {
	return func(c *config) { c.listener = l }
}

// WithMetrics wires Prometheus instrumentation into the client.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithFlagFilters restricts synchronization to a subset of flags. Clients
// with different filters use separate local databases.
func WithFlagFilters(f core.FlagFilters) Option {
	return func(c *config) { c.filters = f }
}

// WithDatabaseName overrides the base name of the local database file.
func WithDatabaseName(name string) Option {
	return func(c *config) {
		if name != "" {
			c.dbName = name
		}
	}
}

// WithEncryption enables at-rest encryption of cached bodies using a key
// derived from secret. Changing the secret or disabling encryption clears
// the cache on next open.
func WithEncryption(secret string) Option {
	return func(c *config) { c.encryptionSecret = secret }
}

// WithCacheExpiration overrides how long cached targeting rules stay valid
// without a successful sync.
func WithCacheExpiration(d time.Duration) Option {
	return func(c *config) { c.cacheExpiration = d }
}

// WithRetention overrides the retention window for queued telemetry.
func WithRetention(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.retention = d
		}
	}
}

// WithSyncInterval sets the period between synchronization cycles.
func WithSyncInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.syncInterval = d
		}
	}
}

// WithRecordInterval sets the period between telemetry flushes.
func WithRecordInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.recordInterval = d
		}
	}
}

// WithBatchSizes sets the per-flush record caps for events and impressions.
func WithBatchSizes(events, impressions int) Option {
	return func(c *config) {
		if events > 0 {
			c.eventBatchSize = events
		}
		if impressions > 0 {
			c.impressionBatchSize = impressions
		}
	}
}

// WithWorkers sets the size of the background worker pool.
func WithWorkers(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.workers = n
		}
	}
}
