// Package flagsync is a client-side feature-flag synchronization SDK. It
// keeps a durable local cache of flag definitions, rule-based segments, and
// per-key segment memberships consistent with a remote flag service, and
// delivers usage telemetry (events, impressions, impression counts) through
// bounded, crash-tolerant queues.
//
// A [Factory] owns the local databases; [Client] instances created from the
// same factory with the same database identity share one storage handle.
// Transport and flag evaluation are external collaborators: fetching and
// posting happen behind the interfaces in internal/sync and
// internal/recorder, with a reference HTTP implementation in
// internal/transport.
package flagsync

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"

	"github.com/matt-riley/flagsync/internal/cipher"
	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/logging"
	"github.com/matt-riley/flagsync/internal/queue"
	"github.com/matt-riley/flagsync/internal/recorder"
	"github.com/matt-riley/flagsync/internal/storage"
	syncer "github.com/matt-riley/flagsync/internal/sync"
	"github.com/matt-riley/flagsync/internal/tasks"
)

const (
	warmupWait      = 2 * time.Second
	shutdownTimeout = 10 * time.Second
	sweepEvery      = 24 * time.Hour
	// countTimeFrame is the aggregation window for impression counts.
	countTimeFrame = time.Hour
)

// Factory owns the registry of local cache databases. Clients built from
// the same factory with the same database identity share one storage handle
// rather than opening a second one.
type Factory struct {
	registry *storage.Registry
}

// NewFactory creates a factory storing its databases under dir.
func NewFactory(dir string) *Factory {
	return &Factory{registry: storage.NewRegistry(dir)}
}

// Close closes every database the factory opened.
func (f *Factory) Close() error {
	return f.registry.Reset()
}

// Transport bundles the external fetch and post capabilities a client
// consumes. internal/transport.Client satisfies all of them over HTTP.
type Transport struct {
	Flags       syncer.FlagsFetcher
	Memberships syncer.MembershipsFetcher
	Events      recorder.Poster[core.Event]
	Impressions recorder.Poster[core.Impression]
	Counts      recorder.Poster[core.ImpressionCount]
}

// Client is one synchronized view of the flag service. All methods are safe
// for concurrent use.
type Client struct {
	cfg       config
	db        *storage.DB
	flags     *syncer.FlagSynchronizer
	standard  *syncer.MembershipSynchronizer
	large     *syncer.MembershipSynchronizer
	rules     *syncer.TargetingRulesCache
	warmup    *syncer.Warmup
	scheduler *tasks.Scheduler

	events      *queue.Queue[core.Event]
	impressions *queue.Queue[core.Impression]
	counts      *queue.Queue[core.ImpressionCount]

	eventTask      *recorder.Task[core.Event]
	impressionTask *recorder.Task[core.Impression]
	countTask      *recorder.Task[core.ImpressionCount]

	counter *impressionCounter
}

// NewClient builds a client for userKey using the given transport. The
// local cache is opened (sharing an existing handle when the identity
// matches), orphaned telemetry claims are recovered, the warmup pre-fetch
// is started, and persisted state is reconciled against the configured
// filters. The client does not sync until [Client.Start].
func (f *Factory) NewClient(userKey string, transport Transport, opts ...Option) (*Client, error) {
	if userKey == "" {
		return nil, errors.New("user key is required")
	}
	if transport.Flags == nil || transport.Memberships == nil {
		return nil, errors.New("transport fetchers are required")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.log

	bodyCipher := cipher.Cipher(cipher.None())
	if cfg.encryptionSecret != "" {
		var err error
		bodyCipher, err = cipher.NewChaCha20(cfg.encryptionSecret)
		if err != nil {
			return nil, fmt.Errorf("configure cipher: %w", err)
		}
	}

	db, err := f.registry.Get(databaseName(cfg.dbName, cfg.filters), storage.WithCipher(bodyCipher))
	if err != nil {
		return nil, fmt.Errorf("open local cache: %w", err)
	}

	ctx := context.Background()
	if err := ensureInstanceID(ctx, db); err != nil {
		return nil, err
	}

	events, err := queue.New[core.Event](ctx, db, storage.KindEvents)
	if err != nil {
		return nil, fmt.Errorf("open event queue: %w", err)
	}
	impressions, err := queue.New[core.Impression](ctx, db, storage.KindImpressions)
	if err != nil {
		return nil, fmt.Errorf("open impression queue: %w", err)
	}
	counts, err := queue.New[core.ImpressionCount](ctx, db, storage.KindImpressionCounts)
	if err != nil {
		return nil, fmt.Errorf("open count queue: %w", err)
	}

	// Claims orphaned by a crash between pop and confirm stay invisible
	// until this runs; it is a required startup step.
	for _, recover := range []func(context.Context) (int64, error){
		events.RecoverClaimed, impressions.RecoverClaimed, counts.RecoverClaimed,
	} {
		if _, err := recover(ctx); err != nil {
			return nil, fmt.Errorf("recover claimed records: %w", err)
		}
	}

	rules := syncer.NewTargetingRulesCache()
	flagOpts := []syncer.FlagOption{
		syncer.WithLogger(logging.Component(log, "sync")),
		syncer.WithRulesCache(rules),
		syncer.WithListener(cfg.listener),
	}
	if cfg.cacheExpiration > 0 {
		flagOpts = append(flagOpts, syncer.WithCacheExpiration(cfg.cacheExpiration))
	}
	if cfg.metrics != nil {
		m := cfg.metrics
		flagOpts = append(flagOpts, syncer.WithCycleObserver(func(outcome syncer.Outcome, elapsed time.Duration) {
			label := "synced"
			if outcome == syncer.OutcomeFailed {
				label = "failed"
			}
			m.ObserveSyncCycle("flags", label, elapsed)
		}))
	}
	flags := syncer.NewFlagSynchronizer(db, transport.Flags, cfg.filters, flagOpts...)
	if err := flags.Bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap flag state: %w", err)
	}

	syncLog := logging.Component(log, "sync")
	c := &Client{
		cfg:         cfg,
		db:          db,
		flags:       flags,
		standard:    syncer.NewMembershipSynchronizer(db, transport.Memberships, userKey, core.SegmentKindStandard, syncLog, cfg.listener),
		large:       syncer.NewMembershipSynchronizer(db, transport.Memberships, userKey, core.SegmentKindLarge, syncLog, cfg.listener),
		rules:       rules,
		scheduler:   tasks.NewScheduler(cfg.workers, logging.Component(log, "tasks")),
		events:      events,
		impressions: impressions,
		counts:      counts,
		counter:     newImpressionCounter(),
	}
	c.buildRecorders(transport)
	c.registerJobs()

	c.warmup = syncer.StartWarmup(context.Background(), rules, func(ctx context.Context) (*core.TargetingRulesChange, error) {
		return transport.Flags.FetchFlags(ctx, core.NoChangeNumber, core.NoChangeNumber, cfg.filters.QueryString(), syncer.SpecLatest)
	}, logging.Component(log, "warmup"))

	return c, nil
}

func (c *Client) buildRecorders(transport Transport) {
	log := logging.Component(c.cfg.log, "recorder")
	var eventOpts []recorder.TaskOption[core.Event]
	var impOpts []recorder.TaskOption[core.Impression]
	var countOpts []recorder.TaskOption[core.ImpressionCount]
	if m := c.cfg.metrics; m != nil {
		eventOpts = append(eventOpts,
			recorder.WithTelemetry[core.Event](
				func(n int, b int64) {
					m.RecordsSent.WithLabelValues("events").Add(float64(n))
					m.RecordBytesSent.WithLabelValues("events").Add(float64(b))
				},
				func(n int, b int64) { m.RecordsFailed.WithLabelValues("events").Add(float64(n)) },
			),
			recorder.WithSweepObserver[core.Event](func(n int) {
				m.RecordsDropped.WithLabelValues("events").Add(float64(n))
			}),
		)
		impOpts = append(impOpts,
			recorder.WithTelemetry[core.Impression](
				func(n int, b int64) {
					m.RecordsSent.WithLabelValues("impressions").Add(float64(n))
					m.RecordBytesSent.WithLabelValues("impressions").Add(float64(b))
				},
				func(n int, b int64) { m.RecordsFailed.WithLabelValues("impressions").Add(float64(n)) },
			),
			recorder.WithSweepObserver[core.Impression](func(n int) {
				m.RecordsDropped.WithLabelValues("impressions").Add(float64(n))
			}),
		)
		countOpts = append(countOpts,
			recorder.WithTelemetry[core.ImpressionCount](
				func(n int, b int64) {
					m.RecordsSent.WithLabelValues("counts").Add(float64(n))
					m.RecordBytesSent.WithLabelValues("counts").Add(float64(b))
				},
				func(n int, b int64) { m.RecordsFailed.WithLabelValues("counts").Add(float64(n)) },
			),
		)
	}
	if c.cfg.retention > 0 {
		eventOpts = append(eventOpts, recorder.WithRetention[core.Event](c.cfg.retention))
		impOpts = append(impOpts, recorder.WithRetention[core.Impression](c.cfg.retention))
		countOpts = append(countOpts, recorder.WithRetention[core.ImpressionCount](c.cfg.retention))
	}

	c.eventTask = recorder.NewTask(c.events, transport.Events,
		c.cfg.eventBatchSize, c.cfg.maxBatchBytes, storage.KindEvents.BytesPerRecord, log, eventOpts...)
	c.impressionTask = recorder.NewTask(c.impressions, transport.Impressions,
		c.cfg.impressionBatchSize, c.cfg.maxBatchBytes, storage.KindImpressions.BytesPerRecord, log, impOpts...)
	c.countTask = recorder.NewTask(c.counts, transport.Counts,
		c.cfg.impressionBatchSize, c.cfg.maxBatchBytes, storage.KindImpressionCounts.BytesPerRecord, log, countOpts...)
}

func (c *Client) registerJobs() {
	c.scheduler.Register("flags", c.cfg.syncInterval, func(ctx context.Context) {
		if _, err := c.flags.Synchronize(ctx); err != nil {
			c.cfg.log.Error("flag sync aborted", "error", err)
		}
	})
	c.scheduler.Register("memberships", c.cfg.syncInterval, func(ctx context.Context) {
		if _, err := c.standard.Synchronize(ctx); err != nil {
			c.cfg.log.Error("membership sync aborted", "error", err)
		}
		if _, err := c.large.Synchronize(ctx); err != nil {
			c.cfg.log.Error("large membership sync aborted", "error", err)
		}
	})
	c.scheduler.Register("recorders", c.cfg.recordInterval, func(ctx context.Context) {
		c.flushCounters(ctx)
		for name, flush := range map[string]func(context.Context) (recorder.FlushResult, error){
			"events":      c.eventTask.Flush,
			"impressions": c.impressionTask.Flush,
			"counts":      c.countTask.Flush,
		} {
			if _, err := flush(ctx); err != nil {
				c.cfg.log.Error("recorder flush aborted", "queue", name, "error", err)
			}
		}
		c.updateQueueGauges()
	})
	c.scheduler.Register("sweep", sweepEvery, func(ctx context.Context) {
		if _, err := c.eventTask.Sweep(ctx); err != nil {
			c.cfg.log.Error("event sweep aborted", "error", err)
		}
		if _, err := c.impressionTask.Sweep(ctx); err != nil {
			c.cfg.log.Error("impression sweep aborted", "error", err)
		}
	})
}

// Start begins periodic synchronization and telemetry delivery. The warmup
// pre-fetch is awaited briefly so the first cycle can consume it instead of
// fetching twice.
func (c *Client) Start(ctx context.Context) {
	c.warmup.Wait(warmupWait)
	c.scheduler.Start(ctx)
}

// Pause stops issuing new cycles; in-flight work finishes. Watermarks and
// queues keep their state.
func (c *Client) Pause() { c.scheduler.Pause() }

// Resume restarts the cadence after a pause.
func (c *Client) Resume() { c.scheduler.Resume() }

// Stop cancels pending work and waits, bounded, for in-flight completion.
func (c *Client) Stop() { c.scheduler.Stop(shutdownTimeout) }

// GetFlag returns the stored definition for name, or false when absent.
func (c *Client) GetFlag(ctx context.Context, name string) (core.FeatureFlag, bool, error) {
	flag, err := c.db.FlagByName(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return core.FeatureFlag{}, false, nil
	}
	if err != nil {
		return core.FeatureFlag{}, false, err
	}
	return flag, true, nil
}

// GetAllFlags returns every stored definition keyed by name.
func (c *Client) GetAllFlags(ctx context.Context) (map[string]core.FeatureFlag, error) {
	return c.db.AllFlags(ctx)
}

// IsValidTrafficType reports whether at least one active flag declares the
// traffic type.
func (c *Client) IsValidTrafficType(name string) bool {
	return c.flags.TrafficTypes().IsValid(name)
}

// GetSegmentMembership returns the synced segment names for userKey in the
// given kind. A never-synced key yields an empty set.
func (c *Client) GetSegmentMembership(ctx context.Context, userKey string, kind core.SegmentKind) ([]string, error) {
	m, err := c.db.MembershipFor(ctx, kind, userKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m.Segments, nil
}

// Track enqueues one event for asynchronous delivery. A zero timestamp is
// stamped with the current time.
func (c *Client) Track(ctx context.Context, event core.Event) error {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	return c.events.Push(ctx, event)
}

// RecordImpression enqueues one impression and folds it into the current
// impression-count time frame.
func (c *Client) RecordImpression(ctx context.Context, impression core.Impression) error {
	if impression.Time == 0 {
		impression.Time = time.Now().UnixMilli()
	}
	c.counter.add(impression.FeatureName, impression.Time)
	return c.impressions.Push(ctx, impression)
}

// NotifyFlagsChanged reacts to a push notification carrying a new flag
// watermark: ahead-of-local watermarks mark the resource stale and trigger
// an immediate out-of-cadence sync.
func (c *Client) NotifyFlagsChanged(ctx context.Context, changeNumber int64) {
	if m := c.cfg.metrics; m != nil {
		m.PushUpdatesTotal.Inc()
	}
	c.flags.OnPushWatermark(ctx, changeNumber)
	c.scheduler.Submit(ctx, func(ctx context.Context) {
		if _, err := c.flags.Synchronize(ctx); err != nil {
			c.cfg.log.Error("push-triggered flag sync aborted", "error", err)
		}
	})
}

// ApplyFlagUpdate applies a push notification that carries the changed
// definition itself, skipping the fetch.
func (c *Client) ApplyFlagUpdate(ctx context.Context, flag core.FeatureFlag, changeNumber int64) error {
	if m := c.cfg.metrics; m != nil {
		m.PushUpdatesTotal.Inc()
	}
	return c.flags.ApplySingle(ctx, flag, changeNumber)
}

// NotifyMembershipsChanged reacts to a push-delivered membership watermark
// for the client's user key.
func (c *Client) NotifyMembershipsChanged(ctx context.Context, kind core.SegmentKind, changeNumber int64) {
	target := c.standard
	if kind == core.SegmentKindLarge {
		target = c.large
	}
	target.OnPushWatermark(ctx, changeNumber)
	c.scheduler.Submit(ctx, func(ctx context.Context) {
		if _, err := target.Synchronize(ctx); err != nil {
			c.cfg.log.Error("push-triggered membership sync aborted", "error", err)
		}
	})
}

// FlagsState returns the flags resource sync state.
func (c *Client) FlagsState() syncer.State { return c.flags.State() }

func (c *Client) flushCounters(ctx context.Context) {
	drained := c.counter.drain(time.Now().Add(-countTimeFrame))
	for _, count := range drained {
		if err := c.counts.Push(ctx, count); err != nil {
			c.cfg.log.Error("enqueue impression count", "error", err)
		}
	}
}

func (c *Client) updateQueueGauges() {
	m := c.cfg.metrics
	if m == nil {
		return
	}
	m.QueueBytes.WithLabelValues("events").Set(float64(c.events.ByteEstimate()))
	m.QueueBytes.WithLabelValues("impressions").Set(float64(c.impressions.ByteEstimate()))
	m.QueueBytes.WithLabelValues("counts").Set(float64(c.counts.ByteEstimate()))
}

func ensureInstanceID(ctx context.Context, db *storage.DB) error {
	_, ok, err := db.StringValue(ctx, storage.InfoSDKInstanceID)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return db.SetStringValue(ctx, storage.InfoSDKInstanceID, uuid.NewString())
}

// databaseName derives the storage identity: clients with different filters
// materialize different flag subsets and therefore use different databases,
// while clients with identical identity share one handle through the
// factory registry.
func databaseName(base string, filters core.FlagFilters) string {
	query := filters.QueryString()
	if query == "" {
		return base
	}
	h := fnv.New32a()
	h.Write([]byte(query))
	return fmt.Sprintf("%s-%08x", base, h.Sum32())
}
