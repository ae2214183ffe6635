package sync

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/matt-riley/flagsync/internal/changes"
	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/storage"
)

const (
	// SpecLatest is the current evaluation-spec version sent with fetches.
	SpecLatest = "1.3"
	// SpecPrevious is the version the fallback machine degrades to when a
	// proxy rejects SpecLatest.
	SpecPrevious = "1.1"

	defaultCacheExpiration  = 10 * 24 * time.Hour
	defaultRecoveryInterval = time.Hour
)

// FlagsFetcher is the external fetch capability for targeting rules. A since
// value of [core.NoChangeNumber] asks for a full payload.
type FlagsFetcher interface {
	FetchFlags(ctx context.Context, since, rbSince int64, filterQuery, spec string) (*core.TargetingRulesChange, error)
}

// FlagSynchronizer keeps the locally persisted flag and rule-based segment
// state consistent with the remote service. One instance owns the flags
// resource; its state machine is independent of every membership
// synchronizer.
type FlagSynchronizer struct {
	db           *storage.DB
	fetcher      FlagsFetcher
	filters      core.FlagFilters
	processor    *changes.Processor
	trafficTypes *changes.TrafficTypes
	rulesCache   *TargetingRulesCache
	fallback     *specFallback
	log          *slog.Logger
	listener     Listener
	onCycle      func(outcome Outcome, elapsed time.Duration)

	cacheExpiration time.Duration
	background      bool

	state         atomic.Int32
	warmupChecked atomic.Bool
}

// FlagOption configures a FlagSynchronizer.
type FlagOption func(*FlagSynchronizer)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) FlagOption {
	return func(s *FlagSynchronizer) {
		if log != nil {
			s.log = log
		}
	}
}

// WithListener registers the internal event listener.
func WithListener(l Listener) FlagOption {
	return func(s *FlagSynchronizer) { s.listener = l }
}

// WithRulesCache attaches the startup warmup cache; the first cycle consumes
// an unconsumed payload from it instead of fetching.
func WithRulesCache(c *TargetingRulesCache) FlagOption {
	return func(s *FlagSynchronizer) { s.rulesCache = c }
}

// WithCacheExpiration overrides how old persisted state may grow before a
// cold start discards it. Zero disables the check.
func WithCacheExpiration(d time.Duration) FlagOption {
	return func(s *FlagSynchronizer) { s.cacheExpiration = d }
}

// WithRecoveryInterval overrides how long the fallback machine waits before
// probing the latest spec again.
func WithRecoveryInterval(d time.Duration) FlagOption {
	return func(s *FlagSynchronizer) {
		s.fallback = newSpecFallback(SpecLatest, SpecPrevious, d)
	}
}

// WithBackgroundMode marks this synchronizer as worker-driven. Background
// syncs always fetch with the latest spec and never enter fallback.
func WithBackgroundMode() FlagOption {
	return func(s *FlagSynchronizer) { s.background = true }
}

// WithCycleObserver registers a telemetry hook invoked after every cycle.
func WithCycleObserver(fn func(Outcome, time.Duration)) FlagOption {
	return func(s *FlagSynchronizer) { s.onCycle = fn }
}

// NewFlagSynchronizer creates a synchronizer over db using fetcher, applying
// the given client-side filters to every delta.
func NewFlagSynchronizer(db *storage.DB, fetcher FlagsFetcher, filters core.FlagFilters, opts ...FlagOption) *FlagSynchronizer {
	s := &FlagSynchronizer{
		db:              db,
		fetcher:         fetcher,
		filters:         filters,
		processor:       changes.NewProcessor(filters),
		trafficTypes:    changes.NewTrafficTypes(),
		fallback:        newSpecFallback(SpecLatest, SpecPrevious, defaultRecoveryInterval),
		log:             slog.Default(),
		cacheExpiration: defaultCacheExpiration,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the flags resource state.
func (s *FlagSynchronizer) State() State {
	return State(s.state.Load())
}

// TrafficTypes exposes the derived traffic-type validity index.
func (s *FlagSynchronizer) TrafficTypes() *changes.TrafficTypes {
	return s.trafficTypes
}

// FallbackState exposes the proxy fallback machine position.
func (s *FlagSynchronizer) FallbackState() FallbackState {
	return s.fallback.State()
}

// Bootstrap reconciles persisted state with the configured filters and spec
// before the first cycle: configuration drift unconditionally clears the
// cached targeting data, and untouched caches past the expiration window are
// discarded so a cold start fetches from scratch. It also rebuilds the
// traffic-type index from storage. Must be called once before Synchronize.
func (s *FlagSynchronizer) Bootstrap(ctx context.Context) error {
	cleared, err := s.invalidateOnDrift(ctx)
	if err != nil {
		return err
	}
	if !cleared {
		if err := s.invalidateOnExpiration(ctx); err != nil {
			return err
		}
	}

	flags, err := s.db.AllFlags(ctx)
	if err != nil {
		return err
	}
	s.trafficTypes.Rebuild(flags)
	return nil
}

// invalidateOnDrift clears cached targeting data when the configured filter
// query-string or spec differs from what the cache was built with. A
// filter or spec change is a "must refetch from scratch" signal regardless
// of cache age.
func (s *FlagSynchronizer) invalidateOnDrift(ctx context.Context) (bool, error) {
	query := s.filters.QueryString()
	storedQuery, _, err := s.db.StringValue(ctx, storage.InfoFlagsFilterQueryString)
	if err != nil {
		return false, err
	}
	storedSpec, specSet, err := s.db.StringValue(ctx, storage.InfoFlagsSpec)
	if err != nil {
		return false, err
	}

	drift := storedQuery != query || (specSet && storedSpec != SpecLatest)
	if drift {
		if err := s.clearTargetingData(ctx); err != nil {
			return false, err
		}
	}
	if err := s.db.SetStringValue(ctx, storage.InfoFlagsFilterQueryString, query); err != nil {
		return false, err
	}
	if err := s.db.SetStringValue(ctx, storage.InfoFlagsSpec, SpecLatest); err != nil {
		return false, err
	}
	return drift, nil
}

func (s *FlagSynchronizer) invalidateOnExpiration(ctx context.Context) error {
	if s.cacheExpiration <= 0 {
		return nil
	}
	since, err := s.db.ChangeNumber(ctx, storage.InfoFlagsChangeNumber)
	if err != nil {
		return err
	}
	updatedAt, ok, err := s.db.LongValue(ctx, storage.InfoFlagsUpdateTimestamp)
	if err != nil {
		return err
	}
	if since == core.NoChangeNumber || !ok {
		return nil
	}
	if time.Since(time.UnixMilli(updatedAt)) > s.cacheExpiration {
		s.log.Debug("cached targeting rules expired, clearing")
		return s.clearTargetingData(ctx)
	}
	return nil
}

func (s *FlagSynchronizer) clearTargetingData(ctx context.Context) error {
	if err := s.db.DeleteAllFlags(ctx); err != nil {
		return err
	}
	if err := s.db.DeleteAllRuleBasedSegments(ctx); err != nil {
		return err
	}
	if err := s.db.SetLongValue(ctx, storage.InfoFlagsChangeNumber, core.NoChangeNumber); err != nil {
		return err
	}
	if err := s.db.SetLongValue(ctx, storage.InfoRuleBasedChangeNumber, core.NoChangeNumber); err != nil {
		return err
	}
	return s.db.SetLongValue(ctx, storage.InfoLastCacheClearTimestamp, time.Now().UnixMilli())
}

// Synchronize runs one sync cycle. The returned error is non-nil only for
// storage failures; fetch failures are logged, leave the watermark alone,
// and surface as OutcomeFailed for the scheduler to retry on its own
// cadence.
func (s *FlagSynchronizer) Synchronize(ctx context.Context) (Outcome, error) {
	started := time.Now()
	outcome, err := s.synchronize(ctx)
	if s.onCycle != nil {
		s.onCycle(outcome, time.Since(started))
	}
	return outcome, err
}

func (s *FlagSynchronizer) synchronize(ctx context.Context) (Outcome, error) {
	s.state.Store(int32(StateSyncing))

	// Startup fast path: a warmup fetch may already hold the payload.
	if change := s.consumeWarmup(); change != nil {
		updated, err := s.applyChange(ctx, change)
		if err != nil {
			s.state.Store(int32(StateUnsynced))
			return OutcomeFailed, err
		}
		s.finishCycle(updated)
		return OutcomeSynced, nil
	}

	since, err := s.db.ChangeNumber(ctx, storage.InfoFlagsChangeNumber)
	if err != nil {
		s.state.Store(int32(StateUnsynced))
		return OutcomeFailed, err
	}
	rbSince, err := s.db.ChangeNumber(ctx, storage.InfoRuleBasedChangeNumber)
	if err != nil {
		s.state.Store(int32(StateUnsynced))
		return OutcomeFailed, err
	}

	spec := SpecLatest
	if !s.background {
		spec = s.fallback.SpecToUse()
	}

	change, err := s.fetcher.FetchFlags(ctx, since, rbSince, s.filters.QueryString(), spec)
	if err != nil {
		if !s.background {
			s.fallback.NoteError(err, spec)
		}
		s.state.Store(int32(StateUnsynced))
		s.log.Warn("flag fetch failed", "since", since, "spec", spec, "error", err)
		return OutcomeFailed, nil
	}
	if !s.background {
		s.fallback.NoteSuccess(spec)
	}

	updated, err := s.applyChange(ctx, change)
	if err != nil {
		s.state.Store(int32(StateUnsynced))
		return OutcomeFailed, err
	}
	s.finishCycle(updated)
	return OutcomeSynced, nil
}

func (s *FlagSynchronizer) finishCycle(updated bool) {
	s.state.Store(int32(StateSynced))
	s.listener.emit(EventFlagsFetched)
	if updated {
		s.listener.emit(EventFlagsUpdated)
	}
}

func (s *FlagSynchronizer) consumeWarmup() *core.TargetingRulesChange {
	if s.rulesCache == nil || s.warmupChecked.Swap(true) {
		return nil
	}
	return s.rulesCache.GetAndConsume()
}

// applyChange persists one raw change: flag and rule-based segment deltas
// are processed, written, and the watermarks advanced to the server till
// values. A till behind the local watermark is rejected, leaving state
// untouched; watermarks only move forward.
func (s *FlagSynchronizer) applyChange(ctx context.Context, change *core.TargetingRulesChange) (bool, error) {
	updated := false

	flagsApplied, err := s.applyFlagChanges(ctx, change.FeatureFlags)
	if err != nil {
		return false, err
	}
	updated = updated || flagsApplied

	rbApplied, err := s.applyRuleBasedChanges(ctx, change.RuleBasedSegments)
	if err != nil {
		return false, err
	}
	return updated || rbApplied, nil
}

func (s *FlagSynchronizer) applyFlagChanges(ctx context.Context, change core.FlagChanges) (bool, error) {
	current, err := s.db.ChangeNumber(ctx, storage.InfoFlagsChangeNumber)
	if err != nil {
		return false, err
	}
	if change.Till <= current {
		return false, nil
	}

	result := s.processor.Process(change)
	if err := s.db.UpsertFlags(ctx, result.Active); err != nil {
		return false, err
	}
	if err := s.db.DeleteFlagsByNames(ctx, flagNames(result.Archived)); err != nil {
		return false, err
	}
	if err := s.db.SetLongValue(ctx, storage.InfoFlagsChangeNumber, result.NewWatermark); err != nil {
		return false, err
	}
	if err := s.db.SetLongValue(ctx, storage.InfoFlagsUpdateTimestamp, time.Now().UnixMilli()); err != nil {
		return false, err
	}
	s.trafficTypes.Apply(result)
	return len(result.Active) > 0 || len(result.Archived) > 0, nil
}

func (s *FlagSynchronizer) applyRuleBasedChanges(ctx context.Context, change core.RuleBasedSegmentChanges) (bool, error) {
	current, err := s.db.ChangeNumber(ctx, storage.InfoRuleBasedChangeNumber)
	if err != nil {
		return false, err
	}
	if change.Till <= current {
		return false, nil
	}

	result := s.processor.ProcessRuleBased(change)
	if err := s.db.UpsertRuleBasedSegments(ctx, result.Active); err != nil {
		return false, err
	}
	if err := s.db.DeleteRuleBasedSegmentsByNames(ctx, segmentNames(result.Archived)); err != nil {
		return false, err
	}
	if err := s.db.SetLongValue(ctx, storage.InfoRuleBasedChangeNumber, result.NewWatermark); err != nil {
		return false, err
	}
	return len(result.Active) > 0 || len(result.Archived) > 0, nil
}

// OnPushWatermark reacts to an out-of-band change notification. A watermark
// ahead of local state marks the resource stale so the next cycle fetches;
// anything else is ignored.
func (s *FlagSynchronizer) OnPushWatermark(ctx context.Context, changeNumber int64) {
	current, err := s.db.ChangeNumber(ctx, storage.InfoFlagsChangeNumber)
	if err != nil {
		s.log.Warn("read watermark for push notification", "error", err)
		return
	}
	if changeNumber > current {
		s.state.Store(int32(StateStale))
	}
}

// ApplySingle applies one push-delivered flag definition with its explicit
// watermark, using the single-entity processing variant.
func (s *FlagSynchronizer) ApplySingle(ctx context.Context, flag core.FeatureFlag, watermark int64) error {
	current, err := s.db.ChangeNumber(ctx, storage.InfoFlagsChangeNumber)
	if err != nil {
		return err
	}
	if watermark <= current {
		return nil
	}

	result := s.processor.ProcessSingle(flag, watermark)
	if err := s.db.UpsertFlags(ctx, result.Active); err != nil {
		return err
	}
	if err := s.db.DeleteFlagsByNames(ctx, flagNames(result.Archived)); err != nil {
		return err
	}
	if err := s.db.SetLongValue(ctx, storage.InfoFlagsChangeNumber, watermark); err != nil {
		return err
	}
	s.trafficTypes.Apply(result)
	if len(result.Active) > 0 || len(result.Archived) > 0 {
		s.listener.emit(EventFlagsUpdated)
	}
	return nil
}

func flagNames(flags []core.FeatureFlag) []string {
	names := make([]string, len(flags))
	for i, f := range flags {
		names[i] = f.Name
	}
	return names
}

func segmentNames(segments []core.RuleBasedSegment) []string {
	names := make([]string, len(segments))
	for i, s := range segments {
		names[i] = s.Name
	}
	return names
}
