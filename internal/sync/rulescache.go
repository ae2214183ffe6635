package sync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/matt-riley/flagsync/internal/core"
)

// TargetingRulesCache is a single-slot, consume-once holder bridging the
// fresh-install warmup fetch and the first synchronous sync cycle. At most
// one unconsumed value exists at a time, exactly one consumer ever observes
// a given value, and once a value has been consumed the slot is spent: later
// Set calls are no-ops until an explicit Reset. This models "the warmup
// fetch happens at most once per process", not a size-1 LRU.
type TargetingRulesCache struct {
	mu       sync.Mutex
	value    *core.TargetingRulesChange
	consumed bool
}

// NewTargetingRulesCache returns an empty, fillable cache.
func NewTargetingRulesCache() *TargetingRulesCache {
	return &TargetingRulesCache{}
}

// Set stores value while the slot is still fillable. Nil values and sets
// after a consume are ignored.
func (c *TargetingRulesCache) Set(value *core.TargetingRulesChange) {
	if value == nil {
		return
	}
	c.mu.Lock()
	if !c.consumed {
		c.value = value
	}
	c.mu.Unlock()
}

// GetAndConsume atomically reads and clears the slot, returning nil when
// empty. Consuming a value spends the slot for the rest of the fill cycle.
func (c *TargetingRulesCache) GetAndConsume() *core.TargetingRulesChange {
	c.mu.Lock()
	defer c.mu.Unlock()

	value := c.value
	if value != nil {
		c.value = nil
		c.consumed = true
	}
	return value
}

// HasValue reports whether an unconsumed value is present, without
// consuming it.
func (c *TargetingRulesCache) HasValue() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value != nil
}

// SetWithLock runs producer while holding the slot's lock, so no concurrent
// Set or GetAndConsume can interleave with the production itself, then
// stores the result subject to the same consume-once rule. This is the one
// operation that may legitimately block concurrent callers.
func (c *TargetingRulesCache) SetWithLock(producer func() *core.TargetingRulesChange) {
	c.mu.Lock()
	defer c.mu.Unlock()

	value := producer()
	if value != nil && !c.consumed {
		c.value = value
	}
}

// Reset returns the cache to the fillable state, starting a new fill cycle.
func (c *TargetingRulesCache) Reset() {
	c.mu.Lock()
	c.value = nil
	c.consumed = false
	c.mu.Unlock()
}

// Warmup is the one-shot asynchronous pre-fetch kicked off before the SDK
// is fully constructed. The startup path awaits its handle with a bounded
// timeout instead of sharing an ad hoc lock/notify pair with it.
type Warmup struct {
	done chan struct{}
}

// StartWarmup launches the warmup fetch. The fetched payload lands in cache
// and is consumed by the first sync cycle, which then skips its own network
// round trip.
func StartWarmup(ctx context.Context, cache *TargetingRulesCache, fetch func(context.Context) (*core.TargetingRulesChange, error), log *slog.Logger) *Warmup {
	if log == nil {
		log = slog.Default()
	}
	w := &Warmup{done: make(chan struct{})}
	go func() {
		defer close(w.done)
		cache.SetWithLock(func() *core.TargetingRulesChange {
			change, err := fetch(ctx)
			if err != nil {
				log.Debug("warmup fetch failed", "error", err)
				return nil
			}
			return change
		})
	}()
	return w
}

// Wait blocks until the warmup fetch finishes or timeout elapses, reporting
// whether it finished.
func (w *Warmup) Wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return true
	case <-timer.C:
		return false
	}
}
