package flagsync

import (
	"sync"
	"time"

	"github.com/matt-riley/flagsync/internal/core"
)

type countKey struct {
	feature   string
	timeFrame int64
}

// impressionCounter aggregates impressions per flag and hour time frame in
// memory; closed frames are drained into the counts queue by the recorder
// job.
type impressionCounter struct {
	mu     sync.Mutex
	counts map[countKey]int64
}

func newImpressionCounter() *impressionCounter {
	return &impressionCounter{counts: make(map[countKey]int64)}
}

func (c *impressionCounter) add(feature string, timestampMs int64) {
	key := countKey{feature: feature, timeFrame: truncateToFrame(timestampMs)}
	c.mu.Lock()
	c.counts[key]++
	c.mu.Unlock()
}

// drain removes and returns all frames that started before cutoff. Frames
// still accumulating stay in memory.
func (c *impressionCounter) drain(cutoff time.Time) []core.ImpressionCount {
	cutoffFrame := truncateToFrame(cutoff.UnixMilli())

	c.mu.Lock()
	defer c.mu.Unlock()
	var out []core.ImpressionCount
	for key, n := range c.counts {
		if key.timeFrame > cutoffFrame {
			continue
		}
		out = append(out, core.ImpressionCount{
			FeatureName: key.feature,
			TimeFrame:   key.timeFrame,
			Count:       n,
		})
		delete(c.counts, key)
	}
	return out
}

func truncateToFrame(timestampMs int64) int64 {
	frame := countTimeFrame.Milliseconds()
	return timestampMs - timestampMs%frame
}
