package changes

import (
	"strings"
	"sync"

	"github.com/matt-riley/flagsync/internal/core"
)

// TrafficTypes is the derived validity index over traffic types: a type is
// valid while at least one active flag declares it. The index is maintained
// incrementally as deltas are applied, including the case where a flag keeps
// its name but switches traffic type between deltas.
type TrafficTypes struct {
	mu     sync.RWMutex
	counts map[string]int
	byFlag map[string]string
}

// NewTrafficTypes returns an empty index.
func NewTrafficTypes() *TrafficTypes {
	return &TrafficTypes{
		counts: make(map[string]int),
		byFlag: make(map[string]string),
	}
}

// Rebuild replaces the index from the full set of currently active flags,
// used after a cold load from storage.
func (t *TrafficTypes) Rebuild(flags map[string]core.FeatureFlag) {
	counts := make(map[string]int)
	byFlag := make(map[string]string)
	for name, flag := range flags {
		tt := normalizeType(flag.TrafficTypeName)
		if tt == "" {
			continue
		}
		counts[tt]++
		byFlag[name] = tt
	}

	t.mu.Lock()
	t.counts = counts
	t.byFlag = byFlag
	t.mu.Unlock()
}

// Apply folds one processed delta into the index.
func (t *TrafficTypes) Apply(result FlagResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, flag := range result.Archived {
		t.remove(flag.Name)
	}
	for _, flag := range result.Active {
		tt := normalizeType(flag.TrafficTypeName)
		if prev, ok := t.byFlag[flag.Name]; ok {
			if prev == tt {
				continue
			}
			t.remove(flag.Name)
		}
		if tt == "" {
			continue
		}
		t.counts[tt]++
		t.byFlag[flag.Name] = tt
	}
}

// IsValid reports whether any currently active flag declares the traffic
// type. Matching is case-insensitive.
func (t *TrafficTypes) IsValid(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counts[normalizeType(name)] > 0
}

func (t *TrafficTypes) remove(flagName string) {
	tt, ok := t.byFlag[flagName]
	if !ok {
		return
	}
	delete(t.byFlag, flagName)
	if t.counts[tt] <= 1 {
		delete(t.counts, tt)
		return
	}
	t.counts[tt]--
}

func normalizeType(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
