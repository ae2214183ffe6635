// Package changes turns raw server deltas into the set of definitions to
// apply locally, honoring the client-side filters. Processing is pure: it
// never touches storage and never fails on malformed input; bad entries are
// excluded so one broken definition cannot stall synchronization.
package changes

import (
	"github.com/matt-riley/flagsync/internal/core"
)

// FlagResult is the applied view of one flag delta: definitions to store,
// definitions to remove, and the watermark to advance to.
type FlagResult struct {
	Active       []core.FeatureFlag
	Archived     []core.FeatureFlag
	NewWatermark int64
}

// SegmentResult is the rule-based segment analogue of [FlagResult].
type SegmentResult struct {
	Active       []core.RuleBasedSegment
	Archived     []core.RuleBasedSegment
	NewWatermark int64
}

// Processor applies client-side filters to incoming deltas.
type Processor struct {
	filters core.FlagFilters
}

// NewProcessor creates a processor with the given filters. A zero
// [core.FlagFilters] processes everything as sent.
func NewProcessor(filters core.FlagFilters) *Processor {
	return &Processor{filters: filters}
}

// Process partitions a flag delta into active and archived sets.
//
// Entries without a name are dropped. With a by-name filter configured,
// entries outside the allow-list are excluded from both partitions, since
// the client never asked the server about them. With a by-set filter configured,
// an entry whose sets do not intersect the configured sets is archived even
// if the server marked it active, so the client only keeps what it asked
// for; an entry with no sets at all is archived as well.
func (p *Processor) Process(change core.FlagChanges) FlagResult {
	result := FlagResult{NewWatermark: change.Till}
	for _, flag := range change.Flags {
		p.partition(flag, &result)
	}
	return result
}

// ProcessSingle applies the same partitioning to exactly one changed entry
// plus an explicit new watermark, as delivered by a push notification.
func (p *Processor) ProcessSingle(flag core.FeatureFlag, watermark int64) FlagResult {
	result := FlagResult{NewWatermark: watermark}
	p.partition(flag, &result)
	return result
}

// ProcessRuleBased partitions a rule-based segment delta by server status.
// Flag filters do not apply to segments.
func (p *Processor) ProcessRuleBased(change core.RuleBasedSegmentChanges) SegmentResult {
	result := SegmentResult{NewWatermark: change.Till}
	for _, segment := range change.Segments {
		if segment.Name == "" {
			continue
		}
		if segment.Status == core.StatusActive {
			result.Active = append(result.Active, segment)
		} else {
			result.Archived = append(result.Archived, segment)
		}
	}
	return result
}

func (p *Processor) partition(flag core.FeatureFlag, result *FlagResult) {
	if flag.Name == "" {
		return
	}
	if !p.filters.AllowsName(flag.Name) {
		return
	}

	archived := flag.Status != core.StatusActive
	if !archived && p.filters.HasSets() && !p.filters.IntersectsSets(flag.Sets) {
		archived = true
	}

	if archived {
		result.Archived = append(result.Archived, flag)
	} else {
		result.Active = append(result.Active, flag)
	}
}
