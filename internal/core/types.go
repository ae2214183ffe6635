// Package core defines the domain types shared across the flagsync SDK:
// feature flags, rule-based segments, change payloads received from the
// remote service, and the telemetry records queued for delivery.
package core

import "encoding/json"

// Status is the lifecycle state the server declares for a flag or
// rule-based segment.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusArchived Status = "ARCHIVED"
)

// NoChangeNumber is the sentinel watermark meaning "no data yet". A fetch
// issued with this value asks the server for a full payload rather than a
// delta.
const NoChangeNumber int64 = -1

// FeatureFlag is one independently evaluable flag definition. Conditions is
// the serialized rule body; it is opaque to this SDK core and handed as-is to
// the evaluation engine.
type FeatureFlag struct {
	Name             string          `json:"name"`
	TrafficTypeName  string          `json:"trafficTypeName,omitempty"`
	Status           Status          `json:"status"`
	Killed           bool            `json:"killed,omitempty"`
	DefaultTreatment string          `json:"defaultTreatment,omitempty"`
	ChangeNumber     int64           `json:"changeNumber"`
	Sets             []string        `json:"sets,omitempty"`
	Conditions       json.RawMessage `json:"conditions,omitempty"`
}

// RuleBasedSegment is a server-defined membership rule evaluated like a flag
// condition but yielding segment membership instead of a treatment.
type RuleBasedSegment struct {
	Name         string          `json:"name"`
	Status       Status          `json:"status"`
	ChangeNumber int64           `json:"changeNumber"`
	Conditions   json.RawMessage `json:"conditions,omitempty"`
}

// FlagChanges is the raw flag delta returned by a fetch: the changed
// definitions plus the since/till watermark pair bracketing them.
type FlagChanges struct {
	Flags []FeatureFlag `json:"d"`
	Since int64         `json:"s"`
	Till  int64         `json:"t"`
}

// RuleBasedSegmentChanges is the rule-based segment analogue of
// [FlagChanges].
type RuleBasedSegmentChanges struct {
	Segments []RuleBasedSegment `json:"d"`
	Since    int64              `json:"s"`
	Till     int64              `json:"t"`
}

// TargetingRulesChange is the combined payload a single fetch returns: flag
// changes plus rule-based segment changes.
type TargetingRulesChange struct {
	FeatureFlags      FlagChanges             `json:"ff"`
	RuleBasedSegments RuleBasedSegmentChanges `json:"rbs"`
}

// MembershipChanges is the per-user-key segment membership delta.
type MembershipChanges struct {
	Segments []string `json:"k"`
	Till     int64    `json:"till"`
}

// SegmentKind distinguishes the two membership stores a user key can appear
// in.
type SegmentKind int

const (
	SegmentKindStandard SegmentKind = iota
	SegmentKindLarge
)

func (k SegmentKind) String() string {
	if k == SegmentKindLarge {
		return "large"
	}
	return "standard"
}

// Event is one tracked user action queued for asynchronous delivery.
type Event struct {
	EventTypeID     string         `json:"eventTypeId"`
	TrafficTypeName string         `json:"trafficTypeName"`
	Key             string         `json:"key"`
	Value           float64        `json:"value,omitempty"`
	Timestamp       int64          `json:"timestamp"`
	Properties      map[string]any `json:"properties,omitempty"`
}

// Impression records one flag evaluation: which key saw which treatment for
// which flag, and under which definition version.
type Impression struct {
	KeyName      string `json:"keyName"`
	BucketingKey string `json:"bucketingKey,omitempty"`
	FeatureName  string `json:"feature"`
	Treatment    string `json:"treatment"`
	Label        string `json:"label,omitempty"`
	Time         int64  `json:"time"`
	ChangeNumber int64  `json:"changeNumber"`
}

// ImpressionCount aggregates impressions for one flag over one time frame.
type ImpressionCount struct {
	FeatureName string `json:"f"`
	TimeFrame   int64  `json:"m"`
	Count       int64  `json:"rc"`
}
