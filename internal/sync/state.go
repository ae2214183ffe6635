// Package sync drives local state synchronization against the remote flag
// service: periodic and push-triggered flag/segment fetches, watermark
// bookkeeping, startup warmup hand-off, and the degraded-proxy fallback
// machine.
package sync

import (
	"errors"
	"fmt"
)

// State is the synchronization state of one resource (the flag set, or one
// tracked user key's memberships). Each resource is an independent state
// machine; no cross-resource ordering is guaranteed.
type State int32

const (
	StateUnsynced State = iota
	StateSyncing
	StateSynced
	// StateStale marks a resource whose push-notification watermark is ahead
	// of local state; the next cycle must fetch.
	StateStale
)

func (s State) String() string {
	switch s {
	case StateSyncing:
		return "syncing"
	case StateSynced:
		return "synced"
	case StateStale:
		return "stale"
	default:
		return "unsynced"
	}
}

// Outcome reports how a sync cycle ended. Failures other than storage
// failures are folded into OutcomeFailed; the scheduler alone decides when
// to try again.
type Outcome int

const (
	OutcomeSynced Outcome = iota
	OutcomeFailed
)

// Event names the internal notifications a synchronizer emits.
type Event string

const (
	EventFlagsFetched       Event = "flags_fetched"
	EventFlagsUpdated       Event = "flags_updated"
	EventMembershipsFetched Event = "memberships_fetched"
	EventMembershipsUpdated Event = "memberships_updated"
)

// Listener receives synchronizer events. A nil listener is allowed.
type Listener func(Event)

func (l Listener) emit(e Event) {
	if l != nil {
		l(e)
	}
}

// FetchError is the typed failure fetch and post implementations return for
// a non-success remote response. A zero StatusCode means the request never
// produced a response (network failure).
type FetchError struct {
	StatusCode int
	Message    string
}

func (e *FetchError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("fetch: %s", e.Message)
	}
	return fmt.Sprintf("fetch: HTTP %d: %s", e.StatusCode, e.Message)
}

// Transient reports whether the failure is worth retrying on the next
// scheduled cycle: network errors and server-side statuses are transient,
// client-side rejections are not.
func (e *FetchError) Transient() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

// proxySpecError reports whether err looks like an intermediary proxy
// rejecting a spec version it does not understand yet: a client-level
// rejection of a request that carried the latest spec.
func proxySpecError(err error) bool {
	var fe *FetchError
	if !errors.As(err, &fe) {
		return false
	}
	return fe.StatusCode == 400
}
