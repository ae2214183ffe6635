package sync

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/storage"
)

// MembershipsFetcher is the external fetch capability for one user key's
// segment memberships.
type MembershipsFetcher interface {
	FetchMemberships(ctx context.Context, userKey string, kind core.SegmentKind, since int64) (*core.MembershipChanges, error)
}

// MembershipSynchronizer keeps one tracked user key's segment memberships of
// one kind consistent with the remote service. Each (key, kind) pair is its
// own state machine, independent of the flags resource and of every other
// key.
type MembershipSynchronizer struct {
	db       *storage.DB
	fetcher  MembershipsFetcher
	userKey  string
	kind     core.SegmentKind
	log      *slog.Logger
	listener Listener

	state atomic.Int32
}

// NewMembershipSynchronizer creates a synchronizer for userKey's memberships
// of the given kind.
func NewMembershipSynchronizer(db *storage.DB, fetcher MembershipsFetcher, userKey string, kind core.SegmentKind, log *slog.Logger, listener Listener) *MembershipSynchronizer {
	if log == nil {
		log = slog.Default()
	}
	return &MembershipSynchronizer{
		db:       db,
		fetcher:  fetcher,
		userKey:  userKey,
		kind:     kind,
		log:      log,
		listener: listener,
	}
}

// State returns this key's resource state.
func (s *MembershipSynchronizer) State() State {
	return State(s.state.Load())
}

// Synchronize runs one membership sync cycle. As with flags, only storage
// failures return an error; fetch failures surface as OutcomeFailed and are
// retried by the scheduler.
func (s *MembershipSynchronizer) Synchronize(ctx context.Context) (Outcome, error) {
	s.state.Store(int32(StateSyncing))

	since := core.NoChangeNumber
	stored, err := s.db.MembershipFor(ctx, s.kind, s.userKey)
	switch {
	case err == nil:
		since = stored.ChangeNumber
	case errors.Is(err, storage.ErrNotFound):
	default:
		s.state.Store(int32(StateUnsynced))
		return OutcomeFailed, err
	}

	change, err := s.fetcher.FetchMemberships(ctx, s.userKey, s.kind, since)
	if err != nil {
		s.state.Store(int32(StateUnsynced))
		s.log.Warn("membership fetch failed", "kind", s.kind.String(), "error", err)
		return OutcomeFailed, nil
	}

	updated := false
	if change.Till > since {
		if err := s.db.ReplaceMembership(ctx, s.kind, storage.Membership{
			UserKey:      s.userKey,
			Segments:     change.Segments,
			ChangeNumber: change.Till,
		}); err != nil {
			s.state.Store(int32(StateUnsynced))
			return OutcomeFailed, err
		}
		updated = true
	}

	s.state.Store(int32(StateSynced))
	s.listener.emit(EventMembershipsFetched)
	if updated {
		s.listener.emit(EventMembershipsUpdated)
	}
	return OutcomeSynced, nil
}

// OnPushWatermark marks the key stale when a push-delivered watermark is
// ahead of the stored one.
func (s *MembershipSynchronizer) OnPushWatermark(ctx context.Context, changeNumber int64) {
	stored, err := s.db.MembershipFor(ctx, s.kind, s.userKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Warn("read membership for push notification", "error", err)
		return
	}
	if errors.Is(err, storage.ErrNotFound) || changeNumber > stored.ChangeNumber {
		s.state.Store(int32(StateStale))
	}
}
