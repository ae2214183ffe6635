// Package recorder drains the durable telemetry queues in bounded batches
// and posts them to the remote sink, reconciling each batch's record status
// with the delivery outcome: hard-delete on confirmed acceptance, revert to
// active on failure so a later cycle retries.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/matt-riley/flagsync/internal/queue"
)

// DefaultRetention is how long a queued record may live, regardless of
// status, before the sweep discards it.
const DefaultRetention = 90 * 24 * time.Hour

// PostError is the typed failure a poster returns for a non-success remote
// response. A zero StatusCode means the request never produced a response.
type PostError struct {
	StatusCode int
	Message    string
}

func (e *PostError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("post: %s", e.Message)
	}
	return fmt.Sprintf("post: HTTP %d: %s", e.StatusCode, e.Message)
}

// Permanent reports whether retrying the same payload can never succeed,
// such as a payload-too-large rejection. Permanent failures still revert the
// batch to active; whether to eventually drop it is the caller's policy,
// not the task's.
func (e *PostError) Permanent() bool {
	switch {
	case e.StatusCode == 0:
		return false
	case e.StatusCode == 408, e.StatusCode == 429:
		return false
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return true
	default:
		return false
	}
}

// Poster is the external post capability for one record type.
type Poster[T any] interface {
	PostRecords(ctx context.Context, records []T) error
}

// FlushResult reports what one flush cycle did.
type FlushResult struct {
	Sent      int
	SentBytes int64
	// Failed counts records that were popped but not delivered; they have
	// been reverted to active.
	Failed      int
	FailedBytes int64
	// Retriable is false when the remote rejected the payload permanently;
	// the scheduler should not retry immediately.
	Retriable bool
}

// Task drains one telemetry queue. Batches are bounded by max records and
// max estimated bytes, whichever is reached first.
type Task[T any] struct {
	queue          *queue.Queue[T]
	poster         Poster[T]
	maxRecords     int
	maxBytes       int64
	bytesPerRecord int64
	retention      time.Duration
	log            *slog.Logger

	onSent    func(records int, bytes int64)
	onDropped func(records int)
	onFailed  func(records int, bytes int64)
}

// TaskOption configures a recorder task.
type TaskOption[T any] func(*Task[T])

// WithTelemetry registers hooks observing sent and non-sent records.
func WithTelemetry[T any](onSent, onFailed func(records int, bytes int64)) TaskOption[T] {
	return func(t *Task[T]) {
		t.onSent = onSent
		t.onFailed = onFailed
	}
}

// WithSweepObserver registers a hook observing retention-sweep drops.
func WithSweepObserver[T any](fn func(records int)) TaskOption[T] {
	return func(t *Task[T]) { t.onDropped = fn }
}

// WithRetention overrides the retention window used by Sweep.
func WithRetention[T any](d time.Duration) TaskOption[T] {
	return func(t *Task[T]) { t.retention = d }
}

// NewTask creates a recorder task over q posting through poster.
// bytesPerRecord is the same fixed size estimate the queue uses.
func NewTask[T any](q *queue.Queue[T], poster Poster[T], maxRecords int, maxBytes, bytesPerRecord int64, log *slog.Logger, opts ...TaskOption[T]) *Task[T] {
	if log == nil {
		log = slog.Default()
	}
	t := &Task[T]{
		queue:          q,
		poster:         poster,
		maxRecords:     maxRecords,
		maxBytes:       maxBytes,
		bytesPerRecord: bytesPerRecord,
		retention:      DefaultRetention,
		log:            log,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Flush pops one bounded batch, posts it, and reconciles record status with
// the outcome. The returned error is non-nil only for storage failures.
func (t *Task[T]) Flush(ctx context.Context) (FlushResult, error) {
	batch, err := t.queue.Pop(ctx, t.batchSize())
	if err != nil {
		return FlushResult{}, err
	}
	if len(batch) == 0 {
		return FlushResult{Retriable: true}, nil
	}

	payload := make([]T, len(batch))
	for i, record := range batch {
		payload[i] = record.Payload
	}
	bytes := int64(len(batch)) * t.bytesPerRecord

	if postErr := t.poster.PostRecords(ctx, payload); postErr != nil {
		if err := t.queue.SetActive(ctx, batch); err != nil {
			return FlushResult{}, err
		}
		if t.onFailed != nil {
			t.onFailed(len(batch), bytes)
		}
		retriable := true
		var pe *PostError
		if errors.As(postErr, &pe) && pe.Permanent() {
			retriable = false
		}
		t.log.Warn("record post failed", "records", len(batch), "retriable", retriable, "error", postErr)
		return FlushResult{Failed: len(batch), FailedBytes: bytes, Retriable: retriable}, nil
	}

	if err := t.queue.Delete(ctx, batch); err != nil {
		return FlushResult{}, err
	}
	if t.onSent != nil {
		t.onSent(len(batch), bytes)
	}
	return FlushResult{Sent: len(batch), SentBytes: bytes, Retriable: true}, nil
}

// Sweep hard-removes records older than the retention window regardless of
// status: the safety valve when delivery stays broken indefinitely.
func (t *Task[T]) Sweep(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-t.retention).UnixMilli()
	removed, err := t.queue.DeleteInvalid(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		t.log.Info("swept expired records", "removed", removed)
		if t.onDropped != nil {
			t.onDropped(int(removed))
		}
	}
	return removed, nil
}

func (t *Task[T]) batchSize() int {
	n := t.maxRecords
	if t.maxBytes > 0 && t.bytesPerRecord > 0 {
		byBytes := int(t.maxBytes / t.bytesPerRecord)
		if byBytes < n {
			n = byBytes
		}
	}
	if n < 1 {
		n = 1
	}
	return n
}
