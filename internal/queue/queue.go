// Package queue implements the record-status queue protocol shared by the
// three telemetry queues: push as ACTIVE, pop-and-claim in bounded batches,
// roll claimed records back on delivery failure, hard-delete on confirmed
// delivery, and sweep anything past the retention window.
//
// The protocol is generic over the payload type; the per-queue differences
// (table, size estimate) live in the [storage.RecordKind] descriptor.
package queue

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/matt-riley/flagsync/internal/storage"
)

// popChunkSize bounds how many rows a single claim transaction touches.
const popChunkSize = 100

// Record pairs a decoded payload with the storage id it was claimed under.
type Record[T any] struct {
	ID        int64
	CreatedAt int64
	Payload   T
}

// Queue is one durable telemetry queue. All methods are safe for concurrent
// use; claims issued by concurrent Pop calls never overlap.
type Queue[T any] struct {
	db   *storage.DB
	kind storage.RecordKind

	mu    sync.Mutex
	bytes int64
}

// New opens the queue of the given kind on db. The running byte estimate is
// seeded from the rows already stored.
func New[T any](ctx context.Context, db *storage.DB, kind storage.RecordKind) (*Queue[T], error) {
	q := &Queue[T]{db: db, kind: kind}
	active, err := db.CountRecords(ctx, kind, storage.RecordActive)
	if err != nil {
		return nil, err
	}
	q.bytes = active * kind.BytesPerRecord
	return q, nil
}

// Push stores one payload as an active record.
func (q *Queue[T]) Push(ctx context.Context, payload T) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := q.db.InsertRecord(ctx, q.kind, string(body)); err != nil {
		return err
	}
	q.addBytes(q.kind.BytesPerRecord)
	return nil
}

// Pop claims up to maxCount of the oldest active records and returns them.
// Requests larger than the claim chunk size are satisfied in chunks so no
// single transaction grows unbounded; records pushed after the pop begins
// are never included. Pop(0) returns nothing without touching storage.
// Payloads that no longer decode are claimed and dropped rather than
// surfaced.
func (q *Queue[T]) Pop(ctx context.Context, maxCount int) ([]Record[T], error) {
	if maxCount <= 0 {
		return nil, nil
	}

	// Snapshot the id ceiling before claiming so records pushed while the
	// chunks run stay out of this pop.
	ceiling, err := q.db.MaxRecordID(ctx, q.kind)
	if err != nil {
		return nil, err
	}
	if ceiling == 0 {
		return nil, nil
	}

	var out []Record[T]
	remaining := maxCount
	for remaining > 0 {
		chunk := remaining
		if chunk > popChunkSize {
			chunk = popChunkSize
		}
		rows, err := q.db.ClaimRecords(ctx, q.kind, chunk, ceiling)
		if err != nil {
			return out, err
		}
		if len(rows) == 0 {
			break
		}
		q.addBytes(-int64(len(rows)) * q.kind.BytesPerRecord)
		for _, row := range rows {
			var payload T
			if err := json.Unmarshal([]byte(row.Body), &payload); err != nil {
				continue
			}
			out = append(out, Record[T]{ID: row.ID, CreatedAt: row.CreatedAt, Payload: payload})
		}
		remaining -= len(rows)
	}
	return out, nil
}

// SetActive rolls previously popped records back to active so a later cycle
// retries them. Calling it on records that are already active changes
// nothing and creates no duplicates.
func (q *Queue[T]) SetActive(ctx context.Context, records []Record[T]) error {
	if len(records) == 0 {
		return nil
	}
	if err := q.db.UpdateRecordStatus(ctx, q.kind, ids(records), storage.RecordActive); err != nil {
		return err
	}
	q.addBytes(int64(len(records)) * q.kind.BytesPerRecord)
	return nil
}

// Delete hard-removes previously popped records after a confirmed delivery.
func (q *Queue[T]) Delete(ctx context.Context, records []Record[T]) error {
	if len(records) == 0 {
		return nil
	}
	return q.db.DeleteRecords(ctx, q.kind, ids(records))
}

// DeleteInvalid hard-removes every record older than maxTimestamp regardless
// of status. This is the leak guard that bounds growth when delivery stays
// broken indefinitely.
func (q *Queue[T]) DeleteInvalid(ctx context.Context, maxTimestamp int64) (int64, error) {
	removed, err := q.db.DeleteRecordsOlderThan(ctx, q.kind, maxTimestamp)
	if err != nil {
		return 0, err
	}
	q.resyncBytes(ctx)
	return removed, nil
}

// RecoverClaimed flips records orphaned in the claimed state back to active.
// It must be invoked once during startup; a record claimed by a process that
// died mid-send is otherwise invisible until the retention sweep.
func (q *Queue[T]) RecoverClaimed(ctx context.Context) (int64, error) {
	recovered, err := q.db.ReactivateClaimed(ctx, q.kind)
	if err != nil {
		return 0, err
	}
	q.addBytes(recovered * q.kind.BytesPerRecord)
	return recovered, nil
}

// ByteEstimate returns the running size estimate of active records, used by
// upstream size-based flush triggers.
func (q *Queue[T]) ByteEstimate() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

func (q *Queue[T]) addBytes(delta int64) {
	q.mu.Lock()
	q.bytes += delta
	if q.bytes < 0 {
		q.bytes = 0
	}
	q.mu.Unlock()
}

func (q *Queue[T]) resyncBytes(ctx context.Context) {
	active, err := q.db.CountRecords(ctx, q.kind, storage.RecordActive)
	if err != nil {
		return
	}
	q.mu.Lock()
	q.bytes = active * q.kind.BytesPerRecord
	q.mu.Unlock()
}

func ids[T any](records []Record[T]) []int64 {
	out := make([]int64, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
