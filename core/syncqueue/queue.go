// Package syncqueue buffers the remote writes that could not be delivered right away
// and retries them with exponential backoff until they succeed or are abandoned.
package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/nexlearn/core"
)

const (
	storeKey = "nex_pending_ops"

	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 5 * time.Second
)

type (
	Option func(q *SyncQueue)

	// DrainResult summarizes one Drain pass.
	DrainResult struct {
		Attempted int `json:"attempted"`
		Delivered int `json:"delivered"`
		Retrying  int `json:"retrying"`
		Dropped   int `json:"dropped"`
		Remaining int `json:"remaining"`
	}

	// SyncQueue is the persisted list of pending operations.
	// The whole list is loaded, mutated and saved back under mu; operations being
	// delivered are claimed so that concurrent drains never deliver them twice.
	SyncQueue struct {
		kv          core.KVStore
		deliverer   Deliverer
		bus         *core.EventBus
		logger      core.Logger
		now         func() time.Time
		maxAttempts int
		baseDelay   time.Duration

		mu       sync.Mutex
		inFlight map[string]struct{}
	}
)

func WithClock(now func() time.Time) Option {
	return func(q *SyncQueue) { q.now = now }
}

func WithMaxAttempts(n int) Option {
	return func(q *SyncQueue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

func WithBaseDelay(d time.Duration) Option {
	return func(q *SyncQueue) {
		if d > 0 {
			q.baseDelay = d
		}
	}
}

func New(kv core.KVStore, deliverer Deliverer, bus *core.EventBus, logger core.Logger, opts ...Option) *SyncQueue {
	q := &SyncQueue{
		kv:          kv,
		deliverer:   deliverer,
		bus:         bus,
		logger:      logger,
		now:         time.Now,
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		inFlight:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// MaxAttempts is the number of failed deliveries after which an operation is dropped.
func (q *SyncQueue) MaxAttempts() int { return q.maxAttempts }

// Backoff returns the delay before the next attempt of an operation that failed `attempts` times.
func (q *SyncQueue) Backoff(attempts int) time.Duration {
	return time.Duration(1<<uint(attempts)) * q.baseDelay
}

// load returns the persisted operations. Missing or malformed data is an empty queue.
func (q *SyncQueue) load(ctx context.Context) ([]PendingOperation, error) {
	raw, err := q.kv.Get(ctx, storeKey)
	if err != nil {
		if err == core.ErrKeyNotFound {
			return []PendingOperation{}, nil
		}
		return nil, errors.Wrap(err, "reading pending operations")
	}

	var ops []PendingOperation
	if err = json.Unmarshal([]byte(raw), &ops); err != nil {
		q.logger.Warn(fmt.Sprintf("discarding malformed pending operations: %v", err), err)
		return []PendingOperation{}, nil
	}
	return ops, nil
}

func (q *SyncQueue) save(ctx context.Context, ops []PendingOperation) error {
	data, err := json.Marshal(ops)
	if err != nil {
		return errors.Wrap(err, "encoding pending operations")
	}
	return errors.Wrap(q.kv.Set(ctx, storeKey, string(data)), "saving pending operations")
}

// Enqueue appends a new operation, ready to be delivered right away.
// It never fails: a storage error is logged and the operation is returned anyway.
func (q *SyncQueue) Enqueue(typ OpType, payload Payload, courseID ...string) PendingOperation {
	now := core.UnixMilli(q.now())
	op := PendingOperation{
		ID:        uuid.New().String(),
		Type:      typ,
		Payload:   payload,
		NextRetry: now,
		CreatedAt: now,
		CourseID:  payload.CourseID,
	}
	if len(courseID) > 0 && courseID[0] != "" {
		op.CourseID = courseID[0]
	}

	ctx := context.Background()
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.load(ctx)
	if err == nil {
		err = q.save(ctx, append(ops, op))
	}
	if err != nil {
		q.logger.Error(fmt.Sprintf("enqueuing %s operation: %v", typ, err), err)
		return op
	}
	q.logger.Debug(fmt.Sprintf("enqueued %s operation %s (course %q)", typ, op.ID, op.CourseID))
	return op
}

// claimReady marks the ready operations (in queue order) as in flight and returns them.
func (q *SyncQueue) claimReady(ctx context.Context) ([]PendingOperation, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.load(ctx)
	if err != nil {
		return nil, 0, err
	}

	now := core.UnixMilli(q.now())
	ready := make([]PendingOperation, 0, len(ops))
	for _, op := range ops {
		if _, claimed := q.inFlight[op.ID]; claimed || op.NextRetry > now {
			continue
		}
		q.inFlight[op.ID] = struct{}{}
		ready = append(ready, op)
	}
	return ready, len(ops), nil
}

// Drain attempts the delivery of every operation whose retry time has come.
// Delivery errors are recorded on the operations, never returned.
func (q *SyncQueue) Drain(ctx context.Context) DrainResult {
	ready, total, err := q.claimReady(ctx)
	if err != nil {
		q.logger.Warn(fmt.Sprintf("draining pending operations: %v", err), err)
		return DrainResult{}
	}
	if len(ready) == 0 {
		return DrainResult{Remaining: total}
	}

	outcomes := make(map[string]error, len(ready))
	for _, op := range ready {
		if ctx.Err() != nil {
			break // not attempted: left untouched
		}
		outcomes[op.ID] = q.deliver(ctx, op)
	}
	return q.apply(ctx, ready, outcomes)
}

func (q *SyncQueue) deliver(ctx context.Context, op PendingOperation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("delivery panic: %v", r)
		}
	}()
	return q.deliverer.Deliver(ctx, op)
}

// apply records the delivery outcomes on a freshly loaded list, so that operations
// enqueued during the drain are kept.
func (q *SyncQueue) apply(ctx context.Context, claimed []PendingOperation, outcomes map[string]error) DrainResult {
	var (
		res     DrainResult
		dropped []PermanentFailure
	)

	q.mu.Lock()
	for _, op := range claimed {
		delete(q.inFlight, op.ID)
	}

	ops, err := q.load(ctx)
	if err != nil {
		q.mu.Unlock()
		q.logger.Error(fmt.Sprintf("recording delivery outcomes: %v", err), err)
		return res
	}

	now := q.now()
	kept := make([]PendingOperation, 0, len(ops))
	for _, op := range ops {
		outcome, attempted := outcomes[op.ID]
		if !attempted {
			kept = append(kept, op)
			continue
		}
		res.Attempted++

		if outcome == nil {
			res.Delivered++
			continue
		}

		op.Attempts++
		op.LastError = outcome.Error()
		if op.Attempts >= q.maxAttempts {
			res.Dropped++
			dropped = append(dropped, PermanentFailure{Operation: op, Error: op.LastError})
			continue
		}
		op.NextRetry = core.UnixMilli(now.Add(q.Backoff(op.Attempts)))
		res.Retrying++
		kept = append(kept, op)
	}
	res.Remaining = len(kept)

	if err = q.save(ctx, kept); err != nil {
		q.logger.Error(fmt.Sprintf("recording delivery outcomes: %v", err), err)
	}
	q.mu.Unlock()

	for _, f := range dropped {
		q.logger.Warn(fmt.Sprintf("dropping %s operation %s after %d attempts", f.Operation.Type, f.Operation.ID, f.Operation.Attempts), f.Error)
		q.bus.Publish(core.EventSyncFailedPermanently, f)
		q.bus.Toast("Sync failed permanently", strings.Replace(string(f.Operation.Type), "_", " ", 1), true)
	}
	if res.Attempted > 0 {
		q.logger.Debug(fmt.Sprintf("drained %d operations: %d delivered, %d retrying, %d dropped", res.Attempted, res.Delivered, res.Retrying, res.Dropped))
	}
	return res
}

// List returns the pending operations in queue order.
func (q *SyncQueue) List() []PendingOperation {
	ops, err := q.load(context.Background())
	if err != nil {
		q.logger.Warn(fmt.Sprintf("listing pending operations: %v", err), err)
		return []PendingOperation{}
	}
	return ops
}

func (q *SyncQueue) Size() int { return len(q.List()) }

// CountFor returns the number of pending operations for a course.
func (q *SyncQueue) CountFor(courseID string) int {
	var n int
	for _, op := range q.List() {
		if op.CourseID == courseID {
			n++
		}
	}
	return n
}

// DetailsFor returns the pending operations of a course (UI display).
func (q *SyncQueue) DetailsFor(courseID string) []OperationDetail {
	now := core.UnixMilli(q.now())
	details := make([]OperationDetail, 0)
	for _, op := range q.List() {
		if op.CourseID != courseID {
			continue
		}
		details = append(details, OperationDetail{
			ID:        op.ID,
			Type:      op.Type,
			Attempts:  op.Attempts,
			NextRetry: op.NextRetry,
			AgeMillis: now - op.CreatedAt,
			LastError: op.LastError,
		})
	}
	return details
}
