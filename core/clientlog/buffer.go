// Package clientlog keeps the error reports of the app in local storage until
// they are flushed to the hosted `client_errors` table.
package clientlog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/nexlearn/core"
	"github.com/trezcool/nexlearn/core/remote"
)

const (
	storeKey = "nex_error_buffer"

	// MaxRecords is the number of reports kept; the oldest ones are dropped first.
	MaxRecords = 100
)

type Level string

const (
	LevelError Level = "error"
	LevelWarn  Level = "warn"
	LevelInfo  Level = "info"
)

type (
	Option func(b *Buffer)

	Record struct {
		ID      string                 `json:"id"`
		Level   Level                  `json:"level"`
		Message string                 `json:"message"`
		Stack   string                 `json:"stack,omitempty"`
		Context map[string]interface{} `json:"context,omitempty"`
		TS      string                 `json:"ts"`
	}

	// Buffer is the persisted list of reports. It never logs: it is fed by the logger.
	Buffer struct {
		kv  core.KVStore
		svc remote.DataService
		now func() time.Time

		mu       sync.Mutex
		flushing bool
	}
)

func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

func NewBuffer(kv core.KVStore, svc remote.DataService, opts ...Option) *Buffer {
	b := &Buffer{kv: kv, svc: svc, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// load returns the buffered reports. Missing or malformed data is an empty buffer. Must hold mu.
func (b *Buffer) load(ctx context.Context) []Record {
	raw, err := b.kv.Get(ctx, storeKey)
	if err != nil {
		return []Record{}
	}
	var recs []Record
	if err = json.Unmarshal([]byte(raw), &recs); err != nil {
		return []Record{}
	}
	return recs
}

// save keeps the last MaxRecords reports. Must hold mu.
func (b *Buffer) save(ctx context.Context, recs []Record) error {
	if len(recs) > MaxRecords {
		recs = recs[len(recs)-MaxRecords:]
	}
	if len(recs) == 0 {
		err := b.kv.Delete(ctx, storeKey)
		if err == core.ErrKeyNotFound {
			err = nil
		}
		return errors.Wrap(err, "clearing error buffer")
	}
	data, err := json.Marshal(recs)
	if err != nil {
		return errors.Wrap(err, "encoding error buffer")
	}
	return errors.Wrap(b.kv.Set(ctx, storeKey, string(data)), "saving error buffer")
}

// Add appends a report. It never fails: a report that cannot be stored is returned anyway.
func (b *Buffer) Add(level Level, msg, stack string, extras map[string]interface{}) Record {
	rec := Record{
		ID:      uuid.New().String(),
		Level:   level,
		Message: msg,
		Stack:   stack,
		TS:      core.ISOTime(b.now()),
	}
	if len(extras) > 0 {
		rec.Context = extras
	}

	ctx := context.Background()
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = b.save(ctx, append(b.load(ctx), rec))
	return rec
}

// Records returns the buffered reports, oldest first.
func (b *Buffer) Records() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.load(context.Background())
}

func (b *Buffer) Len() int {
	return len(b.Records())
}

// Flush sends the buffered reports to the data service and returns how many were sent.
// On failure the reports are kept for the next flush. A flush already running makes it a no-op.
func (b *Buffer) Flush(ctx context.Context) (int, error) {
	b.mu.Lock()
	if b.flushing {
		b.mu.Unlock()
		return 0, nil
	}
	recs := b.load(ctx)
	if len(recs) == 0 {
		b.mu.Unlock()
		return 0, nil
	}
	b.flushing = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.flushing = false
		b.mu.Unlock()
	}()

	rows := make([]remote.ClientError, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, rec.clientError())
	}
	if err := b.svc.UpsertClientErrors(ctx, rows); err != nil {
		return 0, errors.Wrap(err, "flushing error buffer")
	}

	// reports added while flushing stay buffered
	sent := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		sent[rec.ID] = struct{}{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var rest []Record
	for _, rec := range b.load(ctx) {
		if _, ok := sent[rec.ID]; !ok {
			rest = append(rest, rec)
		}
	}
	return len(recs), b.save(ctx, rest)
}

// clientError encodes the context as a JSON string (null when empty).
func (rec Record) clientError() remote.ClientError {
	row := remote.ClientError{
		ID:      rec.ID,
		Level:   string(rec.Level),
		Message: rec.Message,
		Stack:   null.NewString(rec.Stack, rec.Stack != ""),
		TS:      rec.TS,
	}
	if len(rec.Context) > 0 {
		if data, err := json.Marshal(rec.Context); err == nil {
			row.Context = null.StringFrom(string(data))
		}
	}
	return row
}
