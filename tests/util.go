package testutil

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/trezcool/nexlearn/core"
	"github.com/trezcool/nexlearn/storage/database"
)

// PrepareDB opens a migrated SQLite database in a temporary directory, closed with the test.
func PrepareDB(t *testing.T) *sqlx.DB {
	t.Helper()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("PrepareDB() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err = database.Migrate(db, true /* quiet */); err != nil {
		t.Fatalf("PrepareDB() failed: %v", err)
	}
	return db
}

// LogEntry is a message recorded by Logger.
type LogEntry struct {
	Level   string
	Message string
	Args    []interface{}
}

// Logger is a core.Logger that records what it is given.
type Logger struct {
	mu      sync.Mutex
	entries []LogEntry
}

var _ core.Logger = (*Logger)(nil)

func NewLogger() *Logger { return &Logger{} }

func (l *Logger) log(level, msg string, args []interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, LogEntry{Level: level, Message: msg, Args: args})
}

func (l *Logger) Debug(msg string, args ...interface{}) { l.log("debug", msg, args) }
func (l *Logger) Info(msg string, args ...interface{})  { l.log("info", msg, args) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.log("warn", msg, args) }
func (l *Logger) Error(msg string, args ...interface{}) { l.log("error", msg, args) }
func (l *Logger) Fatal(msg string, args ...interface{}) {
	l.log("fatal", msg, args)
	panic(fmt.Sprintf("fatal: %s", msg))
}

// Entries returns the recorded entries of the given level ("" for all).
func (l *Logger) Entries(level string) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := make([]LogEntry, 0, len(l.entries))
	for _, e := range l.entries {
		if level == "" || e.Level == level {
			entries = append(entries, e)
		}
	}
	return entries
}

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(now time.Time) *Clock { return &Clock{now: now} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// EventRecorder collects the events published on a bus.
type EventRecorder struct {
	mu     sync.Mutex
	events []core.Event
}

func RecordEvents(bus *core.EventBus) *EventRecorder {
	rec := &EventRecorder{}
	bus.Subscribe(func(evt core.Event) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.events = append(rec.events, evt)
	})
	return rec
}

// Events returns the recorded events of the given types (all if none given).
func (r *EventRecorder) Events(types ...core.EventType) []core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := make([]core.Event, 0, len(r.events))
	for _, evt := range r.events {
		if len(types) == 0 {
			events = append(events, evt)
			continue
		}
		for _, typ := range types {
			if evt.Type == typ {
				events = append(events, evt)
				break
			}
		}
	}
	return events
}
