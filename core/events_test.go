package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus()
	bus.now = func() time.Time { return time.Unix(1700000000, 0) }

	var order []string
	var got []Event
	unsub1 := bus.Subscribe(func(evt Event) {
		order = append(order, "first")
		got = append(got, evt)
	})
	bus.Subscribe(func(evt Event) { order = append(order, "second") })

	bus.Publish(EventModulesChanged, "eh-fund")
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, []Event{{Type: EventModulesChanged, Data: "eh-fund", Timestamp: 1700000000000}}, got)

	unsub1()
	unsub1() // idempotent
	order = nil
	bus.Publish(EventModulesChanged, nil)
	assert.Equal(t, []string{"second"}, order)
	assert.Len(t, got, 1)
}

func TestEventBus_Toast(t *testing.T) {
	tests := []struct {
		name        string
		destructive []bool
		want        Toast
	}{
		{name: "default", want: Toast{Title: "Enrolled", Description: "Ethical Hacking"}},
		{name: "not destructive", destructive: []bool{false}, want: Toast{Title: "Enrolled", Description: "Ethical Hacking"}},
		{name: "destructive", destructive: []bool{true}, want: Toast{Title: "Enrolled", Description: "Ethical Hacking", Variant: "destructive"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := NewEventBus()
			var got Event
			bus.Subscribe(func(evt Event) { got = evt })

			bus.Toast("Enrolled", "Ethical Hacking", tt.destructive...)
			assert.Equal(t, EventToast, got.Type)
			assert.Equal(t, tt.want, got.Data)
		})
	}
}

func TestEventBus_nil(t *testing.T) {
	var bus *EventBus
	assert.NotPanics(t, func() {
		bus.Publish(EventToast, nil)
		bus.Toast("title", "")
	})
}

func TestISOTime(t *testing.T) {
	ts := time.Date(2024, 1, 1, 13, 4, 5, 678000000, time.FixedZone("WAT", 3600))
	assert.Equal(t, "2024-01-01T12:04:05.678Z", ISOTime(ts))
	assert.Equal(t, int64(1704110645678), UnixMilli(ts))
}

func TestCleanString(t *testing.T) {
	assert.Equal(t, "Ada Lovelace", CleanString("  Ada Lovelace \n"))
	assert.Equal(t, "ada@example.com", CleanString(" Ada@Example.com ", true))
}
