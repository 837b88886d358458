package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus()

	a, cancelA := bus.Subscribe(4)
	defer cancelA()
	b, cancelB := bus.Subscribe(4)
	defer cancelB()

	bus.Publish(Event{Type: TypeThreadCreate, RecipientID: "user-1"})

	evA := <-a
	evB := <-b
	assert.Equal(t, TypeThreadCreate, evA.Type)
	assert.Equal(t, "user-1", evA.RecipientID)
	assert.False(t, evA.Timestamp.IsZero())
	assert.Equal(t, evA.RecipientID, evB.RecipientID)
}

func TestBusSlowSubscriberLosesEvents(t *testing.T) {
	bus := NewBus()

	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(Event{Type: TypeThreadCreate, RecipientID: "first"})
	bus.Publish(Event{Type: TypeThreadCreate, RecipientID: "second"})

	ev := <-ch
	assert.Equal(t, "first", ev.RecipientID)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected buffered event: %+v", extra)
	default:
	}
}

func TestBusCancelClosesChannel(t *testing.T) {
	bus := NewBus()

	ch, cancel := bus.Subscribe(1)
	cancel()
	// A second cancel is a no-op.
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic.
	require.NotPanics(t, func() {
		bus.Publish(Event{Type: TypeThreadClose})
	})
}
