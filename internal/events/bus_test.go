package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("test")

	types := []Type{TypeDeploymentStarted, TypeScoreUpdate, TypeGateStatus, TypeStageChange, TypeDeploymentComplete}
	for _, ty := range types {
		bus.Publish(Event{Type: ty, DeploymentID: "d1", Timestamp: time.Now()})
	}

	for _, want := range types {
		select {
		case ev := <-sub:
			assert.Equal(t, want, ev.Type)
		default:
			t.Fatalf("missing event %s", want)
		}
	}
}

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe("a")
	b := bus.Subscribe("b")

	bus.Publish(Event{Type: TypePaused, DeploymentID: "d1"})

	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, TypePaused, (<-a).Type)
	assert.Equal(t, TypePaused, (<-b).Type)
}

func TestBusSlowSubscriberDropsOldest(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("slow")

	for i := 0; i < DefaultBuffer+10; i++ {
		bus.Publish(Event{Type: TypeScoreUpdate, DeploymentID: "d1"})
	}
	bus.Publish(Event{Type: TypeDeploymentComplete, DeploymentID: "d1"})

	assert.Len(t, sub, DefaultBuffer)

	// The terminal event survives; the overflow victims were the oldest.
	var last Event
	for len(sub) > 0 {
		last = <-sub
	}
	assert.Equal(t, TypeDeploymentComplete, last.Type)
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("x")
	bus.Unsubscribe("x")

	_, open := <-sub
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{Type: TypeScoreUpdate})
}

func TestBusClose(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("x")
	bus.Close()

	_, open := <-sub
	assert.False(t, open)
	bus.Publish(Event{Type: TypeScoreUpdate}) // no-op after close
}
