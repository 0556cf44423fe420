package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case e, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestPublishIsChannelScoped(t *testing.T) {
	bus := NewBus(0)
	a := bus.Subscribe(UserChannel("a"), 8)
	b := bus.Subscribe(UserChannel("b"), 8)

	bus.Publish(UserChannel("a"), Event{Type: TypeOrderUpdate, Data: 1})

	assert.Len(t, drain(a), 1)
	assert.Empty(t, drain(b))
}

func TestOrderPreservedPerSubscriber(t *testing.T) {
	bus := NewBus(0)
	sub := bus.Subscribe("trading_u", 1000)

	for i := 0; i < 500; i++ {
		bus.Publish("trading_u", Event{Type: TypeOrderUpdate, Data: i})
	}

	got := drain(sub)
	require.Len(t, got, 500)
	for i, e := range got {
		assert.Equal(t, i, e.Data)
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	bus := NewBus(100)
	sub := bus.Subscribe("c", 2)

	for i := 0; i < 5; i++ {
		bus.Publish("c", Event{Type: TypeOrderUpdate, Data: i})
	}

	got := drain(sub)
	require.Len(t, got, 2)
	assert.Equal(t, 3, got[0].Data)
	assert.Equal(t, 4, got[1].Data)

	_, dropped, _ := bus.Stats()
	assert.Equal(t, int64(3), dropped)
}

func TestLaggingSubscriberDisconnected(t *testing.T) {
	bus := NewBus(3)
	slow := bus.Subscribe("c", 1)
	fast := bus.Subscribe("c", 100)

	for i := 0; i < 10; i++ {
		bus.Publish("c", Event{Type: TypeOrderUpdate, Data: i})
	}

	// The slow subscriber's channel is closed after exceeding its drop budget.
	for range slow.C() {
	}
	assert.Len(t, drain(fast), 10)
	_, _, disconnected := bus.Stats()
	assert.Equal(t, int64(1), disconnected)
	assert.Equal(t, 1, bus.Subscribers())
}

func TestRecoveredSubscriberKeepsItsBudget(t *testing.T) {
	bus := NewBus(3)
	sub := bus.Subscribe("c", 1)

	// Each burst overflows twice, then the reader catches up.
	for round := 0; round < 10; round++ {
		for i := 0; i < 3; i++ {
			bus.Publish("c", Event{Type: TypeOrderUpdate, Data: i})
		}
		got := drain(sub)
		require.Len(t, got, 1)
		assert.Equal(t, 2, got[0].Data)
	}

	_, dropped, disconnected := bus.Stats()
	assert.Equal(t, int64(20), dropped)
	assert.Zero(t, disconnected)
	assert.Equal(t, 1, bus.Subscribers())
}

func TestBroadcastByPrefix(t *testing.T) {
	bus := NewBus(0)
	u1 := bus.Subscribe(UserChannel("1"), 4)
	u2 := bus.Subscribe(UserChannel("2"), 4)
	ops := bus.Subscribe(SafetyChannel, 4)

	bus.Broadcast(TradingPrefix, Event{Type: TypeSafetyUpdate})

	assert.Len(t, drain(u1), 1)
	assert.Len(t, drain(u2), 1)
	assert.Empty(t, drain(ops))
}

func TestUnsubscribeAndClose(t *testing.T) {
	bus := NewBus(0)
	sub := bus.Subscribe("x", 4)
	bus.Publish("x", Event{Type: TypeOrderUpdate})
	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub)

	// Buffered event survives, then the channel reports closed.
	e, ok := <-sub.C()
	assert.True(t, ok)
	assert.Equal(t, TypeOrderUpdate, e.Type)
	_, ok = <-sub.C()
	assert.False(t, ok)

	other := bus.Subscribe("y", 4)
	bus.Close()
	_, ok = <-other.C()
	assert.False(t, ok)

	late := bus.Subscribe("y", 4)
	_, ok = <-late.C()
	assert.False(t, ok)
	bus.Publish("y", Event{})
}

func TestIsUserChannel(t *testing.T) {
	assert.True(t, IsUserChannel("trading_42", "42"))
	assert.False(t, IsUserChannel("trading_42", "4"))
	assert.False(t, IsUserChannel("safety", "42"))
}
