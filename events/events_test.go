package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lms-notifier/pkg/notifier"
)

func TestPublishFanOut(t *testing.T) {
	bus := NewBus()
	a, unsubA := bus.Subscribe(4)
	b, unsubB := bus.Subscribe(4)
	defer unsubA()
	defer unsubB()

	rk := notifier.ResourceKey{Name: "Forum", ID: 3}
	bus.Publish(SubscriptionChanged{Resource: rk, PublisherKey: 9, SubscriberKeys: []int64{1, 2}})

	for _, ch := range []<-chan SubscriptionChanged{a, b} {
		select {
		case e := <-ch:
			assert.Equal(t, rk, e.Resource)
			assert.Equal(t, []int64{1, 2}, e.SubscriberKeys)
			assert.False(t, e.At.IsZero(), "Publish should stamp the event time")
		default:
			t.Fatal("listener did not receive event")
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(SubscriptionChanged{PublisherKey: 1})
	bus.Publish(SubscriptionChanged{PublisherKey: 2})

	assert.Equal(t, uint64(1), bus.Dropped())
	e := <-ch
	assert.Equal(t, int64(1), e.PublisherKey)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(1)
	require.Equal(t, 1, bus.Listeners())

	unsub()
	unsub()

	assert.Equal(t, 0, bus.Listeners())
	_, open := <-ch
	assert.False(t, open, "channel should be closed after unsubscribe")

	bus.Publish(SubscriptionChanged{PublisherKey: 1})
}
