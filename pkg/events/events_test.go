package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBrokerDeliversToSubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventTransitionStarted, Message: "starting init->single"})

	select {
	case e := <-sub:
		require.Equal(t, EventTransitionStarted, e.Type)
		require.Equal(t, "starting init->single", e.Message)
		require.False(t, e.Timestamp.IsZero(), "Publish must stamp a missing timestamp")
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBrokerFanOut(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	first := b.Subscribe()
	second := b.Subscribe()
	defer b.Unsubscribe(first)
	defer b.Unsubscribe(second)
	require.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{Type: EventPartitionTimeout})

	for _, sub := range []Subscriber{first, second} {
		select {
		case e := <-sub:
			require.Equal(t, EventPartitionTimeout, e.Type)
		case <-time.After(2 * time.Second):
			t.Fatal("event not delivered to every subscriber")
		}
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	require.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub
	require.False(t, ok, "unsubscribed channel must be closed")
}

func TestBrokerSkipsFullSubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	// Never drain; the broker must keep accepting publishes without
	// blocking once the subscriber's buffer fills.
	for i := 0; i < 200; i++ {
		b.Publish(&Event{Type: EventMonitorContact})
	}
}
