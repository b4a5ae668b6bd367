package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"innkeep/internal/channel"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: TypeDeliverySent, Outcome: DeliveryOutcome{
		RequestID: "r1",
		Channel:   channel.Email,
		Recipient: "front@desk",
		Attempts:  1,
	}})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			assert.Equal(t, TypeDeliverySent, e.Type)
			assert.Equal(t, "r1", e.Outcome.RequestID)
			assert.False(t, e.Time.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestPublishDropsWhenSubscriberBufferIsFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeDeliverySent, Outcome: DeliveryOutcome{RequestID: "keep"}})
	// Buffer full: this one must be dropped without blocking.
	done := make(chan struct{})
	go func() {
		b.Publish(Event{Type: TypeDeliveryFailed, Outcome: DeliveryOutcome{RequestID: "drop"}})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	e := <-ch
	assert.Equal(t, "keep", e.Outcome.RequestID)
	select {
	case e := <-ch:
		t.Fatalf("unexpected second event %q", e.Outcome.RequestID)
	default:
	}
}

func TestUnsubscribeClosesChannelAndIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	_, open := <-ch
	require.False(t, open)

	// Publishing after unsubscribe must not panic on the closed channel.
	b.Publish(Event{Type: TypeDeliverySent})
}
