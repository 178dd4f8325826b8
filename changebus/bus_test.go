package changebus

import (
	"testing"
	"time"

	"github.com/andfish/truckdb/obslog"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New(obslog.Noop{})
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.Publish(Event{TruckID: "t1", BoxID: "users", Op: OpPut, Tag: "u1"})

	select {
	case evt := <-ch:
		require.Equal(t, OpPut, evt.Op)
		require.Equal(t, "u1", evt.Tag)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(obslog.Noop{})
	ch, unsubscribe := b.Subscribe()
	unsubscribe()

	b.Publish(Event{TruckID: "t1", BoxID: "users", Op: OpPut, Tag: "u1"})

	_, ok := <-ch
	require.False(t, ok)
}

func TestSlowSubscriberDropsRatherThanBlocks(t *testing.T) {
	b := New(obslog.Noop{})
	_, unsubscribe := b.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < DefaultSubscriberBuffer*2; i++ {
			b.Publish(Event{TruckID: "t1", BoxID: "b", Op: OpPut, Tag: "t"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber queue")
	}
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	b := New(obslog.Noop{})
	ch1, unsub1 := b.Subscribe()
	ch2, unsub2 := b.Subscribe()
	defer unsub1()
	defer unsub2()

	require.Equal(t, 2, b.SubscriberCount())
	b.Publish(Event{TruckID: "t1", BoxID: "b", Op: OpDelete, Tag: "t"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			require.Equal(t, OpDelete, evt.Op)
		case <-time.After(time.Second):
			t.Fatal("event not delivered to all subscribers")
		}
	}
}
