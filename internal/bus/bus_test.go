package bus

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestPublishReachesSubscribers(t *testing.T) {
	b := New()
	got := make(chan Event, 1)
	b.Subscribe(TopicJobProgress, func(e Event) { got <- e })

	b.Publish(TopicJobProgress, "payload")

	select {
	case e := <-got:
		if e.Topic != TopicJobProgress || e.Data != "payload" {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	var calls atomic.Int32
	id := b.Subscribe(TopicJobList, func(Event) { calls.Add(1) })

	if !b.Unsubscribe(id) {
		t.Fatal("Unsubscribe returned false")
	}
	b.Publish(TopicJobList, nil)

	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 0 {
		t.Errorf("unsubscribed handler ran %d times", calls.Load())
	}
	if b.Subscribers(TopicJobList) != 0 {
		t.Errorf("subscriber count = %d", b.Subscribers(TopicJobList))
	}
}

func TestPanickingHandlerDoesNotAffectOthers(t *testing.T) {
	b := New()
	got := make(chan struct{}, 1)
	b.Subscribe(TopicJobProgress, func(Event) { panic("boom") })
	b.Subscribe(TopicJobProgress, func(Event) { got <- struct{}{} })

	b.Publish(TopicJobProgress, nil)

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("second handler never ran after first panicked")
	}
}
