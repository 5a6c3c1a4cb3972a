package bus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe(TopicInbound)
	defer unsubscribe()

	b.Publish(TopicInbound, "chat-1", "hello")

	select {
	case env := <-ch:
		if env.ChatID != "chat-1" || env.Payload != "hello" {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("expected envelope to be delivered")
	}
}

func TestPublishPreservesPerChatOrdering(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe(TopicOutbound)
	defer unsubscribe()

	for i := 0; i < 20; i++ {
		b.Publish(TopicOutbound, "chat-a", i)
	}

	for i := 0; i < 20; i++ {
		select {
		case env := <-ch:
			if env.Payload != i {
				t.Fatalf("expected payload %d, got %v", i, env.Payload)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestDifferentChatsDoNotBlockEachOther(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe(TopicSystemEvents)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < queueCapacity*2; i++ {
			b.Publish(TopicSystemEvents, "chat-busy", i)
		}
		close(done)
	}()

	b.Publish(TopicSystemEvents, "chat-quiet", "fast")

	found := false
	deadline := time.After(2 * time.Second)
	for !found {
		select {
		case env := <-ch:
			if env.ChatID == "chat-quiet" {
				found = true
			}
		case <-deadline:
			t.Fatal("expected chat-quiet message to arrive without waiting on chat-busy's backlog")
		}
	}

	// drain the rest so the goroutine above can finish.
	for {
		select {
		case <-ch:
		case <-done:
			return
		case <-time.After(2 * time.Second):
			t.Fatal("producer goroutine never finished")
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe(TopicInbound)
	unsubscribe()

	b.Publish(TopicInbound, "chat-1", "should not arrive")

	select {
	case env, ok := <-ch:
		if ok {
			t.Fatalf("expected no delivery after unsubscribe, got %+v", env)
		}
	case <-time.After(100 * time.Millisecond):
		// no delivery within the window, as expected.
	}
}

func TestCloseDrainsPendingEnvelopes(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe(TopicInbound)
	defer unsubscribe()

	b.Publish(TopicInbound, "chat-1", "last message")
	b.Close()

	select {
	case env := <-ch:
		if env.Payload != "last message" {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("expected pending envelope to be drained before Close returns")
	}
}

func TestCollectReportsPublishCountAndQueueDepth(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe(TopicInbound)
	defer unsubscribe()

	b.Publish(TopicInbound, "chat-1", "one")
	b.Publish(TopicInbound, "chat-1", "two")

	if n := testutil.CollectAndCount(b); n == 0 {
		t.Fatal("expected Collect to report at least one metric after publishing")
	}

	<-ch
	<-ch
}
