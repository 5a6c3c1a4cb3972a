package channels

import (
	"context"
	"testing"
	"time"

	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

func TestChatIDRoundTrips(t *testing.T) {
	chatID := ChatID(models.ChannelTelegram, "12345")
	if chatID != "telegram:12345" {
		t.Fatalf("ChatID = %q, want %q", chatID, "telegram:12345")
	}
	native, ok := SplitChatID(models.ChannelTelegram, chatID)
	if !ok || native != "12345" {
		t.Fatalf("SplitChatID = (%q, %v), want (12345, true)", native, ok)
	}
	if _, ok := SplitChatID(models.ChannelDiscord, chatID); ok {
		t.Fatal("SplitChatID should reject a chat_id from a different channel")
	}
}

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry()
	a := &fakeAdapter{channelType: models.ChannelTelegram}
	reg.Register(a)

	got, ok := reg.Get(models.ChannelTelegram)
	if !ok || got != a {
		t.Fatal("Get did not return the registered adapter")
	}
	if len(reg.All()) != 1 {
		t.Fatalf("All() = %d adapters, want 1", len(reg.All()))
	}

	if err := reg.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if !a.started {
		t.Fatal("StartAll did not start the adapter")
	}
	if err := reg.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if !a.stopped {
		t.Fatal("StopAll did not stop the adapter")
	}
}

func TestRelayOnlyForwardsMatchingChannel(t *testing.T) {
	b := bus.New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan string, 4)
	go Relay(ctx, b, models.ChannelTelegram, nil, func(_ context.Context, nativeChatID string, msg *models.OutboundMessage) error {
		received <- nativeChatID
		return nil
	})

	b.Publish(bus.TopicOutbound, ChatID(models.ChannelDiscord, "999"), &models.OutboundMessage{Content: "ignore me"})
	b.Publish(bus.TopicOutbound, ChatID(models.ChannelTelegram, "42"), &models.OutboundMessage{Content: "hi"})

	select {
	case nativeChatID := <-received:
		if nativeChatID != "42" {
			t.Fatalf("relayed chat_id = %q, want 42", nativeChatID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for relayed message")
	}

	select {
	case nativeChatID := <-received:
		t.Fatalf("unexpected second relay for chat_id %q", nativeChatID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishWrapsInboundMessage(t *testing.T) {
	b := bus.New()
	defer b.Close()

	ch, unsubscribe := b.Subscribe(bus.TopicInbound)
	defer unsubscribe()

	Publish(b, models.ChannelSlack, "U1", "C1", "hello", map[string]any{"k": "v"})

	select {
	case env := <-ch:
		in, ok := env.Payload.(*models.InboundMessage)
		if !ok {
			t.Fatalf("payload type = %T, want *models.InboundMessage", env.Payload)
		}
		if in.Channel != models.ChannelSlack || in.SenderID != "U1" || in.Content != "hello" {
			t.Fatalf("unexpected InboundMessage: %+v", in)
		}
		if in.ChatID != "slack:C1" {
			t.Fatalf("ChatID = %q, want slack:C1", in.ChatID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

type fakeAdapter struct {
	channelType models.ChannelType
	started     bool
	stopped     bool
}

func (f *fakeAdapter) Type() models.ChannelType { return f.channelType }
func (f *fakeAdapter) Start(ctx context.Context) error {
	f.started = true
	return nil
}
func (f *fakeAdapter) Stop(ctx context.Context) error {
	f.stopped = true
	return nil
}
