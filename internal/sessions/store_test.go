package sessions

import (
	"context"
	"testing"

	"github.com/pocketpaw/pocketpaw/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestAppendThenHistoryRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chatID := "telegram:123"
	msg := &models.Message{
		ID:        "m1",
		SessionID: chatID,
		Channel:   models.ChannelTelegram,
		Role:      models.RoleUser,
		Content:   "hello",
	}
	if err := s.Append(ctx, msg); err != nil {
		t.Fatalf("Append: %v", err)
	}

	history, err := s.History(ctx, chatID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].Content != "hello" {
		t.Fatalf("History = %+v, want one message with content %q", history, "hello")
	}
}

func TestHistoryUnknownChatIDReturnsEmpty(t *testing.T) {
	s := newTestStore(t)
	history, err := s.History(context.Background(), "discord:999")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("History = %+v, want empty", history)
	}
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.GetOrCreate(ctx, "slack:abc", models.ChannelSlack, "agent-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	second, err := s.GetOrCreate(ctx, "slack:abc", models.ChannelSlack, "agent-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("GetOrCreate returned different sessions for the same chat_id: %q vs %q", first.ID, second.ID)
	}
}

func TestDeleteRemovesSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.GetOrCreate(ctx, "webhook:x", models.ChannelWebhook, "")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := s.Delete(sess.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(sess.ID); err != ErrNotFound {
		t.Fatalf("Get after Delete = %v, want ErrNotFound", err)
	}

	list, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("List after Delete = %+v, want empty", list)
	}
}

func TestSearchMatchesKeySubstring(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetOrCreate(ctx, "telegram:support-42", models.ChannelTelegram, ""); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if _, err := s.GetOrCreate(ctx, "discord:general", models.ChannelDiscord, ""); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	results, err := s.Search("support")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Key != "telegram:support-42" {
		t.Fatalf("Search(%q) = %+v, want one match on telegram:support-42", "support", results)
	}
}
