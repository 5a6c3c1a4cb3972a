package filestore

import (
	"context"
	"testing"
	"time"

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

func TestSaveThenGetRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := &models.MemoryEntry{
		Type:    models.MemoryTypeLongTerm,
		Content: "the user prefers dark mode",
		Tags:    []string{"preference"},
	}
	if err := s.Save(ctx, entry); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if entry.ID == "" {
		t.Fatal("Save did not assign an ID")
	}

	got, err := s.Get(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != entry.Content {
		t.Errorf("Content = %q, want %q", got.Content, entry.Content)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "preference" {
		t.Errorf("Tags = %v, want [preference]", got.Tags)
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := &models.MemoryEntry{Type: models.MemoryTypeDaily, Content: "met with Alice"}
	if err := s.Save(ctx, entry); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete(ctx, entry.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, entry.ID); err == nil {
		t.Fatal("expected Get to fail after Delete")
	}
}

func TestSearchFiltersByQueryAndTags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, e := range []*models.MemoryEntry{
		{Type: models.MemoryTypeLongTerm, Content: "likes espresso", Tags: []string{"preference"}},
		{Type: models.MemoryTypeLongTerm, Content: "works at Acme Corp", Tags: []string{"fact"}},
	} {
		if err := s.Save(ctx, e); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	results, err := s.Search(ctx, "espresso", models.MemoryTypeLongTerm, nil, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Content != "likes espresso" {
		t.Fatalf("Search by query = %+v, want single espresso entry", results)
	}

	byTag, err := s.Search(ctx, "", "", []string{"fact"}, 10)
	if err != nil {
		t.Fatalf("Search by tag: %v", err)
	}
	if len(byTag) != 1 || byTag[0].Content != "works at Acme Corp" {
		t.Fatalf("Search by tag = %+v, want single fact entry", byTag)
	}
}

func TestGetByTypeOrdersMostRecentFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &models.MemoryEntry{Type: models.MemoryTypeDaily, Content: "older", CreatedAt: time.Now().Add(-time.Hour)}
	second := &models.MemoryEntry{Type: models.MemoryTypeDaily, Content: "newer", CreatedAt: time.Now()}
	if err := s.Save(ctx, first); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, second); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.GetByType(ctx, models.MemoryTypeDaily, 1)
	if err != nil {
		t.Fatalf("GetByType: %v", err)
	}
	if len(got) != 1 || got[0].Content != "newer" {
		t.Fatalf("GetByType = %+v, want [newer]", got)
	}
}

func TestSessionIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		msg := &models.MemoryEntry{
			Type:       models.MemoryTypeSession,
			SessionKey: "session-1",
			Role:       "user",
			Content:    "turn",
		}
		if err := s.Save(ctx, msg); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	reopened, err := New(dir)
	if err != nil {
		t.Fatalf("reopen New: %v", err)
	}
	session, err := reopened.GetSession(ctx, "session-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(session) != 3 {
		t.Fatalf("GetSession returned %d entries, want 3", len(session))
	}
}

func TestClearSessionRemovesAllEntriesAndIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, &models.MemoryEntry{Type: models.MemoryTypeSession, SessionKey: "session-2", Content: "hi"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.ClearSession(ctx, "session-2"); err != nil {
		t.Fatalf("ClearSession: %v", err)
	}

	session, err := s.GetSession(ctx, "session-2")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(session) != 0 {
		t.Fatalf("GetSession after ClearSession = %+v, want empty", session)
	}
}
