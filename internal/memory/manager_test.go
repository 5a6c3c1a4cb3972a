package memory

import (
	"context"
	"testing"

	"github.com/pocketpaw/pocketpaw/pkg/models"
)

func TestNewManagerDisabledReturnsNil(t *testing.T) {
	m, err := NewManager(nil)
	if err != nil || m != nil {
		t.Fatalf("NewManager(nil) = (%v, %v), want (nil, nil)", m, err)
	}

	m, err = NewManager(&Config{Enabled: false})
	if err != nil || m != nil {
		t.Fatalf("NewManager(disabled) = (%v, %v), want (nil, nil)", m, err)
	}
}

func TestNewManagerDefaultsToFileBackend(t *testing.T) {
	m, err := NewManager(&Config{Enabled: true, Path: t.TempDir()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	ctx := context.Background()
	entry := &models.MemoryEntry{Type: models.MemoryTypeLongTerm, Content: "remembers this"}
	if err := m.Save(ctx, entry); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := m.Get(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != entry.Content {
		t.Errorf("Content = %q, want %q", got.Content, entry.Content)
	}
}

func TestNewManagerSQLiteVecBackend(t *testing.T) {
	m, err := NewManager(&Config{Enabled: true, Backend: "sqlite-vec"})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	ctx := context.Background()
	entry := &models.MemoryEntry{Type: models.MemoryTypeDaily, Content: "daily note"}
	if err := m.Save(ctx, entry); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := m.GetByType(ctx, models.MemoryTypeDaily, 10)
	if err != nil {
		t.Fatalf("GetByType: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("GetByType returned %d entries, want 1", len(got))
	}
}

func TestNewManagerUnknownBackendErrors(t *testing.T) {
	_, err := NewManager(&Config{Enabled: true, Backend: "dynamodb"})
	if err == nil {
		t.Fatal("expected an error for an unknown backend")
	}
}

func TestClearSessionThroughManager(t *testing.T) {
	m, err := NewManager(&Config{Enabled: true, Path: t.TempDir()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	ctx := context.Background()
	if err := m.Save(ctx, &models.MemoryEntry{Type: models.MemoryTypeSession, SessionKey: "s-1", Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := m.ClearSession(ctx, "s-1"); err != nil {
		t.Fatalf("ClearSession: %v", err)
	}
	session, err := m.GetSession(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(session) != 0 {
		t.Fatalf("GetSession after ClearSession = %+v, want empty", session)
	}
}
