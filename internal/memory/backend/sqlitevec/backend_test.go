package sqlitevec

import (
	"context"
	"testing"

	"github.com/pocketpaw/pocketpaw/pkg/models"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSaveThenGetRoundTrips(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	entry := &models.MemoryEntry{Type: models.MemoryTypeLongTerm, Content: "likes tea", Tags: []string{"preference"}}
	if err := b.Save(ctx, entry); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if entry.ID == "" {
		t.Fatal("Save did not assign an ID")
	}

	got, err := b.Get(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != "likes tea" {
		t.Errorf("Content = %q, want %q", got.Content, "likes tea")
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	entry := &models.MemoryEntry{Type: models.MemoryTypeDaily, Content: "standup notes"}
	if err := b.Save(ctx, entry); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := b.Delete(ctx, entry.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := b.Get(ctx, entry.ID); err == nil {
		t.Fatal("expected Get to fail after Delete")
	}
}

func TestSearchFallsBackToSubstringWithoutEmbedder(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	for _, e := range []*models.MemoryEntry{
		{Type: models.MemoryTypeLongTerm, Content: "enjoys hiking"},
		{Type: models.MemoryTypeLongTerm, Content: "works remotely"},
	} {
		if err := b.Save(ctx, e); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	results, err := b.Search(ctx, "hiking", models.MemoryTypeLongTerm, nil, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Content != "enjoys hiking" {
		t.Fatalf("Search = %+v, want single hiking entry", results)
	}
}

func TestGetByTypeRespectsLimit(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Save(ctx, &models.MemoryEntry{Type: models.MemoryTypeDaily, Content: "note"}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	got, err := b.GetByType(ctx, models.MemoryTypeDaily, 2)
	if err != nil {
		t.Fatalf("GetByType: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetByType returned %d entries, want 2", len(got))
	}
}

func TestSessionLifecycle(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		entry := &models.MemoryEntry{Type: models.MemoryTypeSession, SessionKey: "chat-9", Role: "user", Content: "hi"}
		if err := b.Save(ctx, entry); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	session, err := b.GetSession(ctx, "chat-9")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(session) != 2 {
		t.Fatalf("GetSession returned %d entries, want 2", len(session))
	}

	if err := b.ClearSession(ctx, "chat-9"); err != nil {
		t.Fatalf("ClearSession: %v", err)
	}
	session, err = b.GetSession(ctx, "chat-9")
	if err != nil {
		t.Fatalf("GetSession after clear: %v", err)
	}
	if len(session) != 0 {
		t.Fatalf("GetSession after ClearSession = %+v, want empty", session)
	}
}

func TestEncodeDecodeEmbeddingRoundTrips(t *testing.T) {
	original := []float32{0.1, 0.2, -0.5, 1.0, 0.0}
	decoded := decodeEmbedding(encodeEmbedding(original))
	if len(decoded) != len(original) {
		t.Fatalf("decoded length = %d, want %d", len(decoded), len(original))
	}
	for i := range original {
		if decoded[i] != original[i] {
			t.Errorf("decoded[%d] = %f, want %f", i, decoded[i], original[i])
		}
	}

	if encodeEmbedding(nil) != nil {
		t.Error("expected nil for empty embedding")
	}
	if decodeEmbedding([]byte{1, 2, 3}) != nil {
		t.Error("expected nil for invalid-length input")
	}
}

func TestCosineSimilarity(t *testing.T) {
	identical := cosineSimilarity([]float32{1, 0, 0}, []float32{1, 0, 0})
	if identical < 0.99 || identical > 1.01 {
		t.Errorf("identical vectors similarity = %f, want ~1.0", identical)
	}

	orthogonal := cosineSimilarity([]float32{1, 0, 0}, []float32{0, 1, 0})
	if orthogonal < -0.01 || orthogonal > 0.01 {
		t.Errorf("orthogonal vectors similarity = %f, want ~0.0", orthogonal)
	}

	if cosineSimilarity([]float32{1, 0}, []float32{1, 0, 0}) != 0 {
		t.Error("mismatched lengths should return 0")
	}
	if cosineSimilarity([]float32{0, 0, 0}, []float32{1, 0, 0}) != 0 {
		t.Error("zero vector should return 0")
	}
}
