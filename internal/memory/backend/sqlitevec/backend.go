// Package sqlitevec is the optional vector-backed memory backend. It
// implements the same save/get/delete/search/get_by_type/get_session/
// clear_session protocol as the default file-backed store, using
// modernc.org/sqlite for storage and, when an embedding provider is
// configured, cosine similarity over stored embeddings for search.
//
// Without an embedding provider (or when embedding a query fails) Search
// falls back to a substring/tag match over stored content, exactly like
// the file-backed store, so callers never need to know which backend is
// active.
package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pocketpaw/pocketpaw/internal/memory/embeddings"
	"github.com/pocketpaw/pocketpaw/pkg/models"
	_ "modernc.org/sqlite"
)

// Backend is the sqlite-vec memory backend.
type Backend struct {
	db       *sql.DB
	embedder embeddings.Provider // optional; nil disables semantic ranking
}

// Config contains configuration for the sqlite-vec backend.
type Config struct {
	Path     string // Path to the SQLite database file; ":memory:" for ephemeral use
	Embedder embeddings.Provider
}

// New opens (creating if needed) a sqlite-vec backend.
func New(cfg Config) (*Backend, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlitevec: open database: %w", err)
	}

	b := &Backend{db: db, embedder: cfg.Embedder}
	if err := b.init(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) init() error {
	_, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			tags TEXT,
			metadata TEXT,
			role TEXT,
			session_key TEXT,
			embedding BLOB,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("sqlitevec: create memories table: %w", err)
	}
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type)",
		"CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_key)",
	}
	for _, idx := range indexes {
		if _, err := b.db.Exec(idx); err != nil {
			return fmt.Errorf("sqlitevec: create index: %w", err)
		}
	}
	return nil
}

// Save inserts or replaces entry, embedding its content when an embedder
// is configured.
func (b *Backend) Save(ctx context.Context, entry *models.MemoryEntry) error {
	if entry.Type == "" {
		return fmt.Errorf("sqlitevec: entry type is required")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.UpdatedAt = time.Now()

	var embedding []byte
	if b.embedder != nil {
		vec, err := b.embedder.Embed(ctx, entry.Content)
		if err == nil {
			embedding = encodeEmbedding(vec)
		}
		// Embedding is best-effort: a provider error just leaves this
		// entry unembedded, falling back to substring search for it.
	}

	tags, err := json.Marshal(entry.Tags)
	if err != nil {
		return fmt.Errorf("sqlitevec: marshal tags: %w", err)
	}
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("sqlitevec: marshal metadata: %w", err)
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO memories (id, type, content, tags, metadata, role, session_key, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type=excluded.type, content=excluded.content, tags=excluded.tags,
			metadata=excluded.metadata, role=excluded.role, session_key=excluded.session_key,
			embedding=excluded.embedding, updated_at=excluded.updated_at
	`, entry.ID, string(entry.Type), entry.Content, string(tags), string(metadata),
		entry.Role, entry.SessionKey, embedding, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sqlitevec: save entry: %w", err)
	}
	return nil
}

// Get loads a single entry by ID.
func (b *Backend) Get(ctx context.Context, id string) (*models.MemoryEntry, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, type, content, tags, metadata, role, session_key, created_at, updated_at
		FROM memories WHERE id = ?`, id)
	entry, _, err := scanEntry(row)
	if err != nil {
		return nil, fmt.Errorf("sqlitevec: get entry %s: %w", id, err)
	}
	return entry, nil
}

// Delete removes a single entry by ID.
func (b *Backend) Delete(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("sqlitevec: delete entry %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlitevec: entry %s not found", id)
	}
	return nil
}

// Search ranks candidates by cosine similarity against an embedded query
// when a provider is configured and embedding succeeds; otherwise it
// falls back to a substring/tag match, identical in spirit to the
// file-backed store's Search.
func (b *Backend) Search(ctx context.Context, query string, typ models.MemoryType, tags []string, limit int) ([]*models.MemoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}

	candidates, embeddings, err := b.candidates(ctx, typ)
	if err != nil {
		return nil, err
	}

	var queryEmbed []float32
	if b.embedder != nil && query != "" {
		if vec, err := b.embedder.Embed(ctx, query); err == nil {
			queryEmbed = vec
		}
	}

	type scored struct {
		entry *models.MemoryEntry
		score float32
	}
	var results []scored
	for i, entry := range candidates {
		if len(tags) > 0 && !hasAnyTag(entry.Tags, tags) {
			continue
		}
		if queryEmbed != nil && len(embeddings[i]) > 0 {
			results = append(results, scored{entry: entry, score: cosineSimilarity(queryEmbed, embeddings[i])})
			continue
		}
		if query == "" || strings.Contains(strings.ToLower(entry.Content), strings.ToLower(query)) {
			results = append(results, scored{entry: entry, score: 0})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].entry.CreatedAt.After(results[j].entry.CreatedAt)
	})
	if len(results) > limit {
		results = results[:limit]
	}

	out := make([]*models.MemoryEntry, len(results))
	for i, r := range results {
		out[i] = r.entry
	}
	return out, nil
}

// GetByType returns up to limit entries of typ, most recent first.
func (b *Backend) GetByType(ctx context.Context, typ models.MemoryType, limit int) ([]*models.MemoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, type, content, tags, metadata, role, session_key, created_at, updated_at
		FROM memories WHERE type = ? ORDER BY created_at DESC LIMIT ?`, string(typ), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlitevec: get by type: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// GetSession returns every entry for a session key, in the order captured.
func (b *Backend) GetSession(ctx context.Context, key string) ([]*models.MemoryEntry, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, type, content, tags, metadata, role, session_key, created_at, updated_at
		FROM memories WHERE session_key = ? ORDER BY created_at ASC`, key)
	if err != nil {
		return nil, fmt.Errorf("sqlitevec: get session: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ClearSession deletes every entry belonging to a session key.
func (b *Backend) ClearSession(ctx context.Context, key string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM memories WHERE session_key = ?", key)
	if err != nil {
		return fmt.Errorf("sqlitevec: clear session: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) candidates(ctx context.Context, typ models.MemoryType) ([]*models.MemoryEntry, [][]float32, error) {
	query := `SELECT id, type, content, tags, metadata, role, session_key, embedding, created_at, updated_at FROM memories`
	args := []any{}
	if typ != "" {
		query += " WHERE type = ?"
		args = append(args, string(typ))
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlitevec: query candidates: %w", err)
	}
	defer rows.Close()

	var entries []*models.MemoryEntry
	var vecs [][]float32
	for rows.Next() {
		entry, embeddingBlob, err := scanEntryWithEmbedding(rows)
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, entry)
		vecs = append(vecs, decodeEmbedding(embeddingBlob))
	}
	return entries, vecs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*models.MemoryEntry, []byte, error) {
	var entry models.MemoryEntry
	var tagsJSON, metadataJSON, role, sessionKey sql.NullString

	err := row.Scan(&entry.ID, &entry.Type, &entry.Content, &tagsJSON, &metadataJSON,
		&role, &sessionKey, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return nil, nil, err
	}
	applyScanned(&entry, tagsJSON, metadataJSON, role, sessionKey)
	return &entry, nil, nil
}

func scanEntryWithEmbedding(row rowScanner) (*models.MemoryEntry, []byte, error) {
	var entry models.MemoryEntry
	var tagsJSON, metadataJSON, role, sessionKey sql.NullString
	var embeddingBlob []byte

	err := row.Scan(&entry.ID, &entry.Type, &entry.Content, &tagsJSON, &metadataJSON,
		&role, &sessionKey, &embeddingBlob, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlitevec: scan row: %w", err)
	}
	applyScanned(&entry, tagsJSON, metadataJSON, role, sessionKey)
	return &entry, embeddingBlob, nil
}

func applyScanned(entry *models.MemoryEntry, tagsJSON, metadataJSON, role, sessionKey sql.NullString) {
	entry.Role = role.String
	entry.SessionKey = sessionKey.String
	if tagsJSON.Valid && tagsJSON.String != "" {
		_ = json.Unmarshal([]byte(tagsJSON.String), &entry.Tags)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		_ = json.Unmarshal([]byte(metadataJSON.String), &entry.Metadata)
	}
}

func scanEntries(rows *sql.Rows) ([]*models.MemoryEntry, error) {
	var entries []*models.MemoryEntry
	for rows.Next() {
		entry, _, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlitevec: scan row: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func hasAnyTag(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

// encodeEmbedding converts []float32 to bytes for storage (IEEE 754, little-endian).
func encodeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	data := make([]byte, len(embedding)*4)
	for i, f := range embedding {
		bits := math.Float32bits(f)
		data[i*4] = byte(bits)
		data[i*4+1] = byte(bits >> 8)
		data[i*4+2] = byte(bits >> 16)
		data[i*4+3] = byte(bits >> 24)
	}
	return data
}

// decodeEmbedding converts bytes back to []float32.
func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		bits := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		embedding[i] = math.Float32frombits(bits)
	}
	return embedding
}

// cosineSimilarity calculates the cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dotProduct, normA, normB float32
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dotProduct / (sqrt32(normA) * sqrt32(normB))
}

func sqrt32(x float32) float32 {
	if x <= 0 {
		return 0
	}
	z := x
	for i := 0; i < 10; i++ {
		z = (z + x/z) / 2
	}
	return z
}
