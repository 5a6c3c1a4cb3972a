// Package memory implements the three-type memory protocol (long-term,
// daily, session) shared across every memory store: save, get, delete,
// search, get_by_type, get_session, clear_session. Manager is the single
// entry point callers use; which Backend is behind it is invisible to
// them.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/pocketpaw/pocketpaw/internal/memory/backend/sqlitevec"
	"github.com/pocketpaw/pocketpaw/internal/memory/embeddings"
	"github.com/pocketpaw/pocketpaw/internal/memory/embeddings/ollama"
	"github.com/pocketpaw/pocketpaw/internal/memory/embeddings/openai"
	"github.com/pocketpaw/pocketpaw/internal/memory/filestore"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// Backend is the storage protocol every memory backend implements. The
// file-backed store (internal/memory/filestore) is the default; the
// sqlite-vec backend (internal/memory/backend/sqlitevec) is an optional
// vector-backed alternative that the spec leaves unspecified beyond
// "exists, best-effort".
type Backend interface {
	Save(ctx context.Context, entry *models.MemoryEntry) error
	Get(ctx context.Context, id string) (*models.MemoryEntry, error)
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, query string, typ models.MemoryType, tags []string, limit int) ([]*models.MemoryEntry, error)
	GetByType(ctx context.Context, typ models.MemoryType, limit int) ([]*models.MemoryEntry, error)
	GetSession(ctx context.Context, key string) ([]*models.MemoryEntry, error)
	ClearSession(ctx context.Context, key string) error
	Close() error
}

// Config configures the memory manager.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Backend string `yaml:"backend"` // "file" (default) or "sqlite-vec"
	Path    string `yaml:"path"`    // file backend root dir, or sqlite-vec DB path

	Embeddings EmbeddingsConfig `yaml:"embeddings"`

	Indexing IndexingConfig `yaml:"indexing"`
	Search   SearchConfig   `yaml:"search"`
}

// EmbeddingsConfig configures the optional embedding provider used by the
// sqlite-vec backend for semantic search. Left unset, sqlite-vec falls
// back to substring search exactly like the file backend.
type EmbeddingsConfig struct {
	Provider  string `yaml:"provider"` // openai, ollama
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	OllamaURL string `yaml:"ollama_url"`
}

// IndexingConfig controls automatic memory capture behavior (see hooks.go).
type IndexingConfig struct {
	AutoIndexMessages bool `yaml:"auto_index_messages"`
	MinContentLength  int  `yaml:"min_content_length"`
}

// SearchConfig contains default search parameters.
type SearchConfig struct {
	DefaultLimit int `yaml:"default_limit"`
}

// Manager coordinates memory storage and retrieval behind a single Backend.
type Manager struct {
	backend Backend

	configMu sync.RWMutex
	config   *Config
}

// Settings is the subset of Config exposed for runtime inspection and
// adjustment over HTTP, excluding the backend/path/embeddings fields fixed
// at construction time.
type Settings struct {
	AutoIndexMessages bool `json:"auto_index_messages"`
	MinContentLength  int  `json:"min_content_length"`
	DefaultSearchLimit int `json:"default_search_limit"`
}

// Settings returns the manager's current runtime-adjustable settings.
func (m *Manager) Settings() Settings {
	m.configMu.RLock()
	defer m.configMu.RUnlock()
	return Settings{
		AutoIndexMessages:  m.config.Indexing.AutoIndexMessages,
		MinContentLength:   m.config.Indexing.MinContentLength,
		DefaultSearchLimit: m.config.Search.DefaultLimit,
	}
}

// UpdateSettings applies new runtime-adjustable settings, leaving the
// backend and embeddings configuration untouched.
func (m *Manager) UpdateSettings(s Settings) {
	m.configMu.Lock()
	defer m.configMu.Unlock()
	m.config.Indexing.AutoIndexMessages = s.AutoIndexMessages
	if s.MinContentLength > 0 {
		m.config.Indexing.MinContentLength = s.MinContentLength
	}
	if s.DefaultSearchLimit > 0 {
		m.config.Search.DefaultLimit = s.DefaultSearchLimit
	}
}

// NewManager builds a Manager from cfg. A disabled or nil config returns
// (nil, nil): callers treat a nil *Manager as "memory is off".
func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	if cfg.Search.DefaultLimit == 0 {
		cfg.Search.DefaultLimit = 10
	}
	if cfg.Indexing.MinContentLength == 0 {
		cfg.Indexing.MinContentLength = 10
	}

	var b Backend
	var err error
	switch cfg.Backend {
	case "sqlite-vec", "sqlite":
		emb, embErr := buildEmbedder(cfg.Embeddings)
		if embErr != nil {
			return nil, fmt.Errorf("memory: embedder: %w", embErr)
		}
		b, err = sqlitevec.New(sqlitevec.Config{Path: cfg.Path, Embedder: emb})
	case "file", "":
		b, err = filestore.New(cfg.Path)
	default:
		return nil, fmt.Errorf("memory: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("memory: init backend: %w", err)
	}

	return &Manager{backend: b, config: cfg}, nil
}

// buildEmbedder returns nil, nil when no provider is configured: the
// sqlite-vec backend treats a nil embedder as "substring search only".
func buildEmbedder(cfg EmbeddingsConfig) (embeddings.Provider, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "openai":
		return openai.New(openai.Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model})
	case "ollama":
		return ollama.New(ollama.Config{BaseURL: cfg.OllamaURL, Model: cfg.Model})
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}

// Save creates or overwrites a memory entry.
func (m *Manager) Save(ctx context.Context, entry *models.MemoryEntry) error {
	return m.backend.Save(ctx, entry)
}

// Get loads a single entry by ID.
func (m *Manager) Get(ctx context.Context, id string) (*models.MemoryEntry, error) {
	return m.backend.Get(ctx, id)
}

// Delete removes a single entry by ID.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.backend.Delete(ctx, id)
}

// Search finds entries matching query/type/tags, most relevant first.
func (m *Manager) Search(ctx context.Context, query string, typ models.MemoryType, tags []string, limit int) ([]*models.MemoryEntry, error) {
	if limit <= 0 {
		limit = m.config.Search.DefaultLimit
	}
	return m.backend.Search(ctx, query, typ, tags, limit)
}

// GetByType returns up to limit entries of typ, most recent first.
func (m *Manager) GetByType(ctx context.Context, typ models.MemoryType, limit int) ([]*models.MemoryEntry, error) {
	if limit <= 0 {
		limit = m.config.Search.DefaultLimit
	}
	return m.backend.GetByType(ctx, typ, limit)
}

// GetSession returns every entry for a session key, in capture order.
func (m *Manager) GetSession(ctx context.Context, key string) ([]*models.MemoryEntry, error) {
	return m.backend.GetSession(ctx, key)
}

// ClearSession deletes every entry belonging to a session key.
func (m *Manager) ClearSession(ctx context.Context, key string) error {
	return m.backend.ClearSession(ctx, key)
}

// Close releases the underlying backend's resources.
func (m *Manager) Close() error {
	return m.backend.Close()
}
