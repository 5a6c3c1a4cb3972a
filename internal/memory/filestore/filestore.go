// Package filestore is the default memory backend: each entry is one JSON
// file under a type-partitioned directory tree, with a separate session
// index for listing a session's entries without scanning the whole tree.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// Store persists memory entries as JSON files rooted at Dir.
//
// Layout:
//
//	<dir>/long_term/<id>.json
//	<dir>/daily/<id>.json
//	<dir>/session/<id>.json
//	<dir>/session/index.json   -- session_key -> ordered entry IDs
type Store struct {
	dir string
	mu  sync.Mutex

	// idx caches the session index in memory; it is the authoritative
	// copy, flushed to disk on every mutation.
	idx sessionIndex
}

type sessionIndex struct {
	// Sessions maps a session key to the ordered IDs of its entries.
	Sessions map[string][]string `json:"sessions"`
}

// New creates or opens a file-backed store rooted at dir.
func New(dir string) (*Store, error) {
	if dir == "" {
		dir = "memory"
	}
	for _, typ := range []models.MemoryType{models.MemoryTypeLongTerm, models.MemoryTypeDaily, models.MemoryTypeSession} {
		if err := os.MkdirAll(filepath.Join(dir, string(typ)), 0o755); err != nil {
			return nil, fmt.Errorf("filestore: create %s dir: %w", typ, err)
		}
	}

	s := &Store{dir: dir, idx: sessionIndex{Sessions: make(map[string][]string)}}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) indexPath() string {
	return filepath.Join(s.dir, string(models.MemoryTypeSession), "index.json")
}

func (s *Store) loadIndex() error {
	raw, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("filestore: read session index: %w", err)
	}
	if err := json.Unmarshal(raw, &s.idx); err != nil {
		return fmt.Errorf("filestore: parse session index: %w", err)
	}
	return nil
}

// saveIndex writes the session index atomically (temp file + rename) so a
// crash mid-write never leaves a truncated index behind.
func (s *Store) saveIndex() error {
	raw, err := json.MarshalIndent(s.idx, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: marshal session index: %w", err)
	}
	return writeFileAtomic(s.indexPath(), raw)
}

func (s *Store) entryPath(typ models.MemoryType, id string) string {
	return filepath.Join(s.dir, string(typ), id+".json")
}

// Save creates or overwrites entry. A blank ID is assigned a new UUID.
func (s *Store) Save(ctx context.Context, entry *models.MemoryEntry) error {
	if entry.Type == "" {
		return fmt.Errorf("filestore: entry type is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	raw, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: marshal entry: %w", err)
	}
	if err := writeFileAtomic(s.entryPath(entry.Type, entry.ID), raw); err != nil {
		return err
	}

	if entry.Type == models.MemoryTypeSession && entry.SessionKey != "" {
		ids := s.idx.Sessions[entry.SessionKey]
		if !containsString(ids, entry.ID) {
			s.idx.Sessions[entry.SessionKey] = append(ids, entry.ID)
			if err := s.saveIndex(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Get loads a single entry by ID, searching every type partition.
func (s *Store) Get(ctx context.Context, id string) (*models.MemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, typ := range []models.MemoryType{models.MemoryTypeLongTerm, models.MemoryTypeDaily, models.MemoryTypeSession} {
		entry, err := s.readEntry(typ, id)
		if err == nil {
			return entry, nil
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("filestore: entry %s not found", id)
}

func (s *Store) readEntry(typ models.MemoryType, id string) (*models.MemoryEntry, error) {
	raw, err := os.ReadFile(s.entryPath(typ, id))
	if err != nil {
		return nil, err
	}
	var entry models.MemoryEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("filestore: parse entry %s: %w", id, err)
	}
	return &entry, nil
}

// Delete removes an entry by ID from whichever partition holds it.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := false
	for _, typ := range []models.MemoryType{models.MemoryTypeLongTerm, models.MemoryTypeDaily, models.MemoryTypeSession} {
		path := s.entryPath(typ, id)
		if _, err := os.Stat(path); err == nil {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("filestore: delete entry %s: %w", id, err)
			}
			removed = true
		}
	}
	if !removed {
		return fmt.Errorf("filestore: entry %s not found", id)
	}

	for key, ids := range s.idx.Sessions {
		for i, existing := range ids {
			if existing == id {
				s.idx.Sessions[key] = append(ids[:i], ids[i+1:]...)
				return s.saveIndex()
			}
		}
	}
	return nil
}

// Search performs a best-effort substring/tag match over one type
// partition (or every partition when typ is empty). There is no semantic
// ranking here; callers that want that wrap a vector-backed Backend
// instead (see internal/memory/backend/sqlitevec).
func (s *Store) Search(ctx context.Context, query string, typ models.MemoryType, tags []string, limit int) ([]*models.MemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	types := []models.MemoryType{models.MemoryTypeLongTerm, models.MemoryTypeDaily, models.MemoryTypeSession}
	if typ != "" {
		types = []models.MemoryType{typ}
	}

	var matches []*models.MemoryEntry
	for _, t := range types {
		entries, err := s.listEntries(t)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if query != "" && !strings.Contains(strings.ToLower(entry.Content), strings.ToLower(query)) {
				continue
			}
			if len(tags) > 0 && !hasAnyTag(entry.Tags, tags) {
				continue
			}
			matches = append(matches, entry)
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.After(matches[j].CreatedAt) })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// GetByType returns up to limit entries of typ, most recent first.
func (s *Store) GetByType(ctx context.Context, typ models.MemoryType, limit int) ([]*models.MemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.listEntries(typ)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.After(entries[j].CreatedAt) })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// GetSession returns all entries for a session key, in the order captured.
func (s *Store) GetSession(ctx context.Context, key string) ([]*models.MemoryEntry, error) {
	s.mu.Lock()
	ids := append([]string(nil), s.idx.Sessions[key]...)
	s.mu.Unlock()

	entries := make([]*models.MemoryEntry, 0, len(ids))
	for _, id := range ids {
		entry, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ClearSession deletes every entry belonging to a session key.
func (s *Store) ClearSession(ctx context.Context, key string) error {
	s.mu.Lock()
	ids := append([]string(nil), s.idx.Sessions[key]...)
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Delete(ctx, id); err != nil {
			return err
		}
	}

	s.mu.Lock()
	delete(s.idx.Sessions, key)
	err := s.saveIndex()
	s.mu.Unlock()
	return err
}

// Close is a no-op; the store holds no open handles between calls.
func (s *Store) Close() error { return nil }

func (s *Store) listEntries(typ models.MemoryType) ([]*models.MemoryEntry, error) {
	dir := filepath.Join(s.dir, string(typ))
	files, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: list %s: %w", typ, err)
	}

	entries := make([]*models.MemoryEntry, 0, len(files))
	for _, f := range files {
		if f.IsDir() || f.Name() == "index.json" || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(f.Name(), ".json")
		entry, err := s.readEntry(typ, id)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func hasAnyTag(have, want []string) bool {
	for _, w := range want {
		if containsString(have, w) {
			return true
		}
	}
	return false
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("filestore: write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("filestore: rename %s: %w", path, err)
	}
	return nil
}
