package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// keyPrefix is prepended to every plaintext API key so it is recognizable
// at a glance and distinguishable from session tokens and OAuth tokens.
const keyPrefix = "pp_"

// APIKeyRecord is the persisted representation of one API key. The
// plaintext value is derivable only at creation time; everything else
// authenticates against KeyHash.
type APIKeyRecord struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	KeyHash    string    `json:"key_hash"`
	Prefix     string    `json:"prefix"`
	Scopes     []Scope   `json:"scopes"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	Revoked    bool      `json:"revoked"`
}

// ErrAPIKeyNotFound is returned when an operation names an unknown key ID.
var ErrAPIKeyNotFound = errors.New("auth: api key not found")

// APIKeyStore persists APIKeyRecords under ~/.pocketpaw/api_keys.json with
// 0600 permissions.
type APIKeyStore struct {
	mu      sync.Mutex
	path    string
	records map[string]*APIKeyRecord
}

// NewAPIKeyStore loads existing records from path, creating an empty store
// if the file does not yet exist.
func NewAPIKeyStore(path string) (*APIKeyStore, error) {
	s := &APIKeyStore{path: path, records: map[string]*APIKeyRecord{}}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("auth: read api key store: %w", err)
	}
	var list []*APIKeyRecord
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("auth: parse api key store: %w", err)
	}
	for _, r := range list {
		s.records[r.ID] = r
	}
	return s, nil
}

func (s *APIKeyStore) persistLocked() error {
	list := make([]*APIKeyRecord, 0, len(s.records))
	for _, r := range s.records {
		list = append(list, r)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func generatePlaintext() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return keyPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Create mints a new API key, returning the plaintext (shown only once) and
// the persisted record.
func (s *APIKeyStore) Create(name string, scopes []Scope, ttl time.Duration) (string, APIKeyRecord, error) {
	plaintext, err := generatePlaintext()
	if err != nil {
		return "", APIKeyRecord{}, fmt.Errorf("auth: generate api key: %w", err)
	}

	rec := &APIKeyRecord{
		ID:        uuid.NewString(),
		Name:      name,
		KeyHash:   hashKey(plaintext),
		Prefix:    plaintext[:min(len(plaintext), 12)],
		Scopes:    scopes,
		CreatedAt: time.Now(),
	}
	if ttl != 0 {
		rec.ExpiresAt = rec.CreatedAt.Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	if err := s.persistLocked(); err != nil {
		delete(s.records, rec.ID)
		return "", APIKeyRecord{}, err
	}
	return plaintext, *rec, nil
}

// Validate checks key against every stored record: it must start with
// pp_, its hash must match, the record must not be revoked, and it must
// not be expired. On success LastUsedAt is updated.
func (s *APIKeyStore) Validate(key string) (*APIKeyRecord, bool) {
	if len(key) < len(keyPrefix) || key[:len(keyPrefix)] != keyPrefix {
		return nil, false
	}
	hash := hashKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.KeyHash != hash {
			continue
		}
		if rec.Revoked {
			return nil, false
		}
		if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
			return nil, false
		}
		rec.LastUsedAt = time.Now()
		_ = s.persistLocked()
		clone := *rec
		return &clone, true
	}
	return nil, false
}

// Revoke marks id as revoked. A revoked key must never authorize again even
// if its hash appears to match.
func (s *APIKeyStore) Revoke(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrAPIKeyNotFound
	}
	rec.Revoked = true
	return s.persistLocked()
}

// Rotate revokes id and mints a fresh key with the same name and scopes.
func (s *APIKeyStore) Rotate(id string) (string, APIKeyRecord, error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return "", APIKeyRecord{}, ErrAPIKeyNotFound
	}
	rec.Revoked = true
	name, scopes := rec.Name, rec.Scopes
	if err := s.persistLocked(); err != nil {
		s.mu.Unlock()
		return "", APIKeyRecord{}, err
	}
	s.mu.Unlock()

	return s.Create(name, scopes, 0)
}

// List returns every record (plaintext keys are never stored or returned).
func (s *APIKeyStore) List() []APIKeyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]APIKeyRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
