// Package sessions implements the file-backed session and transcript store:
// one JSON file per session under the directory given to New, indexed by chat_id so
// the agent loop's History/Append calls never scan the whole tree. This is
// the Loop's concrete agent.MessageStore and also backs the gateway's
// /sessions REST surface.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// ErrNotFound is returned when an operation names an unknown session.
var ErrNotFound = errors.New("sessions: not found")

// Record is the on-disk representation of one session: its metadata plus
// every message exchanged on it, in arrival order.
type Record struct {
	Session  models.Session   `json:"session"`
	Messages []models.Message `json:"messages"`
}

type index struct {
	// ByChatID maps a bus chat_id to the session ID that owns it.
	ByChatID map[string]string `json:"by_chat_id"`
	// Order lists session IDs in creation order, for stable listing.
	Order []string `json:"order"`
}

// Store persists sessions as JSON files rooted at dir.
//
// Layout:
//
//	<dir>/<id>.json
//	<dir>/index.json
type Store struct {
	dir string
	mu  sync.Mutex
	idx index
}

// New creates or opens a file-backed session store rooted at dir.
func New(dir string) (*Store, error) {
	if dir == "" {
		dir = "sessions"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sessions: create dir: %w", err)
	}
	s := &Store{dir: dir, idx: index{ByChatID: make(map[string]string)}}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) indexPath() string {
	return filepath.Join(s.dir, "index.json")
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) loadIndex() error {
	raw, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sessions: read index: %w", err)
	}
	if err := json.Unmarshal(raw, &s.idx); err != nil {
		return fmt.Errorf("sessions: parse index: %w", err)
	}
	if s.idx.ByChatID == nil {
		s.idx.ByChatID = make(map[string]string)
	}
	return nil
}

// saveIndexLocked writes the index atomically (temp file + rename) so a
// crash mid-write never leaves a truncated index behind.
func (s *Store) saveIndexLocked() error {
	data, err := json.MarshalIndent(s.idx, "", "  ")
	if err != nil {
		return fmt.Errorf("sessions: marshal index: %w", err)
	}
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("sessions: write index: %w", err)
	}
	return os.Rename(tmp, s.indexPath())
}

func (s *Store) loadRecordLocked(id string) (*Record, error) {
	raw, err := os.ReadFile(s.recordPath(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: read %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("sessions: parse %s: %w", id, err)
	}
	return &rec, nil
}

func (s *Store) saveRecordLocked(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("sessions: marshal %s: %w", rec.Session.ID, err)
	}
	tmp := s.recordPath(rec.Session.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("sessions: write %s: %w", rec.Session.ID, err)
	}
	return os.Rename(tmp, s.recordPath(rec.Session.ID))
}

// GetOrCreate returns the session owning chatID, creating one with the
// given channel/agent metadata if none exists yet.
func (s *Store) GetOrCreate(ctx context.Context, chatID string, channel models.ChannelType, agentID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.idx.ByChatID[chatID]; ok {
		rec, err := s.loadRecordLocked(id)
		if err != nil {
			return nil, err
		}
		return &rec.Session, nil
	}

	now := time.Now()
	sess := models.Session{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Channel:   channel,
		ChannelID: chatID,
		Key:       chatID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	rec := &Record{Session: sess}
	if err := s.saveRecordLocked(rec); err != nil {
		return nil, err
	}
	s.idx.ByChatID[chatID] = sess.ID
	s.idx.Order = append(s.idx.Order, sess.ID)
	if err := s.saveIndexLocked(); err != nil {
		return nil, err
	}
	return &sess, nil
}

// History returns every message recorded for chatID, in arrival order. It
// satisfies agent.MessageStore.
func (s *Store) History(ctx context.Context, chatID string) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.idx.ByChatID[chatID]
	if !ok {
		return nil, nil
	}
	rec, err := s.loadRecordLocked(id)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Message, len(rec.Messages))
	for i := range rec.Messages {
		out[i] = &rec.Messages[i]
	}
	return out, nil
}

// Append records msg against the session whose chat_id equals
// msg.SessionID, creating the session if this is its first message. It
// satisfies agent.MessageStore.
func (s *Store) Append(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return nil
	}
	chatID := msg.SessionID

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.idx.ByChatID[chatID]
	var rec *Record
	if ok {
		loaded, err := s.loadRecordLocked(id)
		if err != nil {
			return err
		}
		rec = loaded
	} else {
		now := time.Now()
		sess := models.Session{
			ID:        uuid.NewString(),
			Channel:   msg.Channel,
			ChannelID: chatID,
			Key:       chatID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		rec = &Record{Session: sess}
		s.idx.ByChatID[chatID] = sess.ID
		s.idx.Order = append(s.idx.Order, sess.ID)
	}

	rec.Messages = append(rec.Messages, *msg)
	rec.Session.UpdatedAt = time.Now()
	if err := s.saveRecordLocked(rec); err != nil {
		return err
	}
	return s.saveIndexLocked()
}

// List returns every session, most recently updated first.
func (s *Store) List() ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Session, 0, len(s.idx.Order))
	for _, id := range s.idx.Order {
		rec, err := s.loadRecordLocked(id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		sess := rec.Session
		out = append(out, &sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Get returns a single session by ID.
func (s *Store) Get(id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.loadRecordLocked(id)
	if err != nil {
		return nil, err
	}
	return &rec.Session, nil
}

// Delete removes a session and its transcript entirely.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.loadRecordLocked(id)
	if err != nil {
		return err
	}
	if err := os.Remove(s.recordPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sessions: delete %s: %w", id, err)
	}
	delete(s.idx.ByChatID, rec.Session.Key)
	for i, existing := range s.idx.Order {
		if existing == id {
			s.idx.Order = append(s.idx.Order[:i], s.idx.Order[i+1:]...)
			break
		}
	}
	return s.saveIndexLocked()
}

// Search returns every session whose key, title, or channel contains query
// (case-insensitive substring match).
func (s *Store) Search(query string) ([]*models.Session, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	if query == "" {
		return all, nil
	}
	q := strings.ToLower(query)
	out := make([]*models.Session, 0, len(all))
	for _, sess := range all {
		if strings.Contains(strings.ToLower(sess.Key), q) ||
			strings.Contains(strings.ToLower(sess.Title), q) ||
			strings.Contains(strings.ToLower(string(sess.Channel)), q) {
			out = append(out, sess)
		}
	}
	return out, nil
}
