package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists session records, message logs and result snapshots
type Store interface {
	SaveSession(ctx context.Context, rec Record) error
	LoadSession(ctx context.Context, id string) (Record, error)
	ListSessions(ctx context.Context) ([]Record, error)
	AppendMessage(ctx context.Context, sessionID string, m Message) error
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
	DeleteMessages(ctx context.Context, sessionID string) error
	SaveSnapshot(ctx context.Context, snap ResultSnapshot) error
	LatestSnapshot(ctx context.Context, sessionID string) (ResultSnapshot, error)
}

// Load restores a session from store
func Load(ctx context.Context, store Store, id string) (*State, error) {
	rec, err := store.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := store.ListMessages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages for session %s: %w", id, err)
	}
	return FromRecord(rec, msgs), nil
}

// InMemoryStore is a threadsafe in-memory store for tests and single-process runs
type InMemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]Record
	messages  map[string][]Message
	snapshots map[string][]ResultSnapshot
	now       func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:  make(map[string]Record),
		messages:  make(map[string][]Message),
		snapshots: make(map[string][]ResultSnapshot),
		now:       time.Now,
	}
}

func (s *InMemoryStore) SaveSession(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.sessions[rec.ID]; ok && !old.CreatedAt.IsZero() {
		rec.CreatedAt = old.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	rec.UpdatedAt = s.now()
	s.sessions[rec.ID] = cloneRecord(rec)
	return nil
}

func (s *InMemoryStore) LoadSession(ctx context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *InMemoryStore) ListSessions(ctx context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) AppendMessage(ctx context.Context, sessionID string, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[sessionID] = append(s.messages[sessionID], m)
	return nil
}

func (s *InMemoryStore) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.messages[sessionID]...), nil
}

func (s *InMemoryStore) DeleteMessages(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, sessionID)
	return nil
}

func (s *InMemoryStore) SaveSnapshot(ctx context.Context, snap ResultSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.SessionID] = append(s.snapshots[snap.SessionID], snap)
	return nil
}

func (s *InMemoryStore) LatestSnapshot(ctx context.Context, sessionID string) (ResultSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.snapshots[sessionID]
	if len(snaps) == 0 {
		return ResultSnapshot{}, ErrNotFound
	}
	return snaps[len(snaps)-1], nil
}

func cloneRecord(rec Record) Record {
	out := rec
	out.Agents = append([]Agent(nil), rec.Agents...)
	out.Trust = rec.Trust.Clone()
	out.Order = append([]string(nil), rec.Order...)
	out.Memory = make(map[string]MemorySnapshot, len(rec.Memory))
	for id, snap := range rec.Memory {
		out.Memory[id] = snap.clone()
	}
	return out
}
