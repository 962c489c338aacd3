package services

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MegaGrindStone/rag-web-ui/internal/models"
)

// MemoryStore implements the Store interface in process memory. Sessions are lost when the server
// stops. It is safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]models.Session),
	}
}

// Session retrieves the session with the given ID, or ErrSessionNotFound.
func (m *MemoryStore) Session(_ context.Context, id string) (models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return models.Session{}, ErrSessionNotFound
	}
	sess.History = slices.Clone(sess.History)
	return sess, nil
}

// SaveSession creates or replaces the session.
func (m *MemoryStore) SaveSession(_ context.Context, sess models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess.History = slices.Clone(sess.History)
	m.sessions[sess.ID] = sess
	return nil
}

// DeleteSession removes the session. Deleting an unknown session is not an error.
func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, id)
	return nil
}

// PruneSessions removes every session that wasn't updated after before, and returns how many
// sessions were removed.
func (m *MemoryStore) PruneSessions(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pruned int
	for id, sess := range m.sessions {
		if sess.UpdatedAt.Before(before) {
			delete(m.sessions, id)
			pruned++
		}
	}
	return pruned, nil
}
