package session

import (
	"context"
	"sync"
)

// MemoryTurnStore keeps session history in process memory. Used in tests and
// single-node dev runs; production uses the sqlite-backed store.
type MemoryTurnStore struct {
	mu       sync.RWMutex
	sessions map[string][]Turn
}

func NewMemoryTurnStore() *MemoryTurnStore {
	return &MemoryTurnStore{sessions: make(map[string][]Turn)}
}

func (s *MemoryTurnStore) AppendTurns(ctx context.Context, tenantID, userID, sessionID string, turns []Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = append(s.sessions[sessionID], turns...)
	return nil
}

func (s *MemoryTurnStore) ListTurns(ctx context.Context, sessionID string) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := s.sessions[sessionID]
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (s *MemoryTurnStore) TrimSession(ctx context.Context, sessionID string, keepLast int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.sessions[sessionID]
	if keepLast > 0 && len(turns) > keepLast {
		s.sessions[sessionID] = append([]Turn(nil), turns[len(turns)-keepLast:]...)
	}
	return nil
}
