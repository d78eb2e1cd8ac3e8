package memory

import (
	"sync"

	"classroom-round-service/internal/app"
	"classroom-round-service/internal/domain"
)

// SessionStore is an in-memory implementation of app.SessionRepository.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*app.Scheduler
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*app.Scheduler),
	}
}

func (s *SessionStore) Add(scheduler *app.Scheduler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[scheduler.ID()]; ok {
		return domain.ErrSessionExists
	}
	s.sessions[scheduler.ID()] = scheduler
	return nil
}

func (s *SessionStore) Get(sessionID string) (*app.Scheduler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scheduler, ok := s.sessions[sessionID]
	return scheduler, ok
}

func (s *SessionStore) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// Refresh is a no-op: an in-process session needs no claim.
func (s *SessionStore) Refresh(string) {}
