package redis

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"classroom-round-service/internal/app"
	"classroom-round-service/internal/domain"
	"github.com/redis/go-redis/v9"
)

// SessionStore is a Redis-aware implementation of app.SessionRepository.
// Notes:
//   - Schedulers themselves live in this process; only one instance may drive
//     a session, so the id is claimed with SETNX before it is kept locally.
//   - The claim doubles as a liveness marker and expires after ttl if the
//     owning instance dies without deleting it.
type SessionStore struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	mu       sync.RWMutex
	sessions map[string]*app.Scheduler
}

func NewSessionStore(client *redis.Client, prefix string, ttl time.Duration) *SessionStore {
	if prefix == "" {
		prefix = "live"
	}
	return &SessionStore{
		client:   client,
		prefix:   prefix,
		ttl:      ttl,
		sessions: make(map[string]*app.Scheduler),
	}
}

func (s *SessionStore) Add(scheduler *app.Scheduler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[scheduler.ID()]; ok {
		return domain.ErrSessionExists
	}

	claimed, err := s.client.SetNX(context.Background(), s.key(scheduler.ID()), "1", s.ttl).Result()
	if err != nil {
		// best effort: a lost claim only weakens cross-instance uniqueness
		slog.Warn("redis session store: claim failed", "session", scheduler.ID(), "error", err)
	} else if !claimed {
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
	if _, ok := s.sessions[sessionID]; !ok {
		return
	}
	delete(s.sessions, sessionID)
	_ = s.client.Del(context.Background(), s.key(sessionID)).Err()
}

// Refresh extends the claim of a session driven by this instance. A claim that
// already expired is taken again unless another instance got there first.
func (s *SessionStore) Refresh(sessionID string) {
	if _, ok := s.Get(sessionID); !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := s.key(sessionID)
	extended, err := s.client.Expire(ctx, key, s.ttl).Result()
	if err != nil {
		slog.Warn("redis session store: refresh failed", "session", sessionID, "error", err)
		return
	}
	if extended {
		return
	}
	claimed, err := s.client.SetNX(ctx, key, "1", s.ttl).Result()
	if err != nil {
		slog.Warn("redis session store: reclaim failed", "session", sessionID, "error", err)
		return
	}
	if !claimed {
		slog.Error("redis session store: claim taken by another instance", "session", sessionID)
	}
}

func (s *SessionStore) key(sessionID string) string {
	return s.prefix + ":session:" + sessionID
}
