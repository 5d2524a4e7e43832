// Package session tracks active user sessions so a draining pod knows who
// to warn and an admin can watch users leave.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	redisclient "github.com/christianpetri/kubernetes-maintenance-mode/pkg/redis"
)

// ErrNotFound is returned by Touch for unknown or expired sessions
var ErrNotFound = errors.New("session not found")

// Session is one tracked browser session
type Session struct {
	ID           string    `json:"session_id"`
	User         string    `json:"user"`
	Pod          string    `json:"pod"`
	LoginTime    time.Time `json:"login_time"`
	LastActivity time.Time `json:"last_activity"`
}

// Store persists sessions. Implementations must be safe for concurrent use.
type Store interface {
	Create(ctx context.Context, s Session) error
	Touch(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Session, error)
	Clear(ctx context.Context) (int, error)
}

// RedisStore shares sessions across pods through Redis hashes
type RedisStore struct {
	client *redisclient.Client
	ttl    time.Duration
}

// NewRedisStore creates a store whose entries expire after ttl without activity
func NewRedisStore(client *redisclient.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Create(ctx context.Context, sess Session) error {
	return s.client.SaveSession(ctx, redisclient.SessionRecord{
		ID:           sess.ID,
		User:         sess.User,
		Pod:          sess.Pod,
		LoginTime:    sess.LoginTime,
		LastActivity: sess.LastActivity,
	}, s.ttl)
}

func (s *RedisStore) Touch(ctx context.Context, id string, at time.Time) error {
	err := s.client.TouchSession(ctx, id, at, s.ttl)
	if errors.Is(err, redisclient.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.client.DeleteSession(ctx, id)
}

func (s *RedisStore) List(ctx context.Context) ([]Session, error) {
	records, err := s.client.ListSessions(ctx)
	if err != nil {
		return nil, err
	}

	sessions := make([]Session, 0, len(records))
	for _, r := range records {
		sessions = append(sessions, Session{
			ID:           r.ID,
			User:         r.User,
			Pod:          r.Pod,
			LoginTime:    r.LoginTime,
			LastActivity: r.LastActivity,
		})
	}
	sortByLogin(sessions)
	return sessions, nil
}

func (s *RedisStore) Clear(ctx context.Context) (int, error) {
	return s.client.ClearSessions(ctx)
}

// MemoryStore keeps sessions of this pod only. Used when Redis is unavailable.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]Session
}

// NewMemoryStore creates an in-process store; ttl <= 0 disables expiry
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]Session),
	}
}

func (s *MemoryStore) Create(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *MemoryStore) Touch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || s.expired(sess) {
		delete(s.sessions, id)
		return ErrNotFound
	}
	sess.LastActivity = at
	s.sessions[id] = sess
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := make([]Session, 0, len(s.sessions))
	for id, sess := range s.sessions {
		if s.expired(sess) {
			delete(s.sessions, id)
			continue
		}
		sessions = append(sessions, sess)
	}
	sortByLogin(sessions)
	return sessions, nil
}

func (s *MemoryStore) Clear(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.sessions)
	s.sessions = make(map[string]Session)
	return n, nil
}

func (s *MemoryStore) expired(sess Session) bool {
	return s.ttl > 0 && s.now().Sub(sess.LastActivity) > s.ttl
}

func sortByLogin(sessions []Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].LoginTime.Equal(sessions[j].LoginTime) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].LoginTime.Before(sessions[j].LoginTime)
	})
}
