package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Kocoro-lab/advisor/internal/metrics"
	"github.com/Kocoro-lab/advisor/internal/state"
)

// MemoryStore keeps sessions in process. Used when Redis is not configured.
type MemoryStore struct {
	mu       sync.RWMutex
	ttl      time.Duration
	sessions map[string]*Session
	turns    map[string][]state.Turn
}

// NewMemoryStore creates an empty store. ttl <= 0 means sessions never expire.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:      ttl,
		sessions: make(map[string]*Session),
		turns:    make(map[string][]state.Turn),
	}
}

func (s *MemoryStore) Create(context.Context) (*Session, error) {
	now := time.Now()
	sess := &Session{ID: uuid.New().String(), CreatedAt: now, UpdatedAt: now}
	if s.ttl > 0 {
		sess.ExpiresAt = now.Add(s.ttl)
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	metrics.SessionsCreated.Inc()
	out := *sess
	return &out, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookup(id)
}

// lookup requires s.mu
func (s *MemoryStore) lookup(id string) (*Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.IsExpired() {
		return nil, ErrSessionExpired
	}
	out := *sess
	out.Turns = len(s.turns[id])
	return &out, nil
}

func (s *MemoryStore) Append(_ context.Context, id string, turn state.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(id); err != nil {
		metrics.SessionTurnsAppended.WithLabelValues("rejected").Inc()
		return err
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	s.turns[id] = append(s.turns[id], turn)
	s.sessions[id].UpdatedAt = time.Now()
	metrics.SessionTurnsAppended.WithLabelValues("ok").Inc()
	return nil
}

func (s *MemoryStore) History(ctx context.Context, id string) ([]state.Turn, error) {
	return s.Recent(ctx, id, -1)
}

// Recent returns the newest n turns; a negative n returns them all
func (s *MemoryStore) Recent(_ context.Context, id string, n int) ([]state.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.lookup(id); err != nil {
		return nil, err
	}
	all := s.turns[id]
	if n >= 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return append([]state.Turn{}, all...), nil
}

func (s *MemoryStore) Close() error { return nil }
