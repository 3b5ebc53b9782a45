package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/advisor/internal/circuitbreaker"
	"github.com/Kocoro-lab/advisor/internal/metrics"
	"github.com/Kocoro-lab/advisor/internal/state"
)

// Config holds Redis connection settings for the session manager
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Manager handles session management with Redis backend.
// Metadata is a JSON value at session:<id>; turns are a list at session:<id>:history.
type Manager struct {
	client      *circuitbreaker.RedisWrapper
	logger      *zap.Logger
	ttl         time.Duration
	mu          sync.RWMutex
	localCache  map[string]*Session  // Local cache for performance
	cacheAccess map[string]time.Time // Track last access time for LRU
	maxSessions int
}

// NewManager connects to Redis and creates a session manager
func NewManager(cfg Config, logger *zap.Logger) (*Manager, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	// Create circuit breaker wrapped client
	client := circuitbreaker.NewRedisWrapper(redisClient, logger)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewManagerWithClient(client, cfg.TTL, logger), nil
}

// NewManagerWithClient creates a manager over an existing wrapped client
func NewManagerWithClient(client *circuitbreaker.RedisWrapper, ttl time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Manager{
		client:      client,
		logger:      logger.With(zap.String("component", "session")),
		ttl:         ttl,
		localCache:  make(map[string]*Session),
		cacheAccess: make(map[string]time.Time),
		maxSessions: 10000, // Max sessions to keep in local cache
	}
}

// Create creates a new session
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	now := time.Now()
	session := &Session{
		ID:        uuid.New().String(),
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	if err := m.saveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	m.cache(session)
	m.logger.Info("Created new session", zap.String("session_id", session.ID))
	metrics.SessionsCreated.Inc()
	return session, nil
}

// Get retrieves a session by ID
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}

	m.mu.RLock()
	cached, ok := m.localCache[id]
	m.mu.RUnlock()
	if ok {
		metrics.SessionCacheHits.Inc()
		if cached.IsExpired() {
			m.evict(id)
			return nil, ErrSessionExpired
		}
		m.mu.Lock()
		m.cacheAccess[id] = time.Now()
		m.mu.Unlock()
		out := *cached
		return &out, nil
	}
	metrics.SessionCacheMisses.Inc()

	data, err := m.client.Get(ctx, m.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if session.IsExpired() {
		m.evict(id)
		return nil, ErrSessionExpired
	}

	m.cache(&session)
	out := session
	return &out, nil
}

// Append records one turn at the end of the session log
func (m *Manager) Append(ctx context.Context, id string, turn state.Turn) error {
	session, err := m.Get(ctx, id)
	if err != nil {
		metrics.SessionTurnsAppended.WithLabelValues("rejected").Inc()
		return err
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to marshal turn: %w", err)
	}
	n, err := m.client.RPush(ctx, m.historyKey(id), data).Result()
	if err != nil {
		metrics.SessionTurnsAppended.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to append turn: %w", err)
	}

	session.UpdatedAt = time.Now()
	session.Turns = int(n)
	if err := m.saveSession(ctx, session); err != nil {
		// the turn is already durable; metadata is advisory
		m.logger.Warn("Failed to update session metadata", zap.String("session_id", id), zap.Error(err))
	}
	if err := m.client.Expire(ctx, m.historyKey(id), time.Until(session.ExpiresAt)).Err(); err != nil {
		m.logger.Warn("Failed to extend history ttl", zap.String("session_id", id), zap.Error(err))
	}
	m.cache(session)
	metrics.SessionTurnsAppended.WithLabelValues("ok").Inc()
	return nil
}

// History returns the whole log, oldest first
func (m *Manager) History(ctx context.Context, id string) ([]state.Turn, error) {
	return m.lrange(ctx, id, 0, -1)
}

// Recent returns at most n of the newest turns, oldest first. A negative n returns them all.
func (m *Manager) Recent(ctx context.Context, id string, n int) ([]state.Turn, error) {
	if n < 0 {
		return m.History(ctx, id)
	}
	if n == 0 {
		if _, err := m.Get(ctx, id); err != nil {
			return nil, err
		}
		return []state.Turn{}, nil
	}
	return m.lrange(ctx, id, int64(-n), -1)
}

func (m *Manager) lrange(ctx context.Context, id string, start, stop int64) ([]state.Turn, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	raw, err := m.client.LRange(ctx, m.historyKey(id), start, stop).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	turns := make([]state.Turn, 0, len(raw))
	for _, item := range raw {
		var t state.Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			m.logger.Warn("Skipping malformed history entry", zap.String("session_id", id), zap.Error(err))
			continue
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// Close closes the session manager
func (m *Manager) Close() error {
	return m.client.Close()
}

// RedisWrapper returns the underlying Redis circuit breaker wrapper for health checks and monitoring
func (m *Manager) RedisWrapper() *circuitbreaker.RedisWrapper {
	return m.client
}

// Private methods

func (m *Manager) sessionKey(id string) string {
	return fmt.Sprintf("session:%s", id)
}

func (m *Manager) historyKey(id string) string {
	return fmt.Sprintf("session:%s:history", id)
}

func (m *Manager) saveSession(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		ttl = m.ttl
	}
	return m.client.Set(ctx, m.sessionKey(session.ID), data, ttl).Err()
}

func (m *Manager) cache(s *Session) {
	cp := *s
	m.mu.Lock()
	m.localCache[s.ID] = &cp
	m.cacheAccess[s.ID] = time.Now()
	m.cleanupLocalCache()
	m.mu.Unlock()
}

func (m *Manager) evict(id string) {
	m.mu.Lock()
	delete(m.localCache, id)
	delete(m.cacheAccess, id)
	m.mu.Unlock()
}

// cleanupLocalCache drops the least recently used half when the cache is full.
// Caller must hold m.mu.
func (m *Manager) cleanupLocalCache() {
	if len(m.localCache) <= m.maxSessions {
		return
	}

	type accessEntry struct {
		id   string
		time time.Time
	}
	entries := make([]accessEntry, 0, len(m.localCache))
	for id := range m.localCache {
		entries = append(entries, accessEntry{id: id, time: m.cacheAccess[id]})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].time.Before(entries[j].time) })

	toRemove := len(m.localCache) - m.maxSessions/2
	for i := 0; i < toRemove && i < len(entries); i++ {
		delete(m.localCache, entries[i].id)
		delete(m.cacheAccess, entries[i].id)
		metrics.SessionCacheEvictions.Inc()
	}
}
