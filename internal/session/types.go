package session

import (
	"context"
	"errors"
	"time"

	"github.com/Kocoro-lab/advisor/internal/state"
)

var (
	// ErrSessionNotFound is returned when a session doesn't exist
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired is returned when a session has expired
	ErrSessionExpired = errors.New("session expired")

	// ErrInvalidSession is returned when session data is invalid
	ErrInvalidSession = errors.New("invalid session")
)

// Session is the metadata of one advising conversation.
// Turns live in a separate append-only log.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Turns     int       `json:"turns"`
}

// IsExpired checks if the session has expired
func (s *Session) IsExpired() bool {
	return !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt)
}

// Store keeps sessions and their history. History is append-only:
// there is no operation that edits or removes a recorded turn.
type Store interface {
	Create(ctx context.Context) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	Append(ctx context.Context, id string, turn state.Turn) error
	// History returns the whole log, oldest first
	History(ctx context.Context, id string) ([]state.Turn, error)
	// Recent returns at most n of the newest turns, oldest first
	Recent(ctx context.Context, id string, n int) ([]state.Turn, error)
	Close() error
}
