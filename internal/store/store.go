// Package store persists session documents and their message history.
package store

import (
	"context"

	"github.com/trndnhan/maiservant/internal/domain"
)

// Store is the session document store consumed by the streaming core and
// the CRUD surface. Lookups that miss return (nil, nil); the caller
// decides whether absence is an error.
type Store interface {
	// GetSession returns the session document, or nil when absent.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// EnsureSession creates the session document if it does not exist.
	// Sessions are created lazily on first model invocation.
	EnsureSession(ctx context.Context, session *domain.Session) error

	// SetSessionTitle writes session_data.session_name.
	SetSessionTitle(ctx context.Context, sessionID, title string) error

	// RenameSession updates the title of a session owned by userID and
	// returns the updated document, or nil when no such session exists.
	RenameSession(ctx context.Context, sessionID, userID, name string) (*domain.Session, error)

	// DeleteSession removes a session owned by userID along with its
	// messages and returns the number of deleted sessions.
	DeleteSession(ctx context.Context, sessionID, userID string) (int64, error)

	// ListSessionsByUser returns the user's sessions, most recently
	// updated first.
	ListSessionsByUser(ctx context.Context, userID string) ([]domain.Session, error)

	// AppendMessage appends an immutable message to the session's
	// history and bumps the session's updated_at.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// GetMessages returns up to limit user/assistant messages created
	// before the given cutoff (zero time means no cutoff), in ascending
	// creation order.
	GetMessages(ctx context.Context, sessionID string, limit int, before int64) ([]domain.Message, error)

	Close() error
}
