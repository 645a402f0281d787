// Package domain defines the core data model for chat sessions.
package domain

import "time"

// Message roles visible to clients. System and tool roles never leave the store.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// AgentModel describes the model bound to a session.
type AgentModel struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// AgentData wraps the model metadata stored on a session document.
type AgentData struct {
	Model AgentModel `json:"model"`
}

// Session is a persistent conversation thread between a user and a model.
// SessionData holds free-form metadata; once a title exists it carries
// the "session_name" key.
type Session struct {
	SessionID   string            `json:"session_id"`
	UserID      string            `json:"user_id"`
	AgentData   AgentData         `json:"agent_data"`
	SessionData map[string]string `json:"session_data"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Title returns the session's display title, if one has been generated.
func (s *Session) Title() string {
	if s.SessionData == nil {
		return ""
	}
	return s.SessionData["session_name"]
}

// Message is a single message in a session. Messages are immutable once
// written; created_at is stored as integer epoch seconds internally and
// round-trips as RFC3339 in JSON.
type Message struct {
	MessageID string    `json:"message_id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
