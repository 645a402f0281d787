// Package protocol defines the WebSocket message protocol between clients and the server.
package protocol

// Message types from client to server
const (
	TypeInitSession = "init_session"
	TypeStreamReady = "stream_ready"
)

// Message types from server to client
const (
	TypeAssistantStream = "assistant_stream"
	TypeSessionTitle    = "session_title"
	TypeError           = "error"
)

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// InitSessionMessage is sent by the client to start a model invocation
// for a session. IsNew marks a session the client just created, which
// makes the server hold the stream until a stream_ready signal arrives.
type InitSessionMessage struct {
	BaseMessage
	Model    string `json:"model"`
	Provider string `json:"provider"`
	Prompt   string `json:"prompt"`
	UserID   string `json:"user_id"`
	IsNew    bool   `json:"is_new"`
}

// StreamReadyMessage is sent by the client once it has subscribed to the
// session's room and is ready to receive assistant output.
type StreamReadyMessage struct {
	BaseMessage
}

// AssistantStreamMessage carries the cumulative assistant content so far.
// Done is omitted until the final event of the invocation.
type AssistantStreamMessage struct {
	BaseMessage
	Content string `json:"content"`
	Done    bool   `json:"done,omitempty"`
}

// SessionTitleMessage announces the generated title for a new session.
type SessionTitleMessage struct {
	BaseMessage
	Title string `json:"title"`
}

// ErrorMessage is sent when a request cannot be served.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrorCodeInvalidMessage  = "invalid_message"
	ErrorCodeUnknownProvider = "unknown_provider"
	ErrorCodeDuplicateInit   = "duplicate_init"
	ErrorCodeInternalError   = "internal_error"
)
