// Package v1 exposes the session CRUD HTTP API.
package v1

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/trndnhan/maiservant/internal/domain"
	"github.com/trndnhan/maiservant/internal/store"
)

const (
	defaultMessageLimit = 4
	maxMessageLimit     = 100
)

// Handler serves the session CRUD surface. Authentication is handled
// upstream; user_id is trusted as supplied, matching the streaming core.
type Handler struct {
	store store.Store
}

// NewHandler creates a new Handler.
func NewHandler(st store.Store) *Handler {
	return &Handler{store: st}
}

// RegisterRoutes registers the v1 routes.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Health)
	e.GET("/v1/sessions", h.ListSessions)
	e.GET("/v1/sessions/:session_id/messages", h.GetSessionMessages)
	e.PATCH("/v1/sessions/:session_id", h.RenameSession)
	e.DELETE("/v1/sessions/:session_id", h.DeleteSession)
}

// sessionResponse is a session document with its computed title.
type sessionResponse struct {
	domain.Session
	Title string `json:"title"`
}

func toSessionResponse(s domain.Session) sessionResponse {
	return sessionResponse{Session: s, Title: s.Title()}
}

// Health reports server liveness.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// ListSessions returns the user's sessions, most recently updated first.
func (h *Handler) ListSessions(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "user_id is required"})
	}

	sessions, err := h.store.ListSessionsByUser(c.Request().Context(), userID)
	if err != nil {
		log.Printf("Failed to list sessions for user %s: %v", userID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list sessions"})
	}

	resp := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, toSessionResponse(s))
	}
	return c.JSON(http.StatusOK, resp)
}

// GetSessionMessages returns a page of user/assistant messages.
func (h *Handler) GetSessionMessages(c echo.Context) error {
	sessionID := c.Param("session_id")
	userID := c.QueryParam("user_id")

	limit := defaultMessageLimit
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxMessageLimit {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 100"})
		}
		limit = parsed
	}

	var before int64
	if raw := c.QueryParam("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "before must be an RFC3339 timestamp"})
		}
		before = parsed.Unix()
	}

	ctx := c.Request().Context()
	session, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		log.Printf("Failed to get session %s: %v", sessionID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get session"})
	}
	if session == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	if session.UserID != userID {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "not authorized"})
	}

	messages, err := h.store.GetMessages(ctx, sessionID, limit, before)
	if err != nil {
		log.Printf("Failed to get messages for session %s: %v", sessionID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get messages"})
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	return c.JSON(http.StatusOK, messages)
}

type renameRequest struct {
	UserID  string `json:"user_id"`
	NewName string `json:"new_name"`
}

// RenameSession updates a session's title for its owner.
func (h *Handler) RenameSession(c echo.Context) error {
	sessionID := c.Param("session_id")

	var req renameRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.NewName == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "new_name is required"})
	}

	session, err := h.store.RenameSession(c.Request().Context(), sessionID, req.UserID, req.NewName)
	if err != nil {
		log.Printf("Failed to rename session %s: %v", sessionID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to rename session"})
	}
	if session == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found or not authorized"})
	}
	return c.JSON(http.StatusOK, toSessionResponse(*session))
}

// DeleteSession removes a session owned by the user.
func (h *Handler) DeleteSession(c echo.Context) error {
	sessionID := c.Param("session_id")
	userID := c.QueryParam("user_id")

	count, err := h.store.DeleteSession(c.Request().Context(), sessionID, userID)
	if err != nil {
		log.Printf("Failed to delete session %s: %v", sessionID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to delete session"})
	}
	if count == 0 {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found or not authorized"})
	}
	return c.NoContent(http.StatusNoContent)
}
