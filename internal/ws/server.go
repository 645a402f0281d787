// Package ws provides WebSocket server functionality for chat clients.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/trndnhan/maiservant/internal/config"
	"github.com/trndnhan/maiservant/internal/hub"
	"github.com/trndnhan/maiservant/internal/protocol"
	"github.com/trndnhan/maiservant/internal/provider"
	"github.com/trndnhan/maiservant/internal/ready"
	"github.com/trndnhan/maiservant/internal/stream"
)

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	engine   *stream.Engine
	ready    *ready.Coordinator
	upgrader websocket.Upgrader
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, h *hub.Hub, engine *stream.Engine, coordinator *ready.Coordinator) *Server {
	return &Server{
		cfg:    cfg,
		hub:    h,
		engine: engine,
		ready:  coordinator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// The browser client runs on a different origin
				return true
			},
		},
	}
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		return err
	}

	// Create and register connection
	conn := s.hub.NewConnection(ws)
	s.hub.Register(conn)

	ws.SetReadLimit(s.cfg.MaxMessageSize)

	// Start reader and writer goroutines
	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		s.handleMessage(conn, message)
	}
}

// writePump writes messages to the WebSocket connection. All socket
// writes happen here, so worker goroutines never touch the transport.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	var baseMsg protocol.BaseMessage
	if err := json.Unmarshal(data, &baseMsg); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	switch baseMsg.Type {
	case protocol.TypeInitSession:
		s.handleInitSession(conn, data)
	case protocol.TypeStreamReady:
		s.handleStreamReady(conn, data)
	default:
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "unknown message type: "+baseMsg.Type)
	}
}

// handleInitSession joins the connection to the session's room and starts
// a model invocation. The room join is the only side effect permitted to
// precede a synchronous failure.
func (s *Server) handleInitSession(conn *hub.Connection, data []byte) {
	var msg protocol.InitSessionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid init_session message")
		return
	}
	if msg.SessionID == "" {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "session_id is required")
		return
	}
	if msg.Prompt == "" {
		s.sendError(conn, msg.SessionID, protocol.ErrorCodeInvalidMessage, "prompt is required")
		return
	}

	s.hub.Join(conn, msg.SessionID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.engine.StartInvocation(ctx, stream.InvokeRequest{
		SessionID: msg.SessionID,
		UserID:    msg.UserID,
		ModelID:   msg.Model,
		Provider:  msg.Provider,
		Prompt:    msg.Prompt,
		IsNew:     msg.IsNew,
	})
	if err != nil {
		var unknown *provider.UnknownProviderError
		var dup *ready.DuplicateRegistrationError
		switch {
		case errors.As(err, &unknown):
			s.sendError(conn, msg.SessionID, protocol.ErrorCodeUnknownProvider, err.Error())
		case errors.As(err, &dup):
			s.sendError(conn, msg.SessionID, protocol.ErrorCodeDuplicateInit, err.Error())
		default:
			log.Printf("Failed to start invocation for session %s: %v", msg.SessionID, err)
			s.sendError(conn, msg.SessionID, protocol.ErrorCodeInternalError, "failed to start session stream")
		}
		return
	}

	log.Printf("Invocation started for session %s (is_new=%v)", msg.SessionID, msg.IsNew)
}

// handleStreamReady signals that the client has subscribed to the
// session's room. A signal with no registered waiter is a no-op.
func (s *Server) handleStreamReady(conn *hub.Connection, data []byte) {
	var msg protocol.StreamReadyMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid stream_ready message")
		return
	}
	if msg.SessionID == "" {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "session_id is required")
		return
	}

	s.ready.Signal(msg.SessionID)
}

// sendError sends an error message to a connection.
func (s *Server) sendError(conn *hub.Connection, sessionID, code, message string) {
	errMsg := protocol.ErrorMessage{
		BaseMessage: protocol.BaseMessage{
			Type:      protocol.TypeError,
			SessionID: sessionID,
		},
		Code:    code,
		Message: message,
	}
	s.hub.SendJSONToConnection(conn, errMsg)
}
