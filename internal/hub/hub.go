// Package hub provides room-based fanout for WebSocket clients.
package hub

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Connection represents a single WebSocket connection. A connection may
// be joined to any number of session rooms at once (multi-tab support).
type Connection struct {
	ID    string
	Conn  *websocket.Conn
	Send  chan []byte
	rooms map[string]bool
	mu    sync.Mutex
}

// Hub manages all WebSocket connections and their room memberships.
type Hub struct {
	// Connections indexed by connection ID
	connections map[string]*Connection

	// Rooms maps session_id to set of connection IDs
	rooms map[string]map[string]bool

	// Channels for registration/unregistration
	register   chan *Connection
	unregister chan *Connection

	// Broadcast channel for sending to a session room
	broadcast chan *roomMessage

	mu sync.RWMutex
}

type roomMessage struct {
	sessionID string
	data      []byte
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		rooms:       make(map[string]map[string]bool),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan *roomMessage, 256),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			h.mu.Unlock()
			log.Printf("Connection registered: %s", conn.ID)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				for sessionID := range conn.rooms {
					h.removeFromRoom(sessionID, conn.ID)
				}
				close(conn.Send)
			}
			h.mu.Unlock()
			log.Printf("Connection unregistered: %s", conn.ID)

		case msg := <-h.broadcast:
			h.mu.RLock()
			if connIDs, ok := h.rooms[msg.sessionID]; ok {
				for connID := range connIDs {
					if conn, exists := h.connections[connID]; exists {
						select {
						case conn.Send <- msg.data:
						default:
							// Buffer full, close the connection
							log.Printf("Connection %s buffer full, closing", connID)
							go h.Unregister(conn)
						}
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// removeFromRoom must be called with h.mu held for writing.
func (h *Hub) removeFromRoom(sessionID, connID string) {
	if h.rooms[sessionID] == nil {
		return
	}
	delete(h.rooms[sessionID], connID)
	if len(h.rooms[sessionID]) == 0 {
		delete(h.rooms, sessionID)
	}
}

// NewConnection creates a new connection; the caller registers it.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:    uuid.New().String(),
		Conn:  ws,
		Send:  make(chan []byte, 256),
		rooms: make(map[string]bool),
	}
}

// Register registers a connection with the hub.
func (h *Hub) Register(conn *Connection) {
	h.register <- conn
}

// Unregister unregisters a connection from the hub.
func (h *Hub) Unregister(conn *Connection) {
	h.unregister <- conn
}

// Join adds a connection to a session room. Rooms are created implicitly
// on first join; joining never evicts prior memberships.
func (h *Hub) Join(conn *Connection, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn.rooms[sessionID] = true
	if h.rooms[sessionID] == nil {
		h.rooms[sessionID] = make(map[string]bool)
	}
	h.rooms[sessionID][conn.ID] = true
}

// Leave removes a connection from a session room. Empty rooms are
// garbage-collected.
func (h *Hub) Leave(conn *Connection, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(conn.rooms, sessionID)
	h.removeFromRoom(sessionID, conn.ID)
}

// Broadcast sends a message to all connections joined to a session room.
func (h *Hub) Broadcast(sessionID string, data []byte) {
	h.broadcast <- &roomMessage{sessionID: sessionID, data: data}
}

// BroadcastJSON sends a JSON message to all connections of a session room.
func (h *Hub) BroadcastJSON(sessionID string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(sessionID, data)
	return nil
}

// SendToConnection sends a message to a specific connection.
func (h *Hub) SendToConnection(conn *Connection, data []byte) error {
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// SendJSONToConnection sends a JSON message to a specific connection.
func (h *Hub) SendJSONToConnection(conn *Connection, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.SendToConnection(conn, data)
}

// GetConnectionCount returns the number of active connections.
func (h *Hub) GetConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// GetRoomCount returns the number of active session rooms.
func (h *Hub) GetRoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// HasActiveConnections checks if a session room has any members.
func (h *Hub) HasActiveConnections(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	connIDs, ok := h.rooms[sessionID]
	return ok && len(connIDs) > 0
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ErrBufferFull is returned when the send buffer is full.
var ErrBufferFull = &BufferFullError{}

// BufferFullError represents a buffer full error.
type BufferFullError struct{}

func (e *BufferFullError) Error() string {
	return "send buffer full"
}
