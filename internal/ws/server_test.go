package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/trndnhan/maiservant/internal/config"
	"github.com/trndnhan/maiservant/internal/hub"
	"github.com/trndnhan/maiservant/internal/provider"
	"github.com/trndnhan/maiservant/internal/ready"
	"github.com/trndnhan/maiservant/internal/store"
	"github.com/trndnhan/maiservant/internal/stream"
)

type stubResolver struct {
	capability provider.Capability
	err        error
}

func (s *stubResolver) Resolve(modelID, providerName string) (provider.Capability, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.capability, nil
}

func newTestServer(t *testing.T, capability provider.Capability, resolveErr error) *httptest.Server {
	t.Helper()

	cfg := &config.Config{
		PingInterval:   30 * time.Second,
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    30 * time.Second,
		MaxMessageSize: 65536,
	}

	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	h := hub.NewHub()
	go h.Run()

	coordinator := ready.NewCoordinator(5 * time.Second)
	engine := stream.NewEngine(st, h, &stubResolver{capability: capability, err: resolveErr}, coordinator, 4)
	server := NewServer(cfg, h, engine, coordinator)

	e := echo.New()
	e.HideBanner = true
	e.GET("/ws", server.HandleWebSocket)

	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)
	return ts
}

type wireEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
	Done      bool   `json:"done"`
	Title     string `json:"title"`
	Code      string `json:"code"`
}

type testClient struct {
	conn   *websocket.Conn
	events chan wireEvent
}

func dial(t *testing.T, ts *httptest.Server) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	events := make(chan wireEvent, 64)
	go func() {
		defer close(events)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ev wireEvent
			if err := json.Unmarshal(data, &ev); err == nil {
				events <- ev
			}
		}
	}()

	return &testClient{conn: conn, events: events}
}

func (c *testClient) send(t *testing.T, v interface{}) {
	t.Helper()
	if err := c.conn.WriteJSON(v); err != nil {
		t.Fatalf("failed to send: %v", err)
	}
}

func (c *testClient) recv(t *testing.T) wireEvent {
	t.Helper()
	select {
	case ev, ok := <-c.events:
		if !ok {
			t.Fatal("connection closed while waiting for event")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return wireEvent{}
	}
}

func (c *testClient) assertSilent(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case ev, ok := <-c.events:
		if ok {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(d):
	}
}

func initSession(sessionID, prompt string, isNew bool) map[string]interface{} {
	return map[string]interface{}{
		"type":       "init_session",
		"session_id": sessionID,
		"model":      "gemini-2.0-flash",
		"provider":   "google",
		"prompt":     prompt,
		"user_id":    "u1",
		"is_new":     isNew,
	}
}

func streamReady(sessionID string) map[string]interface{} {
	return map[string]interface{}{
		"type":       "stream_ready",
		"session_id": sessionID,
	}
}

func TestInitSessionStreamsAfterReadySignal(t *testing.T) {
	capability := &provider.MockCapability{
		Chunks:       []string{"Hello", ", world"},
		CompleteText: "Friendly greeting",
	}
	ts := newTestServer(t, capability, nil)
	client := dial(t, ts)

	client.send(t, initSession("s1", "say hello", true))

	// Nothing arrives until the client confirms readiness.
	client.assertSilent(t, 200*time.Millisecond)

	client.send(t, streamReady("s1"))

	var last wireEvent
	for {
		ev := client.recv(t)
		if ev.Type != "assistant_stream" {
			t.Fatalf("expected assistant_stream, got %+v", ev)
		}
		if last.Content != "" && !strings.HasPrefix(ev.Content, last.Content) {
			t.Fatalf("content regressed: %q -> %q", last.Content, ev.Content)
		}
		last = ev
		if ev.Done {
			break
		}
	}
	if last.Content != "Hello, world" {
		t.Fatalf("unexpected final content: %q", last.Content)
	}

	titleEv := client.recv(t)
	if titleEv.Type != "session_title" || titleEv.Title != "Friendly greeting" {
		t.Fatalf("unexpected title event: %+v", titleEv)
	}
}

func TestInitSessionUnknownProvider(t *testing.T) {
	ts := newTestServer(t, nil, &provider.UnknownProviderError{Provider: "UNKNOWN"})
	client := dial(t, ts)

	client.send(t, initSession("s1", "hi", false))

	ev := client.recv(t)
	if ev.Type != "error" || ev.Code != "unknown_provider" {
		t.Fatalf("expected unknown_provider error, got %+v", ev)
	}

	// No stream events follow a synchronous resolution failure.
	client.assertSilent(t, 200*time.Millisecond)
}

func TestStreamReadyWithoutWaiterIsNoop(t *testing.T) {
	ts := newTestServer(t, &provider.MockCapability{}, nil)
	client := dial(t, ts)

	client.send(t, streamReady("nobody"))

	// No error comes back; the connection stays healthy.
	client.assertSilent(t, 200*time.Millisecond)
}

func TestTwoConnectionsShareRoomThirdDoesNot(t *testing.T) {
	capability := &provider.MockCapability{Chunks: []string{"shared"}}
	ts := newTestServer(t, capability, nil)

	clientA := dial(t, ts)
	clientB := dial(t, ts)
	clientC := dial(t, ts)

	clientA.send(t, initSession("s1", "first", true))

	// Give A's registration time to land before B races it.
	time.Sleep(100 * time.Millisecond)

	clientC.send(t, initSession("other", "unrelated", false))

	// Drain C's own stream (and the title of its brand-new session) so
	// its socket is quiet afterwards.
	for {
		ev := clientC.recv(t)
		if ev.Type == "session_title" {
			break
		}
	}

	// B joins s1's room by initiating against the still-pending session;
	// the duplicate readiness registration is rejected but the room join
	// side effect stands.
	clientB.send(t, initSession("s1", "second", true))
	ev := clientB.recv(t)
	if ev.Type != "error" || ev.Code != "duplicate_init" {
		t.Fatalf("expected duplicate_init error, got %+v", ev)
	}

	clientA.send(t, streamReady("s1"))

	evA := clientA.recv(t)
	evB := clientB.recv(t)
	if evA.Type != "assistant_stream" || evB.Type != "assistant_stream" {
		t.Fatalf("both room members should observe the stream: %+v / %+v", evA, evB)
	}
	if evA.Content != evB.Content {
		t.Fatalf("room members saw different payloads: %q vs %q", evA.Content, evB.Content)
	}

	// C, in a different room, observes nothing.
	clientC.assertSilent(t, 200*time.Millisecond)
}

func TestInvalidMessageGetsError(t *testing.T) {
	ts := newTestServer(t, &provider.MockCapability{}, nil)
	client := dial(t, ts)

	if err := client.conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("failed to send: %v", err)
	}

	ev := client.recv(t)
	if ev.Type != "error" || ev.Code != "invalid_message" {
		t.Fatalf("expected invalid_message error, got %+v", ev)
	}

	client.send(t, map[string]interface{}{"type": "mystery"})
	ev = client.recv(t)
	if ev.Type != "error" || ev.Code != "invalid_message" {
		t.Fatalf("expected invalid_message error for unknown type, got %+v", ev)
	}
}
