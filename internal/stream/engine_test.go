package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/trndnhan/maiservant/internal/domain"
	"github.com/trndnhan/maiservant/internal/hub"
	"github.com/trndnhan/maiservant/internal/protocol"
	"github.com/trndnhan/maiservant/internal/provider"
	"github.com/trndnhan/maiservant/internal/ready"
	"github.com/trndnhan/maiservant/internal/store"
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

type testEnv struct {
	store  *store.SQLiteStore
	hub    *hub.Hub
	ready  *ready.Coordinator
	engine *Engine
	conn   *hub.Connection
}

func newTestEnv(t *testing.T, capability provider.Capability, readyTimeout time.Duration) *testEnv {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	h := hub.NewHub()
	go h.Run()

	coordinator := ready.NewCoordinator(readyTimeout)
	engine := NewEngine(st, h, &stubResolver{capability: capability}, coordinator, 4)

	conn := h.NewConnection(nil)
	h.Register(conn)
	h.Join(conn, "s1")

	return &testEnv{store: st, hub: h, ready: coordinator, engine: engine, conn: conn}
}

type event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
	Done      bool   `json:"done"`
	Title     string `json:"title"`
}

func recvEvent(t *testing.T, conn *hub.Connection) event {
	t.Helper()
	select {
	case data := <-conn.Send:
		var ev event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode event: %v (%s)", err, data)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return event{}
	}
}

func assertNoEvent(t *testing.T, conn *hub.Connection, d time.Duration) {
	t.Helper()
	select {
	case data := <-conn.Send:
		t.Fatalf("unexpected event: %s", data)
	case <-time.After(d):
	}
}

// collectStream reads assistant_stream events until the terminal one and
// returns them in order.
func collectStream(t *testing.T, conn *hub.Connection) []event {
	t.Helper()
	var events []event
	for {
		ev := recvEvent(t, conn)
		if ev.Type != protocol.TypeAssistantStream {
			t.Fatalf("expected assistant_stream, got %s", ev.Type)
		}
		events = append(events, ev)
		if ev.Done {
			return events
		}
	}
}

func defaultRequest(isNew bool) InvokeRequest {
	return InvokeRequest{
		SessionID: "s1",
		UserID:    "u1",
		ModelID:   "gemini-2.0-flash",
		Provider:  "google",
		Prompt:    "tell me a story",
		IsNew:     isNew,
	}
}

func ensureExistingSession(t *testing.T, env *testEnv) {
	t.Helper()
	now := time.Now()
	err := env.store.EnsureSession(context.Background(), &domain.Session{
		SessionID:   "s1",
		UserID:      "u1",
		AgentData:   domain.AgentData{Model: domain.AgentModel{ID: "gemini-2.0-flash", Provider: "google"}},
		SessionData: map[string]string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
}

func TestStreamEmitsMonotonicCumulativeContent(t *testing.T) {
	capability := &provider.MockCapability{Chunks: []string{"Once", " upon", " a time"}}
	env := newTestEnv(t, capability, time.Second)
	ensureExistingSession(t, env)

	if err := env.engine.StartInvocation(context.Background(), defaultRequest(false)); err != nil {
		t.Fatalf("StartInvocation failed: %v", err)
	}

	events := collectStream(t, env.conn)
	if len(events) != 4 {
		t.Fatalf("expected 3 increments plus final, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if !strings.HasPrefix(events[i].Content, events[i-1].Content) {
			t.Fatalf("content at %d is not a prefix-extension: %q -> %q", i, events[i-1].Content, events[i].Content)
		}
	}
	final := events[len(events)-1]
	if !final.Done || final.Content != "Once upon a time" {
		t.Fatalf("unexpected final event: %+v", final)
	}

	// Existing session: no title event follows.
	assertNoEvent(t, env.conn, 150*time.Millisecond)
}

func TestStreamPersistsExchange(t *testing.T) {
	capability := &provider.MockCapability{Chunks: []string{"hi"}}
	env := newTestEnv(t, capability, time.Second)
	ensureExistingSession(t, env)

	if err := env.engine.StartInvocation(context.Background(), defaultRequest(false)); err != nil {
		t.Fatalf("StartInvocation failed: %v", err)
	}
	collectStream(t, env.conn)

	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs, err := env.store.GetMessages(context.Background(), "s1", 10, 0)
		if err != nil {
			t.Fatalf("GetMessages failed: %v", err)
		}
		if len(msgs) == 2 {
			if msgs[0].Role != domain.RoleUser || msgs[0].Content != "tell me a story" {
				t.Fatalf("unexpected user message: %+v", msgs[0])
			}
			if msgs[1].Role != domain.RoleAssistant || msgs[1].Content != "hi" {
				t.Fatalf("unexpected assistant message: %+v", msgs[1])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 persisted messages, got %+v", msgs)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestExistingSessionReplaysHistory(t *testing.T) {
	capability := &provider.MockCapability{Chunks: []string{"sure"}}
	env := newTestEnv(t, capability, time.Second)
	ensureExistingSession(t, env)

	base := time.Now().Add(-time.Hour)
	for i, m := range []struct{ role, content string }{
		{domain.RoleUser, "earlier question"},
		{domain.RoleAssistant, "earlier answer"},
	} {
		err := env.store.AppendMessage(context.Background(), &domain.Message{
			MessageID: fmt.Sprintf("m%d", i), SessionID: "s1",
			Role: m.role, Content: m.content, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	if err := env.engine.StartInvocation(context.Background(), defaultRequest(false)); err != nil {
		t.Fatalf("StartInvocation failed: %v", err)
	}
	collectStream(t, env.conn)

	if len(capability.StreamMessages) != 1 {
		t.Fatalf("expected 1 stream call, got %d", len(capability.StreamMessages))
	}
	sent := capability.StreamMessages[0]
	if len(sent) != 3 {
		t.Fatalf("expected history plus prompt, got %d messages", len(sent))
	}
	if sent[0].Content != "earlier question" || sent[1].Content != "earlier answer" {
		t.Fatalf("history not replayed in order: %+v", sent)
	}
	if sent[2].Role != domain.RoleUser || sent[2].Content != "tell me a story" {
		t.Fatalf("prompt not appended last: %+v", sent[2])
	}
}

func TestNewSessionBlocksUntilReady(t *testing.T) {
	capability := &provider.MockCapability{Chunks: []string{"hello"}, CompleteText: "Greeting"}
	env := newTestEnv(t, capability, 5*time.Second)

	if err := env.engine.StartInvocation(context.Background(), defaultRequest(true)); err != nil {
		t.Fatalf("StartInvocation failed: %v", err)
	}

	// Nothing may be emitted before the client signals readiness.
	assertNoEvent(t, env.conn, 150*time.Millisecond)

	env.ready.Signal("s1")

	events := collectStream(t, env.conn)
	if events[len(events)-1].Content != "hello" {
		t.Fatalf("unexpected final content: %+v", events[len(events)-1])
	}

	// New session: session_title arrives strictly after the final
	// assistant_stream event.
	titleEv := recvEvent(t, env.conn)
	if titleEv.Type != protocol.TypeSessionTitle || titleEv.Title != "Greeting" {
		t.Fatalf("unexpected title event: %+v", titleEv)
	}

	// Title prompt embeds the full response; persisted title matches.
	if len(capability.CompletePrompts) != 1 || !strings.Contains(capability.CompletePrompts[0], "hello") {
		t.Fatalf("unexpected title prompts: %+v", capability.CompletePrompts)
	}
	session, err := env.store.GetSession(context.Background(), "s1")
	if err != nil || session == nil {
		t.Fatalf("GetSession failed: %v, %+v", err, session)
	}
	if session.Title() != "Greeting" {
		t.Fatalf("title not persisted: %q", session.Title())
	}

	// The readiness token is gone.
	if env.ready.Outstanding("s1") {
		t.Fatal("readiness token not unregistered")
	}
}

func TestTitleFallsBackToUntitled(t *testing.T) {
	capability := &provider.MockCapability{Chunks: []string{"x"}, CompleteText: ""}
	env := newTestEnv(t, capability, 5*time.Second)

	if err := env.engine.StartInvocation(context.Background(), defaultRequest(true)); err != nil {
		t.Fatalf("StartInvocation failed: %v", err)
	}
	env.ready.Signal("s1")
	collectStream(t, env.conn)

	titleEv := recvEvent(t, env.conn)
	if titleEv.Type != protocol.TypeSessionTitle || titleEv.Title != "Untitled" {
		t.Fatalf("expected Untitled fallback, got %+v", titleEv)
	}

	session, _ := env.store.GetSession(context.Background(), "s1")
	if session.Title() != "Untitled" {
		t.Fatalf("fallback title not persisted: %q", session.Title())
	}
}

func TestTitleErrorAbsorbedIntoFallback(t *testing.T) {
	capability := &provider.MockCapability{
		Chunks:      []string{"x"},
		CompleteErr: errors.New("provider down"),
	}
	env := newTestEnv(t, capability, 5*time.Second)

	if err := env.engine.StartInvocation(context.Background(), defaultRequest(true)); err != nil {
		t.Fatalf("StartInvocation failed: %v", err)
	}
	env.ready.Signal("s1")
	collectStream(t, env.conn)

	titleEv := recvEvent(t, env.conn)
	if titleEv.Title != "Untitled" {
		t.Fatalf("expected Untitled on title failure, got %+v", titleEv)
	}
}

func TestStreamErrorStillEmitsDone(t *testing.T) {
	capability := &provider.MockCapability{
		Chunks:    []string{"par", "tial"},
		StreamErr: errors.New("connection reset"),
	}
	env := newTestEnv(t, capability, time.Second)
	ensureExistingSession(t, env)

	if err := env.engine.StartInvocation(context.Background(), defaultRequest(false)); err != nil {
		t.Fatalf("StartInvocation failed: %v", err)
	}

	events := collectStream(t, env.conn)
	final := events[len(events)-1]
	if !final.Done || final.Content != "partial" {
		t.Fatalf("expected terminal event with partial content, got %+v", final)
	}
}

func TestReadyTimeoutEmitsEmptyDone(t *testing.T) {
	capability := &provider.MockCapability{Chunks: []string{"never sent"}}
	env := newTestEnv(t, capability, 50*time.Millisecond)

	if err := env.engine.StartInvocation(context.Background(), defaultRequest(true)); err != nil {
		t.Fatalf("StartInvocation failed: %v", err)
	}

	ev := recvEvent(t, env.conn)
	if ev.Type != protocol.TypeAssistantStream || !ev.Done || ev.Content != "" {
		t.Fatalf("expected empty terminal event, got %+v", ev)
	}
	if env.ready.Outstanding("s1") {
		t.Fatal("readiness token not cleaned up after timeout")
	}
	// The model was never invoked.
	assertNoEvent(t, env.conn, 100*time.Millisecond)
}

func TestUnknownProviderFailsBeforeStreaming(t *testing.T) {
	env := newTestEnv(t, &provider.MockCapability{}, time.Second)
	env.engine.resolver = &stubResolver{err: &provider.UnknownProviderError{Provider: "UNKNOWN"}}

	err := env.engine.StartInvocation(context.Background(), defaultRequest(false))
	var unknown *provider.UnknownProviderError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownProviderError, got %v", err)
	}
	assertNoEvent(t, env.conn, 100*time.Millisecond)
}

func TestUnreadySessionDoesNotHoldWorkerSlot(t *testing.T) {
	capability := &provider.MockCapability{Chunks: []string{"fast"}}
	env := newTestEnv(t, capability, 5*time.Second)
	env.engine = NewEngine(env.store, env.hub, &stubResolver{capability: capability}, env.ready, 1)
	ensureExistingSession(t, env)

	// A new session parks waiting for stream_ready and is never signaled.
	parked := InvokeRequest{
		SessionID: "s2",
		UserID:    "u1",
		ModelID:   "gemini-2.0-flash",
		Provider:  "google",
		Prompt:    "hold",
		IsNew:     true,
	}
	if err := env.engine.StartInvocation(context.Background(), parked); err != nil {
		t.Fatalf("StartInvocation failed: %v", err)
	}

	// An unrelated existing session streams through the single worker
	// slot while the new session is still parked.
	if err := env.engine.StartInvocation(context.Background(), defaultRequest(false)); err != nil {
		t.Fatalf("StartInvocation failed: %v", err)
	}
	events := collectStream(t, env.conn)
	if events[len(events)-1].Content != "fast" {
		t.Fatalf("unexpected final content: %+v", events[len(events)-1])
	}

	if !env.ready.Outstanding("s2") {
		t.Fatal("parked session should still be awaiting readiness")
	}
	env.ready.Signal("s2")
}

func TestConcurrentInitForSameSessionRejected(t *testing.T) {
	capability := &provider.MockCapability{Chunks: []string{"hello"}}
	env := newTestEnv(t, capability, 5*time.Second)

	if err := env.engine.StartInvocation(context.Background(), defaultRequest(true)); err != nil {
		t.Fatalf("first StartInvocation failed: %v", err)
	}

	err := env.engine.StartInvocation(context.Background(), defaultRequest(true))
	var dup *ready.DuplicateRegistrationError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateRegistrationError, got %v", err)
	}

	// The first invocation still completes normally.
	env.ready.Signal("s1")
	events := collectStream(t, env.conn)
	if events[len(events)-1].Content != "hello" {
		t.Fatalf("first invocation corrupted: %+v", events[len(events)-1])
	}
}
