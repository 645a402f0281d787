// Package stream runs model invocations in the background and fans
// assistant output out to session rooms.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/trndnhan/maiservant/internal/domain"
	"github.com/trndnhan/maiservant/internal/hub"
	"github.com/trndnhan/maiservant/internal/protocol"
	"github.com/trndnhan/maiservant/internal/provider"
	"github.com/trndnhan/maiservant/internal/ready"
	"github.com/trndnhan/maiservant/internal/store"
)

// historyLimit caps how many prior messages are replayed to the model.
const historyLimit = 50

// titlePromptTemplate mirrors the instruction used for session title
// synthesis. The substituted text is the full assistant response.
const titlePromptTemplate = "Generate a short conversation title (must be less than 40 chars, your response purely " +
	"contains ONLY the title, no quotation marks at the begin or end) summarizing the " +
	"following response:\n%s"

// fallbackTitle is used when title synthesis fails or comes back empty.
const fallbackTitle = "Untitled"

// Resolver maps a (model id, provider name) pair to a capability.
type Resolver interface {
	Resolve(modelID, providerName string) (provider.Capability, error)
}

// InvokeRequest describes one model invocation for a session.
type InvokeRequest struct {
	SessionID string
	UserID    string
	ModelID   string
	Provider  string
	Prompt    string

	// IsNew is the client-side flag marking a session the client just
	// created; it gates the readiness wait, not session classification.
	IsNew bool
}

// Engine coordinates session streaming: it classifies sessions, holds new
// streams until the client is ready, runs the model call on a bounded
// worker pool and emits incremental output to the session's room.
type Engine struct {
	store    store.Store
	hub      *hub.Hub
	resolver Resolver
	ready    *ready.Coordinator
	workers  *semaphore.Weighted
}

// NewEngine creates an engine with the given worker bound.
func NewEngine(st store.Store, h *hub.Hub, resolver Resolver, coordinator *ready.Coordinator, workers int64) *Engine {
	if workers <= 0 {
		workers = 1
	}
	return &Engine{
		store:    st,
		hub:      h,
		resolver: resolver,
		ready:    coordinator,
		workers:  semaphore.NewWeighted(workers),
	}
}

// StartInvocation begins one invocation. The synchronous part classifies
// the session, resolves the model capability and registers the readiness
// token; any failure here propagates to the caller before a single stream
// event is emitted. The model call itself runs on a worker goroutine so a
// slow provider never stalls other sessions.
func (e *Engine) StartInvocation(ctx context.Context, req InvokeRequest) error {
	existing, err := e.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return fmt.Errorf("failed to classify session: %w", err)
	}
	// Computed once, never re-evaluated: this flag alone decides titling.
	isNewSession := existing == nil

	capability, err := e.resolver.Resolve(req.ModelID, req.Provider)
	if err != nil {
		return err
	}

	var handle *ready.WaitHandle
	if req.IsNew {
		handle, err = e.ready.Register(req.SessionID)
		if err != nil {
			return err
		}
	}

	go e.run(req, capability, handle, isNewSession)
	return nil
}

// run is the worker side of an invocation.
func (e *Engine) run(req InvokeRequest, capability provider.Capability, handle *ready.WaitHandle, isNewSession bool) {
	ctx := context.Background()

	if handle != nil {
		err := e.ready.Await(ctx, handle)
		e.ready.Unregister(req.SessionID)
		if err != nil {
			// The client never confirmed subscription. Close out the
			// stream so nobody is left waiting on a silent session.
			log.Printf("Readiness wait failed for session %s: %v", req.SessionID, err)
			e.emitFinal(req.SessionID, "")
			return
		}
	}

	// The worker slot is taken only once the client is ready: a session
	// parked waiting for stream_ready must not starve other sessions.
	if err := e.workers.Acquire(ctx, 1); err != nil {
		log.Printf("Failed to acquire stream worker for session %s: %v", req.SessionID, err)
		e.emitFinal(req.SessionID, "")
		return
	}
	defer e.workers.Release(1)

	// A new session starts with no history.
	var history []provider.Message
	if !isNewSession {
		stored, err := e.store.GetMessages(ctx, req.SessionID, historyLimit, 0)
		if err != nil {
			log.Printf("Failed to load history for session %s: %v", req.SessionID, err)
		}
		for _, m := range stored {
			history = append(history, provider.Message{Role: m.Role, Content: m.Content})
		}
	}

	now := time.Now()
	if err := e.store.EnsureSession(ctx, &domain.Session{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		AgentData: domain.AgentData{
			Model: domain.AgentModel{ID: req.ModelID, Provider: strings.ToLower(req.Provider)},
		},
		SessionData: map[string]string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		log.Printf("Failed to ensure session %s: %v", req.SessionID, err)
	}

	e.appendMessage(ctx, req.SessionID, domain.RoleUser, req.Prompt)

	messages := append(history, provider.Message{Role: domain.RoleUser, Content: req.Prompt})

	// The accumulator holds the full response so far; every emitted event
	// carries the cumulative content, not the delta.
	var accumulator strings.Builder
	streamErr := capability.Stream(ctx, messages, func(delta string) error {
		accumulator.WriteString(delta)
		e.emit(req.SessionID, &protocol.AssistantStreamMessage{
			BaseMessage: protocol.BaseMessage{Type: protocol.TypeAssistantStream, SessionID: req.SessionID},
			Content:     accumulator.String(),
		})
		return nil
	})
	if streamErr != nil && !errors.Is(streamErr, context.Canceled) {
		// No retry: a replayed call would duplicate accumulated content.
		// Whatever arrived before the failure is still delivered below.
		log.Printf("Model stream failed for session %s: %v", req.SessionID, streamErr)
	}

	fullResponse := accumulator.String()
	e.emitFinal(req.SessionID, fullResponse)

	if fullResponse != "" {
		e.appendMessage(ctx, req.SessionID, domain.RoleAssistant, fullResponse)
	}

	if isNewSession {
		e.generateTitle(ctx, req.SessionID, capability, fullResponse)
	}
}

// generateTitle runs the dependent, history-free title synthesis for a
// new session. Failures are absorbed into the fallback title and never
// propagate.
func (e *Engine) generateTitle(ctx context.Context, sessionID string, capability provider.Capability, fullResponse string) {
	title, err := capability.Complete(ctx, fmt.Sprintf(titlePromptTemplate, fullResponse))
	if err != nil {
		log.Printf("Title generation failed for session %s: %v", sessionID, err)
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = fallbackTitle
	}

	if err := e.store.SetSessionTitle(ctx, sessionID, title); err != nil {
		log.Printf("Failed to persist title for session %s: %v", sessionID, err)
	}

	e.emit(sessionID, &protocol.SessionTitleMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeSessionTitle, SessionID: sessionID},
		Title:       title,
	})
}

// emitFinal emits the single terminal assistant_stream event for an
// invocation. It fires exactly once per invocation, on every path.
func (e *Engine) emitFinal(sessionID, content string) {
	e.emit(sessionID, &protocol.AssistantStreamMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeAssistantStream, SessionID: sessionID},
		Content:     content,
		Done:        true,
	})
}

// emit broadcasts to the session's room. Delivery is best-effort: emit
// failures are logged, never fatal to the worker.
func (e *Engine) emit(sessionID string, v interface{}) {
	if err := e.hub.BroadcastJSON(sessionID, v); err != nil {
		log.Printf("Failed to emit to session %s: %v", sessionID, err)
	}
}

func (e *Engine) appendMessage(ctx context.Context, sessionID, role, content string) {
	msg := &domain.Message{
		MessageID: "msg_" + uuid.New().String()[:8],
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if err := e.store.AppendMessage(ctx, msg); err != nil {
		log.Printf("Failed to save %s message for session %s: %v", role, sessionID, err)
	}
}
