// Package ready coordinates stream start with client subscription.
//
// A new session's first assistant stream may begin producing chunks before
// the client has finished joining the session's room. The coordinator lets
// the stream worker park until the client confirms readiness, so no chunk
// is emitted into an empty room.
package ready

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DuplicateRegistrationError is returned when a readiness token is already
// outstanding for the session.
type DuplicateRegistrationError struct {
	SessionID string
}

func (e *DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("readiness already registered for session %s", e.SessionID)
}

// TimeoutError is returned when the client never signals readiness within
// the configured bound.
type TimeoutError struct {
	SessionID string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for stream_ready on session %s", e.Timeout, e.SessionID)
}

// WaitHandle is a single-use synchronization token for one session.
// Exactly one waiter and one signaler per handle.
type WaitHandle struct {
	sessionID string
	ch        chan struct{}
}

type waiter struct {
	ch       chan struct{}
	signaled bool
}

// Coordinator tracks outstanding readiness tokens keyed by session id.
// Entries exist strictly between Register and Unregister.
type Coordinator struct {
	timeout time.Duration

	mu      sync.Mutex
	waiters map[string]*waiter
}

// NewCoordinator creates a coordinator with the given wait bound.
// A zero timeout means wait indefinitely (reference behavior; not
// recommended outside tests).
func NewCoordinator(timeout time.Duration) *Coordinator {
	return &Coordinator{
		timeout: timeout,
		waiters: make(map[string]*waiter),
	}
}

// Register creates a fresh single-fire token for the session. A second
// registration while one is outstanding is rejected.
func (c *Coordinator) Register(sessionID string) (*WaitHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.waiters[sessionID]; exists {
		return nil, &DuplicateRegistrationError{SessionID: sessionID}
	}

	ch := make(chan struct{})
	c.waiters[sessionID] = &waiter{ch: ch}
	return &WaitHandle{sessionID: sessionID, ch: ch}, nil
}

// Await blocks the calling goroutine until Signal fires for the handle's
// session, the timeout elapses, or ctx is cancelled.
func (c *Coordinator) Await(ctx context.Context, handle *WaitHandle) error {
	var timeoutCh <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-handle.ch:
		return nil
	case <-timeoutCh:
		return &TimeoutError{SessionID: handle.sessionID, Timeout: c.timeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Signal wakes the session's waiter if one exists. Signaling a session
// with no registered waiter is a no-op: under a relaxed timing policy the
// client may confirm readiness after the server already proceeded.
func (c *Coordinator) Signal(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.waiters[sessionID]
	if !ok || w.signaled {
		return
	}
	w.signaled = true
	close(w.ch)
}

// Unregister removes the session's token. Always called after Await
// returns, whatever the outcome, so stale entries never accumulate.
func (c *Coordinator) Unregister(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waiters, sessionID)
}

// Outstanding reports whether a token is currently registered.
func (c *Coordinator) Outstanding(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.waiters[sessionID]
	return ok
}
