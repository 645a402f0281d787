package provider

import (
	"context"
	"sync"
)

// MockCapability is a scripted capability for testing. Chunks are emitted
// in order by Stream; CompleteText is returned by Complete. Errors, when
// set, are returned after any scripted output.
type MockCapability struct {
	Chunks       []string
	StreamErr    error
	CompleteText string
	CompleteErr  error

	// StreamStarted, when non-nil, is closed on the first Stream call.
	StreamStarted chan struct{}

	mu sync.Mutex
	// CompletePrompts records the prompts passed to Complete.
	CompletePrompts []string
	// StreamMessages records the message history passed to each Stream call.
	StreamMessages [][]Message
	streamCalls    int
}

// Ensure MockCapability implements the Capability interface.
var _ Capability = (*MockCapability)(nil)

// Stream emits the scripted chunks, then the scripted error, if any.
func (m *MockCapability) Stream(ctx context.Context, messages []Message, fn StreamFunc) error {
	m.mu.Lock()
	if m.streamCalls == 0 && m.StreamStarted != nil {
		close(m.StreamStarted)
	}
	m.streamCalls++
	m.StreamMessages = append(m.StreamMessages, messages)
	m.mu.Unlock()

	for _, chunk := range m.Chunks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := fn(chunk); err != nil {
			return err
		}
	}
	return m.StreamErr
}

// Complete returns the scripted completion text or error.
func (m *MockCapability) Complete(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	m.CompletePrompts = append(m.CompletePrompts, prompt)
	m.mu.Unlock()

	if m.CompleteErr != nil {
		return "", m.CompleteErr
	}
	return m.CompleteText, nil
}
