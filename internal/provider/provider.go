// Package provider resolves (model id, provider name) pairs to callable
// model capabilities and implements the provider HTTP clients.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/trndnhan/maiservant/internal/config"
)

// Message is a single chat message sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamFunc is called for each content increment produced by a
// streaming completion.
type StreamFunc func(delta string) error

// Capability is a bound provider+model pair able to run completions.
// Credential validity is checked lazily by the provider on first use;
// construction never performs network I/O.
type Capability interface {
	// Stream runs a streaming completion over the given messages,
	// invoking fn for each content increment.
	Stream(ctx context.Context, messages []Message, fn StreamFunc) error

	// Complete runs a single non-streaming, history-free completion.
	Complete(ctx context.Context, prompt string) (string, error)
}

// UnknownProviderError is returned when the provider name does not match
// any supported provider.
type UnknownProviderError struct {
	Provider string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown provider: %s", e.Provider)
}

// Kind enumerates the supported providers.
type Kind int

const (
	KindGoogle Kind = iota
	KindCohere
	KindMistral
	KindGroq
	KindOpenRouter
)

// kindByName maps lowercased provider names to kinds. Matching is
// case-insensitive at the Resolve boundary.
var kindByName = map[string]Kind{
	"google":     KindGoogle,
	"cohere":     KindCohere,
	"mistral":    KindMistral,
	"groq":       KindGroq,
	"openrouter": KindOpenRouter,
}

// Base URLs for the OpenAI-compatible providers.
const (
	mistralBaseURL    = "https://api.mistral.ai/v1"
	groqBaseURL       = "https://api.groq.com/openai/v1"
	openRouterBaseURL = "https://openrouter.ai/api/v1"
)

// Resolver constructs capabilities bound to process-wide credentials.
type Resolver struct {
	cfg        *config.Config
	httpClient *http.Client
}

// NewResolver creates a resolver. All capabilities produced by one
// resolver share a single HTTP client.
func NewResolver(cfg *config.Config, timeout time.Duration) *Resolver {
	return &Resolver{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Resolve maps a (model id, provider name) pair to a capability. The
// provider name is matched case-insensitively; an unrecognized name
// fails synchronously with *UnknownProviderError so the caller gets an
// immediate failure before any stream work begins.
func (r *Resolver) Resolve(modelID, providerName string) (Capability, error) {
	kind, ok := kindByName[strings.ToLower(providerName)]
	if !ok {
		return nil, &UnknownProviderError{Provider: providerName}
	}

	switch kind {
	case KindGoogle:
		return newGeminiClient(modelID, r.cfg.GoogleAPIKey, r.httpClient), nil
	case KindCohere:
		return newCohereClient(modelID, r.cfg.CohereAPIKey, r.httpClient), nil
	case KindMistral:
		return newOpenAIClient(mistralBaseURL, modelID, r.cfg.MistralAPIKey, r.httpClient), nil
	case KindGroq:
		return newOpenAIClient(groqBaseURL, modelID, r.cfg.GroqAPIKey, r.httpClient), nil
	case KindOpenRouter:
		return newOpenAIClient(openRouterBaseURL, modelID, r.cfg.OpenRouterAPIKey, r.httpClient), nil
	default:
		// Unreachable: kindByName is the closed set above.
		return nil, &UnknownProviderError{Provider: providerName}
	}
}
