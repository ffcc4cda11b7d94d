// Package llm provides chat-completion providers behind a common interface
// and a static-priority failover chain used by the query rewriter.
package llm

import (
	"context"
	"fmt"
	"os"

	"github.com/knowledgecore/retrieval/internal/config"
)

// Role values for chat messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-agnostic completion request.
type Request struct {
	System      string
	Messages    []Message
	MaxTokens   int64
	Temperature float64
}

// Provider is a single LLM backend. Complete returns the assistant text.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// NewProvider constructs one provider from its config entry. The provider
// set is closed at startup; unknown kinds are a config error.
func NewProvider(name string, pc config.LLMProviderConfig) (Provider, error) {
	apiKey := ""
	if pc.APIKeyEnv != "" {
		apiKey = os.Getenv(pc.APIKeyEnv)
	}
	switch pc.Kind {
	case "openai":
		return newOpenAIProvider(name, pc.Model, pc.BaseURL, apiKey), nil
	case "anthropic":
		return newAnthropicProvider(name, pc.Model, pc.BaseURL, apiKey), nil
	case "http":
		return newHTTPProvider(name, pc.Model, pc.BaseURL), nil
	default:
		return nil, fmt.Errorf("llm provider %s: unknown kind %q", name, pc.Kind)
	}
}
