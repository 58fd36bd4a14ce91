// Package llm streams assistant turns from model providers as protocol frames.
package llm

import (
	"context"
	"errors"

	"github.com/capitalize-ai/deck-assistant/internal/command"
	"github.com/capitalize-ai/deck-assistant/internal/model"
)

// FrameCallback is called for each frame during streaming. Returning an
// error stops the stream.
type FrameCallback func(f model.Frame) error

// CompletionRequest represents a streamed turn request.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	Tools       []command.Definition
	MaxTokens   int
	Temperature float64
}

// ChatMessage represents a chat message for LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResponse summarizes a finished stream.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is the interface for LLM providers.
type Client interface {
	// StreamFrames streams one assistant turn. Every tool call it opens is
	// closed before it returns successfully. It never emits turn-end; the
	// caller ends the turn.
	StreamFrames(ctx context.Context, req *CompletionRequest, callback FrameCallback) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// ErrNotConfigured is returned by the client used when no provider key is set.
var ErrNotConfigured = errors.New("no LLM provider configured")

type disabledClient struct{}

// Disabled returns a client whose turns always fail. Frame ingestion keeps
// working without a provider.
func Disabled() Client { return disabledClient{} }

func (disabledClient) StreamFrames(context.Context, *CompletionRequest, FrameCallback) (*CompletionResponse, error) {
	return nil, ErrNotConfigured
}

func (disabledClient) Name() string     { return "disabled" }
func (disabledClient) Models() []string { return nil }

// NewClient creates a new LLM client based on provider.
func NewClient(provider Provider, apiKey string) (Client, error) {
	switch provider {
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey)
	default:
		return NewAnthropicClient(apiKey)
	}
}
