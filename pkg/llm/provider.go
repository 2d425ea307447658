// Package llm defines the model-call collaborator boundary consumed by
// orchestration runnables. The engine treats a model call as an opaque
// async operation returning a typed result plus usage metrics, optionally
// as a stream of incremental chunks.
package llm

import (
	"context"
	"time"
)

// Role identifies the sender of a message
type Role string

const (
	// RoleSystem indicates a system message (context, instructions)
	RoleSystem Role = "system"

	// RoleUser indicates a message from the user
	RoleUser Role = "user"

	// RoleAssistant indicates a message from the model
	RoleAssistant Role = "assistant"
)

// Message is a single message in a conversation
type Message struct {
	// Role indicates who sent this message
	Role Role `json:"role"`

	// Content is the text content of the message
	Content string `json:"content"`
}

// TokenUsage contains token consumption for one request
type TokenUsage struct {
	// InputTokens is the number of prompt tokens consumed
	InputTokens int `json:"inputTokens"`

	// OutputTokens is the number of completion tokens produced
	OutputTokens int `json:"outputTokens"`

	// TotalTokens is the combined token count
	TotalTokens int `json:"totalTokens"`
}

// Request contains the parameters for a completion request
type Request struct {
	// Messages is the conversation history including the current prompt
	Messages []Message `json:"messages"`

	// Model specifies which model to use
	Model string `json:"model"`

	// Temperature controls randomness; nil uses the provider default
	Temperature *float64 `json:"temperature,omitempty"`

	// MaxTokens limits the response length; nil uses the provider default
	MaxTokens *int `json:"maxTokens,omitempty"`

	// Metadata contains request tracking information (correlation IDs)
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Response is the full result of a completion request
type Response struct {
	// Content is the model's reply text
	Content string `json:"content"`

	// Model is the model that produced the reply
	Model string `json:"model"`

	// Usage contains token consumption for the request
	Usage TokenUsage `json:"usage"`

	// Duration is how long the request took
	Duration time.Duration `json:"duration"`
}

// StreamChunk is one incremental event of a streaming completion. The final
// chunk has Done set and carries the request's usage totals; an Err chunk
// terminates the stream.
type StreamChunk struct {
	// Delta is the incremental content since the previous chunk
	Delta string

	// Usage carries incremental token consumption, when the provider
	// reports it mid-stream
	Usage *TokenUsage

	// Done indicates the stream completed normally
	Done bool

	// Err terminates the stream with an error
	Err error
}

// Provider is the interface all model providers implement
type Provider interface {
	// Name returns the unique identifier for this provider
	Name() string

	// Complete sends a synchronous completion request and blocks until the
	// full response is available
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream sends a streaming completion request and returns a channel of
	// chunks. The channel is closed after the final chunk; callers must
	// consume it fully.
	Stream(ctx context.Context, req Request) (<-chan StreamChunk, error)
}
