// Package llm defines the provider abstraction for chat-completion
// backends. The extraction pipeline only ever needs a single non-streaming
// completion per call, so the interface is deliberately small; provider
// selection and construction happen in the config registry.
package llm

import "context"

// Message is a single message in a chat-completion conversation.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// CompletionRequest describes a single chat-completion call.
type CompletionRequest struct {
	// Messages is the conversation history, oldest first.
	Messages []Message

	// SystemPrompt, when non-empty, is prepended as a system message.
	SystemPrompt string

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int

	// Temperature controls sampling randomness. Zero means provider default.
	Temperature float64

	// JSONOnly requests a JSON-object response format from backends that
	// support it natively. Backends without native support rely on the
	// prompt instruction; the gateway validates the body either way.
	JSONOnly bool
}

// Usage reports token accounting for a completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is the result of a completion call.
type CompletionResponse struct {
	// Content is the assistant message text.
	Content string

	// Usage is the provider-reported token accounting, when available.
	Usage Usage
}

// Provider is a chat-completion backend. Implementations must be safe for
// concurrent use and must respect context cancellation.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
