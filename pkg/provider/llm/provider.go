// Package llm defines the Provider interface for text-generation backends
// used by the question classifier.
//
// The pipeline makes exactly one kind of LLM call: a stateless, single-turn
// completion over one utterance, constrained by its system prompt to return
// a single structured field. The interface is therefore intentionally
// narrow — no streaming, no tool calling, no conversation state.
//
// Implementations must be safe for concurrent use from multiple goroutines
// and must propagate context cancellation promptly.
package llm

import "context"

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// CompletionRequest carries everything the model needs for one completion.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered message list. For the classifier this is a
	// single user message carrying the utterance.
	Messages []Message

	// SystemPrompt is a high-priority instruction injected before Messages.
	SystemPrompt string

	// Temperature controls output randomness in [0.0, 2.0]. The classifier
	// uses a low value for stable structured output.
	Temperature float64

	// MaxTokens caps the completion length. Zero uses the provider default.
	MaxTokens int
}

// CompletionResponse is the result of a successful Complete call.
type CompletionResponse struct {
	// Content is the full text of the model's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or ctx is cancelled before the
	// completion arrives.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
