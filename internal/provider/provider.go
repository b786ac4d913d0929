// Package provider abstracts the language-model stream producer.
//
// The metering subsystem treats the model provider as a black box that emits
// incremental text deltas, optional interim usage snapshots and a terminal
// event carrying the final usage summary.
package provider

import "context"

// Usage is the provider-reported token accounting for a generation.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Done is the terminal event of a successful stream. MessageID identifies
// the assistant message produced by the provider.
type Done struct {
	MessageID string
	Usage     *Usage
}

// Event is one item on a generation stream. Exactly one of the fields is
// meaningful per event; Done and Err are terminal.
type Event struct {
	Delta string
	Usage *Usage
	Done  *Done
	Err   error
}

// Message is one chat turn sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one generation.
type Request struct {
	Model    string    `json:"model"`
	System   string    `json:"system,omitempty"`
	Messages []Message `json:"messages"`
}

// ChatProvider produces a generation stream. The returned channel is closed
// after a terminal event. Implementations must respect ctx cancellation and
// emit an Err event when the upstream fails mid-stream.
type ChatProvider interface {
	StreamChat(ctx context.Context, req Request) (<-chan Event, error)
}
