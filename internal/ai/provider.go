package ai

import "context"

// Message is one turn of the conversation relayed upstream. Ordering matters:
// the system message precedes any history, which precedes the newest user turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenOptions carries the sampling parameters forwarded with every call.
type GenOptions struct {
	Temperature float64
	MaxTokens   int
}

// Provider issues a buffered chat completion for an ordered message sequence.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}
