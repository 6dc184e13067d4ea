package ai

import "context"

// StreamProvider is an optional interface. Providers may implement streaming
// chat: fragments are sent on the first channel in upstream order as they
// arrive, never buffered whole; both channels are closed when the stream ends.
// The sequence is finite and not restartable.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}
