// Package generate turns a validated request into an upstream chat completion.
package generate

import (
	"context"
	"errors"

	"github.com/oklog/ulid/v2"

	"github.com/contentforge/relay/internal/ai"
	"github.com/contentforge/relay/internal/prompt"
)

// ErrStreamingUnsupported is returned when the configured provider cannot
// stream and a token-stream response was requested.
var ErrStreamingUnsupported = errors.New("provider does not support streaming")

type Service struct {
	provider ai.Provider
}

func NewService(provider ai.Provider) *Service {
	return &Service{provider: provider}
}

// NewGenerationID returns a fresh identifier attached to every generation.
func NewGenerationID() string {
	return "gen_" + ulid.Make().String()
}

// buildMessages assembles the upstream conversation: system prompt first,
// then client-supplied history oldest to newest.
func (s *Service) buildMessages(req Request) []ai.Message {
	msgs := make([]ai.Message, 0, len(req.Messages)+1)
	msgs = append(msgs, ai.Message{
		Role:    "system",
		Content: prompt.Build(req.Topic, req.Platform, req.Tone),
	})
	msgs = append(msgs, req.Messages...)
	return msgs
}

// Generate performs a buffered completion and returns the full content.
func (s *Service) Generate(ctx context.Context, req Request) (string, error) {
	return s.provider.Chat(ctx, s.buildMessages(req))
}

// GenerateStream exposes the upstream token stream as a lazy, forward-only
// fragment sequence. Fragments arrive in upstream order; both channels close
// when the stream ends. The sequence is finite and not restartable.
func (s *Service) GenerateStream(ctx context.Context, req Request) (<-chan string, <-chan error) {
	sp, ok := s.provider.(ai.StreamProvider)
	if !ok {
		chunks := make(chan string)
		errs := make(chan error, 1)
		errs <- ErrStreamingUnsupported
		close(chunks)
		close(errs)
		return chunks, errs
	}
	return sp.StreamChat(ctx, s.buildMessages(req))
}
