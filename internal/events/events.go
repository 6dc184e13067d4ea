// Package events publishes generation usage events to a message queue.
// Events carry metadata only; generated content is never persisted.
package events

import (
	"context"
	"time"
)

// Event describes one completed (or failed) generation.
type Event struct {
	GenerationID string    `json:"generation_id"`
	ClientKey    string    `json:"client_key"`
	Platform     string    `json:"platform"`
	Tone         string    `json:"tone"`
	Streamed     bool      `json:"streamed"`
	Status       string    `json:"status"` // "ok", "error" or "canceled"
	DurationMS   int64     `json:"duration_ms"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Publisher emits usage events. Implementations must tolerate publish
// failures without affecting the request path.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Noop is used when no queue is configured.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }
