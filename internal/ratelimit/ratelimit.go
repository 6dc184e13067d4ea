// Package ratelimit admits or rejects requests per caller key, bounding
// admissions to a configured count within a rolling window.
package ratelimit

import (
	"context"
	"time"
)

// Result reports one admission decision together with the header values the
// transport layer surfaces to the client.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter decides whether a request identified by key may proceed.
// Implementations must be safe for concurrent use and must make the
// check-and-increment atomic per key: two simultaneous admits for one key
// must never both take the last remaining slot.
type Limiter interface {
	Admit(ctx context.Context, key string) (Result, error)

	// Close releases background resources. Safe to call more than once.
	Close()
}
