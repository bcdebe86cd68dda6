// Package contextutil carries context helpers shared by the long-lived
// connection handlers.
package contextutil

import (
	"context"
	"time"
)

// WithTimeout wraps parent with a deadline d away. A non-positive d returns
// parent unchanged with a no-op cancel, and a nil parent falls back to
// context.Background so callers can pass optional contexts through.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if d > 0 {
		return context.WithTimeout(parent, d)
	}
	return parent, func() {}
}
