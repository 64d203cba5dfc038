// Package middleware provides the Gin middleware of the chat API: body
// decompression, per-room rate limiting and stream tracking.
package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// StreamTracker counts in-flight chat streams so shutdown can wait for them.
// http.Server.Shutdown does not wait for hijacked WebSocket connections.
type StreamTracker struct {
	mu     sync.Mutex
	active int
	idle   chan struct{}
}

// NewStreamTracker returns an idle tracker.
func NewStreamTracker() *StreamTracker {
	idle := make(chan struct{})
	close(idle)
	return &StreamTracker{idle: idle}
}

// Begin marks one stream as started.
func (t *StreamTracker) Begin() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == 0 {
		t.idle = make(chan struct{})
	}
	t.active++
}

// End marks one stream as finished.
func (t *StreamTracker) End() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == 0 {
		return
	}
	t.active--
	if t.active == 0 {
		close(t.idle)
	}
}

// Active returns the number of in-flight streams.
func (t *StreamTracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Wait blocks until no stream is active or ctx ends.
func (t *StreamTracker) Wait(ctx context.Context) error {
	t.mu.Lock()
	idle := t.idle
	t.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Middleware tracks each request through the route it guards.
func (t *StreamTracker) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		t.Begin()
		defer t.End()
		c.Next()
	}
}

// WaitTimeout is Wait with a deadline.
func (t *StreamTracker) WaitTimeout(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return t.Wait(ctx)
}
