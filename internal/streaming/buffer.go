// Package streaming paces and encodes the outbound half of a chat turn: coalescing
// buffers for partial text, the frame wire format, and per-turn citation dedup.
package streaming

import (
	"strings"
	"time"
)

// Buffer defaults.
const (
	DefaultFlushBytes    = 64
	DefaultFlushInterval = 50 * time.Millisecond
)

// Buffer coalesces small deltas into fewer, larger frames. It is not safe for
// concurrent use; each output channel owns its own Buffer.
type Buffer struct {
	threshold int
	interval  time.Duration
	now       func() time.Time

	sb        strings.Builder
	lastFlush time.Time
}

// BufferOption customises a Buffer.
type BufferOption func(*Buffer)

// WithClock injects the time source.
func WithClock(now func() time.Time) BufferOption {
	return func(b *Buffer) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBuffer creates a Buffer that signals a flush once threshold bytes are held or
// interval has passed since the previous flush. Non-positive values use defaults.
func NewBuffer(threshold int, interval time.Duration, opts ...BufferOption) *Buffer {
	if threshold <= 0 {
		threshold = DefaultFlushBytes
	}
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	b := &Buffer{threshold: threshold, interval: interval, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	b.lastFlush = b.now()
	return b
}

// Add appends chunk and reports whether the caller should Flush now.
func (b *Buffer) Add(chunk string) bool {
	b.sb.WriteString(chunk)
	if b.sb.Len() >= b.threshold {
		return true
	}
	return b.now().Sub(b.lastFlush) >= b.interval
}

// Flush returns everything accumulated since the last Flush and resets the buffer.
func (b *Buffer) Flush() string {
	out := b.sb.String()
	b.sb.Reset()
	b.lastFlush = b.now()
	return out
}

// Len is the number of buffered bytes.
func (b *Buffer) Len() int { return b.sb.Len() }
