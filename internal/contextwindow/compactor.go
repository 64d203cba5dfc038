package contextwindow

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Compactor bounds history length with a sliding window. Heavy truncation is
// annotated with a summary message; light truncation drops messages silently.
type Compactor struct {
	cache    SummaryCache
	strategy SummaryStrategy
	now      func() time.Time
}

// NewCompactor wires a summary cache and strategy. A nil strategy means
// PlaceholderStrategy.
func NewCompactor(cache SummaryCache, strategy SummaryStrategy) *Compactor {
	if strategy == nil {
		strategy = PlaceholderStrategy{}
	}
	return &Compactor{cache: cache, strategy: strategy, now: time.Now}
}

// Compact returns history unchanged when it fits in windowSize. Otherwise it keeps
// the last windowSize messages and, when len(history) > triggerThreshold, prepends
// one system summary message for the discarded prefix.
func (c *Compactor) Compact(ctx context.Context, roomID string, history []Message, windowSize, triggerThreshold int) []Message {
	if windowSize < 0 {
		windowSize = 0
	}
	if len(history) <= windowSize {
		return history
	}

	cut := len(history) - windowSize
	discarded, kept := history[:cut], history[cut:]

	if len(history) <= triggerThreshold {
		out := make([]Message, len(kept))
		copy(out, kept)
		return out
	}

	out := make([]Message, 0, windowSize+1)
	out = append(out, Message{
		Role:      RoleSystem,
		Content:   c.summaryText(ctx, roomID, len(history), discarded),
		Timestamp: discarded[len(discarded)-1].Timestamp,
		IsSummary: true,
	})
	return append(out, kept...)
}

func (c *Compactor) summaryText(ctx context.Context, roomID string, historyLen int, discarded []Message) string {
	key := SummaryKey{RoomID: roomID, HistoryLen: historyLen}
	if c.cache != nil {
		if s, ok := c.cache.Get(key); ok {
			return s.Text
		}
	}

	text, err := c.strategy.Summarize(ctx, roomID, discarded)
	if err != nil || text == "" {
		log.WithError(err).WithField("room_id", roomID).Warn("summary strategy failed, using placeholder")
		// not cached: a later turn may still produce a real summary for this key
		return placeholderText(discarded, 0, 0)
	}
	if c.cache != nil {
		c.cache.Set(key, Summary{Key: key, Text: text, CreatedAt: c.now()})
	}
	return text
}
