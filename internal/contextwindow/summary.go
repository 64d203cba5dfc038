package contextwindow

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"
)

// SummaryKey identifies a summary: one per room and history length. A longer
// history yields a new key, so entries are never rewritten.
type SummaryKey struct {
	RoomID     string
	HistoryLen int
}

// Summary is an immutable condensation of a discarded history prefix.
type Summary struct {
	Key       SummaryKey
	Text      string
	CreatedAt time.Time
}

// SummaryCache stores summaries. cache.LRU satisfies it.
type SummaryCache interface {
	Get(key SummaryKey) (Summary, bool)
	Set(key SummaryKey, value Summary)
}

// SummaryStrategy condenses the messages dropped by the sliding window.
type SummaryStrategy interface {
	Summarize(ctx context.Context, roomID string, discarded []Message) (string, error)
}

// PlaceholderStrategy condenses the tail of the discarded prefix into a bounded
// "previous context" block without calling any model.
type PlaceholderStrategy struct {
	// Tail is how many of the latest discarded messages are quoted. Defaults to 3.
	Tail int
	// MaxRunes caps the quoted text. Defaults to 1200.
	MaxRunes int
}

// Summarize implements SummaryStrategy.
func (p PlaceholderStrategy) Summarize(_ context.Context, _ string, discarded []Message) (string, error) {
	return placeholderText(discarded, p.Tail, p.MaxRunes), nil
}

func placeholderText(discarded []Message, tail, maxRunes int) string {
	if tail <= 0 {
		tail = 3
	}
	if maxRunes <= 0 {
		maxRunes = 1200
	}
	from := len(discarded) - tail
	if from < 0 {
		from = 0
	}
	parts := make([]string, 0, tail)
	for _, m := range discarded[from:] {
		if c := strings.TrimSpace(m.Content); c != "" {
			parts = append(parts, c)
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("Previous conversation context: %d earlier messages omitted.", len(discarded))
	}
	return "Previous conversation context: " + truncateRunes(strings.Join(parts, " "), maxRunes)
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "…"
}

type turnModelKey struct{}

// WithTurnModel records the model of the turn being compacted so a ModelStrategy
// without an explicit Model summarises with the same one.
func WithTurnModel(ctx context.Context, model string) context.Context {
	return context.WithValue(ctx, turnModelKey{}, model)
}

func turnModel(ctx context.Context) string {
	m, _ := ctx.Value(turnModelKey{}).(string)
	return m
}

// Generator produces a complete text response for a prompt.
type Generator interface {
	Generate(ctx context.Context, model, prompt string) (string, error)
}

// ModelStrategy asks a model for the condensation. Any failure degrades to the
// placeholder text, so compaction always has a summary to insert.
type ModelStrategy struct {
	Generator Generator
	Model     string
	Timeout   time.Duration
	// MaxInputRunes bounds the transcript sent for summarisation.
	MaxInputRunes int
}

// Summarize implements SummaryStrategy.
func (s ModelStrategy) Summarize(ctx context.Context, roomID string, discarded []Message) (string, error) {
	if s.Generator == nil || len(discarded) == 0 {
		return placeholderText(discarded, 0, 0), nil
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	model := s.Model
	if model == "" {
		model = turnModel(ctx)
	}
	text, err := s.Generator.Generate(ctx, model, buildSummaryPrompt(discarded, s.MaxInputRunes))
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		if ctx.Err() != nil && err != nil {
			err = fmt.Errorf("%w (%v)", err, ctx.Err())
		}
		log.WithError(err).WithField("room_id", roomID).Warn("summary generation failed, using placeholder")
		return placeholderText(discarded, 0, 0), nil
	}
	return "Summary of earlier conversation: " + text, nil
}

func buildSummaryPrompt(discarded []Message, maxRunes int) string {
	if maxRunes <= 0 {
		maxRunes = 24000
	}
	var sb strings.Builder
	sb.WriteString("Summarize the following conversation excerpt in a few sentences. ")
	sb.WriteString("Keep names, decisions, open questions and any code identifiers exactly as written. ")
	sb.WriteString("Answer in the language of the conversation.\n\n")
	var transcript strings.Builder
	for _, m := range discarded {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		transcript.WriteString(m.Role)
		transcript.WriteString(": ")
		transcript.WriteString(m.Content)
		transcript.WriteString("\n")
	}
	t := transcript.String()
	if n := utf8.RuneCountInString(t); n > maxRunes {
		// keep the most recent part of the excerpt
		runes := []rune(t)
		t = string(runes[n-maxRunes:])
	}
	sb.WriteString(t)
	return sb.String()
}
