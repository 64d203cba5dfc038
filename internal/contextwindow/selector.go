package contextwindow

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/tokens"
	log "github.com/sirupsen/logrus"
)

// DefaultReserveRecent is how many trailing messages are always kept.
const DefaultReserveRecent = 3

// importantKeywords are topic markers that raise a message's score. The list mixes
// the study vocabulary the product's users write in with common English terms.
var importantKeywords = []string{
	"중요", "핵심", "요약", "정리", "시험", "과제", "숙제", "수행평가", "문제", "질문",
	"설명", "정의", "공식", "개념", "오류", "에러",
	"important", "key", "summary", "exam", "homework", "assignment", "question",
	"error", "bug", "definition", "formula", "explain",
}

// Selector keeps the most valuable messages that fit a token budget.
type Selector struct {
	counter       tokens.Counter
	reserveRecent int
}

// NewSelector builds a Selector. reserveRecent <= 0 means DefaultReserveRecent.
func NewSelector(counter tokens.Counter, reserveRecent int) *Selector {
	if reserveRecent <= 0 {
		reserveRecent = DefaultReserveRecent
	}
	return &Selector{counter: counter, reserveRecent: reserveRecent}
}

// Score rates a message for retention. It does not look at the message's position.
func Score(m Message) float64 {
	n := utf8.RuneCountInString(m.Content)
	var score float64
	switch {
	case n < 20:
		score = 0.3
	case n <= 500:
		score = 1.0
	default:
		score = 0.7
	}

	lower := strings.ToLower(m.Content)
	bonus := 0.0
	for _, kw := range importantKeywords {
		if strings.Contains(lower, kw) {
			bonus += 0.3
		}
	}
	if bonus > 1.5 {
		bonus = 1.5
	}
	score += bonus

	if strings.Contains(m.Content, "?") || strings.Contains(m.Content, "？") || strings.Contains(m.Content, "```") {
		score += 0.5
	}
	if m.Role == RoleUser {
		score *= 1.3
	}
	return score
}

// Select returns a chronologically ordered subset of history whose summed estimate
// does not exceed budget. The most recent messages are always preferred; older ones
// compete on Score. The input slice and its messages are not modified.
func (s *Selector) Select(history []Message, budget int, model string) Window {
	if len(history) == 0 {
		return Window{}
	}

	msgs := make([]Message, len(history))
	copy(msgs, history)
	total := 0
	for i := range msgs {
		msgs[i].TokenEstimate = s.counter.Estimate(msgs[i].Content, model)
		total += msgs[i].TokenEstimate
	}
	if total <= budget {
		return Window{Messages: msgs, Tokens: total}
	}

	reserved := s.reserveRecent
	if reserved > len(msgs) {
		reserved = len(msgs)
	}
	start := len(msgs) - reserved
	reservedCost := 0
	for _, m := range msgs[start:] {
		reservedCost += m.TokenEstimate
	}
	// Shrink the reserved tail from its oldest end until it fits.
	for reservedCost > budget && start < len(msgs) {
		reservedCost -= msgs[start].TokenEstimate
		start++
	}
	if start == len(msgs) {
		return s.lastResort(msgs, budget, model)
	}

	older := make([]int, 0, start)
	for i := 0; i < start; i++ {
		msgs[i].ImportanceScore = Score(msgs[i])
		older = append(older, i)
	}
	sort.SliceStable(older, func(a, b int) bool {
		return msgs[older[a]].ImportanceScore > msgs[older[b]].ImportanceScore
	})

	residual := budget - reservedCost
	admitted := make([]bool, len(msgs))
	used := 0
	for _, idx := range older {
		cost := msgs[idx].TokenEstimate
		if used+cost > residual {
			continue
		}
		admitted[idx] = true
		used += cost
	}

	out := make([]Message, 0, len(msgs))
	hasContent := false
	for i := range msgs {
		if i >= start || admitted[i] {
			out = append(out, msgs[i])
			hasContent = hasContent || strings.TrimSpace(msgs[i].Content) != ""
		}
	}
	if !hasContent {
		return s.lastResort(msgs, budget, model)
	}
	w := Window{Messages: out, Tokens: used + reservedCost}
	log.WithFields(log.Fields{
		"model":    model,
		"budget":   budget,
		"input":    len(history),
		"selected": len(out),
		"tokens":   w.Tokens,
	}).Debug("context selection trimmed history")
	return w
}

// lastResort handles a budget too small for even the newest message: the most
// recent non-empty message is returned alone so the model still gets a prompt.
func (s *Selector) lastResort(msgs []Message, budget int, model string) Window {
	for i := len(msgs) - 1; i >= 0; i-- {
		if strings.TrimSpace(msgs[i].Content) == "" {
			continue
		}
		log.WithFields(log.Fields{
			"model":  model,
			"budget": budget,
			"tokens": msgs[i].TokenEstimate,
		}).Warn("context budget smaller than newest message, sending it alone")
		return Window{Messages: []Message{msgs[i]}, Tokens: msgs[i].TokenEstimate}
	}
	return Window{}
}
