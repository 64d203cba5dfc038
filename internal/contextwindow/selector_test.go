package contextwindow

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

// runeCounter charges one token per rune so budgets are easy to reason about.
type runeCounter struct{}

func (runeCounter) Estimate(text, _ string) int { return utf8.RuneCountInString(text) }

func contents(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestScore(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want float64
	}{
		{"short assistant", Message{Role: RoleAssistant, Content: "ok"}, 0.3},
		{"short user", Message{Role: RoleUser, Content: "ok"}, 0.3 * 1.3},
		{"medium assistant", Message{Role: RoleAssistant, Content: strings.Repeat("x", 100)}, 1.0},
		{"long assistant", Message{Role: RoleAssistant, Content: strings.Repeat("x", 600)}, 0.7},
		{"question", Message{Role: RoleAssistant, Content: strings.Repeat("x", 30) + "?"}, 1.5},
		{"code fence", Message{Role: RoleAssistant, Content: "```go\nfmt.Println(1)\n```"}, 1.5},
		{"one keyword", Message{Role: RoleAssistant, Content: "this part is important for you"}, 1.3},
		{"keyword cap", Message{Role: RoleAssistant, Content: "important key summary exam homework assignment formula"}, 2.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.InDelta(t, tt.want, Score(tt.msg), 1e-9)
		})
	}
}

func TestSelect_FitsUnchanged(t *testing.T) {
	s := NewSelector(runeCounter{}, 3)
	history := []Message{{Role: RoleUser, Content: "안녕"}}
	w := s.Select(history, 1_000_000, "gemini-2.5-pro")
	require.Len(t, w.Messages, 1)
	require.Equal(t, history[0].Role, w.Messages[0].Role)
	require.Equal(t, history[0].Content, w.Messages[0].Content)
	require.Equal(t, 2, w.Tokens)
	require.Zero(t, history[0].TokenEstimate, "input must not be mutated")
}

func TestSelect_EmptyHistory(t *testing.T) {
	w := NewSelector(runeCounter{}, 3).Select(nil, 100, "m")
	require.Empty(t, w.Messages)
	require.Zero(t, w.Tokens)
}

func TestSelect_BudgetAndRecentReserved(t *testing.T) {
	var history []Message
	for i := 0; i < 30; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		history = append(history, Message{Role: role, Content: fmt.Sprintf("%02d %s", i, strings.Repeat("w", 10+(i*7)%40))})
	}
	s := NewSelector(runeCounter{}, 3)

	for _, budget := range []int{150, 300, 600} {
		w := s.Select(history, budget, "m")
		sum := 0
		for _, m := range w.Messages {
			sum += m.TokenEstimate
		}
		require.Equal(t, sum, w.Tokens)
		require.LessOrEqual(t, w.Tokens, budget)

		got := contents(w.Messages)
		require.Equal(t, contents(history[27:]), got[len(got)-3:], "recent messages reserved")

		prev := ""
		for _, c := range got {
			require.Less(t, prev, c, "chronological order")
			prev = c
		}
	}
}

func TestSelect_PrefersImportantOlderMessages(t *testing.T) {
	history := []Message{
		{Role: RoleAssistant, Content: "a filler reply of moderate length"},
		{Role: RoleUser, Content: "중요: 시험 범위가 어디까지인가요?"},
		{Role: RoleAssistant, Content: "another filler reply, moderate"},
		{Role: RoleUser, Content: "r1"},
		{Role: RoleAssistant, Content: "r2"},
		{Role: RoleUser, Content: "r3"},
	}
	s := NewSelector(runeCounter{}, 3)
	budget := 6 + utf8.RuneCountInString(history[1].Content)
	w := s.Select(history, budget, "m")
	require.Equal(t, []string{history[1].Content, "r1", "r2", "r3"}, contents(w.Messages))
}

func TestSelect_SkipsOversizedAndKeepsFilling(t *testing.T) {
	history := []Message{
		{Role: RoleUser, Content: "is this short question ok?"},
		{Role: RoleUser, Content: strings.Repeat("important key question? ", 40)},
		{Role: RoleAssistant, Content: "recent"},
	}
	s := NewSelector(runeCounter{}, 1)
	w := s.Select(history, 40, "m")
	require.Equal(t, []string{history[0].Content, "recent"}, contents(w.Messages))
}

func TestSelect_ShrinksReservedFromOldest(t *testing.T) {
	history := []Message{
		{Role: RoleUser, Content: strings.Repeat("a", 50)},
		{Role: RoleAssistant, Content: strings.Repeat("b", 50)},
		{Role: RoleUser, Content: strings.Repeat("c", 20)},
	}
	w := NewSelector(runeCounter{}, 3).Select(history, 75, "m")
	require.Equal(t, []string{history[1].Content, history[2].Content}, contents(w.Messages))
	require.Equal(t, 70, w.Tokens)
}

func TestSelect_NothingFitsReturnsNewestNonEmpty(t *testing.T) {
	history := []Message{
		{Role: RoleUser, Content: strings.Repeat("q", 100)},
		{Role: RoleAssistant, Content: ""},
	}
	w := NewSelector(runeCounter{}, 3).Select(history, 10, "m")
	require.Len(t, w.Messages, 1)
	require.Equal(t, history[0].Content, w.Messages[0].Content)
}
