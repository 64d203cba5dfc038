// Package contextwindow fits an unbounded conversation history into a model's token
// budget: a sliding window with a cached summary of the discarded prefix, followed by
// importance-ranked selection of what remains.
package contextwindow

import "time"

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one conversation entry. Functions in this package never mutate a
// caller's Message; scoring happens on copies.
type Message struct {
	Role            string    `json:"role"`
	Content         string    `json:"content"`
	TokenEstimate   int       `json:"token_estimate,omitempty"`
	ImportanceScore float64   `json:"importance_score,omitempty"`
	Timestamp       time.Time `json:"timestamp,omitempty"`
	// IsSummary marks the synthetic message standing in for discarded history.
	IsSummary bool `json:"is_summary,omitempty"`
}

// Window is the selected, chronologically ordered context for one call.
type Window struct {
	Messages []Message
	// Tokens is the summed TokenEstimate of Messages.
	Tokens int
}
