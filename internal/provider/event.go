package provider

import "github.com/Sungblab/Sungblab-AI-backend-sub000/internal/streaming"

// Event is one decoded provider stream event. The set of implementations is closed:
// ContentChunk, ReasoningChunk, GroundingChunk and Terminal.
type Event interface {
	isEvent()
}

// ContentChunk is a visible answer delta.
type ContentChunk struct {
	Text string
}

// ReasoningChunk is a thinking delta.
type ReasoningChunk struct {
	Text string
}

// GroundingChunk carries retrieval metadata attached to the answer.
type GroundingChunk struct {
	Citations     []streaming.Citation
	SearchQueries []string
}

// Terminal ends a stream. Err is nil on normal completion.
type Terminal struct {
	Err   error
	Usage *Usage
}

func (ContentChunk) isEvent()   {}
func (ReasoningChunk) isEvent() {}
func (GroundingChunk) isEvent() {}
func (Terminal) isEvent()       {}

// Usage is the provider's own token accounting, when it reports one.
type Usage struct {
	PromptTokens    int
	OutputTokens    int
	ThoughtsTokens  int
	CachedTokens    int
	TotalTokenCount int
}
