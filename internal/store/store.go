// Package store persists completed chat turns and their billable usage.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/streaming"
)

// ErrEmptyRoom is returned when a message has no room.
var ErrEmptyRoom = errors.New("store: room id is required")

// NewMessage is the assistant output of one completed turn.
type NewMessage struct {
	Role             string
	Content          string
	ReasoningContent *string
	ThoughtTime      *float64
	Citations        []streaming.Citation
}

// StoredMessage is a persisted message.
type StoredMessage struct {
	ID               string               `json:"id"`
	RoomID           string               `json:"room_id"`
	Role             string               `json:"role"`
	Content          string               `json:"content"`
	ReasoningContent *string              `json:"reasoning_content,omitempty"`
	ThoughtTime      *float64             `json:"thought_time,omitempty"`
	Citations        []streaming.Citation `json:"citations,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
}

// UsageRecord is the billable token usage of one completed turn.
type UsageRecord struct {
	UserID           string    `json:"user_id"`
	RoomID           string    `json:"room_id"`
	Model            string    `json:"model"`
	InputTokens      int       `json:"input_tokens"`
	OutputTokens     int       `json:"output_tokens"`
	CacheWriteTokens int       `json:"cache_write_tokens"`
	CacheHitTokens   int       `json:"cache_hit_tokens"`
	ChatType         string    `json:"chat_type"`
	Timestamp        time.Time `json:"timestamp"`
}

// MessageStore persists chat messages.
type MessageStore interface {
	CreateMessage(ctx context.Context, roomID string, msg NewMessage) (StoredMessage, error)
	// CountMessages returns how many messages the room already holds.
	CountMessages(ctx context.Context, roomID string) (int, error)
}

// UsageRecorder persists usage records.
type UsageRecorder interface {
	Record(ctx context.Context, rec UsageRecord) error
}

// Store is a backend implementing both contracts.
type Store interface {
	MessageStore
	UsageRecorder
	Close() error
}

func encodeCitations(c []streaming.Citation) (*string, error) {
	if len(c) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

func decodeCitations(raw *string) ([]streaming.Citation, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	var out []streaming.Citation
	if err := json.Unmarshal([]byte(*raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}
