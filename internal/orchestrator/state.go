package orchestrator

import (
	"errors"
	"time"
)

// State is the lifecycle position of one turn.
type State int

// Turn states. COMPLETED, DISCONNECTED and FAILED are terminal.
const (
	StateInit State = iota
	StateStreaming
	StateCompleted
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateStreaming:
		return "STREAMING"
	case StateCompleted:
		return "COMPLETED"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateDisconnected || s == StateFailed
}

// ErrClientDisconnected means the client went away mid-turn. It is a normal
// outcome, not a failure, and is deliberately outside the AppError hierarchy.
var ErrClientDisconnected = errors.New("client disconnected")

// StreamSession tracks one turn.
type StreamSession struct {
	RoomID    string
	Model     string
	State     State
	StartedAt time.Time
}

func (s *StreamSession) transition(to State) {
	if s.State.Terminal() {
		return
	}
	s.State = to
}
