package streaming

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame kinds, also used as metric labels.
const (
	KindContent       = "content"
	KindReasoning     = "reasoning_content"
	KindCitations     = "citations"
	KindSearchQueries = "search_queries"
	KindError         = "error"
)

// Frame is one outbound event. Exactly one payload field is set; a reasoning
// frame also carries ThoughtTime.
type Frame struct {
	Content          *string    `json:"content,omitempty"`
	ReasoningContent *string    `json:"reasoning_content,omitempty"`
	ThoughtTime      *float64   `json:"thought_time,omitempty"`
	Citations        []Citation `json:"citations,omitempty"`
	SearchQueries    []string   `json:"search_queries,omitempty"`
	Error            *string    `json:"error,omitempty"`
}

// ContentFrame carries visible answer text.
func ContentFrame(text string) Frame { return Frame{Content: &text} }

// ReasoningFrame carries reasoning text and the seconds spent thinking so far.
func ReasoningFrame(text string, thoughtTime float64) Frame {
	return Frame{ReasoningContent: &text, ThoughtTime: &thoughtTime}
}

// CitationsFrame carries newly seen citations.
func CitationsFrame(c []Citation) Frame { return Frame{Citations: c} }

// SearchQueriesFrame carries newly seen grounding queries.
func SearchQueriesFrame(q []string) Frame { return Frame{SearchQueries: q} }

// ErrorFrame carries a user-facing error message.
func ErrorFrame(msg string) Frame { return Frame{Error: &msg} }

// Kind reports which payload the frame holds.
func (f Frame) Kind() string {
	switch {
	case f.Content != nil:
		return KindContent
	case f.ReasoningContent != nil:
		return KindReasoning
	case f.Citations != nil:
		return KindCitations
	case f.SearchQueries != nil:
		return KindSearchQueries
	case f.Error != nil:
		return KindError
	default:
		return ""
	}
}

// ErrEmptyFrame is returned for a frame with no payload.
var ErrEmptyFrame = errors.New("streaming: empty frame")

// FrameWriter delivers whole frames to a client. Implementations must never emit
// a partial frame.
type FrameWriter interface {
	WriteFrame(f Frame) error
}

var frameBufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

var (
	sseDataPrefix = []byte("data: ")
	sseSuffix     = []byte("\n\n")
)

// SSEWriter frames events as "data: <json>\n\n" and flushes after each one.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSEWriter wraps w. If w implements http.Flusher it is flushed per frame.
func NewSSEWriter(w io.Writer) *SSEWriter {
	f, _ := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: f}
}

// WriteFrame implements FrameWriter.
func (s *SSEWriter) WriteFrame(f Frame) error {
	if f.Kind() == "" {
		return ErrEmptyFrame
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	buf := frameBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer frameBufferPool.Put(buf)
	buf.Grow(len(sseDataPrefix) + len(data) + len(sseSuffix))
	_, _ = buf.Write(sseDataPrefix)
	_, _ = buf.Write(data)
	_, _ = buf.Write(sseSuffix)
	if _, err = s.w.Write(buf.Bytes()); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// WriteKeepAlive emits an SSE comment line that clients ignore.
func (s *SSEWriter) WriteKeepAlive() error {
	if _, err := s.w.Write([]byte(": keep-alive\n\n")); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// WSWriter sends each frame as one WebSocket text message.
type WSWriter struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// NewWSWriter wraps conn. writeTimeout <= 0 means 10s.
func NewWSWriter(conn *websocket.Conn, writeTimeout time.Duration) *WSWriter {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WSWriter{conn: conn, writeTimeout: writeTimeout}
}

// WriteFrame implements FrameWriter.
func (w *WSWriter) WriteFrame(f Frame) error {
	if f.Kind() == "" {
		return ErrEmptyFrame
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// Recorder collects frames in memory.
type Recorder struct {
	mu     sync.Mutex
	Frames []Frame
	// FailAfter makes WriteFrame fail once this many frames were accepted; 0 disables.
	FailAfter int
}

// WriteFrame implements FrameWriter.
func (r *Recorder) WriteFrame(f Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailAfter > 0 && len(r.Frames) >= r.FailAfter {
		return io.ErrClosedPipe
	}
	r.Frames = append(r.Frames, f)
	return nil
}

// Snapshot returns a copy of the recorded frames.
func (r *Recorder) Snapshot() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Frame, len(r.Frames))
	copy(out, r.Frames)
	return out
}
