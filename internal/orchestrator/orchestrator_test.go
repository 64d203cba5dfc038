package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	apperrors "github.com/Sungblab/Sungblab-AI-backend-sub000/internal/errors"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/provider"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/registry"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/store"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/streaming"
	"github.com/stretchr/testify/require"
)

type runeCounter struct{}

func (runeCounter) Estimate(text, _ string) int { return utf8.RuneCountInString(text) }

// fakeClient replays events; with holdAfter > 0 it stops after that many events
// and waits for cancellation, like a provider that keeps the stream open.
type fakeClient struct {
	events    []provider.Event
	openErr   error
	holdAfter int

	mu    sync.Mutex
	calls int
	last  provider.GenerateRequest
	done  chan struct{}
}

func (c *fakeClient) StreamGenerate(ctx context.Context, req provider.GenerateRequest) (<-chan provider.Event, error) {
	c.mu.Lock()
	c.calls++
	c.last = req
	c.mu.Unlock()
	if c.openErr != nil {
		return nil, c.openErr
	}
	out := make(chan provider.Event)
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		defer close(out)
		for i, ev := range c.events {
			if c.holdAfter > 0 && i == c.holdAfter {
				<-ctx.Done()
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *fakeClient) request() provider.GenerateRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeStore struct {
	mu        sync.Mutex
	count     int
	countErr  error
	createErr error
	messages  []store.NewMessage
	usage     []store.UsageRecord
}

func (s *fakeStore) CreateMessage(_ context.Context, roomID string, msg store.NewMessage) (store.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return store.StoredMessage{}, s.createErr
	}
	s.messages = append(s.messages, msg)
	return store.StoredMessage{ID: "m1", RoomID: roomID, Role: msg.Role, Content: msg.Content}, nil
}

func (s *fakeStore) CountMessages(context.Context, string) (int, error) {
	return s.count, s.countErr
}

func (s *fakeStore) Record(_ context.Context, rec store.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, rec)
	return nil
}

func (s *fakeStore) snapshot() ([]store.NewMessage, []store.UsageRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.NewMessage(nil), s.messages...), append([]store.UsageRecord(nil), s.usage...)
}

func testRegistry() *registry.Registry {
	return registry.New(
		registry.ModelProfile{
			ID:                    "full-model",
			TotalTokens:           100000,
			OutputReserve:         8192,
			MaxOutputTokens:       8192,
			Temperature:           0.7,
			TopP:                  0.9,
			SupportsMultimodal:    true,
			SupportsReasoning:     true,
			SupportsGrounding:     true,
			SupportsCodeExecution: true,
			Thinking:              &registry.ThinkingSupport{Min: 128, Max: 32768, DynamicAllowed: true},
		},
		registry.ModelProfile{
			ID:              "plain-model",
			TotalTokens:     32768,
			OutputReserve:   4096,
			MaxOutputTokens: 4096,
		},
	)
}

func newTestOrchestrator(client provider.Client, st *fakeStore, settings Settings) *Orchestrator {
	return New(Deps{
		Models:   testRegistry(),
		Client:   client,
		Counter:  runeCounter{},
		Messages: st,
		Usage:    st,
	}, settings)
}

func baseRequest() Request {
	return Request{
		RoomID:   "room-1",
		UserID:   "user-1",
		Model:    "full-model",
		ChatType: "chat",
		Messages: []ChatMessage{{Role: "user", Content: "What is photosynthesis?"}},
	}
}

// eager flushes every chunk as its own frame.
var eager = Settings{FlushBytes: 1, FlushInterval: time.Hour}

// lazy only flushes on channel switches, grounding and the end of the turn.
var lazy = Settings{FlushBytes: 1 << 20, FlushInterval: time.Hour}

func kinds(frames []streaming.Frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Kind()
	}
	return out
}

func TestRun_CompletesAndPersistsOnce(t *testing.T) {
	client := &fakeClient{events: []provider.Event{
		provider.ReasoningChunk{Text: "think"},
		provider.ContentChunk{Text: "Hello "},
		provider.ContentChunk{Text: "world"},
		provider.GroundingChunk{
			Citations: []streaming.Citation{
				{URL: "http://a.example/x", Title: "A"},
				{URL: "https://a.example/x", Title: "A again"},
				{URL: "https://b.example", Title: "B"},
			},
			SearchQueries: []string{"photosynthesis", "photosynthesis"},
		},
		provider.Terminal{},
	}}
	st := &fakeStore{count: 2}
	w := &streaming.Recorder{}
	req := baseRequest()
	req.ExtendedReasoning = true
	req.WebGrounding = true

	state, err := newTestOrchestrator(client, st, eager).Run(context.Background(), req, w)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, state)

	frames := w.Snapshot()
	require.Equal(t, []string{"reasoning_content", "content", "content", "citations", "search_queries"}, kinds(frames))
	require.Equal(t, "think", *frames[0].ReasoningContent)
	require.NotNil(t, frames[0].ThoughtTime)
	require.Equal(t, []streaming.Citation{
		{URL: "https://a.example/x", Title: "A"},
		{URL: "https://b.example", Title: "B"},
	}, frames[3].Citations)
	require.Equal(t, []string{"photosynthesis"}, frames[4].SearchQueries)

	msgs, recs := st.snapshot()
	require.Len(t, msgs, 1)
	require.Len(t, recs, 1)
	require.Equal(t, "assistant", msgs[0].Role)
	require.Equal(t, "Hello world", msgs[0].Content)
	require.NotNil(t, msgs[0].ReasoningContent)
	require.Equal(t, "think", *msgs[0].ReasoningContent)
	require.NotNil(t, msgs[0].ThoughtTime)
	require.Len(t, msgs[0].Citations, 2)

	require.Equal(t, len("Hello world")+len("think"), recs[0].OutputTokens)
	require.Equal(t, "user-1", recs[0].UserID)
	require.Equal(t, "chat", recs[0].ChatType)
	require.Zero(t, recs[0].CacheWriteTokens)
	require.Positive(t, recs[0].InputTokens)
}

func TestRun_FrameOrderFollowsEvents(t *testing.T) {
	client := &fakeClient{events: []provider.Event{
		provider.ReasoningChunk{Text: "r1"},
		provider.ContentChunk{Text: "c1"},
		provider.ContentChunk{Text: "c2"},
		provider.GroundingChunk{Citations: []streaming.Citation{{URL: "https://x.example"}}},
		provider.ContentChunk{Text: "c3"},
		provider.Terminal{},
	}}
	w := &streaming.Recorder{}
	req := baseRequest()
	req.ExtendedReasoning = true

	state, err := newTestOrchestrator(client, &fakeStore{}, lazy).Run(context.Background(), req, w)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, state)

	frames := w.Snapshot()
	require.Equal(t, []string{"reasoning_content", "content", "citations", "content"}, kinds(frames))
	require.Equal(t, "r1", *frames[0].ReasoningContent)
	require.Equal(t, "c1c2", *frames[1].Content)
	require.Equal(t, "c3", *frames[3].Content)
}

// cancelWriter cancels the request after n frames, like a client closing the tab.
type cancelWriter struct {
	streaming.Recorder
	n      int
	cancel context.CancelFunc
}

func (w *cancelWriter) WriteFrame(f streaming.Frame) error {
	if err := w.Recorder.WriteFrame(f); err != nil {
		return err
	}
	if len(w.Recorder.Snapshot()) == w.n {
		w.cancel()
	}
	return nil
}

func TestRun_ClientDisconnectSkipsPersistence(t *testing.T) {
	client := &fakeClient{
		events: []provider.Event{
			provider.ContentChunk{Text: "one "},
			provider.ContentChunk{Text: "two "},
			provider.ContentChunk{Text: "three "},
			provider.ContentChunk{Text: "four"},
			provider.Terminal{},
		},
		holdAfter: 3,
	}
	st := &fakeStore{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := &cancelWriter{n: 3, cancel: cancel}

	state, err := newTestOrchestrator(client, st, eager).Run(ctx, baseRequest(), w)
	require.ErrorIs(t, err, ErrClientDisconnected)
	require.Equal(t, StateDisconnected, state)
	_, isAppErr := apperrors.As(err)
	require.False(t, isAppErr)

	require.Len(t, w.Snapshot(), 3)
	msgs, recs := st.snapshot()
	require.Empty(t, msgs)
	require.Empty(t, recs)

	select {
	case <-client.done:
	case <-time.After(2 * time.Second):
		t.Fatal("provider reader still running after disconnect")
	}
}

func TestRun_WriteFailureIsDisconnect(t *testing.T) {
	client := &fakeClient{events: []provider.Event{
		provider.ContentChunk{Text: "a"},
		provider.ContentChunk{Text: "b"},
		provider.Terminal{},
	}}
	st := &fakeStore{}
	w := &streaming.Recorder{FailAfter: 1}

	state, err := newTestOrchestrator(client, st, eager).Run(context.Background(), baseRequest(), w)
	require.ErrorIs(t, err, ErrClientDisconnected)
	require.Equal(t, StateDisconnected, state)
	msgs, recs := st.snapshot()
	require.Empty(t, msgs)
	require.Empty(t, recs)
}

func TestRun_ProviderErrorEmitsErrorFrame(t *testing.T) {
	perr := &provider.Error{StatusCode: http.StatusServiceUnavailable, Message: "overloaded"}
	client := &fakeClient{events: []provider.Event{
		provider.ContentChunk{Text: "partial"},
		provider.Terminal{Err: perr},
	}}
	st := &fakeStore{}
	w := &streaming.Recorder{}

	state, err := newTestOrchestrator(client, st, lazy).Run(context.Background(), baseRequest(), w)
	require.ErrorIs(t, err, perr)
	require.Equal(t, StateFailed, state)

	frames := w.Snapshot()
	require.Equal(t, []string{"content", "error"}, kinds(frames))
	require.Equal(t, provider.UserMessage(perr), *frames[1].Error)

	msgs, recs := st.snapshot()
	require.Empty(t, msgs)
	require.Empty(t, recs)
}

func TestRun_StreamOpenErrorEmitsErrorFrame(t *testing.T) {
	client := &fakeClient{openErr: &provider.Error{StatusCode: http.StatusTooManyRequests, Message: "quota"}}
	st := &fakeStore{}
	w := &streaming.Recorder{}

	state, err := newTestOrchestrator(client, st, eager).Run(context.Background(), baseRequest(), w)
	require.Error(t, err)
	require.Equal(t, StateFailed, state)
	frames := w.Snapshot()
	require.Len(t, frames, 1)
	require.Contains(t, *frames[0].Error, "busy")
	msgs, _ := st.snapshot()
	require.Empty(t, msgs)
}

func TestRun_PersistenceFailureIsNotAFrame(t *testing.T) {
	client := &fakeClient{events: []provider.Event{
		provider.ContentChunk{Text: "answer"},
		provider.Terminal{},
	}}
	st := &fakeStore{createErr: errors.New("disk full")}
	w := &streaming.Recorder{}

	state, err := newTestOrchestrator(client, st, lazy).Run(context.Background(), baseRequest(), w)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, state)
	require.Equal(t, []string{"content"}, kinds(w.Snapshot()))

	_, recs := st.snapshot()
	require.Len(t, recs, 1)
}

func TestRun_InvalidConfigurationBeforeProviderCall(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
		code   string
	}{
		{"unknown model", func(r *Request) { r.Model = "no-such-model" }, apperrors.CodeInvalidConfiguration},
		{"reasoning unsupported", func(r *Request) { r.Model = "plain-model"; r.ExtendedReasoning = true }, apperrors.CodeInvalidConfiguration},
		{"grounding unsupported", func(r *Request) { r.Model = "plain-model"; r.WebGrounding = true }, apperrors.CodeInvalidConfiguration},
		{"tool combination unsupported", func(r *Request) { r.WebGrounding = true; r.CodeExecution = true }, apperrors.CodeInvalidConfiguration},
		{"attachments unsupported", func(r *Request) {
			r.Model = "plain-model"
			r.Files = []Attachment{{ID: "files/1", MimeType: "image/png"}}
		}, apperrors.CodeInvalidConfiguration},
		{"no messages", func(r *Request) { r.Messages = nil }, apperrors.CodeInvalidRequest},
		{"bad role", func(r *Request) { r.Messages[0].Role = "tool" }, apperrors.CodeInvalidRequest},
		{"bad reasoning budget", func(r *Request) { r.ReasoningBudget = -2 }, apperrors.CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{events: []provider.Event{provider.Terminal{}}}
			w := &streaming.Recorder{}
			req := baseRequest()
			tt.mutate(&req)

			state, err := newTestOrchestrator(client, &fakeStore{}, eager).Run(context.Background(), req, w)
			require.Error(t, err)
			require.True(t, apperrors.IsCode(err, tt.code), "got %v", err)
			appErr, _ := apperrors.As(err)
			require.Equal(t, http.StatusBadRequest, appErr.HTTPStatusCode)
			require.Equal(t, StateInit, state)
			require.Zero(t, client.callCount())
			require.Empty(t, w.Snapshot())
		})
	}
}

func TestRun_SystemPromptDependsOnRoomHistory(t *testing.T) {
	for _, tc := range []struct {
		count    int
		detailed bool
	}{{0, true}, {4, false}} {
		client := &fakeClient{events: []provider.Event{provider.Terminal{}}}
		_, err := newTestOrchestrator(client, &fakeStore{count: tc.count}, eager).
			Run(context.Background(), baseRequest(), &streaming.Recorder{})
		require.NoError(t, err)

		sys := client.request().SystemInstruction
		require.True(t, strings.HasPrefix(sys, BriefSystemPrompt))
		require.Equal(t, tc.detailed, strings.Contains(sys, DetailedSystemPrompt))
	}
}

func TestRun_BuildsProviderRequest(t *testing.T) {
	client := &fakeClient{events: []provider.Event{provider.Terminal{}}}
	req := baseRequest()
	req.Messages = []ChatMessage{
		{Role: "user", Content: "first question"},
		{Role: "assistant", Content: "first answer"},
		{Role: "user", Content: ""},
		{Role: "user", Content: "look at this"},
	}
	req.Files = []Attachment{{ID: "inline", MimeType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}}}
	req.ExtendedReasoning = true
	req.ReasoningBudget = 1 << 20

	_, err := newTestOrchestrator(client, &fakeStore{count: 1}, eager).Run(context.Background(), req, &streaming.Recorder{})
	require.NoError(t, err)

	got := client.request()
	require.Equal(t, "full-model", got.Model)
	require.Equal(t, 0.7, got.Temperature)
	require.Equal(t, 8192, got.MaxOutputTokens)
	require.Equal(t, 32768, got.ReasoningBudget)
	require.True(t, got.IncludeThoughts)
	require.Len(t, got.Contents, 3)
	require.Equal(t, provider.RoleModel, got.Contents[1].Role)
	last := got.Contents[2]
	require.Equal(t, provider.RoleUser, last.Role)
	require.Len(t, last.Parts, 2)
	require.Equal(t, "look at this", last.Parts[0].Text)
	require.Equal(t, "image/png", last.Parts[1].MimeType)
}

func TestRun_CompactionSummaryJoinsSystemInstruction(t *testing.T) {
	client := &fakeClient{events: []provider.Event{provider.Terminal{}}}
	req := baseRequest()
	req.Messages = nil
	for i := 0; i < 6; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		req.Messages = append(req.Messages, ChatMessage{Role: role, Content: "turn " + string(rune('a'+i))})
	}
	settings := eager
	settings.WindowSize = 2
	settings.TriggerThreshold = 3

	_, err := newTestOrchestrator(client, &fakeStore{count: 6}, settings).Run(context.Background(), req, &streaming.Recorder{})
	require.NoError(t, err)

	got := client.request()
	require.Len(t, got.Contents, 2)
	require.Contains(t, got.SystemInstruction, "Previous conversation context: ")
	require.Contains(t, got.SystemInstruction, "turn d")
}

func TestReasoningBudget(t *testing.T) {
	ts := &registry.ThinkingSupport{Min: 128, Max: 32768, DynamicAllowed: true}
	fixed := &registry.ThinkingSupport{Min: 512, Max: 24576}
	tests := []struct {
		name      string
		requested int
		support   *registry.ThinkingSupport
		want      int
	}{
		{"dynamic allowed", -1, ts, -1},
		{"default becomes dynamic", 0, ts, -1},
		{"default without dynamic uses max", 0, fixed, 24576},
		{"dynamic without support uses max", -1, fixed, 24576},
		{"below min", 10, ts, 128},
		{"above max", 100000, ts, 32768},
		{"in range", 2048, ts, 2048},
		{"no thinking info", 5000, nil, 5000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, reasoningBudget(tt.requested, tt.support))
		})
	}
}

func TestSetPacingNormalizes(t *testing.T) {
	o := newTestOrchestrator(&fakeClient{}, &fakeStore{}, Settings{})
	o.SetPacing(0, 0)
	s := o.currentSettings()
	require.Equal(t, streaming.DefaultFlushBytes, s.FlushBytes)
	require.Equal(t, streaming.DefaultFlushInterval, s.FlushInterval)

	o.SetPacing(128, time.Second)
	s = o.currentSettings()
	require.Equal(t, 128, s.FlushBytes)
	require.Equal(t, time.Second, s.FlushInterval)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "STREAMING", StateStreaming.String())
	require.True(t, StateDisconnected.Terminal())
	require.False(t, StateStreaming.Terminal())
}
