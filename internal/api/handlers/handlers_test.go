package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/Sungblab/Sungblab-AI-backend-sub000/internal/errors"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/logging"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/orchestrator"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/registry"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/store"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/streaming"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/usage"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRunner struct {
	validateErr error
	frames      []streaming.Frame
	state       orchestrator.State
	runErr      error

	mu   sync.Mutex
	runs []orchestrator.Request
	ctx  context.Context
}

func (r *fakeRunner) Validate(*orchestrator.Request) (registry.ModelProfile, error) {
	return registry.ModelProfile{}, r.validateErr
}

func (r *fakeRunner) Run(ctx context.Context, req orchestrator.Request, w streaming.FrameWriter) (orchestrator.State, error) {
	r.mu.Lock()
	r.runs = append(r.runs, req)
	r.ctx = ctx
	r.mu.Unlock()
	for _, f := range r.frames {
		if err := w.WriteFrame(f); err != nil {
			return orchestrator.StateDisconnected, orchestrator.ErrClientDisconnected
		}
	}
	return r.state, r.runErr
}

func (r *fakeRunner) lastRun() orchestrator.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[len(r.runs)-1]
}

func setupChatRouter(runner TurnRunner) *gin.Engine {
	router := gin.New()
	h := NewChatHandler(runner)
	router.POST("/api/v1/rooms/:room_id/chat", h.Stream)
	router.GET("/api/v1/rooms/:room_id/chat/ws", h.StreamWS)
	return router
}

const chatBody = `{"messages":[{"role":"user","content":"hi"}],"model":"gemini-2.5-flash","chat_type":"chat"}`

func TestStream_WritesSSEFrames(t *testing.T) {
	runner := &fakeRunner{
		frames: []streaming.Frame{
			streaming.ContentFrame("Hel"),
			streaming.ContentFrame("lo"),
			streaming.CitationsFrame([]streaming.Citation{{URL: "https://a.example", Title: "A"}}),
		},
		state: orchestrator.StateCompleted,
	}
	router := setupChatRouter(runner)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/rooms/room-9/chat", strings.NewReader(chatBody))
	req.Header.Set(UserIDHeader, "user-3")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	require.Equal(t,
		"data: {\"content\":\"Hel\"}\n\n"+
			"data: {\"content\":\"lo\"}\n\n"+
			"data: {\"citations\":[{\"url\":\"https://a.example\",\"title\":\"A\"}]}\n\n",
		w.Body.String())

	got := runner.lastRun()
	require.Equal(t, "room-9", got.RoomID)
	require.Equal(t, "user-3", got.UserID)
	require.Equal(t, "gemini-2.5-flash", got.Model)
	require.Equal(t, "chat", got.ChatType)
}

func TestStream_ConfigurationErrorIsJSON(t *testing.T) {
	runner := &fakeRunner{validateErr: apperrors.InvalidConfiguration("unknown model %q", "x")}
	router := setupChatRouter(runner)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/rooms/r/chat", strings.NewReader(chatBody)))

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	require.Equal(t, "invalid_configuration", gjson.Get(w.Body.String(), "code").String())
	require.NotContains(t, w.Body.String(), "data:")
	require.Empty(t, runner.runs)
}

func TestStream_MalformedBody(t *testing.T) {
	runner := &fakeRunner{}
	router := setupChatRouter(runner)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/rooms/r/chat", strings.NewReader(`{"messages":`)))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_request", gjson.Get(w.Body.String(), "code").String())
}

func TestStreamWS_RoundTrip(t *testing.T) {
	runner := &fakeRunner{
		frames: []streaming.Frame{streaming.ReasoningFrame("hmm", 0.5), streaming.ContentFrame("answer")},
		state:  orchestrator.StateCompleted,
	}
	srv := httptest.NewServer(setupChatRouter(runner))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/rooms/ws-room/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{UserIDHeader: []string{"u1"}})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(chatBody)))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, `{"reasoning_content":"hmm","thought_time":0.5}`, string(msg))
	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, `{"content":"answer"}`, string(msg))

	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	got := runner.lastRun()
	require.Equal(t, "ws-room", got.RoomID)
	require.Equal(t, "u1", got.UserID)
}

func TestStreamWS_ValidationErrorClosesSocket(t *testing.T) {
	runner := &fakeRunner{validateErr: apperrors.InvalidConfiguration("model %q does not support web grounding", "m")}
	srv := httptest.NewServer(setupChatRouter(runner))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/rooms/r/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(chatBody)))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "invalid_configuration", gjson.GetBytes(msg, "code").String())
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	require.Empty(t, runner.runs)
}

func TestListModels(t *testing.T) {
	router := gin.New()
	router.GET("/api/v1/models", ListModels(registry.NewDefault()))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/models", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	require.Equal(t, "list", gjson.Get(body, "object").String())
	require.NotEmpty(t, gjson.Get(body, "data").Array())
	flash := gjson.Get(body, `data.#(id=="gemini-2.5-flash")`)
	require.True(t, flash.Exists())
	require.True(t, flash.Get("pricing").Exists())
}

type fakeUsageReader struct{ records []store.UsageRecord }

func (f fakeUsageReader) UsageForUser(context.Context, string) ([]store.UsageRecord, error) {
	return f.records, nil
}

func TestGetUsage(t *testing.T) {
	usage.SetStatisticsEnabled(true)
	stats := usage.NewStatistics()
	stats.Record(usage.Turn{Model: "gemini-2.5-flash", State: "COMPLETED", InputTokens: 100, OutputTokens: 20})

	reader := fakeUsageReader{records: []store.UsageRecord{
		{UserID: "u1", Model: "gemini-2.5-flash", InputTokens: 100, OutputTokens: 20},
		{UserID: "u1", Model: "gemini-2.5-flash", InputTokens: 50, OutputTokens: 5},
	}}
	router := gin.New()
	router.GET("/api/v1/usage", NewUsageHandler(stats, reader).GetUsage)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/usage", nil)
	req.Header.Set(UserIDHeader, "u1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	require.True(t, gjson.Get(body, "enabled").Bool())
	require.Equal(t, int64(2), gjson.Get(body, "user.turns").Int())
	require.Equal(t, int64(150), gjson.Get(body, "user.input_tokens").Int())
	require.Greater(t, gjson.Get(body, "user.estimated_cost_usd").Float(), 0.0)
}

func TestRecentLogs(t *testing.T) {
	buf := logging.NewRecentBuffer(10)
	buf.Write(logging.Entry{Level: "info", Message: "one"})
	buf.Write(logging.Entry{Level: "warning", Message: "two"})

	router := gin.New()
	router.GET("/debug/logs", RecentLogs(buf))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/logs?n=1", bytes.NewReader(nil)))

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, int64(1), gjson.Get(w.Body.String(), "count").Int())
	require.Equal(t, "two", gjson.Get(w.Body.String(), "entries.0.message").String())
}
