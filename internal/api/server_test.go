package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/config"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/logging"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/orchestrator"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/registry"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/streaming"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubRunner struct{ runs int }

func (r *stubRunner) Validate(*orchestrator.Request) (registry.ModelProfile, error) {
	return registry.ModelProfile{}, nil
}

func (r *stubRunner) Run(_ context.Context, _ orchestrator.Request, w streaming.FrameWriter) (orchestrator.State, error) {
	r.runs++
	return orchestrator.StateCompleted, w.WriteFrame(streaming.ContentFrame("ok"))
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *stubRunner) {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	runner := &stubRunner{}
	return NewServer(cfg, runner, registry.NewDefault(), WithRecentLogs(logging.NewRecentBuffer(8))), runner
}

func serve(s *Server, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
	return w
}

const body = `{"messages":[{"role":"user","content":"hi"}],"model":"gemini-2.5-flash"}`

func TestServer_Routes(t *testing.T) {
	s, runner := newTestServer(t, nil)

	w := serve(s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", gjson.Get(w.Body.String(), "status").String())
	require.Equal(t, int64(0), gjson.Get(w.Body.String(), "active_streams").Int())

	w = serve(s, http.MethodGet, "/api/v1/models", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = serve(s, http.MethodPost, "/api/v1/rooms/r1/chat", body)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "data: {\"content\":\"ok\"}\n\n", w.Body.String())
	require.Equal(t, 1, runner.runs)

	// disabled by default
	require.Equal(t, http.StatusNotFound, serve(s, http.MethodGet, "/metrics", "").Code)
	require.Equal(t, http.StatusNotFound, serve(s, http.MethodGet, "/debug/logs", "").Code)
}

func TestServer_DebugLogsWhenDebug(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) { c.Debug = true })
	w := serve(s, http.MethodGet, "/debug/logs", "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestServer_RateLimitPerRoom(t *testing.T) {
	s, runner := newTestServer(t, func(c *config.Config) {
		c.RateLimit.RequestsPerSecond = 0.001
		c.RateLimit.Burst = 1
	})
	require.Equal(t, http.StatusOK, serve(s, http.MethodPost, "/api/v1/rooms/r1/chat", body).Code)
	require.Equal(t, http.StatusTooManyRequests, serve(s, http.MethodPost, "/api/v1/rooms/r1/chat", body).Code)
	require.Equal(t, 1, runner.runs)

	cfg := config.Default()
	s.UpdateConfig(cfg)
	require.Equal(t, http.StatusOK, serve(s, http.MethodPost, "/api/v1/rooms/r1/chat", body).Code)
}

func TestServer_StopWithoutStart(t *testing.T) {
	s, _ := newTestServer(t, nil)
	require.NoError(t, s.Stop(context.Background()))
}
