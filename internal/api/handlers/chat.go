// Package handlers provides HTTP handlers for the API server.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/Sungblab/Sungblab-AI-backend-sub000/internal/errors"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/orchestrator"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/registry"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/streaming"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// UserIDHeader carries the authenticated user id, set by the upstream gateway.
const UserIDHeader = "X-User-Id"

// maxRequestBytes bounds a chat request body.
const maxRequestBytes = 16 << 20

// TurnRunner executes chat turns. *orchestrator.Orchestrator implements it.
type TurnRunner interface {
	Validate(req *orchestrator.Request) (registry.ModelProfile, error)
	Run(ctx context.Context, req orchestrator.Request, w streaming.FrameWriter) (orchestrator.State, error)
}

// ChatHandler serves chat turns over SSE and WebSocket.
type ChatHandler struct {
	runner       TurnRunner
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	readTimeout  time.Duration
}

// NewChatHandler builds a handler around runner.
func NewChatHandler(runner TurnRunner) *ChatHandler {
	return &ChatHandler{
		runner: runner,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin checks belong to the gateway in front of this service.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		writeTimeout: 10 * time.Second,
		readTimeout:  30 * time.Second,
	}
}

// writeAppError answers a request that never started streaming.
func writeAppError(c *gin.Context, err error) {
	appErr, ok := apperrors.As(err)
	if !ok {
		appErr = apperrors.Internal("internal error", err)
	}
	c.Data(appErr.HTTPStatusCode, "application/json", appErr.ToJSON())
	c.Abort()
}

func (h *ChatHandler) bindRequest(c *gin.Context) (orchestrator.Request, error) {
	var req orchestrator.Request
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBytes)
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		return req, apperrors.BadRequest("invalid JSON body", err)
	}
	req.RoomID = c.Param("room_id")
	req.UserID = strings.TrimSpace(c.GetHeader(UserIDHeader))
	return req, nil
}

// Stream handles POST /api/v1/rooms/:room_id/chat. Configuration errors are
// answered as JSON before the stream starts; everything afterwards is in-band.
func (h *ChatHandler) Stream(c *gin.Context) {
	req, err := h.bindRequest(c)
	if err != nil {
		writeAppError(c, err)
		return
	}
	if _, err = h.runner.Validate(&req); err != nil {
		writeAppError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	state, err := h.runner.Run(c.Request.Context(), req, streaming.NewSSEWriter(c.Writer))
	h.logOutcome(req, state, err)
}

// StreamWS handles GET /api/v1/rooms/:room_id/chat/ws. The first client message
// is the chat request; each frame is one text message. Closing the socket
// cancels the turn.
func (h *ChatHandler) StreamWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()
	conn.SetReadLimit(maxRequestBytes)

	_ = conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	var req orchestrator.Request
	if err = conn.ReadJSON(&req); err != nil {
		h.closeWithError(conn, apperrors.BadRequest("invalid JSON request", err))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	req.RoomID = c.Param("room_id")
	req.UserID = strings.TrimSpace(c.GetHeader(UserIDHeader))
	if _, err = h.runner.Validate(&req); err != nil {
		h.closeWithError(conn, err)
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	// Control frames are processed by the read loop; any read error means the
	// client is gone.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	state, err := h.runner.Run(ctx, req, streaming.NewWSWriter(conn, h.writeTimeout))
	h.logOutcome(req, state, err)
	if state != orchestrator.StateDisconnected {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, state.String()),
			time.Now().Add(time.Second))
	}
}

func (h *ChatHandler) closeWithError(conn *websocket.Conn, err error) {
	appErr, ok := apperrors.As(err)
	if !ok {
		appErr = apperrors.Internal("internal error", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	_ = conn.WriteMessage(websocket.TextMessage, appErr.ToJSON())
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, appErr.Code),
		time.Now().Add(time.Second))
}

func (h *ChatHandler) logOutcome(req orchestrator.Request, state orchestrator.State, err error) {
	entry := log.WithFields(log.Fields{"room_id": req.RoomID, "model": req.Model, "state": state.String()})
	switch {
	case err == nil:
		entry.Debug("chat stream finished")
	case errors.Is(err, orchestrator.ErrClientDisconnected):
		entry.Debug("chat stream abandoned by client")
	default:
		if _, isAppErr := apperrors.As(err); isAppErr {
			entry.WithError(err).Warn("chat request rejected after stream start")
			return
		}
		entry.WithError(err).Debug("chat stream failed")
	}
}
