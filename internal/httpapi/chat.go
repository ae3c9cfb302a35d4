package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/mnemo/internal/agent"
	"github.com/ent0n29/mnemo/internal/auth"
	"github.com/ent0n29/mnemo/internal/conversation"
)

const (
	wsReadLimit    = 1 << 20
	wsIdleTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// chatErrorResponse carries an inline reply alongside the error so chat
// clients can render the failure in place of the answer.
type chatErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Content   string `json:"content,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
	UserID    string `json:"userId,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req conversation.Request
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	status, body := s.answer(r.Context(), req)
	respondJSON(w, status, body)
}

// answer runs req as the authenticated principal and returns the HTTP status
// and body to send back.
func (s *Server) answer(ctx context.Context, req conversation.Request) (int, any) {
	if s.chat == nil {
		return http.StatusNotImplemented, errorResponse{Error: "chat not configured", Code: "unavailable"}
	}
	p, _ := auth.FromContext(ctx)
	userID, ok := auth.EffectiveUser(p, req.UserID)
	if !ok {
		return http.StatusForbidden, errorResponse{Error: "userId does not match the authenticated user", Code: "forbidden"}
	}
	req.UserID = userID
	req.Token = p.Token

	resp, err := s.chat.Handle(ctx, req)
	if err == nil {
		return http.StatusOK, resp
	}

	body := chatErrorResponse{Error: err.Error(), ThreadID: resp.ThreadID, UserID: resp.UserID}
	switch {
	case errors.Is(err, conversation.ErrNoUserMessage):
		body.Code = "invalid_request"
		return http.StatusBadRequest, body
	case errors.Is(err, conversation.ErrThreadForbidden):
		body.Code = "forbidden"
		return http.StatusForbidden, body
	// Timeouts also wrap ErrInvocationFailed, so they are matched first.
	case errors.Is(err, context.DeadlineExceeded):
		body.Code = "timeout"
		body.Content = "Sorry, the assistant took too long to answer. Please try again."
		body.Retryable = true
		return http.StatusGatewayTimeout, body
	case errors.Is(err, agent.ErrInvocationFailed):
		body.Code = "agent_invocation_failed"
		body.Content = "Sorry, I could not reach the assistant to answer that. Please try again."
		body.Retryable = agent.IsTemporary(err)
		return http.StatusBadGateway, body
	default:
		body.Code = "store_unavailable"
		return http.StatusServiceUnavailable, body
	}
}

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("chat websocket closed", "err", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		s.countWS("inbound", "chat_request")

		var (
			status int
			body   any
		)
		var req conversation.Request
		if err := decodeFrame(data, &req); err != nil {
			status, body = http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_request"}
		} else {
			status, body = s.answer(ctx, req)
		}

		frameType := "chat_response"
		if status != http.StatusOK {
			frameType = "error"
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(body); err != nil {
			s.countWS("outbound", "write_error")
			return
		}
		s.countWS("outbound", frameType)
	}
}

func (s *Server) countWS(direction, frameType string) {
	if s.metrics != nil {
		s.metrics.WSMessages.WithLabelValues(direction, frameType).Inc()
	}
}

func decodeFrame(data []byte, out *conversation.Request) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return errEmptyBody
	}
	return json.Unmarshal(data, out)
}
