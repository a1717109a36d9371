package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"chatty/internal/domain"
	"chatty/internal/stream"
	"chatty/internal/transport"
)

// Request bodies are bounded; the largest legitimate payload is a base64
// JPEG screenshot.
const maxChatBody = 16 << 20

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var wire transport.ChatRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBody)
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req, err := toStreamRequest(wire)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The SSE writer is initialized on the first event, so precondition
	// failures can still answer with a plain JSON status.
	var sse *transport.SSEWriter
	stopHeartbeat := make(chan struct{})
	defer close(stopHeartbeat)

	emit := func(ev domain.StreamEvent) error {
		if sse == nil {
			var err error
			sse, err = transport.NewSSEWriter(w)
			if err != nil {
				return err
			}
			go s.heartbeat(sse, stopHeartbeat)
		}
		return sse.Send(ev)
	}

	err = s.manager.BeginExchange(r.Context(), req, emit)
	if err != nil && sse == nil {
		switch {
		case errors.Is(err, stream.ErrEmptyMessage):
			writeJSONError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, stream.ErrExchangeInFlight):
			writeJSONError(w, http.StatusConflict, err.Error())
		case errors.Is(err, stream.ErrRateLimited):
			writeJSONError(w, http.StatusTooManyRequests, err.Error())
		default:
			s.logger.Error("exchange setup failed", "err", err)
			writeJSONError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	if err != nil {
		// Terminal error event already went over the stream (or the
		// client is gone); nothing more to send.
		s.logger.Debug("exchange ended with error", "err", err)
	}
}

func (s *Server) heartbeat(sse *transport.SSEWriter, stop <-chan struct{}) {
	interval := time.Duration(s.cfg.HeartbeatIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := sse.Ping(); err != nil {
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients are same-origin behind the auth wall.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleChatWS serves exchanges over a WebSocket. The client sends one
// chat request per exchange and receives the same event sequence as SSE;
// the connection stays open for follow-up exchanges.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	conn := transport.NewWSConn(raw)
	defer conn.Close()

	// The connection idles between exchanges; pings keep intermediaries
	// from cutting it.
	stopPing := make(chan struct{})
	defer close(stopPing)
	go s.wsHeartbeat(conn, stopPing)

	for {
		wire, err := conn.ReadRequest()
		if err != nil {
			return
		}
		req, err := toStreamRequest(wire)
		if err != nil {
			if sendErr := conn.SendEvent(domain.StreamEvent{Type: domain.EventError, Message: err.Error()}); sendErr != nil {
				return
			}
			continue
		}

		err = s.manager.BeginExchange(r.Context(), req, conn.SendEvent)
		if err != nil && isPrecondition(err) {
			// Nothing was emitted yet; surface the rejection as an
			// error event so the request is always answered.
			if sendErr := conn.SendEvent(domain.StreamEvent{Type: domain.EventError, Message: err.Error()}); sendErr != nil {
				return
			}
			continue
		}
		if err != nil {
			s.logger.Debug("websocket exchange ended with error", "err", err)
		}
	}
}

func (s *Server) wsHeartbeat(conn *transport.WSConn, stop <-chan struct{}) {
	interval := time.Duration(s.cfg.HeartbeatIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				return
			}
		}
	}
}

func isPrecondition(err error) bool {
	return errors.Is(err, stream.ErrEmptyMessage) ||
		errors.Is(err, stream.ErrExchangeInFlight) ||
		errors.Is(err, stream.ErrRateLimited)
}

func toStreamRequest(wire transport.ChatRequest) (stream.Request, error) {
	req := stream.Request{
		ConversationID: wire.ConversationID,
		Prompt:         wire.Message,
		Model:          wire.Model,
	}
	if wire.Image != "" {
		img, err := base64.StdEncoding.DecodeString(wire.Image)
		if err != nil {
			return req, errors.New("image is not valid base64")
		}
		req.Image = img
	}
	return req, nil
}
