// Package server exposes queued transcriptions to a WebSocket subscriber.
package server

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-relay/internal/observability"
	"github.com/lexiqai/speech-relay/internal/transcript"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Transcripts are served on the operator's own network
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Message is one JSON message sent to the subscriber
type Message struct {
	Event      string             `json:"event"` // "connected" or "transcript"
	SessionID  string             `json:"session_id"`
	Transcript *transcript.Result `json:"transcript,omitempty"`
}

// TranscriptHandler streams results from a queue to one WebSocket client at a
// time. The queue has a single consumer, so a second client is refused.
type TranscriptHandler struct {
	queue  *transcript.Queue
	logger zerolog.Logger
	busy   atomic.Bool
}

// NewTranscriptHandler creates a handler consuming queue
func NewTranscriptHandler(queue *transcript.Queue, logger zerolog.Logger) *TranscriptHandler {
	return &TranscriptHandler{
		queue:  queue,
		logger: logger.With().Str("component", "transcript_ws").Logger(),
	}
}

// ServeHTTP upgrades the request and streams transcripts until either side
// goes away
func (h *TranscriptHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.busy.CompareAndSwap(false, true) {
		http.Error(w, "transcript subscriber already connected", http.StatusConflict)
		return
	}
	defer h.busy.Store(false)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}
	defer conn.Close()

	sessionID := observability.NewCorrelationID()
	logger := h.logger.With().Str("session_id", sessionID).Str("remote_addr", r.RemoteAddr).Logger()
	logger.Info().Msg("Transcript subscriber connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.readPump(conn, cancel, logger)

	if err := h.write(conn, Message{Event: "connected", SessionID: sessionID}); err != nil {
		logger.Warn().Err(err).Msg("WebSocket write failed")
		return
	}

	results := make(chan transcript.Result)
	go func() {
		defer close(results)
		for {
			res, err := h.queue.Pop(ctx)
			if err != nil {
				return
			}
			select {
			case results <- res:
			case <-ctx.Done():
				h.queue.Requeue(res)
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Transcript subscriber disconnected")
			return

		case res, ok := <-results:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "transcripts finished"),
					time.Now().Add(writeWait))
				return
			}
			if err := h.write(conn, Message{Event: "transcript", SessionID: sessionID, Transcript: &res}); err != nil {
				h.queue.Requeue(res)
				logger.Warn().Err(err).Msg("WebSocket write failed")
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Warn().Err(err).Msg("WebSocket ping failed")
				return
			}
		}
	}
}

func (h *TranscriptHandler) write(conn *websocket.Conn, msg Message) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

// readPump discards client messages and cancels the session when the
// connection closes
func (h *TranscriptHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc, logger zerolog.Logger) {
	defer cancel()
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
	}
}
