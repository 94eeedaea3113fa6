package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/book-expert/voice-service/internal/synthesis"
	"github.com/book-expert/voice-service/internal/tts/audio"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"google.golang.org/api/iterator"
)

// WebSocket message types.
const (
	MessageStart = "start"
	MessageDone  = "done"
	MessageError = "error"

	writeWait = 10 * time.Second
)

// WebSocketMessage is a JSON control frame. Audio travels in binary frames between
// the start frame and the final done or error frame.
type WebSocketMessage struct {
	Type   string           `json:"type"`
	Format *audio.PCMFormat `json:"format,omitempty"`
	Bytes  int              `json:"bytes,omitempty"`
	Error  string           `json:"error,omitempty"`
	Detail string           `json:"detail,omitempty"`
	Code   int              `json:"code,omitempty"`
}

// handleSpeechWebSocket serves one synthesis per connection. The client sends a
// SpeechRequest as JSON; response_format is ignored and PCM is always streamed.
func (s *Server) handleSpeechWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn(logWebSocketError, err)

		return
	}
	defer conn.Close()

	var request SpeechRequest

	readErr := conn.ReadJSON(&request)
	if readErr != nil {
		s.sendError(conn, synthesis.ErrValidation)

		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// The client sends nothing after the request; a read error means it went away.
	go func() {
		defer cancel()

		for {
			_, _, discardErr := conn.NextReader()
			if discardErr != nil {
				return
			}
		}
	}()

	speed, err := s.resolveSpeed(request.Speed)
	if err != nil {
		s.sendError(conn, fmt.Errorf("%w: %w", synthesis.ErrValidation, err))

		return
	}

	stream, err := s.orchestrator.Stream(ctx, synthesis.Request{
		Text:    request.Input,
		VoiceID: request.Voice,
		Speed:   speed,
		Mode:    synthesis.ModeStream,
	})
	if err != nil {
		s.sendError(conn, err)

		return
	}
	defer stream.Close()

	format := stream.Format()

	writeErr := s.writeJSON(conn, WebSocketMessage{Type: MessageStart, Format: &format})
	if writeErr != nil {
		return
	}

	total := 0

	for {
		chunk, nextErr := stream.Next()
		if errors.Is(nextErr, iterator.Done) {
			break
		}

		if nextErr != nil {
			s.log.Error(logStreamAborted, request.Voice, nextErr)
			s.sendError(conn, nextErr)

			return
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))

		writeErr = conn.WriteMessage(websocket.BinaryMessage, chunk)
		if writeErr != nil {
			s.log.Warn(logClientGone, request.Voice, writeErr)

			return
		}

		total += len(chunk)
	}

	_ = s.writeJSON(conn, WebSocketMessage{Type: MessageDone, Bytes: total})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

func (s *Server) sendError(conn *websocket.Conn, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		s.log.Error(logWebSocketError, err)
	}

	_ = s.writeJSON(conn, WebSocketMessage{
		Type:   MessageError,
		Error:  body.Error,
		Detail: body.Detail,
		Code:   body.Code,
	})
}

func (s *Server) writeJSON(conn *websocket.Conn, message WebSocketMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))

	err := conn.WriteJSON(message)
	if err != nil {
		s.log.Warn(logWebSocketError, err)
	}

	return err
}
