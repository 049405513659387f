package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/boardrelay/internal/board"
	"github.com/MarcoPoloResearchLab/boardrelay/internal/ink"
	"github.com/MarcoPoloResearchLab/boardrelay/internal/relay"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// CloseInvalidSession is sent when the session id in the URL is malformed.
	CloseInvalidSession = 4400
	// CloseUnauthorized is sent when the token is missing, invalid or not scoped to the session.
	CloseUnauthorized = 4401
)

func newUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || containsWildcard(allowedOrigins)
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[strings.TrimSpace(origin)] = struct{}{}
	}
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

func (h *httpHandler) handleWhiteboardSocket(c *gin.Context) {
	h.serveSocket(c, relay.ChannelWhiteboard)
}

func (h *httpHandler) handleTutorSocket(c *gin.Context) {
	h.serveSocket(c, relay.ChannelTutor)
}

// serveSocket upgrades first so that session and auth failures reach the client as close codes.
func (h *httpHandler) serveSocket(c *gin.Context, channel relay.Channel) {
	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("channel", string(channel)), zap.Error(err))
		return
	}

	sessionID, err := board.NewSessionID(c.Param(sessionIDParam))
	if err != nil {
		h.closeSocket(socket, CloseInvalidSession, "invalid session id")
		return
	}
	claims, err := h.validator.ValidateSessionRequest(c.Request, sessionID.String())
	if err != nil {
		h.logTokenFailure(err, sessionID.String())
		h.closeSocket(socket, CloseUnauthorized, "unauthorized")
		return
	}

	connection, err := h.hub.Join(channel, sessionID.String(), claims.UserID)
	if err != nil {
		h.logger.Warn("relay join failed",
			zap.String("session_id", sessionID.String()),
			zap.String("channel", string(channel)),
			zap.Error(err))
		h.closeSocket(socket, websocket.CloseTryAgainLater, "relay unavailable")
		return
	}

	go h.writePump(socket, connection)
	cause := h.readPump(c.Request.Context(), socket, connection)
	connection.Close(cause)
	h.hub.Leave(connection)
}

func (h *httpHandler) readPump(ctx context.Context, socket *websocket.Conn, connection *relay.Connection) error {
	readWait := 2 * h.relay.PingInterval
	socket.SetReadLimit(h.relay.MaxMessageBytes)
	_ = socket.SetReadDeadline(time.Now().Add(readWait))
	socket.SetPongHandler(func(string) error {
		return socket.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		messageType, payload, err := socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.logger.Info("websocket read failed",
					zap.String("session_id", connection.SessionID()),
					zap.String("connection_id", connection.ID()),
					zap.Error(err))
			}
			return nil
		}
		_ = socket.SetReadDeadline(time.Now().Add(readWait))

		switch connection.Channel() {
		case relay.ChannelWhiteboard:
			if messageType != websocket.BinaryMessage {
				return errTextOnWhiteboard
			}
			if err := h.hub.HandleWhiteboard(ctx, connection, payload); err != nil {
				h.logger.Warn("whiteboard update refused",
					zap.String("session_id", connection.SessionID()),
					zap.String("connection_id", connection.ID()),
					zap.Error(err))
				return err
			}
		default:
			h.hub.HandleTutor(connection, payload)
		}
	}
}

var errTextOnWhiteboard = errors.New("whiteboard channel accepts binary frames only")

func (h *httpHandler) writePump(socket *websocket.Conn, connection *relay.Connection) {
	ticker := time.NewTicker(h.relay.PingInterval)
	defer func() {
		ticker.Stop()
		_ = socket.Close()
	}()

	for {
		select {
		case frame := <-connection.Send():
			if err := h.writeFrame(socket, frame); err != nil {
				connection.Close(err)
				return
			}
		case <-ticker.C:
			if err := socket.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.relay.WriteTimeout)); err != nil {
				connection.Close(err)
				return
			}
		case <-connection.Done():
			cause := connection.Err()
			if !errors.Is(cause, relay.ErrSlowConsumer) {
				h.drain(socket, connection)
			}
			code, text := closeFrameFor(cause)
			_ = socket.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(h.relay.WriteTimeout))
			return
		}
	}
}

func (h *httpHandler) drain(socket *websocket.Conn, connection *relay.Connection) {
	for {
		select {
		case frame := <-connection.Send():
			if err := h.writeFrame(socket, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (h *httpHandler) writeFrame(socket *websocket.Conn, frame relay.Frame) error {
	messageType := websocket.TextMessage
	if frame.Binary {
		messageType = websocket.BinaryMessage
	}
	if err := socket.SetWriteDeadline(time.Now().Add(h.relay.WriteTimeout)); err != nil {
		return err
	}
	return socket.WriteMessage(messageType, frame.Data)
}

func (h *httpHandler) closeSocket(socket *websocket.Conn, code int, text string) {
	_ = socket.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(h.relay.WriteTimeout))
	_ = socket.Close()
}

func closeFrameFor(cause error) (int, string) {
	switch {
	case cause == nil:
		return websocket.CloseNormalClosure, ""
	case errors.Is(cause, relay.ErrSlowConsumer):
		return websocket.ClosePolicyViolation, "slow consumer"
	case errors.Is(cause, relay.ErrShuttingDown):
		return websocket.CloseGoingAway, "shutting down"
	case errors.Is(cause, ink.ErrUpdateTooLarge):
		return websocket.CloseMessageTooBig, "update too large"
	case errors.Is(cause, ink.ErrDocumentFull):
		return websocket.ClosePolicyViolation, "document full"
	case errors.Is(cause, ink.ErrEmptyUpdate), errors.Is(cause, errTextOnWhiteboard):
		return websocket.CloseUnsupportedData, "invalid update"
	default:
		return websocket.CloseInternalServerErr, "relay error"
	}
}
