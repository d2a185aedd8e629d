package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anstrom/scanwatch/internal/api/middleware"
	"github.com/anstrom/scanwatch/internal/hub"
	"github.com/anstrom/scanwatch/internal/logging"
	"github.com/anstrom/scanwatch/internal/models"
)

const (
	// WebSocket configuration constants.
	writeWait       = 10 * time.Second                                   // Time allowed to write a message to the peer
	pongWait        = 60 * time.Second                                   // Time to read next pong message from peer
	pingPeriodRatio = 0.9                                                // Ratio of pongWait for pingPeriod
	pingPeriod      = time.Duration(float64(pongWait) * pingPeriodRatio) // Send pings to peer (must be < pongWait)
	maxMessageSize  = 512                                                // Maximum message size allowed from peer
)

// Subscriber is the hub surface used by the event stream.
type Subscriber interface {
	Subscribe(bufferSize int) *hub.Session
	Unsubscribe(s *hub.Session)
}

// WebSocketHandler streams hub events to websocket clients. Each connection
// is one hub session.
type WebSocketHandler struct {
	hub        Subscriber
	logger     *logging.Logger
	upgrader   websocket.Upgrader
	queueSize  int
	pingPeriod time.Duration
	pongWait   time.Duration
}

// NewWebSocketHandler creates a websocket handler. allowedOrigins follows the
// CORS configuration; "*" or an empty list accepts any origin.
func NewWebSocketHandler(h Subscriber, logger *logging.Logger, queueSize int, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		hub:        h,
		logger:     logger.WithComponent("api.events"),
		queueSize:  queueSize,
		pingPeriod: pingPeriod,
		pongWait:   pongWait,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || len(set) == 0 || set["*"] || set[origin]
	}
}

// Events handles GET /api/v1/events.
//
// @Summary Event stream
// @Description Upgrades to a websocket carrying progress, terminal and vulnerability events as {"type","timestamp","data"} envelopes.
// @Description A client that falls behind on terminal or vulnerability events is disconnected with close code 1008.
// @Tags Events
// @Success 101 "switching protocols"
// @Security ApiKeyAuth
// @Router /events [get]
func (h *WebSocketHandler) Events(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade WebSocket connection", "request_id", requestID, "error", err)
		return
	}

	session := h.hub.Subscribe(h.queueSize)
	logger := h.logger.WithSession(session.ID())
	logger.Info("Event stream connected", "request_id", requestID, "remote_addr", middleware.ClientIP(r))

	go h.readPump(conn, session, logger)
	h.writePump(conn, session, logger)
}

// readPump drains client frames so pongs and close frames are processed.
// It ends the session when the peer goes away.
func (h *WebSocketHandler) readPump(conn *websocket.Conn, session *hub.Session, logger *logging.Logger) {
	defer h.hub.Unsubscribe(session)

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(h.pongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket unexpected close", "error", err)
			}
			return
		}
	}
}

// writePump is the only writer on conn.
func (h *WebSocketHandler) writePump(conn *websocket.Conn, session *hub.Session, logger *logging.Logger) {
	ticker := time.NewTicker(h.pingPeriod)
	defer func() {
		ticker.Stop()
		h.hub.Unsubscribe(session)
		if err := conn.Close(); err != nil {
			logger.Debug("Error closing WebSocket connection", "error", err)
		}
	}()

	for {
		select {
		case e, ok := <-session.Events():
			if !ok {
				h.closeWith(conn, session.Reason(), logger)
				return
			}
			data, err := models.EncodeEvent(e)
			if err != nil {
				logger.Error("Failed to encode event", "event_type", e.EventType(), "error", err)
				continue
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("Write failed, closing connection", "error", err)
				return
			}

		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Debug("Ping failed, closing connection", "error", err)
				return
			}
		}
	}
}

// closeCode maps a hub disconnect reason to a websocket close code.
func closeCode(reason string) int {
	switch reason {
	case hub.ReasonSlowConsumer:
		return websocket.ClosePolicyViolation
	case hub.ReasonHubClosed:
		return websocket.CloseGoingAway
	default:
		return websocket.CloseNormalClosure
	}
}

// closeWith sends a close frame matching why the hub ended the session.
func (h *WebSocketHandler) closeWith(conn *websocket.Conn, reason string, logger *logging.Logger) {
	code := closeCode(reason)
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		logger.Debug("Failed to send close frame", "error", err)
	}
	logger.Info("Event stream closed", "reason", reason, "close_code", code)
}
