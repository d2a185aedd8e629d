package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anstrom/scanwatch/internal/api/middleware"
	"github.com/anstrom/scanwatch/internal/logging"
	"github.com/anstrom/scanwatch/internal/models"
)

// Transport opens event stream connections.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one event stream connection.
type Conn interface {
	// Recv blocks until the next event arrives, the connection fails or ctx
	// is done.
	Recv(ctx context.Context) (models.Event, error)
	Close() error
}

const (
	eventsPath     = "/api/v1/events"
	handshakeWait  = 10 * time.Second
	streamIdleWait = 70 * time.Second
	controlWait    = time.Second
)

// WebSocketTransport dials the server's websocket event stream.
type WebSocketTransport struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger *logging.Logger
}

// NewWebSocketTransport creates a transport for the server at serverURL
// (http or https). apiKey may be empty when the server runs without auth.
func NewWebSocketTransport(serverURL, apiKey string, logger *logging.Logger) (*WebSocketTransport, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", serverURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + eventsPath

	header := http.Header{}
	if apiKey != "" {
		header.Set(middleware.APIKeyHeader, apiKey)
	}

	return &WebSocketTransport{
		url:    u.String(),
		header: header,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeWait,
		},
		logger: logger.WithComponent("client.transport"),
	}, nil
}

// URL returns the event stream URL.
func (t *WebSocketTransport) URL() string {
	return t.url
}

// Dial opens the event stream.
func (t *WebSocketTransport) Dial(ctx context.Context) (Conn, error) {
	conn, resp, err := t.dialer.DialContext(ctx, t.url, t.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("event stream handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial event stream: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(streamIdleWait)); err != nil {
		_ = conn.Close()
		return nil, err
	}
	conn.SetPingHandler(func(data string) error {
		if err := conn.SetReadDeadline(time.Now().Add(streamIdleWait)); err != nil {
			return err
		}
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(controlWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	t.logger.Debug("Event stream connected", "url", t.url)
	return &wsConn{conn: conn, logger: t.logger}, nil
}

type wsConn struct {
	conn      *websocket.Conn
	logger    *logging.Logger
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) Recv(ctx context.Context) (models.Event, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("event stream read failed: %w", err)
		}
		e, err := models.DecodeEvent(data)
		if err != nil {
			c.logger.Warn("Skipping undecodable event", "error", err)
			continue
		}
		return e, nil
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWait))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
