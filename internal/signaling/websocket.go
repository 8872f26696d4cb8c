package signaling

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mossy-p/tournament-signaling/internal/models"
)

// Compile-time interface check.
var _ Transport = (*WebSocketClient)(nil)

// writeWait bounds a single frame write to the signaling service.
const writeWait = 10 * time.Second

// WebSocketClient implements Transport over the signaling service's push
// feed. The service delivers mailbox messages as JSON text frames and
// accepts outbound messages the same way.
type WebSocketClient struct {
	endpoint string
	dialer   *websocket.Dialer
	logger   *slog.Logger

	mu        sync.Mutex
	handlers  []func(models.SignalMessage)
	delivered *idWindow
	conn      *websocket.Conn
	closed    chan struct{}

	// writeMu serializes frame writes; gorilla connections allow one
	// concurrent writer.
	writeMu sync.Mutex
}

// NewWebSocketClient creates a client for the feed at endpoint (a ws:// or
// wss:// URL). A non-empty token is appended as the "token" query parameter.
func NewWebSocketClient(endpoint, token string, logger *slog.Logger) (*WebSocketClient, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	if token != "" {
		query := parsed.Query()
		query.Set("token", token)
		parsed.RawQuery = query.Encode()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &WebSocketClient{
		endpoint:  parsed.String(),
		dialer:    websocket.DefaultDialer,
		logger:    logger,
		delivered: newIDWindow(deliveredWindow),
	}, nil
}

// Connect dials the feed and starts the read loop.
func (c *WebSocketClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, response, err := c.dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		transportErr := &TransportError{Op: "connect", URL: c.endpoint, Err: err}
		if response != nil {
			transportErr.StatusCode = response.StatusCode
		}
		return transportErr
	}

	closed := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.closed = closed
	c.mu.Unlock()

	c.logger.Info("connected to signaling feed", "url", c.endpoint)
	go c.readPump(conn, closed)
	return nil
}

// Disconnect closes the feed connection.
func (c *WebSocketClient) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.conn = nil
	c.closed = nil
	c.mu.Unlock()

	if conn == nil {
		return
	}
	close(closed)

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	conn.Close()
}

// OnMessage registers a handler for inbound messages.
func (c *WebSocketClient) OnMessage(handler func(models.SignalMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// SendMessage writes one message frame. It fails with ErrNotConnected
// before Connect.
func (c *WebSocketClient) SendMessage(ctx context.Context, msg models.SignalMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return &TransportError{Op: "send", URL: c.endpoint, Err: ErrNotConnected}
	}

	deadline := time.Now().Add(writeWait)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return &TransportError{Op: "send", URL: c.endpoint, Err: err}
	}
	if err := conn.WriteJSON(msg); err != nil {
		return &TransportError{Op: "send", URL: c.endpoint, Err: err}
	}
	return nil
}

func (c *WebSocketClient) readPump(conn *websocket.Conn, closed chan struct{}) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-closed:
				return
			default:
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("signaling feed closed unexpectedly", "error", err)
			}
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
				c.closed = nil
			}
			c.mu.Unlock()
			conn.Close()
			return
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			c.logger.Warn("dropping malformed signaling frame", "error", err)
			continue
		}

		c.mu.Lock()
		select {
		case <-closed:
			c.mu.Unlock()
			return
		default:
		}
		if msg.ID != "" && !c.delivered.add(msg.ID) {
			c.mu.Unlock()
			continue
		}
		handlers := append([]func(models.SignalMessage){}, c.handlers...)
		c.mu.Unlock()

		for _, handler := range handlers {
			handler(msg)
		}
	}
}
