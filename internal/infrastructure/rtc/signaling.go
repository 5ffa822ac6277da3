package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Message is the signaling envelope shared by every vendor gateway.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", m.Type, err)
	}
	return nil
}

// ErrSignalClosed is returned by Send after the connection is gone.
var ErrSignalClosed = errors.New("signaling connection closed")

// SignalClient is a JSON-over-WebSocket signaling connection. Inbound
// messages are handed to the handler from a single reader goroutine.
type SignalClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	pingInterval time.Duration
	writeTimeout time.Duration
	readTimeout  time.Duration

	handler func(Message)

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error

	logger *zap.SugaredLogger
}

// DialSignal connects to url and starts the reader and ping loops.
func DialSignal(ctx context.Context, url string, header http.Header, cfg Config, handler func(Message), logger *zap.SugaredLogger) (*SignalClient, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	cfg = cfg.withDefaults()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, &RemoteError{Code: resp.StatusCode, Name: "HTTP_" + http.StatusText(resp.StatusCode), Message: err.Error()}
		}
		return nil, fmt.Errorf("dial signaling: %w", err)
	}

	c := &SignalClient{
		conn:         conn,
		pingInterval: cfg.PingInterval,
		writeTimeout: cfg.WriteTimeout,
		readTimeout:  2 * cfg.PingInterval,
		handler:      handler,
		done:         make(chan struct{}),
		logger:       logger,
	}

	conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	})

	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

func (c *SignalClient) readLoop() {
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Infow("signaling read failed", "error", err)
			}
			c.shutdown(err)
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		if msg.Type == "" {
			continue
		}
		c.handler(msg)
	}
}

func (c *SignalClient) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Infow("error sending ping", "error", err)
				c.shutdown(err)
				return
			}
		}
	}
}

// Send writes one message. payload is marshalled unless it is already a
// json.RawMessage.
func (c *SignalClient) Send(msgType string, payload any) error {
	select {
	case <-c.done:
		return ErrSignalClosed
	default:
	}

	msg := Message{Type: msgType}
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		msg.Payload = p
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		msg.Payload = data
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	return nil
}

// Done is closed when the connection ends for any reason.
func (c *SignalClient) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, if any.
func (c *SignalClient) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close sends a close frame and tears the connection down.
func (c *SignalClient) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.writeTimeout))
	c.writeMu.Unlock()
	c.shutdown(nil)
	return nil
}

func (c *SignalClient) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}
