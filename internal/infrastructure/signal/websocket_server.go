// Package signal streams session events to control clients over WebSocket
// and accepts chat input from them.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"avatarlink/internal/core/ports"
	"avatarlink/internal/core/services"
	"avatarlink/internal/providers"
	"avatarlink/internal/session"
	"avatarlink/pkg/eventbus"
	"avatarlink/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// streamedTopics are forwarded to every connected client.
var streamedTopics = []string{
	providers.TopicStateChanged.Name(),
	providers.TopicSwitched.Name(),
	providers.TopicSwitchFailed.Name(),
	session.TopicStarted.Name(),
	session.TopicStopped.Name(),
	services.TopicChatMessage.Name(),
	services.TopicSystemMessage.Name(),
	services.TopicCommand.Name(),
	services.TopicMessageReceived.Name(),
	services.TopicSpeaking.Name(),
	services.TopicParticipantJoined.Name(),
	services.TopicParticipantLeft.Name(),
	services.TopicQuality.Name(),
	services.TopicError.Name(),
}

// Event is one frame written to a client.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"ts"`
	Data      any       `json:"data,omitempty"`
}

// ClientMessage is one frame read from a client.
type ClientMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// Options configures a WebSocketServer.
type Options struct {
	Bus            *eventbus.Bus
	Provider       func() (ports.StreamingProvider, error)
	AllowedOrigins []string
	PingInterval   time.Duration
	Logger         *zap.SugaredLogger
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan Event
}

type WebSocketServer struct {
	bus      *eventbus.Bus
	provider func() (ports.StreamingProvider, error)
	upgrader websocket.Upgrader

	clients map[string]*client
	mu      sync.RWMutex
	unsubs  []eventbus.Unsubscribe

	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration
	bufferSize   int

	logger *zap.SugaredLogger
}

func NewWebSocketServer(opts Options) *WebSocketServer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}

	s := &WebSocketServer{
		bus:          opts.Bus,
		provider:     opts.Provider,
		clients:      make(map[string]*client),
		pingInterval: opts.PingInterval,
		pongTimeout:  2 * opts.PingInterval,
		writeTimeout: 10 * time.Second,
		bufferSize:   64,
		logger:       opts.Logger.Named("events"),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     originChecker(opts.AllowedOrigins),
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}

	for _, topic := range streamedTopics {
		s.unsubs = append(s.unsubs, s.bus.Subscribe(topic, func(data any) {
			s.broadcast(Event{Type: topic, Timestamp: time.Now(), Data: data})
		}))
	}
	return s
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || slices.Contains(allowed, "*") {
			return true
		}
		return slices.Contains(allowed, origin)
	}
}

// ClientCount returns the number of connected clients.
func (s *WebSocketServer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// broadcast queues e for every client. A client whose buffer is full
// misses the event rather than stalling the publisher.
func (s *WebSocketServer) broadcast(e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.clients {
		select {
		case c.send <- e:
		default:
			s.logger.Warnw("client buffer full, dropping event", "client_id", c.id, "type", e.Type)
		}
	}
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c := &client{
		id:   utils.GenerateID("client"),
		conn: conn,
		send: make(chan Event, s.bufferSize),
	}

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.logger.Infow("client connected", "client_id", c.id, "remote_addr", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		s.logger.Infow("client disconnected", "client_id", c.id)
	}()

	// Greet with the current state so a late client does not wait for the
	// next change.
	if p, err := s.provider(); err == nil {
		c.send <- Event{
			Type:      providers.TopicStateChanged.Name(),
			Timestamp: time.Now(),
			Data:      providers.StateChange{Provider: p.Type(), State: p.State()},
		}
	}

	conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan ClientMessage, 10)
	errorChan := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go s.readMessages(conn, messageChan, errorChan, done)

	for {
		select {
		case e := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Infow("error writing event", "client_id", c.id, "error", err)
				return
			}

		case msg := <-messageChan:
			if err := s.handleMessage(r.Context(), msg); err != nil {
				s.logger.Infow("error handling client message", "client_id", c.id, "type", msg.Type, "error", err)
				conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
				_ = conn.WriteJSON(Event{Type: "error", Timestamp: time.Now(), Data: map[string]string{"message": err.Error()}})
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "client_id", c.id, "error", err)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading client message", "client_id", c.id, "error", err)
			}
			return
		}
	}
}

// readMessages feeds client messages to out until the connection fails or
// done is closed. The first read error goes to errs, which must be buffered.
func (s *WebSocketServer) readMessages(conn *websocket.Conn, out chan<- ClientMessage, errs chan<- error, done <-chan struct{}) {
	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			errs <- err
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
		select {
		case out <- msg:
		case <-done:
			return
		}
	}
}

func (s *WebSocketServer) handleMessage(ctx context.Context, msg ClientMessage) error {
	if msg.Type == "" {
		return fmt.Errorf("message type is required")
	}

	p, err := s.provider()
	if err != nil {
		return err
	}

	switch msg.Type {
	case "chat":
		if msg.Content == "" {
			return fmt.Errorf("content is required")
		}
		return p.SendMessage(ctx, msg.Content)
	case "interrupt":
		return p.SendInterrupt(ctx)
	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

// HealthCheck reports the number of connected clients.
func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "healthy",
		"clients": s.ClientCount(),
	})
}

// Close detaches from the bus and closes every client connection.
func (s *WebSocketServer) Close() error {
	for _, u := range s.unsubs {
		u()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
		delete(s.clients, id)
	}
	return nil
}
