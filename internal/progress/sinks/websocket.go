package sinks

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sitegauge/sitegauge/internal/progress"
)

const (
	clientSendBuffer = 64
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 45 * time.Second
)

// WebSocketSink fans progress events out to connected WebSocket clients.
// Clients register per user; each client only receives events for jobs owned
// by that user. Slow clients never block the hub: when a client's send buffer
// fills, the event is dropped for that client and the connection keeps going.
type WebSocketSink struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[string]map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	closeO sync.Once
}

// NewWebSocketSink initializes an empty client registry.
func NewWebSocketSink(logger *zap.Logger) *WebSocketSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketSink{
		logger:  logger,
		clients: make(map[string]map[*wsClient]struct{}),
	}
}

// Consume marshals each event once and enqueues it to every client registered
// for the event's user. Events without a user id are broadcast to no one.
func (s *WebSocketSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		if evt.UserID == "" {
			continue
		}
		s.mu.RLock()
		targets := s.clients[evt.UserID]
		if len(targets) == 0 {
			s.mu.RUnlock()
			continue
		}
		payload, err := json.Marshal(evt)
		if err != nil {
			s.mu.RUnlock()
			s.logger.Warn("marshal progress event", zap.Error(err))
			continue
		}
		for client := range targets {
			select {
			case client.send <- payload:
			default:
				s.logger.Debug("dropping event for slow websocket client",
					zap.String("user_id", evt.UserID),
					zap.String("job_id", evt.JobID))
			}
		}
		s.mu.RUnlock()
	}
	return nil
}

// Serve takes ownership of an upgraded connection and pumps events to it until
// the client disconnects or the sink closes. It blocks, so call it from the
// HTTP handler goroutine.
func (s *WebSocketSink) Serve(conn *websocket.Conn, userID string) {
	client := &wsClient{
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	if s.clients[userID] == nil {
		s.clients[userID] = make(map[*wsClient]struct{})
	}
	s.clients[userID][client] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if peers, ok := s.clients[userID]; ok {
			delete(peers, client)
			if len(peers) == 0 {
				delete(s.clients, userID)
			}
		}
		s.mu.Unlock()
		client.close()
	}()

	go s.readPump(client)
	s.writePump(client)
}

// readPump discards inbound frames; the stream is one-way. It exists to notice
// closed connections and to keep the pong handler serviced.
func (s *WebSocketSink) readPump(client *wsClient) {
	defer client.close()
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *WebSocketSink) writePump(client *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case payload := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-client.done:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = client.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		}
	}
}

// ClientCount reports how many connections are registered for a user.
func (s *WebSocketSink) ClientCount(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients[userID])
}

// Close disconnects every registered client and rejects future registrations.
func (s *WebSocketSink) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	var all []*wsClient
	for _, peers := range s.clients {
		for client := range peers {
			all = append(all, client)
		}
	}
	s.clients = make(map[string]map[*wsClient]struct{})
	s.mu.Unlock()

	for _, client := range all {
		client.close()
	}
	return nil
}

func (c *wsClient) close() {
	c.closeO.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
