package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chess10kp/dropshelf/internal/logging"
	"github.com/chess10kp/dropshelf/internal/shelf"
)

const (
	writeWait      = 10 * time.Second
	clientSendSize = 256
	shutdownWait   = 2 * time.Second
)

// WebServer serves the UI collaborator channel on /events: every shelf
// event is pushed as JSON, and text frames carrying a Request are answered
// with a Response.
type WebServer struct {
	dispatcher *Dispatcher
	events     *Broadcaster
	upgrader   websocket.Upgrader
	logger     *zap.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	events chan shelf.Event
	done   chan struct{}
	server *WebServer
}

func NewWebServer(d *Dispatcher, b *Broadcaster, logger *zap.Logger) *WebServer {
	return &WebServer{
		dispatcher: d,
		events:     b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// The UI loads from a local file origin.
				return true
			},
		},
		logger:  logging.OrNop(logger).Named("websocket"),
		clients: make(map[*wsClient]struct{}),
	}
}

func (s *WebServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.HandleWebSocket)
	return mux
}

// HandleWebSocket upgrades the connection and replays the current shelf
// configs so a UI that connects late starts in sync.
func (s *WebServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsClient{
		conn:   conn,
		send:   make(chan []byte, clientSendSize),
		events: s.events.Subscribe(),
		done:   make(chan struct{}),
		server: s,
	}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	// Live events queue behind the replay so a config snapshot never
	// overtakes a later event for the same shelf.
	s.replay(r.Context(), c)
	go c.forward()

	go c.writePump()
	go c.readPump()
}

func (s *WebServer) replay(ctx context.Context, c *wsClient) {
	resp := s.dispatcher.Handle(ctx, Request{Command: CmdList})
	snaps, ok := resp.Data.([]shelf.Snapshot)
	if !ok {
		return
	}
	for i := range snaps {
		snap := snaps[i]
		c.enqueue(shelf.Event{Kind: shelf.EventConfig, ShelfID: snap.ID, Snapshot: &snap})
	}
}

func (s *WebServer) removeClient(c *wsClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	s.events.Unsubscribe(c.events)
	close(c.done)
}

// Clients returns the number of connected clients.
func (s *WebServer) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Serve listens on addr until ctx is done.
func (s *WebServer) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("websocket server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)

	// Hijacked connections are not closed by Shutdown.
	s.mu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()
	return err
}

func (c *wsClient) enqueue(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.server.logger.Error("failed to marshal message", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.server.logger.Warn("websocket client send buffer full, dropping message")
	}
}

// forward moves broadcast events onto the send queue in arrival order.
func (c *wsClient) forward() {
	for e := range c.events {
		data, err := json.Marshal(e)
		if err != nil {
			c.server.logger.Error("failed to marshal event", zap.Error(err))
			continue
		}
		select {
		case c.send <- data:
		case <-c.done:
			return
		}
	}
}

// readPump answers requests until the connection closes.
func (c *wsClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Info("websocket closed", zap.Error(err))
			}
			return
		}

		var req Request
		if err := json.Unmarshal(message, &req); err != nil {
			c.enqueue(failure("invalid request: " + err.Error()))
			continue
		}
		c.enqueue(c.server.dispatcher.Handle(context.Background(), req))
	}
}

// writePump writes replies and pushed events to the connection.
func (c *wsClient) writePump() {
	defer c.conn.Close()

	for {
		var data []byte
		select {
		case <-c.done:
			return
		case data = <-c.send:
		}

		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.server.logger.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
}
