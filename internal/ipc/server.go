package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chess10kp/dropshelf/internal/logging"
)

const (
	connDeadline   = 10 * time.Second
	maxRequestSize = 1 << 20
)

// Server accepts one request per connection on a unix socket.
type Server struct {
	dispatcher *Dispatcher
	socketPath string
	logger     *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	running  bool
	wg       sync.WaitGroup
}

func NewServer(d *Dispatcher, socketPath string, logger *zap.Logger) *Server {
	return &Server{
		dispatcher: d,
		socketPath: socketPath,
		logger:     logging.OrNop(logger).Named("ipc"),
	}
}

func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("IPC server already running")
	}

	// Remove a socket left by a previous run.
	if _, err := os.Stat(s.socketPath); err == nil {
		os.Remove(s.socketPath)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		s.logger.Warn("failed to restrict socket permissions", zap.Error(err))
	}

	s.listener = listener
	s.running = true
	s.logger.Info("IPC server listening", zap.String("socket", s.socketPath))

	s.wg.Add(1)
	go s.acceptConnections(listener)
	return nil
}

func (s *Server) acceptConnections(listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("error accepting connection", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connDeadline))

	var req Request
	dec := json.NewDecoder(io.LimitReader(conn, maxRequestSize))
	if err := dec.Decode(&req); err != nil {
		s.sendResponse(conn, failure(fmt.Sprintf("failed to unmarshal request: %v", err)))
		return
	}

	s.logger.Debug("received IPC request", zap.String("command", req.Command))
	s.sendResponse(conn, s.dispatcher.Handle(context.Background(), req))
}

func (s *Server) sendResponse(conn net.Conn, resp Response) {
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Debug("error writing response", zap.Error(err))
	}
}

func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()

	listener.Close()
	s.wg.Wait()

	if _, err := os.Stat(s.socketPath); err == nil {
		os.Remove(s.socketPath)
	}
	s.logger.Info("IPC server stopped")
	return nil
}
