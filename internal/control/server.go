// Package control lets the CLI talk to a running `plinth serve` over a
// unix socket: one JSON command per connection, one JSON response back.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Command types.
const (
	CmdStatus     = "status"
	CmdReload     = "reload"
	CmdCron       = "cron"
	CmdActivate   = "activate"
	CmdDeactivate = "deactivate"
)

// Command is a control request.
type Command struct {
	Type      string    `json:"type"`
	Site      string    `json:"site,omitempty"` // site id or slug, for activate/deactivate
	Timestamp time.Time `json:"timestamp"`
}

// Response is the reply to a Command.
type Response struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// HandlerFunc executes a command and returns JSON-encodable data.
type HandlerFunc func(ctx context.Context, cmd Command) (interface{}, error)

// Server manages the control socket
type Server struct {
	socketPath string
	listener   *net.UnixListener
	handler    HandlerFunc
	logger     *zap.Logger

	mu       sync.RWMutex
	running  bool
	started  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	conns    sync.WaitGroup
}

// NewServer creates a control server. A stale socket file left by a
// crashed process is removed.
func NewServer(socketPath string, handler HandlerFunc, logger *zap.Logger) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.RemoveAll(socketPath); err != nil {
		return nil, fmt.Errorf("failed to remove existing socket: %w", err)
	}
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		logger:     logger,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// Start begins listening for control commands
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("control server already started")
	}

	addr, err := net.ResolveUnixAddr("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to resolve control socket: %w", err)
	}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("failed to create control socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to restrict control socket: %w", err)
	}

	s.listener = listener
	s.running = true
	s.started = true
	s.logger.Info("control server listening", zap.String("socket", s.socketPath))

	go s.acceptLoop(ctx)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer close(s.doneCh)
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		// Short accept deadlines let the loop notice ctx and stopCh.
		if err := s.listener.SetDeadline(time.Now().Add(250 * time.Millisecond)); err != nil {
			s.logger.Warn("control: failed to set deadline", zap.Error(err))
			continue
		}
		conn, err := s.listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-s.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("control: accept error", zap.Error(err))
			continue
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return
	}
	var cmd Command
	if err := json.NewDecoder(conn).Decode(&cmd); err != nil {
		s.send(conn, failure(fmt.Errorf("failed to decode command: %w", err)))
		return
	}
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now()
	}
	// Commands like reload can take a while.
	_ = conn.SetDeadline(time.Time{})

	s.logger.Debug("control command", zap.String("type", cmd.Type), zap.String("site", cmd.Site))
	s.send(conn, s.execute(ctx, cmd))
}

func (s *Server) execute(ctx context.Context, cmd Command) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = failure(fmt.Errorf("command %s panicked: %v", cmd.Type, r))
		}
	}()
	if s.handler == nil {
		return failure(errors.New("no command handler registered"))
	}
	data, err := s.handler(ctx, cmd)
	if err != nil {
		return failure(err)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return failure(fmt.Errorf("failed to encode result: %w", err))
	}
	return Response{
		Success: true,
		Message: fmt.Sprintf("command '%s' completed", cmd.Type),
		Data:    raw,
	}
}

func failure(err error) Response {
	return Response{Success: false, Message: "command failed: " + err.Error(), Error: err.Error()}
}

func (s *Server) send(conn net.Conn, resp Response) {
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Warn("control: failed to send response", zap.Error(err))
	}
}

// Stop closes the socket, removes the socket file and waits for in-flight
// commands. It is safe to call after the accept loop ended on ctx
// cancellation, and more than once.
func (s *Server) Stop() error {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if started {
		s.stopOnce.Do(s.stop)
	}
	return nil
}

func (s *Server) stop() {
	close(s.stopCh)
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("control: error closing listener", zap.Error(err))
	}

	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		s.logger.Warn("control: timeout waiting for server shutdown")
	}
	s.conns.Wait()

	if err := os.RemoveAll(s.socketPath); err != nil {
		s.logger.Warn("control: failed to remove socket file", zap.Error(err))
	}
	s.logger.Info("control server stopped")
}

// IsRunning returns whether the server is currently running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// SocketPath returns the path to the control socket
func (s *Server) SocketPath() string {
	return s.socketPath
}
