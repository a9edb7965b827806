package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"diagd/internal/logging"
	"diagd/internal/metrics"
	"diagd/internal/security"
)

var (
	// ErrAlreadyRunning is returned by Start when another daemon owns the socket.
	ErrAlreadyRunning = errors.New("ipc: socket already in use")

	errHandlerPanic      = errors.New("handler panicked")
	errRequestFailed     = errors.New("request failed")
	errNoPeerCredentials = errors.New("peer credentials unavailable")
)

// Handler processes IPC messages
type Handler interface {
	// HandleMessage processes a message and returns a response
	HandleMessage(ctx context.Context, peer *Peer, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, peer *Peer, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, peer *Peer, msg *Message) (*Message, error) {
	return f(ctx, peer, msg)
}

// Server accepts connections on a unix socket and answers one request at a
// time per connection.
type Server struct {
	mu        sync.RWMutex
	listener  net.Listener
	cfg       ServerConfig
	handler   Handler
	peers     map[string]*Peer
	startedAt time.Time

	logger  *logging.Logger
	metrics *metrics.Metrics
	crash   *logging.CrashHandler

	// Shutdown coordination
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// Peer is a connected client.
type Peer struct {
	mu           sync.Mutex
	ID           string
	conn         net.Conn
	Credentials  *PeerCredentials
	ConnectedAt  time.Time
	LastActivity time.Time

	// Write serialization
	writeMu sync.Mutex
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	SocketPath     string
	Version        string
	Permissions    os.FileMode
	MaxConnections int

	// RequestTimeout bounds each handler call.
	RequestTimeout time.Duration
	// IdleTimeout closes connections that send nothing for this long.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Crash   *logging.CrashHandler
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig(socketPath string) ServerConfig {
	return ServerConfig{
		SocketPath:     socketPath,
		Version:        "dev",
		Permissions:    0600,
		MaxConnections: 16,
		RequestTimeout: 30 * time.Second,
		IdleTimeout:    5 * time.Minute,
		WriteTimeout:   10 * time.Second,
	}
}

// NewServer creates a new IPC server
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("ipc: socket path is required")
	}
	if handler == nil {
		return nil, errors.New("ipc: handler is required")
	}
	def := DefaultServerConfig(cfg.SocketPath)
	if cfg.Permissions == 0 {
		cfg.Permissions = def.Permissions
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		handler: handler,
		peers:   make(map[string]*Peer),
		logger:  logger.WithComponent("ipc"),
		metrics: cfg.Metrics,
		crash:   cfg.Crash,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins listening for connections
func (s *Server) Start() error {
	if err := security.EnsureDir(filepath.Dir(s.cfg.SocketPath), security.PermPrivateDir); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	if IsSocketListening(s.cfg.SocketPath) {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, s.cfg.SocketPath)
	}
	if err := CleanupSocket(s.cfg.SocketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	if err := SetSocketPermissions(s.cfg.SocketPath, s.cfg.Permissions); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.startedAt = time.Now()
	s.mu.Unlock()
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop(listener)

	s.logger.Info("listening", "socket", s.cfg.SocketPath)
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for _, peer := range s.peers {
		peer.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("shutdown timed out waiting for connections")
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove socket: %w", err)
	}
	return nil
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// Version returns the version reported to clients.
func (s *Server) Version() string {
	return s.cfg.Version
}

// StartedAt returns when Start succeeded.
func (s *Server) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

// Running reports whether the server is accepting connections.
func (s *Server) Running() bool {
	return s.running.Load()
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		if s.ClientCount() >= s.cfg.MaxConnections {
			s.logger.Warn("connection limit reached", "max", s.cfg.MaxConnections)
			conn.Close()
			continue
		}

		creds, err := checkPeer(conn)
		if err != nil {
			s.logger.Warn("peer rejected", "error", err)
			conn.Close()
			continue
		}

		now := time.Now()
		peer := &Peer{
			ID:           uuid.NewString(),
			conn:         conn,
			Credentials:  creds,
			ConnectedAt:  now,
			LastActivity: now,
		}

		s.mu.Lock()
		s.peers[peer.ID] = peer
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(peer)
	}
}

func (s *Server) handleConnection(peer *Peer) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.peers, peer.ID)
		s.mu.Unlock()
		peer.conn.Close()
	}()

	log := s.logger.With("peer", peer.ID)
	log.Debug("connected")

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		peer.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		msg, err := ReadMessage(peer.conn)
		if err != nil {
			var ne net.Error
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				log.Debug("disconnected")
			case errors.As(err, &ne) && ne.Timeout():
				log.Debug("idle timeout")
			default:
				log.Warn("read failed", "error", err)
			}
			return
		}

		peer.mu.Lock()
		peer.LastActivity = time.Now()
		peer.mu.Unlock()

		response := s.processMessage(peer, msg)
		if err := s.sendMessage(peer, response); err != nil {
			log.Warn("write failed", "error", err)
			return
		}
	}
}

// processMessage answers one request. It always returns a message.
func (s *Server) processMessage(peer *Peer, msg *Message) *Message {
	reqID := msg.Header.RequestID
	if msg.Header.Type == MsgPing {
		s.metrics.RecordIPC(msg.Header.Type.String(), nil)
		return NewMessage(MsgPong, reqID, nil)
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
	defer cancel()
	ctx = logging.ContextWithRequestID(ctx, fmt.Sprintf("%s-%d", peer.ID, reqID))

	response, err := s.dispatch(ctx, peer, msg)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		response = NewErrorMessage(reqID, ErrTimeout, "request timed out")
	case err != nil:
		response = NewErrorMessage(reqID, ErrInternalError, err.Error())
	case response == nil:
		response = NewErrorMessage(reqID, ErrInternalError, "no response")
	}

	if err == nil && response.Header.Type == MsgError {
		err = errRequestFailed
	}
	s.metrics.RecordIPC(msg.Header.Type.String(), err)
	if err != nil {
		s.logger.Debug("request failed", "peer", peer.ID, "type", msg.Header.Type.String(), "error", err)
	}
	return response
}

// dispatch calls the handler, turning a panic into an error.
func (s *Server) dispatch(ctx context.Context, peer *Peer, msg *Message) (resp *Message, err error) {
	run := func() { resp, err = s.handler.HandleMessage(ctx, peer, msg) }

	if s.crash != nil {
		info := map[string]interface{}{"peer": peer.ID, "type": msg.Header.Type.String()}
		if s.crash.Recover("ipc."+msg.Header.Type.String(), info, run) {
			return nil, errHandlerPanic
		}
		return resp, err
	}

	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, fmt.Errorf("%w: %v", errHandlerPanic, r)
		}
	}()
	run()
	return resp, err
}

func (s *Server) sendMessage(peer *Peer, msg *Message) error {
	peer.writeMu.Lock()
	defer peer.writeMu.Unlock()

	peer.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return msg.Write(peer.conn)
}
