package remoting

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittomq/internal/logger"
)

// Acceptor sets up a freshly accepted connection, typically by opening its
// control channel. It runs before the connection's read loop starts.
type Acceptor interface {
	ConnectionCreated(conn *NetConnection)
}

// AcceptorFunc adapts a function to Acceptor.
type AcceptorFunc func(conn *NetConnection)

// ConnectionCreated calls f(conn).
func (f AcceptorFunc) ConnectionCreated(conn *NetConnection) { f(conn) }

// ServerConfig configures the TCP transport.
type ServerConfig struct {
	// Listen is the host:port to accept client connections on.
	Listen string

	// MaxConnections limits concurrent connections. 0 means unlimited.
	MaxConnections int

	// ShutdownTimeout bounds how long Stop waits for connections to finish.
	ShutdownTimeout time.Duration

	// Connection holds the per-connection settings.
	Connection ConnectionConfig
}

// Server runs the accept loop and tracks live connections.
//
// Thread safety: all exported methods are safe for concurrent use. Stop is
// idempotent.
type Server struct {
	config   ServerConfig
	acceptor Acceptor
	metrics  *TransportMetrics

	listenerMu    sync.RWMutex
	listener      net.Listener
	listenerReady chan struct{}

	shutdownOnce sync.Once
	shutdown     chan struct{}

	activeConns   sync.WaitGroup
	connCount     atomic.Int32
	connSemaphore chan struct{}
	connections   sync.Map // connection ID -> *NetConnection
}

// NewServer creates a stopped server. Call Serve to start accepting.
func NewServer(cfg ServerConfig, acceptor Acceptor, m *TransportMetrics) *Server {
	var sem chan struct{}
	if cfg.MaxConnections > 0 {
		sem = make(chan struct{}, cfg.MaxConnections)
	}
	return &Server{
		config:        cfg,
		acceptor:      acceptor,
		metrics:       m,
		listenerReady: make(chan struct{}),
		shutdown:      make(chan struct{}),
		connSemaphore: sem,
	}
}

// Serve listens on the configured address and accepts connections until ctx
// is cancelled or Stop is called.
//
// Returns:
//   - nil on graceful shutdown
//   - error if the listener cannot be created
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Listen, err)
	}
	return s.ServeListener(ctx, listener)
}

// ServeListener accepts connections on an existing listener.
func (s *Server) ServeListener(ctx context.Context, listener net.Listener) error {
	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()
	close(s.listenerReady)

	logger.Info("Broker transport listening", "address", listener.Addr().String())

	go func() {
		select {
		case <-ctx.Done():
			s.initiateShutdown()
		case <-s.shutdown:
		}
	}()

	for {
		if s.connSemaphore != nil {
			select {
			case s.connSemaphore <- struct{}{}:
			case <-s.shutdown:
				return nil
			}
		}

		netConn, err := listener.Accept()
		if err != nil {
			if s.connSemaphore != nil {
				<-s.connSemaphore
			}
			select {
			case <-s.shutdown:
				return nil
			default:
				logger.Debug("Error accepting connection", logger.Err(err))
				continue
			}
		}

		if tcp, ok := netConn.(*net.TCPConn); ok {
			if err := tcp.SetNoDelay(true); err != nil {
				logger.Debug("Failed to set TCP_NODELAY", logger.Err(err))
			}
		}

		s.serveConn(ctx, netConn)
	}
}

func (s *Server) serveConn(ctx context.Context, netConn net.Conn) {
	conn := NewNetConnection(netConn, s.config.Connection, s.metrics)
	if s.acceptor != nil {
		s.acceptor.ConnectionCreated(conn)
	}

	s.activeConns.Add(1)
	active := s.connCount.Add(1)
	s.connections.Store(conn.ID(), conn)
	s.metrics.connectionAccepted()

	logger.Debug("Connection accepted",
		logger.ConnectionID(conn.ID()), logger.ClientAddr(conn.RemoteAddr()), "active", active)

	go func() {
		defer func() {
			s.connections.Delete(conn.ID())
			s.connCount.Add(-1)
			s.activeConns.Done()
			if s.connSemaphore != nil {
				<-s.connSemaphore
			}
			logger.Debug("Connection closed",
				logger.ConnectionID(conn.ID()), "active", s.connCount.Load())
		}()
		conn.Serve(ctx)
	}()
}

// initiateShutdown closes the listener and disconnects every client. Safe
// to call more than once.
func (s *Server) initiateShutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)

		s.listenerMu.Lock()
		if s.listener != nil {
			if err := s.listener.Close(); err != nil {
				logger.Debug("Error closing listener", logger.Err(err))
			}
		}
		s.listenerMu.Unlock()

		s.connections.Range(func(_, value any) bool {
			value.(*NetConnection).Disconnect()
			return true
		})
	})
}

// Stop disconnects all clients and waits for their read loops to exit,
// bounded by ctx and the configured shutdown timeout.
func (s *Server) Stop(ctx context.Context) error {
	s.initiateShutdown()

	done := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(done)
	}()

	var timeout <-chan time.Time
	if s.config.ShutdownTimeout > 0 {
		timer := time.NewTimer(s.config.ShutdownTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-done:
		logger.Info("Broker transport stopped")
		return nil
	case <-timeout:
		remaining := s.connCount.Load()
		logger.Warn("Transport shutdown timeout exceeded", "active", remaining)
		return fmt.Errorf("transport shutdown timeout: %d connections still open", remaining)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveConnections returns the number of open connections.
func (s *Server) ActiveConnections() int32 {
	return s.connCount.Load()
}

// Connections returns a snapshot of the open connections.
func (s *Server) Connections() []*NetConnection {
	var conns []*NetConnection
	s.connections.Range(func(_, value any) bool {
		conns = append(conns, value.(*NetConnection))
		return true
	})
	return conns
}

// Addr blocks until the listener is ready and returns its address.
func (s *Server) Addr() string {
	<-s.listenerReady

	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
