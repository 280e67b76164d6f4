// Package remoting implements the broker transport: framed connections
// multiplexing numbered channels, confirmation windows, connection lifecycle
// listeners and the TCP accept loop.
package remoting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/dittomq/internal/logger"
	brokererrors "github.com/marmos91/dittomq/pkg/broker/errors"
	"github.com/marmos91/dittomq/pkg/protocol"
	"golang.org/x/time/rate"
)

// Well-known channel IDs.
const (
	// PingChannelID carries PING and DISCONNECT.
	PingChannelID int64 = 0

	// ControlChannelID carries CREATESESSION and the queue management packets
	// sent outside a session.
	ControlChannelID int64 = 1
)

// FailureListener is notified when a connection fails.
type FailureListener interface {
	ConnectionFailed(err error)
}

// CloseListener is notified when a connection is destroyed, after any
// failure listeners have run.
type CloseListener interface {
	ConnectionClosed()
}

// Connection is the lifecycle surface of a client connection.
type Connection interface {
	ID() string
	RemoteAddr() string
	AddFailureListener(l FailureListener)
	RemoveFailureListener(l FailureListener)
	AddCloseListener(l CloseListener)
	RemoveCloseListener(l CloseListener)
	Fail(err error)
	Destroy()
}

// ChannelHandler receives the packets decoded for one channel. Calls for a
// connection are made sequentially from its read loop.
type ChannelHandler interface {
	HandlePacket(p protocol.Packet)
}

// ChannelHandlerFunc adapts a function to ChannelHandler.
type ChannelHandlerFunc func(p protocol.Packet)

// HandlePacket calls f(p).
func (f ChannelHandlerFunc) HandlePacket(p protocol.Packet) { f(p) }

// ConnectionConfig holds per-connection transport settings.
type ConnectionConfig struct {
	// MaxFrameSize bounds inbound frames. 0 means unlimited.
	MaxFrameSize int

	// TTL fails the connection when no frame arrives for this long. A client
	// PING carrying its own TTL overrides it. 0 disables the check.
	TTL time.Duration

	// WriteTimeout bounds each frame write. 0 means no timeout.
	WriteTimeout time.Duration

	// PacketRate limits inbound packets per second. 0 disables limiting.
	PacketRate float64

	// PacketBurst is the limiter burst. Defaults to 1 when PacketRate is set.
	PacketBurst int
}

// NetConnection is a Connection over a net.Conn.
//
// Thread safety: all methods are safe for concurrent use. Writes are
// serialized so frames never interleave on the wire.
type NetConnection struct {
	id     string
	conn   net.Conn
	config ConnectionConfig

	writeMu sync.Mutex

	channelsMu sync.RWMutex
	channels   map[int64]*NetChannel

	listenersMu      sync.Mutex
	failureListeners []FailureListener
	closeListeners   []CloseListener

	limiter *rate.Limiter
	metrics *TransportMetrics

	ttl       atomic.Int64 // nanoseconds
	failed    atomic.Bool
	destroyed atomic.Bool
	done      chan struct{}
}

var _ Connection = (*NetConnection)(nil)

// NewNetConnection wraps conn. The connection does nothing until Serve is called.
func NewNetConnection(conn net.Conn, cfg ConnectionConfig, m *TransportMetrics) *NetConnection {
	c := &NetConnection{
		id:       uuid.NewString(),
		conn:     conn,
		config:   cfg,
		channels: make(map[int64]*NetChannel),
		metrics:  m,
		done:     make(chan struct{}),
	}
	c.ttl.Store(int64(cfg.TTL))

	if cfg.PacketRate > 0 {
		burst := cfg.PacketBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.PacketRate), burst)
	}
	return c
}

// ID returns the connection's unique identifier.
func (c *NetConnection) ID() string { return c.id }

// RemoteAddr returns the client address.
func (c *NetConnection) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Done is closed once the connection has been destroyed.
func (c *NetConnection) Done() <-chan struct{} { return c.done }

// IsDestroyed reports whether Destroy has run.
func (c *NetConnection) IsDestroyed() bool { return c.destroyed.Load() }

// ============================================================================
// Channels
// ============================================================================

// NewChannel creates the channel id with the given confirmation window
// (bytes, -1 disables confirmations). An existing channel with the same ID is
// replaced.
func (c *NetConnection) NewChannel(id int64, confirmationWindow int, h ChannelHandler) *NetChannel {
	ch := newNetChannel(c, id, confirmationWindow, h)

	c.channelsMu.Lock()
	c.channels[id] = ch
	c.channelsMu.Unlock()
	return ch
}

// Channel returns the channel with the given ID.
func (c *NetConnection) Channel(id int64) (*NetChannel, bool) {
	c.channelsMu.RLock()
	defer c.channelsMu.RUnlock()
	ch, ok := c.channels[id]
	return ch, ok
}

// ChannelCount returns the number of open channels.
func (c *NetConnection) ChannelCount() int {
	c.channelsMu.RLock()
	defer c.channelsMu.RUnlock()
	return len(c.channels)
}

func (c *NetConnection) removeChannel(id int64) {
	c.channelsMu.Lock()
	delete(c.channels, id)
	c.channelsMu.Unlock()
}

// ============================================================================
// Listeners
// ============================================================================

// AddFailureListener registers l. Registering the same listener twice
// notifies it twice.
func (c *NetConnection) AddFailureListener(l FailureListener) {
	c.listenersMu.Lock()
	c.failureListeners = append(c.failureListeners, l)
	c.listenersMu.Unlock()
}

// RemoveFailureListener removes the first registration of l.
func (c *NetConnection) RemoveFailureListener(l FailureListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	for i, existing := range c.failureListeners {
		if existing == l {
			c.failureListeners = append(c.failureListeners[:i:i], c.failureListeners[i+1:]...)
			return
		}
	}
}

// AddCloseListener registers l.
func (c *NetConnection) AddCloseListener(l CloseListener) {
	c.listenersMu.Lock()
	c.closeListeners = append(c.closeListeners, l)
	c.listenersMu.Unlock()
}

// RemoveCloseListener removes the first registration of l.
func (c *NetConnection) RemoveCloseListener(l CloseListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	for i, existing := range c.closeListeners {
		if existing == l {
			c.closeListeners = append(c.closeListeners[:i:i], c.closeListeners[i+1:]...)
			return
		}
	}
}

// FailureListenerCount returns the number of registered failure listeners.
func (c *NetConnection) FailureListenerCount() int {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	return len(c.failureListeners)
}

// CloseListenerCount returns the number of registered close listeners.
func (c *NetConnection) CloseListenerCount() int {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	return len(c.closeListeners)
}

// ============================================================================
// Lifecycle
// ============================================================================

// Fail runs the failure listeners with err and then destroys the
// connection. Only the first call has any effect.
func (c *NetConnection) Fail(err error) {
	if !c.failed.CompareAndSwap(false, true) || c.destroyed.Load() {
		return
	}

	logger.Debug("Connection failed",
		logger.ConnectionID(c.id), logger.ClientAddr(c.RemoteAddr()), logger.Err(err))
	c.metrics.recordFailure(failureReason(err))

	c.listenersMu.Lock()
	listeners := append([]FailureListener(nil), c.failureListeners...)
	c.listenersMu.Unlock()

	for _, l := range listeners {
		c.notifyFailure(l, err)
	}

	c.Destroy()
}

// Destroy runs the close listeners, closes every channel and the underlying
// connection. Only the first call has any effect.
func (c *NetConnection) Destroy() {
	if !c.destroyed.CompareAndSwap(false, true) {
		return
	}

	c.listenersMu.Lock()
	listeners := append([]CloseListener(nil), c.closeListeners...)
	c.listenersMu.Unlock()

	for _, l := range listeners {
		c.notifyClose(l)
	}

	c.channelsMu.Lock()
	channels := make([]*NetChannel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.channels = make(map[int64]*NetChannel)
	c.channelsMu.Unlock()

	for _, ch := range channels {
		ch.markClosed()
	}

	_ = c.conn.Close()
	close(c.done)
	c.metrics.connectionClosed()
}

func (c *NetConnection) notifyFailure(l FailureListener, err error) {
	defer c.recoverListener("failure")
	l.ConnectionFailed(err)
}

func (c *NetConnection) notifyClose(l CloseListener) {
	defer c.recoverListener("close")
	l.ConnectionClosed()
}

func (c *NetConnection) recoverListener(kind string) {
	if r := recover(); r != nil {
		logger.Error("Panic in connection "+kind+" listener",
			logger.ConnectionID(c.id), "error", r, "stack", string(debug.Stack()))
	}
}

// ============================================================================
// I/O
// ============================================================================

// write sends one encoded frame. Writes after Destroy are dropped.
func (c *NetConnection) write(frame []byte) error {
	if c.destroyed.Load() {
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	c.metrics.frameSent(len(frame))
	return nil
}

// sendOn encodes p for channelID and writes it.
func (c *NetConnection) sendOn(channelID int64, p protocol.Packet) error {
	frame, err := protocol.Encode(channelID, p)
	if err != nil {
		return err
	}
	return c.write(frame)
}

// Disconnect tells the client the server is going away and destroys the
// connection.
func (c *NetConnection) Disconnect() {
	if err := c.sendOn(PingChannelID, &protocol.Disconnect{}); err != nil {
		logger.Debug("Failed to send disconnect", logger.ConnectionID(c.id), logger.Err(err))
	}
	c.Destroy()
}

// Serve runs the read loop until the connection is destroyed, the client
// goes away or ctx is cancelled. Each decoded packet is handed to its
// channel's handler before the next frame is read.
//
// End-of-stream destroys the connection; any other read failure (including
// the TTL expiring) fails it.
func (c *NetConnection) Serve(ctx context.Context) {
	defer c.handleServePanic()

	clientAddr := c.RemoteAddr()
	logger.Debug("Connection serving", logger.ConnectionID(c.id), logger.ClientAddr(clientAddr))

	for {
		select {
		case <-ctx.Done():
			c.Destroy()
			return
		case <-c.done:
			return
		default:
		}

		if ttl := time.Duration(c.ttl.Load()); ttl > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(ttl)); err != nil {
				logger.Debug("Failed to set read deadline", logger.ClientAddr(clientAddr), logger.Err(err))
			}
		}

		frame, err := protocol.ReadFrame(c.conn, c.config.MaxFrameSize)
		if err != nil {
			c.handleReadError(ctx, err)
			return
		}
		c.metrics.frameReceived(frame.Size)

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				c.Destroy()
				return
			}
		}

		c.dispatch(frame)
	}
}

func (c *NetConnection) handleReadError(ctx context.Context, err error) {
	clientAddr := c.RemoteAddr()

	var netErr net.Error
	switch {
	case c.destroyed.Load():
		return
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		logger.Debug("Connection closed by client", logger.ClientAddr(clientAddr))
		c.Destroy()
	case ctx.Err() != nil:
		c.Destroy()
	case errors.As(err, &netErr) && netErr.Timeout():
		c.Fail(brokererrors.Newf(brokererrors.ConnectionTimedOut,
			"did not receive data from %s within the %s connection TTL", clientAddr, time.Duration(c.ttl.Load())))
	case errors.Is(err, protocol.ErrFrameTooLarge):
		logger.Warn("Frame too large, failing connection", logger.ClientAddr(clientAddr), logger.Err(err))
		c.Fail(err)
	default:
		c.Fail(fmt.Errorf("read frame: %w", err))
	}
}

func (c *NetConnection) dispatch(frame *protocol.Frame) {
	if frame.ChannelID == PingChannelID {
		c.handlePing(frame.Packet)
		return
	}

	ch, ok := c.Channel(frame.ChannelID)
	if !ok {
		logger.Debug("Packet for unknown channel dropped",
			logger.ConnectionID(c.id), logger.ChannelID(frame.ChannelID), logger.Packet(frame.Packet.Type().String()))
		return
	}
	ch.deliver(frame.Packet)
}

func (c *NetConnection) handlePing(p protocol.Packet) {
	switch pkt := p.(type) {
	case *protocol.Ping:
		if pkt.ConnectionTTL > 0 {
			c.ttl.Store(int64(time.Duration(pkt.ConnectionTTL) * time.Millisecond))
		}
		reply := &protocol.Ping{ConnectionTTL: time.Duration(c.ttl.Load()).Milliseconds()}
		if err := c.sendOn(PingChannelID, reply); err != nil {
			logger.Debug("Failed to answer ping", logger.ConnectionID(c.id), logger.Err(err))
		}
	case *protocol.Disconnect:
		c.Destroy()
	default:
		logger.Debug("Unexpected packet on ping channel",
			logger.ConnectionID(c.id), logger.Packet(p.Type().String()))
	}
}

func (c *NetConnection) handleServePanic() {
	if r := recover(); r != nil {
		logger.Error("Panic in connection handler",
			logger.ClientAddr(c.RemoteAddr()), "error", r, "stack", string(debug.Stack()))
		c.Fail(fmt.Errorf("connection handler panic: %v", r))
	}
}

func failureReason(err error) string {
	var netErr net.Error
	switch {
	case brokererrors.HasCode(err, brokererrors.ConnectionTimedOut):
		return "ttl"
	case errors.Is(err, protocol.ErrFrameTooLarge):
		return "frame_too_large"
	case errors.As(err, &netErr):
		return "network"
	default:
		return "other"
	}
}
