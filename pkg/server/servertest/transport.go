package servertest

import (
	"sync"

	"github.com/marmos91/dittomq/pkg/protocol"
	"github.com/marmos91/dittomq/pkg/remoting"
)

// EventLog is an ordered, concurrency-safe list of event names.
type EventLog struct {
	mu     sync.Mutex
	events []string
}

// Add appends an event.
func (l *EventLog) Add(event string) {
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (l *EventLog) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// Reset forgets every recorded event.
func (l *EventLog) Reset() {
	l.mu.Lock()
	l.events = nil
	l.mu.Unlock()
}

// ============================================================================
// Channel
// ============================================================================

// Channel is a remoting.Channel that records confirmations, flushes, sends
// and closes as "confirm:<TYPE>", "flush", "send:<TYPE>" and "close".
type Channel struct {
	Log  *EventLog
	Conn *Connection

	id int64

	mu        sync.Mutex
	sent      []protocol.Packet
	confirmed []protocol.Packet
	closed    bool
	sendErr   error
}

var _ remoting.Channel = (*Channel)(nil)

// NewChannel creates a channel on a fresh Connection sharing one EventLog.
func NewChannel(id int64) *Channel {
	log := &EventLog{}
	return &Channel{
		Log:  log,
		Conn: NewConnection(log),
		id:   id,
	}
}

// ID returns the channel ID.
func (c *Channel) ID() int64 { return c.id }

// Connection returns the fake connection.
func (c *Channel) Connection() remoting.Connection { return c.Conn }

// Send records p. It returns the error set with FailSends.
func (c *Channel) Send(p protocol.Packet) error {
	c.mu.Lock()
	c.sent = append(c.sent, p)
	err := c.sendErr
	c.mu.Unlock()
	c.Log.Add("send:" + p.Type().String())
	return err
}

// Confirm records p as confirmed.
func (c *Channel) Confirm(p protocol.Packet) {
	c.mu.Lock()
	c.confirmed = append(c.confirmed, p)
	c.mu.Unlock()
	c.Log.Add("confirm:" + p.Type().String())
}

// FlushConfirmations records a flush.
func (c *Channel) FlushConfirmations() {
	c.Log.Add("flush")
}

// Close records a close.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Log.Add("close")
	return nil
}

// FailSends makes every later Send return err after recording the packet.
func (c *Channel) FailSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// Sent returns the packets sent so far.
func (c *Channel) Sent() []protocol.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Packet(nil), c.sent...)
}

// LastSent returns the most recent packet sent, or nil.
func (c *Channel) LastSent() protocol.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

// Confirmed returns the packets confirmed so far.
func (c *Channel) Confirmed() []protocol.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Packet(nil), c.confirmed...)
}

// IsClosed reports whether Close was called.
func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ============================================================================
// Connection
// ============================================================================

// Connection is a remoting.Connection that keeps its listeners in memory.
// Fail notifies failure listeners and then close listeners, Destroy only
// close listeners, each at most once per connection.
type Connection struct {
	Log *EventLog

	mu               sync.Mutex
	failureListeners []remoting.FailureListener
	closeListeners   []remoting.CloseListener
	destroyed        bool
}

var _ remoting.Connection = (*Connection)(nil)

// NewConnection creates a connection recording into log.
func NewConnection(log *EventLog) *Connection {
	return &Connection{Log: log}
}

// ID returns a fixed connection ID.
func (c *Connection) ID() string { return "test-connection" }

// RemoteAddr returns a fixed client address.
func (c *Connection) RemoteAddr() string { return "127.0.0.1:5445" }

// AddFailureListener registers l.
func (c *Connection) AddFailureListener(l remoting.FailureListener) {
	c.mu.Lock()
	c.failureListeners = append(c.failureListeners, l)
	c.mu.Unlock()
}

// RemoveFailureListener unregisters the first registration of l.
func (c *Connection) RemoveFailureListener(l remoting.FailureListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.failureListeners {
		if existing == l {
			c.failureListeners = append(c.failureListeners[:i], c.failureListeners[i+1:]...)
			return
		}
	}
}

// AddCloseListener registers l.
func (c *Connection) AddCloseListener(l remoting.CloseListener) {
	c.mu.Lock()
	c.closeListeners = append(c.closeListeners, l)
	c.mu.Unlock()
}

// RemoveCloseListener unregisters the first registration of l.
func (c *Connection) RemoveCloseListener(l remoting.CloseListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.closeListeners {
		if existing == l {
			c.closeListeners = append(c.closeListeners[:i], c.closeListeners[i+1:]...)
			return
		}
	}
}

// FailureListenerCount returns the number of registered failure listeners.
func (c *Connection) FailureListenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.failureListeners)
}

// CloseListenerCount returns the number of registered close listeners.
func (c *Connection) CloseListenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.closeListeners)
}

// Fail notifies the failure listeners, then destroys the connection.
func (c *Connection) Fail(err error) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	listeners := append([]remoting.FailureListener(nil), c.failureListeners...)
	c.mu.Unlock()

	c.Log.Add("connection:failed")
	for _, l := range listeners {
		l.ConnectionFailed(err)
	}
	c.Destroy()
}

// Destroy notifies the close listeners once.
func (c *Connection) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	listeners := append([]remoting.CloseListener(nil), c.closeListeners...)
	c.mu.Unlock()

	c.Log.Add("connection:destroyed")
	for _, l := range listeners {
		l.ConnectionClosed()
	}
}
