package remoting

import (
	"sync"

	"github.com/marmos91/dittomq/internal/logger"
	"github.com/marmos91/dittomq/pkg/protocol"
)

// Channel is an ordered, confirmable packet stream multiplexed on a connection.
type Channel interface {
	ID() int64

	// Send writes p to the client. Sends on a closed channel are dropped.
	Send(p protocol.Packet) error

	// Confirm records p as durably processed. Once the confirmed bytes reach
	// the confirmation window a PACKETS_CONFIRMED is sent.
	Confirm(p protocol.Packet)

	// FlushConfirmations sends any pending confirmation immediately.
	FlushConfirmations()

	// Close closes the channel. It is idempotent.
	Close() error

	// Connection returns the connection carrying the channel.
	Connection() Connection
}

// NetChannel is the Channel implementation carried by a NetConnection.
type NetChannel struct {
	id     int64
	conn   *NetConnection
	window int

	handlerMu sync.RWMutex
	handler   ChannelHandler

	mu                sync.Mutex
	closed            bool
	lastConfirmedID   int32
	lastSentConfirmed int32
	unconfirmedBytes  int
}

var _ Channel = (*NetChannel)(nil)

func newNetChannel(conn *NetConnection, id int64, window int, h ChannelHandler) *NetChannel {
	return &NetChannel{
		id:      id,
		conn:    conn,
		window:  window,
		handler: h,
	}
}

// ID returns the channel ID.
func (ch *NetChannel) ID() int64 { return ch.id }

// Connection returns the owning connection.
func (ch *NetChannel) Connection() Connection { return ch.conn }

// NetConnection returns the owning connection as its concrete type.
func (ch *NetChannel) NetConnection() *NetConnection { return ch.conn }

// ConfirmationWindow returns the window in bytes, -1 when disabled.
func (ch *NetChannel) ConfirmationWindow() int { return ch.window }

// SetHandler replaces the packet handler.
func (ch *NetChannel) SetHandler(h ChannelHandler) {
	ch.handlerMu.Lock()
	ch.handler = h
	ch.handlerMu.Unlock()
}

// LastConfirmedCommandID returns the number of packets confirmed so far.
func (ch *NetChannel) LastConfirmedCommandID() int32 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.lastConfirmedID
}

// IsClosed reports whether the channel has been closed.
func (ch *NetChannel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// Send encodes p on this channel and writes it to the connection.
func (ch *NetChannel) Send(p protocol.Packet) error {
	if ch.IsClosed() {
		return nil
	}
	return ch.conn.sendOn(ch.id, p)
}

// Confirm advances the confirmed command ID by one and the unconfirmed byte
// count by the encoded size of p.
func (ch *NetChannel) Confirm(p protocol.Packet) {
	if ch.window < 0 {
		return
	}

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.lastConfirmedID++
	ch.unconfirmedBytes += protocol.Size(p)
	if ch.unconfirmedBytes < ch.window {
		ch.mu.Unlock()
		return
	}
	commandID := ch.takeConfirmationLocked()
	ch.mu.Unlock()

	ch.sendConfirmation(commandID)
}

// FlushConfirmations sends a PACKETS_CONFIRMED for anything confirmed since
// the last one.
func (ch *NetChannel) FlushConfirmations() {
	if ch.window < 0 {
		return
	}

	ch.mu.Lock()
	if ch.closed || ch.lastConfirmedID == ch.lastSentConfirmed {
		ch.mu.Unlock()
		return
	}
	commandID := ch.takeConfirmationLocked()
	ch.mu.Unlock()

	ch.sendConfirmation(commandID)
}

func (ch *NetChannel) takeConfirmationLocked() int32 {
	ch.unconfirmedBytes = 0
	ch.lastSentConfirmed = ch.lastConfirmedID
	return ch.lastConfirmedID
}

func (ch *NetChannel) sendConfirmation(commandID int32) {
	if err := ch.conn.sendOn(ch.id, &protocol.PacketsConfirmed{CommandID: commandID}); err != nil {
		logger.Debug("Failed to send confirmation",
			logger.ChannelID(ch.id), logger.KeyCommandID, commandID, logger.Err(err))
		return
	}
	ch.conn.metrics.confirmationSent()
}

// Close removes the channel from its connection. Further sends are dropped.
func (ch *NetChannel) Close() error {
	if !ch.markClosed() {
		return nil
	}
	ch.conn.removeChannel(ch.id)
	return nil
}

// markClosed flips the closed flag, reporting whether this call did so.
func (ch *NetChannel) markClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return false
	}
	ch.closed = true
	return true
}

func (ch *NetChannel) deliver(p protocol.Packet) {
	ch.handlerMu.RLock()
	h := ch.handler
	ch.handlerMu.RUnlock()

	if h == nil {
		logger.Debug("Packet on channel without handler dropped",
			logger.ChannelID(ch.id), logger.Packet(p.Type().String()))
		return
	}
	h.HandlePacket(p)
}
