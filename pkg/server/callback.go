package server

import (
	"github.com/marmos91/dittomq/internal/logger"
	"github.com/marmos91/dittomq/pkg/protocol"
)

// The handler is also the session's callback: deliveries and producer
// credits are pushed to the client on the session channel.

// SendMessage delivers a message to consumerID and returns its encoded size.
func (h *SessionPacketHandler) SendMessage(msg *protocol.Message, consumerID int64, deliveryCount int) int {
	p := &protocol.SessReceiveMsg{
		ConsumerID:    consumerID,
		DeliveryCount: int32(deliveryCount),
		Message:       *msg,
	}
	h.push(p)
	return protocol.Size(p)
}

// SendLargeMessage delivers the header of a large message. The body follows
// as continuations.
func (h *SessionPacketHandler) SendLargeMessage(header *protocol.Message, consumerID, bodySize int64, deliveryCount int) int {
	p := &protocol.SessReceiveLargeMsg{
		ConsumerID:    consumerID,
		Header:        *header,
		BodySize:      bodySize,
		DeliveryCount: int32(deliveryCount),
	}
	h.push(p)
	return protocol.Size(p)
}

// SendLargeMessageContinuation delivers one body chunk of a large message.
func (h *SessionPacketHandler) SendLargeMessageContinuation(consumerID int64, body []byte, continues, requiresResponse bool) int {
	p := &protocol.SessReceiveContinuation{
		ConsumerID:       consumerID,
		Body:             body,
		Continues:        continues,
		RequiresResponse: requiresResponse,
	}
	h.push(p)
	return protocol.Size(p)
}

// SendProducerCreditsMessage grants producer credits for address.
func (h *SessionPacketHandler) SendProducerCreditsMessage(credits int, address string, offset int) {
	h.push(&protocol.SessProducerCredits{
		Credits: int32(credits),
		Address: address,
		Offset:  int32(offset),
	})
}

// Closed is called by the session once it has closed.
func (h *SessionPacketHandler) Closed() {
	logger.Debug("Session closed", logger.Session(h.session.Name()), logger.ChannelID(h.channel.ID()))
}

func (h *SessionPacketHandler) push(p protocol.Packet) {
	if err := h.channel.Send(p); err != nil {
		logger.Debug("Failed to push packet to client",
			logger.Session(h.session.Name()), logger.Packet(p.Type().String()), logger.Err(err))
	}
}
