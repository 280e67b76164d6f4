// Package server implements the session command engine: it dispatches the
// packets arriving on a session channel to a Session, defers every response
// until the durable writes the request caused have completed, and tears the
// session down when its connection fails.
package server

import (
	"github.com/marmos91/dittomq/pkg/persistence"
	"github.com/marmos91/dittomq/pkg/protocol"
)

// Session is the broker-side state behind a session channel. Each method
// corresponds to one session command. Errors are classified by the handler:
// an *errors.XAError becomes an XA response, an *errors.BrokerError an
// EXCEPTION, and anything else is logged without a response.
//
// The handler never calls a Session concurrently with itself.
type Session interface {
	Name() string

	CreateConsumer(consumerID int64, queue, filter string, browseOnly bool) error
	CreateQueue(address, name, filter string, temporary, durable bool) error
	DeleteQueue(name string) error
	ExecuteQueueQuery(name string) (*QueueQueryResult, error)
	ExecuteBindingQuery(address string) (*BindingQueryResult, error)

	Acknowledge(consumerID, messageID int64) error
	Expire(consumerID, messageID int64) error

	Commit() error
	Rollback(considerLastMessageAsDelivered bool) error

	XAStart(xid protocol.Xid) error
	XAEnd(xid protocol.Xid) error
	XAJoin(xid protocol.Xid) error
	XASuspend() error
	XAResume(xid protocol.Xid) error
	XAPrepare(xid protocol.Xid) error
	XACommit(xid protocol.Xid, onePhase bool) error
	XARollback(xid protocol.Xid) error
	XAForget(xid protocol.Xid) error
	XAGetInDoubtXids() ([]protocol.Xid, error)
	XAGetTimeout() (int, error)
	XASetTimeout(seconds int) (bool, error)

	Start() error
	Stop() error
	Close() error

	CloseConsumer(consumerID int64) error
	ReceiveConsumerCredits(consumerID int64, credits int) error
	ForceConsumerDelivery(consumerID, sequence int64) error

	Send(msg *protocol.Message) error
	SendLarge(header *protocol.Message) error
	SendContinuations(packetSize int, body []byte, continues bool) error
	RequestProducerCredits(address string, credits int) error

	// RunConnectionFailureRunners runs the cleanup registered for the case
	// where the client goes away without closing the session.
	RunConnectionFailureRunners()
}

// SessionCallback is how a Session pushes packets to its client. The send
// methods return the encoded packet size, which consumers charge against
// their credit.
type SessionCallback interface {
	SendMessage(msg *protocol.Message, consumerID int64, deliveryCount int) int
	SendLargeMessage(header *protocol.Message, consumerID, bodySize int64, deliveryCount int) int
	SendLargeMessageContinuation(consumerID int64, body []byte, continues, requiresResponse bool) int
	SendProducerCreditsMessage(credits int, address string, offset int)
	Closed()
}

// OperationContext is the storage handle bound around each request. Writes
// issued while bound are tracked, and ScheduleCompletion resolves once they
// have all completed.
type OperationContext interface {
	Bind()
	ScheduleCompletion() *persistence.Completion
	CompleteScheduledOperations()
	ClearBinding()
}

var _ OperationContext = (*persistence.SessionStorage)(nil)

// QueueQueryResult describes a queue. Exists is false for unknown queues.
type QueueQueryResult struct {
	Exists        bool
	Durable       bool
	Temporary     bool
	ConsumerCount int
	MessageCount  int64
	FilterString  string
	Address       string
	Name          string
}

// BindingQueryResult lists the queues bound to an address.
type BindingQueryResult struct {
	Exists     bool
	QueueNames []string
}

func (r *QueueQueryResult) packet() *protocol.SessQueueQueryResp {
	if r == nil {
		return &protocol.SessQueueQueryResp{}
	}
	return &protocol.SessQueueQueryResp{
		Exists:        r.Exists,
		Durable:       r.Durable,
		Temporary:     r.Temporary,
		ConsumerCount: int32(r.ConsumerCount),
		MessageCount:  r.MessageCount,
		FilterString:  r.FilterString,
		Address:       r.Address,
		Name:          r.Name,
	}
}

func (r *BindingQueryResult) packet() *protocol.SessBindingQueryResp {
	if r == nil {
		return &protocol.SessBindingQueryResp{}
	}
	return &protocol.SessBindingQueryResp{
		Exists:     r.Exists,
		QueueNames: r.QueueNames,
	}
}
