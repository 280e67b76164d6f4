package protocol

// Packet is one variant of the protocol tagged union. Implementations are
// pointers to the structs below; their exported fields are the XDR body.
type Packet interface {
	Type() PacketType
}

// ResponseRequirer is implemented by requests whose response is optional.
type ResponseRequirer interface {
	RequiresResponseFlag() bool
}

// Ping keeps a connection alive. The server echoes it back.
type Ping struct {
	ConnectionTTL int64 // client's connection TTL in milliseconds
}

// Disconnect tells the client the server is closing the connection.
type Disconnect struct{}

// Exception is the generic failure response.
type Exception struct {
	Code    int32
	Message string
}

// NullResponse is the empty success response.
type NullResponse struct{}

// PacketsConfirmed reports the last command ID the server has durably processed on a channel.
type PacketsConfirmed struct {
	CommandID int32
}

// CreateSession asks the server to open a session channel.
type CreateSession struct {
	Name                   string
	Version                int32
	Username               string
	XA                     bool
	AutoCommitSends        bool
	AutoCommitAcks         bool
	PreAcknowledge         bool
	ConfirmationWindowSize int32 // bytes; -1 disables confirmations
	DefaultAddress         string
}

// CreateSessionResp carries the channel the new session lives on.
type CreateSessionResp struct {
	ChannelID     int64
	ServerVersion int32
}

// CreateQueue binds a new queue to an address.
type CreateQueue struct {
	Address          string
	QueueName        string
	FilterString     string
	Durable          bool
	Temporary        bool
	RequiresResponse bool
}

// DeleteQueue removes a queue.
type DeleteQueue struct {
	QueueName string
}

// SessCreateConsumer creates a consumer on a queue.
type SessCreateConsumer struct {
	ID               int64
	QueueName        string
	FilterString     string
	BrowseOnly       bool
	RequiresResponse bool
}

// SessAcknowledge acknowledges every message delivered to a consumer up to MessageID.
type SessAcknowledge struct {
	ConsumerID       int64
	MessageID        int64
	RequiresResponse bool
}

// SessExpired reports a delivered message the client found expired.
type SessExpired struct {
	ConsumerID int64
	MessageID  int64
}

// SessCommit commits the session's local transaction.
type SessCommit struct{}

// SessRollback rolls back the session's local transaction.
type SessRollback struct {
	ConsiderLastMessageAsDelivered bool
}

// SessQueueQuery asks for a queue's state.
type SessQueueQuery struct {
	QueueName string
}

// SessQueueQueryResp describes a queue. Exists is false for unknown queues.
type SessQueueQueryResp struct {
	Exists        bool
	Durable       bool
	Temporary     bool
	ConsumerCount int32
	MessageCount  int64
	FilterString  string
	Address       string
	Name          string
}

// SessBindingQuery asks which queues are bound to an address.
type SessBindingQuery struct {
	Address string
}

// SessBindingQueryResp lists the queues bound to an address.
type SessBindingQueryResp struct {
	Exists     bool
	QueueNames []string
}

// SessXAStart associates the session with a new transaction branch.
type SessXAStart struct {
	Xid Xid
}

// SessXAEnd dissociates the session from its transaction branch.
type SessXAEnd struct {
	Xid    Xid
	Failed bool
}

// SessXACommit commits a branch, in one phase when OnePhase is set.
type SessXACommit struct {
	Xid      Xid
	OnePhase bool
}

// SessXAPrepare prepares a branch.
type SessXAPrepare struct {
	Xid Xid
}

// SessXAResp is the outcome of an XA operation.
type SessXAResp struct {
	IsError      bool
	ResponseCode int32
	Message      string
}

// SessXARollback rolls back a branch.
type SessXARollback struct {
	Xid Xid
}

// SessXAJoin joins an existing branch.
type SessXAJoin struct {
	Xid Xid
}

// SessXASuspend suspends the session's current branch.
type SessXASuspend struct{}

// SessXAResume resumes a suspended branch.
type SessXAResume struct {
	Xid Xid
}

// SessXAForget discards a heuristically completed branch.
type SessXAForget struct {
	Xid Xid
}

// SessXAGetInDoubtXids lists prepared and heuristically completed branches.
type SessXAGetInDoubtXids struct{}

// SessXAGetInDoubtXidsResp carries the in-doubt branches.
type SessXAGetInDoubtXidsResp struct {
	Xids []Xid
}

// SessXASetTimeout sets the session's transaction timeout.
type SessXASetTimeout struct {
	TimeoutSeconds int32
}

// SessXASetTimeoutResp acknowledges SessXASetTimeout.
type SessXASetTimeoutResp struct {
	OK bool
}

// SessXAGetTimeout asks for the session's transaction timeout.
type SessXAGetTimeout struct{}

// SessXAGetTimeoutResp carries the transaction timeout.
type SessXAGetTimeoutResp struct {
	TimeoutSeconds int32
}

// SessStart starts delivery to the session's consumers.
type SessStart struct{}

// SessStop stops delivery to the session's consumers.
type SessStop struct{}

// SessClose closes the session and its channel.
type SessClose struct{}

// SessConsumerFlowCredit grants a consumer more delivery credit in bytes.
type SessConsumerFlowCredit struct {
	ConsumerID int64
	Credits    int32
}

// SessSend sends a message.
type SessSend struct {
	Message          Message
	RequiresResponse bool
}

// SessSendLarge opens a large message. The body follows in SessSendContinuation packets.
type SessSendLarge struct {
	Header Message
}

// SessSendContinuation carries one large message fragment.
type SessSendContinuation struct {
	Body             []byte
	Continues        bool
	RequiresResponse bool
}

// SessConsumerClose closes a consumer.
type SessConsumerClose struct {
	ConsumerID int64
}

// SessReceiveMsg delivers a message to a consumer.
type SessReceiveMsg struct {
	ConsumerID    int64
	DeliveryCount int32
	Message       Message
}

// SessReceiveLargeMsg starts delivering a large message to a consumer.
type SessReceiveLargeMsg struct {
	ConsumerID    int64
	Header        Message
	BodySize      int64
	DeliveryCount int32
}

// SessReceiveContinuation delivers one large message fragment.
type SessReceiveContinuation struct {
	ConsumerID       int64
	Body             []byte
	Continues        bool
	RequiresResponse bool
}

// SessForceConsumerDelivery asks the server to deliver a marker message so a receive-with-timeout can return.
type SessForceConsumerDelivery struct {
	ConsumerID int64
	Sequence   int64
}

// SessProducerRequestCredits asks for producer credit on an address.
type SessProducerRequestCredits struct {
	Credits int32
	Address string
}

// SessProducerCredits grants producer credit on an address.
type SessProducerCredits struct {
	Credits int32
	Address string
	Offset  int32
}

// ============================================================================
// Packet Type Methods
// ============================================================================

func (*Ping) Type() PacketType                       { return PING }
func (*Disconnect) Type() PacketType                 { return DISCONNECT }
func (*Exception) Type() PacketType                  { return EXCEPTION }
func (*NullResponse) Type() PacketType               { return NULL_RESPONSE }
func (*PacketsConfirmed) Type() PacketType           { return PACKETS_CONFIRMED }
func (*CreateSession) Type() PacketType              { return CREATESESSION }
func (*CreateSessionResp) Type() PacketType          { return CREATESESSION_RESP }
func (*CreateQueue) Type() PacketType                { return CREATE_QUEUE }
func (*DeleteQueue) Type() PacketType                { return DELETE_QUEUE }
func (*SessCreateConsumer) Type() PacketType         { return SESS_CREATECONSUMER }
func (*SessAcknowledge) Type() PacketType            { return SESS_ACKNOWLEDGE }
func (*SessExpired) Type() PacketType                { return SESS_EXPIRED }
func (*SessCommit) Type() PacketType                 { return SESS_COMMIT }
func (*SessRollback) Type() PacketType               { return SESS_ROLLBACK }
func (*SessQueueQuery) Type() PacketType             { return SESS_QUEUEQUERY }
func (*SessQueueQueryResp) Type() PacketType         { return SESS_QUEUEQUERY_RESP }
func (*SessBindingQuery) Type() PacketType           { return SESS_BINDINGQUERY }
func (*SessBindingQueryResp) Type() PacketType       { return SESS_BINDINGQUERY_RESP }
func (*SessXAStart) Type() PacketType                { return SESS_XA_START }
func (*SessXAEnd) Type() PacketType                  { return SESS_XA_END }
func (*SessXACommit) Type() PacketType               { return SESS_XA_COMMIT }
func (*SessXAPrepare) Type() PacketType              { return SESS_XA_PREPARE }
func (*SessXAResp) Type() PacketType                 { return SESS_XA_RESP }
func (*SessXARollback) Type() PacketType             { return SESS_XA_ROLLBACK }
func (*SessXAJoin) Type() PacketType                 { return SESS_XA_JOIN }
func (*SessXASuspend) Type() PacketType              { return SESS_XA_SUSPEND }
func (*SessXAResume) Type() PacketType               { return SESS_XA_RESUME }
func (*SessXAForget) Type() PacketType               { return SESS_XA_FORGET }
func (*SessXAGetInDoubtXids) Type() PacketType       { return SESS_XA_INDOUBT_XIDS }
func (*SessXAGetInDoubtXidsResp) Type() PacketType   { return SESS_XA_INDOUBT_XIDS_RESP }
func (*SessXASetTimeout) Type() PacketType           { return SESS_XA_SET_TIMEOUT }
func (*SessXASetTimeoutResp) Type() PacketType       { return SESS_XA_SET_TIMEOUT_RESP }
func (*SessXAGetTimeout) Type() PacketType           { return SESS_XA_GET_TIMEOUT }
func (*SessXAGetTimeoutResp) Type() PacketType       { return SESS_XA_GET_TIMEOUT_RESP }
func (*SessStart) Type() PacketType                  { return SESS_START }
func (*SessStop) Type() PacketType                   { return SESS_STOP }
func (*SessClose) Type() PacketType                  { return SESS_CLOSE }
func (*SessConsumerFlowCredit) Type() PacketType     { return SESS_FLOWTOKEN }
func (*SessSend) Type() PacketType                   { return SESS_SEND }
func (*SessSendLarge) Type() PacketType              { return SESS_SEND_LARGE }
func (*SessSendContinuation) Type() PacketType       { return SESS_SEND_CONTINUATION }
func (*SessConsumerClose) Type() PacketType          { return SESS_CONSUMER_CLOSE }
func (*SessReceiveMsg) Type() PacketType             { return SESS_RECEIVE_MSG }
func (*SessReceiveLargeMsg) Type() PacketType        { return SESS_RECEIVE_LARGE_MSG }
func (*SessReceiveContinuation) Type() PacketType    { return SESS_RECEIVE_CONTINUATION }
func (*SessForceConsumerDelivery) Type() PacketType  { return SESS_FORCE_CONSUMER_DELIVERY }
func (*SessProducerRequestCredits) Type() PacketType { return SESS_PRODUCER_REQUEST_CREDITS }
func (*SessProducerCredits) Type() PacketType        { return SESS_PRODUCER_CREDITS }

func (p *CreateQueue) RequiresResponseFlag() bool             { return p.RequiresResponse }
func (p *SessCreateConsumer) RequiresResponseFlag() bool      { return p.RequiresResponse }
func (p *SessAcknowledge) RequiresResponseFlag() bool         { return p.RequiresResponse }
func (p *SessSend) RequiresResponseFlag() bool                { return p.RequiresResponse }
func (p *SessSendContinuation) RequiresResponseFlag() bool    { return p.RequiresResponse }
func (p *SessReceiveContinuation) RequiresResponseFlag() bool { return p.RequiresResponse }

// newPacket returns an empty packet for t, or nil for unassigned opcodes.
func newPacket(t PacketType) Packet {
	switch t {
	case PING:
		return &Ping{}
	case DISCONNECT:
		return &Disconnect{}
	case EXCEPTION:
		return &Exception{}
	case NULL_RESPONSE:
		return &NullResponse{}
	case PACKETS_CONFIRMED:
		return &PacketsConfirmed{}
	case CREATESESSION:
		return &CreateSession{}
	case CREATESESSION_RESP:
		return &CreateSessionResp{}
	case CREATE_QUEUE:
		return &CreateQueue{}
	case DELETE_QUEUE:
		return &DeleteQueue{}
	case SESS_CREATECONSUMER:
		return &SessCreateConsumer{}
	case SESS_ACKNOWLEDGE:
		return &SessAcknowledge{}
	case SESS_EXPIRED:
		return &SessExpired{}
	case SESS_COMMIT:
		return &SessCommit{}
	case SESS_ROLLBACK:
		return &SessRollback{}
	case SESS_QUEUEQUERY:
		return &SessQueueQuery{}
	case SESS_QUEUEQUERY_RESP:
		return &SessQueueQueryResp{}
	case SESS_BINDINGQUERY:
		return &SessBindingQuery{}
	case SESS_BINDINGQUERY_RESP:
		return &SessBindingQueryResp{}
	case SESS_XA_START:
		return &SessXAStart{}
	case SESS_XA_END:
		return &SessXAEnd{}
	case SESS_XA_COMMIT:
		return &SessXACommit{}
	case SESS_XA_PREPARE:
		return &SessXAPrepare{}
	case SESS_XA_RESP:
		return &SessXAResp{}
	case SESS_XA_ROLLBACK:
		return &SessXARollback{}
	case SESS_XA_JOIN:
		return &SessXAJoin{}
	case SESS_XA_SUSPEND:
		return &SessXASuspend{}
	case SESS_XA_RESUME:
		return &SessXAResume{}
	case SESS_XA_FORGET:
		return &SessXAForget{}
	case SESS_XA_INDOUBT_XIDS:
		return &SessXAGetInDoubtXids{}
	case SESS_XA_INDOUBT_XIDS_RESP:
		return &SessXAGetInDoubtXidsResp{}
	case SESS_XA_SET_TIMEOUT:
		return &SessXASetTimeout{}
	case SESS_XA_SET_TIMEOUT_RESP:
		return &SessXASetTimeoutResp{}
	case SESS_XA_GET_TIMEOUT:
		return &SessXAGetTimeout{}
	case SESS_XA_GET_TIMEOUT_RESP:
		return &SessXAGetTimeoutResp{}
	case SESS_START:
		return &SessStart{}
	case SESS_STOP:
		return &SessStop{}
	case SESS_CLOSE:
		return &SessClose{}
	case SESS_FLOWTOKEN:
		return &SessConsumerFlowCredit{}
	case SESS_SEND:
		return &SessSend{}
	case SESS_SEND_LARGE:
		return &SessSendLarge{}
	case SESS_SEND_CONTINUATION:
		return &SessSendContinuation{}
	case SESS_CONSUMER_CLOSE:
		return &SessConsumerClose{}
	case SESS_RECEIVE_MSG:
		return &SessReceiveMsg{}
	case SESS_RECEIVE_LARGE_MSG:
		return &SessReceiveLargeMsg{}
	case SESS_RECEIVE_CONTINUATION:
		return &SessReceiveContinuation{}
	case SESS_FORCE_CONSUMER_DELIVERY:
		return &SessForceConsumerDelivery{}
	case SESS_PRODUCER_REQUEST_CREDITS:
		return &SessProducerRequestCredits{}
	case SESS_PRODUCER_CREDITS:
		return &SessProducerCredits{}
	}
	return nil
}
