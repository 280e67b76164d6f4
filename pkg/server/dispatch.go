package server

import (
	brokererrors "github.com/marmos91/dittomq/pkg/broker/errors"
	"github.com/marmos91/dittomq/pkg/protocol"
)

// ============================================================================
// Dispatch Table
// ============================================================================

// reply is what a command handler hands to the confirmation protocol.
// A nil response means nothing is sent back beyond the confirmation.
type reply struct {
	response     protocol.Packet
	flush        bool
	closeChannel bool
}

// commandHandler runs one session command. The packet is always the variant
// registered for the handler's opcode.
type commandHandler func(h *SessionPacketHandler, p protocol.Packet) (reply, error)

// sessionCommand is one dispatch table entry.
type sessionCommand struct {
	Name    string
	Handler commandHandler
}

// ignoredCommand handles opcodes with no session command: unknown variants
// and packets that belong on other channels. They are confirmed and
// otherwise dropped.
var ignoredCommand = &sessionCommand{Name: "IGNORED", Handler: handleIgnored}

// SessionDispatchTable maps session opcodes to their commands.
var SessionDispatchTable map[protocol.PacketType]*sessionCommand

func init() {
	SessionDispatchTable = map[protocol.PacketType]*sessionCommand{
		protocol.SESS_CREATECONSUMER:           {Name: "CREATECONSUMER", Handler: handleCreateConsumer},
		protocol.CREATE_QUEUE:                  {Name: "CREATE_QUEUE", Handler: handleCreateQueue},
		protocol.DELETE_QUEUE:                  {Name: "DELETE_QUEUE", Handler: handleDeleteQueue},
		protocol.SESS_QUEUEQUERY:               {Name: "QUEUEQUERY", Handler: handleQueueQuery},
		protocol.SESS_BINDINGQUERY:             {Name: "BINDINGQUERY", Handler: handleBindingQuery},
		protocol.SESS_ACKNOWLEDGE:              {Name: "ACKNOWLEDGE", Handler: handleAcknowledge},
		protocol.SESS_EXPIRED:                  {Name: "EXPIRED", Handler: handleExpired},
		protocol.SESS_COMMIT:                   {Name: "COMMIT", Handler: handleCommit},
		protocol.SESS_ROLLBACK:                 {Name: "ROLLBACK", Handler: handleRollback},
		protocol.SESS_XA_COMMIT:                {Name: "XA_COMMIT", Handler: handleXACommit},
		protocol.SESS_XA_END:                   {Name: "XA_END", Handler: handleXAEnd},
		protocol.SESS_XA_FORGET:                {Name: "XA_FORGET", Handler: handleXAForget},
		protocol.SESS_XA_JOIN:                  {Name: "XA_JOIN", Handler: handleXAJoin},
		protocol.SESS_XA_RESUME:                {Name: "XA_RESUME", Handler: handleXAResume},
		protocol.SESS_XA_ROLLBACK:              {Name: "XA_ROLLBACK", Handler: handleXARollback},
		protocol.SESS_XA_START:                 {Name: "XA_START", Handler: handleXAStart},
		protocol.SESS_XA_SUSPEND:               {Name: "XA_SUSPEND", Handler: handleXASuspend},
		protocol.SESS_XA_PREPARE:               {Name: "XA_PREPARE", Handler: handleXAPrepare},
		protocol.SESS_XA_INDOUBT_XIDS:          {Name: "XA_INDOUBT_XIDS", Handler: handleXAGetInDoubtXids},
		protocol.SESS_XA_GET_TIMEOUT:           {Name: "XA_GET_TIMEOUT", Handler: handleXAGetTimeout},
		protocol.SESS_XA_SET_TIMEOUT:           {Name: "XA_SET_TIMEOUT", Handler: handleXASetTimeout},
		protocol.SESS_START:                    {Name: "START", Handler: handleStart},
		protocol.SESS_STOP:                     {Name: "STOP", Handler: handleStop},
		protocol.SESS_CLOSE:                    {Name: "CLOSE", Handler: handleClose},
		protocol.SESS_CONSUMER_CLOSE:           {Name: "CONSUMER_CLOSE", Handler: handleConsumerClose},
		protocol.SESS_FLOWTOKEN:                {Name: "FLOWTOKEN", Handler: handleFlowToken},
		protocol.SESS_SEND:                     {Name: "SEND", Handler: handleSend},
		protocol.SESS_SEND_LARGE:               {Name: "SEND_LARGE", Handler: handleSendLarge},
		protocol.SESS_SEND_CONTINUATION:        {Name: "SEND_CONTINUATION", Handler: handleSendContinuation},
		protocol.SESS_FORCE_CONSUMER_DELIVERY:  {Name: "FORCE_CONSUMER_DELIVERY", Handler: handleForceConsumerDelivery},
		protocol.SESS_PRODUCER_REQUEST_CREDITS: {Name: "PRODUCER_REQUEST_CREDITS", Handler: handleProducerRequestCredits},
	}
}

// lookupCommand returns the command for t, or ignoredCommand.
func lookupCommand(t protocol.PacketType) *sessionCommand {
	if cmd, ok := SessionDispatchTable[t]; ok {
		return cmd
	}
	return ignoredCommand
}

var (
	nullResponse = reply{response: &protocol.NullResponse{}}
	noResponse   = reply{}
)

func xaOK() reply {
	return reply{response: &protocol.SessXAResp{IsError: false, ResponseCode: int32(brokererrors.XAOK)}}
}

func nullIf(requiresResponse bool) reply {
	if requiresResponse {
		return reply{response: &protocol.NullResponse{}}
	}
	return noResponse
}

// ============================================================================
// Queue & Consumer Commands
// ============================================================================

func handleCreateConsumer(h *SessionPacketHandler, p protocol.Packet) (reply, error) {
	req := p.(*protocol.SessCreateConsumer)
	if err := h.session.CreateConsumer(req.ID, req.QueueName, req.FilterString, req.BrowseOnly); err != nil {
		return noResponse, err
	}
	if !req.RequiresResponse {
		return noResponse, nil
	}
	// The queue description lets a failed-over client recreate the queue.
	result, err := h.session.ExecuteQueueQuery(req.QueueName)
	if err != nil {
		return noResponse, err
	}
	return reply{response: result.packet()}, nil
}

func handleCreateQueue(h *SessionPacketHandler, p protocol.Packet) (reply, error) {
	req := p.(*protocol.CreateQueue)
	if err := h.session.CreateQueue(req.Address, req.QueueName, req.FilterString, req.Temporary, req.Durable); err != nil {
		return noResponse, err
	}
	return nullIf(req.RequiresResponse), nil
}

func handleDeleteQueue(h *SessionPacketHandler, p protocol.Packet) (reply, error) {
	req := p.(*protocol.DeleteQueue)
	if err := h.session.DeleteQueue(req.QueueName); err != nil {
		return noResponse, err
	}
	return nullResponse, nil
}

func handleQueueQuery(h *SessionPacketHandler, p protocol.Packet) (reply, error) {
	req := p.(*protocol.SessQueueQuery)
	result, err := h.session.ExecuteQueueQuery(req.QueueName)
	if err != nil {
		return noResponse, err
	}
	return reply{response: result.packet()}, nil
}

func handleBindingQuery(h *SessionPacketHandler, p protocol.Packet) (reply, error) {
	req := p.(*protocol.SessBindingQuery)
	result, err := h.session.ExecuteBindingQuery(req.Address)
	if err != nil {
		return noResponse, err
	}
	return reply{response: result.packet()}, nil
}

func handleAcknowledge(h *SessionPacketHandler, p protocol.Packet) (reply, error) {
	req := p.(*protocol.SessAcknowledge)
	if err := h.session.Acknowledge(req.ConsumerID, req.MessageID); err != nil {
		return noResponse, err
	}
	return nullIf(req.RequiresResponse), nil
}

func handleExpired(h *SessionPacketHandler, p protocol.Packet) (reply, error) {
	req := p.(*protocol.SessExpired)
	return noResponse, h.session.Expire(req.ConsumerID, req.MessageID)
}

func handleConsumerClose(h *SessionPacketHandler, p protocol.Packet) (reply, error) {
	req := p.(*protocol.SessConsumerClose)
	if err := h.session.CloseConsumer(req.ConsumerID); err != nil {
		return noResponse, err
	}
	return nullResponse, nil
}

func handleFlowToken(h *SessionPacketHandler, p protocol.Packet) (reply, error) {
	req := p.(*protocol.SessConsumerFlowCredit)
	return noResponse, h.session.ReceiveConsumerCredits(req.ConsumerID, int(req.Credits))
}

func handleForceConsumerDelivery(h *SessionPacketHandler, p protocol.Packet) (reply, error) {
	req := p.(*protocol.SessForceConsumerDelivery)
	return noResponse, h.session.ForceConsumerDelivery(req.ConsumerID, req.Sequence)
}

// ============================================================================
// Local Transaction Commands
// ============================================================================

func handleCommit(h *SessionPacketHandler, _ protocol.Packet) (reply, error) {
	if err := h.session.Commit(); err != nil {
		return noResponse, err
	}
	return nullResponse, nil
}

func handleRollback(h *SessionPacketHandler, p protocol.Packet) (reply, error) {
	req := p.(*protocol.SessRollback)
	if err := h.session.Rollback(req.ConsiderLastMessageAsDelivered); err != nil {
		return noResponse, err
	}
	return nullResponse, nil
}

// ============================================================================
// XA Commands
// ============================================================================

func handleXACommit(h *SessionPacketHandler, p protocol.Packet) (reply, error) {
	req := p.(*protocol.SessXACommit)
	if err := h.session.XACommit(req.Xid, req.OnePhase); err != nil {
		return noResponse, err
	}
	return xaOK(), nil
}

func handleXAEnd(h *SessionPacketHandler, p protocol.Packet) (reply, error) {
	req := p.(*protocol.SessXAEnd)
	if err := h.session.XAEnd(req.Xid); err != nil {
		return noResponse, err
	}
	return xaOK(), nil
}

func handleXAForget(h *SessionPacketHandler, p protocol.Packet) (reply, error) {
	req := p.(*protocol.SessXAForget)
	if err := h.session.XAForget(req.Xid); err != nil {
		return noResponse, err
	}
	return xaOK(), nil
}

func handleXAJoin(h *SessionPacketHandler, p protocol.Packet) (reply, error) {
	req := p.(*protocol.SessXAJoin)
	if err := h.session.XAJoin(req.Xid); err != nil {
		return noResponse, err
	}
	return xaOK(), nil
}

func handleXAResume(h *SessionPacketHandler, p protocol.Packet) (reply, error) {
	req := p.(*protocol.SessXAResume)
	if err := h.session.XAResume(req.Xid); err != nil {
		return noResponse, err
	}
	return xaOK(), nil
}

func handleXARollback(h *SessionPacketHandler, p protocol.Packet) (reply, error) {
	req := p.(*protocol.SessXARollback)
	if err := h.session.XARollback(req.Xid); err != nil {
		return noResponse, err
	}
	return xaOK(), nil
}

func handleXAStart(h *SessionPacketHandler, p protocol.Packet) (reply, error) {
	req := p.(*protocol.SessXAStart)
	if err := h.session.XAStart(req.Xid); err != nil {
		return noResponse, err
	}
	return xaOK(), nil
}

func handleXASuspend(h *SessionPacketHandler, _ protocol.Packet) (reply, error) {
	if err := h.session.XASuspend(); err != nil {
		return noResponse, err
	}
	return xaOK(), nil
}

func handleXAPrepare(h *SessionPacketHandler, p protocol.Packet) (reply, error) {
	req := p.(*protocol.SessXAPrepare)
	if err := h.session.XAPrepare(req.Xid); err != nil {
		return noResponse, err
	}
	return xaOK(), nil
}

func handleXAGetInDoubtXids(h *SessionPacketHandler, _ protocol.Packet) (reply, error) {
	xids, err := h.session.XAGetInDoubtXids()
	if err != nil {
		return noResponse, err
	}
	return reply{response: &protocol.SessXAGetInDoubtXidsResp{Xids: xids}}, nil
}

func handleXAGetTimeout(h *SessionPacketHandler, _ protocol.Packet) (reply, error) {
	timeout, err := h.session.XAGetTimeout()
	if err != nil {
		return noResponse, err
	}
	return reply{response: &protocol.SessXAGetTimeoutResp{TimeoutSeconds: int32(timeout)}}, nil
}

func handleXASetTimeout(h *SessionPacketHandler, p protocol.Packet) (reply, error) {
	req := p.(*protocol.SessXASetTimeout)
	ok, err := h.session.XASetTimeout(int(req.TimeoutSeconds))
	if err != nil {
		return noResponse, err
	}
	return reply{response: &protocol.SessXASetTimeoutResp{OK: ok}}, nil
}

// ============================================================================
// Session Lifecycle Commands
// ============================================================================

func handleStart(h *SessionPacketHandler, _ protocol.Packet) (reply, error) {
	return noResponse, h.session.Start()
}

func handleStop(h *SessionPacketHandler, _ protocol.Packet) (reply, error) {
	if err := h.session.Stop(); err != nil {
		return noResponse, err
	}
	return nullResponse, nil
}

func handleClose(h *SessionPacketHandler, _ protocol.Packet) (reply, error) {
	closing := reply{response: &protocol.NullResponse{}, flush: true, closeChannel: true}
	if !h.closed.CompareAndSwap(false, true) {
		// A connection failure already tore the session down.
		return closing, nil
	}
	if err := h.session.Close(); err != nil {
		h.closed.Store(false)
		return noResponse, err
	}
	h.detach(false)
	return closing, nil
}

// ============================================================================
// Producer Commands
// ============================================================================

func handleSend(h *SessionPacketHandler, p protocol.Packet) (reply, error) {
	req := p.(*protocol.SessSend)
	if err := h.session.Send(&req.Message); err != nil {
		return noResponse, err
	}
	return nullIf(req.RequiresResponse), nil
}

func handleSendLarge(h *SessionPacketHandler, p protocol.Packet) (reply, error) {
	req := p.(*protocol.SessSendLarge)
	return noResponse, h.session.SendLarge(&req.Header)
}

func handleSendContinuation(h *SessionPacketHandler, p protocol.Packet) (reply, error) {
	req := p.(*protocol.SessSendContinuation)
	if err := h.session.SendContinuations(protocol.Size(req), req.Body, req.Continues); err != nil {
		return noResponse, err
	}
	return nullIf(req.RequiresResponse), nil
}

func handleProducerRequestCredits(h *SessionPacketHandler, p protocol.Packet) (reply, error) {
	req := p.(*protocol.SessProducerRequestCredits)
	return noResponse, h.session.RequestProducerCredits(req.Address, int(req.Credits))
}

func handleIgnored(_ *SessionPacketHandler, _ protocol.Packet) (reply, error) {
	return noResponse, nil
}
