package server_test

import (
	"errors"
	"sync"
	"testing"

	brokererrors "github.com/marmos91/dittomq/pkg/broker/errors"
	"github.com/marmos91/dittomq/pkg/protocol"
	"github.com/marmos91/dittomq/pkg/server"
	"github.com/marmos91/dittomq/pkg/server/servertest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fixture
// ============================================================================

type fixture struct {
	handler *server.SessionPacketHandler
	session *servertest.Session
	channel *servertest.Channel
	storage *servertest.Context
	metrics *server.SessionMetrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ch := servertest.NewChannel(10)
	sess := servertest.NewSession("session-1", ch.Log)
	storage := servertest.NewContext(ch.Log)
	m := server.NewSessionMetrics(prometheus.NewRegistry())

	h := server.NewSessionPacketHandler(sess, storage, ch, m)
	ch.Log.Reset()

	return &fixture{handler: h, session: sess, channel: ch, storage: storage, metrics: m}
}

var testXid = protocol.NewXid(1, []byte("gtid"), []byte("bq"))

func xaOK() *protocol.SessXAResp {
	return &protocol.SessXAResp{IsError: false, ResponseCode: 0, Message: ""}
}

// ============================================================================
// Dispatch
// ============================================================================

func TestDispatchTableCoversSessionCommands(t *testing.T) {
	assert.Len(t, server.SessionDispatchTable, 31)

	for opcode, cmd := range server.SessionDispatchTable {
		require.NotNil(t, cmd, "opcode %s", opcode)
		assert.NotEmpty(t, cmd.Name, "opcode %s", opcode)
		assert.NotNil(t, cmd.Handler, "opcode %s", opcode)
	}

	// Responses and server pushes are never dispatched as commands.
	for _, opcode := range []protocol.PacketType{
		protocol.NULL_RESPONSE,
		protocol.EXCEPTION,
		protocol.SESS_XA_RESP,
		protocol.SESS_RECEIVE_MSG,
		protocol.SESS_PRODUCER_CREDITS,
		protocol.CREATESESSION,
	} {
		_, ok := server.SessionDispatchTable[opcode]
		assert.False(t, ok, "opcode %s must not be a session command", opcode)
	}
}

func TestDispatchCommands(t *testing.T) {
	msg := protocol.Message{MessageID: 7, Address: "orders", Durable: true, Body: []byte("hello")}
	continuation := &protocol.SessSendContinuation{Body: []byte("chunk"), Continues: true, RequiresResponse: true}

	tests := []struct {
		name     string
		setup    func(s *servertest.Session)
		packet   protocol.Packet
		calls    []servertest.Call
		response protocol.Packet
	}{
		{
			name:   "CreateConsumerWithResponse",
			setup:  func(s *servertest.Session) { s.QueueQuery = &server.QueueQueryResult{Exists: true, Durable: true, ConsumerCount: 1, Address: "orders", Name: "q1"} },
			packet: &protocol.SessCreateConsumer{ID: 1, QueueName: "q1", FilterString: "color='red'", RequiresResponse: true},
			calls: []servertest.Call{
				{Method: "CreateConsumer", Args: []any{int64(1), "q1", "color='red'", false}},
				{Method: "ExecuteQueueQuery", Args: []any{"q1"}},
			},
			response: &protocol.SessQueueQueryResp{Exists: true, Durable: true, ConsumerCount: 1, Address: "orders", Name: "q1"},
		},
		{
			name:   "CreateConsumerWithoutResponse",
			packet: &protocol.SessCreateConsumer{ID: 2, QueueName: "q1", BrowseOnly: true},
			calls:  []servertest.Call{{Method: "CreateConsumer", Args: []any{int64(2), "q1", "", true}}},
		},
		{
			name:     "CreateQueueWithResponse",
			packet:   &protocol.CreateQueue{Address: "orders", QueueName: "q1", Durable: true, RequiresResponse: true},
			calls:    []servertest.Call{{Method: "CreateQueue", Args: []any{"orders", "q1", "", false, true}}},
			response: &protocol.NullResponse{},
		},
		{
			name:   "CreateQueueWithoutResponse",
			packet: &protocol.CreateQueue{Address: "orders", QueueName: "tmp", Temporary: true},
			calls:  []servertest.Call{{Method: "CreateQueue", Args: []any{"orders", "tmp", "", true, false}}},
		},
		{
			name:     "DeleteQueue",
			packet:   &protocol.DeleteQueue{QueueName: "q1"},
			calls:    []servertest.Call{{Method: "DeleteQueue", Args: []any{"q1"}}},
			response: &protocol.NullResponse{},
		},
		{
			name:     "QueueQueryUnknownQueue",
			packet:   &protocol.SessQueueQuery{QueueName: "missing"},
			calls:    []servertest.Call{{Method: "ExecuteQueueQuery", Args: []any{"missing"}}},
			response: &protocol.SessQueueQueryResp{},
		},
		{
			name:     "BindingQuery",
			setup:    func(s *servertest.Session) { s.BindingQuery = &server.BindingQueryResult{Exists: true, QueueNames: []string{"q1", "q2"}} },
			packet:   &protocol.SessBindingQuery{Address: "orders"},
			calls:    []servertest.Call{{Method: "ExecuteBindingQuery", Args: []any{"orders"}}},
			response: &protocol.SessBindingQueryResp{Exists: true, QueueNames: []string{"q1", "q2"}},
		},
		{
			name:     "AcknowledgeWithResponse",
			packet:   &protocol.SessAcknowledge{ConsumerID: 1, MessageID: 9, RequiresResponse: true},
			calls:    []servertest.Call{{Method: "Acknowledge", Args: []any{int64(1), int64(9)}}},
			response: &protocol.NullResponse{},
		},
		{
			name:   "AcknowledgeWithoutResponse",
			packet: &protocol.SessAcknowledge{ConsumerID: 1, MessageID: 9},
			calls:  []servertest.Call{{Method: "Acknowledge", Args: []any{int64(1), int64(9)}}},
		},
		{
			name:   "Expired",
			packet: &protocol.SessExpired{ConsumerID: 1, MessageID: 9},
			calls:  []servertest.Call{{Method: "Expire", Args: []any{int64(1), int64(9)}}},
		},
		{
			name:     "ConsumerClose",
			packet:   &protocol.SessConsumerClose{ConsumerID: 3},
			calls:    []servertest.Call{{Method: "CloseConsumer", Args: []any{int64(3)}}},
			response: &protocol.NullResponse{},
		},
		{
			name:   "FlowToken",
			packet: &protocol.SessConsumerFlowCredit{ConsumerID: 3, Credits: 1024},
			calls:  []servertest.Call{{Method: "ReceiveConsumerCredits", Args: []any{int64(3), 1024}}},
		},
		{
			name:   "ForceConsumerDelivery",
			packet: &protocol.SessForceConsumerDelivery{ConsumerID: 3, Sequence: 42},
			calls:  []servertest.Call{{Method: "ForceConsumerDelivery", Args: []any{int64(3), int64(42)}}},
		},
		{
			name:     "Commit",
			packet:   &protocol.SessCommit{},
			calls:    []servertest.Call{{Method: "Commit"}},
			response: &protocol.NullResponse{},
		},
		{
			name:     "Rollback",
			packet:   &protocol.SessRollback{ConsiderLastMessageAsDelivered: true},
			calls:    []servertest.Call{{Method: "Rollback", Args: []any{true}}},
			response: &protocol.NullResponse{},
		},
		{
			name:     "XACommit",
			packet:   &protocol.SessXACommit{Xid: testXid, OnePhase: true},
			calls:    []servertest.Call{{Method: "XACommit", Args: []any{testXid, true}}},
			response: xaOK(),
		},
		{
			name:     "XAEnd",
			packet:   &protocol.SessXAEnd{Xid: testXid},
			calls:    []servertest.Call{{Method: "XAEnd", Args: []any{testXid}}},
			response: xaOK(),
		},
		{
			name:     "XAForget",
			packet:   &protocol.SessXAForget{Xid: testXid},
			calls:    []servertest.Call{{Method: "XAForget", Args: []any{testXid}}},
			response: xaOK(),
		},
		{
			name:     "XAJoin",
			packet:   &protocol.SessXAJoin{Xid: testXid},
			calls:    []servertest.Call{{Method: "XAJoin", Args: []any{testXid}}},
			response: xaOK(),
		},
		{
			name:     "XAResume",
			packet:   &protocol.SessXAResume{Xid: testXid},
			calls:    []servertest.Call{{Method: "XAResume", Args: []any{testXid}}},
			response: xaOK(),
		},
		{
			name:     "XARollback",
			packet:   &protocol.SessXARollback{Xid: testXid},
			calls:    []servertest.Call{{Method: "XARollback", Args: []any{testXid}}},
			response: xaOK(),
		},
		{
			name:     "XAStart",
			packet:   &protocol.SessXAStart{Xid: testXid},
			calls:    []servertest.Call{{Method: "XAStart", Args: []any{testXid}}},
			response: xaOK(),
		},
		{
			name:     "XASuspend",
			packet:   &protocol.SessXASuspend{},
			calls:    []servertest.Call{{Method: "XASuspend"}},
			response: xaOK(),
		},
		{
			name:     "XAPrepare",
			packet:   &protocol.SessXAPrepare{Xid: testXid},
			calls:    []servertest.Call{{Method: "XAPrepare", Args: []any{testXid}}},
			response: xaOK(),
		},
		{
			name:     "XAGetInDoubtXids",
			setup:    func(s *servertest.Session) { s.InDoubtXids = []protocol.Xid{testXid} },
			packet:   &protocol.SessXAGetInDoubtXids{},
			calls:    []servertest.Call{{Method: "XAGetInDoubtXids"}},
			response: &protocol.SessXAGetInDoubtXidsResp{Xids: []protocol.Xid{testXid}},
		},
		{
			name:     "XAGetTimeout",
			setup:    func(s *servertest.Session) { s.Timeout = 300 },
			packet:   &protocol.SessXAGetTimeout{},
			calls:    []servertest.Call{{Method: "XAGetTimeout"}},
			response: &protocol.SessXAGetTimeoutResp{TimeoutSeconds: 300},
		},
		{
			name:     "XASetTimeout",
			setup:    func(s *servertest.Session) { s.SetTimeoutOK = false },
			packet:   &protocol.SessXASetTimeout{TimeoutSeconds: 60},
			calls:    []servertest.Call{{Method: "XASetTimeout", Args: []any{60}}},
			response: &protocol.SessXASetTimeoutResp{OK: false},
		},
		{
			name:   "Start",
			packet: &protocol.SessStart{},
			calls:  []servertest.Call{{Method: "Start"}},
		},
		{
			name:     "Stop",
			packet:   &protocol.SessStop{},
			calls:    []servertest.Call{{Method: "Stop"}},
			response: &protocol.NullResponse{},
		},
		{
			name:     "SendWithResponse",
			packet:   &protocol.SessSend{Message: msg, RequiresResponse: true},
			calls:    []servertest.Call{{Method: "Send", Args: []any{&msg}}},
			response: &protocol.NullResponse{},
		},
		{
			name:   "SendWithoutResponse",
			packet: &protocol.SessSend{Message: msg},
			calls:  []servertest.Call{{Method: "Send", Args: []any{&msg}}},
		},
		{
			name:   "SendLarge",
			packet: &protocol.SessSendLarge{Header: msg},
			calls:  []servertest.Call{{Method: "SendLarge", Args: []any{&msg}}},
		},
		{
			name:     "SendContinuation",
			packet:   continuation,
			calls:    []servertest.Call{{Method: "SendContinuations", Args: []any{protocol.Size(continuation), []byte("chunk"), true}}},
			response: &protocol.NullResponse{},
		},
		{
			name:   "ProducerRequestCredits",
			packet: &protocol.SessProducerRequestCredits{Credits: 4096, Address: "orders"},
			calls:  []servertest.Call{{Method: "RequestProducerCredits", Args: []any{"orders", 4096}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f.session)
			}

			f.handler.HandlePacket(tt.packet)

			assert.Equal(t, tt.calls, f.session.Calls())
			require.Len(t, f.channel.Confirmed(), 1, "every request is confirmed exactly once")
			assert.Same(t, tt.packet, f.channel.Confirmed()[0])

			if tt.response == nil {
				assert.Empty(t, f.channel.Sent())
			} else {
				require.Len(t, f.channel.Sent(), 1)
				assert.Equal(t, tt.response, f.channel.Sent()[0])
			}
			assert.False(t, f.channel.IsClosed())
		})
	}
}

func TestDispatchClose(t *testing.T) {
	f := newFixture(t)

	f.handler.HandlePacket(&protocol.SessClose{})

	assert.Equal(t, []string{
		"bind",
		"session:Close",
		"schedule",
		"confirm:SESS_CLOSE",
		"flush",
		"send:NULL_RESPONSE",
		"close",
		"complete",
		"clear",
	}, f.channel.Log.Events())

	assert.True(t, f.handler.IsDetached())
	assert.Equal(t, 0, f.channel.Conn.FailureListenerCount())
	assert.Equal(t, 0, f.channel.Conn.CloseListenerCount())

	// A later connection failure no longer reaches the closed session.
	f.channel.Conn.Fail(brokererrors.New(brokererrors.NotConnected, "gone"))
	assert.Equal(t, 1, f.session.CallCount("Close"))
	assert.Zero(t, f.session.CallCount("RunConnectionFailureRunners"))
}

func TestDispatchCloseFailureKeepsListeners(t *testing.T) {
	f := newFixture(t)
	f.session.FailOn("Close", brokererrors.NewIllegalStateError("cannot close"))

	f.handler.HandlePacket(&protocol.SessClose{})

	assert.Equal(t, &protocol.Exception{Code: int32(brokererrors.IllegalState), Message: "cannot close"}, f.channel.LastSent())
	assert.False(t, f.channel.IsClosed())
	assert.False(t, f.handler.IsDetached())
	assert.Equal(t, 1, f.channel.Conn.FailureListenerCount())
}

func TestDispatchUnknownPacketIsConfirmedOnly(t *testing.T) {
	f := newFixture(t)

	// A response variant arriving on a session channel has no command.
	p := &protocol.NullResponse{}
	f.handler.HandlePacket(p)

	assert.Empty(t, f.session.Calls())
	assert.Empty(t, f.channel.Sent())
	assert.Equal(t, []protocol.Packet{p}, f.channel.Confirmed())

	f.handler.HandlePacket(&protocol.Unknown{Code: 250, Body: []byte{1, 2}})
	assert.Len(t, f.channel.Confirmed(), 2)
	assert.Empty(t, f.channel.Sent())
}

// ============================================================================
// Error Classification
// ============================================================================

func TestBrokerErrorBecomesException(t *testing.T) {
	f := newFixture(t)
	f.session.FailOn("DeleteQueue", brokererrors.NewQueueDoesNotExistError("q1"))

	f.handler.HandlePacket(&protocol.DeleteQueue{QueueName: "q1"})

	assert.Equal(t, []protocol.Packet{
		&protocol.Exception{Code: int32(brokererrors.QueueDoesNotExist), Message: "queue q1 does not exist"},
	}, f.channel.Sent())
	assert.Len(t, f.channel.Confirmed(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Responses.WithLabelValues("exception")))
}

func TestWrappedBrokerErrorBecomesException(t *testing.T) {
	f := newFixture(t)
	f.session.FailOn("CreateQueue", errors.Join(errors.New("context"), brokererrors.NewQueueExistsError("q1")))

	f.handler.HandlePacket(&protocol.CreateQueue{Address: "a", QueueName: "q1"})

	assert.Equal(t, &protocol.Exception{Code: int32(brokererrors.QueueExists), Message: "queue q1 already exists"}, f.channel.LastSent())
}

func TestBrokerErrorWithoutRequiresResponseStillAnswers(t *testing.T) {
	f := newFixture(t)
	f.session.FailOn("Acknowledge", brokererrors.NewIllegalStateError("no such message"))

	f.handler.HandlePacket(&protocol.SessAcknowledge{ConsumerID: 1, MessageID: 2})

	assert.Equal(t, &protocol.Exception{Code: int32(brokererrors.IllegalState), Message: "no such message"}, f.channel.LastSent())
}

func TestXAErrorBecomesXAResponse(t *testing.T) {
	f := newFixture(t)
	f.session.FailOn("XAPrepare", brokererrors.NewXAError(brokererrors.XAErNoTA, "cannot find xid %s", testXid))

	f.handler.HandlePacket(&protocol.SessXAPrepare{Xid: testXid})

	assert.Equal(t, &protocol.SessXAResp{
		IsError:      true,
		ResponseCode: int32(brokererrors.XAErNoTA),
		Message:      "cannot find xid " + testXid.String(),
	}, f.channel.LastSent())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Responses.WithLabelValues("xa_error")))
}

func TestUnexpectedErrorSendsNoResponse(t *testing.T) {
	f := newFixture(t)
	f.session.FailOn("Commit", errors.New("disk on fire"))

	f.handler.HandlePacket(&protocol.SessCommit{})

	assert.Empty(t, f.channel.Sent())
	assert.Len(t, f.channel.Confirmed(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.UnexpectedFailures.WithLabelValues("COMMIT")))
}

func TestPanicIsContained(t *testing.T) {
	f := newFixture(t)
	f.session.PanicOn("Send", "nil map")

	require.NotPanics(t, func() {
		f.handler.HandlePacket(&protocol.SessSend{RequiresResponse: true})
	})

	assert.Empty(t, f.channel.Sent())
	assert.Len(t, f.channel.Confirmed(), 1)
	assert.Equal(t, []string{
		"bind",
		"session:Send",
		"schedule",
		"confirm:SESS_SEND",
		"complete",
		"clear",
	}, f.channel.Log.Events())

	// The handler keeps serving after a panic.
	f.handler.HandlePacket(&protocol.SessCommit{})
	assert.Equal(t, &protocol.NullResponse{}, f.channel.LastSent())
}

// ============================================================================
// Confirmation Protocol
// ============================================================================

func TestResponseWaitsForStorageCompletion(t *testing.T) {
	f := newFixture(t)
	f.storage.Hold()

	f.handler.HandlePacket(&protocol.SessCommit{})

	assert.Empty(t, f.channel.Confirmed())
	assert.Empty(t, f.channel.Sent())
	assert.Equal(t, 1, f.storage.Pending())
	assert.False(t, f.storage.IsBound(), "binding must be cleared before the completion fires")

	f.channel.Log.Reset()
	f.storage.Resolve()

	assert.Equal(t, []string{"confirm:SESS_COMMIT", "send:NULL_RESPONSE"}, f.channel.Log.Events())
}

func TestResponsesFollowRequestOrder(t *testing.T) {
	f := newFixture(t)
	f.storage.Hold()

	f.handler.HandlePacket(&protocol.SessStop{})
	f.handler.HandlePacket(&protocol.SessXAStart{Xid: testXid})
	f.handler.HandlePacket(&protocol.SessCommit{})

	f.channel.Log.Reset()
	f.storage.Resolve()

	assert.Equal(t, []string{
		"confirm:SESS_STOP", "send:NULL_RESPONSE",
		"confirm:SESS_XA_START", "send:SESS_XA_RESP",
		"confirm:SESS_COMMIT", "send:NULL_RESPONSE",
	}, f.channel.Log.Events())
}

func TestStorageErrorOverridesResponse(t *testing.T) {
	f := newFixture(t)
	f.storage.Hold()

	f.handler.HandlePacket(&protocol.SessXACommit{Xid: testXid})
	f.storage.Fail(brokererrors.IOError, "journal write failed")

	assert.Len(t, f.channel.Confirmed(), 1)
	assert.Equal(t, []protocol.Packet{
		&protocol.Exception{Code: int32(brokererrors.IOError), Message: "journal write failed"},
	}, f.channel.Sent())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StorageErrors))
}

func TestStorageErrorAnswersRequestWithoutResponse(t *testing.T) {
	f := newFixture(t)
	f.storage.FailWith(brokererrors.IOError, "journal closed")

	f.handler.HandlePacket(&protocol.SessSend{})

	assert.Equal(t, &protocol.Exception{Code: int32(brokererrors.IOError), Message: "journal closed"}, f.channel.LastSent())
}

func TestStorageErrorOnCloseStillClosesChannel(t *testing.T) {
	f := newFixture(t)
	f.storage.FailWith(brokererrors.IOError, "journal closed")

	f.handler.HandlePacket(&protocol.SessClose{})

	assert.Equal(t, &protocol.Exception{Code: int32(brokererrors.IOError), Message: "journal closed"}, f.channel.LastSent())
	assert.True(t, f.channel.IsClosed())
}

func TestSendFailureDoesNotBreakHandler(t *testing.T) {
	f := newFixture(t)
	f.channel.FailSends(errors.New("broken pipe"))

	f.handler.HandlePacket(&protocol.SessStop{})
	f.handler.HandlePacket(&protocol.SessCommit{})

	assert.Len(t, f.channel.Confirmed(), 2)
	assert.Len(t, f.channel.Sent(), 2)
}

func TestBindingWrapsEveryRequest(t *testing.T) {
	f := newFixture(t)

	f.handler.HandlePacket(&protocol.SessStart{})

	assert.Equal(t, []string{
		"bind",
		"session:Start",
		"schedule",
		"confirm:SESS_START",
		"complete",
		"clear",
	}, f.channel.Log.Events())
	assert.False(t, f.storage.IsBound())
}

// ============================================================================
// Connection Lifecycle
// ============================================================================

func TestNewHandlerRegistersListeners(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, int64(10), f.handler.ID())
	assert.Equal(t, 1, f.channel.Conn.FailureListenerCount())
	assert.Equal(t, 1, f.channel.Conn.CloseListenerCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ActiveSessions))
}

func TestConnectionFailedCleansUpOnce(t *testing.T) {
	f := newFixture(t)

	cause := brokererrors.New(brokererrors.ConnectionTimedOut, "ttl expired")
	f.channel.Conn.Fail(cause)
	f.handler.ConnectionFailed(cause)
	f.handler.ConnectionClosed()

	assert.Equal(t, []string{"RunConnectionFailureRunners", "Close"}, f.session.Methods())
	assert.True(t, f.handler.IsDetached())
	assert.Equal(t, 0, f.channel.Conn.FailureListenerCount())
	assert.Equal(t, 0, f.channel.Conn.CloseListenerCount())
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.ActiveSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ConnectionFailures))
}

func TestConnectionFailedCloseErrorIsLogged(t *testing.T) {
	f := newFixture(t)
	f.session.FailOn("Close", errors.New("already closed"))

	require.NotPanics(t, func() {
		f.handler.ConnectionFailed(errors.New("reset by peer"))
	})
	assert.Equal(t, []string{"RunConnectionFailureRunners", "Close"}, f.session.Methods())
}

func TestConnectionClosedRunsFailureRunnersOnly(t *testing.T) {
	f := newFixture(t)

	f.channel.Conn.Destroy()
	f.handler.ConnectionClosed()

	assert.Equal(t, []string{"RunConnectionFailureRunners"}, f.session.Methods())
	assert.Equal(t, 0, f.channel.Conn.CloseListenerCount())
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.ConnectionFailures))
}

func TestConnectionFailedStopsDispatch(t *testing.T) {
	f := newFixture(t)

	f.handler.ConnectionFailed(errors.New("reset by peer"))

	send := &protocol.SessSend{Message: protocol.Message{Address: "orders"}, RequiresResponse: true}
	f.handler.HandlePacket(send)
	f.handler.HandlePacket(&protocol.SessClose{})

	assert.Equal(t, []string{"RunConnectionFailureRunners", "Close"}, f.session.Methods())
	assert.Empty(t, f.channel.Sent())
	assert.Len(t, f.channel.Confirmed(), 2, "late requests are still confirmed")
	assert.Same(t, send, f.channel.Confirmed()[0])
}

func TestCloseRacingConnectionFailureClosesOnce(t *testing.T) {
	for i := 0; i < 200; i++ {
		f := newFixture(t)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.handler.HandlePacket(&protocol.SessClose{})
		}()
		go func() {
			defer wg.Done()
			f.handler.ConnectionFailed(errors.New("reset by peer"))
		}()
		wg.Wait()

		require.Equal(t, 1, f.session.CallCount("Close"), "iteration %d", i)
		assert.True(t, f.handler.IsDetached())
		assert.Equal(t, 0, f.channel.Conn.FailureListenerCount())
	}
}

func TestCloseFailureLetsConnectionFailureCloseLater(t *testing.T) {
	f := newFixture(t)
	f.session.FailOn("Close", brokererrors.NewIllegalStateError("cannot close"))

	f.handler.HandlePacket(&protocol.SessClose{})
	f.session.FailOn("Close", nil)
	f.channel.Conn.Fail(errors.New("reset by peer"))

	assert.Equal(t, []string{"Close", "RunConnectionFailureRunners", "Close"}, f.session.Methods())
	assert.True(t, f.handler.IsDetached())
}

func TestHandlerCloseFlushesAndClosesSession(t *testing.T) {
	f := newFixture(t)

	f.handler.Close()

	assert.Equal(t, []string{"flush", "session:Close"}, f.channel.Log.Events())
	assert.True(t, f.handler.IsDetached())

	f.channel.Conn.Fail(errors.New("late failure"))
	assert.Equal(t, 1, f.session.CallCount("Close"))
}

// ============================================================================
// Session Callback
// ============================================================================

func TestCallbackPushesPackets(t *testing.T) {
	f := newFixture(t)
	msg := &protocol.Message{MessageID: 1, Address: "orders", Body: []byte("x")}

	n := f.handler.SendMessage(msg, 4, 2)
	want := &protocol.SessReceiveMsg{ConsumerID: 4, DeliveryCount: 2, Message: *msg}
	assert.Equal(t, want, f.channel.LastSent())
	assert.Equal(t, protocol.Size(want), n)

	n = f.handler.SendLargeMessage(msg, 4, 1<<20, 1)
	wantLarge := &protocol.SessReceiveLargeMsg{ConsumerID: 4, Header: *msg, BodySize: 1 << 20, DeliveryCount: 1}
	assert.Equal(t, wantLarge, f.channel.LastSent())
	assert.Equal(t, protocol.Size(wantLarge), n)

	n = f.handler.SendLargeMessageContinuation(4, []byte("chunk"), true, false)
	wantChunk := &protocol.SessReceiveContinuation{ConsumerID: 4, Body: []byte("chunk"), Continues: true}
	assert.Equal(t, wantChunk, f.channel.LastSent())
	assert.Equal(t, protocol.Size(wantChunk), n)

	f.handler.SendProducerCreditsMessage(2048, "orders", 0)
	assert.Equal(t, &protocol.SessProducerCredits{Credits: 2048, Address: "orders"}, f.channel.LastSent())

	// Pushes are not confirmations.
	assert.Empty(t, f.channel.Confirmed())
}

// ============================================================================
// Metrics
// ============================================================================

func TestDispatchMetrics(t *testing.T) {
	f := newFixture(t)

	f.handler.HandlePacket(&protocol.SessCommit{})
	f.handler.HandlePacket(&protocol.SessCommit{})
	f.handler.HandlePacket(&protocol.SessXAStart{Xid: testXid})

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.PacketsDispatched.WithLabelValues("COMMIT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PacketsDispatched.WithLabelValues("XA_START")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Responses.WithLabelValues("null")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Responses.WithLabelValues("xa_ok")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	ch := servertest.NewChannel(11)
	sess := servertest.NewSession("no-metrics", nil)
	h := server.NewSessionPacketHandler(sess, servertest.NewContext(ch.Log), ch, nil)

	require.NotPanics(t, func() {
		h.HandlePacket(&protocol.SessCommit{})
		h.ConnectionFailed(errors.New("gone"))
	})
}
