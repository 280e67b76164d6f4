package broker

import (
	"testing"

	"github.com/marmos91/dittomq/pkg/persistence"
	"github.com/marmos91/dittomq/pkg/protocol"
	"github.com/marmos91/dittomq/pkg/server"
	"github.com/marmos91/dittomq/pkg/server/servertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newDispatchedSession wires a real ServerSession behind a
// SessionPacketHandler on a recording channel.
func newDispatchedSession(t *testing.T, srv *Server, opts SessionOptions) (*server.SessionPacketHandler, *servertest.Channel) {
	t.Helper()
	storage := srv.sm.NewSession(persistence.InlineExecutor{})
	sess := newServerSession(opts, sessionDeps{
		po:      srv.po,
		rm:      srv.rm,
		storage: storage,
		metrics: srv.metrics,
	})
	ch := servertest.NewChannel(10)
	h := server.NewSessionPacketHandler(sess, storage, ch, nil)
	sess.SetCallback(h)
	return h, ch
}

func TestDispatchXAOnePhaseCommit(t *testing.T) {
	srv := newTestServer(t, testOptions())
	h, ch := newDispatchedSession(t, srv, SessionOptions{Name: "xa", XA: true})

	xid := testXid("one-phase")
	requests := []protocol.Packet{
		&protocol.CreateQueue{Address: "a", QueueName: "q", RequiresResponse: true},
		&protocol.SessXAStart{Xid: xid},
		&protocol.SessSend{Message: *textMessage("a", "1")},
		&protocol.SessXAEnd{Xid: xid},
		&protocol.SessXAGetInDoubtXids{},
		&protocol.SessXACommit{Xid: xid, OnePhase: true},
	}
	for _, p := range requests {
		h.HandlePacket(p)
	}

	ok := &protocol.SessXAResp{IsError: false, ResponseCode: 0, Message: ""}
	sent := ch.Sent()
	require.Len(t, sent, 5)
	assert.Equal(t, &protocol.NullResponse{}, sent[0])
	assert.Equal(t, ok, sent[1], "xa-start")
	assert.Equal(t, ok, sent[2], "xa-end")

	inDoubt, isInDoubt := sent[3].(*protocol.SessXAGetInDoubtXidsResp)
	require.True(t, isInDoubt, "got %T", sent[3])
	assert.Empty(t, inDoubt.Xids)

	assert.Equal(t, ok, sent[4], "xa-commit")
	assert.Len(t, ch.Confirmed(), len(requests))
	assert.EqualValues(t, 1, mustQueue(t, srv, "q").MessageCount())
}
